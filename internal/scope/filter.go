package scope

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Record is the scoping view of a stored row.
type Record struct {
	TenantID   string
	CustomerID string
	CreatedBy  string
	Category   string
	Status     string
	CreatedAt  time.Time
	Text       string // searchable text
}

// Filter holds optional caller-supplied narrowing. It is always applied
// after the predicate and can only remove records.
type Filter struct {
	From     *time.Time
	To       *time.Time
	Category string
	Status   string
	Search   string
}

// Admits reports whether the predicate alone admits r.
func (p Predicate) Admits(r Record) bool {
	switch p.Kind {
	case KindAll:
	case KindTenant:
		if r.TenantID != p.TenantID {
			return false
		}
	case KindCustomer:
		if r.CustomerID != p.CustomerID {
			return false
		}
	case KindCreator:
		if r.CreatedBy != p.CreatorID && r.TenantID != p.CreatorID {
			return false
		}
	default:
		return false
	}
	if p.Categories != nil && !slices.Contains(p.Categories, r.Category) {
		return false
	}
	return true
}

// Match applies the predicate and then f.
func (p Predicate) Match(r Record, f Filter) bool {
	if !p.Admits(r) {
		return false
	}
	if f.From != nil && r.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && r.CreatedAt.After(*f.To) {
		return false
	}
	if f.Category != "" && r.Category != f.Category {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Search != "" && !strings.Contains(strings.ToLower(r.Text), strings.ToLower(f.Search)) {
		return false
	}
	return true
}

// Columns names the columns of a table that predicates and filters touch.
// An empty Category column means the table has no category dimension;
// a category-restricted predicate then matches nothing.
type Columns struct {
	Tenant    string
	Customer  string
	Creator   string
	Category  string
	Status    string
	CreatedAt string
	Search    []string
}

// Where renders the predicate followed by f as a parameterised SQL
// condition. Placeholders start at $firstArg. The returned condition is
// never empty.
func (p Predicate) Where(cols Columns, f Filter, firstArg int) (string, []any) {
	w := &whereBuilder{next: firstArg}

	switch p.Kind {
	case KindAll:
	case KindTenant:
		w.add(cols.Tenant+" = %s", p.TenantID)
	case KindCustomer:
		w.add(cols.Customer+" = %s", p.CustomerID)
	case KindCreator:
		ph := w.arg(p.CreatorID)
		w.conds = append(w.conds, fmt.Sprintf("(%s = %s OR %s = %s)", cols.Creator, ph, cols.Tenant, ph))
	default:
		w.conds = append(w.conds, "FALSE")
	}

	if p.Categories != nil {
		if cols.Category == "" {
			w.conds = append(w.conds, "FALSE")
		} else {
			w.add(cols.Category+" = ANY(%s)", pq.Array(p.Categories))
		}
	}

	if f.From != nil && cols.CreatedAt != "" {
		w.add(cols.CreatedAt+" >= %s", *f.From)
	}
	if f.To != nil && cols.CreatedAt != "" {
		w.add(cols.CreatedAt+" <= %s", *f.To)
	}
	if f.Category != "" {
		if cols.Category == "" {
			w.conds = append(w.conds, "FALSE")
		} else {
			w.add(cols.Category+" = %s", f.Category)
		}
	}
	if f.Status != "" && cols.Status != "" {
		w.add(cols.Status+" = %s", f.Status)
	}
	if f.Search != "" && len(cols.Search) > 0 {
		ph := w.arg("%" + escapeLike(f.Search) + "%")
		parts := make([]string, len(cols.Search))
		for i, c := range cols.Search {
			parts[i] = fmt.Sprintf("%s ILIKE %s", c, ph)
		}
		w.conds = append(w.conds, "("+strings.Join(parts, " OR ")+")")
	}

	if len(w.conds) == 0 {
		return "TRUE", nil
	}
	return strings.Join(w.conds, " AND "), w.args
}

type whereBuilder struct {
	conds []string
	args  []any
	next  int
}

func (w *whereBuilder) arg(v any) string {
	w.args = append(w.args, v)
	ph := fmt.Sprintf("$%d", w.next)
	w.next++
	return ph
}

func (w *whereBuilder) add(format string, v any) {
	w.conds = append(w.conds, fmt.Sprintf(format, w.arg(v)))
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
