// Package plans loads the plan catalog: quota limits and Stripe price
// identifiers per plan. The catalog is read once at startup and is immutable.
package plans

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownPlan       = errors.New("plans: unknown plan")
	ErrUnrecognizedPrice = errors.New("plans: unrecognized price")
	ErrInvalidCatalog    = errors.New("plans: invalid catalog")
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

// Unlimited is the sentinel limit meaning "no ceiling".
const Unlimited Limit = -1

// Limit is a quota ceiling: a positive count or Unlimited.
type Limit int64

// IsUnlimited reports whether the limit disables the ceiling.
func (l Limit) IsUnlimited() bool { return l == Unlimited }

func (l Limit) valid() bool { return l == Unlimited || l > 0 }

func (l Limit) String() string {
	if l.IsUnlimited() {
		return "unlimited"
	}
	return strconv.FormatInt(int64(l), 10)
}

// UnmarshalYAML accepts an integer or the literal "unlimited".
func (l *Limit) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("limit must be a scalar, got %v", value.Tag)
	}
	if strings.EqualFold(value.Value, "unlimited") {
		*l = Unlimited
		return nil
	}
	n, err := strconv.ParseInt(value.Value, 10, 64)
	if err != nil {
		return fmt.Errorf("limit %q: want integer or \"unlimited\"", value.Value)
	}
	*l = Limit(n)
	return nil
}

// Resource names a metered resource.
type Resource string

const (
	ResourceUsers   Resource = "users"
	ResourceBatches Resource = "batches"
	ResourceDevices Resource = "devices"
	ResourceStorage Resource = "storage_gb"
)

// Resources lists metered resources in reporting order.
var Resources = []Resource{ResourceUsers, ResourceBatches, ResourceDevices, ResourceStorage}

// Quotas holds the per-resource ceilings of a plan.
type Quotas struct {
	MaxUsers     Limit `yaml:"max_users" json:"max_users"`
	MaxBatches   Limit `yaml:"max_batches" json:"max_batches"`
	MaxDevices   Limit `yaml:"max_devices" json:"max_devices"`
	MaxStorageGB Limit `yaml:"max_storage_gb" json:"max_storage_gb"`
}

// Limit returns the ceiling configured for r.
func (q Quotas) Limit(r Resource) Limit {
	switch r {
	case ResourceUsers:
		return q.MaxUsers
	case ResourceBatches:
		return q.MaxBatches
	case ResourceDevices:
		return q.MaxDevices
	case ResourceStorage:
		return q.MaxStorageGB
	}
	return 0
}

// Plan is a purchasable tier.
type Plan struct {
	ID            string   `yaml:"id" json:"id"`
	Name          string   `yaml:"name" json:"name"`
	PriceID       string   `yaml:"price_id" json:"price_id"`
	CheckoutIDs   []string `yaml:"checkout_ids" json:"checkout_ids,omitempty"`
	PricePerMonth int64    `yaml:"price_per_month" json:"price_per_month"` // minor units
	Currency      string   `yaml:"currency" json:"currency"`
	Quotas        Quotas   `yaml:"quotas" json:"quotas"`
}

type catalogFile struct {
	Plans []Plan `yaml:"plans"`
}

// Catalog is an immutable, validated set of plans.
type Catalog struct {
	plans      map[string]Plan
	byPrice    map[string]string
	byCheckout map[string]string
	ordered    []Plan
}

// Default returns the catalog compiled into the binary.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("plans: embedded catalog: %v", err))
	}
	return c
}

// Load reads and validates a catalog file. An empty path yields Default().
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("plans: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	return New(f.Plans)
}

// New validates plans and builds a catalog.
func New(plans []Plan) (*Catalog, error) {
	if len(plans) == 0 {
		return nil, fmt.Errorf("%w: no plans defined", ErrInvalidCatalog)
	}

	c := &Catalog{
		plans:      make(map[string]Plan, len(plans)),
		byPrice:    make(map[string]string, len(plans)),
		byCheckout: make(map[string]string),
	}
	for i, p := range plans {
		if p.ID == "" {
			return nil, fmt.Errorf("%w: plan %d has no id", ErrInvalidCatalog, i)
		}
		if _, dup := c.plans[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate plan id %q", ErrInvalidCatalog, p.ID)
		}
		if p.PriceID == "" {
			return nil, fmt.Errorf("%w: plan %q has no price_id", ErrInvalidCatalog, p.ID)
		}
		if other, dup := c.byPrice[p.PriceID]; dup {
			return nil, fmt.Errorf("%w: price %q used by %q and %q", ErrInvalidCatalog, p.PriceID, other, p.ID)
		}
		if p.PricePerMonth < 0 {
			return nil, fmt.Errorf("%w: plan %q has a negative price", ErrInvalidCatalog, p.ID)
		}
		for _, r := range Resources {
			if l := p.Quotas.Limit(r); !l.valid() {
				return nil, fmt.Errorf("%w: plan %q %s must be positive or unlimited, got %d", ErrInvalidCatalog, p.ID, r, l)
			}
		}
		if p.Name == "" {
			p.Name = p.ID
		}
		p.CheckoutIDs = append([]string(nil), p.CheckoutIDs...)

		c.plans[p.ID] = p
		c.byPrice[p.PriceID] = p.ID
		for _, alias := range p.CheckoutIDs {
			if other, dup := c.byCheckout[alias]; dup && other != p.ID {
				return nil, fmt.Errorf("%w: checkout id %q used by %q and %q", ErrInvalidCatalog, alias, other, p.ID)
			}
			c.byCheckout[alias] = p.ID
		}
		c.ordered = append(c.ordered, p)
	}

	sort.SliceStable(c.ordered, func(i, j int) bool {
		return c.ordered[i].PricePerMonth < c.ordered[j].PricePerMonth
	})
	return c, nil
}

// Lookup returns the plan with the given id.
func (c *Catalog) Lookup(planID string) (Plan, error) {
	p, ok := c.plans[planID]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrUnknownPlan, planID)
	}
	return p, nil
}

// PlanForPrice maps a Stripe price id back to its plan. It never defaults.
func (c *Catalog) PlanForPrice(priceID string) (Plan, error) {
	id, ok := c.byPrice[priceID]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrUnrecognizedPrice, priceID)
	}
	return c.plans[id], nil
}

// ResolveCheckoutID maps a checkout alias (or a plan id) to its plan.
func (c *Catalog) ResolveCheckoutID(checkoutID string) (Plan, error) {
	if id, ok := c.byCheckout[checkoutID]; ok {
		return c.plans[id], nil
	}
	return c.Lookup(checkoutID)
}

// Plans returns all plans ordered by monthly price.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, len(c.ordered))
	copy(out, c.ordered)
	return out
}
