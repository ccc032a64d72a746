// Package pagination provides page/limit pagination utilities.
package pagination

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Page is a 1-based page request.
type Page struct {
	Number int
	Limit  int
}

// Default returns the first page with the default limit.
func Default() Page {
	return Page{Number: 1, Limit: DefaultLimit}
}

// Parse reads page and limit query values. Empty values take defaults;
// limit is capped at MaxLimit.
func Parse(page, limit string) (Page, error) {
	p := Default()
	if s := strings.TrimSpace(page); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return Page{}, fmt.Errorf("invalid page %q", page)
		}
		p.Number = n
	}
	if s := strings.TrimSpace(limit); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return Page{}, fmt.Errorf("invalid limit %q", limit)
		}
		p.Limit = min(n, MaxLimit)
	}
	return p, nil
}

// Offset is the number of rows to skip.
func (p Page) Offset() int {
	return (p.Number - 1) * p.Limit
}

// Meta describes a page of results.
type Meta struct {
	CurrentPage  int `json:"current_page"`
	TotalPages   int `json:"total_pages"`
	TotalItems   int `json:"total_items"`
	ItemsPerPage int `json:"items_per_page"`
}

// MetaFor builds page metadata for total matching items.
func MetaFor(p Page, total int) Meta {
	pages := 0
	if p.Limit > 0 {
		pages = (total + p.Limit - 1) / p.Limit
	}
	return Meta{
		CurrentPage:  p.Number,
		TotalPages:   pages,
		TotalItems:   total,
		ItemsPerPage: p.Limit,
	}
}

// Slice returns the window of items selected by p.
func Slice[T any](items []T, p Page) []T {
	start := p.Offset()
	if start >= len(items) || start < 0 {
		return nil
	}
	end := min(start+p.Limit, len(items))
	return items[start:end]
}
