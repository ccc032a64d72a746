package usage

import (
	"errors"
	"math"

	"github.com/grainhero/accesscore/internal/plans"
	"github.com/grainhero/accesscore/internal/subscription"
)

// ErrUnknownResource is returned for a resource no plan meters.
var ErrUnknownResource = errors.New("usage: unknown resource")

// Upgrade is a plan whose quota would admit the requested amount.
type Upgrade struct {
	PlanID        string      `json:"plan_id"`
	Name          string      `json:"name"`
	Limit         plans.Limit `json:"limit"`
	PricePerMonth int64       `json:"price_per_month"`
	Currency      string      `json:"currency"`
}

// Allowance answers whether a tenant may add more of a resource.
type Allowance struct {
	Resource    plans.Resource `json:"resource"`
	Current     float64        `json:"current"`
	Requested   float64        `json:"requested"`
	Limit       plans.Limit    `json:"limit"`
	Unlimited   bool           `json:"unlimited"`
	WithinLimit bool           `json:"within_limit"`
	Remaining   float64        `json:"remaining"` // -1 when unlimited
	Upgrades    []Upgrade      `json:"upgrade_suggestions"`
}

// ParseResource maps a resource name to a metered resource.
func ParseResource(name string) (plans.Resource, error) {
	for _, r := range plans.Resources {
		if string(r) == name {
			return r, nil
		}
	}
	return "", ErrUnknownResource
}

// CheckAllowance reports whether adding requested units of r keeps sub
// within its quota, from the persisted usage. When it does not, every
// catalog plan that would admit the new total is suggested, cheapest first.
func (m *Meter) CheckAllowance(sub *subscription.Subscription, r plans.Resource, requested float64) (*Allowance, error) {
	if _, err := ParseResource(string(r)); err != nil {
		return nil, err
	}
	if requested < 0 {
		requested = 0
	}
	current := sub.Usage.Current(r)
	limit := sub.Features.Limit(r)
	a := &Allowance{
		Resource:  r,
		Current:   current,
		Requested: requested,
		Limit:     limit,
		Upgrades:  []Upgrade{},
	}
	if limit.IsUnlimited() {
		a.Unlimited, a.WithinLimit, a.Remaining = true, true, -1
		return a, nil
	}

	a.Remaining = math.Max(float64(limit)-current, 0)
	a.WithinLimit = current+requested <= float64(limit)
	if a.WithinLimit || m.catalog == nil {
		return a, nil
	}
	for _, p := range m.catalog.Plans() {
		l := p.Quotas.Limit(r)
		if p.ID == sub.PlanID || !(l.IsUnlimited() || float64(l) >= current+requested) {
			continue
		}
		a.Upgrades = append(a.Upgrades, Upgrade{
			PlanID:        p.ID,
			Name:          p.Name,
			Limit:         l,
			PricePerMonth: p.PricePerMonth,
			Currency:      p.Currency,
		})
	}
	return a, nil
}
