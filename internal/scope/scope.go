// Package scope maps a caller's identity to the data-access predicate that
// every read must apply before caller-supplied filters.
//
// Resolution is pure: no I/O and no state beyond the resolver's
// configuration, so the same identity always yields the same predicate.
package scope

import (
	"errors"
	"slices"

	"github.com/grainhero/accesscore/internal/tenant"
)

// ErrAccessDenied is returned for roles outside the recognised set and for
// identities that cannot be tied to any scope. It never degrades to an
// unrestricted predicate.
var ErrAccessDenied = errors.New("scope: access denied")

// Kind identifies which dimension a predicate keys on.
type Kind string

const (
	KindAll      Kind = "all"      // super admin without an explicit tenant
	KindTenant   Kind = "tenant"   // tenant_id = TenantID
	KindCustomer Kind = "customer" // customer_id = CustomerID (no tenant linkage)
	KindCreator  Kind = "creator"  // created_by = CreatorID OR tenant_id = CreatorID
)

// Identity is the subset of a user record that scoping depends on.
type Identity struct {
	UserID        string
	Role          tenant.Role
	TenantID      string
	OwnedTenantID string
	CustomerID    string
}

// FromUser builds an Identity from a user record.
func FromUser(u *tenant.User) Identity {
	return Identity{
		UserID:        u.ID,
		Role:          u.Role,
		TenantID:      u.TenantID,
		OwnedTenantID: u.OwnedTenantID,
		CustomerID:    u.CustomerID,
	}
}

// Predicate restricts which records a caller may read.
type Predicate struct {
	Kind       Kind     `json:"kind"`
	TenantID   string   `json:"tenant_id,omitempty"`
	CustomerID string   `json:"customer_id,omitempty"`
	CreatorID  string   `json:"creator_id,omitempty"`
	Categories []string `json:"categories,omitempty"` // nil means any category
}

// Unrestricted reports whether the predicate admits every record.
func (p Predicate) Unrestricted() bool {
	return p.Kind == KindAll && p.Categories == nil
}

// TenantScoped reports whether the predicate pins a single tenant.
func (p Predicate) TenantScoped() bool {
	return p.Kind == KindTenant
}

// TenantLevel drops the category restriction. Tenant-wide records such as
// the subscription carry no category and stay visible to every member.
func (p Predicate) TenantLevel() Predicate {
	p.Categories = nil
	return p
}

// policy resolves the predicate for one role.
type policy interface {
	resolve(id Identity, explicitTenantID string) (Predicate, error)
}

// Resolver maps identities to predicates through a per-role policy table.
type Resolver struct {
	policies map[tenant.Role]policy
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTechnicianCategories overrides the category allow-list applied to
// technicians.
func WithTechnicianCategories(categories []string) Option {
	return func(r *Resolver) {
		r.policies[tenant.RoleTechnician] = categoryPolicy{
			inner:      memberPolicy{},
			categories: slices.Clone(categories),
		}
	}
}

// DefaultTechnicianCategories is the allow-list used when none is configured.
var DefaultTechnicianCategories = []string{"batch", "spoilage"}

// NewResolver creates a resolver for the recognised roles.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		policies: map[tenant.Role]policy{
			tenant.RoleSuperAdmin: superAdminPolicy{},
			tenant.RoleAdmin:      memberPolicy{},
			tenant.RoleManager:    memberPolicy{},
			tenant.RoleTechnician: categoryPolicy{
				inner:      memberPolicy{},
				categories: slices.Clone(DefaultTechnicianCategories),
			},
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the predicate for id. explicitTenantID is honoured only
// for super admins.
func (r *Resolver) Resolve(id Identity, explicitTenantID string) (Predicate, error) {
	p, ok := r.policies[id.Role]
	if !ok {
		return Predicate{}, ErrAccessDenied
	}
	return p.resolve(id, explicitTenantID)
}

type superAdminPolicy struct{}

func (superAdminPolicy) resolve(_ Identity, explicitTenantID string) (Predicate, error) {
	if explicitTenantID != "" {
		return Predicate{Kind: KindTenant, TenantID: explicitTenantID}, nil
	}
	return Predicate{Kind: KindAll}, nil
}

// memberPolicy forces the caller's own tenant. Legacy users without tenant
// linkage fall back to their billing customer id and then to records they
// created, in that order.
type memberPolicy struct{}

func (memberPolicy) resolve(id Identity, _ string) (Predicate, error) {
	switch {
	case id.TenantID != "":
		return Predicate{Kind: KindTenant, TenantID: id.TenantID}, nil
	case id.OwnedTenantID != "":
		return Predicate{Kind: KindTenant, TenantID: id.OwnedTenantID}, nil
	case id.CustomerID != "":
		return Predicate{Kind: KindCustomer, CustomerID: id.CustomerID}, nil
	case id.UserID != "":
		return Predicate{Kind: KindCreator, CreatorID: id.UserID}, nil
	}
	return Predicate{}, ErrAccessDenied
}

// categoryPolicy layers a category allow-list over another policy.
type categoryPolicy struct {
	inner      policy
	categories []string
}

func (c categoryPolicy) resolve(id Identity, explicitTenantID string) (Predicate, error) {
	p, err := c.inner.resolve(id, explicitTenantID)
	if err != nil {
		return Predicate{}, err
	}
	p.Categories = slices.Clone(c.categories)
	if p.Categories == nil {
		p.Categories = []string{}
	}
	return p, nil
}
