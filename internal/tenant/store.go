package tenant

import "context"

// Store persists tenants and users.
type Store interface {
	CreateTenant(ctx context.Context, t *Tenant) error
	GetTenant(ctx context.Context, id string) (*Tenant, error)

	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByCustomerID(ctx context.Context, customerID string) (*User, error)

	// SetAccess writes the plan access flag and billing identifiers in one update.
	SetAccess(ctx context.Context, userID string, a Access) error
	// LockTenant serializes subscription changes for a tenant until the
	// surrounding transaction ends. Outside a transaction it does not block.
	LockTenant(ctx context.Context, tenantID string) error
	// LinkTenant binds a user to a tenant, as owner when owner is true.
	LinkTenant(ctx context.Context, userID, tenantID string, owner bool) error

	// ListAdmins returns the admins that own or belong to a tenant.
	ListAdmins(ctx context.Context, tenantID string) ([]*User, error)
	// ListWithAccess returns every non-deleted user holding a plan.
	ListWithAccess(ctx context.Context) ([]*User, error)
	// CountMembers counts non-deleted managers and technicians of a tenant.
	CountMembers(ctx context.Context, tenantID string) (int64, error)
}
