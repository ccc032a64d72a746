// Package tenant is the directory of tenants and their users: roles, tenant
// linkage, billing customer binding and the plan access flag.
package tenant

import (
	"errors"
	"strings"
	"time"
)

// Errors
var (
	ErrTenantNotFound = errors.New("tenant: not found")
	ErrUserNotFound   = errors.New("tenant: user not found")
	ErrEmailTaken     = errors.New("tenant: email already registered")
)

// Role is a user's role within the platform.
type Role string

const (
	RoleSuperAdmin Role = "super_admin"
	RoleAdmin      Role = "admin"
	RoleManager    Role = "manager"
	RoleTechnician Role = "technician"
	RolePending    Role = "pending"
)

// AccessNone is the access flag of a user without a paid plan.
const AccessNone = "none"

// Tenant is an isolated customer organisation.
type Tenant struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	OwnerUserID  string    `json:"owner_user_id"`
	Email        string    `json:"email,omitempty"`
	BusinessType string    `json:"business_type,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// User is a platform account.
type User struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	Name          string     `json:"name"`
	Role          Role       `json:"role"`
	TenantID      string     `json:"tenant_id,omitempty"`
	OwnedTenantID string     `json:"owned_tenant_id,omitempty"`
	CustomerID    string     `json:"customer_id,omitempty"`
	PriceID       string     `json:"price_id,omitempty"`
	Access        string     `json:"access"` // plan id or AccessNone
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
}

// HomeTenant returns the tenant the user belongs to, preferring membership
// over ownership. Empty when the user has no tenant linkage.
func (u *User) HomeTenant() string {
	if u.TenantID != "" {
		return u.TenantID
	}
	return u.OwnedTenantID
}

// HasAccess reports whether the user currently holds a plan.
func (u *User) HasAccess() bool {
	return u.Access != "" && u.Access != AccessNone
}

// Access is the billing binding written onto a user by subscription changes.
type Access struct {
	Plan       string // plan id or AccessNone
	CustomerID string
	PriceID    string
}

// NormalizeEmail lower-cases and trims an address for lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
