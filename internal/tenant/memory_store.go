package tenant

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory tenant store for demo/development.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant // by ID
	users   map[string]*User   // by ID
	emails  map[string]string  // normalized email → user ID
}

// NewMemoryStore creates a new in-memory tenant store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[string]*Tenant),
		users:   make(map[string]*User),
		emails:  make(map[string]string),
	}
}

func (m *MemoryStore) CreateTenant(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *t
	m.tenants[t.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTenant(_ context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrTenantNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) CreateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := NormalizeEmail(u.Email)
	if id, exists := m.emails[email]; exists && m.users[id].DeletedAt == nil {
		return ErrEmailTaken
	}

	cp := *u
	cp.Email = email
	if cp.Access == "" {
		cp.Access = AccessNone
	}
	m.users[u.ID] = &cp
	m.emails[email] = u.ID
	return nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok || u.DeletedAt != nil {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.emails[NormalizeEmail(email)]
	if !ok || m.users[id].DeletedAt != nil {
		return nil, ErrUserNotFound
	}
	cp := *m.users[id]
	return &cp, nil
}

func (m *MemoryStore) GetUserByCustomerID(_ context.Context, customerID string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if customerID == "" {
		return nil, ErrUserNotFound
	}
	var found *User
	for _, u := range m.users {
		if u.CustomerID != customerID || u.DeletedAt != nil {
			continue
		}
		if found == nil || u.CreatedAt.Before(found.CreatedAt) {
			found = u
		}
	}
	if found == nil {
		return nil, ErrUserNotFound
	}
	cp := *found
	return &cp, nil
}

func (m *MemoryStore) SetAccess(_ context.Context, userID string, a Access) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok || u.DeletedAt != nil {
		return ErrUserNotFound
	}
	u.Access = a.Plan
	u.CustomerID = a.CustomerID
	u.PriceID = a.PriceID
	u.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) LinkTenant(_ context.Context, userID, tenantID string, owner bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok || u.DeletedAt != nil {
		return ErrUserNotFound
	}
	if _, ok := m.tenants[tenantID]; !ok {
		return ErrTenantNotFound
	}
	u.TenantID = tenantID
	if owner {
		u.OwnedTenantID = tenantID
	}
	u.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListAdmins(_ context.Context, tenantID string) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*User
	for _, u := range m.users {
		if u.Role != RoleAdmin || u.DeletedAt != nil {
			continue
		}
		if u.TenantID == tenantID || u.OwnedTenantID == tenantID {
			cp := *u
			out = append(out, &cp)
		}
	}
	sortUsers(out)
	return out, nil
}

func (m *MemoryStore) ListWithAccess(_ context.Context) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*User
	for _, u := range m.users {
		if u.DeletedAt == nil && u.HasAccess() {
			cp := *u
			out = append(out, &cp)
		}
	}
	sortUsers(out)
	return out, nil
}

// LockTenant is a no-op: the in-memory unit of work already runs one
// change at a time.
func (m *MemoryStore) LockTenant(context.Context, string) error { return nil }

func (m *MemoryStore) CountMembers(_ context.Context, tenantID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, u := range m.users {
		if u.TenantID != tenantID || u.DeletedAt != nil {
			continue
		}
		if u.Role == RoleManager || u.Role == RoleTechnician {
			n++
		}
	}
	return n, nil
}

// Delete soft-deletes a user (used by tests and demo tooling).
func (m *MemoryStore) Delete(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		now := time.Now()
		u.DeletedAt = &now
	}
}

func sortUsers(us []*User) {
	sort.Slice(us, func(i, j int) bool {
		if !us[i].CreatedAt.Equal(us[j].CreatedAt) {
			return us[i].CreatedAt.Before(us[j].CreatedAt)
		}
		return us[i].ID < us[j].ID
	})
}

var _ Store = (*MemoryStore)(nil)

// Snapshot captures the store's contents. Calling the returned function
// puts them back.
func (m *MemoryStore) Snapshot() (restore func()) {
	m.mu.RLock()
	tenants, users, emails := cloneMap(m.tenants), cloneMap(m.users), make(map[string]string, len(m.emails))
	for k, v := range m.emails {
		emails[k] = v
	}
	m.mu.RUnlock()

	return func() {
		m.mu.Lock()
		m.tenants, m.users, m.emails = tenants, users, emails
		m.mu.Unlock()
	}
}

func cloneMap[T any](in map[string]*T) map[string]*T {
	out := make(map[string]*T, len(in))
	for k, v := range in {
		cp := *v
		out[k] = &cp
	}
	return out
}
