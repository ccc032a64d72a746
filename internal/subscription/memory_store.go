package subscription

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/grainhero/accesscore/internal/pagination"
	"github.com/grainhero/accesscore/internal/scope"
)

// MemoryStore is an in-memory subscription store for demo/development.
type MemoryStore struct {
	mu       sync.RWMutex
	subs     map[string]*Subscription // by ID
	external map[string]string        // external id → ID
}

// NewMemoryStore creates a new in-memory subscription store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:     make(map[string]*Subscription),
		external: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ExternalID != "" {
		if _, exists := m.external[s.ExternalID]; exists {
			return ErrDuplicateExternal
		}
		m.external[s.ExternalID] = s.ID
	}
	cp := *s
	m.subs[s.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.subs[id]
	if !ok || s.DeletedAt != nil {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetByExternalID(_ context.Context, externalID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.external[externalID]
	if !ok || externalID == "" {
		return nil, ErrNotFound
	}
	cp := *m.subs[id]
	return &cp, nil
}

func (m *MemoryStore) Current(_ context.Context, p scope.Predicate) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *Subscription
	for _, s := range m.subs {
		if s.DeletedAt != nil || s.Status.Terminal() || !p.Admits(record(s)) {
			continue
		}
		if found == nil || newer(s, found) {
			found = s
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (m *MemoryStore) ListByCustomer(_ context.Context, customerID string) ([]*Subscription, error) {
	return m.filter(func(s *Subscription) bool { return customerID != "" && s.CustomerID == customerID }), nil
}

func (m *MemoryStore) ListNonTerminal(_ context.Context) ([]*Subscription, error) {
	return m.filter(func(s *Subscription) bool { return !s.Status.Terminal() }), nil
}

func (m *MemoryStore) List(_ context.Context, p scope.Predicate, f scope.Filter, page pagination.Page) ([]*Subscription, int, error) {
	all := m.filter(func(s *Subscription) bool { return p.Match(record(s), f) })
	return pagination.Slice(all, page), len(all), nil
}

func (m *MemoryStore) Summarize(_ context.Context, p scope.Predicate) (*Summary, error) {
	sum := &Summary{PlansDistribution: map[string]int{}}
	for _, s := range m.filter(func(s *Subscription) bool { return p.Admits(record(s)) }) {
		sum.add(s)
	}
	return sum, nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, from, to Status, patch Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subs[id]
	if !ok || s.DeletedAt != nil {
		return ErrNotFound
	}
	if s.Status != from {
		return ErrStaleState
	}
	s.Status = to
	patch.apply(s)
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) SaveUsage(_ context.Context, id string, u Usage, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subs[id]
	if !ok || s.DeletedAt != nil {
		return ErrNotFound
	}
	s.Usage = u
	s.UsageUpdatedAt = &at
	return nil
}

// filter returns copies of matching live records, newest first.
func (m *MemoryStore) filter(keep func(*Subscription) bool) []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Subscription
	for _, s := range m.subs {
		if s.DeletedAt == nil && keep(s) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return newer(out[i], out[j]) })
	return out
}

func newer(a, b *Subscription) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

var _ Store = (*MemoryStore)(nil)

// Snapshot captures the store's contents. Calling the returned function
// puts them back.
func (m *MemoryStore) Snapshot() (restore func()) {
	m.mu.RLock()
	subs := make(map[string]*Subscription, len(m.subs))
	for id, s := range m.subs {
		cp := *s
		subs[id] = &cp
	}
	external := make(map[string]string, len(m.external))
	for k, v := range m.external {
		external[k] = v
	}
	m.mu.RUnlock()

	return func() {
		m.mu.Lock()
		m.subs, m.external = subs, external
		m.mu.Unlock()
	}
}
