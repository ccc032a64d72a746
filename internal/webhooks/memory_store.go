package webhooks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/grainhero/accesscore/internal/pagination"
	"github.com/grainhero/accesscore/internal/subscription"
	"github.com/grainhero/accesscore/internal/tenant"
)

// MemoryStore is an in-memory event store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]*Event
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]*Event)}
}

func (m *MemoryStore) Claim(_ context.Context, ev *Event, staleBefore time.Time) (*Event, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.events[ev.ID]
	if !ok {
		cp := *ev
		cp.Outcome = OutcomeProcessing
		cp.Attempts = 1
		m.events[ev.ID] = &cp
		out := cp
		return &out, true, nil
	}
	if existing.Outcome == OutcomeProcessing && existing.ClaimedAt.Before(staleBefore) {
		existing.ClaimedAt = ev.ClaimedAt
		existing.Attempts++
		out := *existing
		return &out, true, nil
	}
	out := *existing
	return &out, false, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ev, ok := m.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *ev
	return &cp, nil
}

func (m *MemoryStore) Finish(_ context.Context, id string, outcome Outcome, subscriptionID, errMsg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[id]
	if !ok || ev.Outcome != OutcomeProcessing {
		return ErrClaimLost
	}
	ev.Outcome = outcome
	ev.SubscriptionID = subscriptionID
	ev.Error = errMsg
	ev.ProcessedAt = &at
	return nil
}

func (m *MemoryStore) Release(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev, ok := m.events[id]; ok && ev.Outcome == OutcomeProcessing {
		delete(m.events, id)
	}
	return nil
}

func (m *MemoryStore) Reopen(_ context.Context, id string, at time.Time) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	if ev.Outcome != OutcomeFailed {
		return nil, ErrNotReplayable
	}
	ev.Outcome = OutcomeProcessing
	ev.ClaimedAt = at
	ev.Attempts++
	ev.Error = ""
	cp := *ev
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, outcome Outcome, page pagination.Page) ([]*Event, int, error) {
	m.mu.RLock()
	var out []*Event
	for _, ev := range m.events {
		if outcome == "" || ev.Outcome == outcome {
			cp := *ev
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.After(out[j].ReceivedAt)
		}
		return out[i].ID > out[j].ID
	})
	return pagination.Slice(out, page), len(out), nil
}

func (m *MemoryStore) CountByOutcome(_ context.Context, outcome Outcome) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, ev := range m.events {
		if ev.Outcome == outcome {
			n++
		}
	}
	return n, nil
}

// Snapshotter is a store that can capture and restore its contents.
type Snapshotter interface {
	Snapshot() (restore func())
}

// MemoryUnitOfWork serializes units of work over in-memory stores. When fn
// fails, the tenant and subscription stores are restored to their state
// before it ran; writes made to them outside a unit of work meanwhile are
// lost with it. Event bookkeeping is left alone.
type MemoryUnitOfWork struct {
	mu sync.Mutex
	tx Tx
}

// NewMemoryUnitOfWork binds the in-memory stores into a unit of work.
func NewMemoryUnitOfWork(tenants tenant.Store, subs subscription.Store, events EventStore) *MemoryUnitOfWork {
	return &MemoryUnitOfWork{tx: Tx{Tenants: tenants, Subscriptions: subs, Events: events}}
}

func (u *MemoryUnitOfWork) Do(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	var restores []func()
	for _, s := range []any{u.tx.Tenants, u.tx.Subscriptions} {
		if snap, ok := s.(Snapshotter); ok {
			restores = append(restores, snap.Snapshot())
		}
	}
	if err := fn(ctx, u.tx); err != nil {
		for _, restore := range restores {
			restore()
		}
		return err
	}
	return nil
}

var (
	_ EventStore = (*MemoryStore)(nil)
	_ UnitOfWork = (*MemoryUnitOfWork)(nil)
)
