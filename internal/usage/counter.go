package usage

import (
	"context"
	"math"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/grainhero/accesscore/internal/dbtx"
	"github.com/grainhero/accesscore/internal/subscription"
)

// Counter reads live resource counts for a tenant.
type Counter interface {
	CountMembers(ctx context.Context, tenantID string) (int64, error)
	CountBatches(ctx context.Context, tenantID string) (int64, error)
	CountDevices(ctx context.Context, tenantID string) (int64, error)
	StorageBytes(ctx context.Context, tenantID string) (int64, error)
}

// StorageSizer reports the bytes a tenant stores outside the database.
type StorageSizer interface {
	TenantBytes(ctx context.Context, tenantID string) (int64, error)
}

// Count gathers all resource counts for a tenant concurrently. Storage is
// rounded to two decimals in GB.
func Count(ctx context.Context, c Counter, tenantID string) (subscription.Usage, error) {
	var (
		u       subscription.Usage
		storage int64
	)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		u.Users, err = c.CountMembers(ctx, tenantID)
		return err
	})
	g.Go(func() (err error) {
		u.Batches, err = c.CountBatches(ctx, tenantID)
		return err
	})
	g.Go(func() (err error) {
		u.Devices, err = c.CountDevices(ctx, tenantID)
		return err
	})
	g.Go(func() (err error) {
		storage, err = c.StorageBytes(ctx, tenantID)
		return err
	})
	if err := g.Wait(); err != nil {
		return subscription.Usage{}, err
	}
	u.StorageGB = math.Round(float64(storage)/bytesPerGB*100) / 100
	return u, nil
}

// PostgresCounter counts rows in the shared application tables.
type PostgresCounter struct {
	db    dbtx.DB
	sizer StorageSizer
}

// NewPostgresCounter creates a counter over the application database.
func NewPostgresCounter(db dbtx.DB) *PostgresCounter {
	return &PostgresCounter{db: db}
}

// WithSizer replaces the stored_files sum with an object store listing.
func (p *PostgresCounter) WithSizer(s StorageSizer) *PostgresCounter {
	p.sizer = s
	return p
}

func (p *PostgresCounter) CountMembers(ctx context.Context, tenantID string) (int64, error) {
	return p.count(ctx, `
		SELECT COUNT(*) FROM users
		WHERE tenant_id = $1 AND deleted_at IS NULL AND role IN ('manager', 'technician')`, tenantID)
}

func (p *PostgresCounter) CountBatches(ctx context.Context, tenantID string) (int64, error) {
	return p.count(ctx, `SELECT COUNT(*) FROM grain_batches WHERE tenant_id = $1 AND deleted_at IS NULL`, tenantID)
}

func (p *PostgresCounter) CountDevices(ctx context.Context, tenantID string) (int64, error) {
	return p.count(ctx, `SELECT COUNT(*) FROM sensor_devices WHERE tenant_id = $1 AND deleted_at IS NULL`, tenantID)
}

func (p *PostgresCounter) StorageBytes(ctx context.Context, tenantID string) (int64, error) {
	if p.sizer != nil {
		return p.sizer.TenantBytes(ctx, tenantID)
	}
	return p.count(ctx, `
		SELECT COALESCE(SUM(size_bytes), 0) FROM stored_files
		WHERE tenant_id = $1 AND deleted_at IS NULL`, tenantID)
}

func (p *PostgresCounter) count(ctx context.Context, query, tenantID string) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, query, tenantID).Scan(&n)
	return n, err
}

// MemoryCounter holds counts set directly, for the in-memory mode and tests.
type MemoryCounter struct {
	mu     sync.RWMutex
	counts map[string]subscription.Usage
	bytes  map[string]int64
}

// NewMemoryCounter creates an empty in-memory counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		counts: make(map[string]subscription.Usage),
		bytes:  make(map[string]int64),
	}
}

// Set records the counts of a tenant. StorageGB is ignored; use SetBytes.
func (m *MemoryCounter) Set(tenantID string, u subscription.Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[tenantID] = u
}

// SetBytes records the stored bytes of a tenant.
func (m *MemoryCounter) SetBytes(tenantID string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytes[tenantID] = n
}

func (m *MemoryCounter) CountMembers(_ context.Context, tenantID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counts[tenantID].Users, nil
}

func (m *MemoryCounter) CountBatches(_ context.Context, tenantID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counts[tenantID].Batches, nil
}

func (m *MemoryCounter) CountDevices(_ context.Context, tenantID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counts[tenantID].Devices, nil
}

func (m *MemoryCounter) StorageBytes(_ context.Context, tenantID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bytes[tenantID], nil
}

var (
	_ Counter = (*PostgresCounter)(nil)
	_ Counter = (*MemoryCounter)(nil)
)
