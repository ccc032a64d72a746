package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grainhero/accesscore/internal/testutil"
)

func TestPostgresStore_UserLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	s := NewPostgresStore(db)
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, s.CreateTenant(ctx, &Tenant{ID: "ten_pg", Name: "PG Farm", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, s.CreateUser(ctx, &User{ID: "usr_admin", Email: "Admin@PG.com", Name: "Ada", Role: RoleAdmin, CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, s.CreateUser(ctx, &User{ID: "usr_tech", Email: "tech@pg.com", Role: RoleTechnician, TenantID: "ten_pg", CreatedAt: now, UpdatedAt: now}))

	err := s.CreateUser(ctx, &User{ID: "usr_dup", Email: "admin@pg.com", Role: RoleManager, CreatedAt: now, UpdatedAt: now})
	assert.ErrorIs(t, err, ErrEmailTaken)

	require.NoError(t, s.LinkTenant(ctx, "usr_admin", "ten_pg", true))
	require.NoError(t, s.SetAccess(ctx, "usr_admin", Access{Plan: "basic", CustomerID: "cus_pg", PriceID: "price_basic"}))

	u, err := s.GetUserByEmail(ctx, "ADMIN@pg.com")
	require.NoError(t, err)
	assert.Equal(t, "ten_pg", u.HomeTenant())
	assert.Equal(t, "ten_pg", u.OwnedTenantID)
	assert.Equal(t, "basic", u.Access)

	u, err = s.GetUserByCustomerID(ctx, "cus_pg")
	require.NoError(t, err)
	assert.Equal(t, "usr_admin", u.ID)

	admins, err := s.ListAdmins(ctx, "ten_pg")
	require.NoError(t, err)
	assert.Len(t, admins, 1)

	withAccess, err := s.ListWithAccess(ctx)
	require.NoError(t, err)
	assert.Len(t, withAccess, 1)

	n, err := s.CountMembers(ctx, "ten_pg")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetTenant(ctx, "ten_missing")
	assert.ErrorIs(t, err, ErrTenantNotFound)
	assert.ErrorIs(t, s.SetAccess(ctx, "usr_missing", Access{Plan: AccessNone}), ErrUserNotFound)
}

func TestPostgresStore_LockTenantBlocksSecondTransaction(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, NewPostgresStore(db).CreateTenant(ctx, &Tenant{ID: "ten_lock", Name: "Lock Farm", CreatedAt: now, UpdatedAt: now}))

	first, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, NewPostgresStore(first).LockTenant(ctx, "ten_lock"))

	second, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer second.Rollback()

	acquired := make(chan error, 1)
	go func() { acquired <- NewPostgresStore(second).LockTenant(ctx, "ten_lock") }()

	select {
	case err := <-acquired:
		t.Fatalf("second lock acquired while first held it: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, first.Commit())
	select {
	case err := <-acquired:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("second lock never acquired")
	}

	assert.ErrorIs(t, NewPostgresStore(db).LockTenant(ctx, "ten_missing"), ErrTenantNotFound)
}
