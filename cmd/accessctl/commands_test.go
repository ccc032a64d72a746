package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grainhero/accesscore/internal/auth"
	"github.com/grainhero/accesscore/internal/billing"
	"github.com/grainhero/accesscore/internal/config"
	"github.com/grainhero/accesscore/internal/logging"
	"github.com/grainhero/accesscore/internal/plans"
	"github.com/grainhero/accesscore/internal/subscription"
	"github.com/grainhero/accesscore/internal/tenant"
	"github.com/grainhero/accesscore/internal/usage"
	"github.com/grainhero/accesscore/internal/webhooks"
)

const testJWTSecret = "cli-test-secret-long-enough-for-hs256"

func memoryDeps(t *testing.T) *deps {
	t.Helper()
	tenants := tenant.NewMemoryStore()
	subs := subscription.NewMemoryStore()
	events := webhooks.NewMemoryStore()
	logger := logging.New("error", "text")
	d := &deps{
		cfg: &config.Config{
			JWTSecret:           testJWTSecret,
			JWTIssuer:           "grainhero",
			UsageWarnThreshold:  80,
			PastDueGrantsAccess: true,
		},
		tenants:  tenants,
		subs:     subs,
		events:   events,
		uow:      webhooks.NewMemoryUnitOfWork(tenants, subs, events),
		counter:  usage.NewMemoryCounter(),
		catalog:  plans.Default(),
		gateway:  billing.DisabledGateway{},
		notifier: usage.NewLogNotifier(logger),
		logger:   logger,
	}
	ctx := context.Background()
	require.NoError(t, tenants.CreateUser(ctx, &tenant.User{
		ID: "usr_admin", Email: "admin@northfarm.com", Role: tenant.RoleAdmin, TenantID: "ten_farm", Access: "basic",
	}))
	require.NoError(t, subs.Create(ctx, &subscription.Subscription{
		ID: "sub_1", TenantID: "ten_farm", PlanID: "basic", Status: subscription.StatusActive,
		Features:  plans.Quotas{MaxUsers: 10, MaxBatches: 10, MaxDevices: 10, MaxStorageGB: 1},
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))
	return d
}

func run(t *testing.T, d *deps, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(func(context.Context) (*deps, error) { return d, nil })
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestPlansCommand(t *testing.T) {
	out, err := run(t, nil, "plans")
	require.NoError(t, err)
	assert.Contains(t, out, "price_grain_starter_monthly")
	assert.Contains(t, out, "99.00 usd")
	assert.Contains(t, out, "unlimited")

	_, err = run(t, nil, "plans", "--catalog", "/nonexistent/catalog.yaml")
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, nil, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "accessctl dev")
}

func TestTokenCommand(t *testing.T) {
	d := memoryDeps(t)
	out, err := run(t, d, "token", "usr_admin", "--ttl", "1h")
	require.NoError(t, err)

	m := auth.NewManager(testJWTSecret, "grainhero", d.tenants)
	claims, err := m.Verify(string(bytes.TrimSpace([]byte(out))))
	require.NoError(t, err)
	assert.Equal(t, "usr_admin", claims.Subject)
	assert.Equal(t, "admin", claims.Role)

	_, err = run(t, d, "token", "usr_missing")
	assert.ErrorIs(t, err, tenant.ErrUserNotFound)
}

func TestUsageCommands(t *testing.T) {
	d := memoryDeps(t)
	d.counter.(*usage.MemoryCounter).Set("ten_farm", subscription.Usage{Batches: 9})

	out, err := run(t, d, "usage", "refresh", "sub_1")
	require.NoError(t, err)
	var snap usage.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, int64(9), snap.Usage.Batches)

	out, err = run(t, d, "usage", "sweep")
	require.NoError(t, err)
	assert.JSONEq(t, `{"checked":1,"warnings_sent":1,"failed":0}`, out)
}

func TestReconcileCommand(t *testing.T) {
	d := memoryDeps(t)
	out, err := run(t, d, "reconcile", "--strict")
	require.NoError(t, err, out)
	assert.Contains(t, out, `"checked_subscriptions": 1`)

	require.NoError(t, d.subs.Create(context.Background(), &subscription.Subscription{
		ID: "sub_2", TenantID: "ten_farm", PlanID: "standard", Status: subscription.StatusActive,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))
	_, err = run(t, d, "reconcile", "--strict")
	assert.ErrorIs(t, err, errNotClean)

	_, err = run(t, d, "reconcile")
	assert.NoError(t, err)
}

func TestEventsCommands(t *testing.T) {
	d := memoryDeps(t)
	ctx := context.Background()
	now := time.Now().UTC()
	_, _, err := d.events.Claim(ctx, &webhooks.Event{
		ID: "evt_bad", Type: webhooks.TypeCheckoutCompleted, Outcome: webhooks.OutcomeProcessing,
		Payload: []byte(`{"id":"evt_bad"`), ReceivedAt: now, ClaimedAt: now,
	}, now.Add(-time.Minute))
	require.NoError(t, err)
	require.NoError(t, d.events.Finish(ctx, "evt_bad", webhooks.OutcomeFailed, "", "undecodable payload", now))

	out, err := run(t, d, "events", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "evt_bad")
	assert.Contains(t, out, "1 of 1 events")

	_, err = run(t, d, "events", "replay", "evt_missing")
	assert.ErrorIs(t, err, webhooks.ErrEventNotFound)

	_, err = run(t, d, "events", "replay")
	assert.Error(t, err, "event id is required")
}
