package subscription

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grainhero/accesscore/internal/plans"
	"github.com/grainhero/accesscore/internal/scope"
	"github.com/grainhero/accesscore/internal/tenant"
)

const (
	priceStarter      = "price_grain_starter_monthly"
	priceProfessional = "price_grain_professional_monthly"
)

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type fixture struct {
	machine *Machine
	tenants *tenant.MemoryStore
	subs    *MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{tenants: tenant.NewMemoryStore(), subs: NewMemoryStore()}
	f.machine = NewMachine(f.tenants, f.subs, plans.Default()).WithClock(func() time.Time { return testNow })

	ctx := context.Background()
	require.NoError(t, f.tenants.CreateTenant(ctx, &tenant.Tenant{ID: "ten_farm", Name: "North Farm", OwnerUserID: "usr_admin"}))
	require.NoError(t, f.tenants.CreateUser(ctx, &tenant.User{
		ID: "usr_admin", Email: "admin@northfarm.com", Role: tenant.RoleAdmin,
		TenantID: "ten_farm", OwnedTenantID: "ten_farm",
	}))
	return f
}

func (f *fixture) checkout(t *testing.T, price, external string) *Transition {
	t.Helper()
	tr, err := f.machine.Apply(context.Background(), CheckoutCompleted{
		CustomerID:             "cus_north",
		PriceID:                price,
		Email:                  "Admin@NorthFarm.com",
		ExternalSubscriptionID: external,
	})
	require.NoError(t, err)
	return tr
}

func (f *fixture) user(t *testing.T) *tenant.User {
	t.Helper()
	u, err := f.tenants.GetUser(context.Background(), "usr_admin")
	require.NoError(t, err)
	return u
}

func (f *fixture) sub(t *testing.T, id string) *Subscription {
	t.Helper()
	s, err := f.subs.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}

func TestCompleteCheckout_ActivatesPlan(t *testing.T) {
	f := newFixture(t)

	tr := f.checkout(t, priceStarter, "sub_1")
	assert.Equal(t, OutcomeApplied, tr.Outcome)
	assert.Equal(t, StatusActive, tr.To)
	assert.Equal(t, "ten_farm", tr.TenantID)

	s := f.sub(t, tr.SubscriptionID)
	assert.Equal(t, "basic", s.PlanID)
	assert.Equal(t, PaymentStatusPaid, s.PaymentStatus)
	assert.Equal(t, plans.Limit(50), s.Features.MaxBatches)
	assert.Equal(t, "usr_admin", s.CreatedBy)
	require.NotNil(t, s.NextPaymentDate)
	assert.Equal(t, testNow.AddDate(0, 1, 0), *s.NextPaymentDate)

	u := f.user(t)
	assert.Equal(t, "basic", u.Access)
	assert.Equal(t, "cus_north", u.CustomerID)
	assert.Equal(t, priceStarter, u.PriceID)
}

func TestCompleteCheckout_UnknownEmailLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)

	_, err := f.machine.Apply(context.Background(), CheckoutCompleted{
		CustomerID: "cus_ghost", PriceID: priceStarter, Email: "ghost@nowhere.com",
	})
	assert.ErrorIs(t, err, tenant.ErrUserNotFound)

	all, err := f.subs.ListNonTerminal(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Equal(t, tenant.AccessNone, f.user(t).Access)
}

func TestCompleteCheckout_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.machine.CompleteCheckout(ctx, CheckoutCompleted{PriceID: priceStarter})
	assert.ErrorIs(t, err, ErrMissingEmail)

	_, err = f.machine.CompleteCheckout(ctx, CheckoutCompleted{Email: "admin@northfarm.com", PriceID: "price_unknown"})
	assert.ErrorIs(t, err, plans.ErrUnrecognizedPrice)
}

func TestCompleteCheckout_SamePlanIsRefused(t *testing.T) {
	f := newFixture(t)
	f.checkout(t, priceStarter, "sub_1")

	_, err := f.machine.Apply(context.Background(), CheckoutCompleted{
		CustomerID: "cus_north", PriceID: priceStarter, Email: "admin@northfarm.com", ExternalSubscriptionID: "sub_2",
	})
	assert.ErrorIs(t, err, ErrAlreadySubscribed)
}

func TestCompleteCheckout_PastDueSamePlanIsReplaced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.checkout(t, priceStarter, "sub_1")
	_, err := f.machine.Apply(ctx, PaymentFailed{CustomerID: "cus_north", ExternalSubscriptionID: "sub_1"})
	require.NoError(t, err)

	p, err := f.machine.CheckEligibility(ctx, "ten_farm", "basic")
	require.NoError(t, err)
	assert.Equal(t, "basic", p.ID)

	second := f.checkout(t, priceStarter, "sub_2")
	assert.Equal(t, OutcomeApplied, second.Outcome)
	assert.Equal(t, first.SubscriptionID, second.Superseded)
	assert.Equal(t, StatusPastDue, second.From)

	old := f.sub(t, first.SubscriptionID)
	assert.Equal(t, StatusCancelled, old.Status)
	assert.Equal(t, second.SubscriptionID, old.SupersededBy)

	current, err := f.subs.Current(ctx, scope.Predicate{Kind: scope.KindTenant, TenantID: "ten_farm"})
	require.NoError(t, err)
	assert.Equal(t, second.SubscriptionID, current.ID)
	assert.Equal(t, StatusActive, current.Status)
	assert.Equal(t, PaymentStatusPaid, current.PaymentStatus)
}

type lockingTenants struct {
	*tenant.MemoryStore
	mu     sync.Mutex
	locked []string
}

func (l *lockingTenants) LockTenant(ctx context.Context, tenantID string) error {
	l.mu.Lock()
	l.locked = append(l.locked, tenantID)
	l.mu.Unlock()
	return l.MemoryStore.LockTenant(ctx, tenantID)
}

func TestCompleteCheckout_LocksTenantBeforeReadingCurrent(t *testing.T) {
	f := newFixture(t)
	tenants := &lockingTenants{MemoryStore: f.tenants}
	m := f.machine.WithStores(tenants, f.subs)

	_, err := m.Apply(context.Background(), CheckoutCompleted{
		CustomerID: "cus_north", PriceID: priceStarter, Email: "admin@northfarm.com", ExternalSubscriptionID: "sub_1",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ten_farm"}, tenants.locked)
}

func TestCompleteCheckout_RedeliveryIsNoop(t *testing.T) {
	f := newFixture(t)
	first := f.checkout(t, priceStarter, "sub_1")
	again := f.checkout(t, priceStarter, "sub_1")

	assert.Equal(t, OutcomeNoop, again.Outcome)
	assert.Equal(t, first.SubscriptionID, again.SubscriptionID)
}

func TestCompleteCheckout_PlanSwitchSupersedes(t *testing.T) {
	f := newFixture(t)
	first := f.checkout(t, priceStarter, "sub_1")
	second := f.checkout(t, priceProfessional, "sub_2")

	assert.Equal(t, first.SubscriptionID, second.Superseded)
	assert.Equal(t, StatusActive, second.From)

	old := f.sub(t, first.SubscriptionID)
	assert.Equal(t, StatusCancelled, old.Status)
	assert.Equal(t, second.SubscriptionID, old.SupersededBy)
	require.NotNil(t, old.CancelledAt)

	current, err := f.subs.Current(context.Background(), scope.Predicate{Kind: scope.KindTenant, TenantID: "ten_farm"})
	require.NoError(t, err)
	assert.Equal(t, second.SubscriptionID, current.ID)
	assert.Equal(t, "standard", f.user(t).Access)

	// The processor then cancels the replaced subscription; access must survive.
	tr, err := f.machine.Apply(context.Background(), SubscriptionCancelled{CustomerID: "cus_north", ExternalSubscriptionID: "sub_1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, tr.Outcome)
	assert.Equal(t, "standard", f.user(t).Access)
}

func TestCompleteCheckout_CreatesTenantForUnlinkedUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.tenants.CreateUser(ctx, &tenant.User{ID: "usr_new", Email: "new@farm.com", Name: "New Farm", Role: tenant.RoleAdmin}))

	tr, err := f.machine.Apply(ctx, CheckoutCompleted{CustomerID: "cus_new", PriceID: priceStarter, Email: "new@farm.com"})
	require.NoError(t, err)
	require.NotEmpty(t, tr.TenantID)

	u, err := f.tenants.GetUser(ctx, "usr_new")
	require.NoError(t, err)
	assert.Equal(t, tr.TenantID, u.TenantID)
	assert.Equal(t, tr.TenantID, u.OwnedTenantID)

	created, err := f.tenants.GetTenant(ctx, tr.TenantID)
	require.NoError(t, err)
	assert.Equal(t, "New Farm", created.Name)
	assert.Equal(t, "usr_new", created.OwnerUserID)
}

func TestCancelThenCheckout_StartsNewSubscription(t *testing.T) {
	f := newFixture(t)
	first := f.checkout(t, priceStarter, "sub_1")

	tr, err := f.machine.Apply(context.Background(), SubscriptionCancelled{CustomerID: "cus_north", ExternalSubscriptionID: "sub_1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, tr.Outcome)
	assert.Equal(t, StatusCancelled, f.sub(t, first.SubscriptionID).Status)
	assert.Equal(t, tenant.AccessNone, f.user(t).Access)
	assert.Equal(t, "cus_north", f.user(t).CustomerID)

	second := f.checkout(t, priceStarter, "sub_2")
	assert.NotEqual(t, first.SubscriptionID, second.SubscriptionID)
	assert.Empty(t, second.Superseded)
	assert.Equal(t, StatusCancelled, f.sub(t, first.SubscriptionID).Status)
	assert.Equal(t, "basic", f.user(t).Access)
}

func TestCancelSubscription_UnlinkedCustomer(t *testing.T) {
	f := newFixture(t)
	_, err := f.machine.Apply(context.Background(), SubscriptionCancelled{CustomerID: "cus_unknown"})
	assert.ErrorIs(t, err, ErrCustomerNotLinked)
}

func TestCancelBeforeCheckout_UnlinkedCustomer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tr, err := f.machine.Apply(ctx, SubscriptionCancelled{CustomerID: "cus_north", ExternalSubscriptionID: "sub_1", PriceID: priceStarter})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, tr.Outcome)
	assert.Equal(t, StatusCancelled, tr.To)

	placeholder, err := f.subs.GetByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, placeholder.Status)
	assert.Equal(t, "basic", placeholder.PlanID)
	assert.Empty(t, placeholder.TenantID)
	require.NotNil(t, placeholder.CancelledAt)

	late := f.checkout(t, priceStarter, "sub_1")
	assert.Equal(t, OutcomeAnomaly, late.Outcome)
	assert.Equal(t, placeholder.ID, late.SubscriptionID)

	_, err = f.subs.Current(ctx, scope.Predicate{Kind: scope.KindTenant, TenantID: "ten_farm"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, tenant.AccessNone, f.user(t).Access)
}

func TestCancelBeforeCheckout_LinkedCustomer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.checkout(t, priceStarter, "sub_1")
	_, err := f.machine.Apply(ctx, SubscriptionCancelled{CustomerID: "cus_north", ExternalSubscriptionID: "sub_1"})
	require.NoError(t, err)

	tr, err := f.machine.Apply(ctx, SubscriptionCancelled{CustomerID: "cus_north", ExternalSubscriptionID: "sub_2"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, tr.Outcome)
	assert.NotEqual(t, first.SubscriptionID, tr.SubscriptionID)
	assert.Equal(t, "ten_farm", f.sub(t, tr.SubscriptionID).TenantID)

	late := f.checkout(t, priceStarter, "sub_2")
	assert.Equal(t, OutcomeAnomaly, late.Outcome)
	assert.Equal(t, StatusCancelled, f.sub(t, tr.SubscriptionID).Status)
	assert.Equal(t, tenant.AccessNone, f.user(t).Access)
}

func TestTerminalSubscriptionIsNeverResurrected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.checkout(t, priceStarter, "sub_1")
	_, err := f.machine.Apply(ctx, SubscriptionCancelled{CustomerID: "cus_north", ExternalSubscriptionID: "sub_1"})
	require.NoError(t, err)

	late := []Intent{
		CheckoutCompleted{CustomerID: "cus_north", PriceID: priceStarter, Email: "admin@northfarm.com", ExternalSubscriptionID: "sub_1"},
		PaymentSucceeded{CustomerID: "cus_north", ExternalSubscriptionID: "sub_1", PeriodEnd: testNow.AddDate(0, 2, 0)},
		PaymentFailed{CustomerID: "cus_north", ExternalSubscriptionID: "sub_1"},
		SubscriptionUpdated{CustomerID: "cus_north", ExternalSubscriptionID: "sub_1", Status: "active"},
	}
	for _, in := range late {
		t.Run(in.Name(), func(t *testing.T) {
			tr, err := f.machine.Apply(ctx, in)
			require.NoError(t, err)
			assert.Equal(t, OutcomeAnomaly, tr.Outcome)
			assert.Equal(t, StatusCancelled, f.sub(t, first.SubscriptionID).Status)
		})
	}
	assert.Equal(t, tenant.AccessNone, f.user(t).Access)
}

func TestMarkPastDue_KeepsAccess(t *testing.T) {
	f := newFixture(t)
	first := f.checkout(t, priceStarter, "sub_1")

	tr, err := f.machine.Apply(context.Background(), PaymentFailed{CustomerID: "cus_north", ExternalSubscriptionID: "sub_1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, tr.Outcome)

	s := f.sub(t, first.SubscriptionID)
	assert.Equal(t, StatusPastDue, s.Status)
	assert.Equal(t, PaymentStatusFailed, s.PaymentStatus)
	assert.Equal(t, "basic", f.user(t).Access)

	tr, err = f.machine.Apply(context.Background(), PaymentFailed{CustomerID: "cus_north", ExternalSubscriptionID: "sub_1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, tr.Outcome)
}

func TestRecordPayment_RestoresActive(t *testing.T) {
	f := newFixture(t)
	first := f.checkout(t, priceStarter, "sub_1")
	_, err := f.machine.Apply(context.Background(), PaymentFailed{CustomerID: "cus_north", ExternalSubscriptionID: "sub_1"})
	require.NoError(t, err)

	periodEnd := testNow.AddDate(0, 2, 0)
	tr, err := f.machine.Apply(context.Background(), PaymentSucceeded{CustomerID: "cus_north", ExternalSubscriptionID: "sub_1", PeriodEnd: periodEnd})
	require.NoError(t, err)
	assert.Equal(t, StatusPastDue, tr.From)
	assert.Equal(t, StatusActive, tr.To)

	s := f.sub(t, first.SubscriptionID)
	assert.Equal(t, StatusActive, s.Status)
	assert.Equal(t, PaymentStatusPaid, s.PaymentStatus)
	assert.Equal(t, periodEnd, *s.NextPaymentDate)
}

func TestSyncSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.checkout(t, priceStarter, "sub_1")

	tr, err := f.machine.Apply(ctx, SubscriptionUpdated{CustomerID: "cus_north", ExternalSubscriptionID: "sub_1", Status: "active", PriceID: priceProfessional})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, tr.Outcome)
	s := f.sub(t, first.SubscriptionID)
	assert.Equal(t, "standard", s.PlanID)
	assert.Equal(t, plans.Limit(200), s.Features.MaxBatches)
	assert.Equal(t, "standard", f.user(t).Access)

	tr, err = f.machine.Apply(ctx, SubscriptionUpdated{CustomerID: "cus_north", ExternalSubscriptionID: "sub_1", Status: "active", PriceID: priceProfessional})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, tr.Outcome)

	tr, err = f.machine.Apply(ctx, SubscriptionUpdated{CustomerID: "cus_north", ExternalSubscriptionID: "sub_1", Status: "incomplete"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, tr.Outcome)

	tr, err = f.machine.Apply(ctx, SubscriptionUpdated{CustomerID: "cus_north", ExternalSubscriptionID: "sub_1", Status: "incomplete_expired"})
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, tr.To)
	assert.Equal(t, StatusExpired, f.sub(t, first.SubscriptionID).Status)
	assert.Equal(t, tenant.AccessNone, f.user(t).Access)
}

func TestDeleteCustomer(t *testing.T) {
	f := newFixture(t)
	first := f.checkout(t, priceStarter, "sub_1")

	tr, err := f.machine.Apply(context.Background(), CustomerDeleted{CustomerID: "cus_north"})
	require.NoError(t, err)
	assert.Equal(t, first.SubscriptionID, tr.SubscriptionID)
	assert.Equal(t, StatusCancelled, f.sub(t, first.SubscriptionID).Status)

	u := f.user(t)
	assert.Equal(t, tenant.AccessNone, u.Access)
	assert.Empty(t, u.CustomerID)
}

func TestCheckEligibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.machine.CheckEligibility(ctx, "ten_farm", "gold")
	assert.ErrorIs(t, err, plans.ErrUnknownPlan)

	p, err := f.machine.CheckEligibility(ctx, "ten_farm", "basic")
	require.NoError(t, err)
	assert.Equal(t, "basic", p.ID)

	f.checkout(t, priceStarter, "sub_1")
	_, err = f.machine.CheckEligibility(ctx, "ten_farm", "basic")
	assert.ErrorIs(t, err, ErrAlreadySubscribed)

	// Checkout aliases resolve to catalog plans.
	p, err = f.machine.CheckEligibility(ctx, "ten_farm", "intermediate")
	require.NoError(t, err)
	assert.Equal(t, "standard", p.ID)
}

func TestAccessPolicy(t *testing.T) {
	grace := AccessPolicy{GrantPastDue: true}
	strict := AccessPolicy{}

	assert.True(t, grace.Grants(StatusPastDue))
	assert.False(t, strict.Grants(StatusPastDue))
	for _, p := range []AccessPolicy{grace, strict} {
		assert.True(t, p.Grants(StatusActive))
		assert.True(t, p.Grants(StatusTrialing))
		assert.False(t, p.Grants(StatusCancelled))
		assert.False(t, p.Grants(StatusExpired))
	}
}

func TestMapExternalStatus(t *testing.T) {
	tests := map[string]Status{
		"active":             StatusActive,
		"trialing":           StatusTrialing,
		"past_due":           StatusPastDue,
		"unpaid":             StatusPastDue,
		"canceled":           StatusCancelled,
		"incomplete_expired": StatusExpired,
	}
	for in, want := range tests {
		got, ok := MapExternalStatus(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := MapExternalStatus("paused")
	assert.False(t, ok)
}

func TestConcurrentCancelAppliesOnce(t *testing.T) {
	f := newFixture(t)
	f.checkout(t, priceStarter, "sub_1")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr, err := f.machine.Apply(context.Background(), SubscriptionCancelled{CustomerID: "cus_north", ExternalSubscriptionID: "sub_1"})
			if err != nil {
				// A lost compare-and-set surfaces as a stale state.
				assert.ErrorIs(t, err, ErrStaleState)
				return
			}
			if tr.Changed() {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, applied)
}
