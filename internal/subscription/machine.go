package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/grainhero/accesscore/internal/idgen"
	"github.com/grainhero/accesscore/internal/logging"
	"github.com/grainhero/accesscore/internal/metrics"
	"github.com/grainhero/accesscore/internal/plans"
	"github.com/grainhero/accesscore/internal/scope"
	"github.com/grainhero/accesscore/internal/tenant"
	"github.com/grainhero/accesscore/internal/traces"
)

// defaultCurrency is used for records whose price is not in the catalog.
const defaultCurrency = "usd"

// Outcome describes what applying an intent did.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeNoop    Outcome = "noop"
	OutcomeAnomaly Outcome = "anomaly" // refused: the subscription is already terminal
)

// Transition reports the effect of one intent.
type Transition struct {
	SubscriptionID string  `json:"subscription_id,omitempty"`
	TenantID       string  `json:"tenant_id,omitempty"`
	From           Status  `json:"from,omitempty"`
	To             Status  `json:"to,omitempty"`
	Outcome        Outcome `json:"outcome"`
	Superseded     string  `json:"superseded,omitempty"`
}

// Changed reports whether a status was written.
func (t *Transition) Changed() bool {
	return t.Outcome == OutcomeApplied
}

// AccessPolicy decides which statuses keep granting plan access.
type AccessPolicy struct {
	GrantPastDue bool
}

// Grants reports whether a subscription in status s grants access.
func (p AccessPolicy) Grants(s Status) bool {
	switch s {
	case StatusActive, StatusTrialing:
		return true
	case StatusPastDue:
		return p.GrantPastDue
	}
	return false
}

// Machine applies intents to subscriptions and the user access flag.
// A Machine holds no per-event state; bind it to transactional stores
// with WithStores.
type Machine struct {
	tenants tenant.Store
	subs    Store
	catalog *plans.Catalog
	policy  AccessPolicy
	now     func() time.Time
}

// NewMachine creates a state machine over the given stores.
func NewMachine(tenants tenant.Store, subs Store, catalog *plans.Catalog) *Machine {
	return &Machine{
		tenants: tenants,
		subs:    subs,
		catalog: catalog,
		policy:  AccessPolicy{GrantPastDue: true},
		now:     time.Now,
	}
}

// WithPolicy sets the access policy.
func (m *Machine) WithPolicy(p AccessPolicy) *Machine {
	m.policy = p
	return m
}

// WithClock overrides the time source.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// WithStores returns a copy of m operating on other stores, typically ones
// bound to a database transaction.
func (m *Machine) WithStores(tenants tenant.Store, subs Store) *Machine {
	cp := *m
	cp.tenants = tenants
	cp.subs = subs
	return &cp
}

// Policy returns the access policy in force.
func (m *Machine) Policy() AccessPolicy { return m.policy }

// Catalog returns the plan catalog.
func (m *Machine) Catalog() *plans.Catalog { return m.catalog }

// Apply dispatches one intent.
func (m *Machine) Apply(ctx context.Context, in Intent) (*Transition, error) {
	ctx, span := traces.StartSpan(ctx, "subscription.apply")
	defer span.End()

	var (
		t   *Transition
		err error
	)
	switch v := in.(type) {
	case CheckoutCompleted:
		t, err = m.CompleteCheckout(ctx, v)
	case SubscriptionCancelled:
		t, err = m.CancelSubscription(ctx, v)
	case PaymentFailed:
		t, err = m.MarkPastDue(ctx, v)
	case PaymentSucceeded:
		t, err = m.RecordPayment(ctx, v)
	case SubscriptionUpdated:
		t, err = m.SyncSubscription(ctx, v)
	case CustomerDeleted:
		t, err = m.DeleteCustomer(ctx, v)
	default:
		err = fmt.Errorf("subscription: unsupported intent %T", in)
	}
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(traces.SubscriptionID(t.SubscriptionID), traces.Outcome(string(t.Outcome)))
	if t.Outcome == OutcomeAnomaly {
		metrics.SubscriptionAnomaliesTotal.WithLabelValues(in.Name()).Inc()
		logging.L(ctx).Warn("event refused for terminal subscription",
			"intent", in.Name(), "subscription_id", t.SubscriptionID, "status", t.From)
	}
	return t, nil
}

// CompleteCheckout activates the purchased plan for the tenant of the user
// whose email paid. The tenant's current subscription is superseded, unless
// it is already active on the same plan, which is refused.
func (m *Machine) CompleteCheckout(ctx context.Context, in CheckoutCompleted) (*Transition, error) {
	if in.Email == "" {
		return nil, ErrMissingEmail
	}
	user, err := m.tenants.GetUserByEmail(ctx, tenant.NormalizeEmail(in.Email))
	if err != nil {
		return nil, err
	}
	plan, err := m.catalog.PlanForPrice(in.PriceID)
	if err != nil {
		return nil, err
	}

	if in.ExternalSubscriptionID != "" {
		existing, err := m.subs.GetByExternalID(ctx, in.ExternalSubscriptionID)
		switch {
		case err == nil && existing.Status.Terminal():
			return &Transition{SubscriptionID: existing.ID, TenantID: existing.TenantID,
				From: existing.Status, To: existing.Status, Outcome: OutcomeAnomaly}, nil
		case err == nil:
			return &Transition{SubscriptionID: existing.ID, TenantID: existing.TenantID,
				From: existing.Status, To: existing.Status, Outcome: OutcomeNoop}, nil
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}
	}

	tenantID, err := m.ensureTenant(ctx, user)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	sub := &Subscription{
		ID:            idgen.WithPrefix("gsub_"),
		TenantID:      tenantID,
		PlanID:        plan.ID,
		PlanName:      plan.Name,
		Status:        StatusActive,
		PaymentStatus: PaymentStatusPaid,
		CustomerID:    in.CustomerID,
		PriceID:       plan.PriceID,
		ExternalID:    in.ExternalSubscriptionID,
		CreatedBy:     user.ID,
		PricePerMonth: plan.PricePerMonth,
		Currency:      plan.Currency,
		Features:      plan.Quotas,
		StartDate:     now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	next := now.AddDate(0, 1, 0)
	if !in.PeriodEnd.IsZero() {
		next = in.PeriodEnd.UTC()
	}
	sub.NextPaymentDate = &next

	t := &Transition{SubscriptionID: sub.ID, TenantID: tenantID, To: StatusActive, Outcome: OutcomeApplied}

	// Two checkouts for one tenant must not both see "no current subscription".
	if err := m.tenants.LockTenant(ctx, tenantID); err != nil {
		return nil, fmt.Errorf("lock tenant %s: %w", tenantID, err)
	}
	current, err := m.subs.Current(ctx, scope.Predicate{Kind: scope.KindTenant, TenantID: tenantID})
	switch {
	case err == nil && blocksCheckout(current, plan.ID):
		return nil, ErrAlreadySubscribed
	case err == nil:
		if err := m.subs.Transition(ctx, current.ID, current.Status, StatusCancelled, Patch{
			EndDate:      &now,
			CancelledAt:  &now,
			SupersededBy: &sub.ID,
		}); err != nil {
			return nil, fmt.Errorf("supersede %s: %w", current.ID, err)
		}
		t.From = current.Status
		t.Superseded = current.ID
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	if err := m.subs.Create(ctx, sub); err != nil {
		return nil, err
	}
	if err := m.tenants.SetAccess(ctx, user.ID, tenant.Access{
		Plan:       plan.ID,
		CustomerID: in.CustomerID,
		PriceID:    plan.PriceID,
	}); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("subscription activated",
		"subscription_id", sub.ID, "tenant_id", tenantID, "plan", plan.ID, "superseded", t.Superseded)
	return t, nil
}

// CancelSubscription moves the targeted subscription to cancelled and
// revokes the user's access once the tenant has no live subscription left.
func (m *Machine) CancelSubscription(ctx context.Context, in SubscriptionCancelled) (*Transition, error) {
	user, err := m.userByCustomer(ctx, in.CustomerID)
	if errors.Is(err, ErrCustomerNotLinked) && in.CustomerID != "" && in.ExternalSubscriptionID != "" {
		// The cancellation overtook its checkout, which links the customer.
		return m.recordCancelled(ctx, nil, in)
	}
	if err != nil {
		return nil, err
	}

	t := &Transition{TenantID: user.HomeTenant(), To: StatusCancelled, Outcome: OutcomeNoop}
	sub, err := m.locate(ctx, user, in.CustomerID, in.ExternalSubscriptionID)
	switch {
	case errors.Is(err, ErrNotFound) && in.ExternalSubscriptionID != "":
		if t, err = m.recordCancelled(ctx, user, in); err != nil {
			return nil, err
		}
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, err
	case sub.Status.Terminal():
		t.SubscriptionID, t.TenantID, t.From, t.To = sub.ID, sub.TenantID, sub.Status, sub.Status
	default:
		now := m.now().UTC()
		if err := m.subs.Transition(ctx, sub.ID, sub.Status, StatusCancelled, Patch{
			EndDate:     &now,
			CancelledAt: &now,
		}); err != nil {
			return nil, err
		}
		t.SubscriptionID, t.TenantID, t.From, t.Outcome = sub.ID, sub.TenantID, sub.Status, OutcomeApplied
	}

	if err := m.revokeIfIdle(ctx, user, in.CustomerID); err != nil {
		return nil, err
	}
	if t.Changed() {
		logging.L(ctx).Info("subscription cancelled", "subscription_id", t.SubscriptionID, "tenant_id", t.TenantID)
	}
	return t, nil
}

// MarkPastDue records a failed charge. Access is left to the AccessPolicy.
func (m *Machine) MarkPastDue(ctx context.Context, in PaymentFailed) (*Transition, error) {
	user, err := m.userByCustomer(ctx, in.CustomerID)
	if err != nil {
		return nil, err
	}
	sub, err := m.locate(ctx, user, in.CustomerID, in.ExternalSubscriptionID)
	if errors.Is(err, ErrNotFound) {
		return &Transition{TenantID: user.HomeTenant(), To: StatusPastDue, Outcome: OutcomeNoop}, nil
	}
	if err != nil {
		return nil, err
	}

	t := &Transition{SubscriptionID: sub.ID, TenantID: sub.TenantID, From: sub.Status, To: StatusPastDue}
	switch {
	case sub.Status.Terminal():
		t.To, t.Outcome = sub.Status, OutcomeAnomaly
		return t, nil
	case sub.Status == StatusPastDue:
		t.Outcome = OutcomeNoop
		return t, nil
	}

	failed := PaymentStatusFailed
	if err := m.subs.Transition(ctx, sub.ID, sub.Status, StatusPastDue, Patch{PaymentStatus: &failed}); err != nil {
		return nil, err
	}
	t.Outcome = OutcomeApplied
	logging.L(ctx).Warn("subscription past due",
		"subscription_id", sub.ID, "tenant_id", sub.TenantID, "grants_access", m.policy.Grants(StatusPastDue))
	return t, nil
}

// RecordPayment applies a successful renewal: the subscription becomes
// active and its billing period advances.
func (m *Machine) RecordPayment(ctx context.Context, in PaymentSucceeded) (*Transition, error) {
	user, err := m.userByCustomer(ctx, in.CustomerID)
	if err != nil {
		return nil, err
	}
	sub, err := m.locate(ctx, user, in.CustomerID, in.ExternalSubscriptionID)
	if errors.Is(err, ErrNotFound) {
		return &Transition{TenantID: user.HomeTenant(), To: StatusActive, Outcome: OutcomeNoop}, nil
	}
	if err != nil {
		return nil, err
	}

	t := &Transition{SubscriptionID: sub.ID, TenantID: sub.TenantID, From: sub.Status, To: StatusActive}
	if sub.Status.Terminal() {
		t.To, t.Outcome = sub.Status, OutcomeAnomaly
		return t, nil
	}

	paid := PaymentStatusPaid
	patch := Patch{PaymentStatus: &paid}
	if !in.PeriodEnd.IsZero() {
		end := in.PeriodEnd.UTC()
		patch.NextPaymentDate = &end
	}
	if sub.Status == StatusActive && sub.PaymentStatus == PaymentStatusPaid && patch.NextPaymentDate == nil {
		t.Outcome = OutcomeNoop
		return t, nil
	}
	if err := m.subs.Transition(ctx, sub.ID, sub.Status, StatusActive, patch); err != nil {
		return nil, err
	}
	t.Outcome = OutcomeApplied
	return t, nil
}

// SyncSubscription mirrors a processor-side status or price change onto the
// matching record. Terminal records are never reopened.
func (m *Machine) SyncSubscription(ctx context.Context, in SubscriptionUpdated) (*Transition, error) {
	to, ok := MapExternalStatus(in.Status)
	if !ok {
		logging.L(ctx).Info("subscription status not tracked", "status", in.Status)
		return &Transition{Outcome: OutcomeNoop}, nil
	}
	user, err := m.userByCustomer(ctx, in.CustomerID)
	if err != nil {
		return nil, err
	}
	sub, err := m.locate(ctx, user, in.CustomerID, in.ExternalSubscriptionID)
	if errors.Is(err, ErrNotFound) {
		// Checkout creates the record; an update may arrive first.
		return &Transition{TenantID: user.HomeTenant(), To: to, Outcome: OutcomeNoop}, nil
	}
	if err != nil {
		return nil, err
	}

	t := &Transition{SubscriptionID: sub.ID, TenantID: sub.TenantID, From: sub.Status, To: to}
	if sub.Status.Terminal() {
		t.To = sub.Status
		t.Outcome = OutcomeNoop
		if !to.Terminal() {
			t.Outcome = OutcomeAnomaly
		}
		return t, nil
	}

	var patch Patch
	var plan *plans.Plan
	if in.PriceID != "" && in.PriceID != sub.PriceID {
		p, err := m.catalog.PlanForPrice(in.PriceID)
		if err != nil {
			return nil, err
		}
		plan = &p
		patch.Plan = plan
	}
	if !in.PeriodEnd.IsZero() && !to.Terminal() {
		end := in.PeriodEnd.UTC()
		if sub.NextPaymentDate == nil || !sub.NextPaymentDate.Equal(end) {
			patch.NextPaymentDate = &end
		}
	}
	if to.Terminal() {
		now := m.now().UTC()
		patch.EndDate, patch.CancelledAt = &now, &now
	}
	if to == sub.Status && plan == nil && patch.NextPaymentDate == nil {
		t.Outcome = OutcomeNoop
		return t, nil
	}

	if err := m.subs.Transition(ctx, sub.ID, sub.Status, to, patch); err != nil {
		return nil, err
	}
	t.Outcome = OutcomeApplied

	switch {
	case to.Terminal():
		if err := m.revokeIfIdle(ctx, user, in.CustomerID); err != nil {
			return nil, err
		}
	case plan != nil:
		if err := m.tenants.SetAccess(ctx, user.ID, tenant.Access{
			Plan:       plan.ID,
			CustomerID: in.CustomerID,
			PriceID:    plan.PriceID,
		}); err != nil {
			return nil, err
		}
		logging.L(ctx).Info("subscription plan changed", "subscription_id", sub.ID, "from", sub.PlanID, "to", plan.ID)
	}
	return t, nil
}

// DeleteCustomer cancels every live subscription billed to the customer,
// revokes access and unlinks the customer id from the user.
func (m *Machine) DeleteCustomer(ctx context.Context, in CustomerDeleted) (*Transition, error) {
	user, err := m.userByCustomer(ctx, in.CustomerID)
	if err != nil {
		return nil, err
	}
	owned, err := m.subs.ListByCustomer(ctx, in.CustomerID)
	if err != nil {
		return nil, err
	}

	t := &Transition{TenantID: user.HomeTenant(), To: StatusCancelled, Outcome: OutcomeNoop}
	now := m.now().UTC()
	for _, sub := range owned {
		if sub.Status.Terminal() {
			continue
		}
		if err := m.subs.Transition(ctx, sub.ID, sub.Status, StatusCancelled, Patch{
			EndDate:     &now,
			CancelledAt: &now,
		}); err != nil {
			return nil, err
		}
		if t.Outcome == OutcomeNoop {
			t.SubscriptionID, t.TenantID, t.From, t.Outcome = sub.ID, sub.TenantID, sub.Status, OutcomeApplied
		}
	}

	if err := m.tenants.SetAccess(ctx, user.ID, tenant.Access{Plan: tenant.AccessNone}); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("billing customer removed", "user_id", user.ID, "subscriptions_cancelled", t.Changed())
	return t, nil
}

// CheckEligibility guards a new checkout: the plan must exist and the tenant
// must not already hold a live subscription on it.
func (m *Machine) CheckEligibility(ctx context.Context, tenantID, planID string) (plans.Plan, error) {
	plan, err := m.catalog.ResolveCheckoutID(planID)
	if err != nil {
		return plans.Plan{}, err
	}
	if tenantID == "" {
		return plan, nil
	}
	current, err := m.subs.Current(ctx, scope.Predicate{Kind: scope.KindTenant, TenantID: tenantID})
	switch {
	case errors.Is(err, ErrNotFound):
		return plan, nil
	case err != nil:
		return plans.Plan{}, err
	case blocksCheckout(current, plan.ID):
		return plans.Plan{}, ErrAlreadySubscribed
	}
	return plan, nil
}

// blocksCheckout reports whether current rules out a new checkout for
// planID. Only an active subscription on the same plan does; a past_due or
// trialing one is superseded by the new purchase.
func blocksCheckout(current *Subscription, planID string) bool {
	return current.Status == StatusActive && current.PlanID == planID
}

// recordCancelled stores an external subscription known only from its
// cancellation as a cancelled record, so that its checkout, arriving late,
// hits a terminal record instead of activating it. user is nil when the
// customer is not linked yet.
func (m *Machine) recordCancelled(ctx context.Context, user *tenant.User, in SubscriptionCancelled) (*Transition, error) {
	now := m.now().UTC()
	sub := &Subscription{
		ID:            idgen.WithPrefix("gsub_"),
		Status:        StatusCancelled,
		PaymentStatus: PaymentStatusPending,
		CustomerID:    in.CustomerID,
		PriceID:       in.PriceID,
		ExternalID:    in.ExternalSubscriptionID,
		Currency:      defaultCurrency,
		StartDate:     now,
		EndDate:       &now,
		CancelledAt:   &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if user != nil {
		sub.TenantID = user.HomeTenant()
		sub.CreatedBy = user.ID
	}
	if plan, err := m.catalog.PlanForPrice(in.PriceID); err == nil {
		sub.PlanID, sub.PlanName = plan.ID, plan.Name
		sub.PricePerMonth, sub.Currency, sub.Features = plan.PricePerMonth, plan.Currency, plan.Quotas
	}
	if err := m.subs.Create(ctx, sub); err != nil {
		return nil, err
	}
	logging.L(ctx).Warn("cancellation received before checkout, recorded as cancelled",
		"subscription_id", sub.ID, "external_id", sub.ExternalID, "customer_id", sub.CustomerID)
	return &Transition{SubscriptionID: sub.ID, TenantID: sub.TenantID, To: StatusCancelled, Outcome: OutcomeApplied}, nil
}

func (m *Machine) userByCustomer(ctx context.Context, customerID string) (*tenant.User, error) {
	if customerID == "" {
		return nil, ErrCustomerNotLinked
	}
	user, err := m.tenants.GetUserByCustomerID(ctx, customerID)
	if errors.Is(err, tenant.ErrUserNotFound) {
		return nil, ErrCustomerNotLinked
	}
	return user, err
}

// locate finds the subscription an event refers to: by external id when
// known, otherwise the live subscription of the user's scope. A live record
// without an external id also matches, for records created before the id
// was captured.
func (m *Machine) locate(ctx context.Context, user *tenant.User, customerID, externalID string) (*Subscription, error) {
	if externalID != "" {
		sub, err := m.subs.GetByExternalID(ctx, externalID)
		if !errors.Is(err, ErrNotFound) {
			return sub, err
		}
	}
	sub, err := m.subs.Current(ctx, ownerScope(user, customerID))
	if err != nil {
		return nil, err
	}
	if externalID != "" && sub.ExternalID != "" {
		return nil, ErrNotFound
	}
	return sub, nil
}

// revokeIfIdle clears the access flag unless the user's scope still has a
// live subscription, as after a plan switch.
func (m *Machine) revokeIfIdle(ctx context.Context, user *tenant.User, customerID string) error {
	_, err := m.subs.Current(ctx, ownerScope(user, customerID))
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	return m.tenants.SetAccess(ctx, user.ID, tenant.Access{
		Plan:       tenant.AccessNone,
		CustomerID: customerID,
	})
}

// ensureTenant returns the user's tenant, creating one owned by the user
// when the paying account has no linkage yet.
func (m *Machine) ensureTenant(ctx context.Context, user *tenant.User) (string, error) {
	if id := user.HomeTenant(); id != "" {
		return id, nil
	}
	name := user.Name
	if name == "" {
		name = user.Email
	}
	now := m.now().UTC()
	t := &tenant.Tenant{
		ID:          idgen.WithPrefix("ten_"),
		Name:        name,
		OwnerUserID: user.ID,
		Email:       user.Email,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.tenants.CreateTenant(ctx, t); err != nil {
		return "", err
	}
	if err := m.tenants.LinkTenant(ctx, user.ID, t.ID, true); err != nil {
		return "", err
	}
	logging.L(ctx).Info("tenant created for paying user", "tenant_id", t.ID, "user_id", user.ID)
	return t.ID, nil
}

func ownerScope(user *tenant.User, customerID string) scope.Predicate {
	if id := user.HomeTenant(); id != "" {
		return scope.Predicate{Kind: scope.KindTenant, TenantID: id}
	}
	return scope.Predicate{Kind: scope.KindCustomer, CustomerID: customerID}
}
