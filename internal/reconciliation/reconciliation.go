// Package reconciliation cross-checks subscriptions, user access flags and
// webhook outcomes for drift the event path cannot see.
package reconciliation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/grainhero/accesscore/internal/subscription"
	"github.com/grainhero/accesscore/internal/tenant"
)

// SubscriptionLister returns every subscription that is not terminal.
type SubscriptionLister interface {
	ListNonTerminal(ctx context.Context) ([]*subscription.Subscription, error)
}

// AccessLister returns every user currently holding a plan.
type AccessLister interface {
	ListWithAccess(ctx context.Context) ([]*tenant.User, error)
}

// FailedEventCounter counts webhook events that ended in failure.
type FailedEventCounter interface {
	CountFailed(ctx context.Context) (int, error)
}

// TenantConflict is a tenant with more than one live subscription.
type TenantConflict struct {
	TenantID        string   `json:"tenant_id"`
	SubscriptionIDs []string `json:"subscription_ids"`
}

// AccessMismatch is a user whose access flag disagrees with the
// subscription that should be granting it.
type AccessMismatch struct {
	UserID         string `json:"user_id"`
	TenantID       string `json:"tenant_id,omitempty"`
	Access         string `json:"access"`
	Expected       string `json:"expected"`
	SubscriptionID string `json:"subscription_id,omitempty"`
}

// Report is the outcome of one reconciliation run.
type Report struct {
	DuplicateSubscriptions []TenantConflict `json:"duplicate_subscriptions"`
	AccessMismatches       []AccessMismatch `json:"access_mismatches"`
	FailedEvents           int              `json:"failed_events"`
	CheckedSubscriptions   int              `json:"checked_subscriptions"`
	CheckedUsers           int              `json:"checked_users"`
	RanAt                  time.Time        `json:"ran_at"`
	Duration               time.Duration    `json:"duration_ns"`
}

// Clean reports whether the run found nothing to act on.
func (r *Report) Clean() bool {
	return len(r.DuplicateSubscriptions) == 0 && len(r.AccessMismatches) == 0 && r.FailedEvents == 0
}

// Runner performs reconciliation checks.
type Runner struct {
	subs   SubscriptionLister
	users  AccessLister
	events FailedEventCounter
	policy subscription.AccessPolicy
	now    func() time.Time
}

// NewRunner creates a reconciliation runner. events may be nil.
func NewRunner(subs SubscriptionLister, users AccessLister, events FailedEventCounter, policy subscription.AccessPolicy) *Runner {
	return &Runner{subs: subs, users: users, events: events, policy: policy, now: time.Now}
}

// RunAll loads the inputs concurrently and runs every check.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	var (
		subs   []*subscription.Subscription
		users  []*tenant.User
		failed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		subs, err = r.subs.ListNonTerminal(gctx)
		if err != nil {
			return fmt.Errorf("list subscriptions: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		users, err = r.users.ListWithAccess(gctx)
		if err != nil {
			return fmt.Errorf("list users with access: %w", err)
		}
		return nil
	})
	if r.events != nil {
		g.Go(func() error {
			var err error
			failed, err = r.events.CountFailed(gctx)
			if err != nil {
				return fmt.Errorf("count failed events: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		reconcileErrors.Inc()
		return nil, err
	}

	report := &Report{
		DuplicateSubscriptions: duplicateSubscriptions(subs),
		AccessMismatches:       r.accessMismatches(subs, users),
		FailedEvents:           failed,
		CheckedSubscriptions:   len(subs),
		CheckedUsers:           len(users),
		RanAt:                  r.now(),
		Duration:               time.Since(start),
	}

	reconcileDuplicateSubscriptions.Set(float64(len(report.DuplicateSubscriptions)))
	reconcileAccessMismatches.Set(float64(len(report.AccessMismatches)))
	reconcileFailedEvents.Set(float64(report.FailedEvents))
	reconcileDuration.Observe(report.Duration.Seconds())
	return report, nil
}

func duplicateSubscriptions(subs []*subscription.Subscription) []TenantConflict {
	byTenant := make(map[string][]string)
	for _, s := range subs {
		if s.TenantID != "" {
			byTenant[s.TenantID] = append(byTenant[s.TenantID], s.ID)
		}
	}
	out := []TenantConflict{}
	for id, ids := range byTenant {
		if len(ids) > 1 {
			sort.Strings(ids)
			out = append(out, TenantConflict{TenantID: id, SubscriptionIDs: ids})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// accessMismatches compares each plan holder against the newest live
// subscription of their tenant, or of their billing customer when they
// have no tenant.
func (r *Runner) accessMismatches(subs []*subscription.Subscription, users []*tenant.User) []AccessMismatch {
	byTenant := make(map[string]*subscription.Subscription)
	byCustomer := make(map[string]*subscription.Subscription)
	for _, s := range subs {
		if s.TenantID != "" && newer(s, byTenant[s.TenantID]) {
			byTenant[s.TenantID] = s
		}
		if s.CustomerID != "" && newer(s, byCustomer[s.CustomerID]) {
			byCustomer[s.CustomerID] = s
		}
	}

	out := []AccessMismatch{}
	for _, u := range users {
		var current *subscription.Subscription
		if home := u.HomeTenant(); home != "" {
			current = byTenant[home]
		} else if u.CustomerID != "" {
			current = byCustomer[u.CustomerID]
		}

		expected := tenant.AccessNone
		m := AccessMismatch{UserID: u.ID, TenantID: u.HomeTenant(), Access: u.Access}
		if current != nil {
			m.SubscriptionID = current.ID
			if r.policy.Grants(current.Status) {
				expected = current.PlanID
			}
		}
		if u.Access != expected {
			m.Expected = expected
			out = append(out, m)
		}
	}
	return out
}

func newer(s, than *subscription.Subscription) bool {
	if than == nil {
		return true
	}
	if !s.CreatedAt.Equal(than.CreatedAt) {
		return s.CreatedAt.After(than.CreatedAt)
	}
	return s.ID > than.ID
}
