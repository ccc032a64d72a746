// Package usage meters tenant consumption against plan quotas and raises
// limit warnings.
package usage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/grainhero/accesscore/internal/logging"
	"github.com/grainhero/accesscore/internal/metrics"
	"github.com/grainhero/accesscore/internal/plans"
	"github.com/grainhero/accesscore/internal/subscription"
	"github.com/grainhero/accesscore/internal/syncutil"
	"github.com/grainhero/accesscore/internal/traces"
)

// DefaultThreshold is the percentage at which a resource raises a warning.
const DefaultThreshold = 80

const bytesPerGB = 1024 * 1024 * 1024

// ResourceUsage is the consumption of one metered resource.
type ResourceUsage struct {
	Resource   plans.Resource `json:"resource"`
	Current    float64        `json:"current"`
	Limit      plans.Limit    `json:"limit"`
	Percentage int            `json:"percentage"`
	Warning    bool           `json:"warning"`
}

// Snapshot is a freshly computed usage report. It is never cached.
type Snapshot struct {
	SubscriptionID string             `json:"subscription_id"`
	TenantID       string             `json:"tenant_id"`
	Usage          subscription.Usage `json:"current_usage"`
	Resources      []ResourceUsage    `json:"resources"`
	ComputedAt     time.Time          `json:"computed_at"`
}

// Warning describes a resource at or above the warning threshold.
type Warning struct {
	Resource   plans.Resource `json:"type"`
	Current    float64        `json:"current"`
	Limit      plans.Limit    `json:"limit"`
	Percentage int            `json:"percentage"`
	Message    string         `json:"message"`
}

// Warnings is the non-empty set of warnings for one subscription.
type Warnings struct {
	SubscriptionID string    `json:"subscription_id"`
	TenantID       string    `json:"tenant_id"`
	Items          []Warning `json:"warnings"`
}

// Percentage returns round(current/limit*100). An unlimited quota reports 0
// whatever the consumption.
func Percentage(current float64, limit plans.Limit) int {
	if limit.IsUnlimited() || limit <= 0 {
		return 0
	}
	return int(math.Round(current / float64(limit) * 100))
}

// Meter computes and persists usage snapshots.
type Meter struct {
	subs      subscription.Store
	counter   Counter
	threshold int
	now       func() time.Time
	locks     *syncutil.KeyLock
	catalog   *plans.Catalog
}

// NewMeter creates a meter reading live counts from counter.
func NewMeter(subs subscription.Store, counter Counter) *Meter {
	return &Meter{
		subs:      subs,
		counter:   counter,
		threshold: DefaultThreshold,
		now:       time.Now,
		locks:     syncutil.NewKeyLock(0),
	}
}

// WithThreshold sets the warning threshold in percent.
func (m *Meter) WithThreshold(pct int) *Meter {
	if pct > 0 && pct <= 100 {
		m.threshold = pct
	}
	return m
}

// WithCatalog enables upgrade suggestions in CheckAllowance.
func (m *Meter) WithCatalog(c *plans.Catalog) *Meter {
	m.catalog = c
	return m
}

// WithClock overrides the time source.
func (m *Meter) WithClock(now func() time.Time) *Meter {
	m.now = now
	return m
}

// Threshold returns the warning threshold in percent.
func (m *Meter) Threshold() int { return m.threshold }

// Refresh recomputes the subscription's usage from live counts and writes
// it back. Refreshes of one subscription run one at a time so a slow count
// cannot overwrite a newer one.
func (m *Meter) Refresh(ctx context.Context, subscriptionID string) (*Snapshot, error) {
	ctx, span := traces.StartSpan(ctx, "usage.refresh", traces.SubscriptionID(subscriptionID))
	defer span.End()

	unlock, err := m.locks.Lock(ctx, subscriptionID)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	defer unlock()

	sub, err := m.subs.Get(ctx, subscriptionID)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	counts, err := Count(ctx, m.counter, sub.TenantID)
	if err != nil {
		metrics.UsageRefreshTotal.WithLabelValues("error").Inc()
		traces.RecordError(span, err)
		return nil, fmt.Errorf("count usage for tenant %s: %w", sub.TenantID, err)
	}

	at := m.now().UTC()
	if err := m.subs.SaveUsage(ctx, sub.ID, counts, at); err != nil {
		metrics.UsageRefreshTotal.WithLabelValues("error").Inc()
		traces.RecordError(span, err)
		return nil, err
	}
	metrics.UsageRefreshTotal.WithLabelValues("ok").Inc()

	sub.Usage = counts
	return m.snapshot(sub, at), nil
}

// Report builds a snapshot from the persisted usage without recounting.
// Missing usage reads as zero.
func (m *Meter) Report(sub *subscription.Subscription) *Snapshot {
	at := m.now().UTC()
	if sub.UsageUpdatedAt != nil {
		at = *sub.UsageUpdatedAt
	}
	return m.snapshot(sub, at)
}

func (m *Meter) snapshot(sub *subscription.Subscription, at time.Time) *Snapshot {
	snap := &Snapshot{
		SubscriptionID: sub.ID,
		TenantID:       sub.TenantID,
		Usage:          sub.Usage,
		ComputedAt:     at,
	}
	for _, r := range plans.Resources {
		current := sub.Usage.Current(r)
		limit := sub.Features.Limit(r)
		snap.Resources = append(snap.Resources, ResourceUsage{
			Resource:   r,
			Current:    current,
			Limit:      limit,
			Percentage: Percentage(current, limit),
			Warning:    m.over(current, limit),
		})
	}
	return snap
}

// CheckLimits reports the resources at or above the threshold, based on the
// persisted usage. It returns nil when nothing is over the threshold and for
// terminal subscriptions.
func (m *Meter) CheckLimits(ctx context.Context, subscriptionID string) (*Warnings, error) {
	sub, err := m.subs.Get(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	return m.Evaluate(sub), nil
}

// Evaluate is CheckLimits for an already loaded subscription.
func (m *Meter) Evaluate(sub *subscription.Subscription) *Warnings {
	if sub.Status.Terminal() {
		return nil
	}
	var items []Warning
	for _, r := range plans.Resources {
		current := sub.Usage.Current(r)
		limit := sub.Features.Limit(r)
		if !m.over(current, limit) {
			continue
		}
		pct := Percentage(current, limit)
		items = append(items, Warning{
			Resource:   r,
			Current:    current,
			Limit:      limit,
			Percentage: pct,
			Message:    Message(r, current, limit, pct),
		})
	}
	if len(items) == 0 {
		return nil
	}
	return &Warnings{SubscriptionID: sub.ID, TenantID: sub.TenantID, Items: items}
}

func (m *Meter) over(current float64, limit plans.Limit) bool {
	if limit.IsUnlimited() || limit <= 0 {
		return false
	}
	return Percentage(current, limit) >= m.threshold
}

// Message renders the user-facing text of a warning.
func Message(r plans.Resource, current float64, limit plans.Limit, pct int) string {
	switch r {
	case plans.ResourceUsers:
		return fmt.Sprintf("You're using %d%% of your user limit (%s/%s).", pct, formatCount(current), limit)
	case plans.ResourceBatches:
		return fmt.Sprintf("You're using %d%% of your grain batch limit (%s/%s).", pct, formatCount(current), limit)
	case plans.ResourceDevices:
		return fmt.Sprintf("You're using %d%% of your sensor limit (%s/%s).", pct, formatCount(current), limit)
	case plans.ResourceStorage:
		return fmt.Sprintf("You're using %d%% of your storage limit (%sGB/%sGB).", pct, formatCount(current), limit)
	}
	return fmt.Sprintf("You're using %d%% of your %s limit (%s/%s).", pct, r, formatCount(current), limit)
}

func formatCount(v float64) string {
	if v == math.Trunc(v) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%g", v)
}

// RefreshQuietly refreshes usage after a subscription change. Failures are
// logged and never returned: usage is advisory.
func (m *Meter) RefreshQuietly(ctx context.Context, subscriptionID string) {
	if subscriptionID == "" {
		return
	}
	if _, err := m.Refresh(ctx, subscriptionID); err != nil && !errors.Is(err, context.Canceled) {
		logging.L(ctx).Warn("usage refresh failed", "subscription_id", subscriptionID, "error", err)
	}
}
