package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/grainhero/accesscore/internal/metrics"
	"github.com/grainhero/accesscore/internal/subscription"
	"github.com/grainhero/accesscore/internal/tenant"
)

// DefaultSweepInterval is how often the limit warning sweep runs.
const DefaultSweepInterval = 24 * time.Hour

// SweepResult summarizes one limit warning sweep.
type SweepResult struct {
	Checked      int `json:"checked"`
	WarningsSent int `json:"warnings_sent"`
	Failed       int `json:"failed"`
}

// Scheduler periodically refreshes every live subscription and notifies the
// tenant admins of subscriptions near their limits.
type Scheduler struct {
	meter    *Meter
	subs     subscription.Store
	tenants  tenant.Store
	notifier Notifier
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewScheduler creates a limit warning scheduler.
func NewScheduler(meter *Meter, subs subscription.Store, tenants tenant.Store, notifier Notifier, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		meter:    meter,
		subs:     subs,
		tenants:  tenants,
		notifier: notifier,
		interval: DefaultSweepInterval,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// WithInterval sets the sweep interval.
func (s *Scheduler) WithInterval(d time.Duration) *Scheduler {
	if d > 0 {
		s.interval = d
	}
	return s
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start sweeps once immediately, then on every tick. Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	s.safeRun(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeRun(ctx)
		}
	}
}

// Stop signals the loop to exit.
func (s *Scheduler) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Scheduler) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in limit warning sweep", "panic", fmt.Sprint(r))
		}
	}()

	res, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Warn("limit warning sweep failed", "error", err)
		return
	}
	s.logger.Info("limit warning sweep completed",
		"checked", res.Checked, "warnings_sent", res.WarningsSent, "failed", res.Failed)
}

// RunOnce performs one sweep. A failure on one subscription is logged and
// does not stop the others.
func (s *Scheduler) RunOnce(ctx context.Context) (*SweepResult, error) {
	live, err := s.subs.ListNonTerminal(ctx)
	if err != nil {
		return nil, err
	}

	res := &SweepResult{}
	for _, sub := range live {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Checked++
		sent, err := s.check(ctx, sub.ID)
		if err != nil {
			res.Failed++
			s.logger.Warn("limit check failed", "subscription_id", sub.ID, "error", err)
			continue
		}
		res.WarningsSent += sent
	}
	return res, nil
}

func (s *Scheduler) check(ctx context.Context, subscriptionID string) (int, error) {
	if _, err := s.meter.Refresh(ctx, subscriptionID); err != nil {
		return 0, err
	}
	sub, err := s.subs.Get(ctx, subscriptionID)
	if err != nil {
		return 0, err
	}
	w := s.meter.Evaluate(sub)
	if w == nil {
		return 0, nil
	}
	for _, item := range w.Items {
		metrics.LimitWarningsTotal.WithLabelValues(string(item.Resource)).Inc()
	}

	admins, err := s.tenants.ListAdmins(ctx, sub.TenantID)
	if err != nil {
		return 0, err
	}
	if len(admins) == 0 {
		s.logger.Info("no admin to warn", "tenant_id", sub.TenantID, "subscription_id", sub.ID)
		return 0, nil
	}
	if err := s.notifier.NotifyLimits(ctx, admins[0], sub, w); err != nil {
		return 0, err
	}
	return 1, nil
}
