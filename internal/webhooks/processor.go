package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/grainhero/accesscore/internal/billing"
	"github.com/grainhero/accesscore/internal/logging"
	"github.com/grainhero/accesscore/internal/metrics"
	"github.com/grainhero/accesscore/internal/pagination"
	"github.com/grainhero/accesscore/internal/plans"
	"github.com/grainhero/accesscore/internal/subscription"
	"github.com/grainhero/accesscore/internal/tenant"
	"github.com/grainhero/accesscore/internal/traces"
)

const (
	defaultWaitTimeout  = 10 * time.Second
	defaultPollInterval = 100 * time.Millisecond
	defaultStaleAfter   = 2 * time.Minute
)

// UsageRefresher recomputes usage after a subscription changed.
type UsageRefresher interface {
	RefreshQuietly(ctx context.Context, subscriptionID string)
}

// Processor verifies, deduplicates and applies payment events.
type Processor struct {
	secret       string
	tolerance    time.Duration
	events       EventStore
	uow          UnitOfWork
	machine      *subscription.Machine
	decoder      *Decoder
	usage        UsageRefresher
	waitTimeout  time.Duration
	pollInterval time.Duration
	staleAfter   time.Duration
	now          func() time.Time
}

// NewProcessor creates a processor. events is used outside of units of work
// to claim events and to answer duplicate deliveries.
func NewProcessor(secret string, events EventStore, uow UnitOfWork, machine *subscription.Machine, gw billing.Gateway) *Processor {
	return &Processor{
		secret:       secret,
		tolerance:    webhook.DefaultTolerance,
		events:       events,
		uow:          uow,
		machine:      machine,
		decoder:      NewDecoder(gw),
		waitTimeout:  defaultWaitTimeout,
		pollInterval: defaultPollInterval,
		staleAfter:   defaultStaleAfter,
		now:          time.Now,
	}
}

// WithUsage refreshes usage snapshots after applied transitions.
func (p *Processor) WithUsage(u UsageRefresher) *Processor {
	p.usage = u
	return p
}

// WithWait sets how long a duplicate delivery waits for the in-flight one.
func (p *Processor) WithWait(timeout, poll time.Duration) *Processor {
	p.waitTimeout = timeout
	p.pollInterval = poll
	return p
}

// WithStaleAfter sets the age after which a processing claim may be taken over.
func (p *Processor) WithStaleAfter(d time.Duration) *Processor {
	p.staleAfter = d
	return p
}

// WithClock overrides the time source used for event timestamps.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// Configured reports whether a signing secret is set.
func (p *Processor) Configured() bool {
	return p.secret != ""
}

// Ingest verifies payload against the signature header and processes it.
// A nil error means the delivery may be acknowledged; permanent failures
// are recorded on the event and acknowledged too.
func (p *Processor) Ingest(ctx context.Context, payload []byte, signature string) (*Result, error) {
	if p.secret == "" {
		return nil, ErrNotConfigured
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signature, p.secret, webhook.ConstructEventOptions{
		Tolerance:                p.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		metrics.WebhookFailuresTotal.WithLabelValues("signature").Inc()
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	if ev.ID == "" {
		return nil, fmt.Errorf("%w: event has no id", ErrUndecodable)
	}
	return p.observe(ctx, &ev, func(ctx context.Context) (*Result, error) {
		return p.claim(ctx, &ev, payload)
	})
}

// Replay reprocesses the stored payload of a failed event.
func (p *Processor) Replay(ctx context.Context, id string) (*Result, error) {
	rec, err := p.events.Reopen(ctx, id, p.now())
	if err != nil {
		return nil, err
	}
	var ev stripe.Event
	if err := json.Unmarshal(rec.Payload, &ev); err != nil {
		res := &Result{EventID: rec.ID, EventType: rec.Type}
		return p.fail(ctx, res, fmt.Errorf("%w: %w", ErrUndecodable, err), true)
	}
	ev.ID = rec.ID
	return p.observe(ctx, &ev, func(ctx context.Context) (*Result, error) {
		return p.apply(ctx, &ev, true)
	})
}

// List returns event records, newest first. An empty outcome lists all.
func (p *Processor) List(ctx context.Context, outcome Outcome, page pagination.Page) ([]*Event, int, error) {
	return p.events.List(ctx, outcome, page)
}

// CountFailed counts events awaiting operator review.
func (p *Processor) CountFailed(ctx context.Context) (int, error) {
	return p.events.CountByOutcome(ctx, OutcomeFailed)
}

// Get returns one event record.
func (p *Processor) Get(ctx context.Context, id string) (*Event, error) {
	return p.events.Get(ctx, id)
}

func (p *Processor) observe(ctx context.Context, ev *stripe.Event, fn func(context.Context) (*Result, error)) (*Result, error) {
	start := time.Now()
	ctx = logging.WithEvent(ctx, ev.ID, string(ev.Type))
	ctx, span := traces.StartSpan(ctx, "webhooks.process",
		traces.EventID(ev.ID), traces.EventType(string(ev.Type)))
	defer span.End()

	res, err := fn(ctx)

	label := "error"
	switch {
	case err != nil:
		traces.RecordError(span, err)
	case res.Duplicate:
		label = "duplicate"
	default:
		label = string(res.Outcome)
	}
	span.SetAttributes(traces.Outcome(label))
	metrics.WebhookEventsTotal.WithLabelValues(string(ev.Type), label).Inc()
	metrics.WebhookDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	return res, err
}

// claim takes ownership of the event id, or waits for the delivery that
// holds it and reports that delivery's outcome.
func (p *Processor) claim(ctx context.Context, ev *stripe.Event, payload []byte) (*Result, error) {
	var (
		timeout <-chan time.Time
		ticker  *time.Ticker
	)
	for {
		now := p.now()
		rec := &Event{
			ID:         ev.ID,
			Type:       string(ev.Type),
			Payload:    payload,
			ReceivedAt: now,
			ClaimedAt:  now,
		}
		existing, owned, err := p.events.Claim(ctx, rec, now.Add(-p.staleAfter))
		if err != nil {
			return nil, err
		}
		if owned {
			return p.apply(ctx, ev, false)
		}
		if existing.Outcome.Settled() {
			logging.L(ctx).Info("duplicate event delivery", "outcome", existing.Outcome)
			return &Result{
				EventID:   existing.ID,
				EventType: existing.Type,
				Outcome:   existing.Outcome,
				Duplicate: true,
				Error:     existing.Error,
			}, nil
		}

		if ticker == nil {
			timeout = time.After(p.waitTimeout)
			ticker = time.NewTicker(p.pollInterval)
			defer ticker.Stop()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, ErrInFlight
		case <-ticker.C:
		}
	}
}

// apply decodes the event and commits its effect together with the event
// outcome. The caller must own the processing claim.
func (p *Processor) apply(ctx context.Context, ev *stripe.Event, replay bool) (*Result, error) {
	res := &Result{EventID: ev.ID, EventType: string(ev.Type)}

	intent, err := p.decoder.Decode(ctx, ev)
	if err != nil {
		return p.fail(ctx, res, err, replay)
	}
	if intent == nil {
		if err := p.events.Finish(ctx, ev.ID, OutcomeIgnored, "", "", p.now()); err != nil {
			return nil, err
		}
		logging.L(ctx).Debug("event type ignored")
		res.Outcome = OutcomeIgnored
		return res, nil
	}

	var tr *subscription.Transition
	err = p.uow.Do(ctx, func(ctx context.Context, tx Tx) error {
		t, err := p.machine.WithStores(tx.Tenants, tx.Subscriptions).Apply(ctx, intent)
		if err != nil {
			return err
		}
		tr = t
		return tx.Events.Finish(ctx, ev.ID, OutcomeApplied, t.SubscriptionID, "", p.now())
	})
	if err != nil {
		return p.fail(ctx, res, err, replay)
	}

	res.Outcome = OutcomeApplied
	res.Transition = tr
	if tr.Changed() {
		metrics.SubscriptionTransitionsTotal.WithLabelValues(string(tr.From), string(tr.To)).Inc()
		if p.usage != nil {
			p.usage.RefreshQuietly(ctx, tr.SubscriptionID)
		}
	}
	logging.L(ctx).Info("event applied",
		"intent", intent.Name(),
		"subscription_id", tr.SubscriptionID,
		"from", tr.From,
		"to", tr.To,
		"result", tr.Outcome,
	)
	return res, nil
}

// fail records a permanent failure and acknowledges it, or drops the claim
// on a transient one so the processor's redelivery is processed afresh.
// Replays keep the event failed so they can be replayed again.
func (p *Processor) fail(ctx context.Context, res *Result, cause error, replay bool) (*Result, error) {
	if !IsPermanent(cause) {
		metrics.WebhookFailuresTotal.WithLabelValues("transient").Inc()
		logging.L(ctx).Error("event processing failed, awaiting redelivery", "error", cause)
		var err error
		if replay {
			err = p.events.Finish(ctx, res.EventID, OutcomeFailed, "", cause.Error(), p.now())
		} else {
			err = p.events.Release(ctx, res.EventID)
		}
		if err != nil && !errors.Is(err, ErrClaimLost) {
			logging.L(ctx).Error("failed to release event claim", "error", err)
		}
		return nil, cause
	}

	metrics.WebhookFailuresTotal.WithLabelValues("permanent").Inc()
	if err := p.events.Finish(ctx, res.EventID, OutcomeFailed, "", cause.Error(), p.now()); err != nil && !errors.Is(err, ErrClaimLost) {
		return nil, err
	}
	logging.L(ctx).Error("event rejected, needs operator review", "error", cause)
	res.Outcome = OutcomeFailed
	res.Error = cause.Error()
	return res, nil
}

// IsPermanent reports whether redelivering the same event cannot succeed.
func IsPermanent(err error) bool {
	for _, target := range []error{
		ErrUndecodable,
		billing.ErrRejected,
		tenant.ErrUserNotFound,
		plans.ErrUnrecognizedPrice,
		plans.ErrUnknownPlan,
		subscription.ErrCustomerNotLinked,
		subscription.ErrAlreadySubscribed,
		subscription.ErrMissingEmail,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
