// Package webhooks ingests signed Stripe events, deduplicates them by event
// id and applies each as exactly one subscription intent inside a single
// database transaction.
package webhooks

import (
	"context"
	"errors"
	"time"

	"github.com/grainhero/accesscore/internal/pagination"
	"github.com/grainhero/accesscore/internal/subscription"
	"github.com/grainhero/accesscore/internal/tenant"
)

// Errors
var (
	ErrInvalidSignature = errors.New("webhooks: invalid signature")
	ErrInFlight         = errors.New("webhooks: event is being processed by another delivery")
	ErrEventNotFound    = errors.New("webhooks: event not found")
	ErrNotReplayable    = errors.New("webhooks: only failed events can be replayed")
	ErrClaimLost        = errors.New("webhooks: claim on event was lost")
	ErrUndecodable      = errors.New("webhooks: event payload could not be decoded")
	ErrNotConfigured    = errors.New("webhooks: signing secret not configured")
)

// Outcome is the processing state of a received event.
type Outcome string

const (
	OutcomeProcessing Outcome = "processing"
	OutcomeApplied    Outcome = "applied"
	OutcomeFailed     Outcome = "failed"
	OutcomeIgnored    Outcome = "ignored"
)

// Settled reports whether processing of the event has finished.
func (o Outcome) Settled() bool {
	return o == OutcomeApplied || o == OutcomeFailed || o == OutcomeIgnored
}

// Event is the processing record of one external event id.
type Event struct {
	ID             string     `json:"id"`
	Type           string     `json:"type"`
	Outcome        Outcome    `json:"outcome"`
	Attempts       int        `json:"attempts"`
	Error          string     `json:"error,omitempty"`
	SubscriptionID string     `json:"subscription_id,omitempty"`
	Payload        []byte     `json:"-"`
	ReceivedAt     time.Time  `json:"received_at"`
	ClaimedAt      time.Time  `json:"claimed_at"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
}

// Result is what Ingest and Replay report back to the caller.
type Result struct {
	EventID    string                   `json:"event_id"`
	EventType  string                   `json:"event_type"`
	Outcome    Outcome                  `json:"outcome"`
	Duplicate  bool                     `json:"duplicate,omitempty"`
	Transition *subscription.Transition `json:"transition,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

// EventStore persists event processing records.
type EventStore interface {
	// Claim records ev as processing. It reports true when the caller now
	// owns the event: the id was new, or a previous claim went stale before
	// staleBefore. Otherwise it returns the existing record.
	Claim(ctx context.Context, ev *Event, staleBefore time.Time) (*Event, bool, error)
	Get(ctx context.Context, id string) (*Event, error)
	// Finish settles a processing event. ErrClaimLost when it is no longer processing.
	Finish(ctx context.Context, id string, outcome Outcome, subscriptionID, errMsg string, at time.Time) error
	// Release drops a processing claim so a redelivery starts afresh.
	Release(ctx context.Context, id string) error
	// Reopen moves a failed event back to processing for a replay.
	Reopen(ctx context.Context, id string, at time.Time) (*Event, error)
	List(ctx context.Context, outcome Outcome, page pagination.Page) ([]*Event, int, error)
	CountByOutcome(ctx context.Context, outcome Outcome) (int, error)
}

// Tx is the set of stores bound to one unit of work.
type Tx struct {
	Tenants       tenant.Store
	Subscriptions subscription.Store
	Events        EventStore
}

// UnitOfWork runs fn atomically: either every write fn made is kept or none.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
