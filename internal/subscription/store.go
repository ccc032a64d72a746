package subscription

import (
	"context"
	"time"

	"github.com/grainhero/accesscore/internal/pagination"
	"github.com/grainhero/accesscore/internal/scope"
)

// Store persists subscriptions.
type Store interface {
	// Create inserts a new record. A reused external id yields ErrDuplicateExternal.
	Create(ctx context.Context, s *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByExternalID(ctx context.Context, externalID string) (*Subscription, error)

	// Current returns the newest non-terminal subscription admitted by p.
	Current(ctx context.Context, p scope.Predicate) (*Subscription, error)
	ListByCustomer(ctx context.Context, customerID string) ([]*Subscription, error)
	ListNonTerminal(ctx context.Context) ([]*Subscription, error)
	List(ctx context.Context, p scope.Predicate, f scope.Filter, page pagination.Page) ([]*Subscription, int, error)
	Summarize(ctx context.Context, p scope.Predicate) (*Summary, error)

	// Transition moves a subscription from one status to another and applies
	// patch, only if its status is still from. Otherwise ErrStaleState.
	Transition(ctx context.Context, id string, from, to Status, patch Patch) error
	// SaveUsage overwrites the usage snapshot. Last write wins.
	SaveUsage(ctx context.Context, id string, u Usage, at time.Time) error
}

// Columns maps scope predicates onto the subscriptions table.
var Columns = scope.Columns{
	Tenant:    "tenant_id",
	Customer:  "customer_id",
	Creator:   "created_by",
	Status:    "status",
	CreatedAt: "created_at",
	Search:    []string{"plan_name", "plan_id"},
}

func record(s *Subscription) scope.Record {
	return scope.Record{
		TenantID:   s.TenantID,
		CustomerID: s.CustomerID,
		CreatedBy:  s.CreatedBy,
		Status:     string(s.Status),
		CreatedAt:  s.CreatedAt,
		Text:       s.PlanName + " " + s.PlanID,
	}
}
