// Package subscription owns a tenant's subscription records and the status
// transitions driven by decoded payment events.
package subscription

import (
	"errors"
	"time"

	"github.com/grainhero/accesscore/internal/plans"
)

// Errors
var (
	ErrNotFound          = errors.New("subscription: not found")
	ErrStaleState        = errors.New("subscription: status changed concurrently")
	ErrDuplicateExternal = errors.New("subscription: external subscription id already recorded")
	ErrAlreadySubscribed = errors.New("subscription: tenant already subscribed to this plan")
	ErrCustomerNotLinked = errors.New("subscription: billing customer not linked to any user")
	ErrTerminal          = errors.New("subscription: subscription is in a terminal state")
	ErrMissingEmail      = errors.New("subscription: checkout carries no subscriber email")
)

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusTrialing  Status = "trialing"
	StatusActive    Status = "active"
	StatusPastDue   Status = "past_due"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no further transitions are accepted.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusExpired
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// PaymentStatus records the outcome of the latest charge.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// Usage is the last computed consumption per metered resource.
type Usage struct {
	Users     int64   `json:"users"`
	Batches   int64   `json:"batches"`
	Devices   int64   `json:"devices"`
	StorageGB float64 `json:"storage_gb"`
}

// Current returns the consumption recorded for r.
func (u Usage) Current(r plans.Resource) float64 {
	switch r {
	case plans.ResourceUsers:
		return float64(u.Users)
	case plans.ResourceBatches:
		return float64(u.Batches)
	case plans.ResourceDevices:
		return float64(u.Devices)
	case plans.ResourceStorage:
		return u.StorageGB
	}
	return 0
}

// Subscription is one billing agreement of a tenant. Historical records are
// retained; at most one non-terminal record per tenant is authoritative.
type Subscription struct {
	ID              string        `json:"id"`
	TenantID        string        `json:"tenant_id"`
	PlanID          string        `json:"plan_id"`
	PlanName        string        `json:"plan_name"`
	Status          Status        `json:"status"`
	PaymentStatus   PaymentStatus `json:"payment_status"`
	CustomerID      string        `json:"customer_id,omitempty"`
	PriceID         string        `json:"price_id,omitempty"`
	ExternalID      string        `json:"external_subscription_id,omitempty"`
	CreatedBy       string        `json:"created_by,omitempty"`
	PricePerMonth   int64         `json:"price_per_month"`
	Currency        string        `json:"currency"`
	Features        plans.Quotas  `json:"features"`
	Usage           Usage         `json:"current_usage"`
	UsageUpdatedAt  *time.Time    `json:"usage_updated_at,omitempty"`
	StartDate       time.Time     `json:"start_date"`
	EndDate         *time.Time    `json:"end_date,omitempty"`
	NextPaymentDate *time.Time    `json:"next_payment_date,omitempty"`
	CancelledAt     *time.Time    `json:"cancelled_at,omitempty"`
	SupersededBy    string        `json:"superseded_by,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	DeletedAt       *time.Time    `json:"deleted_at,omitempty"`
}

// Patch carries optional field updates applied together with a status change.
type Patch struct {
	PaymentStatus   *PaymentStatus
	EndDate         *time.Time
	NextPaymentDate *time.Time
	CancelledAt     *time.Time
	SupersededBy    *string
	Plan            *plans.Plan
}

func (p Patch) apply(s *Subscription) {
	if p.PaymentStatus != nil {
		s.PaymentStatus = *p.PaymentStatus
	}
	if p.EndDate != nil {
		t := *p.EndDate
		s.EndDate = &t
	}
	if p.NextPaymentDate != nil {
		t := *p.NextPaymentDate
		s.NextPaymentDate = &t
	}
	if p.CancelledAt != nil {
		t := *p.CancelledAt
		s.CancelledAt = &t
	}
	if p.SupersededBy != nil {
		s.SupersededBy = *p.SupersededBy
	}
	if p.Plan != nil {
		s.PlanID = p.Plan.ID
		s.PlanName = p.Plan.Name
		s.PriceID = p.Plan.PriceID
		s.PricePerMonth = p.Plan.PricePerMonth
		s.Currency = p.Plan.Currency
		s.Features = p.Plan.Quotas
	}
}

// Summary aggregates subscriptions visible to a scope.
type Summary struct {
	TotalSubscriptions int            `json:"total_subscriptions"`
	TotalRevenue       int64          `json:"total_revenue"`
	Active             int            `json:"active"`
	Trialing           int            `json:"trialing"`
	PastDue            int            `json:"past_due"`
	Cancelled          int            `json:"cancelled"`
	Expired            int            `json:"expired"`
	PlansDistribution  map[string]int `json:"plans_distribution"`
}

func (s *Summary) add(sub *Subscription) {
	s.TotalSubscriptions++
	s.TotalRevenue += sub.PricePerMonth
	switch sub.Status {
	case StatusActive:
		s.Active++
	case StatusTrialing:
		s.Trialing++
	case StatusPastDue:
		s.PastDue++
	case StatusCancelled:
		s.Cancelled++
	case StatusExpired:
		s.Expired++
	}
	if s.PlansDistribution == nil {
		s.PlansDistribution = make(map[string]int)
	}
	s.PlansDistribution[sub.PlanID]++
}
