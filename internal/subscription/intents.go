package subscription

import "time"

// Intent is a decoded payment event ready to be applied by a Machine.
type Intent interface {
	// Name identifies the intent in logs and metrics.
	Name() string
}

// CheckoutCompleted activates a plan for the tenant of the paying user.
type CheckoutCompleted struct {
	CustomerID             string
	PriceID                string
	Email                  string
	ExternalSubscriptionID string
	PeriodEnd              time.Time // zero when the processor did not report one
}

// SubscriptionCancelled ends a subscription and revokes the user's access.
type SubscriptionCancelled struct {
	CustomerID             string
	ExternalSubscriptionID string
	PriceID                string // optional; labels a record created by the cancellation
}

// PaymentFailed moves a subscription into the past_due grace state.
type PaymentFailed struct {
	CustomerID             string
	ExternalSubscriptionID string
}

// PaymentSucceeded records a renewal charge.
type PaymentSucceeded struct {
	CustomerID             string
	ExternalSubscriptionID string
	PeriodEnd              time.Time
}

// SubscriptionUpdated mirrors a status or price change made at the processor.
type SubscriptionUpdated struct {
	CustomerID             string
	ExternalSubscriptionID string
	Status                 string // processor status, see MapExternalStatus
	PriceID                string
	PeriodEnd              time.Time
}

// CustomerDeleted cancels everything billed to a customer and unlinks it.
type CustomerDeleted struct {
	CustomerID string
}

func (CheckoutCompleted) Name() string     { return "checkout_completed" }
func (SubscriptionCancelled) Name() string { return "subscription_cancelled" }
func (PaymentFailed) Name() string         { return "payment_failed" }
func (PaymentSucceeded) Name() string      { return "payment_succeeded" }
func (SubscriptionUpdated) Name() string   { return "subscription_updated" }
func (CustomerDeleted) Name() string       { return "customer_deleted" }

// MapExternalStatus translates a processor subscription status. The second
// result is false for statuses with no local equivalent (incomplete, paused).
func MapExternalStatus(status string) (Status, bool) {
	switch status {
	case "active":
		return StatusActive, true
	case "trialing":
		return StatusTrialing, true
	case "past_due", "unpaid":
		return StatusPastDue, true
	case "canceled", "cancelled":
		return StatusCancelled, true
	case "incomplete_expired":
		return StatusExpired, true
	}
	return "", false
}
