// Package billing performs the reverse lookups webhook handling needs
// against the Stripe API: the price bought in a checkout session and the
// email of a customer.
package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/grainhero/accesscore/internal/circuitbreaker"
	"github.com/grainhero/accesscore/internal/metrics"
	"github.com/grainhero/accesscore/internal/retry"
)

// Errors
var (
	// ErrUnavailable marks failures worth redelivering: timeouts, 5xx, 429,
	// network errors and an open circuit.
	ErrUnavailable = errors.New("billing: gateway unavailable")
	// ErrRejected marks lookups that will never succeed, such as a 404.
	ErrRejected = errors.New("billing: lookup rejected")
	// ErrNotConfigured is returned when no API key was provided.
	ErrNotConfigured = errors.New("billing: stripe secret key not configured")
	// ErrNoLineItems is returned for a checkout session without a priced item.
	ErrNoLineItems = errors.New("billing: checkout session has no priced line item")
)

// Gateway resolves the data a webhook payload may omit.
type Gateway interface {
	CheckoutPriceID(ctx context.Context, sessionID string) (string, error)
	CustomerEmail(ctx context.Context, customerID string) (string, error)
}

// IsTransient reports whether err should defer the webhook acknowledgment.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

type sessionFetcher interface {
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type customerFetcher interface {
	Get(id string, params *stripe.CustomerParams) (*stripe.Customer, error)
}

const breakerKey = "stripe"

// StripeGateway calls the Stripe API with a per-call timeout, bounded
// retries and a circuit breaker.
type StripeGateway struct {
	sessions  sessionFetcher
	customers customerFetcher
	timeout   time.Duration
	policy    retry.Policy
	breaker   *circuitbreaker.Breaker
}

// NewStripeGateway creates a gateway using the given secret key.
func NewStripeGateway(secretKey string, timeout time.Duration) *StripeGateway {
	sc := &client.API{}
	sc.Init(secretKey, nil)
	return newGateway(sc.CheckoutSessions, sc.Customers, timeout)
}

func newGateway(sessions sessionFetcher, customers customerFetcher, timeout time.Duration) *StripeGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &StripeGateway{
		sessions:  sessions,
		customers: customers,
		timeout:   timeout,
		policy:    retry.DefaultPolicy,
		breaker:   circuitbreaker.New(5, 30*time.Second),
	}
}

// WithRetryPolicy overrides the retry policy.
func (g *StripeGateway) WithRetryPolicy(p retry.Policy) *StripeGateway {
	g.policy = p
	return g
}

// WithBreaker overrides the circuit breaker.
func (g *StripeGateway) WithBreaker(b *circuitbreaker.Breaker) *StripeGateway {
	g.breaker = b
	return g
}

// BreakerState reports the circuit breaker state guarding Stripe calls.
func (g *StripeGateway) BreakerState() string {
	return g.breaker.State(breakerKey).String()
}

// CheckoutPriceID returns the price of the first priced line item.
func (g *StripeGateway) CheckoutPriceID(ctx context.Context, sessionID string) (string, error) {
	var priceID string
	err := g.call(ctx, "checkout_session", func(ctx context.Context) error {
		params := &stripe.CheckoutSessionParams{}
		params.Context = ctx
		params.AddExpand("line_items")
		s, err := g.sessions.Get(sessionID, params)
		if err != nil {
			return err
		}
		if s.LineItems != nil {
			for _, item := range s.LineItems.Data {
				if item != nil && item.Price != nil && item.Price.ID != "" {
					priceID = item.Price.ID
					return nil
				}
			}
		}
		return retry.Permanent(fmt.Errorf("%w: session %s", ErrNoLineItems, sessionID))
	})
	return priceID, err
}

// CustomerEmail returns the email on file for a customer.
func (g *StripeGateway) CustomerEmail(ctx context.Context, customerID string) (string, error) {
	var email string
	err := g.call(ctx, "customer", func(ctx context.Context) error {
		params := &stripe.CustomerParams{}
		params.Context = ctx
		c, err := g.customers.Get(customerID, params)
		if err != nil {
			return err
		}
		email = c.Email
		return nil
	})
	return email, err
}

func (g *StripeGateway) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	defer func() {
		metrics.GatewayCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	err := g.breaker.Execute(breakerKey, isTransientCause, func() error {
		return retry.Do(ctx, g.policy, func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, g.timeout)
			defer cancel()
			err := fn(ctx)
			if err != nil && !retry.IsPermanent(err) && !isTransientCause(err) {
				return retry.Permanent(err)
			}
			return err
		})
	})
	err = classify(err)
	metrics.GatewayCallsTotal.WithLabelValues(op, result(err)).Inc()
	return err
}

// classify wraps err with ErrUnavailable or ErrRejected.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, circuitbreaker.ErrOpen), isTransientCause(err):
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	default:
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
}

func isTransientCause(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		return se.HTTPStatusCode >= http.StatusInternalServerError ||
			se.HTTPStatusCode == http.StatusTooManyRequests ||
			se.HTTPStatusCode == 0
	}
	// Errors without a Stripe status come from the transport.
	return !errors.Is(err, ErrNoLineItems)
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsTransient(err):
		return "transient"
	default:
		return "rejected"
	}
}

// DisabledGateway rejects every lookup. Used when no API key is configured,
// so events that need a lookup fail permanently instead of retrying forever.
type DisabledGateway struct{}

func (DisabledGateway) CheckoutPriceID(context.Context, string) (string, error) {
	return "", fmt.Errorf("%w: %w", ErrRejected, ErrNotConfigured)
}

func (DisabledGateway) CustomerEmail(context.Context, string) (string, error) {
	return "", fmt.Errorf("%w: %w", ErrRejected, ErrNotConfigured)
}

var (
	_ Gateway = (*StripeGateway)(nil)
	_ Gateway = DisabledGateway{}
)
