package billing

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"

	"github.com/grainhero/accesscore/internal/circuitbreaker"
	"github.com/grainhero/accesscore/internal/retry"
)

type fakeSessions struct {
	calls   int
	errs    []error
	session *stripe.CheckoutSession
	expand  []*string
}

func (f *fakeSessions) Get(_ string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.calls++
	f.expand = params.Expand
	if f.calls <= len(f.errs) {
		return nil, f.errs[f.calls-1]
	}
	return f.session, nil
}

type fakeCustomers struct {
	calls int
	err   error
	email string
}

func (f *fakeCustomers) Get(id string, _ *stripe.CustomerParams) (*stripe.Customer, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &stripe.Customer{ID: id, Email: f.email}, nil
}

var quick = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}

func stripeErr(status int) error {
	return &stripe.Error{HTTPStatusCode: status, Msg: http.StatusText(status)}
}

func TestCheckoutPriceID(t *testing.T) {
	sessions := &fakeSessions{session: &stripe.CheckoutSession{
		LineItems: &stripe.LineItemList{Data: []*stripe.LineItem{
			{Price: &stripe.Price{ID: "price_grain_starter_monthly"}},
		}},
	}}
	g := newGateway(sessions, &fakeCustomers{}, time.Second).WithRetryPolicy(quick)

	price, err := g.CheckoutPriceID(context.Background(), "cs_1")
	require.NoError(t, err)
	assert.Equal(t, "price_grain_starter_monthly", price)
	require.Len(t, sessions.expand, 1)
	assert.Equal(t, "line_items", *sessions.expand[0])
}

func TestCheckoutPriceID_RetriesTransient(t *testing.T) {
	sessions := &fakeSessions{
		errs: []error{stripeErr(http.StatusServiceUnavailable), stripeErr(http.StatusTooManyRequests)},
		session: &stripe.CheckoutSession{LineItems: &stripe.LineItemList{Data: []*stripe.LineItem{
			{Price: &stripe.Price{ID: "price_x"}},
		}}},
	}
	g := newGateway(sessions, &fakeCustomers{}, time.Second).WithRetryPolicy(quick)

	price, err := g.CheckoutPriceID(context.Background(), "cs_1")
	require.NoError(t, err)
	assert.Equal(t, "price_x", price)
	assert.Equal(t, 3, sessions.calls)
}

func TestCheckoutPriceID_NoLineItemsIsRejected(t *testing.T) {
	sessions := &fakeSessions{session: &stripe.CheckoutSession{}}
	g := newGateway(sessions, &fakeCustomers{}, time.Second).WithRetryPolicy(quick)

	_, err := g.CheckoutPriceID(context.Background(), "cs_1")
	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorIs(t, err, ErrNoLineItems)
	assert.False(t, IsTransient(err))
	assert.Equal(t, 1, sessions.calls)
}

func TestCustomerEmail_Classification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		calls     int
	}{
		{"not found", stripeErr(http.StatusNotFound), false, 1},
		{"server error", stripeErr(http.StatusBadGateway), true, 3},
		{"rate limited", stripeErr(http.StatusTooManyRequests), true, 3},
		{"timeout", context.DeadlineExceeded, true, 3},
		{"network", errors.New("dial tcp: connection refused"), true, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			customers := &fakeCustomers{err: tt.err}
			g := newGateway(&fakeSessions{}, customers, time.Second).WithRetryPolicy(quick)

			_, err := g.CustomerEmail(context.Background(), "cus_1")
			require.Error(t, err)
			assert.Equal(t, tt.transient, IsTransient(err))
			assert.Equal(t, tt.calls, customers.calls)
		})
	}
}

func TestCustomerEmail_BreakerOpens(t *testing.T) {
	customers := &fakeCustomers{err: stripeErr(http.StatusInternalServerError)}
	g := newGateway(&fakeSessions{}, customers, time.Second).
		WithRetryPolicy(retry.Policy{Attempts: 1}).
		WithBreaker(circuitbreaker.New(2, time.Hour))

	for i := 0; i < 2; i++ {
		_, err := g.CustomerEmail(context.Background(), "cus_1")
		assert.True(t, IsTransient(err))
	}
	_, err := g.CustomerEmail(context.Background(), "cus_1")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 2, customers.calls)
}

func TestCustomerEmail(t *testing.T) {
	g := newGateway(&fakeSessions{}, &fakeCustomers{email: "admin@northfarm.com"}, time.Second)
	email, err := g.CustomerEmail(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "admin@northfarm.com", email)
}

func TestDisabledGateway(t *testing.T) {
	_, err := DisabledGateway{}.CustomerEmail(context.Background(), "cus_1")
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.False(t, IsTransient(err))
}
