package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"

	"github.com/grainhero/accesscore/internal/billing"
	"github.com/grainhero/accesscore/internal/subscription"
)

func stripeEvent(typ, object string) *stripe.Event {
	return &stripe.Event{
		ID:   "evt_decode",
		Type: stripe.EventType(typ),
		Data: &stripe.EventData{Raw: json.RawMessage(object)},
	}
}

func TestDecode(t *testing.T) {
	periodEnd := time.Unix(1767225600, 0).UTC()
	gw := &fakeGateway{price: "price_from_gateway", email: "lookup@farm.com"}
	d := NewDecoder(gw)

	tests := []struct {
		name   string
		typ    string
		object string
		want   subscription.Intent
	}{
		{
			name:   "checkout with line items and details email",
			typ:    TypeCheckoutCompleted,
			object: `{"id":"cs_1","customer":"cus_1","subscription":"sub_1","customer_details":{"email":"a@farm.com"},"line_items":{"data":[{"price":{"id":"price_a"}}]}}`,
			want:   subscription.CheckoutCompleted{CustomerID: "cus_1", PriceID: "price_a", Email: "a@farm.com", ExternalSubscriptionID: "sub_1"},
		},
		{
			name:   "checkout falls back to gateway",
			typ:    TypeCheckoutCompleted,
			object: `{"id":"cs_2","customer":{"id":"cus_2","object":"customer"},"subscription":null}`,
			want:   subscription.CheckoutCompleted{CustomerID: "cus_2", PriceID: "price_from_gateway", Email: "lookup@farm.com"},
		},
		{
			name:   "checkout customer_email",
			typ:    TypeCheckoutCompleted,
			object: `{"id":"cs_3","customer":"cus_3","customer_email":"b@farm.com","line_items":{"data":[{"price":null},{"price":{"id":"price_b"}}]}}`,
			want:   subscription.CheckoutCompleted{CustomerID: "cus_3", PriceID: "price_b", Email: "b@farm.com"},
		},
		{
			name:   "subscription deleted",
			typ:    TypeSubscriptionDeleted,
			object: `{"id":"sub_1","customer":"cus_1","status":"canceled"}`,
			want:   subscription.SubscriptionCancelled{CustomerID: "cus_1", ExternalSubscriptionID: "sub_1"},
		},
		{
			name:   "subscription deleted keeps price",
			typ:    TypeSubscriptionDeleted,
			object: `{"id":"sub_2","customer":"cus_1","status":"canceled","items":{"data":[{"price":{"id":"price_c"}}]}}`,
			want:   subscription.SubscriptionCancelled{CustomerID: "cus_1", ExternalSubscriptionID: "sub_2", PriceID: "price_c"},
		},
		{
			name:   "subscription updated with item period",
			typ:    TypeSubscriptionUpdated,
			object: `{"id":"sub_1","customer":"cus_1","status":"past_due","items":{"data":[{"price":{"id":"price_c"},"current_period_end":1767225600}]}}`,
			want: subscription.SubscriptionUpdated{
				CustomerID: "cus_1", ExternalSubscriptionID: "sub_1", Status: "past_due", PriceID: "price_c", PeriodEnd: periodEnd,
			},
		},
		{
			name:   "payment failed",
			typ:    TypePaymentFailed,
			object: `{"id":"in_1","customer":"cus_1","subscription":"sub_1"}`,
			want:   subscription.PaymentFailed{CustomerID: "cus_1", ExternalSubscriptionID: "sub_1"},
		},
		{
			name:   "invoice paid with parent subscription",
			typ:    TypeInvoicePaid,
			object: `{"id":"in_2","customer":"cus_1","parent":{"subscription_details":{"subscription":"sub_9"}},"lines":{"data":[{"period":{"end":1767225600}}]}}`,
			want:   subscription.PaymentSucceeded{CustomerID: "cus_1", ExternalSubscriptionID: "sub_9", PeriodEnd: periodEnd},
		},
		{
			name:   "customer deleted",
			typ:    TypeCustomerDeleted,
			object: `{"id":"cus_1","object":"customer"}`,
			want:   subscription.CustomerDeleted{CustomerID: "cus_1"},
		},
		{
			name:   "unhandled type",
			typ:    "charge.refunded",
			object: `{"id":"ch_1"}`,
			want:   nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.Decode(context.Background(), stripeEvent(tt.typ, tt.object))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	d := NewDecoder(&fakeGateway{})

	_, err := d.Decode(context.Background(), stripeEvent(TypeSubscriptionDeleted, `{"id":42}`))
	assert.ErrorIs(t, err, ErrUndecodable)

	_, err = d.Decode(context.Background(), &stripe.Event{Type: TypeCheckoutCompleted})
	assert.ErrorIs(t, err, ErrUndecodable)

	_, err = d.Decode(context.Background(), stripeEvent(TypeCheckoutCompleted, `{"id":"cs_1"}`))
	assert.ErrorIs(t, err, ErrUndecodable)

	_, err = d.Decode(context.Background(), stripeEvent(TypeCustomerDeleted, `{}`))
	assert.ErrorIs(t, err, ErrUndecodable)
}

func TestDecode_GatewayErrorsPropagate(t *testing.T) {
	gw := &fakeGateway{email: "a@farm.com", priceErr: fmt.Errorf("%w: 503", billing.ErrUnavailable)}
	d := NewDecoder(gw)

	_, err := d.Decode(context.Background(), stripeEvent(TypeCheckoutCompleted, `{"id":"cs_1","customer":"cus_1"}`))
	assert.True(t, billing.IsTransient(err))
}
