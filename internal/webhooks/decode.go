package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81"

	"github.com/grainhero/accesscore/internal/billing"
	"github.com/grainhero/accesscore/internal/subscription"
)

// Handled event types.
const (
	TypeCheckoutCompleted   = "checkout.session.completed"
	TypeSubscriptionDeleted = "customer.subscription.deleted"
	TypeSubscriptionUpdated = "customer.subscription.updated"
	TypePaymentFailed       = "invoice.payment_failed"
	TypePaymentSucceeded    = "invoice.payment_succeeded"
	TypeInvoicePaid         = "invoice.paid"
	TypeCustomerDeleted     = "customer.deleted"
)

// ref is an id field that may arrive either bare or expanded into an object.
type ref string

func (r *ref) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*r = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = ref(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*r = ref(obj.ID)
	return nil
}

type priceRef struct {
	ID string `json:"id"`
}

type checkoutSession struct {
	ID              string `json:"id"`
	Customer        ref    `json:"customer"`
	CustomerEmail   string `json:"customer_email"`
	Subscription    ref    `json:"subscription"`
	CustomerDetails *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	LineItems *struct {
		Data []struct {
			Price *priceRef `json:"price"`
		} `json:"data"`
	} `json:"line_items"`
}

type subscriptionObject struct {
	ID               string `json:"id"`
	Customer         ref    `json:"customer"`
	Status           string `json:"status"`
	CurrentPeriodEnd int64  `json:"current_period_end"`
	Items            struct {
		Data []struct {
			Price            *priceRef `json:"price"`
			CurrentPeriodEnd int64     `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

func (s *subscriptionObject) priceID() string {
	if len(s.Items.Data) == 0 || s.Items.Data[0].Price == nil {
		return ""
	}
	return s.Items.Data[0].Price.ID
}

type invoiceObject struct {
	ID           string `json:"id"`
	Customer     ref    `json:"customer"`
	Subscription ref    `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription ref `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

type customerObject struct {
	ID string `json:"id"`
}

// Decoder turns a verified event into a subscription intent, consulting the
// payment gateway for fields the payload omits.
type Decoder struct {
	gateway billing.Gateway
}

// NewDecoder creates a decoder backed by gw.
func NewDecoder(gw billing.Gateway) *Decoder {
	return &Decoder{gateway: gw}
}

// Decode returns the intent for ev, or nil for an event type this service
// does not act on. Malformed payloads return ErrUndecodable; gateway
// failures are returned as-is so callers can classify them.
func (d *Decoder) Decode(ctx context.Context, ev *stripe.Event) (subscription.Intent, error) {
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: event has no data object", ErrUndecodable)
	}
	raw := ev.Data.Raw

	switch string(ev.Type) {
	case TypeCheckoutCompleted:
		var s checkoutSession
		if err := unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return d.checkout(ctx, &s)

	case TypeSubscriptionDeleted:
		var s subscriptionObject
		if err := unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return subscription.SubscriptionCancelled{
			CustomerID:             string(s.Customer),
			ExternalSubscriptionID: s.ID,
			PriceID:                s.priceID(),
		}, nil

	case TypeSubscriptionUpdated:
		var s subscriptionObject
		if err := unmarshal(raw, &s); err != nil {
			return nil, err
		}
		in := subscription.SubscriptionUpdated{
			CustomerID:             string(s.Customer),
			ExternalSubscriptionID: s.ID,
			Status:                 s.Status,
			PeriodEnd:              unixTime(s.CurrentPeriodEnd),
		}
		in.PriceID = s.priceID()
		if in.PeriodEnd.IsZero() && len(s.Items.Data) > 0 {
			in.PeriodEnd = unixTime(s.Items.Data[0].CurrentPeriodEnd)
		}
		return in, nil

	case TypePaymentFailed:
		var inv invoiceObject
		if err := unmarshal(raw, &inv); err != nil {
			return nil, err
		}
		return subscription.PaymentFailed{
			CustomerID:             string(inv.Customer),
			ExternalSubscriptionID: inv.subscriptionID(),
		}, nil

	case TypePaymentSucceeded, TypeInvoicePaid:
		var inv invoiceObject
		if err := unmarshal(raw, &inv); err != nil {
			return nil, err
		}
		in := subscription.PaymentSucceeded{
			CustomerID:             string(inv.Customer),
			ExternalSubscriptionID: inv.subscriptionID(),
		}
		if len(inv.Lines.Data) > 0 {
			in.PeriodEnd = unixTime(inv.Lines.Data[0].Period.End)
		}
		return in, nil

	case TypeCustomerDeleted:
		var c customerObject
		if err := unmarshal(raw, &c); err != nil {
			return nil, err
		}
		if c.ID == "" {
			return nil, fmt.Errorf("%w: customer has no id", ErrUndecodable)
		}
		return subscription.CustomerDeleted{CustomerID: c.ID}, nil
	}
	return nil, nil
}

func (d *Decoder) checkout(ctx context.Context, s *checkoutSession) (subscription.Intent, error) {
	if s.Customer == "" {
		return nil, fmt.Errorf("%w: checkout session %s has no customer", ErrUndecodable, s.ID)
	}
	in := subscription.CheckoutCompleted{
		CustomerID:             string(s.Customer),
		ExternalSubscriptionID: string(s.Subscription),
	}

	switch {
	case s.CustomerDetails != nil && s.CustomerDetails.Email != "":
		in.Email = s.CustomerDetails.Email
	case s.CustomerEmail != "":
		in.Email = s.CustomerEmail
	default:
		email, err := d.gateway.CustomerEmail(ctx, in.CustomerID)
		if err != nil {
			return nil, err
		}
		in.Email = email
	}

	if s.LineItems != nil {
		for _, item := range s.LineItems.Data {
			if item.Price != nil && item.Price.ID != "" {
				in.PriceID = item.Price.ID
				break
			}
		}
	}
	if in.PriceID == "" {
		price, err := d.gateway.CheckoutPriceID(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		in.PriceID = price
	}
	return in, nil
}

func (inv *invoiceObject) subscriptionID() string {
	if inv.Subscription != "" {
		return string(inv.Subscription)
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		return string(inv.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

func unmarshal(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %w", ErrUndecodable, err)
	}
	return nil
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
