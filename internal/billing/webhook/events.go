package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chatdesk/billingsync/internal/billing/provider"
	billingerrors "github.com/chatdesk/billingsync/internal/errors"
)

// Provider event types the reconciler acts on.
const (
	TypeCheckoutCompleted       = "checkout.session.completed"
	TypeSubscriptionUpdated     = "customer.subscription.updated"
	TypeSubscriptionDeleted     = "customer.subscription.deleted"
	TypeInvoicePaymentSucceeded = "invoice.payment_succeeded"
)

// Event is the closed set of deliveries the reconciler understands. Every
// variant is declared in this file.
type Event interface {
	EventID() string
	EventType() string
	sealed()
}

type envelope struct {
	ID   string
	Type string
}

func (e envelope) EventID() string   { return e.ID }
func (e envelope) EventType() string { return e.Type }
func (envelope) sealed() {}

// CheckoutCompleted is a finished hosted checkout.
type CheckoutCompleted struct {
	envelope
	SessionID      string
	CustomerID     string
	SubscriptionID string
	Metadata       map[string]string
}

// SubscriptionUpdated carries the provider's current view of a subscription.
type SubscriptionUpdated struct {
	envelope
	Subscription SubscriptionObject
}

// SubscriptionDeleted reports a subscription that has ended.
type SubscriptionDeleted struct {
	envelope
	Subscription SubscriptionObject
}

// InvoicePaymentSucceeded reports a paid invoice. SubscriptionID is empty for
// one-off invoices.
type InvoicePaymentSucceeded struct {
	envelope
	InvoiceID      string
	SubscriptionID string
}

// Other is any event type the reconciler does not act on.
type Other struct {
	envelope
}

// SubscriptionObject is the subset of a subscription payload the reconciler
// reads. Pointer and nil-able fields are nil when absent from the payload.
type SubscriptionObject struct {
	ID                string
	CustomerID        string
	Status            *string
	Metadata          map[string]string
	Items             []ItemObject // nil when the payload carried no items list
	CurrentPeriodEnd  *time.Time
	Created           *time.Time
	CancelAtPeriodEnd *bool
}

// ItemObject is one subscription line item as delivered in a payload.
type ItemObject struct {
	ID               string
	PriceID          string
	PriceMetadata    map[string]string
	Quantity         int64
	CurrentPeriodEnd *time.Time
}

// expandableID accepts either a bare ID or an expanded object with an id.
type expandableID string

func (e *expandableID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*e = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = expandableID(strings.TrimSpace(s))
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandableID(strings.TrimSpace(obj.ID))
	return nil
}

type checkoutSessionPayload struct {
	ID           string            `json:"id"`
	Customer     expandableID      `json:"customer"`
	Subscription expandableID      `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

type subscriptionPayload struct {
	ID                string            `json:"id"`
	Customer          expandableID      `json:"customer"`
	Status            *string           `json:"status"`
	Metadata          map[string]string `json:"metadata"`
	CurrentPeriodEnd  *int64            `json:"current_period_end"`
	Created           *int64            `json:"created"`
	CancelAtPeriodEnd *bool             `json:"cancel_at_period_end"`
	Items             *struct {
		Data []struct {
			ID    string `json:"id"`
			Price *struct {
				ID       string            `json:"id"`
				Metadata map[string]string `json:"metadata"`
			} `json:"price"`
			Quantity         int64  `json:"quantity"`
			CurrentPeriodEnd *int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

type invoicePayload struct {
	ID           string       `json:"id"`
	Subscription expandableID `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// Decode maps a verified provider event onto its variant. Malformed objects
// are validation errors.
func Decode(ev *provider.Event) (Event, error) {
	const op = "decode_event"
	env := envelope{ID: ev.ID, Type: ev.Type}

	switch ev.Type {
	case TypeCheckoutCompleted:
		var p checkoutSessionPayload
		if err := unmarshalObject(ev.Raw, &p); err != nil {
			return nil, billingerrors.Validation(op, "malformed %s object: %v", ev.Type, err)
		}
		return CheckoutCompleted{
			envelope:       env,
			SessionID:      p.ID,
			CustomerID:     string(p.Customer),
			SubscriptionID: string(p.Subscription),
			Metadata:       p.Metadata,
		}, nil

	case TypeSubscriptionUpdated, TypeSubscriptionDeleted:
		var p subscriptionPayload
		if err := unmarshalObject(ev.Raw, &p); err != nil {
			return nil, billingerrors.Validation(op, "malformed %s object: %v", ev.Type, err)
		}
		if strings.TrimSpace(p.ID) == "" {
			return nil, billingerrors.Validation(op, "malformed %s object: missing subscription id", ev.Type)
		}
		sub := p.toObject()
		if ev.Type == TypeSubscriptionDeleted {
			return SubscriptionDeleted{envelope: env, Subscription: sub}, nil
		}
		return SubscriptionUpdated{envelope: env, Subscription: sub}, nil

	case TypeInvoicePaymentSucceeded:
		var p invoicePayload
		if err := unmarshalObject(ev.Raw, &p); err != nil {
			return nil, billingerrors.Validation(op, "malformed %s object: %v", ev.Type, err)
		}
		subID := string(p.Subscription)
		if subID == "" && p.Parent != nil && p.Parent.SubscriptionDetails != nil {
			subID = string(p.Parent.SubscriptionDetails.Subscription)
		}
		return InvoicePaymentSucceeded{envelope: env, InvoiceID: p.ID, SubscriptionID: subID}, nil

	default:
		return Other{envelope: env}, nil
	}
}

func unmarshalObject(raw json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("empty object")
	}
	return json.Unmarshal(raw, dst)
}

func (p subscriptionPayload) toObject() SubscriptionObject {
	out := SubscriptionObject{
		ID:                strings.TrimSpace(p.ID),
		CustomerID:        string(p.Customer),
		Status:            p.Status,
		Metadata:          p.Metadata,
		CurrentPeriodEnd:  unixTime(p.CurrentPeriodEnd),
		Created:           unixTime(p.Created),
		CancelAtPeriodEnd: p.CancelAtPeriodEnd,
	}
	if p.Items != nil {
		out.Items = make([]ItemObject, 0, len(p.Items.Data))
		for _, it := range p.Items.Data {
			item := ItemObject{ID: it.ID, Quantity: it.Quantity, CurrentPeriodEnd: unixTime(it.CurrentPeriodEnd)}
			if it.Price != nil {
				item.PriceID = it.Price.ID
				item.PriceMetadata = it.Price.Metadata
			}
			out.Items = append(out.Items, item)
		}
	}
	return out
}

func unixTime(v *int64) *time.Time {
	if v == nil || *v == 0 {
		return nil
	}
	t := time.Unix(*v, 0).UTC()
	return &t
}
