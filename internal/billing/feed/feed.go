// Package feed publishes a record for every projection change so the UI layer
// can refresh without polling provider state.
package feed

import (
	"context"
	"slices"
	"time"

	"github.com/chatdesk/billingsync/internal/billing/entitlements"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

// ChangeType is the record type for projection changes.
const ChangeType = "entitlement.changed"

// Change describes one content change of a subscription projection.
type Change struct {
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	TenantID        string    `json:"tenantId"`
	SubscriptionID  string    `json:"subscriptionId"`
	Created         bool      `json:"created"`
	PreviousStatus  string    `json:"previousStatus,omitempty"`
	Status          string    `json:"status"`
	PlanID          string    `json:"planId,omitempty"`
	PriceIDs        []string  `json:"priceIds"`
	SourceEventID   string    `json:"sourceEventId,omitempty"`
	SourceEventType string    `json:"sourceEventType,omitempty"`
	OccurredAt      time.Time `json:"occurredAt"`
}

// NewChange builds the record for a merge that changed the projection.
func NewChange(res entitlements.MergeResult, eventID, eventType string) Change {
	c := Change{
		ID:              ulid.Make().String(),
		Type:            ChangeType,
		Created:         res.Created(),
		SourceEventID:   eventID,
		SourceEventType: eventType,
		OccurredAt:      time.Now().UTC(),
		PriceIDs:        []string{},
	}
	if cur := res.Current; cur != nil {
		c.TenantID = cur.UserID
		c.SubscriptionID = cur.ID
		c.Status = cur.Status
		c.PlanID = cur.PlanID
		c.PriceIDs = slices.Clone(cur.PriceIDs)
	}
	if res.Previous != nil {
		c.PreviousStatus = res.Previous.Status
	}
	return c
}

// Publisher delivers change records.
type Publisher interface {
	Publish(ctx context.Context, c Change) error
	Close() error
}

// LogPublisher writes change records to the structured log. It is used when
// no broker is configured.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, c Change) error {
	log.Info().
		Str("change_id", c.ID).
		Str("tenant_id", c.TenantID).
		Str("subscription_id", c.SubscriptionID).
		Str("previous_status", c.PreviousStatus).
		Str("status", c.Status).
		Str("plan_id", c.PlanID).
		Strs("price_ids", c.PriceIDs).
		Str("source_event_type", c.SourceEventType).
		Msg("Entitlement changed")
	return nil
}

func (LogPublisher) Close() error { return nil }
