// Package notify sends tenant-facing billing emails.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/chatdesk/billingsync/internal/billing/entitlements"
	"github.com/rs/zerolog/log"
)

// Lookup resolves the tenant and plan referenced by a projection.
type Lookup interface {
	GetAccount(ctx context.Context, id string) (*entitlements.Account, error)
	GetPlan(ctx context.Context, id string) (*entitlements.Plan, error)
}

// NotifierConfig addresses outgoing notices.
type NotifierConfig struct {
	From    string // sender address
	BaseURL string // app base URL; notices link to its billing page
}

// Notifier sends lifecycle notices for subscription projections.
type Notifier struct {
	sender     Sender
	lookup     Lookup
	from       string
	billingURL string
}

// NewNotifier returns a notifier delivering through sender.
func NewNotifier(sender Sender, lookup Lookup, cfg NotifierConfig) *Notifier {
	return &Notifier{
		sender:     sender,
		lookup:     lookup,
		from:       strings.TrimSpace(cfg.From),
		billingURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/") + "/dashboard/billing",
	}
}

// SubscriptionCanceled tells the tenant owner their subscription ended.
func (n *Notifier) SubscriptionCanceled(ctx context.Context, sub *entitlements.Subscription) error {
	account, err := n.lookup.GetAccount(ctx, sub.UserID)
	if err != nil {
		return fmt.Errorf("load account %s: %w", sub.UserID, err)
	}
	if account == nil || strings.TrimSpace(account.Email) == "" {
		log.Warn().Str("tenant_id", sub.UserID).Msg("No email on file; skipping cancellation notice")
		return nil
	}

	data := CancellationData{BillingURL: n.billingURL}
	if sub.PlanID != "" {
		if plan, err := n.lookup.GetPlan(ctx, sub.PlanID); err == nil && plan != nil {
			data.PlanName = plan.Name
		}
	}
	html, text, err := RenderCancellationEmail(data)
	if err != nil {
		return err
	}

	messageID, err := n.sender.Deliver(ctx, Notice{
		Kind:           NoticeSubscriptionCanceled,
		TenantID:       sub.UserID,
		SubscriptionID: sub.ID,
		From:           n.from,
		To:             account.Email,
		Subject:        "Your subscription has ended",
		HTML:           html,
		Text:           text,
	})
	if err != nil {
		return fmt.Errorf("send cancellation notice: %w", err)
	}
	log.Info().
		Str("tenant_id", sub.UserID).
		Str("subscription_id", sub.ID).
		Str("message_id", messageID).
		Msg("Cancellation notice sent")
	return nil
}
