// Package portal issues links to the provider's self-service billing portal.
package portal

import (
	"context"
	"errors"
	"strings"

	"github.com/chatdesk/billingsync/internal/billing/entitlements"
	"github.com/chatdesk/billingsync/internal/billing/metrics"
	"github.com/chatdesk/billingsync/internal/billing/provider"
	billingerrors "github.com/chatdesk/billingsync/internal/errors"
	"github.com/rs/zerolog/log"
)

const op = "issue_portal_link"

// Store is the slice of the entitlement store the issuer needs.
type Store interface {
	GetAccount(ctx context.Context, id string) (*entitlements.Account, error)
	SetProviderCustomerID(ctx context.Context, accountID, customerID string) error
}

// Link is a portal session URL.
type Link struct {
	URL string `json:"url"`
}

// Issuer implements IssuePortalLink.
type Issuer struct {
	store     Store
	provider  provider.Provider
	returnURL string
}

// NewIssuer returns an issuer whose portal sessions return to the dashboard
// billing page under baseURL.
func NewIssuer(store Store, p provider.Provider, baseURL string) *Issuer {
	return &Issuer{
		store:     store,
		provider:  p,
		returnURL: strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/dashboard/billing",
	}
}

// IssuePortalLink returns a portal URL for the tenant's provider customer. A
// tenant without a stored customer is matched by email on the provider; a hit
// is persisted so later calls skip the search.
func (i *Issuer) IssuePortalLink(ctx context.Context, tenantID string) (link *Link, err error) {
	healed := false
	defer func() {
		outcome := "issued"
		if err != nil {
			outcome = "error"
		} else if healed {
			outcome = "self_healed"
		}
		metrics.PortalTotal.WithLabelValues(outcome).Inc()
	}()

	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, billingerrors.Validation(op, "missing required fields: tenantId")
	}

	account, err := i.store.GetAccount(ctx, tenantID)
	if err != nil {
		return nil, billingerrors.Store(op, err)
	}
	if account == nil {
		return nil, billingerrors.NotFound(op, "tenant %s not found", tenantID)
	}

	customerID := account.ProviderCustomerID
	if customerID == "" {
		customerID, err = i.findCustomer(ctx, account)
		if err != nil {
			return nil, err
		}
		healed = true
	}

	session, err := i.provider.CreatePortalSession(ctx, customerID, i.returnURL)
	if err != nil {
		return nil, err
	}
	if session == nil || session.URL == "" {
		return nil, billingerrors.Internal(op, errors.New("provider returned an empty portal session"))
	}
	return &Link{URL: session.URL}, nil
}

func (i *Issuer) findCustomer(ctx context.Context, account *entitlements.Account) (string, error) {
	if strings.TrimSpace(account.Email) == "" {
		return "", billingerrors.PreconditionFailed(op, "no billable customer")
	}
	cust, err := i.provider.FindCustomerByEmail(ctx, account.Email)
	if err != nil {
		return "", err
	}
	if cust == nil {
		return "", billingerrors.PreconditionFailed(op, "no billable customer")
	}
	if err := i.store.SetProviderCustomerID(ctx, account.ID, cust.ID); err != nil {
		return "", billingerrors.Store(op, err)
	}
	log.Info().
		Str("tenant_id", account.ID).
		Str("customer_id", cust.ID).
		Msg("Recovered billing customer by email")
	return cust.ID, nil
}
