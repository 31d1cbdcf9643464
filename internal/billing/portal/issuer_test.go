package portal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/chatdesk/billingsync/internal/billing/entitlements"
	"github.com/chatdesk/billingsync/internal/billing/provider"
	billingerrors "github.com/chatdesk/billingsync/internal/errors"
)

func newTestIssuer(t *testing.T) (*Issuer, *entitlements.Store, *provider.FakeProvider) {
	t.Helper()
	store, err := entitlements.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	fake := provider.NewFakeProvider("whsec_test")
	return NewIssuer(store, fake, "https://app.example.com"), store, fake
}

func TestIssuePortalLinkSelfHealsMissingCustomer(t *testing.T) {
	ctx := context.Background()
	issuer, store, fake := newTestIssuer(t)
	if err := store.CreateAccount(ctx, &entitlements.Account{ID: "T2", Email: "billing@t2.example.com"}); err != nil {
		t.Fatal(err)
	}
	fake.AddCustomer(provider.Customer{ID: "cus_t2", Email: "billing@t2.example.com"})

	link, err := issuer.IssuePortalLink(ctx, "T2")
	if err != nil {
		t.Fatalf("first IssuePortalLink: %v", err)
	}
	if link.URL == "" {
		t.Fatal("expected portal URL")
	}

	account, err := store.GetAccount(ctx, "T2")
	if err != nil {
		t.Fatal(err)
	}
	if account.ProviderCustomerID != "cus_t2" {
		t.Fatalf("persisted customer = %q, want cus_t2", account.ProviderCustomerID)
	}

	if _, err := issuer.IssuePortalLink(ctx, "T2"); err != nil {
		t.Fatalf("second IssuePortalLink: %v", err)
	}
	if got := fake.Calls(provider.OpFindCustomer); got != 1 {
		t.Fatalf("email searches = %d, want 1", got)
	}
	if got := fake.PortalCustomers(); len(got) != 2 || got[0] != "cus_t2" || got[1] != "cus_t2" {
		t.Fatalf("portal customers = %v", got)
	}
}

func TestIssuePortalLinkUsesStoredCustomer(t *testing.T) {
	ctx := context.Background()
	issuer, store, fake := newTestIssuer(t)
	if err := store.CreateAccount(ctx, &entitlements.Account{ID: "T1", Email: "a@example.com", ProviderCustomerID: "cus_1"}); err != nil {
		t.Fatal(err)
	}

	if _, err := issuer.IssuePortalLink(ctx, "T1"); err != nil {
		t.Fatalf("IssuePortalLink: %v", err)
	}
	if got := fake.Calls(provider.OpFindCustomer); got != 0 {
		t.Fatalf("email searches = %d, want 0", got)
	}
}

func TestIssuePortalLinkErrors(t *testing.T) {
	ctx := context.Background()
	issuer, store, _ := newTestIssuer(t)
	if err := store.CreateAccount(ctx, &entitlements.Account{ID: "T3", Email: "nobody@example.com"}); err != nil {
		t.Fatal(err)
	}

	_, err := issuer.IssuePortalLink(ctx, "T3")
	if !billingerrors.IsKind(err, billingerrors.KindPrecondition) {
		t.Fatalf("err = %v, want precondition failure", err)
	}
	if status := billingerrors.HTTPStatus(err); status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}

	_, err = issuer.IssuePortalLink(ctx, "ghost")
	if !billingerrors.IsKind(err, billingerrors.KindNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}

	_, err = issuer.IssuePortalLink(ctx, " ")
	if !billingerrors.IsKind(err, billingerrors.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestHandleIssuePortalLink(t *testing.T) {
	ctx := context.Background()
	issuer, store, _ := newTestIssuer(t)
	if err := store.CreateAccount(ctx, &entitlements.Account{ID: "T1", Email: "a@example.com", ProviderCustomerID: "cus_1"}); err != nil {
		t.Fatal(err)
	}
	h := HandleIssuePortalLink(issuer)

	req := httptest.NewRequest(http.MethodPost, "/api/billing/portal", strings.NewReader(`{"tenantId":"T1"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rec.Code, rec.Body.String())
	}
	var body Link
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(body.URL, "https://") {
		t.Fatalf("url = %q", body.URL)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/billing/portal", strings.NewReader(`{"tenantId":"ghost"}`))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
