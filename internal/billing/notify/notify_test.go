package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/chatdesk/billingsync/internal/billing/entitlements"
)

type recordingSender struct {
	sent []Notice
}

func (r *recordingSender) Deliver(_ context.Context, n Notice) (string, error) {
	r.sent = append(r.sent, n)
	return "msg-" + n.SubscriptionID, nil
}

type staticLookup struct {
	accounts map[string]*entitlements.Account
	plans    map[string]*entitlements.Plan
}

func (s staticLookup) GetAccount(_ context.Context, id string) (*entitlements.Account, error) {
	return s.accounts[id], nil
}

func (s staticLookup) GetPlan(_ context.Context, id string) (*entitlements.Plan, error) {
	return s.plans[id], nil
}

func TestPostmarkSenderDeliver(t *testing.T) {
	var got postmarkEmail
	var token string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token = r.Header.Get("X-Postmark-Server-Token")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ErrorCode":0,"Message":"OK","MessageID":"pm-123"}`))
	}))
	defer srv.Close()

	sender := NewPostmarkSender(PostmarkConfig{ServerToken: "pm-token", Endpoint: srv.URL})
	id, err := sender.Deliver(context.Background(), Notice{
		Kind:           NoticeSubscriptionCanceled,
		TenantID:       "T1",
		SubscriptionID: "sub_1",
		From:           "billing@example.com",
		To:             "owner@example.com",
		Subject:        "Hi",
		Text:           "Hello",
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if id != "pm-123" {
		t.Fatalf("message id = %q, want pm-123", id)
	}
	if token != "pm-token" {
		t.Fatalf("token = %q", token)
	}
	if got.To != "owner@example.com" || got.TextBody != "Hello" || got.Tag != "subscription-canceled" {
		t.Fatalf("unexpected request: %+v", got)
	}
	if got.MessageStream != "outbound" {
		t.Fatalf("stream = %q, want default outbound", got.MessageStream)
	}
	if got.Metadata["tenant_id"] != "T1" || got.Metadata["subscription_id"] != "sub_1" {
		t.Fatalf("metadata = %v", got.Metadata)
	}
}

func TestPostmarkSenderUsesConfiguredStream(t *testing.T) {
	var got postmarkEmail
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"ErrorCode":0,"MessageID":"pm-1"}`))
	}))
	defer srv.Close()

	sender := NewPostmarkSender(PostmarkConfig{ServerToken: "pm-token", MessageStream: "billing-notices", Endpoint: srv.URL})
	if _, err := sender.Deliver(context.Background(), Notice{To: "owner@example.com"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got.MessageStream != "billing-notices" {
		t.Fatalf("stream = %q", got.MessageStream)
	}
	if got.Metadata != nil {
		t.Fatalf("metadata = %v, want none without ids", got.Metadata)
	}
}

func TestPostmarkSenderReportsRejection(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{name: "invalid request", status: http.StatusUnprocessableEntity, body: `{"ErrorCode":300,"Message":"Invalid email request"}`},
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{"ErrorCode":0,"Message":"slow down"}`, retryable: true},
		{name: "server error", status: http.StatusInternalServerError, body: `oops`, retryable: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			sender := NewPostmarkSender(PostmarkConfig{ServerToken: "pm-token", Endpoint: srv.URL})
			_, err := sender.Deliver(context.Background(), Notice{To: "x"})

			var pmErr *PostmarkError
			if !errors.As(err, &pmErr) {
				t.Fatalf("err = %v, want *PostmarkError", err)
			}
			if pmErr.StatusCode != tt.status || pmErr.Retryable() != tt.retryable {
				t.Fatalf("got %+v retryable=%v", pmErr, pmErr.Retryable())
			}
		})
	}
}

func TestNotifierSubscriptionCanceled(t *testing.T) {
	sender := &recordingSender{}
	lookup := staticLookup{
		accounts: map[string]*entitlements.Account{
			"T1": {ID: "T1", Email: "owner@t1.example.com"},
			"T2": {ID: "T2"},
		},
		plans: map[string]*entitlements.Plan{"plan_basic": {ID: "plan_basic", Name: "Basic"}},
	}
	n := NewNotifier(sender, lookup, NotifierConfig{From: "billing@example.com", BaseURL: "https://app.example.com/"})

	if err := n.SubscriptionCanceled(context.Background(), &entitlements.Subscription{ID: "sub_1", UserID: "T1", PlanID: "plan_basic"}); err != nil {
		t.Fatalf("SubscriptionCanceled: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sender.sent))
	}
	msg := sender.sent[0]
	if msg.To != "owner@t1.example.com" || msg.From != "billing@example.com" {
		t.Fatalf("unexpected addressing: %+v", msg)
	}
	if msg.Kind != NoticeSubscriptionCanceled || msg.TenantID != "T1" || msg.SubscriptionID != "sub_1" {
		t.Fatalf("unexpected notice identity: %+v", msg)
	}
	if !strings.Contains(msg.HTML, "Basic") || !strings.Contains(msg.Text, "https://app.example.com/dashboard/billing") {
		t.Fatalf("unexpected body: %s", msg.Text)
	}

	if err := n.SubscriptionCanceled(context.Background(), &entitlements.Subscription{ID: "sub_2", UserID: "T2"}); err != nil {
		t.Fatalf("SubscriptionCanceled without email: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected no message for tenant without email")
	}
}

func TestLogSender(t *testing.T) {
	id, err := (LogSender{}).Deliver(context.Background(), Notice{Kind: NoticeSubscriptionCanceled, To: "a@example.com"})
	if err != nil || id != "" {
		t.Fatalf("Deliver = %q, %v", id, err)
	}
}
