package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	postmarkEndpoint       = "https://api.postmarkapp.com/email"
	defaultMessageStream   = "outbound"
	defaultPostmarkTimeout = 10 * time.Second
)

// NoticeKind identifies a billing notice. It doubles as the delivery tag so
// notices can be filtered in the email provider's activity log.
type NoticeKind string

const (
	NoticeSubscriptionCanceled NoticeKind = "subscription-canceled"
)

// Notice is one rendered billing email addressed to a tenant owner.
type Notice struct {
	Kind           NoticeKind
	TenantID       string
	SubscriptionID string
	From           string
	To             string
	Subject        string
	HTML           string
	Text           string
}

// Sender delivers billing notices and returns the provider's message ID.
type Sender interface {
	Deliver(ctx context.Context, n Notice) (string, error)
}

// PostmarkConfig configures a PostmarkSender.
type PostmarkConfig struct {
	ServerToken   string
	MessageStream string        // default "outbound"
	Endpoint      string        // default Postmark's /email endpoint
	Timeout       time.Duration // default 10s
}

// PostmarkSender delivers notices through the Postmark HTTP API.
type PostmarkSender struct {
	serverToken string
	stream      string
	endpoint    string
	httpClient  *http.Client
}

// NewPostmarkSender returns a sender for the given server token and stream.
func NewPostmarkSender(cfg PostmarkConfig) *PostmarkSender {
	s := &PostmarkSender{
		serverToken: strings.TrimSpace(cfg.ServerToken),
		stream:      strings.TrimSpace(cfg.MessageStream),
		endpoint:    strings.TrimSpace(cfg.Endpoint),
		httpClient:  &http.Client{Timeout: cfg.Timeout},
	}
	if s.stream == "" {
		s.stream = defaultMessageStream
	}
	if s.endpoint == "" {
		s.endpoint = postmarkEndpoint
	}
	if cfg.Timeout <= 0 {
		s.httpClient.Timeout = defaultPostmarkTimeout
	}
	return s
}

type postmarkEmail struct {
	From          string            `json:"From"`
	To            string            `json:"To"`
	Subject       string            `json:"Subject"`
	HtmlBody      string            `json:"HtmlBody,omitempty"`
	TextBody      string            `json:"TextBody,omitempty"`
	Tag           string            `json:"Tag,omitempty"`
	MessageStream string            `json:"MessageStream"`
	Metadata      map[string]string `json:"Metadata,omitempty"`
}

type postmarkReply struct {
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
	MessageID string `json:"MessageID"`
}

// PostmarkError is a rejected delivery.
type PostmarkError struct {
	StatusCode int
	ErrorCode  int
	Message    string
}

func (e *PostmarkError) Error() string {
	return fmt.Sprintf("postmark rejected notice (HTTP %d): code=%d message=%s", e.StatusCode, e.ErrorCode, e.Message)
}

// Retryable reports whether redelivering the same notice may succeed.
func (e *PostmarkError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// Deliver posts the notice. Tenant and subscription IDs travel as message
// metadata for support lookups.
func (p *PostmarkSender) Deliver(ctx context.Context, n Notice) (string, error) {
	email := postmarkEmail{
		From:          n.From,
		To:            n.To,
		Subject:       n.Subject,
		HtmlBody:      n.HTML,
		TextBody:      n.Text,
		Tag:           string(n.Kind),
		MessageStream: p.stream,
	}
	if n.TenantID != "" || n.SubscriptionID != "" {
		email.Metadata = map[string]string{"tenant_id": n.TenantID, "subscription_id": n.SubscriptionID}
	}
	body, err := json.Marshal(email)
	if err != nil {
		return "", fmt.Errorf("encode notice: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build postmark request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", p.serverToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("deliver %s notice: %w", n.Kind, err)
	}
	defer resp.Body.Close()

	var reply postmarkReply
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&reply)
	if resp.StatusCode != http.StatusOK || reply.ErrorCode != 0 {
		return "", &PostmarkError{StatusCode: resp.StatusCode, ErrorCode: reply.ErrorCode, Message: reply.Message}
	}
	return reply.MessageID, nil
}

// LogSender logs notices instead of delivering them.
type LogSender struct{}

func (LogSender) Deliver(_ context.Context, n Notice) (string, error) {
	log.Info().
		Str("kind", string(n.Kind)).
		Str("tenant_id", n.TenantID).
		Str("subscription_id", n.SubscriptionID).
		Str("to", n.To).
		Msg("Billing notice not delivered (no email provider configured)")
	return "", nil
}
