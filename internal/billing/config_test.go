package billing

import (
	"strings"
	"testing"
	"time"

	"github.com/chatdesk/billingsync/internal/billing/feed"
	"github.com/chatdesk/billingsync/internal/billing/provider"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("BILLING_ADMIN_KEY", "test-admin-key")
	t.Setenv("BILLING_BASE_URL", "https://app.example.com/")
	t.Setenv("STRIPE_API_KEY", "sk_test_123")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")
}

func TestLoadConfig_MissingRequired(t *testing.T) {
	t.Setenv("BILLING_ADMIN_KEY", "")
	t.Setenv("BILLING_BASE_URL", "")
	t.Setenv("STRIPE_API_KEY", "")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")

	_, err := LoadConfig()
	if err == nil {
		t.Fatal("LoadConfig() error = nil, want missing variables")
	}
	for _, key := range []string{"BILLING_ADMIN_KEY", "BILLING_BASE_URL", "STRIPE_API_KEY", "STRIPE_WEBHOOK_SECRET"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not mention %s", err, key)
		}
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequiredEnv(t)
	for _, key := range []string{
		"BILLING_PORT", "BILLING_DATA_DIR", "BILLING_BIND_ADDRESS", "BILLING_PROVIDER_TIMEOUT",
		"BILLING_KAFKA_BROKERS", "BILLING_KAFKA_TOPIC", "BILLING_REDIS_URL", "BILLING_ROLLUP_CACHE_TTL",
		"BILLING_WEBHOOK_RATE_LIMIT", "BILLING_PUBLIC_RATE_LIMIT", "POSTMARK_SERVER_TOKEN", "POSTMARK_MESSAGE_STREAM",
	} {
		t.Setenv(key, "")
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != 8080 || cfg.ListenAddr() != "0.0.0.0:8080" {
		t.Fatalf("listen addr = %q", cfg.ListenAddr())
	}
	if cfg.BaseURL != "https://app.example.com" {
		t.Fatalf("BaseURL = %q, want trailing slash trimmed", cfg.BaseURL)
	}
	if cfg.EntitlementsDir() != "/data/entitlements" {
		t.Fatalf("EntitlementsDir = %q", cfg.EntitlementsDir())
	}
	if cfg.ProviderTimeout != provider.DefaultTimeout {
		t.Fatalf("ProviderTimeout = %s", cfg.ProviderTimeout)
	}
	if cfg.KafkaTopic != feed.DefaultTopic || len(cfg.KafkaBrokers) != 0 {
		t.Fatalf("kafka = %v %q", cfg.KafkaBrokers, cfg.KafkaTopic)
	}
	if cfg.PostmarkStream != "outbound" {
		t.Fatalf("PostmarkStream = %q", cfg.PostmarkStream)
	}
	if cfg.WebhookRateLimit != 600 || cfg.PublicRateLimit != 60 {
		t.Fatalf("rate limits = %d/%d", cfg.WebhookRateLimit, cfg.PublicRateLimit)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BILLING_PORT", "9090")
	t.Setenv("BILLING_PROVIDER_TIMEOUT", "3s")
	t.Setenv("BILLING_KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
	t.Setenv("BILLING_REDIS_URL", "redis://localhost:6379/0")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != 9090 || cfg.ProviderTimeout != 3*time.Second {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "kafka-2:9092" {
		t.Fatalf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Fatalf("RedisURL = %q", cfg.RedisURL)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{name: "bad port", key: "BILLING_PORT", value: "http", wantErr: "BILLING_PORT"},
		{name: "port out of range", key: "BILLING_PORT", value: "70000", wantErr: "between 1 and 65535"},
		{name: "base url scheme", key: "BILLING_BASE_URL", value: "ftp://app.example.com", wantErr: "http or https"},
		{name: "base url host", key: "BILLING_BASE_URL", value: "https://", wantErr: "include a host"},
		{name: "zero rate limit", key: "BILLING_PUBLIC_RATE_LIMIT", value: "0", wantErr: "rate limits"},
		{name: "bad timeout", key: "BILLING_PROVIDER_TIMEOUT", value: "soon", wantErr: "BILLING_PROVIDER_TIMEOUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := LoadConfig()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("LoadConfig() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
