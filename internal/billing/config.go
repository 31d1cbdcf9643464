package billing

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chatdesk/billingsync/internal/billing/feed"
	"github.com/chatdesk/billingsync/internal/billing/provider"
	"github.com/chatdesk/billingsync/internal/billing/rollup"
	"github.com/chatdesk/billingsync/internal/utils"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the billing service.
type Config struct {
	DataDir             string
	BindAddress         string
	Port                int
	AdminKey            string
	BaseURL             string
	StripeAPIKey        string
	StripeWebhookSecret string
	ProviderTimeout     time.Duration
	LogLevel            string
	LogFormat           string
	KafkaBrokers        []string // empty: change records are logged only
	KafkaTopic          string
	RedisURL            string // empty: rollups are computed on every request
	RollupCacheTTL      time.Duration
	PostmarkServerToken string // empty: emails are logged only
	PostmarkStream      string
	EmailFrom           string
	WebhookRateLimit    int // requests per minute per client IP
	PublicRateLimit     int
}

// EntitlementsDir returns the directory holding the entitlement database.
func (c *Config) EntitlementsDir() string {
	return filepath.Join(c.DataDir, "entitlements")
}

// ListenAddr returns the host:port the HTTP server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// LoadConfig loads configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("BILLING_PORT", 8080)
	if err != nil {
		return nil, err
	}
	timeout, err := utils.GetenvDuration("BILLING_PROVIDER_TIMEOUT", provider.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	cacheTTL, err := utils.GetenvDuration("BILLING_ROLLUP_CACHE_TTL", rollup.DefaultCacheTTL)
	if err != nil {
		return nil, err
	}
	webhookLimit, err := envOrDefaultInt("BILLING_WEBHOOK_RATE_LIMIT", 600)
	if err != nil {
		return nil, err
	}
	publicLimit, err := envOrDefaultInt("BILLING_PUBLIC_RATE_LIMIT", 60)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:             envOrDefault("BILLING_DATA_DIR", "/data"),
		BindAddress:         envOrDefault("BILLING_BIND_ADDRESS", "0.0.0.0"),
		Port:                port,
		AdminKey:            utils.GetenvTrim("BILLING_ADMIN_KEY"),
		BaseURL:             strings.TrimRight(utils.GetenvTrim("BILLING_BASE_URL"), "/"),
		StripeAPIKey:        utils.GetenvTrim("STRIPE_API_KEY"),
		StripeWebhookSecret: utils.GetenvTrim("STRIPE_WEBHOOK_SECRET"),
		ProviderTimeout:     timeout,
		LogLevel:            envOrDefault("BILLING_LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("BILLING_LOG_FORMAT", "auto"),
		KafkaBrokers:        utils.SplitList(os.Getenv("BILLING_KAFKA_BROKERS")),
		KafkaTopic:          envOrDefault("BILLING_KAFKA_TOPIC", feed.DefaultTopic),
		RedisURL:            utils.GetenvTrim("BILLING_REDIS_URL"),
		RollupCacheTTL:      cacheTTL,
		PostmarkServerToken: utils.GetenvTrim("POSTMARK_SERVER_TOKEN"),
		PostmarkStream:      envOrDefault("POSTMARK_MESSAGE_STREAM", "outbound"),
		EmailFrom:           envOrDefault("BILLING_EMAIL_FROM", "billing@chatdesk.app"),
		WebhookRateLimit:    webhookLimit,
		PublicRateLimit:     publicLimit,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate billing config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.AdminKey == "" {
		missing = append(missing, "BILLING_ADMIN_KEY")
	}
	if c.BaseURL == "" {
		missing = append(missing, "BILLING_BASE_URL")
	}
	if c.StripeAPIKey == "" {
		missing = append(missing, "STRIPE_API_KEY")
	}
	if c.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("BILLING_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("BILLING_PROVIDER_TIMEOUT must be positive, got %s", c.ProviderTimeout)
	}
	if c.WebhookRateLimit <= 0 || c.PublicRateLimit <= 0 {
		return fmt.Errorf("rate limits must be greater than 0")
	}

	parsedBaseURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("BILLING_BASE_URL must be a valid URL: %w", err)
	}
	if parsedBaseURL.Scheme != "http" && parsedBaseURL.Scheme != "https" {
		return fmt.Errorf("BILLING_BASE_URL must use http or https scheme")
	}
	if parsedBaseURL.Host == "" {
		return fmt.Errorf("BILLING_BASE_URL must include a host")
	}
	if c.RedisURL != "" {
		if _, err := url.Parse(c.RedisURL); err != nil {
			return fmt.Errorf("BILLING_REDIS_URL must be a valid URL: %w", err)
		}
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}
