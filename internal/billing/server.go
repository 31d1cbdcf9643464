package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chatdesk/billingsync/internal/billing/entitlements"
	"github.com/chatdesk/billingsync/internal/billing/feed"
	"github.com/chatdesk/billingsync/internal/billing/notify"
	"github.com/chatdesk/billingsync/internal/billing/provider"
	"github.com/chatdesk/billingsync/internal/billing/rollup"
	"github.com/chatdesk/billingsync/internal/logging"
	"github.com/rs/zerolog/log"
)

// Run starts the billing HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "billingsync",
	})
	log.Info().Str("version", version).Msg("Starting billing sync service")

	if err := os.MkdirAll(cfg.EntitlementsDir(), 0o755); err != nil {
		return fmt.Errorf("create entitlements dir: %w", err)
	}
	store, err := entitlements.Open(cfg.EntitlementsDir())
	if err != nil {
		return fmt.Errorf("open entitlement store: %w", err)
	}
	defer store.Close()

	deps := &Deps{
		Config: cfg,
		Store:  store,
		Provider: provider.NewStripeClient(provider.StripeConfig{
			APIKey:        cfg.StripeAPIKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			Timeout:       cfg.ProviderTimeout,
		}),
		Version: version,
	}

	// Change feed (best-effort: falls back to logging when Kafka is unset)
	if len(cfg.KafkaBrokers) > 0 {
		publisher, err := feed.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return fmt.Errorf("init change feed: %w", err)
		}
		defer publisher.Close()
		deps.Publisher = publisher
		log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("Change feed configured (Kafka)")
	} else {
		deps.Publisher = feed.LogPublisher{}
		log.Info().Msg("Change feed: log-only (set BILLING_KAFKA_BROKERS to enable)")
	}

	// Rollup cache
	if cfg.RedisURL != "" {
		client, err := rollup.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("Redis unavailable; rollups will not be cached")
		} else {
			defer client.Close()
			deps.RollupCache = rollup.NewRedisCache(client, cfg.RollupCacheTTL)
		}
	}

	// Email sender
	var sender notify.Sender
	if cfg.PostmarkServerToken != "" {
		sender = notify.NewPostmarkSender(notify.PostmarkConfig{
			ServerToken:   cfg.PostmarkServerToken,
			MessageStream: cfg.PostmarkStream,
		})
		log.Info().Str("stream", cfg.PostmarkStream).Msg("Email sender configured (Postmark)")
	} else {
		sender = notify.LogSender{}
		log.Info().Msg("Email sender: log-only (set POSTMARK_SERVER_TOKEN to enable)")
	}
	deps.Notifier = notify.NewNotifier(sender, store, notify.NotifierConfig{
		From:    cfg.EmailFrom,
		BaseURL: cfg.BaseURL,
	})

	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)

	addr := cfg.ListenAddr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           logging.Middleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Billing service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	case serveErr = <-errCh:
		log.Error().Err(serveErr).Msg("Server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Billing service stopped")
	if serveErr != nil {
		return fmt.Errorf("serve: %w", serveErr)
	}
	return nil
}
