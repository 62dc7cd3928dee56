// Package main is the entry point for the API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"github.com/kindred-ngo/messaging-gateway/internal/channel"
	"github.com/kindred-ngo/messaging-gateway/internal/config"
	"github.com/kindred-ngo/messaging-gateway/internal/handler"
	"github.com/kindred-ngo/messaging-gateway/internal/middleware"
	natsclient "github.com/kindred-ngo/messaging-gateway/internal/nats"
	"github.com/kindred-ngo/messaging-gateway/internal/relay"
	"github.com/kindred-ngo/messaging-gateway/internal/service"
	"github.com/kindred-ngo/messaging-gateway/internal/store"
	"github.com/kindred-ngo/messaging-gateway/internal/store/memory"
	"github.com/kindred-ngo/messaging-gateway/internal/store/postgres"
	"github.com/kindred-ngo/messaging-gateway/pkg/logger"
	"github.com/kindred-ngo/messaging-gateway/pkg/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "messaging-gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Initialize logger
	log, err := logger.ForEnv(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	log.Info("starting messaging gateway",
		zap.String("env", cfg.Env),
		zap.String("store", cfg.StoreBackend),
		zap.String("rate_limit_backend", cfg.RateLimitBackend),
		zap.String("presence_backend", cfg.PresenceBackend),
		zap.String("relay_bus", cfg.RelayBus),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "messaging-gateway", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	checks := make(map[string]handler.Checker)

	// Connect to NATS when any backend needs it
	var natsClient *natsclient.Client
	if cfg.NeedsNATS() {
		natsClient, err = natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer natsClient.Close()
		checks["nats"] = handler.CheckerFunc(func(context.Context) error {
			if !natsClient.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		})
	}

	st, err := openStore(ctx, cfg, natsClient)
	if err != nil {
		return err
	}
	defer st.Close()
	checks["store"] = st

	if purger, ok := st.(store.WebhookPurger); ok {
		go purgeWebhooks(ctx, purger, cfg.WebhookPurgeInterval, log)
	}

	// Relay
	var presence relay.Presence = relay.NewLocalPresence()
	if cfg.PresenceBackend == config.BackendNATS {
		presence, err = natsclient.NewPresence(ctx, natsClient, cfg.PresenceTTL)
		if err != nil {
			return fmt.Errorf("failed to open presence bucket: %w", err)
		}
	}
	var bus relay.Bus = relay.NewLocalBus()
	if cfg.RelayBus == config.BackendNATS {
		bus = natsclient.NewBus(natsClient, log)
	}
	hub, err := relay.NewHub(presence, bus, log)
	if err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}
	defer hub.Close()

	// Channel adapters
	clientCfg := cfg.ClientConfig()
	registry, err := channel.NewRegistry(
		channel.NewWhatsApp(cfg.WhatsAppAPIURL, clientCfg, log),
		channel.NewInstagram(cfg.GraphAPIURL, clientCfg, log),
		channel.NewMessenger(cfg.GraphAPIURL, clientCfg, log),
		channel.NewInApp(hub),
		channel.NewSMS(),
		channel.NewEmail(),
	)
	if err != nil {
		return err
	}

	// Initialize services
	conversationSvc := service.NewConversationService(st, log)
	messageSvc := service.NewMessageService(st, conversationSvc, hub, log)
	unifiedSvc := service.NewUnifiedService(registry, st, messageSvc, conversationSvc, cfg.WhatsAppAPIKey, log)
	webhookSvc := service.NewWebhookService(st, cfg.WebhookPolicy(), registry, messageSvc, log)

	// Rate limit counters
	var ipCounter, userCounter httprate.LimitCounter
	if cfg.RateLimitBackend == config.BackendNATS {
		ipCounter, err = natsclient.NewLimitCounter(ctx, natsClient, cfg.RateLimitWindow)
		if err != nil {
			return fmt.Errorf("failed to open rate limit bucket: %w", err)
		}
		userCounter, err = natsclient.NewLimitCounter(ctx, natsClient, cfg.RateLimitWindow)
		if err != nil {
			return fmt.Errorf("failed to open rate limit bucket: %w", err)
		}
	}

	// Initialize handlers
	ws := relay.NewWebSocketHandler(hub, cfg.AllowedOrigins, log)
	ws.Authenticate = middleware.Authenticator(cfg.JWTSecret)
	ws.CanJoin = conversationSvc.CanJoin

	router := handler.NewRouter(handler.RouterConfig{
		Logger:            log,
		JWTSecret:         cfg.JWTSecret,
		AllowedOrigins:    cfg.AllowedOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		IPCounter:         ipCounter,
		UserCounter:       userCounter,
		Health:            handler.NewHealthHandler(checks),
		Webhooks:          handler.NewWebhookHandler(webhookSvc, cfg.WebhookVerifyToken, log),
		Messages:          handler.NewMessageHandler(messageSvc, unifiedSvc, log),
		Conversations:     handler.NewConversationHandler(conversationSvc, messageSvc, log),
		Stream:            handler.NewStreamHandler(hub, messageSvc, conversationSvc, log),
		WebSocket:         ws,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, natsClient *natsclient.Client) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendNATS:
		st, err := natsclient.NewKVStore(ctx, natsClient)
		if err != nil {
			return nil, fmt.Errorf("failed to open KV store: %w", err)
		}
		return st, nil
	case config.BackendPostgres:
		st, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return st, nil
	default:
		return memory.New(), nil
	}
}

// purgeWebhooks deletes expired webhook events on backends without native
// expiry.
func purgeWebhooks(ctx context.Context, purger store.WebhookPurger, interval time.Duration, log *logger.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := purger.PurgeExpiredWebhooks(ctx, now.UTC())
			if err != nil {
				log.Warn("webhook purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("expired webhook events purged", zap.Int("count", n))
			}
		}
	}
}
