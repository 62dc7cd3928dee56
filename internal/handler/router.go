package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kindred-ngo/messaging-gateway/internal/middleware"
	"github.com/kindred-ngo/messaging-gateway/internal/model"
	"github.com/kindred-ngo/messaging-gateway/pkg/logger"
)

// RouterConfig carries everything the HTTP surface is built from.
type RouterConfig struct {
	Logger         *logger.Logger
	JWTSecret      string
	AllowedOrigins []string

	RateLimitRequests int
	RateLimitWindow   time.Duration
	// IPCounter and UserCounter share rate counts across instances. Nil
	// keeps counts in process memory.
	IPCounter   httprate.LimitCounter
	UserCounter httprate.LimitCounter

	Health        *HealthHandler
	Webhooks      *WebhookHandler
	Messages      *MessageHandler
	Conversations *ConversationHandler
	Stream        *StreamHandler
	// WebSocket serves the relay. Optional.
	WebSocket http.Handler
}

// NewRouter builds the API router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	if cfg.RateLimitRequests > 0 {
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow, cfg.IPCounter))
	}

	// Health endpoints (no auth required)
	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	if cfg.WebSocket != nil {
		r.Handle("/ws", cfg.WebSocket)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Provider callbacks authenticate by signature, not JWT.
		r.Post("/webhooks/{provider}", cfg.Webhooks.Receive)
		r.Get("/webhooks/{provider}", cfg.Webhooks.Verify)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWTSecret))
			if cfg.RateLimitRequests > 0 {
				r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow, cfg.UserCounter))
			}

			r.With(middleware.RequireRole(model.RoleAdmin, model.RoleModerator)).
				Get("/webhooks/events/{id}", cfg.Webhooks.Event)

			r.Route("/messages", func(r chi.Router) {
				r.Post("/send", cfg.Messages.Send)
				r.Get("/", cfg.Messages.List)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", cfg.Messages.Get)
					r.Patch("/status", cfg.Messages.UpdateStatus)
					r.With(middleware.RequireRole(model.RoleAdmin)).Delete("/", cfg.Messages.Delete)
				})
			})

			r.Route("/conversations", func(r chi.Router) {
				r.Post("/", cfg.Conversations.Create)
				r.Get("/", cfg.Conversations.List)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", cfg.Conversations.Get)
					r.Get("/messages", cfg.Conversations.Messages)
					r.Get("/stream", cfg.Stream.Stream)
				})
			})

			r.Route("/channels/{channel}/conversations", func(r chi.Router) {
				r.Get("/", cfg.Messages.ListChannelConversations)
				r.Get("/{id}/messages", cfg.Messages.ListChannelMessages)
			})
		})
	})

	return r
}
