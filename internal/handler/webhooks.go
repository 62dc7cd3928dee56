package handler

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kindred-ngo/messaging-gateway/internal/middleware"
	"github.com/kindred-ngo/messaging-gateway/internal/model"
	"github.com/kindred-ngo/messaging-gateway/internal/service"
	"github.com/kindred-ngo/messaging-gateway/pkg/logger"
)

// WebhookIngester is the service behind the webhook endpoints.
type WebhookIngester interface {
	Ingest(ctx context.Context, req service.IngestRequest) (*model.WebhookAck, error)
	Event(ctx context.Context, p model.Principal, id string) (*model.WebhookEvent, error)
}

// WebhookHandler handles provider callbacks.
type WebhookHandler struct {
	service     WebhookIngester
	verifyToken string
	logger      *logger.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(svc WebhookIngester, verifyToken string, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		service:     svc,
		verifyToken: verifyToken,
		logger:      log,
	}
}

// Receive handles POST /api/v1/webhooks/{provider}
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if provider == "" || len(provider) > 64 {
		writeError(w, http.StatusBadRequest, "INVALID_PROVIDER", "invalid provider")
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid JSON payload")
		return
	}

	ack, err := h.service.Ingest(r.Context(), service.IngestRequest{
		Provider: provider,
		Headers:  r.Header,
		Body:     body,
		SourceIP: clientIP(r),
	})
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

// Verify handles GET /api/v1/webhooks/{provider}, the Meta subscription
// handshake.
func (h *WebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || h.verifyToken == "" || q.Get("hub.verify_token") != h.verifyToken {
		h.logger.Warn("webhook verification rejected",
			zap.String("provider", chi.URLParam(r, "provider")),
			zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		)
		writeError(w, http.StatusForbidden, "FORBIDDEN", "verification failed")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(q.Get("hub.challenge")))
}

// Event handles GET /api/v1/webhooks/events/{id}
func (h *WebhookHandler) Event(w http.ResponseWriter, r *http.Request) {
	event, err := h.service.Event(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// clientIP returns the peer address without its port. chi's RealIP
// middleware has already applied forwarding headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
