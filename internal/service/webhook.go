package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/kindred-ngo/messaging-gateway/internal/apperr"
	"github.com/kindred-ngo/messaging-gateway/internal/channel"
	"github.com/kindred-ngo/messaging-gateway/internal/model"
	"github.com/kindred-ngo/messaging-gateway/internal/store"
	"github.com/kindred-ngo/messaging-gateway/internal/webhook"
	"github.com/kindred-ngo/messaging-gateway/pkg/logger"
	"github.com/kindred-ngo/messaging-gateway/pkg/metrics"
	"github.com/kindred-ngo/messaging-gateway/pkg/tracing"
)

const signatureFailure = "Signature verification failed"

// IngestRequest is one inbound provider callback.
type IngestRequest struct {
	Provider string
	Headers  http.Header
	Body     []byte
	SourceIP string
}

// WebhookService stores, verifies and processes provider callbacks.
type WebhookService struct {
	store    store.WebhookEventStore
	policy   webhook.Policy
	registry *channel.Registry
	messages *MessageService
	logger   *logger.Logger
	now      func() time.Time
}

// NewWebhookService creates a new webhook service.
func NewWebhookService(
	st store.WebhookEventStore,
	policy webhook.Policy,
	registry *channel.Registry,
	messages *MessageService,
	log *logger.Logger,
) *WebhookService {
	return &WebhookService{
		store:    st,
		policy:   policy,
		registry: registry,
		messages: messages,
		logger:   log.Named("webhooks"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Ingest records the callback, authenticates it and processes it. The
// request context only carries values; processing is not cancelled when the
// client disconnects.
func (s *WebhookService) Ingest(ctx context.Context, req IngestRequest) (*model.WebhookAck, error) {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	source := webhook.ResolveSource(provider)

	ctx, span := tracing.Tracer().Start(ctx, "webhook.ingest")
	span.SetAttributes(
		attribute.String("provider", provider),
		attribute.String("source", string(source)),
	)
	defer span.End()

	log := s.logger.With(zap.String("provider", provider), zap.String("source", string(source)))

	now := s.now()
	event := &model.WebhookEvent{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Source:    source,
		Provider:  provider,
		EventType: webhook.EventType(req.Headers),
		EventID:   webhook.EventID(req.Headers),
		Status:    model.WebhookReceived,
		Headers:   webhook.AuditHeaders(req.Headers),
		Payload:   storedPayload(req.Body),
		Signature: webhook.SignatureFromHeaders(req.Headers),
		SourceIP:  req.SourceIP,
		CreatedAt: now,
		ExpiresAt: now.Add(model.WebhookRetention),
	}
	if err := s.store.CreateWebhookEvent(ctx, event); err != nil {
		span.SetStatus(codes.Error, "store failed")
		return nil, apperr.Internal("failed to store webhook event", err)
	}
	log = log.With(zap.String("event_id", event.ID))

	if err := s.policy.Check(provider, req.Body, event.Signature); err != nil {
		s.finish(ctx, log, event, model.WebhookFailed, signatureFailure, "", start)
		span.SetStatus(codes.Error, signatureFailure)
		log.Warn("webhook signature rejected",
			zap.String("source_ip", req.SourceIP),
			zap.Error(err),
		)
		return nil, apperr.Unauthorized("INVALID_SIGNATURE", "Invalid webhook signature")
	}

	if err := s.store.MarkWebhookProcessing(ctx, event.ID); err != nil {
		log.Warn("failed to mark webhook processing", zap.Error(err))
	}

	if event.EventID != "" {
		owner, err := s.claim(ctx, source, event)
		switch {
		case errors.Is(err, errInFlight):
			s.finish(ctx, log, event, model.WebhookFailed, "original delivery still in progress", owner, start)
			log.Info("webhook redelivered while in progress", zap.String("duplicate_of", owner))
			return nil, apperr.Conflict("EVENT_IN_PROGRESS", "Webhook event is still being processed")
		case err != nil:
			log.Warn("webhook dedupe claim failed", zap.Error(err))
		case owner != "":
			if err := s.store.IncrementWebhookRetry(ctx, owner); err != nil {
				log.Warn("failed to count webhook retry", zap.String("duplicate_of", owner), zap.Error(err))
			}
			ms := s.finish(ctx, log, event, model.WebhookProcessed, "", owner, start)
			log.Info("duplicate webhook skipped", zap.String("duplicate_of", owner))
			return &model.WebhookAck{Status: "ok", ProcessedInMs: ms, EventID: event.ID, Duplicate: true}, nil
		}
	}

	status, reason, err := s.process(ctx, log, source, req.Body)
	if status == model.WebhookFailed {
		span.SetStatus(codes.Error, reason)
	}
	ms := s.finish(ctx, log, event, status, reason, "", start)
	if err != nil {
		// Give the claim back so the provider's redelivery is processed.
		if event.EventID != "" {
			if relErr := s.store.ReleaseWebhookEventID(ctx, source, event.EventID, event.ID); relErr != nil {
				log.Error("failed to release webhook claim", zap.Error(relErr))
			}
		}
		return nil, apperr.Internal("failed to process webhook", err)
	}
	return &model.WebhookAck{Status: "ok", ProcessedInMs: ms, EventID: event.ID}, nil
}

// errInFlight means the claimed event id belongs to a delivery that has not
// finished yet.
var errInFlight = errors.New("webhook event in flight")

// claim registers event's (source, eventId). It returns the owner's id when
// the owner was already processed and the event is a duplicate, or "" when
// event now owns the claim. A failed owner hands the claim over.
func (s *WebhookService) claim(ctx context.Context, source model.WebhookSource, event *model.WebhookEvent) (string, error) {
	owner, claimed, err := s.store.ClaimWebhookEventID(ctx, source, event.EventID, event.ID)
	if err != nil || claimed {
		return "", err
	}

	prev, err := s.store.GetWebhookEvent(ctx, owner)
	switch {
	case err == nil && prev.Status == model.WebhookProcessed:
		return owner, nil
	case err == nil && prev.Status == model.WebhookFailed, errors.Is(err, store.ErrNotFound):
		if err := s.store.ReleaseWebhookEventID(ctx, source, event.EventID, owner); err != nil {
			return "", err
		}
		next, claimed, err := s.store.ClaimWebhookEventID(ctx, source, event.EventID, event.ID)
		if err != nil || claimed {
			return "", err
		}
		return next, errInFlight
	}
	return owner, errInFlight
}

// process applies the side effects of an authenticated callback. A non-nil
// error means the failure is on our side and the delivery should be retried.
func (s *WebhookService) process(ctx context.Context, log *logger.Logger, source model.WebhookSource, body []byte) (model.WebhookStatus, string, error) {
	ch, ok := source.Channel()
	if !ok {
		return model.WebhookProcessed, "", nil
	}
	adapter, ok := s.registry.Get(ch)
	if !ok {
		return model.WebhookProcessed, "", nil
	}

	in, err := adapter.ParseWebhook(body)
	var parseErr *channel.ParseError
	switch {
	case errors.Is(err, channel.ErrNotMessageEvent):
		log.Debug("webhook carries no message")
		return model.WebhookProcessed, "", nil
	case errors.As(err, &parseErr):
		log.Warn("malformed webhook payload", zap.Error(err))
		return model.WebhookFailed, parseErr.Error(), nil
	case err != nil:
		log.Error("webhook parse failed", zap.Error(err))
		return model.WebhookFailed, "failed to parse payload", nil
	}

	msg, err := s.messages.RecordInbound(ctx, in)
	if err != nil {
		log.Error("failed to store inbound message", zap.Error(err))
		return model.WebhookFailed, "failed to store message", err
	}
	log.Info("inbound message stored",
		zap.String("message_id", msg.ID),
		zap.String("channel", string(msg.Channel)),
	)
	return model.WebhookProcessed, "", nil
}

// finish applies the terminal outcome and records metrics. It returns the
// elapsed processing time in milliseconds.
func (s *WebhookService) finish(ctx context.Context, log *logger.Logger, event *model.WebhookEvent, status model.WebhookStatus, reason, duplicateOf string, start time.Time) int64 {
	elapsed := time.Since(start)
	ms := elapsed.Milliseconds()
	err := s.store.FinishWebhookEvent(ctx, event.ID, model.WebhookOutcome{
		Status:       status,
		Error:        reason,
		ProcessingMs: ms,
		DuplicateOf:  duplicateOf,
		At:           s.now(),
	})
	if err != nil {
		log.Error("failed to finish webhook event", zap.Error(err))
	}
	metrics.RecordWebhook(string(event.Source), string(status), elapsed.Seconds())
	return ms
}

// Event returns a stored webhook event for audit.
func (s *WebhookService) Event(ctx context.Context, p model.Principal, id string) (*model.WebhookEvent, error) {
	if !p.Privileged() {
		return nil, apperr.Forbidden("moderator or admin role required")
	}
	event, err := s.store.GetWebhookEvent(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("webhook event not found")
	}
	if err != nil {
		return nil, apperr.Internal("failed to load webhook event", err)
	}
	return event, nil
}

// storedPayload keeps the body as JSON when it is valid and as a JSON string
// otherwise.
func storedPayload(body []byte) json.RawMessage {
	if json.Valid(body) {
		return append(json.RawMessage(nil), body...)
	}
	quoted, _ := json.Marshal(string(body))
	return quoted
}
