package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kindred-ngo/messaging-gateway/internal/model"
	"github.com/kindred-ngo/messaging-gateway/internal/relay"
	"github.com/kindred-ngo/messaging-gateway/internal/service"
	"github.com/kindred-ngo/messaging-gateway/pkg/logger"
	"github.com/kindred-ngo/messaging-gateway/pkg/metrics"
)

const (
	streamBuffer      = 32
	replayLimit       = 50
	heartbeatInterval = 30 * time.Second
)

// RoomListener subscribes to relay rooms.
type RoomListener interface {
	Listen(room string, buffer int) (<-chan relay.Envelope, func())
}

// StreamHandler serves a read-only SSE view of a conversation room.
type StreamHandler struct {
	hub                 RoomListener
	messageService      *service.MessageService
	conversationService *service.ConversationService
	logger              *logger.Logger
	heartbeat           time.Duration
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(
	hub RoomListener,
	msgSvc *service.MessageService,
	convSvc *service.ConversationService,
	log *logger.Logger,
) *StreamHandler {
	return &StreamHandler{
		hub:                 hub,
		messageService:      msgSvc,
		conversationService: convSvc,
		logger:              log,
		heartbeat:           heartbeatInterval,
	}
}

// ReplayCompleteEvent marks the end of the stored-message replay.
type ReplayCompleteEvent struct {
	MessageCount int `json:"messageCount"`
}

// HeartbeatEvent keeps idle connections open through proxies.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// Stream handles GET /api/v1/conversations/{id}/stream
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principal(r)
	conversationID := chi.URLParam(r, "id")

	if err := h.conversationService.CanJoin(ctx, p, conversationID); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "streaming not supported")
		return
	}

	// Subscribe before replaying so nothing published in between is lost.
	events, stop := h.hub.Listen(relay.ConversationRoom(conversationID), streamBuffer)
	defer stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	log := h.logger.With(zap.String("conversation_id", conversationID), zap.String("user_id", p.UserID))

	_ = sendSSEEvent(w, flusher, "connected", map[string]string{"conversationId": conversationID})

	replayed := h.replay(ctx, w, flusher, p, conversationID, log)
	_ = sendSSEEvent(w, flusher, "replay_complete", &ReplayCompleteEvent{MessageCount: replayed})

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("SSE client disconnected")
			return

		case env, ok := <-events:
			if !ok {
				return
			}
			if err := sendSSEEvent(w, flusher, env.Type, env.Data); err != nil {
				log.Warn("failed to write SSE event", zap.Error(err))
				return
			}

		case <-heartbeat.C:
			_ = sendSSEEvent(w, flusher, "heartbeat", &HeartbeatEvent{Timestamp: time.Now().UTC()})
		}
	}
}

// replay sends the most recent stored messages oldest first.
func (h *StreamHandler) replay(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, p model.Principal, conversationID string, log *logger.Logger) int {
	resp, err := h.messageService.ConversationMessages(ctx, p, conversationID, 1, replayLimit)
	if err != nil {
		log.Debug("no stored messages to replay", zap.Error(err))
		return 0
	}
	for i := len(resp.Messages) - 1; i >= 0; i-- {
		if err := sendSSEEvent(w, flusher, relay.EventNewMessage, resp.Messages[i]); err != nil {
			return len(resp.Messages) - 1 - i
		}
	}
	return len(resp.Messages)
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	var payload []byte
	if raw, ok := data.(json.RawMessage); ok {
		payload = raw
	} else {
		encoded, err := json.Marshal(data)
		if err != nil {
			return err
		}
		payload = encoded
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
