package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kindred-ngo/messaging-gateway/internal/apperr"
	"github.com/kindred-ngo/messaging-gateway/internal/middleware"
	"github.com/kindred-ngo/messaging-gateway/internal/model"
	"github.com/kindred-ngo/messaging-gateway/internal/service"
	"github.com/kindred-ngo/messaging-gateway/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	messageService *service.MessageService
	unifiedService *service.UnifiedService
	logger         *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(
	msgSvc *service.MessageService,
	unifiedSvc *service.UnifiedService,
	log *logger.Logger,
) *MessageHandler {
	return &MessageHandler{
		messageService: msgSvc,
		unifiedService: unifiedSvc,
		logger:         log,
	}
}

// Send handles POST /api/v1/messages/send
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req model.SendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	if err := middleware.ValidateSendRequest(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	results := h.unifiedService.Send(r.Context(), principal(r), &req)
	writeJSON(w, http.StatusOK, model.SendResponse{Results: results})
}

// List handles GET /api/v1/messages
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	resp, err := h.messageService.List(r.Context(), principal(r), service.ListParams{
		Status:         q.Get("status"),
		Channel:        q.Get("channel"),
		ConversationID: q.Get("conversationId"),
		Page:           queryInt(r, "page"),
		Limit:          queryInt(r, "limit"),
	})
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/messages/{id}
func (h *MessageHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ID", err.Error())
		return
	}
	msg, err := h.messageService.Get(r.Context(), principal(r), id)
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// UpdateStatus handles PATCH /api/v1/messages/{id}/status
func (h *MessageHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req model.UpdateStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	msg, err := h.messageService.UpdateStatus(r.Context(), principal(r), id, &req)
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// Delete handles DELETE /api/v1/messages/{id}
func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.messageService.Delete(r.Context(), principal(r), id); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	h.logger.Info("message deleted via API",
		zap.String("message_id", id),
		zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
	)
	w.WriteHeader(http.StatusNoContent)
}

// ListChannelConversations handles GET /api/v1/channels/{channel}/conversations
func (h *MessageHandler) ListChannelConversations(w http.ResponseWriter, r *http.Request) {
	ch := model.Channel(chi.URLParam(r, "channel"))
	convs, err := h.unifiedService.RemoteConversations(r.Context(), principal(r), ch, queryInt(r, "limit"))
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": convs})
}

// ListChannelMessages handles
// GET /api/v1/channels/{channel}/conversations/{id}/messages
func (h *MessageHandler) ListChannelMessages(w http.ResponseWriter, r *http.Request) {
	ch := model.Channel(chi.URLParam(r, "channel"))
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateID(id); err != nil {
		writeAppError(w, r, h.logger, apperr.BadRequest("INVALID_ID", err.Error()))
		return
	}
	msgs, err := h.unifiedService.RemoteMessages(r.Context(), principal(r), ch, id, queryInt(r, "limit"))
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}
