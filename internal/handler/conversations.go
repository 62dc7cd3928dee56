package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kindred-ngo/messaging-gateway/internal/middleware"
	"github.com/kindred-ngo/messaging-gateway/internal/model"
	"github.com/kindred-ngo/messaging-gateway/internal/service"
	"github.com/kindred-ngo/messaging-gateway/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	service        *service.ConversationService
	messageService *service.MessageService
	logger         *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.ConversationService, msgSvc *service.MessageService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service:        svc,
		messageService: msgSvc,
		logger:         log,
	}
}

// Create handles POST /api/v1/conversations
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req model.CreateConversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	if err := middleware.ValidateTitle(req.Title); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_TITLE", err.Error())
		return
	}

	conv, err := h.service.Create(r.Context(), principal(r), &req)
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.List(r.Context(), principal(r), queryInt(r, "page"), queryInt(r, "limit"))
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/conversations/{id}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	conv, err := h.service.Get(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// Messages handles GET /api/v1/conversations/{id}/messages
func (h *ConversationHandler) Messages(w http.ResponseWriter, r *http.Request) {
	resp, err := h.messageService.ConversationMessages(r.Context(), principal(r),
		chi.URLParam(r, "id"), queryInt(r, "page"), queryInt(r, "limit"))
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
