package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kindred-ngo/messaging-gateway/internal/apperr"
	"github.com/kindred-ngo/messaging-gateway/internal/channel"
	"github.com/kindred-ngo/messaging-gateway/internal/model"
	"github.com/kindred-ngo/messaging-gateway/internal/store"
	"github.com/kindred-ngo/messaging-gateway/pkg/logger"
	"github.com/kindred-ngo/messaging-gateway/pkg/metrics"
)

// Publisher pushes stored messages to real-time subscribers.
type Publisher interface {
	PublishMessage(ctx context.Context, msg *model.Message) error
}

// ListParams are the query options of a message listing.
type ListParams struct {
	Status         string
	Channel        string
	ConversationID string
	Page           int
	Limit          int
}

// MessageService handles message persistence, listing and status changes.
type MessageService struct {
	store         store.MessageStore
	conversations *ConversationService
	publisher     Publisher
	logger        *logger.Logger
	now           func() time.Time
}

// NewMessageService creates a new message service. publisher may be nil.
func NewMessageService(
	st store.MessageStore,
	conversations *ConversationService,
	publisher Publisher,
	log *logger.Logger,
) *MessageService {
	return &MessageService{
		store:         st,
		conversations: conversations,
		publisher:     publisher,
		logger:        log.Named("messages"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Record persists msg, updates its conversation and notifies subscribers.
func (s *MessageService) Record(ctx context.Context, msg *model.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.Must(uuid.NewV7()).String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	if msg.ContentType == "" {
		msg.ContentType = model.ContentText
	}

	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return apperr.Internal("failed to store message", err)
	}
	metrics.MessagesTotal.WithLabelValues(string(msg.Channel), string(msg.Direction)).Inc()

	s.conversations.Touch(ctx, msg.ConversationID, msg.CreatedAt)

	if s.publisher != nil {
		if err := s.publisher.PublishMessage(ctx, msg); err != nil {
			s.logger.Warn("failed to publish message",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
	}

	s.logger.Debug("message stored",
		zap.String("message_id", msg.ID),
		zap.String("channel", string(msg.Channel)),
		zap.String("direction", string(msg.Direction)),
		zap.String("status", string(msg.Status)),
	)
	return nil
}

// RecordInbound persists a message parsed from a provider webhook. Its
// thread is the sender's identity on the channel.
func (s *MessageService) RecordInbound(ctx context.Context, in *channel.IncomingMessage) (*model.Message, error) {
	now := s.now()
	identity := in.SenderID
	if identity == "" {
		identity = in.SenderPhone
	}
	threadID := model.ThreadID(in.Channel, identity)

	msg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		Channel:        in.Channel,
		Direction:      model.DirectionInbound,
		Status:         model.StatusDelivered,
		ConversationID: threadID,
		ExternalID:     in.ExternalID,
		Content:        in.Text,
		ContentType:    in.ContentType(),
		MediaURL:       in.MediaURL(),
		SenderID:       in.SenderID,
		SenderPhone:    in.SenderPhone,
		RecipientID:    in.RecipientID,
		CreatedAt:      now,
		DeliveredAt:    &now,
	}
	if !in.Timestamp.IsZero() {
		sent := in.Timestamp.UTC()
		msg.SentAt = &sent
	}

	meta := make(map[string]any)
	if in.QuickReplyPayload != "" {
		meta["quickReplyPayload"] = in.QuickReplyPayload
	}
	if in.PostbackPayload != "" {
		meta["postbackPayload"] = in.PostbackPayload
	}
	if len(in.Attachments) > 1 {
		meta["attachments"] = in.Attachments
	}
	if len(meta) > 0 {
		msg.Metadata = meta
	}

	if err := s.Record(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Get returns a message visible to the caller. It has no side effects.
func (s *MessageService) Get(ctx context.Context, p model.Principal, id string) (*model.Message, error) {
	msg, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.visible(ctx, p, msg) {
		return nil, apperr.NotFound("message not found")
	}
	return msg, nil
}

// List returns messages newest first. Non-privileged callers only see their
// own messages.
func (s *MessageService) List(ctx context.Context, p model.Principal, params ListParams) (*model.ListMessagesResponse, error) {
	filter, err := buildFilter(params)
	if err != nil {
		return nil, err
	}
	if !p.Privileged() {
		filter.UserID = p.UserID
	}
	return s.list(ctx, filter)
}

// ConversationMessages lists the messages of a conversation the caller can
// read.
func (s *MessageService) ConversationMessages(ctx context.Context, p model.Principal, conversationID string, page, limit int) (*model.ListMessagesResponse, error) {
	if _, err := s.conversations.Get(ctx, p, conversationID); err != nil {
		return nil, err
	}
	filter, err := buildFilter(ListParams{ConversationID: conversationID, Page: page, Limit: limit})
	if err != nil {
		return nil, err
	}
	return s.list(ctx, filter)
}

func (s *MessageService) list(ctx context.Context, filter store.MessageFilter) (*model.ListMessagesResponse, error) {
	result, err := s.store.ListMessages(ctx, filter)
	if err != nil {
		return nil, apperr.Internal("failed to list messages", err)
	}
	msgs := result.Messages
	if msgs == nil {
		msgs = []model.Message{}
	}
	return &model.ListMessagesResponse{
		Messages: msgs,
		Page:     filter.Offset/filter.Limit + 1,
		Limit:    filter.Limit,
		Total:    result.Total,
		HasMore:  filter.Offset+len(msgs) < result.Total,
	}, nil
}

// UpdateStatus applies a delivery status change. Only the owner or a
// privileged caller may update a message.
func (s *MessageService) UpdateStatus(ctx context.Context, p model.Principal, id string, req *model.UpdateStatusRequest) (*model.Message, error) {
	if !req.Status.Valid() {
		return nil, apperr.BadRequest("INVALID_STATUS", "unknown status: "+string(req.Status))
	}

	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.UserID != p.UserID && !p.Privileged() {
		return nil, apperr.NotFound("message not found")
	}

	msg, err := s.store.UpdateMessageStatus(ctx, id, req.Status, req.Reason, s.now())
	switch {
	case errors.Is(err, store.ErrInvalidTransition):
		return nil, apperr.Conflict("INVALID_TRANSITION",
			"cannot change status from "+string(current.Status)+" to "+string(req.Status))
	case errors.Is(err, store.ErrNotFound):
		return nil, apperr.NotFound("message not found")
	case err != nil:
		return nil, apperr.Internal("failed to update message", err)
	}

	s.logger.Info("message status updated",
		zap.String("message_id", id),
		zap.String("status", string(msg.Status)),
		zap.String("user_id", p.UserID),
	)
	return msg, nil
}

// Delete removes a message. Admin only.
func (s *MessageService) Delete(ctx context.Context, p model.Principal, id string) error {
	if !p.IsAdmin() {
		return apperr.Forbidden("admin role required")
	}
	err := s.store.DeleteMessage(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("message not found")
	}
	if err != nil {
		return apperr.Internal("failed to delete message", err)
	}
	s.logger.Info("message deleted", zap.String("message_id", id), zap.String("user_id", p.UserID))
	return nil
}

func (s *MessageService) load(ctx context.Context, id string) (*model.Message, error) {
	msg, err := s.store.GetMessage(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("message not found")
	}
	if err != nil {
		return nil, apperr.Internal("failed to load message", err)
	}
	return msg, nil
}

func (s *MessageService) visible(ctx context.Context, p model.Principal, msg *model.Message) bool {
	if p.Privileged() || msg.UserID == p.UserID {
		return true
	}
	return s.conversations.isParticipant(ctx, msg.ConversationID, p.UserID)
}

func buildFilter(params ListParams) (store.MessageFilter, error) {
	_, limit, offset := pageBounds(params.Page, params.Limit)
	filter := store.MessageFilter{
		ConversationID: params.ConversationID,
		Offset:         offset,
		Limit:          limit,
	}
	if params.Status != "" {
		status := model.Status(params.Status)
		if !status.Valid() {
			return filter, apperr.BadRequest("INVALID_STATUS", "unknown status: "+params.Status)
		}
		filter.Status = status
	}
	if params.Channel != "" {
		ch := model.Channel(params.Channel)
		if !ch.Valid() {
			return filter, apperr.BadRequest("INVALID_CHANNEL", "unknown channel: "+params.Channel)
		}
		filter.Channel = ch
	}
	return filter, nil
}
