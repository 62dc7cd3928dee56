// Package service provides the gateway's business logic: conversations,
// message storage and listing, unified fan-out sends and webhook ingestion.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kindred-ngo/messaging-gateway/internal/apperr"
	"github.com/kindred-ngo/messaging-gateway/internal/model"
	"github.com/kindred-ngo/messaging-gateway/internal/store"
	"github.com/kindred-ngo/messaging-gateway/pkg/logger"
)

// ConversationService handles structured conversation threads.
type ConversationService struct {
	store  store.ConversationStore
	logger *logger.Logger
	now    func() time.Time
}

// NewConversationService creates a new conversation service.
func NewConversationService(st store.ConversationStore, log *logger.Logger) *ConversationService {
	return &ConversationService{
		store:  st,
		logger: log.Named("conversations"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create creates a conversation with the caller as a participant. Creating a
// direct conversation that already exists returns the existing one.
func (s *ConversationService) Create(ctx context.Context, p model.Principal, req *model.CreateConversationRequest) (*model.Conversation, error) {
	participants := model.NormalizeParticipants(append([]string{p.UserID}, req.Participants...))
	if len(participants) < 2 {
		return nil, apperr.Validation("a conversation needs at least one other participant")
	}

	typ := req.Type
	if typ == "" {
		typ = model.ConversationGroup
		if len(participants) == 2 {
			typ = model.ConversationDirect
		}
	}

	switch typ {
	case model.ConversationDirect:
		if len(participants) != 2 {
			return nil, apperr.Validation("a direct conversation has exactly two participants")
		}
		return s.EnsureDirect(ctx, participants[0], participants[1])
	case model.ConversationGroup:
	default:
		return nil, apperr.Validation("type must be direct or group")
	}

	conv := &model.Conversation{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Type:         typ,
		Participants: participants,
		Title:        req.Title,
		CreatedBy:    p.UserID,
		CreatedAt:    s.now(),
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, apperr.Internal("failed to create conversation", err)
	}

	s.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("type", string(conv.Type)),
		zap.Int("participants", len(conv.Participants)),
	)
	return conv, nil
}

// EnsureDirect returns the direct conversation between a and b, creating it
// on first use.
func (s *ConversationService) EnsureDirect(ctx context.Context, a, b string) (*model.Conversation, error) {
	if a == "" || b == "" || a == b {
		return nil, apperr.Validation("a direct conversation needs two distinct participants")
	}

	conv, err := s.store.FindDirectConversation(ctx, a, b)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Internal("failed to look up conversation", err)
	}

	conv = &model.Conversation{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Type:         model.ConversationDirect,
		Participants: []string{a, b},
		CreatedBy:    a,
		CreatedAt:    s.now(),
	}
	err = s.store.CreateConversation(ctx, conv)
	if errors.Is(err, store.ErrConflict) {
		// Lost the race to a concurrent creator.
		existing, findErr := s.store.FindDirectConversation(ctx, a, b)
		if findErr != nil {
			return nil, apperr.Internal("failed to look up conversation", findErr)
		}
		return existing, nil
	}
	if err != nil {
		return nil, apperr.Internal("failed to create conversation", err)
	}

	s.logger.Info("direct conversation created", zap.String("conversation_id", conv.ID))
	return conv, nil
}

// Get returns a conversation the caller participates in. Privileged callers
// may read any conversation.
func (s *ConversationService) Get(ctx context.Context, p model.Principal, id string) (*model.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("conversation not found")
	}
	if err != nil {
		return nil, apperr.Internal("failed to load conversation", err)
	}
	if !conv.HasParticipant(p.UserID) && !p.Privileged() {
		return nil, apperr.NotFound("conversation not found")
	}
	return conv, nil
}

// List returns the caller's conversations, most recently active first.
func (s *ConversationService) List(ctx context.Context, p model.Principal, page, limit int) (*model.ListConversationsResponse, error) {
	_, limit, offset := pageBounds(page, limit)
	convs, total, err := s.store.ListConversations(ctx, p.UserID, offset, limit)
	if err != nil {
		return nil, apperr.Internal("failed to list conversations", err)
	}
	if convs == nil {
		convs = []model.Conversation{}
	}
	return &model.ListConversationsResponse{
		Conversations: convs,
		Total:         total,
		HasMore:       offset+len(convs) < total,
	}, nil
}

// CanJoin authorizes following a conversation's real-time room. Ad hoc
// thread ids that are not stored conversations are open to privileged
// callers only.
func (s *ConversationService) CanJoin(ctx context.Context, p model.Principal, id string) error {
	conv, err := s.store.GetConversation(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if p.Privileged() {
			return nil
		}
		return apperr.NotFound("conversation not found")
	case err != nil:
		return apperr.Internal("failed to load conversation", err)
	case conv.HasParticipant(p.UserID) || p.Privileged():
		return nil
	}
	return apperr.NotFound("conversation not found")
}

// Touch records activity on a stored conversation. Ad hoc thread ids are
// ignored.
func (s *ConversationService) Touch(ctx context.Context, id string, at time.Time) {
	if id == "" {
		return
	}
	err := s.store.TouchConversation(ctx, id, at)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("failed to update conversation activity",
			zap.String("conversation_id", id),
			zap.Error(err),
		)
	}
}

// isParticipant reports whether userID belongs to the stored conversation id.
func (s *ConversationService) isParticipant(ctx context.Context, id, userID string) bool {
	if id == "" {
		return false
	}
	conv, err := s.store.GetConversation(ctx, id)
	return err == nil && conv.HasParticipant(userID)
}
