// Package store defines persistence contracts for messages, conversations,
// webhook events and linked social accounts.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/kindred-ngo/messaging-gateway/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a status update is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrAlreadyFinished is returned when a webhook event is already terminal.
	ErrAlreadyFinished = errors.New("webhook event already finished")
	// ErrConflict is returned when a unique key is already taken.
	ErrConflict = errors.New("conflict")
)

// MessageFilter selects messages for listing.
// Empty fields do not filter.
type MessageFilter struct {
	UserID         string
	ConversationID string
	Status         model.Status
	Channel        model.Channel
	Offset         int
	Limit          int
}

// Matches reports whether msg passes the filter, ignoring pagination.
func (f MessageFilter) Matches(msg *model.Message) bool {
	if f.UserID != "" && msg.UserID != f.UserID {
		return false
	}
	if f.ConversationID != "" && msg.ConversationID != f.ConversationID {
		return false
	}
	if f.Status != "" && msg.Status != f.Status {
		return false
	}
	if f.Channel != "" && msg.Channel != f.Channel {
		return false
	}
	return true
}

// MessagePage is one page of listing results, newest first.
type MessagePage struct {
	Messages []model.Message
	Total    int
}

// MessageStore persists canonical messages.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *model.Message) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	ListMessages(ctx context.Context, filter MessageFilter) (*MessagePage, error)
	// UpdateMessageStatus applies a validated transition atomically.
	UpdateMessageStatus(ctx context.Context, id string, status model.Status, reason string, at time.Time) (*model.Message, error)
	DeleteMessage(ctx context.Context, id string) error
}

// ConversationStore persists structured conversations.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *model.Conversation) error
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	// FindDirectConversation looks up the direct thread between two users.
	FindDirectConversation(ctx context.Context, a, b string) (*model.Conversation, error)
	ListConversations(ctx context.Context, userID string, offset, limit int) ([]model.Conversation, int, error)
	TouchConversation(ctx context.Context, id string, at time.Time) error
}

// WebhookEventStore persists webhook audit records.
type WebhookEventStore interface {
	CreateWebhookEvent(ctx context.Context, event *model.WebhookEvent) error
	GetWebhookEvent(ctx context.Context, id string) (*model.WebhookEvent, error)
	// MarkWebhookProcessing moves a received event to processing.
	MarkWebhookProcessing(ctx context.Context, id string) error
	// FinishWebhookEvent applies a terminal outcome once; later calls
	// return ErrAlreadyFinished.
	FinishWebhookEvent(ctx context.Context, id string, outcome model.WebhookOutcome) error
	// ClaimWebhookEventID records (source, eventID) for event id. If the pair
	// was already claimed it returns the owning event id and false.
	ClaimWebhookEventID(ctx context.Context, source model.WebhookSource, eventID, id string) (string, bool, error)
	// ReleaseWebhookEventID drops the (source, eventID) claim if id still
	// owns it, so a redelivery can be processed again.
	ReleaseWebhookEventID(ctx context.Context, source model.WebhookSource, eventID, id string) error
	IncrementWebhookRetry(ctx context.Context, id string) error
}

// SocialAccountStore gives read access to linked platform accounts.
type SocialAccountStore interface {
	GetSocialAccount(ctx context.Context, userID string, platform model.Channel) (*model.SocialAccount, error)
	UpsertSocialAccount(ctx context.Context, acct *model.SocialAccount) error
}

// WebhookPurger is implemented by backends without native expiry.
type WebhookPurger interface {
	// PurgeExpiredWebhooks deletes events whose expiresAt is before the cutoff.
	PurgeExpiredWebhooks(ctx context.Context, before time.Time) (int, error)
}

// Store groups every persistence contract behind one backend.
type Store interface {
	MessageStore
	ConversationStore
	WebhookEventStore
	SocialAccountStore
	Ping(ctx context.Context) error
	Close() error
}

// ApplyTransition validates and applies a status change to msg in place.
// Backends call it inside their per-document critical section.
func ApplyTransition(msg *model.Message, status model.Status, reason string, at time.Time) error {
	if !model.CanTransition(msg.Status, status) {
		return ErrInvalidTransition
	}
	if msg.Status == status {
		return nil
	}
	msg.ApplyStatus(status, at, reason)
	return nil
}

// ApplyOutcome validates and applies a terminal outcome to event in place.
func ApplyOutcome(event *model.WebhookEvent, outcome model.WebhookOutcome) error {
	if event.Status.Terminal() {
		return ErrAlreadyFinished
	}
	at := outcome.At
	event.Status = outcome.Status
	event.Error = outcome.Error
	event.ProcessingMs = outcome.ProcessingMs
	event.DuplicateOf = outcome.DuplicateOf
	event.ProcessedAt = &at
	return nil
}

// Paginate clamps offset and limit over a slice length.
func Paginate(total, offset, limit int) (start, end int) {
	if offset < 0 {
		offset = 0
	}
	start = offset
	if start > total {
		start = total
	}
	end = start + limit
	if limit <= 0 || end > total {
		end = total
	}
	return start, end
}
