// Package memory is a process-local Store used for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kindred-ngo/messaging-gateway/internal/model"
	"github.com/kindred-ngo/messaging-gateway/internal/store"
)

// Store keeps every record in maps guarded by one RWMutex.
type Store struct {
	mu            sync.RWMutex
	messages      map[string]*model.Message
	conversations map[string]*model.Conversation
	directIndex   map[string]string
	events        map[string]*model.WebhookEvent
	eventClaims   map[string]string
	accounts      map[string]*model.SocialAccount
}

var (
	_ store.Store         = (*Store)(nil)
	_ store.WebhookPurger = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		messages:      make(map[string]*model.Message),
		conversations: make(map[string]*model.Conversation),
		directIndex:   make(map[string]string),
		events:        make(map[string]*model.WebhookEvent),
		eventClaims:   make(map[string]string),
		accounts:      make(map[string]*model.SocialAccount),
	}
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// CreateMessage stores a copy of msg.
func (s *Store) CreateMessage(ctx context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ID] = msg.Clone()
	return nil
}

// GetMessage returns a copy of the message.
func (s *Store) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return msg.Clone(), nil
}

// ListMessages filters, sorts newest first and paginates.
func (s *Store) ListMessages(ctx context.Context, filter store.MessageFilter) (*store.MessagePage, error) {
	s.mu.RLock()
	var matched []model.Message
	for _, msg := range s.messages {
		if filter.Matches(msg) {
			matched = append(matched, *msg.Clone())
		}
	}
	s.mu.RUnlock()

	sortNewestFirst(matched)

	start, end := store.Paginate(len(matched), filter.Offset, filter.Limit)
	return &store.MessagePage{
		Messages: matched[start:end],
		Total:    len(matched),
	}, nil
}

func sortNewestFirst(msgs []model.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID > msgs[j].ID
		}
		return msgs[i].CreatedAt.After(msgs[j].CreatedAt)
	})
}

// UpdateMessageStatus applies a transition under the write lock.
func (s *Store) UpdateMessageStatus(ctx context.Context, id string, status model.Status, reason string, at time.Time) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if err := store.ApplyTransition(msg, status, reason, at); err != nil {
		return nil, err
	}
	return msg.Clone(), nil
}

// DeleteMessage removes a message permanently.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.messages, id)
	return nil
}

// CreateConversation stores a conversation and indexes direct pairs.
func (s *Store) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv.Type == model.ConversationDirect && len(conv.Participants) == 2 {
		key := model.DirectKey(conv.Participants[0], conv.Participants[1])
		if _, exists := s.directIndex[key]; exists {
			return store.ErrConflict
		}
		s.directIndex[key] = conv.ID
	}
	s.conversations[conv.ID] = conv.Clone()
	return nil
}

// GetConversation returns a copy of the conversation.
func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return conv.Clone(), nil
}

// FindDirectConversation looks up the pair index.
func (s *Store) FindDirectConversation(ctx context.Context, a, b string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.directIndex[model.DirectKey(a, b)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.conversations[id].Clone(), nil
}

// ListConversations returns the user's conversations, most recently active first.
func (s *Store) ListConversations(ctx context.Context, userID string, offset, limit int) ([]model.Conversation, int, error) {
	s.mu.RLock()
	var convs []model.Conversation
	for _, conv := range s.conversations {
		if userID == "" || conv.HasParticipant(userID) {
			convs = append(convs, *conv.Clone())
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(convs, func(i, j int) bool {
		return activity(&convs[i]).After(activity(&convs[j]))
	})

	start, end := store.Paginate(len(convs), offset, limit)
	return convs[start:end], len(convs), nil
}

func activity(c *model.Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

// TouchConversation bumps lastMessageAt if at is newer.
func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return store.ErrNotFound
	}
	if conv.LastMessageAt == nil || at.After(*conv.LastMessageAt) {
		t := at
		conv.LastMessageAt = &t
	}
	return nil
}

// CreateWebhookEvent stores a copy of event.
func (s *Store) CreateWebhookEvent(ctx context.Context, event *model.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.ID] = event.Clone()
	return nil
}

// GetWebhookEvent returns a copy of the event.
func (s *Store) GetWebhookEvent(ctx context.Context, id string) (*model.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	event, ok := s.events[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return event.Clone(), nil
}

// WebhookEvents returns copies of every stored event, oldest first.
func (s *Store) WebhookEvents() []model.WebhookEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.WebhookEvent, 0, len(s.events))
	for _, event := range s.events {
		out = append(out, *event.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// MarkWebhookProcessing moves a received event to processing.
func (s *Store) MarkWebhookProcessing(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[id]
	if !ok {
		return store.ErrNotFound
	}
	if event.Status.Terminal() {
		return store.ErrAlreadyFinished
	}
	event.Status = model.WebhookProcessing
	return nil
}

// FinishWebhookEvent applies a terminal outcome once.
func (s *Store) FinishWebhookEvent(ctx context.Context, id string, outcome model.WebhookOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[id]
	if !ok {
		return store.ErrNotFound
	}
	return store.ApplyOutcome(event, outcome)
}

// ClaimWebhookEventID registers (source, eventID) for id.
func (s *Store) ClaimWebhookEventID(ctx context.Context, source model.WebhookSource, eventID, id string) (string, bool, error) {
	key := string(source) + "\x00" + eventID
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.eventClaims[key]; ok {
		return owner, false, nil
	}
	s.eventClaims[key] = id
	return id, true, nil
}

// ReleaseWebhookEventID drops the claim if id owns it.
func (s *Store) ReleaseWebhookEventID(ctx context.Context, source model.WebhookSource, eventID, id string) error {
	key := string(source) + "\x00" + eventID
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventClaims[key] == id {
		delete(s.eventClaims, key)
	}
	return nil
}

// IncrementWebhookRetry bumps the retry counter.
func (s *Store) IncrementWebhookRetry(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[id]
	if !ok {
		return store.ErrNotFound
	}
	event.RetryCount++
	return nil
}

// PurgeExpiredWebhooks drops events past their retention along with their claims.
func (s *Store) PurgeExpiredWebhooks(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, event := range s.events {
		if event.ExpiresAt.Before(before) {
			delete(s.events, id)
			n++
		}
	}
	for key, owner := range s.eventClaims {
		if _, ok := s.events[owner]; !ok {
			delete(s.eventClaims, key)
		}
	}
	return n, nil
}

func accountKey(userID string, platform model.Channel) string {
	return userID + "\x00" + string(platform)
}

// GetSocialAccount returns the user's account on platform.
func (s *Store) GetSocialAccount(ctx context.Context, userID string, platform model.Channel) (*model.SocialAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[accountKey(userID, platform)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *acct
	return &cp, nil
}

// UpsertSocialAccount inserts or replaces the account.
func (s *Store) UpsertSocialAccount(ctx context.Context, acct *model.SocialAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *acct
	s.accounts[accountKey(acct.UserID, acct.Platform)] = &cp
	return nil
}
