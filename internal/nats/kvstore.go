package nats

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/kindred-ngo/messaging-gateway/internal/model"
	"github.com/kindred-ngo/messaging-gateway/internal/store"
)

const (
	// MessagesBucket holds canonical messages keyed by id.
	MessagesBucket = "GATEWAY_MESSAGES"
	// ConversationsBucket holds conversations and the direct-pair index.
	ConversationsBucket = "GATEWAY_CONVERSATIONS"
	// WebhooksBucket holds webhook events and dedupe claims; keys expire.
	WebhooksBucket = "GATEWAY_WEBHOOKS"
	// AccountsBucket holds linked social accounts.
	AccountsBucket = "GATEWAY_ACCOUNTS"

	maxCASAttempts = 8
)

var errCASExhausted = errors.New("too many concurrent updates")

// KVStore implements store.Store on JetStream key-value buckets.
// Single-document updates use revision compare-and-set.
type KVStore struct {
	client        *Client
	messages      jetstream.KeyValue
	conversations jetstream.KeyValue
	webhooks      jetstream.KeyValue
	accounts      jetstream.KeyValue
}

var _ store.Store = (*KVStore)(nil)

// NewKVStore opens or creates the gateway buckets.
func NewKVStore(ctx context.Context, client *Client) (*KVStore, error) {
	s := &KVStore{client: client}

	buckets := []struct {
		target *jetstream.KeyValue
		cfg    jetstream.KeyValueConfig
	}{
		{&s.messages, jetstream.KeyValueConfig{
			Bucket:      MessagesBucket,
			Description: "Canonical channel messages",
			Storage:     jetstream.FileStorage,
		}},
		{&s.conversations, jetstream.KeyValueConfig{
			Bucket:      ConversationsBucket,
			Description: "Conversations and direct-pair index",
			Storage:     jetstream.FileStorage,
		}},
		{&s.webhooks, jetstream.KeyValueConfig{
			Bucket:      WebhooksBucket,
			Description: "Inbound webhook audit records",
			Storage:     jetstream.FileStorage,
			TTL:         model.WebhookRetention,
		}},
		{&s.accounts, jetstream.KeyValueConfig{
			Bucket:      AccountsBucket,
			Description: "Linked social accounts",
			Storage:     jetstream.FileStorage,
		}},
	}

	for _, b := range buckets {
		kv, err := client.EnsureBucket(ctx, b.cfg)
		if err != nil {
			return nil, err
		}
		*b.target = kv
	}

	return s, nil
}

// Ping reports whether the NATS connection is up.
func (s *KVStore) Ping(ctx context.Context) error {
	if !s.client.IsConnected() {
		return errors.New("NATS not connected")
	}
	return nil
}

// Close is a no-op; the client owns the connection.
func (s *KVStore) Close() error { return nil }

// hashKey maps an arbitrary string onto the KV key alphabet.
func hashKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:40]
}

func isWrongRevision(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return false
}

func getJSON(ctx context.Context, kv jetstream.KeyValue, key string, v any) (uint64, error) {
	entry, err := kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(entry.Value(), v); err != nil {
		return 0, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return entry.Revision(), nil
}

func putJSON(ctx context.Context, kv jetstream.KeyValue, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if _, err := kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

// casUpdate reads key into a fresh T, applies mutate and writes it back only
// if the revision is unchanged, retrying on concurrent writers.
func casUpdate[T any](ctx context.Context, kv jetstream.KeyValue, key string, mutate func(*T) error) (*T, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		v := new(T)
		rev, err := getJSON(ctx, kv, key, v)
		if err != nil {
			return nil, err
		}
		if err := mutate(v); err != nil {
			return nil, err
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", key, err)
		}
		if _, err := kv.Update(ctx, key, data, rev); err != nil {
			if isWrongRevision(err) {
				continue
			}
			return nil, fmt.Errorf("failed to update %s: %w", key, err)
		}
		return v, nil
	}
	return nil, errCASExhausted
}

// watchValues streams the current value of every key matching pattern.
func watchValues(ctx context.Context, kv jetstream.KeyValue, pattern string, fn func([]byte) error) error {
	w, err := kv.Watch(ctx, pattern, jetstream.IgnoreDeletes())
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", pattern, err)
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-w.Updates():
			if !ok || entry == nil {
				return nil
			}
			if err := fn(entry.Value()); err != nil {
				return err
			}
		}
	}
}

func messageKey(id string) string { return "msg." + id }

// CreateMessage stores msg under its id.
func (s *KVStore) CreateMessage(ctx context.Context, msg *model.Message) error {
	return putJSON(ctx, s.messages, messageKey(msg.ID), msg)
}

// GetMessage loads a message by id.
func (s *KVStore) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	var msg model.Message
	if _, err := getJSON(ctx, s.messages, messageKey(id), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListMessages scans the bucket, filters and paginates newest first.
func (s *KVStore) ListMessages(ctx context.Context, filter store.MessageFilter) (*store.MessagePage, error) {
	var matched []model.Message
	err := watchValues(ctx, s.messages, "msg.*", func(data []byte) error {
		var msg model.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil
		}
		if filter.Matches(&msg) {
			matched = append(matched, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	start, end := store.Paginate(len(matched), filter.Offset, filter.Limit)
	return &store.MessagePage{Messages: matched[start:end], Total: len(matched)}, nil
}

// UpdateMessageStatus applies a transition with revision CAS.
func (s *KVStore) UpdateMessageStatus(ctx context.Context, id string, status model.Status, reason string, at time.Time) (*model.Message, error) {
	return casUpdate(ctx, s.messages, messageKey(id), func(msg *model.Message) error {
		return store.ApplyTransition(msg, status, reason, at)
	})
}

// DeleteMessage removes a message.
func (s *KVStore) DeleteMessage(ctx context.Context, id string) error {
	if _, err := s.GetMessage(ctx, id); err != nil {
		return err
	}
	if err := s.messages.Delete(ctx, messageKey(id)); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

func conversationKey(id string) string { return "conv." + id }

func directKey(a, b string) string { return "direct." + hashKey(model.DirectKey(a, b)) }

// CreateConversation stores conv and, for direct threads, claims the pair key.
func (s *KVStore) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	if conv.Type == model.ConversationDirect && len(conv.Participants) == 2 {
		key := directKey(conv.Participants[0], conv.Participants[1])
		if _, err := s.conversations.Create(ctx, key, []byte(conv.ID)); err != nil {
			if errors.Is(err, jetstream.ErrKeyExists) {
				return fmt.Errorf("direct conversation already exists: %w", store.ErrConflict)
			}
			return fmt.Errorf("failed to index direct conversation: %w", err)
		}
	}
	return putJSON(ctx, s.conversations, conversationKey(conv.ID), conv)
}

// GetConversation loads a conversation by id.
func (s *KVStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var conv model.Conversation
	if _, err := getJSON(ctx, s.conversations, conversationKey(id), &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// FindDirectConversation resolves the pair index.
func (s *KVStore) FindDirectConversation(ctx context.Context, a, b string) (*model.Conversation, error) {
	entry, err := s.conversations.Get(ctx, directKey(a, b))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve direct conversation: %w", err)
	}
	return s.GetConversation(ctx, string(entry.Value()))
}

// ListConversations scans conversations the user participates in.
func (s *KVStore) ListConversations(ctx context.Context, userID string, offset, limit int) ([]model.Conversation, int, error) {
	var convs []model.Conversation
	err := watchValues(ctx, s.conversations, "conv.*", func(data []byte) error {
		var conv model.Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			return nil
		}
		if userID == "" || conv.HasParticipant(userID) {
			convs = append(convs, conv)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	sort.SliceStable(convs, func(i, j int) bool {
		return lastActivity(&convs[i]).After(lastActivity(&convs[j]))
	})

	start, end := store.Paginate(len(convs), offset, limit)
	return convs[start:end], len(convs), nil
}

func lastActivity(c *model.Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

// TouchConversation bumps lastMessageAt with revision CAS.
func (s *KVStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	_, err := casUpdate(ctx, s.conversations, conversationKey(id), func(conv *model.Conversation) error {
		if conv.LastMessageAt == nil || at.After(*conv.LastMessageAt) {
			t := at
			conv.LastMessageAt = &t
		}
		return nil
	})
	return err
}

func webhookKey(id string) string { return "event." + id }

func claimKey(source model.WebhookSource, eventID string) string {
	return "claim." + string(source) + "." + hashKey(eventID)
}

// CreateWebhookEvent stores the audit record.
func (s *KVStore) CreateWebhookEvent(ctx context.Context, event *model.WebhookEvent) error {
	return putJSON(ctx, s.webhooks, webhookKey(event.ID), event)
}

// GetWebhookEvent loads an event by id.
func (s *KVStore) GetWebhookEvent(ctx context.Context, id string) (*model.WebhookEvent, error) {
	var event model.WebhookEvent
	if _, err := getJSON(ctx, s.webhooks, webhookKey(id), &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// MarkWebhookProcessing moves a received event to processing.
func (s *KVStore) MarkWebhookProcessing(ctx context.Context, id string) error {
	_, err := casUpdate(ctx, s.webhooks, webhookKey(id), func(event *model.WebhookEvent) error {
		if event.Status.Terminal() {
			return store.ErrAlreadyFinished
		}
		event.Status = model.WebhookProcessing
		return nil
	})
	return err
}

// FinishWebhookEvent applies a terminal outcome once.
func (s *KVStore) FinishWebhookEvent(ctx context.Context, id string, outcome model.WebhookOutcome) error {
	_, err := casUpdate(ctx, s.webhooks, webhookKey(id), func(event *model.WebhookEvent) error {
		return store.ApplyOutcome(event, outcome)
	})
	return err
}

// ClaimWebhookEventID uses KV Create, which fails if the key exists.
func (s *KVStore) ClaimWebhookEventID(ctx context.Context, source model.WebhookSource, eventID, id string) (string, bool, error) {
	key := claimKey(source, eventID)
	if _, err := s.webhooks.Create(ctx, key, []byte(id)); err != nil {
		if !errors.Is(err, jetstream.ErrKeyExists) {
			return "", false, fmt.Errorf("failed to claim event id: %w", err)
		}
		entry, err := s.webhooks.Get(ctx, key)
		if err != nil {
			return "", false, fmt.Errorf("failed to read event claim: %w", err)
		}
		return string(entry.Value()), false, nil
	}
	return id, true, nil
}

// ReleaseWebhookEventID deletes the claim at the revision it was read, if id
// owns it.
func (s *KVStore) ReleaseWebhookEventID(ctx context.Context, source model.WebhookSource, eventID, id string) error {
	key := claimKey(source, eventID)
	entry, err := s.webhooks.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read event claim: %w", err)
	}
	if string(entry.Value()) != id {
		return nil
	}
	if err := s.webhooks.Delete(ctx, key, jetstream.LastRevision(entry.Revision())); err != nil {
		return fmt.Errorf("failed to release event claim: %w", err)
	}
	return nil
}

// IncrementWebhookRetry bumps the retry counter with revision CAS.
func (s *KVStore) IncrementWebhookRetry(ctx context.Context, id string) error {
	_, err := casUpdate(ctx, s.webhooks, webhookKey(id), func(event *model.WebhookEvent) error {
		event.RetryCount++
		return nil
	})
	return err
}

// storedAccount keeps the access token, which SocialAccount hides from JSON.
type storedAccount struct {
	model.SocialAccount
	Token string `json:"accessToken"`
}

func accountKey(userID string, platform model.Channel) string {
	return "acct." + string(platform) + "." + hashKey(userID)
}

// GetSocialAccount loads the user's account on platform.
func (s *KVStore) GetSocialAccount(ctx context.Context, userID string, platform model.Channel) (*model.SocialAccount, error) {
	var stored storedAccount
	if _, err := getJSON(ctx, s.accounts, accountKey(userID, platform), &stored); err != nil {
		return nil, err
	}
	acct := stored.SocialAccount
	acct.AccessToken = stored.Token
	return &acct, nil
}

// UpsertSocialAccount writes the account.
func (s *KVStore) UpsertSocialAccount(ctx context.Context, acct *model.SocialAccount) error {
	return putJSON(ctx, s.accounts, accountKey(acct.UserID, acct.Platform), storedAccount{
		SocialAccount: *acct,
		Token:         acct.AccessToken,
	})
}
