// Package postgres is the PostgreSQL Store backed by a pgx connection pool.
// Messages and webhook events are stored as JSONB documents next to the
// columns used for filtering; status changes lock the row for the update.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kindred-ngo/messaging-gateway/internal/model"
	"github.com/kindred-ngo/messaging-gateway/internal/store"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// Store implements store.Store on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ store.Store         = (*Store)(nil)
	_ store.WebhookPurger = (*Store)(nil)
)

// New connects to databaseURL and applies the schema.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

// withTx runs fn in a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Messages

// CreateMessage inserts msg.
func (s *Store) CreateMessage(ctx context.Context, msg *model.Message) error {
	doc, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO gateway_messages (id, channel, status, user_id, conversation_id, created_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, string(msg.Channel), string(msg.Status), msg.UserID, msg.ConversationID, msg.CreatedAt, doc,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func scanMessage(row pgx.Row) (*model.Message, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		return nil, notFound(err)
	}
	var msg model.Message
	if err := json.Unmarshal(doc, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &msg, nil
}

// GetMessage loads a message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	return scanMessage(s.pool.QueryRow(ctx, `SELECT doc FROM gateway_messages WHERE id = $1`, id))
}

// messageWhere builds the WHERE clause for filter.
func messageWhere(filter store.MessageFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		conds = append(conds, col+" = $"+strconv.Itoa(len(args)))
	}
	if filter.UserID != "" {
		add("user_id", filter.UserID)
	}
	if filter.ConversationID != "" {
		add("conversation_id", filter.ConversationID)
	}
	if filter.Status != "" {
		add("status", string(filter.Status))
	}
	if filter.Channel != "" {
		add("channel", string(filter.Channel))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListMessages filters and paginates, newest first.
func (s *Store) ListMessages(ctx context.Context, filter store.MessageFilter) (*store.MessagePage, error) {
	where, args := messageWhere(filter)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM gateway_messages`+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}

	query := `SELECT doc FROM gateway_messages` + where + ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += " OFFSET $" + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	page := &store.MessagePage{Total: total, Messages: []model.Message{}}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		page.Messages = append(page.Messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return page, nil
}

// UpdateMessageStatus locks the row and applies a validated transition.
func (s *Store) UpdateMessageStatus(ctx context.Context, id string, status model.Status, reason string, at time.Time) (*model.Message, error) {
	var updated *model.Message
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		msg, err := scanMessage(tx.QueryRow(ctx, `SELECT doc FROM gateway_messages WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if err := store.ApplyTransition(msg, status, reason, at); err != nil {
			return err
		}
		doc, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to encode message: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE gateway_messages SET status = $2, doc = $3 WHERE id = $1`, id, string(msg.Status), doc); err != nil {
			return fmt.Errorf("failed to update message: %w", err)
		}
		updated = msg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteMessage removes a message permanently.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM gateway_messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Conversations

const conversationColumns = `id, type, participants, title, created_by, created_at, last_message_at`

func scanConversation(row pgx.Row) (*model.Conversation, error) {
	var c model.Conversation
	var typ string
	if err := row.Scan(&c.ID, &typ, &c.Participants, &c.Title, &c.CreatedBy, &c.CreatedAt, &c.LastMessageAt); err != nil {
		return nil, notFound(err)
	}
	c.Type = model.ConversationType(typ)
	return &c, nil
}

// CreateConversation inserts conv. Direct pairs are unique.
func (s *Store) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	var directKey *string
	if conv.Type == model.ConversationDirect && len(conv.Participants) == 2 {
		k := model.DirectKey(conv.Participants[0], conv.Participants[1])
		directKey = &k
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO gateway_conversations (`+conversationColumns+`, direct_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		conv.ID, string(conv.Type), conv.Participants, conv.Title, conv.CreatedBy, conv.CreatedAt, conv.LastMessageAt, directKey,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("direct conversation already exists: %w", store.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to insert conversation: %w", err)
	}
	return nil
}

// GetConversation loads a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	return scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM gateway_conversations WHERE id = $1`, id))
}

// FindDirectConversation looks up the pair by its direct key.
func (s *Store) FindDirectConversation(ctx context.Context, a, b string) (*model.Conversation, error) {
	return scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM gateway_conversations WHERE direct_key = $1`, model.DirectKey(a, b)))
}

// ListConversations returns userID's conversations, most recently active first.
func (s *Store) ListConversations(ctx context.Context, userID string, offset, limit int) ([]model.Conversation, int, error) {
	where := ` WHERE ($1 = '' OR $1 = ANY(participants))`

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM gateway_conversations`+where, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count conversations: %w", err)
	}

	query := `SELECT ` + conversationColumns + ` FROM gateway_conversations` + where +
		` ORDER BY COALESCE(last_message_at, created_at) DESC, id DESC OFFSET $2`
	args := []any{userID, max(offset, 0)}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	convs := []model.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, 0, err
		}
		convs = append(convs, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to list conversations: %w", err)
	}
	return convs, total, nil
}

// TouchConversation moves lastMessageAt forward to at.
func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE gateway_conversations
		SET last_message_at = GREATEST(COALESCE(last_message_at, $2), $2)
		WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Webhook events

// CreateWebhookEvent inserts event.
func (s *Store) CreateWebhookEvent(ctx context.Context, event *model.WebhookEvent) error {
	doc, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode webhook event: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO gateway_webhook_events (id, source, status, created_at, expires_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, string(event.Source), string(event.Status), event.CreatedAt, event.ExpiresAt, doc,
	)
	if err != nil {
		return fmt.Errorf("failed to insert webhook event: %w", err)
	}
	return nil
}

func scanEvent(row pgx.Row) (*model.WebhookEvent, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		return nil, notFound(err)
	}
	var event model.WebhookEvent
	if err := json.Unmarshal(doc, &event); err != nil {
		return nil, fmt.Errorf("failed to decode webhook event: %w", err)
	}
	return &event, nil
}

// GetWebhookEvent loads an event by id.
func (s *Store) GetWebhookEvent(ctx context.Context, id string) (*model.WebhookEvent, error) {
	return scanEvent(s.pool.QueryRow(ctx, `SELECT doc FROM gateway_webhook_events WHERE id = $1`, id))
}

// updateEvent locks the event row, applies mutate and writes it back.
func (s *Store) updateEvent(ctx context.Context, id string, mutate func(*model.WebhookEvent) error) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		event, err := scanEvent(tx.QueryRow(ctx, `SELECT doc FROM gateway_webhook_events WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if err := mutate(event); err != nil {
			return err
		}
		doc, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to encode webhook event: %w", err)
		}
		_, err = tx.Exec(ctx, `UPDATE gateway_webhook_events SET status = $2, doc = $3 WHERE id = $1`,
			id, string(event.Status), doc)
		if err != nil {
			return fmt.Errorf("failed to update webhook event: %w", err)
		}
		return nil
	})
}

// MarkWebhookProcessing moves a received event to processing.
func (s *Store) MarkWebhookProcessing(ctx context.Context, id string) error {
	return s.updateEvent(ctx, id, func(e *model.WebhookEvent) error {
		if e.Status.Terminal() {
			return store.ErrAlreadyFinished
		}
		e.Status = model.WebhookProcessing
		return nil
	})
}

// FinishWebhookEvent applies a terminal outcome once.
func (s *Store) FinishWebhookEvent(ctx context.Context, id string, outcome model.WebhookOutcome) error {
	return s.updateEvent(ctx, id, func(e *model.WebhookEvent) error {
		return store.ApplyOutcome(e, outcome)
	})
}

// ClaimWebhookEventID inserts the (source, eventID) claim or returns its owner.
func (s *Store) ClaimWebhookEventID(ctx context.Context, source model.WebhookSource, eventID, id string) (string, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO gateway_webhook_claims (source, event_id, owner_id, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (source, event_id) DO NOTHING`,
		string(source), eventID, id, time.Now().UTC().Add(model.WebhookRetention),
	)
	if err != nil {
		return "", false, fmt.Errorf("failed to claim webhook event id: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return id, true, nil
	}

	var owner string
	err = s.pool.QueryRow(ctx,
		`SELECT owner_id FROM gateway_webhook_claims WHERE source = $1 AND event_id = $2`,
		string(source), eventID,
	).Scan(&owner)
	if err != nil {
		return "", false, fmt.Errorf("failed to read webhook claim: %w", err)
	}
	return owner, false, nil
}

// ReleaseWebhookEventID deletes the claim if id owns it.
func (s *Store) ReleaseWebhookEventID(ctx context.Context, source model.WebhookSource, eventID, id string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM gateway_webhook_claims WHERE source = $1 AND event_id = $2 AND owner_id = $3`,
		string(source), eventID, id,
	)
	if err != nil {
		return fmt.Errorf("failed to release webhook claim: %w", err)
	}
	return nil
}

// IncrementWebhookRetry bumps the retry counter.
func (s *Store) IncrementWebhookRetry(ctx context.Context, id string) error {
	return s.updateEvent(ctx, id, func(e *model.WebhookEvent) error {
		e.RetryCount++
		return nil
	})
}

// PurgeExpiredWebhooks deletes events and claims past their retention.
func (s *Store) PurgeExpiredWebhooks(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM gateway_webhook_events WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge webhook events: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM gateway_webhook_claims WHERE expires_at < $1`, before); err != nil {
		return 0, fmt.Errorf("failed to purge webhook claims: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Social accounts

// GetSocialAccount loads the user's account on platform.
func (s *Store) GetSocialAccount(ctx context.Context, userID string, platform model.Channel) (*model.SocialAccount, error) {
	var a model.SocialAccount
	var p string
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, platform, platform_user_id, access_token, page_id, scopes, expires_at, active
		FROM gateway_social_accounts WHERE user_id = $1 AND platform = $2`,
		userID, string(platform),
	).Scan(&a.UserID, &p, &a.PlatformUserID, &a.AccessToken, &a.PageID, &a.Scopes, &a.ExpiresAt, &a.Active)
	if err != nil {
		return nil, notFound(err)
	}
	a.Platform = model.Channel(p)
	return &a, nil
}

// UpsertSocialAccount inserts or replaces the account.
func (s *Store) UpsertSocialAccount(ctx context.Context, a *model.SocialAccount) error {
	scopes := a.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO gateway_social_accounts
			(user_id, platform, platform_user_id, access_token, page_id, scopes, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, platform) DO UPDATE SET
			platform_user_id = EXCLUDED.platform_user_id,
			access_token     = EXCLUDED.access_token,
			page_id          = EXCLUDED.page_id,
			scopes           = EXCLUDED.scopes,
			expires_at       = EXCLUDED.expires_at,
			active           = EXCLUDED.active`,
		a.UserID, string(a.Platform), a.PlatformUserID, a.AccessToken, a.PageID, scopes, a.ExpiresAt, a.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert social account: %w", err)
	}
	return nil
}
