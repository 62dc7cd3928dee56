package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kindred-ngo/messaging-gateway/internal/model"
	"github.com/kindred-ngo/messaging-gateway/internal/store"
)

func seedMessage(t *testing.T, s *Store, id, userID string, ch model.Channel, status model.Status, at time.Time) {
	t.Helper()
	require.NoError(t, s.CreateMessage(context.Background(), &model.Message{
		ID:        id,
		UserID:    userID,
		Channel:   ch,
		Direction: model.DirectionOutbound,
		Status:    status,
		CreatedAt: at,
	}))
}

func TestListMessagesFiltersAndPaginates(t *testing.T) {
	s := New()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedMessage(t, s, "m1", "u1", model.ChannelWhatsApp, model.StatusSent, base)
	seedMessage(t, s, "m2", "u1", model.ChannelWhatsApp, model.StatusFailed, base.Add(time.Minute))
	seedMessage(t, s, "m3", "u1", model.ChannelInstagram, model.StatusSent, base.Add(2*time.Minute))
	seedMessage(t, s, "m4", "u2", model.ChannelWhatsApp, model.StatusSent, base.Add(3*time.Minute))

	page, err := s.ListMessages(context.Background(), store.MessageFilter{UserID: "u1", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "m3", page.Messages[0].ID)
	assert.Equal(t, "m2", page.Messages[1].ID)

	page, err = s.ListMessages(context.Background(), store.MessageFilter{
		Channel: model.ChannelWhatsApp,
		Status:  model.StatusSent,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	page, err = s.ListMessages(context.Background(), store.MessageFilter{Offset: 10, Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	assert.Equal(t, 4, page.Total)
}

func TestUpdateMessageStatusEnforcesTransitions(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedMessage(t, s, "m1", "u1", model.ChannelFacebook, model.StatusSent, time.Now())

	msg, err := s.UpdateMessageStatus(ctx, "m1", model.StatusRead, "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, model.StatusRead, msg.Status)
	assert.NotNil(t, msg.ReadAt)

	_, err = s.UpdateMessageStatus(ctx, "m1", model.StatusDelivered, "", time.Now())
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	_, err = s.UpdateMessageStatus(ctx, "missing", model.StatusRead, "", time.Now())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetMessageReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateMessage(ctx, &model.Message{ID: "m1", Metadata: map[string]any{"k": "v"}}))

	first, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	first.Metadata["k"] = "mutated"

	second, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "v", second.Metadata["k"])
}

func TestWebhookEventLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateWebhookEvent(ctx, &model.WebhookEvent{ID: "e1", Status: model.WebhookReceived}))
	require.NoError(t, s.MarkWebhookProcessing(ctx, "e1"))

	outcome := model.WebhookOutcome{Status: model.WebhookProcessed, ProcessingMs: 3, At: time.Now()}
	require.NoError(t, s.FinishWebhookEvent(ctx, "e1", outcome))
	assert.ErrorIs(t, s.FinishWebhookEvent(ctx, "e1", outcome), store.ErrAlreadyFinished)

	owner, claimed, err := s.ClaimWebhookEventID(ctx, model.SourceStripe, "evt_1", "e1")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, "e1", owner)

	owner, claimed, err = s.ClaimWebhookEventID(ctx, model.SourceStripe, "evt_1", "e2")
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, "e1", owner)

	require.NoError(t, s.IncrementWebhookRetry(ctx, "e1"))
	event, err := s.GetWebhookEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 1, event.RetryCount)
	assert.Equal(t, model.WebhookProcessed, event.Status)
}

func TestReleaseWebhookEventIDOnlyByOwner(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, claimed, err := s.ClaimWebhookEventID(ctx, model.SourceWhatsApp, "evt_1", "e1")
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, s.ReleaseWebhookEventID(ctx, model.SourceWhatsApp, "evt_1", "e2"))
	owner, claimed, err := s.ClaimWebhookEventID(ctx, model.SourceWhatsApp, "evt_1", "e2")
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, "e1", owner)

	require.NoError(t, s.ReleaseWebhookEventID(ctx, model.SourceWhatsApp, "evt_1", "e1"))
	owner, claimed, err = s.ClaimWebhookEventID(ctx, model.SourceWhatsApp, "evt_1", "e2")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, "e2", owner)
}

func TestDirectConversationIndex(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, &model.Conversation{
		ID:           "c1",
		Type:         model.ConversationDirect,
		Participants: []string{"alice", "bob"},
		CreatedAt:    time.Now(),
	}))

	conv, err := s.FindDirectConversation(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, "c1", conv.ID)

	convs, total, err := s.ListConversations(ctx, "bob", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, convs, 1)

	convs, total, err = s.ListConversations(ctx, "carol", 0, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, convs)
}

func TestPurgeExpiredWebhooks(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.CreateWebhookEvent(ctx, &model.WebhookEvent{ID: "old", Status: model.WebhookReceived, ExpiresAt: now.Add(-time.Hour)}))
	require.NoError(t, s.CreateWebhookEvent(ctx, &model.WebhookEvent{ID: "new", Status: model.WebhookReceived, ExpiresAt: now.Add(time.Hour)}))
	_, _, err := s.ClaimWebhookEventID(ctx, model.SourceStripe, "evt_old", "old")
	require.NoError(t, err)

	n, err := s.PurgeExpiredWebhooks(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetWebhookEvent(ctx, "old")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetWebhookEvent(ctx, "new")
	assert.NoError(t, err)

	// The claim went with its owner, so the id can be claimed again.
	_, claimed, err := s.ClaimWebhookEventID(ctx, model.SourceStripe, "evt_old", "again")
	require.NoError(t, err)
	assert.True(t, claimed)
}
