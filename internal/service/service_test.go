package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kindred-ngo/messaging-gateway/internal/apperr"
	"github.com/kindred-ngo/messaging-gateway/internal/channel"
	"github.com/kindred-ngo/messaging-gateway/internal/model"
	"github.com/kindred-ngo/messaging-gateway/internal/relay"
	"github.com/kindred-ngo/messaging-gateway/internal/store"
	"github.com/kindred-ngo/messaging-gateway/internal/store/memory"
	"github.com/kindred-ngo/messaging-gateway/internal/webhook"
	"github.com/kindred-ngo/messaging-gateway/pkg/logger"
)

var (
	alice = model.Principal{UserID: "alice", Role: model.RoleUser}
	bob   = model.Principal{UserID: "bob", Role: model.RoleUser}
	admin = model.Principal{UserID: "root", Role: model.RoleAdmin}
)

type fixture struct {
	store     *memory.Store
	hub       *relay.Hub
	convs     *ConversationService
	messages  *MessageService
	unified   *UnifiedService
	webhooks  *WebhookService
	registry  *channel.Registry
	providerN *atomic.Int64
}

// newFixture wires the services over the memory store. Every provider call,
// whichever channel, hits one counting test server.
func newFixture(t *testing.T, policy webhook.Policy) *fixture {
	t.Helper()
	log := logger.NewNop()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"messages":[{"id":"wamid.out"}],"message_id":"mid.out"}`)
	}))
	t.Cleanup(srv.Close)

	st := memory.New()
	hub, err := relay.NewHub(relay.NewLocalPresence(), relay.NewLocalBus(), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = hub.Close() })

	registry, err := channel.NewRegistry(
		channel.NewWhatsApp(srv.URL, channel.ClientConfig{}, log),
		channel.NewInstagram(srv.URL, channel.ClientConfig{}, log),
		channel.NewMessenger(srv.URL, channel.ClientConfig{}, log),
		channel.NewInApp(hub),
		channel.NewSMS(),
		channel.NewEmail(),
	)
	require.NoError(t, err)

	convs := NewConversationService(st, log)
	messages := NewMessageService(st, convs, hub, log)
	return &fixture{
		store:     st,
		hub:       hub,
		convs:     convs,
		messages:  messages,
		unified:   NewUnifiedService(registry, st, messages, convs, "wa-key", log),
		webhooks:  NewWebhookService(st, policy, registry, messages, log),
		registry:  registry,
		providerN: &calls,
	}
}

func (f *fixture) linkAccount(t *testing.T, userID string, platform model.Channel) {
	t.Helper()
	require.NoError(t, f.store.UpsertSocialAccount(context.Background(), &model.SocialAccount{
		UserID:      userID,
		Platform:    platform,
		AccessToken: "page-token",
		PageID:      "page-1",
		Active:      true,
	}))
}

func (f *fixture) allMessages(t *testing.T) []model.Message {
	t.Helper()
	page, err := f.store.ListMessages(context.Background(), store.MessageFilter{Limit: 100})
	require.NoError(t, err)
	return page.Messages
}

func TestSendSMSIsNotImplemented(t *testing.T) {
	f := newFixture(t, webhook.Policy{AllowUnsigned: true})

	results := f.unified.Send(context.Background(), alice, &model.SendRequest{
		Channels:       []string{"sms"},
		Message:        "hello",
		RecipientPhone: "+263775772277",
	})

	require.Len(t, results, 1)
	assert.Equal(t, "sms", results[0].Channel)
	assert.False(t, results[0].Success)
	assert.Equal(t, "SMS channel not yet implemented", results[0].Error)
	assert.Zero(t, f.providerN.Load())

	msgs := f.allMessages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.StatusFailed, msgs[0].Status)
}

func TestSendInstagramWithoutLinkedAccount(t *testing.T) {
	f := newFixture(t, webhook.Policy{AllowUnsigned: true})

	results := f.unified.Send(context.Background(), alice, &model.SendRequest{
		Channels:    []string{"instagram"},
		Message:     "hello",
		RecipientID: "igsid-1",
	})

	want := []model.SendResult{{
		Channel:  "instagram",
		Success:  false,
		RecordID: results[0].RecordID,
		Error:    "Instagram account not connected or missing page",
	}}
	assert.Empty(t, cmp.Diff(want, results))
	assert.Zero(t, f.providerN.Load())

	msgs := f.allMessages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.StatusFailed, msgs[0].Status)
	assert.Equal(t, results[0].RecordID, msgs[0].ID)
	assert.Equal(t, "Instagram account not connected or missing page", msgs[0].Metadata[model.MetadataError])
	require.NotNil(t, msgs[0].FailedAt)
}

func TestSendFacebookInactiveAccount(t *testing.T) {
	f := newFixture(t, webhook.Policy{AllowUnsigned: true})
	require.NoError(t, f.store.UpsertSocialAccount(context.Background(), &model.SocialAccount{
		UserID: "alice", Platform: model.ChannelFacebook, AccessToken: "t", PageID: "p", Active: false,
	}))

	results := f.unified.Send(context.Background(), alice, &model.SendRequest{
		Channels: []string{"facebook"}, Message: "hi", RecipientID: "psid",
	})
	require.Len(t, results, 1)
	assert.Equal(t, "Facebook page not connected or missing page", results[0].Error)
}

func TestSendReturnsOneResultPerChannelInOrder(t *testing.T) {
	f := newFixture(t, webhook.Policy{AllowUnsigned: true})
	f.linkAccount(t, "alice", model.ChannelFacebook)

	channels := []string{"whatsapp", "email", "facebook", "instagram", "inapp", "sms"}
	results := f.unified.Send(context.Background(), alice, &model.SendRequest{
		Channels:       channels,
		Message:        "fan out",
		RecipientPhone: "263775772277",
		RecipientID:    "bob",
	})

	require.Len(t, results, len(channels))
	for i, ch := range channels {
		assert.Equal(t, ch, results[i].Channel)
	}

	assert.True(t, results[0].Success)
	assert.Equal(t, "wamid.out", results[0].MessageID)
	assert.Equal(t, "Email channel not yet implemented", results[1].Error)
	assert.True(t, results[2].Success)
	assert.Equal(t, "mid.out", results[2].MessageID)
	assert.Equal(t, "Instagram account not connected or missing page", results[3].Error)
	assert.True(t, results[4].Success)
	assert.Equal(t, "SMS channel not yet implemented", results[5].Error)

	// One record per known channel.
	assert.Len(t, f.allMessages(t), len(channels))
	assert.Equal(t, int64(2), f.providerN.Load())
}

func TestSendMissingPrerequisites(t *testing.T) {
	f := newFixture(t, webhook.Policy{AllowUnsigned: true})

	results := f.unified.Send(context.Background(), alice, &model.SendRequest{
		Channels: []string{"whatsapp", "inapp", "carrier-pigeon"},
		Message:  "hi",
	})

	require.Len(t, results, 3)
	assert.Equal(t, "Recipient phone number is required for WhatsApp", results[0].Error)
	assert.Equal(t, "Recipient ID is required for in-app messages", results[1].Error)
	assert.Equal(t, "unsupported channel: carrier-pigeon", results[2].Error)
	assert.Empty(t, results[2].RecordID)
	assert.Zero(t, f.providerN.Load())
	assert.Len(t, f.allMessages(t), 2)
}

func TestSendInAppThreadsIntoDirectConversation(t *testing.T) {
	f := newFixture(t, webhook.Policy{AllowUnsigned: true})
	ctx := context.Background()

	events, stop := f.hub.Listen(relay.UserRoom("bob"), 4)
	defer stop()

	results := f.unified.Send(ctx, alice, &model.SendRequest{
		Channels: []string{"inapp"}, Message: "hey bob", RecipientID: "bob",
	})
	require.True(t, results[0].Success)

	conv, err := f.convs.EnsureDirect(ctx, "bob", "alice")
	require.NoError(t, err)

	stored, err := f.messages.Get(ctx, bob, results[0].RecordID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, stored.ConversationID)
	assert.Equal(t, model.StatusSent, stored.Status)

	select {
	case env := <-events:
		assert.Equal(t, relay.EventNewMessage, env.Type)

		var pushed model.Message
		require.NoError(t, json.Unmarshal(env.Data, &pushed))
		assert.Equal(t, results[0].RecordID, pushed.ID)
		assert.Equal(t, conv.ID, pushed.ConversationID)
		assert.Equal(t, model.DirectionOutbound, pushed.Direction)

		fetched, err := f.messages.Get(ctx, bob, pushed.ID)
		require.NoError(t, err)
		assert.Equal(t, "hey bob", fetched.Content)
	case <-time.After(time.Second):
		t.Fatal("recipient was not notified")
	}
}

func TestMessageGetIsIdempotent(t *testing.T) {
	f := newFixture(t, webhook.Policy{AllowUnsigned: true})
	ctx := context.Background()
	results := f.unified.Send(ctx, alice, &model.SendRequest{
		Channels: []string{"whatsapp"}, Message: "x", RecipientPhone: "263775772277",
	})

	first, err := f.messages.Get(ctx, alice, results[0].RecordID)
	require.NoError(t, err)
	second, err := f.messages.Get(ctx, alice, results[0].RecordID)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(first, second))
}

func TestMessageScoping(t *testing.T) {
	f := newFixture(t, webhook.Policy{AllowUnsigned: true})
	ctx := context.Background()
	results := f.unified.Send(ctx, alice, &model.SendRequest{
		Channels: []string{"whatsapp"}, Message: "x", RecipientPhone: "263775772277",
	})
	id := results[0].RecordID

	_, err := f.messages.Get(ctx, bob, id)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	_, err = f.messages.Get(ctx, admin, id)
	assert.NoError(t, err)

	own, err := f.messages.List(ctx, bob, ListParams{})
	require.NoError(t, err)
	assert.Empty(t, own.Messages)
	assert.Equal(t, 1, own.Page)
	assert.Equal(t, 20, own.Limit)

	all, err := f.messages.List(ctx, admin, ListParams{Channel: "whatsapp", Limit: 500})
	require.NoError(t, err)
	assert.Len(t, all.Messages, 1)
	assert.Equal(t, 100, all.Limit)

	_, err = f.messages.List(ctx, admin, ListParams{Status: "lost"})
	assert.True(t, apperr.IsKind(err, apperr.KindBadRequest))
}

func TestUpdateStatusTransitions(t *testing.T) {
	f := newFixture(t, webhook.Policy{AllowUnsigned: true})
	ctx := context.Background()
	results := f.unified.Send(ctx, alice, &model.SendRequest{
		Channels: []string{"whatsapp"}, Message: "x", RecipientPhone: "263775772277",
	})
	id := results[0].RecordID

	msg, err := f.messages.UpdateStatus(ctx, alice, id, &model.UpdateStatusRequest{Status: model.StatusRead})
	require.NoError(t, err)
	assert.Equal(t, model.StatusRead, msg.Status)
	assert.NotNil(t, msg.ReadAt)

	_, err = f.messages.UpdateStatus(ctx, alice, id, &model.UpdateStatusRequest{Status: model.StatusDelivered})
	appErr := apperr.As(err)
	assert.Equal(t, apperr.KindConflict, appErr.Kind)
	assert.Equal(t, "INVALID_TRANSITION", appErr.Code)

	_, err = f.messages.UpdateStatus(ctx, bob, id, &model.UpdateStatusRequest{Status: model.StatusRead})
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestDeleteRequiresAdmin(t *testing.T) {
	f := newFixture(t, webhook.Policy{AllowUnsigned: true})
	ctx := context.Background()
	results := f.unified.Send(ctx, alice, &model.SendRequest{
		Channels: []string{"whatsapp"}, Message: "x", RecipientPhone: "263775772277",
	})
	id := results[0].RecordID

	err := f.messages.Delete(ctx, alice, id)
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))
	require.NoError(t, f.messages.Delete(ctx, admin, id))
	_, err = f.messages.Get(ctx, admin, id)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestConversationLifecycle(t *testing.T) {
	f := newFixture(t, webhook.Policy{AllowUnsigned: true})
	ctx := context.Background()

	direct, err := f.convs.Create(ctx, alice, &model.CreateConversationRequest{Participants: []string{"bob"}})
	require.NoError(t, err)
	assert.Equal(t, model.ConversationDirect, direct.Type)

	again, err := f.convs.Create(ctx, bob, &model.CreateConversationRequest{Participants: []string{"alice"}})
	require.NoError(t, err)
	assert.Equal(t, direct.ID, again.ID)

	group, err := f.convs.Create(ctx, alice, &model.CreateConversationRequest{
		Participants: []string{"bob", "carol"}, Title: "team",
	})
	require.NoError(t, err)
	assert.Equal(t, model.ConversationGroup, group.Type)

	_, err = f.convs.Get(ctx, model.Principal{UserID: "mallory"}, group.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	_, err = f.convs.Create(ctx, alice, &model.CreateConversationRequest{Participants: []string{"alice"}})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	list, err := f.convs.List(ctx, bob, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, list.Total)

	assert.NoError(t, f.convs.CanJoin(ctx, bob, group.ID))
	assert.Error(t, f.convs.CanJoin(ctx, bob, "263775772277"))
	assert.NoError(t, f.convs.CanJoin(ctx, admin, "263775772277"))
}

func TestRemoteConversationsRequireAccount(t *testing.T) {
	f := newFixture(t, webhook.Policy{AllowUnsigned: true})
	ctx := context.Background()

	_, err := f.unified.RemoteConversations(ctx, alice, model.ChannelInstagram, 10)
	appErr := apperr.As(err)
	assert.Equal(t, "ACCOUNT_NOT_CONNECTED", appErr.Code)

	_, err = f.unified.RemoteConversations(ctx, alice, model.ChannelWhatsApp, 10)
	assert.Equal(t, "UNSUPPORTED_CHANNEL", apperr.As(err).Code)
}

func TestIngestSignedWebhook(t *testing.T) {
	f := newFixture(t, webhook.Policy{Secrets: map[string]string{"stripe": "whsec"}})
	body := []byte(`{"test":1}`)
	h := http.Header{}
	h.Set("X-Webhook-Signature", webhook.Sign("whsec", body))

	ack, err := f.webhooks.Ingest(context.Background(), IngestRequest{Provider: "stripe", Headers: h, Body: body})
	require.NoError(t, err)
	assert.Equal(t, "ok", ack.Status)
	assert.GreaterOrEqual(t, ack.ProcessedInMs, int64(0))

	event, err := f.store.GetWebhookEvent(context.Background(), ack.EventID)
	require.NoError(t, err)
	assert.Equal(t, model.WebhookProcessed, event.Status)
	assert.Equal(t, model.SourceStripe, event.Source)
}

func TestIngestRejectsBadSignature(t *testing.T) {
	f := newFixture(t, webhook.Policy{Secrets: map[string]string{"stripe": "whsec"}})
	body := []byte(`{"test":1}`)
	h := http.Header{}
	h.Set("X-Webhook-Signature", webhook.Sign("other", body))

	_, err := f.webhooks.Ingest(context.Background(), IngestRequest{Provider: "stripe", Headers: h, Body: body})
	appErr := apperr.As(err)
	assert.Equal(t, apperr.KindUnauthorized, appErr.Kind)
	assert.Equal(t, "INVALID_SIGNATURE", appErr.Code)

	page, err := f.store.ListMessages(context.Background(), store.MessageFilter{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
}

func TestIngestWhatsAppStoresInboundMessage(t *testing.T) {
	f := newFixture(t, webhook.Policy{AllowUnsigned: true})
	body := []byte(`{"entry":[{"changes":[{"value":{
		"metadata":{"phone_number_id":"pn-1"},
		"messages":[{"from":"263775772277","id":"wamid.in","timestamp":"1700000000","type":"text","text":{"body":"hi"}}]
	}}]}]}`)

	ack, err := f.webhooks.Ingest(context.Background(), IngestRequest{Provider: "WhatsApp", Body: body})
	require.NoError(t, err)
	assert.False(t, ack.Duplicate)

	msgs := f.allMessages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.DirectionInbound, msgs[0].Direction)
	assert.Equal(t, "whatsapp:263775772277", msgs[0].ConversationID)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, "wamid.in", msgs[0].ExternalID)
}

func TestIngestMalformedPayloadIsAcknowledged(t *testing.T) {
	f := newFixture(t, webhook.Policy{AllowUnsigned: true})
	body := []byte(`{"entry":[{"changes":[{"value":{"messages":[{"type":"text"}]}}]}]}`)

	ack, err := f.webhooks.Ingest(context.Background(), IngestRequest{Provider: "whatsapp", Body: body})
	require.NoError(t, err)

	event, err := f.store.GetWebhookEvent(context.Background(), ack.EventID)
	require.NoError(t, err)
	assert.Equal(t, model.WebhookFailed, event.Status)
	assert.NotEmpty(t, event.Error)
}

func TestIngestDeduplicatesByEventID(t *testing.T) {
	f := newFixture(t, webhook.Policy{AllowUnsigned: true})
	ctx := context.Background()
	body := []byte(`{"entry":[{"changes":[{"value":{
		"messages":[{"from":"263775772277","id":"wamid.dup","timestamp":"1700000000","type":"text","text":{"body":"once"}}]
	}}]}]}`)
	h := http.Header{}
	h.Set("X-Event-Id", "evt-1")

	first, err := f.webhooks.Ingest(ctx, IngestRequest{Provider: "whatsapp", Headers: h, Body: body})
	require.NoError(t, err)
	second, err := f.webhooks.Ingest(ctx, IngestRequest{Provider: "whatsapp", Headers: h, Body: body})
	require.NoError(t, err)

	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Len(t, f.allMessages(t), 1)

	original, err := f.store.GetWebhookEvent(ctx, first.EventID)
	require.NoError(t, err)
	assert.Equal(t, 1, original.RetryCount)

	dup, err := f.store.GetWebhookEvent(ctx, second.EventID)
	require.NoError(t, err)
	assert.Equal(t, model.WebhookProcessed, dup.Status)
	assert.Equal(t, first.EventID, dup.DuplicateOf)
}

func TestWebhookEventAuditRequiresPrivilege(t *testing.T) {
	f := newFixture(t, webhook.Policy{AllowUnsigned: true})
	ack, err := f.webhooks.Ingest(context.Background(), IngestRequest{Provider: "google", Body: []byte(`{}`)})
	require.NoError(t, err)

	_, err = f.webhooks.Event(context.Background(), alice, ack.EventID)
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))
	event, err := f.webhooks.Event(context.Background(), admin, ack.EventID)
	require.NoError(t, err)
	assert.Equal(t, model.SourceGoogle, event.Source)
}

func TestSendEachChannelAlone(t *testing.T) {
	tests := []struct {
		channel   model.Channel
		success   bool
		errMsg    string
		thread    string
		providerN int64
	}{
		{channel: model.ChannelWhatsApp, success: true, thread: "whatsapp:263775772277", providerN: 1},
		{channel: model.ChannelInstagram, success: true, thread: "instagram:bob", providerN: 1},
		{channel: model.ChannelFacebook, success: true, thread: "facebook:bob", providerN: 1},
		{channel: model.ChannelInApp, success: true},
		{channel: model.ChannelSMS, errMsg: "SMS channel not yet implemented", thread: "sms:263775772277"},
		{channel: model.ChannelEmail, errMsg: "Email channel not yet implemented", thread: "email:bob"},
	}
	require.Len(t, tests, len(model.AllChannels))

	for _, tt := range tests {
		t.Run(string(tt.channel), func(t *testing.T) {
			f := newFixture(t, webhook.Policy{AllowUnsigned: true})
			f.linkAccount(t, "alice", model.ChannelInstagram)
			f.linkAccount(t, "alice", model.ChannelFacebook)

			results := f.unified.Send(context.Background(), alice, &model.SendRequest{
				Channels:       []string{string(tt.channel)},
				Message:        "solo",
				RecipientPhone: "+263 77 577 2277",
				RecipientID:    "bob",
			})

			require.Len(t, results, 1)
			assert.Equal(t, string(tt.channel), results[0].Channel)
			assert.Equal(t, tt.success, results[0].Success)
			assert.Equal(t, tt.errMsg, results[0].Error)
			assert.Equal(t, tt.providerN, f.providerN.Load())

			msgs := f.allMessages(t)
			require.Len(t, msgs, 1)
			assert.Equal(t, results[0].RecordID, msgs[0].ID)
			if tt.thread != "" {
				assert.Equal(t, tt.thread, msgs[0].ConversationID)
			} else {
				conv, err := f.convs.EnsureDirect(context.Background(), "alice", "bob")
				require.NoError(t, err)
				assert.Equal(t, conv.ID, msgs[0].ConversationID)
			}
		})
	}
}

func TestSendCannotTargetAnotherConversation(t *testing.T) {
	f := newFixture(t, webhook.Policy{AllowUnsigned: true})
	ctx := context.Background()
	carol := model.Principal{UserID: "carol", Role: model.RoleUser}

	conv, err := f.convs.Create(ctx, bob, &model.CreateConversationRequest{Participants: []string{"carol"}})
	require.NoError(t, err)

	events, stop := f.hub.Listen(relay.ConversationRoom(conv.ID), 8)
	defer stop()

	results := f.unified.Send(ctx, alice, &model.SendRequest{
		Channels:       []string{"email", "sms", "whatsapp", "inapp"},
		Message:        "click evil.link",
		RecipientID:    conv.ID,
		RecipientPhone: conv.ID,
	})
	require.Len(t, results, 4)

	for _, msg := range f.allMessages(t) {
		assert.NotEqual(t, conv.ID, msg.ConversationID, msg.Channel)
	}
	thread, err := f.messages.ConversationMessages(ctx, carol, conv.ID, 1, 50)
	require.NoError(t, err)
	assert.Empty(t, thread.Messages)
	assert.Empty(t, events)

	stored, err := f.convs.Get(ctx, carol, conv.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.LastMessageAt)
}

func TestSendChecksLinkedAccountBeforeRecipient(t *testing.T) {
	f := newFixture(t, webhook.Policy{AllowUnsigned: true})

	results := f.unified.Send(context.Background(), alice, &model.SendRequest{
		Channels: []string{"instagram", "facebook"},
		Message:  "hi",
	})
	require.Len(t, results, 2)
	assert.Equal(t, "Instagram account not connected or missing page", results[0].Error)
	assert.Equal(t, "Facebook page not connected or missing page", results[1].Error)

	f.linkAccount(t, "alice", model.ChannelInstagram)
	results = f.unified.Send(context.Background(), alice, &model.SendRequest{
		Channels: []string{"instagram"},
		Message:  "hi",
	})
	assert.Equal(t, "Recipient ID is required for Instagram", results[0].Error)
	assert.Zero(t, f.providerN.Load())
}

// failingMessages fails CreateMessage while fail is set.
type failingMessages struct {
	store.MessageStore
	fail atomic.Bool
}

func (s *failingMessages) CreateMessage(ctx context.Context, msg *model.Message) error {
	if s.fail.Load() {
		return errors.New("database unavailable")
	}
	return s.MessageStore.CreateMessage(ctx, msg)
}

func TestIngestStoreFailureIsRetriedNotDeduplicated(t *testing.T) {
	f := newFixture(t, webhook.Policy{AllowUnsigned: true})
	ctx := context.Background()
	log := logger.NewNop()

	messages := &failingMessages{MessageStore: f.store}
	messages.fail.Store(true)
	hooks := NewWebhookService(f.store, webhook.Policy{AllowUnsigned: true}, f.registry,
		NewMessageService(messages, f.convs, f.hub, log), log)

	body := []byte(`{"entry":[{"changes":[{"value":{
		"messages":[{"from":"263775772277","id":"wamid.retry","timestamp":"1700000000","type":"text","text":{"body":"keep me"}}]
	}}]}]}`)
	h := http.Header{}
	h.Set("X-Event-Id", "evt-1")

	ack, err := hooks.Ingest(ctx, IngestRequest{Provider: "whatsapp", Headers: h, Body: body})
	require.Error(t, err)
	assert.Nil(t, ack)
	assert.True(t, apperr.IsKind(err, apperr.KindInternal))
	assert.Empty(t, f.allMessages(t))

	events := f.store.WebhookEvents()
	require.Len(t, events, 1)
	assert.Equal(t, model.WebhookFailed, events[0].Status)

	messages.fail.Store(false)
	ack, err = hooks.Ingest(ctx, IngestRequest{Provider: "whatsapp", Headers: h, Body: body})
	require.NoError(t, err)
	assert.False(t, ack.Duplicate)
	msgs := f.allMessages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "keep me", msgs[0].Content)

	ack, err = hooks.Ingest(ctx, IngestRequest{Provider: "whatsapp", Headers: h, Body: body})
	require.NoError(t, err)
	assert.True(t, ack.Duplicate)
	assert.Len(t, f.allMessages(t), 1)
}

func TestIngestRedeliveryWhileInFlightAsksForRetry(t *testing.T) {
	f := newFixture(t, webhook.Policy{AllowUnsigned: true})
	ctx := context.Background()

	require.NoError(t, f.store.CreateWebhookEvent(ctx, &model.WebhookEvent{
		ID: "in-flight", Source: model.SourceWhatsApp, Status: model.WebhookProcessing,
	}))
	_, claimed, err := f.store.ClaimWebhookEventID(ctx, model.SourceWhatsApp, "evt-9", "in-flight")
	require.NoError(t, err)
	require.True(t, claimed)

	h := http.Header{}
	h.Set("X-Event-Id", "evt-9")
	_, err = f.webhooks.Ingest(ctx, IngestRequest{Provider: "whatsapp", Headers: h, Body: []byte(`{}`)})
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}

func TestIngestFailedOwnerHandsOverClaim(t *testing.T) {
	f := newFixture(t, webhook.Policy{AllowUnsigned: true})
	ctx := context.Background()

	require.NoError(t, f.store.CreateWebhookEvent(ctx, &model.WebhookEvent{
		ID: "lost", Source: model.SourceWhatsApp, Status: model.WebhookFailed,
	}))
	_, _, err := f.store.ClaimWebhookEventID(ctx, model.SourceWhatsApp, "evt-7", "lost")
	require.NoError(t, err)

	body := []byte(`{"entry":[{"changes":[{"value":{
		"messages":[{"from":"263775772277","id":"wamid.again","timestamp":"1700000000","type":"text","text":{"body":"again"}}]
	}}]}]}`)
	h := http.Header{}
	h.Set("X-Event-Id", "evt-7")
	ack, err := f.webhooks.Ingest(ctx, IngestRequest{Provider: "whatsapp", Headers: h, Body: body})
	require.NoError(t, err)
	assert.False(t, ack.Duplicate)
	assert.Len(t, f.allMessages(t), 1)
}

func TestPageBounds(t *testing.T) {
	tests := []struct {
		name                string
		page, limit         int
		wantPage, wantLimit int
		wantOffset          int
	}{
		{name: "defaults", page: 0, limit: 0, wantPage: 1, wantLimit: 20, wantOffset: 0},
		{name: "third page", page: 3, limit: 10, wantPage: 3, wantLimit: 10, wantOffset: 20},
		{name: "limit capped", page: 2, limit: 500, wantPage: 2, wantLimit: 100, wantOffset: 100},
		{name: "huge page", page: math.MaxInt, limit: 100, wantPage: maxPage, wantLimit: 100, wantOffset: (maxPage - 1) * 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, limit, offset := pageBounds(tt.page, tt.limit)
			assert.Equal(t, tt.wantPage, page)
			assert.Equal(t, tt.wantLimit, limit)
			assert.Equal(t, tt.wantOffset, offset)
			assert.GreaterOrEqual(t, offset, 0)
		})
	}
}

func TestListingHugePageIsEmptyNotAnError(t *testing.T) {
	f := newFixture(t, webhook.Policy{AllowUnsigned: true})
	conv, err := f.convs.EnsureDirect(context.Background(), "alice", "bob")
	require.NoError(t, err)

	res, err := f.messages.ConversationMessages(context.Background(), alice, conv.ID, math.MaxInt, 100)
	require.NoError(t, err)
	assert.Empty(t, res.Messages)
	assert.Equal(t, maxPage, res.Page)
}
