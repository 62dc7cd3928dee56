package channel

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kindred-ngo/messaging-gateway/internal/apperr"
	"github.com/kindred-ngo/messaging-gateway/internal/model"
	"github.com/kindred-ngo/messaging-gateway/pkg/logger"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  map[string][]string
	Header http.Header
	Body   map[string]any
}

type recorder struct {
	mu       sync.Mutex
	requests []recordedRequest
}

func (r *recorder) all() []recordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedRequest(nil), r.requests...)
}

func newProvider(t *testing.T, status int, response string) (*httptest.Server, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		rec.mu.Lock()
		rec.requests = append(rec.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Header: r.Header.Clone(),
			Body:   body,
		})
		rec.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func TestNormalizePhone(t *testing.T) {
	a, err := NormalizePhone("+263 77 577 2277")
	require.NoError(t, err)
	b, err := NormalizePhone("263775772277")
	require.NoError(t, err)
	assert.Equal(t, "263775772277", a)
	assert.Equal(t, a, b)

	c, err := NormalizePhone("(263) 77-577-2277")
	require.NoError(t, err)
	assert.Equal(t, a, c)

	for _, bad := range []string{"", "123456", "1234567890123456", "+26377577227a", "call me", "1.2.3.4.5.6.7", "263.775.772.277"} {
		_, err := NormalizePhone(bad)
		assert.True(t, apperr.IsKind(err, apperr.KindBadRequest), bad)
	}

	seven, err := NormalizePhone("1234567")
	require.NoError(t, err)
	assert.Equal(t, "1234567", seven)
}

func TestWhatsAppSendText(t *testing.T) {
	srv, reqs := newProvider(t, http.StatusOK, `{"messages":[{"id":"wamid.1"}]}`)
	wa := NewWhatsApp(srv.URL, ClientConfig{}, logger.NewNop())

	res, err := wa.Send(context.Background(), SendOptions{
		Phone:       "+263 77 577 2277",
		Text:        "hello",
		AccessToken: "api-key",
	})
	require.NoError(t, err)
	assert.Equal(t, "wamid.1", res.ID)
	assert.Equal(t, model.StatusSent, res.Status)

	require.Len(t, reqs.all(), 1)
	got := reqs.all()[0]
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/messages", got.Path)
	assert.Equal(t, "Bearer api-key", got.Header.Get("Authorization"))
	assert.Equal(t, "263775772277", got.Body["to"])
	assert.Equal(t, "text", got.Body["type"])
	assert.Equal(t, map[string]any{"body": "hello"}, got.Body["text"])
}

func TestWhatsAppSendImageWithCaption(t *testing.T) {
	srv, reqs := newProvider(t, http.StatusOK, `{"messageId":"gw-9"}`)
	wa := NewWhatsApp(srv.URL, ClientConfig{}, logger.NewNop())

	res, err := wa.Send(context.Background(), SendOptions{
		Phone:    "263775772277",
		Text:     "look",
		MediaURL: "https://cdn.example.org/a.jpg",
	})
	require.NoError(t, err)
	assert.Equal(t, "gw-9", res.ID)

	got := reqs.all()[0]
	assert.Equal(t, "image", got.Body["type"])
	assert.Equal(t, map[string]any{"link": "https://cdn.example.org/a.jpg", "caption": "look"}, got.Body["image"])
}

func TestWhatsAppInvalidPhoneMakesNoCall(t *testing.T) {
	srv, reqs := newProvider(t, http.StatusOK, `{}`)
	wa := NewWhatsApp(srv.URL, ClientConfig{}, logger.NewNop())

	_, err := wa.Send(context.Background(), SendOptions{Phone: "12ab", Text: "x"})
	assert.True(t, apperr.IsKind(err, apperr.KindBadRequest))
	assert.Empty(t, reqs.all())
}

func TestProviderErrorIsNotLeaked(t *testing.T) {
	srv, _ := newProvider(t, http.StatusBadRequest, `{"error":{"message":"internal token abc expired"}}`)
	wa := NewWhatsApp(srv.URL, ClientConfig{}, logger.NewNop())

	_, err := wa.Send(context.Background(), SendOptions{Phone: "263775772277", Text: "x"})
	require.Error(t, err)

	appErr := apperr.As(err)
	assert.Equal(t, apperr.KindBadRequest, appErr.Kind)
	assert.Equal(t, "failed to send via whatsapp", appErr.Message)
	assert.NotContains(t, appErr.Message, "abc")

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusBadRequest, perr.StatusCode)
}

func TestWhatsAppParseWebhook(t *testing.T) {
	wa := NewWhatsApp("http://unused", ClientConfig{}, logger.NewNop())

	msg, err := wa.ParseWebhook([]byte(`{
		"object":"whatsapp_business_account",
		"entry":[{"id":"1","changes":[{"field":"messages","value":{
			"messaging_product":"whatsapp",
			"metadata":{"display_phone_number":"15550001111","phone_number_id":"pn-1"},
			"messages":[{"from":"263775772277","id":"wamid.in","timestamp":"1700000000","type":"text","text":{"body":"hi"}}]
		}}]}]}`))
	require.NoError(t, err)
	assert.Equal(t, "wamid.in", msg.ExternalID)
	assert.Equal(t, "263775772277", msg.SenderPhone)
	assert.Equal(t, "pn-1", msg.RecipientID)
	assert.Equal(t, "hi", msg.Text)
	assert.Equal(t, int64(1700000000), msg.Timestamp.Unix())

	_, err = wa.ParseWebhook([]byte(`{"entry":[{"changes":[{"value":{"statuses":[{"id":"x"}]}}]}]}`))
	assert.ErrorIs(t, err, ErrNotMessageEvent)

	_, err = wa.ParseWebhook([]byte(`{"entry":[{"changes":[{"value":{"messages":[{"type":"text"}]}}]}]}`))
	var perr *ParseError
	assert.ErrorAs(t, err, &perr)

	_, err = wa.ParseWebhook([]byte(`not json`))
	assert.ErrorAs(t, err, &perr)
}

func TestGraphSendUsesPageAndToken(t *testing.T) {
	srv, reqs := newProvider(t, http.StatusOK, `{"recipient_id":"igsid-1","message_id":"mid.1"}`)
	ig := NewInstagram(srv.URL, ClientConfig{}, logger.NewNop())

	res, err := ig.Send(context.Background(), SendOptions{
		Recipient:    "igsid-1",
		Text:         "hello",
		AccessToken:  "page-token",
		PageID:       "page-7",
		QuickReplies: []QuickReply{{Title: "Yes", Payload: "YES"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "mid.1", res.ID)

	got := reqs.all()[0]
	assert.Equal(t, "/page-7/messages", got.Path)
	assert.Equal(t, []string{"page-token"}, got.Query["access_token"])
	assert.Equal(t, map[string]any{"id": "igsid-1"}, got.Body["recipient"])
	message := got.Body["message"].(map[string]any)
	assert.Equal(t, "hello", message["text"])
	assert.Len(t, message["quick_replies"], 1)
}

func TestGraphSendTemplate(t *testing.T) {
	srv, reqs := newProvider(t, http.StatusOK, `{"message_id":"mid.2"}`)
	fb := NewMessenger(srv.URL, ClientConfig{}, logger.NewNop())

	_, err := fb.Send(context.Background(), SendOptions{
		Recipient:   "psid-1",
		AccessToken: "t",
		PageID:      "p",
		Template: &Template{
			Type:    "button",
			Text:    "Pick one",
			Buttons: []map[string]any{{"type": "postback", "title": "A", "payload": "A"}},
		},
	})
	require.NoError(t, err)

	message := reqs.all()[0].Body["message"].(map[string]any)
	attachment := message["attachment"].(map[string]any)
	assert.Equal(t, "template", attachment["type"])
	payload := attachment["payload"].(map[string]any)
	assert.Equal(t, "button", payload["template_type"])
}

func TestGraphSendRequiresCredentials(t *testing.T) {
	srv, reqs := newProvider(t, http.StatusOK, `{}`)
	fb := NewMessenger(srv.URL, ClientConfig{}, logger.NewNop())

	_, err := fb.Send(context.Background(), SendOptions{Recipient: "psid-1", Text: "x"})
	assert.True(t, apperr.IsKind(err, apperr.KindBadRequest))
	assert.Empty(t, reqs.all())
}

func TestGraphReadPath(t *testing.T) {
	srv, reqs := newProvider(t, http.StatusOK, `{"data":[{"id":"t_1","updated_time":"2024-01-01T00:00:00+0000","message_count":3,"participants":{"data":[{"id":"u1","name":"Ann"}]}}]}`)
	fb := NewMessenger(srv.URL, ClientConfig{}, logger.NewNop())

	convs, err := fb.ListConversations(context.Background(), Credentials{AccessToken: "t", PageID: "p"}, 0)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "t_1", convs[0].ID)
	assert.Equal(t, 3, convs[0].MessageCount)
	assert.Equal(t, "Ann", convs[0].Participants[0].Name)

	got := reqs.all()[0]
	assert.Equal(t, "/p/conversations", got.Path)
	assert.Equal(t, []string{"messenger"}, got.Query["platform"])
	assert.Equal(t, []string{"25"}, got.Query["limit"])
}

func TestGraphConversationMessages(t *testing.T) {
	srv, reqs := newProvider(t, http.StatusOK, `{"data":[{"id":"m_1","created_time":"2024-01-01T00:00:00+0000","from":{"id":"u1"},"message":"hey"}]}`)
	ig := NewInstagram(srv.URL, ClientConfig{}, logger.NewNop())

	msgs, err := ig.ConversationMessages(context.Background(), Credentials{AccessToken: "t", PageID: "p"}, "t_1", 500)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hey", msgs[0].Text)
	assert.Equal(t, "/t_1/messages", reqs.all()[0].Path)
	assert.Equal(t, []string{"100"}, reqs.all()[0].Query["limit"])
}

func TestGraphReadFailureIsExternal(t *testing.T) {
	srv, _ := newProvider(t, http.StatusInternalServerError, `{"error":"boom"}`)
	ig := NewInstagram(srv.URL, ClientConfig{}, logger.NewNop())

	_, err := ig.ListConversations(context.Background(), Credentials{AccessToken: "t", PageID: "p"}, 10)
	assert.True(t, apperr.IsKind(err, apperr.KindExternalService))
}

const messengerText = `{"object":"page","entry":[{"id":"p","time":1,"messaging":[{
	"sender":{"id":"psid-1"},"recipient":{"id":"page-7"},"timestamp":1700000000000,
	"message":{"mid":"mid.in","text":"hi","quick_reply":{"payload":"YES"}}}]}]}`

const messengerPostback = `{"object":"page","entry":[{"id":"p","time":1,"messaging":[{
	"sender":{"id":"psid-1"},"recipient":{"id":"page-7"},"timestamp":1700000000000,
	"postback":{"title":"Get Started","payload":"START"}}]}]}`

func TestMessengerParseWebhook(t *testing.T) {
	fb := NewMessenger("", ClientConfig{}, logger.NewNop())

	msg, err := fb.ParseWebhook([]byte(messengerText))
	require.NoError(t, err)
	assert.Equal(t, model.ChannelFacebook, msg.Channel)
	assert.Equal(t, "mid.in", msg.ExternalID)
	assert.Equal(t, "psid-1", msg.SenderID)
	assert.Equal(t, "page-7", msg.RecipientID)
	assert.Equal(t, "YES", msg.QuickReplyPayload)
	assert.Equal(t, int64(1700000000), msg.Timestamp.Unix())

	pb, err := fb.ParseWebhook([]byte(messengerPostback))
	require.NoError(t, err)
	assert.Equal(t, "Get Started", pb.Text)
	assert.Equal(t, "START", pb.PostbackPayload)
	assert.NotEmpty(t, pb.ExternalID)
}

func TestInstagramParseWebhook(t *testing.T) {
	ig := NewInstagram("", ClientConfig{}, logger.NewNop())

	msg, err := ig.ParseWebhook([]byte(messengerText))
	require.NoError(t, err)
	assert.Equal(t, model.ChannelInstagram, msg.Channel)

	_, err = ig.ParseWebhook([]byte(messengerPostback))
	assert.ErrorIs(t, err, ErrNotMessageEvent)

	_, err = ig.ParseWebhook([]byte(`{"object":"instagram","entry":[{"messaging":[{"sender":{"id":"a"},"message":{"mid":"m","text":"x","is_echo":true}}]}]}`))
	assert.ErrorIs(t, err, ErrNotMessageEvent)

	_, err = ig.ParseWebhook([]byte(`{"object":"instagram","entry":[{"messaging":[{"sender":{"id":"a"},"read":{"mid":"m"}}]}]}`))
	assert.ErrorIs(t, err, ErrNotMessageEvent)

	_, err = ig.ParseWebhook([]byte(`{"entry":[{"messaging":[{"message":{"text":"no ids"}}]}]}`))
	var perr *ParseError
	assert.ErrorAs(t, err, &perr)
}

type fakeNotifier struct {
	calls atomic.Int32
	last  *model.Message
}

func (f *fakeNotifier) NotifyUser(ctx context.Context, userID string, msg *model.Message) error {
	f.calls.Add(1)
	f.last = msg
	return nil
}

func TestInAppSend(t *testing.T) {
	n := &fakeNotifier{}
	a := NewInApp(n)

	res, err := a.Send(context.Background(), SendOptions{Recipient: "bob", SenderID: "alice", Text: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, int32(1), n.calls.Load())
	assert.Equal(t, "alice", n.last.SenderID)

	_, err = a.Send(context.Background(), SendOptions{Text: "hi"})
	assert.True(t, apperr.IsKind(err, apperr.KindBadRequest))
}

func TestInAppSendPushesTheRecordIdentity(t *testing.T) {
	n := &fakeNotifier{}
	a := NewInApp(n)

	res, err := a.Send(context.Background(), SendOptions{
		MessageID:      "rec-1",
		ConversationID: "conv-1",
		Recipient:      "bob",
		SenderID:       "alice",
		Text:           "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, "rec-1", res.ID)
	assert.Equal(t, "rec-1", n.last.ID)
	assert.Equal(t, "conv-1", n.last.ConversationID)
	assert.Equal(t, model.DirectionOutbound, n.last.Direction)
	assert.Equal(t, model.StatusSent, n.last.Status)
}

func TestUnsupportedChannels(t *testing.T) {
	for _, a := range []*Unsupported{NewSMS(), NewEmail()} {
		_, err := a.Send(context.Background(), SendOptions{Recipient: "x", Text: "y"})
		assert.ErrorIs(t, err, ErrNotImplemented)
	}
}

func TestRegistryIsExhaustive(t *testing.T) {
	log := logger.NewNop()
	all := []Adapter{
		NewWhatsApp("http://wa", ClientConfig{}, log),
		NewInstagram("", ClientConfig{}, log),
		NewMessenger("", ClientConfig{}, log),
		NewInApp(&fakeNotifier{}),
		NewSMS(),
		NewEmail(),
	}

	reg, err := NewRegistry(all...)
	require.NoError(t, err)
	for _, ch := range model.AllChannels {
		a, ok := reg.Get(ch)
		require.True(t, ok, ch)
		assert.Equal(t, ch, a.Channel())
	}

	_, err = NewRegistry(all[:5]...)
	assert.Error(t, err)

	_, err = NewRegistry(append(all, NewSMS())...)
	assert.Error(t, err)
}
