package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kindred-ngo/messaging-gateway/internal/apperr"
	"github.com/kindred-ngo/messaging-gateway/internal/model"
)

// DefaultGraphURL is the Meta Graph API base used by Instagram and Messenger.
const DefaultGraphURL = "https://graph.facebook.com/v19.0"

// Credentials identify the page a Graph call acts for.
type Credentials struct {
	AccessToken string
	PageID      string
}

// RemoteParticipant is a party of a provider-side conversation.
type RemoteParticipant struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Username string `json:"username,omitempty"`
}

// RemoteConversation is a provider-side conversation thread.
type RemoteConversation struct {
	ID           string              `json:"id"`
	UpdatedTime  string              `json:"updatedTime,omitempty"`
	MessageCount int                 `json:"messageCount,omitempty"`
	Participants []RemoteParticipant `json:"participants"`
}

// RemoteMessage is one message of a provider-side conversation.
type RemoteMessage struct {
	ID          string            `json:"id"`
	CreatedTime string            `json:"createdTime,omitempty"`
	From        RemoteParticipant `json:"from"`
	Text        string            `json:"text"`
}

// ConversationReader is the read path offered by Graph-backed channels.
type ConversationReader interface {
	ListConversations(ctx context.Context, creds Credentials, limit int) ([]RemoteConversation, error)
	ConversationMessages(ctx context.Context, creds Credentials, conversationID string, limit int) ([]RemoteMessage, error)
}

// graphClient holds the Graph calls shared by Instagram and Messenger.
type graphClient struct {
	baseURL  string
	platform string
	client   *providerClient
}

func newGraphClient(baseURL, platform string, pc *providerClient) *graphClient {
	if baseURL == "" {
		baseURL = DefaultGraphURL
	}
	return &graphClient{baseURL: strings.TrimRight(baseURL, "/"), platform: platform, client: pc}
}

func (g *graphClient) endpoint(token string, params url.Values, segments ...string) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("access_token", token)
	escaped := make([]string, len(segments))
	for i, seg := range segments {
		escaped[i] = url.PathEscape(seg)
	}
	return g.baseURL + "/" + strings.Join(escaped, "/") + "?" + params.Encode()
}

type graphID struct {
	ID string `json:"id"`
}

type graphQuickReply struct {
	ContentType string `json:"content_type"`
	Title       string `json:"title"`
	Payload     string `json:"payload"`
}

type graphAttachment struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type graphOutbound struct {
	Text         string            `json:"text,omitempty"`
	QuickReplies []graphQuickReply `json:"quick_replies,omitempty"`
	Attachment   *graphAttachment  `json:"attachment,omitempty"`
}

type graphSendRequest struct {
	Recipient     graphID       `json:"recipient"`
	MessagingType string        `json:"messaging_type"`
	Message       graphOutbound `json:"message"`
}

type graphSendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

// buildMessage picks a template, media, or text body with optional quick replies.
func buildMessage(opts SendOptions) graphOutbound {
	var out graphOutbound
	switch {
	case opts.Template != nil:
		out.Attachment = &graphAttachment{Type: "template", Payload: opts.Template}
	case opts.MediaURL != "":
		out.Attachment = &graphAttachment{
			Type:    "image",
			Payload: map[string]any{"url": opts.MediaURL, "is_reusable": true},
		}
	default:
		out.Text = opts.Text
	}
	for _, qr := range opts.QuickReplies {
		out.QuickReplies = append(out.QuickReplies, graphQuickReply{
			ContentType: "text",
			Title:       qr.Title,
			Payload:     qr.Payload,
		})
	}
	return out
}

func (g *graphClient) send(ctx context.Context, opts SendOptions) (*SendResult, error) {
	if opts.Recipient == "" {
		return nil, apperr.BadRequest("INVALID_RECIPIENT", "recipient id is required")
	}
	if opts.AccessToken == "" || opts.PageID == "" {
		return nil, apperr.BadRequest("MISSING_CREDENTIALS", "page access token and page id are required")
	}

	req := graphSendRequest{
		Recipient:     graphID{ID: opts.Recipient},
		MessagingType: "RESPONSE",
		Message:       buildMessage(opts),
	}

	var resp graphSendResponse
	if err := g.client.do(ctx, http.MethodPost, g.endpoint(opts.AccessToken, nil, opts.PageID, "messages"), nil, req, &resp); err != nil {
		return nil, g.client.sendFailed(opts.Recipient, err)
	}
	return &SendResult{
		ID:        resp.MessageID,
		Status:    model.StatusSent,
		Timestamp: time.Now().UTC(),
	}, nil
}

type graphParticipants struct {
	Data []RemoteParticipant `json:"data"`
}

type graphConversationList struct {
	Data []struct {
		ID           string            `json:"id"`
		UpdatedTime  string            `json:"updated_time"`
		MessageCount int               `json:"message_count"`
		Participants graphParticipants `json:"participants"`
	} `json:"data"`
}

type graphMessageList struct {
	Data []struct {
		ID          string            `json:"id"`
		CreatedTime string            `json:"created_time"`
		From        RemoteParticipant `json:"from"`
		Message     string            `json:"message"`
	} `json:"data"`
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 25
	}
	if limit > 100 {
		return 100
	}
	return limit
}

func (g *graphClient) readFailed(op string, err error) error {
	g.client.logger.Error("provider read failed",
		zap.String("channel", string(g.client.channel)),
		zap.String("operation", op),
		zap.Error(err),
	)
	return apperr.External("failed to fetch "+op+" from "+string(g.client.channel), err)
}

func (g *graphClient) listConversations(ctx context.Context, creds Credentials, limit int) ([]RemoteConversation, error) {
	params := url.Values{}
	params.Set("platform", g.platform)
	params.Set("fields", "id,updated_time,message_count,participants")
	params.Set("limit", strconv.Itoa(clampLimit(limit)))

	var list graphConversationList
	if err := g.client.do(ctx, http.MethodGet, g.endpoint(creds.AccessToken, params, creds.PageID, "conversations"), nil, nil, &list); err != nil {
		return nil, g.readFailed("conversations", err)
	}

	out := make([]RemoteConversation, 0, len(list.Data))
	for _, c := range list.Data {
		out = append(out, RemoteConversation{
			ID:           c.ID,
			UpdatedTime:  c.UpdatedTime,
			MessageCount: c.MessageCount,
			Participants: c.Participants.Data,
		})
	}
	return out, nil
}

func (g *graphClient) conversationMessages(ctx context.Context, creds Credentials, conversationID string, limit int) ([]RemoteMessage, error) {
	if conversationID == "" {
		return nil, apperr.BadRequest("INVALID_CONVERSATION", "conversation id is required")
	}
	params := url.Values{}
	params.Set("fields", "id,created_time,from,message")
	params.Set("limit", strconv.Itoa(clampLimit(limit)))

	var list graphMessageList
	if err := g.client.do(ctx, http.MethodGet, g.endpoint(creds.AccessToken, params, conversationID, "messages"), nil, nil, &list); err != nil {
		return nil, g.readFailed("messages", err)
	}

	out := make([]RemoteMessage, 0, len(list.Data))
	for _, m := range list.Data {
		out = append(out, RemoteMessage{
			ID:          m.ID,
			CreatedTime: m.CreatedTime,
			From:        m.From,
			Text:        m.Message,
		})
	}
	return out, nil
}

// messagingWebhook is the entry[].messaging[] shape shared by Instagram and
// Messenger.
type messagingWebhook struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string           `json:"id"`
		Time      int64            `json:"time"`
		Messaging []messagingEvent `json:"messaging"`
	} `json:"entry"`
}

type messagingEvent struct {
	Sender    graphID `json:"sender"`
	Recipient graphID `json:"recipient"`
	Timestamp int64   `json:"timestamp"`
	Message   *struct {
		MID        string `json:"mid"`
		Text       string `json:"text"`
		IsEcho     bool   `json:"is_echo"`
		QuickReply *struct {
			Payload string `json:"payload"`
		} `json:"quick_reply"`
		Attachments []struct {
			Type    string `json:"type"`
			Payload struct {
				URL string `json:"url"`
			} `json:"payload"`
		} `json:"attachments"`
	} `json:"message"`
	Postback *struct {
		MID     string `json:"mid"`
		Title   string `json:"title"`
		Payload string `json:"payload"`
	} `json:"postback"`
}

// parseMessaging decodes entry[0].messaging[0]. Postbacks become messages
// only when acceptPostback is set.
func parseMessaging(ch model.Channel, raw []byte, acceptPostback bool) (*IncomingMessage, error) {
	var payload messagingWebhook
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &ParseError{Channel: ch, Reason: "invalid JSON", Err: err}
	}
	if len(payload.Entry) == 0 || len(payload.Entry[0].Messaging) == 0 {
		return nil, ErrNotMessageEvent
	}
	ev := payload.Entry[0].Messaging[0]

	in := &IncomingMessage{
		Channel:     ch,
		SenderID:    ev.Sender.ID,
		RecipientID: ev.Recipient.ID,
		Timestamp:   unixMillis(ev.Timestamp),
	}

	switch {
	case ev.Message != nil:
		if ev.Message.IsEcho {
			return nil, ErrNotMessageEvent
		}
		in.ExternalID = ev.Message.MID
		in.Text = ev.Message.Text
		if ev.Message.QuickReply != nil {
			in.QuickReplyPayload = ev.Message.QuickReply.Payload
		}
		for _, a := range ev.Message.Attachments {
			in.Attachments = append(in.Attachments, Attachment{Type: a.Type, URL: a.Payload.URL})
		}
	case ev.Postback != nil && acceptPostback:
		in.ExternalID = ev.Postback.MID
		if in.ExternalID == "" {
			in.ExternalID = fmt.Sprintf("postback-%s-%d", ev.Sender.ID, ev.Timestamp)
		}
		in.Text = ev.Postback.Title
		in.PostbackPayload = ev.Postback.Payload
	default:
		return nil, ErrNotMessageEvent
	}

	if in.SenderID == "" || in.ExternalID == "" {
		return nil, &ParseError{Channel: ch, Reason: "message without sender or id"}
	}
	return in, nil
}

func unixMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}
