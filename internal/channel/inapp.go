package channel

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/kindred-ngo/messaging-gateway/internal/apperr"
	"github.com/kindred-ngo/messaging-gateway/internal/model"
)

// Notifier pushes a message to a connected user. relay.Hub implements it.
type Notifier interface {
	NotifyUser(ctx context.Context, userID string, msg *model.Message) error
}

// InApp delivers messages to the recipient's relay sockets.
type InApp struct {
	notifier Notifier
}

// NewInApp creates the in-app adapter.
func NewInApp(n Notifier) *InApp {
	return &InApp{notifier: n}
}

func (a *InApp) Channel() model.Channel { return model.ChannelInApp }

// Send pushes the outbound record to the recipient's sockets. Offline
// recipients still get the stored message and see it on their next listing.
func (a *InApp) Send(ctx context.Context, opts SendOptions) (*SendResult, error) {
	if opts.Recipient == "" {
		return nil, apperr.BadRequest("INVALID_RECIPIENT", "recipient id is required")
	}
	now := time.Now().UTC()
	id := opts.MessageID
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}

	contentType := model.ContentText
	if opts.MediaURL != "" {
		contentType = model.ContentImage
	}
	msg := &model.Message{
		ID:             id,
		Channel:        model.ChannelInApp,
		Direction:      model.DirectionOutbound,
		Status:         model.StatusSent,
		ConversationID: opts.ConversationID,
		ExternalID:     id,
		Content:        opts.Text,
		ContentType:    contentType,
		MediaURL:       opts.MediaURL,
		SenderID:       opts.SenderID,
		UserID:         opts.SenderID,
		RecipientID:    opts.Recipient,
		CreatedAt:      now,
		SentAt:         &now,
	}
	if err := a.notifier.NotifyUser(ctx, opts.Recipient, msg); err != nil {
		return nil, apperr.BadRequestWrap("SEND_FAILED", "failed to send via inapp", err)
	}
	return &SendResult{ID: id, Status: model.StatusSent, Timestamp: now}, nil
}

// inAppWebhook is a message posted by another internal service.
type inAppWebhook struct {
	ID          string `json:"id"`
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
	Text        string `json:"text"`
	Timestamp   int64  `json:"timestamp"`
}

// ParseWebhook accepts {id, senderId, recipientId, text, timestamp}.
func (a *InApp) ParseWebhook(raw []byte) (*IncomingMessage, error) {
	var p inAppWebhook
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &ParseError{Channel: model.ChannelInApp, Reason: "invalid JSON", Err: err}
	}
	if p.Text == "" {
		return nil, ErrNotMessageEvent
	}
	if p.SenderID == "" || p.ID == "" {
		return nil, &ParseError{Channel: model.ChannelInApp, Reason: "message without sender or id"}
	}
	return &IncomingMessage{
		Channel:     model.ChannelInApp,
		ExternalID:  p.ID,
		SenderID:    p.SenderID,
		RecipientID: p.RecipientID,
		Text:        p.Text,
		Timestamp:   unixMillis(p.Timestamp),
	}, nil
}
