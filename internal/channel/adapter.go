// Package channel holds one adapter per messaging channel. Adapters translate
// between the canonical message model and a provider's API and webhook shapes.
package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kindred-ngo/messaging-gateway/internal/model"
)

var (
	// ErrNotMessageEvent is returned by ParseWebhook for well-formed payloads
	// that do not carry a message, such as delivery receipts.
	ErrNotMessageEvent = errors.New("payload is not a message event")
	// ErrNotImplemented is returned by channels that are recognized but have
	// no provider integration yet.
	ErrNotImplemented = errors.New("channel not yet implemented")
)

// ParseError reports a payload that looks like a message event but could not
// be decoded.
type ParseError struct {
	Channel model.Channel
	Reason  string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s webhook: %s: %v", e.Channel, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s webhook: %s", e.Channel, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// QuickReply is a tappable suggested reply.
type QuickReply struct {
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

// Template is a structured attachment such as a generic card or button set.
type Template struct {
	Type     string           `json:"template_type"`
	Text     string           `json:"text,omitempty"`
	Elements []map[string]any `json:"elements,omitempty"`
	Buttons  []map[string]any `json:"buttons,omitempty"`
}

// SendOptions carries everything an adapter needs for one send. Adapters keep
// no credentials of their own.
type SendOptions struct {
	// MessageID and ConversationID identify the record the send is stored
	// as. Adapters that deliver internally reuse them.
	MessageID      string
	ConversationID string

	Recipient    string
	SenderID     string
	Text         string
	MediaURL     string
	AccessToken  string
	PageID       string
	Phone        string
	QuickReplies []QuickReply
	Template     *Template
}

// SendResult is the provider's acknowledgement.
type SendResult struct {
	ID        string
	Status    model.Status
	Timestamp time.Time
}

// Attachment is a media item on an inbound message.
type Attachment struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

// IncomingMessage is a provider message normalized for persistence.
type IncomingMessage struct {
	Channel     model.Channel
	ExternalID  string
	SenderID    string
	RecipientID string
	SenderPhone string
	Text        string
	Timestamp   time.Time
	Attachments []Attachment
	// QuickReplyPayload and PostbackPayload are set for Messenger variants.
	QuickReplyPayload string
	PostbackPayload   string
}

// ContentType infers the canonical content type.
func (m *IncomingMessage) ContentType() model.ContentType {
	if m.Text == "" && len(m.Attachments) > 0 {
		switch m.Attachments[0].Type {
		case "image", "video", "audio", "location":
			return model.ContentType(m.Attachments[0].Type)
		default:
			return model.ContentDocument
		}
	}
	return model.ContentText
}

// MediaURL returns the first attachment URL, if any.
func (m *IncomingMessage) MediaURL() string {
	for _, a := range m.Attachments {
		if a.URL != "" {
			return a.URL
		}
	}
	return ""
}

// Adapter is the capability contract every channel implements.
type Adapter interface {
	Channel() model.Channel
	Send(ctx context.Context, opts SendOptions) (*SendResult, error)
	// ParseWebhook returns the message carried by raw, ErrNotMessageEvent, or
	// a *ParseError.
	ParseWebhook(raw []byte) (*IncomingMessage, error)
}

// Registry maps every channel to its adapter.
type Registry struct {
	adapters map[model.Channel]Adapter
}

// NewRegistry builds a registry and fails if any channel lacks an adapter or
// an adapter is registered twice.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[model.Channel]Adapter, len(adapters))}
	for _, a := range adapters {
		ch := a.Channel()
		if !ch.Valid() {
			return nil, fmt.Errorf("adapter for unknown channel %q", ch)
		}
		if _, dup := r.adapters[ch]; dup {
			return nil, fmt.Errorf("duplicate adapter for channel %q", ch)
		}
		r.adapters[ch] = a
	}
	for _, ch := range model.AllChannels {
		if _, ok := r.adapters[ch]; !ok {
			return nil, fmt.Errorf("no adapter registered for channel %q", ch)
		}
	}
	return r, nil
}

// Get returns the adapter for ch.
func (r *Registry) Get(ch model.Channel) (Adapter, bool) {
	a, ok := r.adapters[ch]
	return a, ok
}
