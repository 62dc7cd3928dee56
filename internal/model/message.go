package model

import (
	"time"
)

// Channel is an external or internal messaging surface.
type Channel string

const (
	ChannelWhatsApp  Channel = "whatsapp"
	ChannelInstagram Channel = "instagram"
	ChannelFacebook  Channel = "facebook"
	ChannelInApp     Channel = "inapp"
	ChannelSMS       Channel = "sms"
	ChannelEmail     Channel = "email"
)

// AllChannels lists every channel in declaration order.
var AllChannels = []Channel{
	ChannelWhatsApp,
	ChannelInstagram,
	ChannelFacebook,
	ChannelInApp,
	ChannelSMS,
	ChannelEmail,
}

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	for _, known := range AllChannels {
		if c == known {
			return true
		}
	}
	return false
}

// Direction is inbound (received) or outbound (sent by us).
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Status is the delivery status of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return true
	}
	return false
}

// rank orders the forward-only delivery progression.
var rank = map[Status]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// CanTransition reports whether a message may move from one status to another.
// Progress is forward-only along pending, sent, delivered, read; forward skips
// are allowed because receipts can be lost. Failed is reachable only from
// pending or sent and is terminal. Repeating the current status is allowed.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	if from == StatusFailed {
		return false
	}
	if to == StatusFailed {
		return from == StatusPending || from == StatusSent
	}
	return rank[to] > rank[from]
}

// ContentType is the kind of message payload.
type ContentType string

const (
	ContentText     ContentType = "text"
	ContentImage    ContentType = "image"
	ContentVideo    ContentType = "video"
	ContentAudio    ContentType = "audio"
	ContentDocument ContentType = "document"
	ContentLocation ContentType = "location"
)

// MetadataError is the metadata key holding a channel failure reason.
const MetadataError = "error"

// Message is the canonical persisted message.
type Message struct {
	// Identity
	ID             string    `json:"id"`
	Channel        Channel   `json:"channel"`
	Direction      Direction `json:"direction"`
	Status         Status    `json:"status"`
	ConversationID string    `json:"conversationId"`
	ExternalID     string    `json:"externalId,omitempty"`
	UserID         string    `json:"userId,omitempty"`

	// Content
	Content     string      `json:"content"`
	ContentType ContentType `json:"contentType"`
	MediaURL    string      `json:"mediaUrl,omitempty"`

	// Addressing
	SenderID       string `json:"senderId,omitempty"`
	SenderPhone    string `json:"senderPhone,omitempty"`
	SenderEmail    string `json:"senderEmail,omitempty"`
	RecipientID    string `json:"recipientId,omitempty"`
	RecipientPhone string `json:"recipientPhone,omitempty"`
	RecipientEmail string `json:"recipientEmail,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	// Timestamps
	CreatedAt   time.Time  `json:"createdAt"`
	SentAt      *time.Time `json:"sentAt,omitempty"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	ReadAt      *time.Time `json:"readAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
}

// ApplyStatus sets the status and stamps the matching timestamp.
// Callers validate the transition first.
func (m *Message) ApplyStatus(status Status, at time.Time, reason string) {
	m.Status = status
	t := at
	switch status {
	case StatusSent:
		m.SentAt = &t
	case StatusDelivered:
		m.DeliveredAt = &t
	case StatusRead:
		m.ReadAt = &t
	case StatusFailed:
		m.FailedAt = &t
		if m.Metadata == nil {
			m.Metadata = make(map[string]any)
		}
		m.Metadata[MetadataError] = reason
	}
}

// Clone returns a deep copy so stored values are never shared with callers.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Metadata != nil {
		c.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	c.SentAt = cloneTime(m.SentAt)
	c.DeliveredAt = cloneTime(m.DeliveredAt)
	c.ReadAt = cloneTime(m.ReadAt)
	c.FailedAt = cloneTime(m.FailedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// SendRequest is the body of POST /messages/send.
type SendRequest struct {
	Channels       []string `json:"channels"`
	Message        string   `json:"message"`
	RecipientPhone string   `json:"recipientPhone,omitempty"`
	RecipientID    string   `json:"recipientId,omitempty"`
	MediaURL       string   `json:"mediaUrl,omitempty"`
}

// SendResult is the outcome of one channel attempt.
type SendResult struct {
	Channel   string `json:"channel"`
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	RecordID  string `json:"recordId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SendResponse is the response of POST /messages/send.
type SendResponse struct {
	Results []SendResult `json:"results"`
}

// UpdateStatusRequest is the body of PATCH /messages/{id}/status.
type UpdateStatusRequest struct {
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	Page     int       `json:"page"`
	Limit    int       `json:"limit"`
	Total    int       `json:"total"`
	HasMore  bool      `json:"hasMore"`
}
