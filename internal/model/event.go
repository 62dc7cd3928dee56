package model

import (
	"encoding/json"
	"time"
)

// WebhookSource is the fixed set of providers we accept callbacks from.
type WebhookSource string

const (
	SourceInstagram WebhookSource = "instagram"
	SourceFacebook  WebhookSource = "facebook"
	SourceWhatsApp  WebhookSource = "whatsapp"
	SourceStripe    WebhookSource = "stripe"
	SourceGoogle    WebhookSource = "google"
	SourceOther     WebhookSource = "other"
)

// Channel returns the messaging channel fed by this source, if any.
func (s WebhookSource) Channel() (Channel, bool) {
	switch s {
	case SourceInstagram:
		return ChannelInstagram, true
	case SourceFacebook:
		return ChannelFacebook, true
	case SourceWhatsApp:
		return ChannelWhatsApp, true
	}
	return "", false
}

// WebhookStatus is the processing state of a stored webhook.
type WebhookStatus string

const (
	WebhookReceived   WebhookStatus = "received"
	WebhookProcessing WebhookStatus = "processing"
	WebhookProcessed  WebhookStatus = "processed"
	WebhookFailed     WebhookStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s WebhookStatus) Terminal() bool {
	return s == WebhookProcessed || s == WebhookFailed
}

// WebhookRetention is how long webhook events are kept.
const WebhookRetention = 30 * 24 * time.Hour

// WebhookEvent is the audit record of one inbound provider callback.
// It is stored before signature verification so forged requests stay visible.
type WebhookEvent struct {
	ID           string            `json:"id"`
	Source       WebhookSource     `json:"source"`
	Provider     string            `json:"provider"`
	EventType    string            `json:"eventType,omitempty"`
	EventID      string            `json:"eventId,omitempty"`
	Status       WebhookStatus     `json:"status"`
	Headers      map[string]string `json:"headers,omitempty"`
	Payload      json.RawMessage   `json:"payload"`
	Signature    string            `json:"signature,omitempty"`
	SourceIP     string            `json:"sourceIp,omitempty"`
	RetryCount   int               `json:"retryCount"`
	Error        string            `json:"error,omitempty"`
	ProcessingMs int64             `json:"processingMs,omitempty"`
	DuplicateOf  string            `json:"duplicateOf,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	ProcessedAt  *time.Time        `json:"processedAt,omitempty"`
	ExpiresAt    time.Time         `json:"expiresAt"`
}

// Clone returns a deep copy.
func (e *WebhookEvent) Clone() *WebhookEvent {
	if e == nil {
		return nil
	}
	c := *e
	if e.Headers != nil {
		c.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			c.Headers[k] = v
		}
	}
	c.Payload = append(json.RawMessage(nil), e.Payload...)
	c.ProcessedAt = cloneTime(e.ProcessedAt)
	return &c
}

// WebhookOutcome is the terminal update applied to a webhook event.
type WebhookOutcome struct {
	Status       WebhookStatus
	Error        string
	ProcessingMs int64
	DuplicateOf  string
	At           time.Time
}

// WebhookAck is the success response body.
type WebhookAck struct {
	Status        string `json:"status"`
	ProcessedInMs int64  `json:"processedInMs"`
	EventID       string `json:"eventId,omitempty"`
	Duplicate     bool   `json:"duplicate,omitempty"`
}
