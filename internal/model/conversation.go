// Package model defines data structures for the messaging gateway.
package model

import (
	"time"
)

// ConversationType distinguishes one-to-one from group threads.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// Conversation is a structured thread among a fixed set of participants.
// Messages reference it by ID; unstructured threads use a ThreadID as
// ConversationID instead.
type Conversation struct {
	ID            string           `json:"id"`
	Type          ConversationType `json:"type"`
	Participants  []string         `json:"participants"`
	Title         string           `json:"title,omitempty"`
	CreatedBy     string           `json:"createdBy"`
	CreatedAt     time.Time        `json:"createdAt"`
	LastMessageAt *time.Time       `json:"lastMessageAt,omitempty"`
}

// ThreadID is the ad hoc conversation id of identity on ch, such as
// "whatsapp:263775772277". Stored Conversation ids never contain the prefix
// separator, so the two kinds cannot collide.
func ThreadID(ch Channel, identity string) string {
	return string(ch) + ":" + identity
}

// HasParticipant reports whether userID belongs to the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	cp.LastMessageAt = cloneTime(c.LastMessageAt)
	return &cp
}

// NormalizeParticipants dedupes ids keeping the order of first appearance
// and drops blanks.
func NormalizeParticipants(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// DirectKey is the order-independent lookup key for a direct conversation.
func DirectKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// CreateConversationRequest is the request to create a conversation.
type CreateConversationRequest struct {
	Type         ConversationType `json:"type"`
	Participants []string         `json:"participants"`
	Title        string           `json:"title,omitempty"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
	HasMore       bool           `json:"hasMore"`
}
