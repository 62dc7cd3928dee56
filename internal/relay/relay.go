// Package relay fans real-time events out to connected sockets: new messages
// and typing indicators per conversation room, and call signaling per user room.
package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Event types carried on the relay.
const (
	EventNewMessage   = "new_message"
	EventTyping       = "typing"
	EventCallUser     = "call_user"
	EventAnswerCall   = "answer_call"
	EventICECandidate = "ice_candidate"
	EventEndCall      = "end_call"

	// Client commands that only change room membership.
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
)

// IsSignal reports whether t is a point-to-point call signaling event.
func IsSignal(t string) bool {
	switch t {
	case EventCallUser, EventAnswerCall, EventICECandidate, EventEndCall:
		return true
	}
	return false
}

// Envelope is one event addressed to a room.
type Envelope struct {
	Type           string          `json:"type"`
	Room           string          `json:"room"`
	From           string          `json:"from,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	// Exclude is the socket that produced the event and should not receive it.
	Exclude string    `json:"exclude,omitempty"`
	SentAt  time.Time `json:"sentAt"`
}

// UserRoom is the room every socket of userID joins.
func UserRoom(userID string) string { return "user:" + userID }

// ConversationRoom is the room for one conversation.
func ConversationRoom(conversationID string) string { return "conversation:" + conversationID }

// Presence tracks which socket a user is connected on.
type Presence interface {
	Set(ctx context.Context, userID, socketID string) error
	// Remove clears the entry only if it still points at socketID.
	Remove(ctx context.Context, userID, socketID string) error
	Lookup(ctx context.Context, userID string) (string, bool, error)
}

// Bus carries envelopes between hub instances.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe registers the delivery callback. It is called once at startup.
	Subscribe(deliver func(Envelope)) error
	Close() error
}

// LocalPresence is a process-local Presence. It is not shared across instances.
type LocalPresence struct {
	mu    sync.RWMutex
	users map[string]string
}

// NewLocalPresence creates an empty presence map.
func NewLocalPresence() *LocalPresence {
	return &LocalPresence{users: make(map[string]string)}
}

func (p *LocalPresence) Set(ctx context.Context, userID, socketID string) error {
	p.mu.Lock()
	p.users[userID] = socketID
	p.mu.Unlock()
	return nil
}

func (p *LocalPresence) Remove(ctx context.Context, userID, socketID string) error {
	p.mu.Lock()
	if p.users[userID] == socketID {
		delete(p.users, userID)
	}
	p.mu.Unlock()
	return nil
}

func (p *LocalPresence) Lookup(ctx context.Context, userID string) (string, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.users[userID]
	return id, ok, nil
}

// LocalBus delivers envelopes synchronously within the process.
type LocalBus struct {
	mu      sync.RWMutex
	deliver func(Envelope)
}

// NewLocalBus creates a bus with no subscriber.
func NewLocalBus() *LocalBus { return &LocalBus{} }

func (b *LocalBus) Publish(ctx context.Context, env Envelope) error {
	b.mu.RLock()
	deliver := b.deliver
	b.mu.RUnlock()
	if deliver != nil {
		deliver(env)
	}
	return nil
}

func (b *LocalBus) Subscribe(deliver func(Envelope)) error {
	b.mu.Lock()
	b.deliver = deliver
	b.mu.Unlock()
	return nil
}

func (b *LocalBus) Close() error { return nil }
