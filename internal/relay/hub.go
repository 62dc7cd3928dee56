package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kindred-ngo/messaging-gateway/internal/model"
	"github.com/kindred-ngo/messaging-gateway/pkg/logger"
	"github.com/kindred-ngo/messaging-gateway/pkg/metrics"
)

var (
	// ErrUserOffline is returned when a signaling target has no connected socket.
	ErrUserOffline = errors.New("user is not connected")
	// ErrNotInConversation is returned when a socket emits into a
	// conversation room it has not joined.
	ErrNotInConversation = errors.New("conversation not joined")
)

// Subscriber receives envelopes for the rooms it has joined.
// Deliver must not block; it reports false when the event was dropped.
type Subscriber interface {
	ID() string
	Deliver(env Envelope) bool
}

// Hub owns room membership for the process. Events go out through the Bus so
// that every instance delivers to its own sockets.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]Subscriber
	joined map[string]map[string]struct{}
	userOf map[string]string
	closed bool

	presence Presence
	bus      Bus
	logger   *logger.Logger
}

// NewHub creates a hub and subscribes it to bus.
func NewHub(presence Presence, bus Bus, log *logger.Logger) (*Hub, error) {
	h := &Hub{
		rooms:    make(map[string]map[string]Subscriber),
		joined:   make(map[string]map[string]struct{}),
		userOf:   make(map[string]string),
		presence: presence,
		bus:      bus,
		logger:   log.Named("relay"),
	}
	if err := bus.Subscribe(h.deliver); err != nil {
		return nil, fmt.Errorf("failed to subscribe to relay bus: %w", err)
	}
	return h, nil
}

// Register attaches a socket for userID and joins its user room.
func (h *Hub) Register(ctx context.Context, sub Subscriber, userID string) error {
	h.mu.Lock()
	h.userOf[sub.ID()] = userID
	h.joinLocked(sub, UserRoom(userID))
	h.mu.Unlock()

	metrics.RelayConnectionsActive.Inc()
	if err := h.presence.Set(ctx, userID, sub.ID()); err != nil {
		h.logger.Warn("failed to record presence", zap.String("user_id", userID), zap.Error(err))
	}
	return nil
}

// Unregister removes a socket from every room and clears its presence.
func (h *Hub) Unregister(ctx context.Context, sub Subscriber) {
	h.mu.Lock()
	id := sub.ID()
	for room := range h.joined[id] {
		h.leaveLocked(id, room)
	}
	delete(h.joined, id)
	userID, registered := h.userOf[id]
	delete(h.userOf, id)
	h.mu.Unlock()

	if !registered {
		return
	}
	metrics.RelayConnectionsActive.Dec()
	if err := h.presence.Remove(ctx, userID, id); err != nil {
		h.logger.Warn("failed to clear presence", zap.String("user_id", userID), zap.Error(err))
	}
}

// JoinConversation adds sub to a conversation room.
func (h *Hub) JoinConversation(sub Subscriber, conversationID string) {
	h.mu.Lock()
	h.joinLocked(sub, ConversationRoom(conversationID))
	h.mu.Unlock()
}

// LeaveConversation removes sub from a conversation room.
func (h *Hub) LeaveConversation(sub Subscriber, conversationID string) {
	h.mu.Lock()
	h.leaveLocked(sub.ID(), ConversationRoom(conversationID))
	h.mu.Unlock()
}

// InConversation reports whether sub has joined the conversation room.
func (h *Hub) InConversation(sub Subscriber, conversationID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.joined[sub.ID()][ConversationRoom(conversationID)]
	return ok
}

func (h *Hub) joinLocked(sub Subscriber, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]Subscriber)
		h.rooms[room] = members
	}
	members[sub.ID()] = sub

	rooms, ok := h.joined[sub.ID()]
	if !ok {
		rooms = make(map[string]struct{})
		h.joined[sub.ID()] = rooms
	}
	rooms[room] = struct{}{}
}

func (h *Hub) leaveLocked(id, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if rooms, ok := h.joined[id]; ok {
		delete(rooms, room)
	}
}

// Online reports whether userID has a connected socket on any instance.
func (h *Hub) Online(ctx context.Context, userID string) bool {
	_, ok, err := h.presence.Lookup(ctx, userID)
	return err == nil && ok
}

// Emit publishes env to every instance.
func (h *Hub) Emit(ctx context.Context, env Envelope) error {
	if env.SentAt.IsZero() {
		env.SentAt = time.Now().UTC()
	}
	return h.bus.Publish(ctx, env)
}

// PublishMessage announces msg to the sockets in its conversation room.
func (h *Hub) PublishMessage(ctx context.Context, msg *model.Message) error {
	if msg.ConversationID == "" {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return h.Emit(ctx, Envelope{
		Type:           EventNewMessage,
		Room:           ConversationRoom(msg.ConversationID),
		ConversationID: msg.ConversationID,
		Data:           data,
	})
}

// NotifyUser sends a new_message event to every socket of userID.
func (h *Hub) NotifyUser(ctx context.Context, userID string, msg *model.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return h.Emit(ctx, Envelope{
		Type:           EventNewMessage,
		Room:           UserRoom(userID),
		From:           msg.UserID,
		ConversationID: msg.ConversationID,
		Data:           data,
	})
}

// Typing relays a typing indicator to a conversation, skipping the sender.
// sub must have joined the conversation room.
func (h *Hub) Typing(ctx context.Context, sub Subscriber, userID, conversationID string, typing bool) error {
	if !h.InConversation(sub, conversationID) {
		return ErrNotInConversation
	}
	data, _ := json.Marshal(map[string]any{"userId": userID, "isTyping": typing})
	return h.Emit(ctx, Envelope{
		Type:           EventTyping,
		Room:           ConversationRoom(conversationID),
		From:           userID,
		ConversationID: conversationID,
		Data:           data,
		Exclude:        sub.ID(),
	})
}

// Signal relays a call signaling event point-to-point to the target user.
func (h *Hub) Signal(ctx context.Context, eventType, fromUserID, toUserID string, data json.RawMessage) error {
	if !IsSignal(eventType) {
		return fmt.Errorf("unknown signaling event %q", eventType)
	}
	if !h.Online(ctx, toUserID) {
		return ErrUserOffline
	}
	return h.Emit(ctx, Envelope{
		Type: eventType,
		Room: UserRoom(toUserID),
		From: fromUserID,
		Data: data,
	})
}

// Listen subscribes a buffered channel to room. The returned func detaches it.
func (h *Hub) Listen(room string, buffer int) (<-chan Envelope, func()) {
	sub := &chanSubscriber{id: uuid.NewString(), ch: make(chan Envelope, buffer)}
	h.mu.Lock()
	h.joinLocked(sub, room)
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			h.leaveLocked(sub.id, room)
			delete(h.joined, sub.id)
			h.mu.Unlock()
		})
	}
}

// deliver hands env to the local members of its room.
func (h *Hub) deliver(env Envelope) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	members := make([]Subscriber, 0, len(h.rooms[env.Room]))
	for id, sub := range h.rooms[env.Room] {
		if id != env.Exclude {
			members = append(members, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range members {
		if sub.Deliver(env) {
			metrics.RelayEventsTotal.WithLabelValues(env.Type).Inc()
		} else {
			h.logger.Debug("relay event dropped",
				zap.String("socket_id", sub.ID()),
				zap.String("type", env.Type),
			)
		}
	}
}

// Close stops delivery and closes the bus.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return h.bus.Close()
}

type chanSubscriber struct {
	id string
	ch chan Envelope
}

func (s *chanSubscriber) ID() string { return s.id }

func (s *chanSubscriber) Deliver(env Envelope) bool {
	select {
	case s.ch <- env:
		return true
	default:
		return false
	}
}
