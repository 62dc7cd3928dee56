package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kindred-ngo/messaging-gateway/internal/model"
	"github.com/kindred-ngo/messaging-gateway/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

// EventError is sent to a socket whose command could not be served.
const EventError = "error"

// clientMessage is a command read from a socket.
type clientMessage struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversationId,omitempty"`
	To             string          `json:"to,omitempty"`
	IsTyping       bool            `json:"isTyping,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// WebSocketHandler upgrades authenticated requests and pumps hub events.
type WebSocketHandler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *logger.Logger

	// Authenticate resolves the caller of the upgrade request.
	Authenticate func(r *http.Request) (model.Principal, error)
	// CanJoin authorizes joining a conversation room. Nil allows every join.
	CanJoin func(ctx context.Context, p model.Principal, conversationID string) error
}

// NewWebSocketHandler creates the /ws handler. An empty allowedOrigins list
// accepts any origin.
func NewWebSocketHandler(hub *Hub, allowedOrigins []string, log *logger.Logger) *WebSocketHandler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	return &WebSocketHandler{
		hub:    hub,
		logger: log.Named("relay.ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				_, ok := allowed[r.Header.Get("Origin")]
				return ok
			},
		},
	}
}

// ServeHTTP handles GET /ws.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, err := h.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:        uuid.NewString(),
		conn:      conn,
		send:      make(chan Envelope, sendBuffer),
		done:      make(chan struct{}),
		principal: principal,
	}

	ctx := context.WithoutCancel(r.Context())
	if err := h.hub.Register(ctx, c, principal.UserID); err != nil {
		h.logger.Error("failed to register socket", zap.Error(err))
		conn.Close()
		return
	}
	h.logger.Info("socket connected",
		zap.String("socket_id", c.id),
		zap.String("user_id", principal.UserID),
	)

	go h.writePump(c)
	h.readPump(ctx, c)
}

func (h *WebSocketHandler) readPump(ctx context.Context, c *client) {
	defer func() {
		h.hub.Unregister(ctx, c)
		c.close()
		h.logger.Info("socket disconnected", zap.String("socket_id", c.id))
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read error", zap.String("socket_id", c.id), zap.Error(err))
			}
			return
		}
		if err := h.dispatch(ctx, c, msg); err != nil {
			c.Deliver(errorEnvelope(msg.Type, err))
		}
	}
}

func (h *WebSocketHandler) dispatch(ctx context.Context, c *client, msg clientMessage) error {
	switch {
	case msg.Type == EventJoinConversation:
		if msg.ConversationID == "" {
			return errors.New("conversationId is required")
		}
		if h.CanJoin != nil {
			if err := h.CanJoin(ctx, c.principal, msg.ConversationID); err != nil {
				return err
			}
		}
		h.hub.JoinConversation(c, msg.ConversationID)
		return nil
	case msg.Type == EventLeaveConversation:
		h.hub.LeaveConversation(c, msg.ConversationID)
		return nil
	case msg.Type == EventTyping:
		if msg.ConversationID == "" {
			return errors.New("conversationId is required")
		}
		return h.hub.Typing(ctx, c, c.principal.UserID, msg.ConversationID, msg.IsTyping)
	case IsSignal(msg.Type):
		if msg.To == "" {
			return errors.New("to is required")
		}
		return h.hub.Signal(ctx, msg.Type, c.principal.UserID, msg.To, msg.Data)
	default:
		return errors.New("unknown event type")
	}
}

func (h *WebSocketHandler) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				h.logger.Debug("websocket write failed", zap.String("socket_id", c.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func errorEnvelope(cause string, err error) Envelope {
	data, _ := json.Marshal(map[string]string{"event": cause, "message": err.Error()})
	return Envelope{Type: EventError, Data: data, SentAt: time.Now().UTC()}
}

// client is one WebSocket connection.
type client struct {
	id        string
	conn      *websocket.Conn
	send      chan Envelope
	principal model.Principal

	closeOnce sync.Once
	done      chan struct{}
}

func (c *client) ID() string { return c.id }

func (c *client) Deliver(env Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}
