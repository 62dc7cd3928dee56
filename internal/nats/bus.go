package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kindred-ngo/messaging-gateway/internal/relay"
	"github.com/kindred-ngo/messaging-gateway/pkg/logger"
)

// RelaySubject carries relay envelopes between gateway instances.
const RelaySubject = "relay.events"

// Bus is a relay.Bus over NATS core publish/subscribe. Every instance
// receives every envelope and delivers to its own sockets.
type Bus struct {
	conn    *nats.Conn
	subject string
	logger  *logger.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

var _ relay.Bus = (*Bus)(nil)

// NewBus creates a relay bus on client's connection.
func NewBus(client *Client, log *logger.Logger) *Bus {
	return &Bus{
		conn:    client.Conn(),
		subject: RelaySubject,
		logger:  log.Named("relay.bus"),
	}
}

// Publish sends env to all instances.
func (b *Bus) Publish(ctx context.Context, env relay.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := b.conn.Publish(b.subject, data); err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}
	return nil
}

// Subscribe starts delivering envelopes received on the subject.
func (b *Bus) Subscribe(deliver func(relay.Envelope)) error {
	sub, err := b.conn.Subscribe(b.subject, func(m *nats.Msg) {
		var env relay.Envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			b.logger.Warn("dropping malformed relay envelope", zap.Error(err))
			return
		}
		deliver(env)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.subject, err)
	}

	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()
	return nil
}

// Close unsubscribes from the subject.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub == nil {
		return nil
	}
	err := b.sub.Unsubscribe()
	b.sub = nil
	return err
}
