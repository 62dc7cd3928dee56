package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/kindred-ngo/messaging-gateway/internal/relay"
)

// PresenceBucket maps user ids to their current socket id.
const PresenceBucket = "GATEWAY_PRESENCE"

// Presence is a relay.Presence shared across instances through JetStream KV.
// Entries expire after ttl so crashed instances do not leave users online.
type Presence struct {
	kv jetstream.KeyValue
}

var _ relay.Presence = (*Presence)(nil)

// NewPresence opens the presence bucket.
func NewPresence(ctx context.Context, client *Client, ttl time.Duration) (*Presence, error) {
	kv, err := client.EnsureBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      PresenceBucket,
		Description: "Relay user presence",
		Storage:     jetstream.MemoryStorage,
		TTL:         ttl,
	})
	if err != nil {
		return nil, err
	}
	return &Presence{kv: kv}, nil
}

func presenceKey(userID string) string { return "user." + hashKey(userID) }

// Set records userID as connected on socketID.
func (p *Presence) Set(ctx context.Context, userID, socketID string) error {
	if _, err := p.kv.PutString(ctx, presenceKey(userID), socketID); err != nil {
		return fmt.Errorf("failed to set presence: %w", err)
	}
	return nil
}

// Remove clears userID only if it still points at socketID.
func (p *Presence) Remove(ctx context.Context, userID, socketID string) error {
	key := presenceKey(userID)
	entry, err := p.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read presence: %w", err)
	}
	if string(entry.Value()) != socketID {
		return nil
	}
	if err := p.kv.Delete(ctx, key, jetstream.LastRevision(entry.Revision())); err != nil && !isWrongRevision(err) {
		return fmt.Errorf("failed to clear presence: %w", err)
	}
	return nil
}

// Lookup returns the socket id for userID, if online.
func (p *Presence) Lookup(ctx context.Context, userID string) (string, bool, error) {
	entry, err := p.kv.Get(ctx, presenceKey(userID))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read presence: %w", err)
	}
	return string(entry.Value()), true, nil
}
