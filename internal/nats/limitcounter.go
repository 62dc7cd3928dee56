package nats

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
	"github.com/nats-io/nats.go/jetstream"
)

// RateLimitBucket holds sliding-window counters shared by all instances.
const RateLimitBucket = "GATEWAY_RATELIMIT"

// LimitCounter is an httprate.LimitCounter backed by a JetStream KV bucket.
// Each window counter is one key; increments are compare-and-set on the key
// revision, and the bucket TTL expires old windows.
type LimitCounter struct {
	kv           jetstream.KeyValue
	windowLength time.Duration
	timeout      time.Duration
}

var _ httprate.LimitCounter = (*LimitCounter)(nil)

// NewLimitCounter opens the counter bucket with a TTL of two windows.
func NewLimitCounter(ctx context.Context, client *Client, windowLength time.Duration) (*LimitCounter, error) {
	kv, err := client.EnsureBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      RateLimitBucket,
		Description: "Sliding-window rate limit counters",
		Storage:     jetstream.MemoryStorage,
		TTL:         2 * windowLength,
	})
	if err != nil {
		return nil, err
	}
	return &LimitCounter{kv: kv, windowLength: windowLength, timeout: 2 * time.Second}, nil
}

// Config is called by httprate with the limiter settings.
func (c *LimitCounter) Config(requestLimit int, windowLength time.Duration) {
	c.windowLength = windowLength
}

// Increment adds one to the counter for the window.
func (c *LimitCounter) Increment(key string, currentWindow time.Time) error {
	return c.IncrementBy(key, currentWindow, 1)
}

// IncrementBy adds amount to the counter for the window.
func (c *LimitCounter) IncrementBy(key string, currentWindow time.Time, amount int) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	k := counterKey(key, currentWindow)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		entry, err := c.kv.Get(ctx, k)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			if _, err := c.kv.Create(ctx, k, encodeCount(amount)); err == nil {
				return nil
			} else if !errors.Is(err, jetstream.ErrKeyExists) {
				return fmt.Errorf("failed to create counter: %w", err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read counter: %w", err)
		}

		next := decodeCount(entry.Value()) + amount
		if _, err := c.kv.Update(ctx, k, encodeCount(next), entry.Revision()); err != nil {
			if isWrongRevision(err) {
				continue
			}
			return fmt.Errorf("failed to update counter: %w", err)
		}
		return nil
	}
	return errCASExhausted
}

// Get returns the counts of the current and previous windows.
func (c *LimitCounter) Get(key string, currentWindow, previousWindow time.Time) (int, int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	curr, err := c.read(ctx, counterKey(key, currentWindow))
	if err != nil {
		return 0, 0, err
	}
	prev, err := c.read(ctx, counterKey(key, previousWindow))
	if err != nil {
		return 0, 0, err
	}
	return curr, prev, nil
}

func (c *LimitCounter) read(ctx context.Context, k string) (int, error) {
	entry, err := c.kv.Get(ctx, k)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}
	return decodeCount(entry.Value()), nil
}

func counterKey(key string, window time.Time) string {
	return "rl." + hashKey(key) + "." + strconv.FormatInt(window.Unix(), 10)
}

func encodeCount(n int) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return buf
}

func decodeCount(b []byte) int {
	if len(b) != 8 {
		return 0
	}
	return int(binary.BigEndian.Uint64(b))
}
