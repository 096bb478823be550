// Package queue is the Redis-backed at-least-once message transport.
//
// Messages move between three lists: pending, processing, and the DLQ.
// Receive counting lives in a hash keyed by message id; once a message
// exceeds its redelivery budget it is moved to the DLQ list instead of
// being handed to a consumer.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/drawlytics/conveyor/internal/core/domain"
)

// Config holds Redis connection configuration.
type Config struct {
	URL       string `yaml:"url"`
	Password  string `yaml:"password"`
	Namespace string `yaml:"namespace"`
}

// Client wraps Redis operations for the job queue.
type Client struct {
	rdb         *redis.Client
	ns          string
	maxReceives int
	now         func() time.Time
}

// NewClient creates a new queue client. maxReceives is the redelivery
// budget before a message is dead-lettered.
func NewClient(cfg Config, maxReceives int) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ns := cfg.Namespace
	if ns == "" {
		ns = "conveyor"
	}
	return &Client{rdb: rdb, ns: ns, maxReceives: maxReceives, now: time.Now}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key helpers
func (c *Client) pendingKey() string      { return c.ns + ":pending" }
func (c *Client) processingKey() string   { return c.ns + ":processing" }
func (c *Client) dlqKey() string          { return c.ns + ":dlq" }
func (c *Client) dlqWorkingKey() string   { return c.ns + ":dlq_working" }
func (c *Client) receiveCountKey() string { return c.ns + ":receive_counts" }
func (c *Client) firstReceiveKey() string { return c.ns + ":first_receive" }
func (c *Client) attemptStartKey() string { return c.ns + ":attempt_start" }
func (c *Client) attemptTimeKey() string  { return c.ns + ":last_attempt_ms" }
func (c *Client) dlqClaimKey() string     { return c.ns + ":dlq_claims" }

// envelope is the wire form stored in the lists. The raw JSON string is
// also the list member, so LREM can remove exactly this delivery.
type envelope struct {
	ID      string         `json:"id"`
	Message domain.Message `json:"message"`
	SentAt  time.Time      `json:"sent_at"`
}

// Delivery is one received message plus its transport bookkeeping.
type Delivery struct {
	domain.Delivery
	// ID is the transport-level message id, stable across redeliveries.
	ID  string
	raw string
}

// Enqueue publishes a message to the pending queue.
func (c *Client) Enqueue(ctx context.Context, msg domain.Message) (string, error) {
	env := envelope{
		ID:      uuid.NewString(),
		Message: msg,
		SentAt:  c.now().UTC(),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := c.rdb.LPush(ctx, c.pendingKey(), raw).Err(); err != nil {
		return "", fmt.Errorf("lpush failed: %w", err)
	}
	return env.ID, nil
}

// Receive blocks up to wait for the next pending message, moving it to
// the processing list. Returns (nil, nil) when the wait times out or
// the popped message went straight to the DLQ.
func (c *Client) Receive(ctx context.Context, wait time.Duration) (*Delivery, error) {
	raw, err := c.rdb.BLMove(ctx, c.pendingKey(), c.processingKey(), "RIGHT", "LEFT", wait).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("blmove failed: %w", err)
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		// Poison payload: dead-letter it untouched.
		_ = c.rdb.LRem(ctx, c.processingKey(), 1, raw).Err()
		_ = c.rdb.LPush(ctx, c.dlqKey(), raw).Err()
		return nil, fmt.Errorf("failed to unmarshal message, dead-lettered: %w", err)
	}

	now := c.now()
	count, err := c.rdb.HIncrBy(ctx, c.receiveCountKey(), env.ID, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("hincrby failed: %w", err)
	}
	c.rdb.HSetNX(ctx, c.firstReceiveKey(), env.ID, now.Unix())

	if int(count) > c.maxReceives {
		// Redelivery budget exhausted: record the last attempt's
		// duration for the analyzer and move the message to the DLQ.
		if startStr, err := c.rdb.HGet(ctx, c.attemptStartKey(), env.ID).Result(); err == nil {
			if start, err := strconv.ParseInt(startStr, 10, 64); err == nil {
				elapsed := now.Sub(time.Unix(start, 0))
				c.rdb.HSet(ctx, c.attemptTimeKey(), env.ID, elapsed.Milliseconds())
			}
		}
		pipe := c.rdb.TxPipeline()
		pipe.LRem(ctx, c.processingKey(), 1, raw)
		pipe.LPush(ctx, c.dlqKey(), raw)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("dead-letter move failed: %w", err)
		}
		return nil, nil
	}

	c.rdb.HSet(ctx, c.attemptStartKey(), env.ID, now.Unix())

	d := &Delivery{
		Delivery: domain.Delivery{
			Message:      env.Message,
			ReceiveCount: int(count),
			SentAt:       env.SentAt,
			ReceivedAt:   now,
		},
		ID:  env.ID,
		raw: raw,
	}
	if firstStr, err := c.rdb.HGet(ctx, c.firstReceiveKey(), env.ID).Result(); err == nil {
		if first, err := strconv.ParseInt(firstStr, 10, 64); err == nil {
			d.FirstReceivedAt = time.Unix(first, 0)
		}
	}
	return d, nil
}

// Ack acknowledges a successfully handled delivery and clears its
// bookkeeping.
func (c *Client) Ack(ctx context.Context, d *Delivery) error {
	pipe := c.rdb.TxPipeline()
	pipe.LRem(ctx, c.processingKey(), 1, d.raw)
	pipe.HDel(ctx, c.receiveCountKey(), d.ID)
	pipe.HDel(ctx, c.firstReceiveKey(), d.ID)
	pipe.HDel(ctx, c.attemptStartKey(), d.ID)
	pipe.HDel(ctx, c.attemptTimeKey(), d.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack failed: %w", err)
	}
	return nil
}

// Nack returns a delivery to the pending queue for redelivery. The
// receive count is preserved so the redelivery budget keeps counting.
func (c *Client) Nack(ctx context.Context, d *Delivery) error {
	pipe := c.rdb.TxPipeline()
	pipe.LRem(ctx, c.processingKey(), 1, d.raw)
	pipe.LPush(ctx, c.pendingKey(), d.raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("nack failed: %w", err)
	}
	return nil
}

// Depth returns the number of pending messages.
func (c *Client) Depth(ctx context.Context) (int64, error) {
	return c.rdb.LLen(ctx, c.pendingKey()).Result()
}
