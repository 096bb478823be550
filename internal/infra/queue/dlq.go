package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/drawlytics/conveyor/internal/core/domain"
)

// ReceiveDLQ blocks up to wait for the next dead-lettered message. The
// returned duration is the last attempt's processing time, for the
// failure analyzer. Returns (nil, 0, nil) on timeout.
func (c *Client) ReceiveDLQ(ctx context.Context, wait time.Duration) (*Delivery, time.Duration, error) {
	raw, err := c.rdb.BLMove(ctx, c.dlqKey(), c.dlqWorkingKey(), "RIGHT", "LEFT", wait).Result()
	if err == redis.Nil {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("blmove failed: %w", err)
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		// Poison payloads carry no claim, so ReapDLQWorking returns
		// them to the DLQ next sweep.
		return nil, 0, fmt.Errorf("failed to unmarshal dead-lettered message: %w", err)
	}
	c.rdb.HSet(ctx, c.dlqClaimKey(), env.ID, c.now().Unix())

	d := &Delivery{
		Delivery: domain.Delivery{
			Message:    env.Message,
			SentAt:     env.SentAt,
			ReceivedAt: c.now(),
		},
		ID:  env.ID,
		raw: raw,
	}
	if countStr, err := c.rdb.HGet(ctx, c.receiveCountKey(), env.ID).Result(); err == nil {
		if count, err := strconv.Atoi(countStr); err == nil {
			d.ReceiveCount = count
		}
	}
	if firstStr, err := c.rdb.HGet(ctx, c.firstReceiveKey(), env.ID).Result(); err == nil {
		if first, err := strconv.ParseInt(firstStr, 10, 64); err == nil {
			d.FirstReceivedAt = time.Unix(first, 0)
		}
	}

	var lastAttempt time.Duration
	if msStr, err := c.rdb.HGet(ctx, c.attemptTimeKey(), env.ID).Result(); err == nil {
		if ms, err := strconv.ParseInt(msStr, 10, 64); err == nil {
			lastAttempt = time.Duration(ms) * time.Millisecond
		}
	}
	return d, lastAttempt, nil
}

// AckDLQ acknowledges a finalized dead-lettered delivery and clears its
// bookkeeping.
func (c *Client) AckDLQ(ctx context.Context, d *Delivery) error {
	pipe := c.rdb.TxPipeline()
	pipe.LRem(ctx, c.dlqWorkingKey(), 1, d.raw)
	pipe.HDel(ctx, c.receiveCountKey(), d.ID)
	pipe.HDel(ctx, c.firstReceiveKey(), d.ID)
	pipe.HDel(ctx, c.attemptStartKey(), d.ID)
	pipe.HDel(ctx, c.attemptTimeKey(), d.ID)
	pipe.HDel(ctx, c.dlqClaimKey(), d.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dlq ack failed: %w", err)
	}
	return nil
}

// ReapDLQWorking returns stale entries from the DLQ working list to the
// DLQ. An entry is stale when its claim is older than the visibility
// window, or when it carries no claim at all (a consumer that died
// between claim and ack, or an unparseable payload). Returns the number
// moved.
func (c *Client) ReapDLQWorking(ctx context.Context, visibility time.Duration) (int, error) {
	raws, err := c.rdb.LRange(ctx, c.dlqWorkingKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("lrange failed: %w", err)
	}

	cutoff := c.now().Add(-visibility).Unix()
	moved := 0
	for _, raw := range raws {
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err == nil {
			claimStr, err := c.rdb.HGet(ctx, c.dlqClaimKey(), env.ID).Result()
			if err == nil {
				if claim, err := strconv.ParseInt(claimStr, 10, 64); err == nil && claim >= cutoff {
					continue
				}
			}
		}
		pipe := c.rdb.TxPipeline()
		pipe.LRem(ctx, c.dlqWorkingKey(), 1, raw)
		pipe.LPush(ctx, c.dlqKey(), raw)
		if env.ID != "" {
			pipe.HDel(ctx, c.dlqClaimKey(), env.ID)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return moved, fmt.Errorf("dlq requeue failed: %w", err)
		}
		moved++
	}
	return moved, nil
}

// ListDLQ returns up to limit dead-lettered messages without consuming
// them.
func (c *Client) ListDLQ(ctx context.Context, limit int64) ([]domain.Message, error) {
	raws, err := c.rdb.LRange(ctx, c.dlqKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange failed: %w", err)
	}
	msgs := make([]domain.Message, 0, len(raws))
	for _, raw := range raws {
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue
		}
		msgs = append(msgs, env.Message)
	}
	return msgs, nil
}

// RedriveDLQ moves every dead-lettered message back to the pending
// queue with a fresh redelivery budget. Returns the number moved.
func (c *Client) RedriveDLQ(ctx context.Context) (int, error) {
	moved := 0
	for {
		raw, err := c.rdb.RPopLPush(ctx, c.dlqKey(), c.pendingKey()).Result()
		if err == redis.Nil {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("redrive failed: %w", err)
		}
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err == nil {
			c.rdb.HDel(ctx, c.receiveCountKey(), env.ID)
			c.rdb.HDel(ctx, c.firstReceiveKey(), env.ID)
			c.rdb.HDel(ctx, c.attemptStartKey(), env.ID)
			c.rdb.HDel(ctx, c.attemptTimeKey(), env.ID)
		}
		moved++
	}
}

// ReapProcessing returns messages sitting in the processing list longer
// than the visibility window to the pending queue. Covers workers that
// died without acking. Returns the number re-queued.
func (c *Client) ReapProcessing(ctx context.Context, visibility time.Duration) (int, error) {
	raws, err := c.rdb.LRange(ctx, c.processingKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("lrange failed: %w", err)
	}

	cutoff := c.now().Add(-visibility).Unix()
	requeued := 0
	for _, raw := range raws {
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue
		}
		startStr, err := c.rdb.HGet(ctx, c.attemptStartKey(), env.ID).Result()
		if err != nil {
			continue
		}
		start, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil || start >= cutoff {
			continue
		}
		pipe := c.rdb.TxPipeline()
		pipe.LRem(ctx, c.processingKey(), 1, raw)
		pipe.LPush(ctx, c.pendingKey(), raw)
		if _, err := pipe.Exec(ctx); err != nil {
			return requeued, fmt.Errorf("requeue failed: %w", err)
		}
		requeued++
	}
	return requeued, nil
}
