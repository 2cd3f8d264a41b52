package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Config tunes the Redis queue layer.
type Config struct {
	// KeyPrefix namespaces all queue keys.
	KeyPrefix string
	// VisibilityTimeout bounds how long a claimed message may sit in the
	// processing list before the reaper may return it to ready. Must
	// exceed the longest allowed step timeout.
	VisibilityTimeout time.Duration
	// PromoteInterval is how often due delayed messages move to ready.
	PromoteInterval time.Duration
	// ReapInterval is how often the processing list is swept.
	ReapInterval time.Duration
	// PromoteBatch caps messages promoted per sweep.
	PromoteBatch int
	// CompletedRetention and FailedRetention cap the retention lists.
	CompletedRetention int64
	FailedRetention    int64
}

// DefaultConfig returns production defaults. The visibility timeout
// covers the 30 minute step timeout ceiling with slack.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:          "hookflow:queue",
		VisibilityTimeout:  35 * time.Minute,
		PromoteInterval:    500 * time.Millisecond,
		ReapInterval:       30 * time.Second,
		PromoteBatch:       100,
		CompletedRetention: 1000,
		FailedRetention:    5000,
	}
}

// Validate checks the config for usable values.
func (c Config) Validate() error {
	if c.KeyPrefix == "" {
		return errors.New("key prefix required")
	}
	if c.VisibilityTimeout <= 0 {
		return errors.New("visibility timeout must be positive")
	}
	if c.PromoteInterval <= 0 || c.ReapInterval <= 0 {
		return errors.New("promote and reap intervals must be positive")
	}
	if c.PromoteBatch <= 0 {
		return errors.New("promote batch must be positive")
	}
	return nil
}

// promoteScript atomically moves due delayed messages to the ready
// list. KEYS[1]=delayed KEYS[2]=ready ARGV[1]=now-ms ARGV[2]=batch.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, raw in ipairs(due) do
	redis.call('LPUSH', KEYS[2], raw)
	redis.call('ZREM', KEYS[1], raw)
end
return #due
`)

// requeueScript returns a stale processing entry to ready, but only if
// it is still in processing so concurrent reapers cannot duplicate it.
// KEYS[1]=processing KEYS[2]=ready ARGV[1]=raw message.
var requeueScript = redis.NewScript(`
if redis.call('LREM', KEYS[1], 1, ARGV[1]) > 0 then
	redis.call('LPUSH', KEYS[2], ARGV[1])
	return 1
end
return 0
`)

// RedisQueue stores messages in Redis: a ready list per queue, a
// delayed zset scored by deliver-at time, and a processing list that
// holds claimed messages until they are acked or reaped.
type RedisQueue struct {
	rdb    redis.UniversalClient
	cfg    Config
	logger *slog.Logger
}

// New creates a RedisQueue over an existing client.
func New(rdb redis.UniversalClient, cfg Config, logger *slog.Logger) (*RedisQueue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue config: %w", err)
	}
	return &RedisQueue{rdb: rdb, cfg: cfg, logger: logger}, nil
}

func (q *RedisQueue) key(queue, part string) string {
	return q.cfg.KeyPrefix + ":" + queue + ":" + part
}

func (q *RedisQueue) claimKey(queue, msgID string) string {
	return q.key(queue, "claim:"+msgID)
}

// Enqueue publishes a message. Zero or negative delay means
// immediately deliverable; otherwise the message parks in the delayed
// zset until its deliver-at time.
func (q *RedisQueue) Enqueue(ctx context.Context, queue string, msg Message, delay time.Duration) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}
	if delay > 0 {
		deliverAt := time.Now().Add(delay).UnixMilli()
		err = q.rdb.ZAdd(ctx, q.key(queue, "delayed"), redis.Z{
			Score:  float64(deliverAt),
			Member: raw,
		}).Err()
		if err != nil {
			return fmt.Errorf("enqueue delayed: %w", err)
		}
		q.logger.Debug("Message delayed",
			"queue", queue, "type", msg.Type, "run_id", msg.RunID, "delay", delay)
		return nil
	}
	if err := q.rdb.LPush(ctx, q.key(queue, "ready"), raw).Err(); err != nil {
		return fmt.Errorf("enqueue ready: %w", err)
	}
	q.logger.Debug("Message enqueued",
		"queue", queue, "type", msg.Type, "run_id", msg.RunID)
	return nil
}

// claim blocks up to the given timeout for the next ready message,
// moves it to processing and marks the claim. A nil message means the
// wait timed out.
func (q *RedisQueue) claim(ctx context.Context, queue string, block time.Duration) (*Message, string, error) {
	raw, err := q.rdb.BRPopLPush(ctx, q.key(queue, "ready"), q.key(queue, "processing"), block).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("claim message: %w", err)
	}
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		// Undecodable payloads cannot be handled; park them in failed.
		q.discard(ctx, queue, raw, "failed")
		return nil, "", fmt.Errorf("decode queue message: %w", err)
	}
	err = q.rdb.Set(ctx, q.claimKey(queue, msg.ID), msg.RunID, q.cfg.VisibilityTimeout).Err()
	if err != nil {
		return nil, "", fmt.Errorf("mark claim: %w", err)
	}
	return &msg, raw, nil
}

// ack removes a handled message from processing and keeps it in the
// capped completed list.
func (q *RedisQueue) ack(ctx context.Context, queue string, msg *Message, raw string) {
	q.rdb.Del(ctx, q.claimKey(queue, msg.ID))
	q.discard(ctx, queue, raw, "completed")
}

// fail removes a message whose handler errored and keeps it in the
// capped failed list. The queue never redelivers it; retries are the
// processor's decision.
func (q *RedisQueue) fail(ctx context.Context, queue string, msg *Message, raw string) {
	q.rdb.Del(ctx, q.claimKey(queue, msg.ID))
	q.discard(ctx, queue, raw, "failed")
}

func (q *RedisQueue) discard(ctx context.Context, queue, raw, list string) {
	retention := q.cfg.CompletedRetention
	if list == "failed" {
		retention = q.cfg.FailedRetention
	}
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.key(queue, "processing"), 1, raw)
	pipe.LPush(ctx, q.key(queue, list), raw)
	pipe.LTrim(ctx, q.key(queue, list), 0, retention-1)
	if _, err := pipe.Exec(ctx); err != nil && ctx.Err() == nil {
		q.logger.Warn("Failed to settle message", "queue", queue, "list", list, "error", err)
	}
}

// promoteDue moves delayed messages whose deliver-at time has passed
// onto the ready list. Returns how many moved.
func (q *RedisQueue) promoteDue(ctx context.Context, queue string) (int, error) {
	n, err := promoteScript.Run(ctx, q.rdb,
		[]string{q.key(queue, "delayed"), q.key(queue, "ready")},
		time.Now().UnixMilli(), q.cfg.PromoteBatch).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed: %w", err)
	}
	return n, nil
}

// staleEntry is a processing-list message with no live claim marker.
type staleEntry struct {
	id  string
	raw string
}

// staleProcessing lists processing entries whose claim marker is gone,
// either because the claim TTL lapsed or the claiming worker died
// before setting it.
func (q *RedisQueue) staleProcessing(ctx context.Context, queue string) ([]staleEntry, error) {
	raws, err := q.rdb.LRange(ctx, q.key(queue, "processing"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("scan processing: %w", err)
	}
	var stale []staleEntry
	for _, raw := range raws {
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			stale = append(stale, staleEntry{id: "undecodable:" + strconv.Itoa(len(raw)), raw: raw})
			continue
		}
		exists, err := q.rdb.Exists(ctx, q.claimKey(queue, msg.ID)).Result()
		if err != nil {
			return nil, fmt.Errorf("check claim: %w", err)
		}
		if exists == 0 {
			stale = append(stale, staleEntry{id: msg.ID, raw: raw})
		}
	}
	return stale, nil
}

// requeue returns one stale entry to ready. Reports false when another
// reaper got there first.
func (q *RedisQueue) requeue(ctx context.Context, queue, raw string) (bool, error) {
	n, err := requeueScript.Run(ctx, q.rdb,
		[]string{q.key(queue, "processing"), q.key(queue, "ready")}, raw).Int()
	if err != nil {
		return false, fmt.Errorf("requeue stale: %w", err)
	}
	return n == 1, nil
}

// Depths reports the ready, delayed and processing backlog of a queue.
func (q *RedisQueue) Depths(ctx context.Context, queue string) (ready, delayed, processing int64, err error) {
	if ready, err = q.rdb.LLen(ctx, q.key(queue, "ready")).Result(); err != nil {
		return 0, 0, 0, fmt.Errorf("ready depth: %w", err)
	}
	if delayed, err = q.rdb.ZCard(ctx, q.key(queue, "delayed")).Result(); err != nil {
		return 0, 0, 0, fmt.Errorf("delayed depth: %w", err)
	}
	if processing, err = q.rdb.LLen(ctx, q.key(queue, "processing")).Result(); err != nil {
		return 0, 0, 0, fmt.Errorf("processing depth: %w", err)
	}
	return ready, delayed, processing, nil
}
