package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"SignalFlow/pkg/logger"
)

// RedisQueue is a DelayQueue backed by a ZSET of IDs scored by due time,
// a HASH of payloads and a capped LIST of dead letters.
type RedisQueue struct {
	client    redis.UniversalClient
	log       *logger.Logger
	cfg       Config
	keyPrefix string
}

// RedisQueueOption configures RedisQueue.
type RedisQueueOption func(*RedisQueue)

// WithKeyPrefix sets custom key prefix.
func WithKeyPrefix(prefix string) RedisQueueOption {
	return func(r *RedisQueue) {
		r.keyPrefix = prefix
	}
}

func NewRedisQueue(lgr *logger.Logger, client redis.UniversalClient, cfg Config, opts ...RedisQueueOption) *RedisQueue {
	if lgr == nil {
		lgr = logger.NewNop()
	}
	rq := &RedisQueue{
		client:    client,
		log:       lgr,
		cfg:       cfg,
		keyPrefix: "signalflow:queue",
	}
	for _, opt := range opts {
		opt(rq)
	}
	return rq
}

func (r *RedisQueue) Schedule(ctx context.Context, id string, payload []byte, at time.Time) error {
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.payloadKey(), id, payload)
	pipe.ZAdd(ctx, r.retryKey(), redis.Z{Score: float64(at.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("schedule %s: %w", id, err)
	}
	return nil
}

func (r *RedisQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]Item, error) {
	rng := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10)}
	if limit > 0 {
		rng.Count = int64(limit)
	}
	due, err := r.client.ZRangeByScoreWithScores(ctx, r.retryKey(), rng).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch due: %w", err)
	}

	out := make([]Item, 0, len(due))
	for _, z := range due {
		id, _ := z.Member.(string)
		// ZREM decides ownership when several processes poll the same queue.
		removed, err := r.client.ZRem(ctx, r.retryKey(), id).Result()
		if err != nil {
			return out, fmt.Errorf("claim %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		payload, err := r.client.HGet(ctx, r.payloadKey(), id).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				r.log.Warn("delay queue payload missing", logger.String("id", id))
				continue
			}
			return out, fmt.Errorf("payload %s: %w", id, err)
		}
		if err := r.client.HDel(ctx, r.payloadKey(), id).Err(); err != nil {
			r.log.Warn("delay queue payload cleanup failed", logger.String("id", id), logger.Error(err))
		}
		out = append(out, Item{ID: id, Payload: payload, DueAt: time.UnixMilli(int64(z.Score)).UTC()})
	}
	return out, nil
}

func (r *RedisQueue) Remove(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.retryKey(), id)
	pipe.HDel(ctx, r.payloadKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	return nil
}

func (r *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := r.client.ZCard(ctx, r.retryKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard: %w", err)
	}
	return int(n), nil
}

func (r *RedisQueue) DeadLetter(ctx context.Context, id string, payload []byte) error {
	b, err := json.Marshal(Item{ID: id, Payload: payload, DueAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal dlq: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, r.deadLetterKey(), b)
	pipe.LTrim(ctx, r.deadLetterKey(), 0, int64(r.cfg.maxDead()-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("lpush dlq: %w", err)
	}
	return nil
}

// DeadLetters returns the newest dead letters first.
func (r *RedisQueue) DeadLetters(ctx context.Context, limit int) ([]Item, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	raw, err := r.client.LRange(ctx, r.deadLetterKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange dlq: %w", err)
	}
	out := make([]Item, 0, len(raw))
	for _, s := range raw {
		var it Item
		if err := json.Unmarshal([]byte(s), &it); err != nil {
			r.log.Warn("skip malformed dead letter", logger.Error(err))
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

// Close is a no-op; the client is owned by the caller.
func (r *RedisQueue) Close() error { return nil }

func (r *RedisQueue) retryKey() string {
	return fmt.Sprintf("%s:retry", r.keyPrefix)
}

func (r *RedisQueue) payloadKey() string {
	return fmt.Sprintf("%s:payload", r.keyPrefix)
}

func (r *RedisQueue) deadLetterKey() string {
	return fmt.Sprintf("%s:dlq", r.keyPrefix)
}
