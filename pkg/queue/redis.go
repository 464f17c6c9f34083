package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/immuni-app/immuni-backend-analytics/pkg/model"
)

const (
	dequeuePollInterval = time.Second
	delayedPromoteBatch = 64
)

// RedisQueue implements Queue on one Redis partition. Keys:
//
//	q:<name>:pending     list, LPUSH producer / BLMOVE consumer tail
//	q:<name>:processing  list, in-flight deliveries
//	q:<name>:delayed     zset, score = redelivery unix millis
//	q:<name>:poison      hash, submission id -> poisoned record
type RedisQueue struct {
	client      *redis.Client
	name        string
	maxAttempts int
}

type RedisQueueConfig struct {
	Name        string
	MaxAttempts int
}

func NewRedis(client *redis.Client, cfg RedisQueueConfig) (*RedisQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("queue name required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = MaxAttemptsDefault
	}
	return &RedisQueue{client: client, name: cfg.Name, maxAttempts: cfg.MaxAttempts}, nil
}

func (q *RedisQueue) Name() string { return q.name }

func (q *RedisQueue) key(suffix string) string { return "q:" + q.name + ":" + suffix }

func (q *RedisQueue) Enqueue(ctx context.Context, item model.WorkItem) error {
	raw, err := item.Encode()
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key("pending"), raw).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Delivery{}, err
		}
		if err := q.promoteDue(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return Delivery{}, err
		}
		raw, err := q.client.BLMove(ctx, q.key("pending"), q.key("processing"), "RIGHT", "LEFT", dequeuePollInterval).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Delivery{}, ctx.Err()
			}
			return Delivery{}, fmt.Errorf("dequeue %s: %w", q.name, err)
		}
		item, err := model.DecodeWorkItem([]byte(raw))
		if err != nil {
			// Undecodable bytes cannot be retried meaningfully; park them
			// for triage instead of spinning on them.
			_ = q.client.LRem(ctx, q.key("processing"), 1, raw).Err()
			_ = q.client.RPush(ctx, q.key("malformed"), raw).Err()
			continue
		}
		return Delivery{Item: item, raw: []byte(raw)}, nil
	}
}

func (q *RedisQueue) promoteDue(ctx context.Context) error {
	now := float64(time.Now().UnixMilli())
	due, err := q.client.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now), Count: delayedPromoteBatch,
	}).Result()
	if err != nil || len(due) == 0 {
		return err
	}
	pipe := q.client.TxPipeline()
	for _, raw := range due {
		pipe.ZRem(ctx, q.key("delayed"), raw)
		pipe.LPush(ctx, q.key("pending"), raw)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Ack(ctx context.Context, d Delivery) error {
	return q.client.LRem(ctx, q.key("processing"), 1, string(d.raw)).Err()
}

func (q *RedisQueue) Nack(ctx context.Context, d Delivery, cause string, delay time.Duration) (bool, error) {
	if err := q.client.LRem(ctx, q.key("processing"), 1, string(d.raw)).Err(); err != nil {
		return false, fmt.Errorf("nack %s: %w", q.name, err)
	}
	item := d.Item
	item.Attempts++
	item.LastError = cause
	if item.Attempts >= q.maxAttempts {
		return true, q.poison(ctx, item)
	}
	raw, err := item.Encode()
	if err != nil {
		return false, err
	}
	readyAt := float64(time.Now().Add(delay).UnixMilli())
	if err := q.client.ZAdd(ctx, q.key("delayed"), redis.Z{Score: readyAt, Member: raw}).Err(); err != nil {
		return false, fmt.Errorf("nack %s: %w", q.name, err)
	}
	return false, nil
}

func (q *RedisQueue) poison(ctx context.Context, item model.WorkItem) error {
	rec := model.PoisonedItem{
		SubmissionID: item.SubmissionID,
		Platform:     item.Platform,
		Attempts:     item.Attempts,
		LastError:    item.LastError,
		PoisonedAt:   time.Now().UTC(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return q.client.HSet(ctx, q.key("poison"), item.SubmissionID, raw).Err()
}

func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	pending, err := q.client.LLen(ctx, q.key("pending")).Result()
	if err != nil {
		return 0, err
	}
	delayed, err := q.client.ZCard(ctx, q.key("delayed")).Result()
	if err != nil {
		return 0, err
	}
	return pending + delayed, nil
}

func (q *RedisQueue) Poisoned(ctx context.Context) ([]model.PoisonedItem, error) {
	entries, err := q.client.HGetAll(ctx, q.key("poison")).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.PoisonedItem, 0, len(entries))
	for _, raw := range entries {
		var rec model.PoisonedItem
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (q *RedisQueue) DiscardPoisoned(ctx context.Context, submissionID string) (bool, error) {
	removed, err := q.client.HDel(ctx, q.key("poison"), submissionID).Result()
	if err != nil {
		return false, err
	}
	return removed > 0, nil
}

func (q *RedisQueue) Recover(ctx context.Context) (int64, error) {
	var moved int64
	for {
		_, err := q.client.LMove(ctx, q.key("processing"), q.key("pending"), "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, err
		}
		moved++
	}
}

func (q *RedisQueue) Close() error { return nil }
