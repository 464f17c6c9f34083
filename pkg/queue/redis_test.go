package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/immuni-app/immuni-backend-analytics/pkg/model"
)

func newTestRedisQueue(t *testing.T, maxAttempts int) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q, err := NewRedis(client, RedisQueueConfig{Name: "ios", MaxAttempts: maxAttempts})
	if err != nil {
		t.Fatalf("new redis queue: %v", err)
	}
	return q
}

func TestNewRedisValidation(t *testing.T) {
	if _, err := NewRedis(nil, RedisQueueConfig{Name: "ios"}); err == nil {
		t.Fatal("expected client required error")
	}
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	if _, err := NewRedis(client, RedisQueueConfig{}); err == nil {
		t.Fatal("expected name required error")
	}
	q, err := NewRedis(client, RedisQueueConfig{Name: "android"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if q.maxAttempts != MaxAttemptsDefault {
		t.Fatalf("expected default max attempts, got %d", q.maxAttempts)
	}
}

func TestRedisQueueEnqueueDequeueAck(t *testing.T) {
	q := newTestRedisQueue(t, 3)
	ctx := context.Background()

	item := model.NewWorkItem(model.PlatformIOS, []byte("tok"), "", nil)
	if err := q.Enqueue(ctx, item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	depth, err := q.Depth(ctx)
	if err != nil || depth != 1 {
		t.Fatalf("depth=%d err=%v", depth, err)
	}

	d, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if d.Item.SubmissionID != item.SubmissionID {
		t.Fatalf("dequeued wrong item: %s", d.Item.SubmissionID)
	}

	if err := q.Ack(ctx, d); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if n, _ := q.client.LLen(ctx, q.key("processing")).Result(); n != 0 {
		t.Fatalf("processing list not drained: %d", n)
	}
}

func TestRedisQueueNackRedeliversAfterDelay(t *testing.T) {
	q := newTestRedisQueue(t, 3)
	ctx := context.Background()

	item := model.NewWorkItem(model.PlatformIOS, []byte("tok"), "", nil)
	if err := q.Enqueue(ctx, item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	d, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	poisoned, err := q.Nack(ctx, d, "verifier unreachable", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("nack: %v", err)
	}
	if poisoned {
		t.Fatal("first nack must not poison")
	}

	time.Sleep(20 * time.Millisecond)
	ctxDeq, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	redelivered, err := q.Dequeue(ctxDeq)
	if err != nil {
		t.Fatalf("redelivery dequeue: %v", err)
	}
	if redelivered.Item.SubmissionID != item.SubmissionID {
		t.Fatalf("redelivered wrong item: %s", redelivered.Item.SubmissionID)
	}
	if redelivered.Item.Attempts != 1 {
		t.Fatalf("expected attempts=1 on redelivery, got %d", redelivered.Item.Attempts)
	}
	if redelivered.Item.LastError != "verifier unreachable" {
		t.Fatalf("cause lost on redelivery: %q", redelivered.Item.LastError)
	}
}

func TestRedisQueuePoisonAfterThreshold(t *testing.T) {
	q := newTestRedisQueue(t, 2)
	ctx := context.Background()

	item := model.NewWorkItem(model.PlatformIOS, []byte("tok"), "", nil)
	if err := q.Enqueue(ctx, item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if poisoned, _ := q.Nack(ctx, d, "attempt 1", 0); poisoned {
		t.Fatal("poisoned too early")
	}

	ctxDeq, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	d, err = q.Dequeue(ctxDeq)
	if err != nil {
		t.Fatalf("second dequeue: %v", err)
	}
	poisoned, err := q.Nack(ctx, d, "attempt 2", 0)
	if err != nil {
		t.Fatalf("nack: %v", err)
	}
	if !poisoned {
		t.Fatal("expected poison transition at threshold")
	}

	recs, err := q.Poisoned(ctx)
	if err != nil {
		t.Fatalf("poisoned: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected one poisoned record, got %d", len(recs))
	}
	if recs[0].SubmissionID != item.SubmissionID || recs[0].Attempts != 2 || recs[0].LastError != "attempt 2" {
		t.Fatalf("unexpected poisoned record: %+v", recs[0])
	}

	ok, err := q.DiscardPoisoned(ctx, item.SubmissionID)
	if err != nil || !ok {
		t.Fatalf("discard: ok=%v err=%v", ok, err)
	}
	ok, err = q.DiscardPoisoned(ctx, item.SubmissionID)
	if err != nil || ok {
		t.Fatalf("double discard: ok=%v err=%v", ok, err)
	}
}

func TestRedisQueueRecover(t *testing.T) {
	q := newTestRedisQueue(t, 3)
	ctx := context.Background()

	item := model.NewWorkItem(model.PlatformIOS, []byte("tok"), "", nil)
	if err := q.Enqueue(ctx, item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	moved, err := q.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if moved != 1 {
		t.Fatalf("expected one recovered item, got %d", moved)
	}
	depth, _ := q.Depth(ctx)
	if depth != 1 {
		t.Fatalf("expected recovered item pending, depth=%d", depth)
	}
}

func TestRedisQueueParksMalformedItems(t *testing.T) {
	q := newTestRedisQueue(t, 3)
	ctx := context.Background()

	if err := q.client.LPush(ctx, q.key("pending"), "not json").Err(); err != nil {
		t.Fatalf("seed malformed: %v", err)
	}
	item := model.NewWorkItem(model.PlatformIOS, []byte("tok"), "", nil)
	if err := q.Enqueue(ctx, item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if d.Item.SubmissionID != item.SubmissionID {
		t.Fatalf("expected the valid item, got %s", d.Item.SubmissionID)
	}
	parked, _ := q.client.LLen(ctx, q.key("malformed")).Result()
	if parked != 1 {
		t.Fatalf("expected one parked malformed entry, got %d", parked)
	}
}

func TestPoisonedRecordShape(t *testing.T) {
	rec := model.PoisonedItem{SubmissionID: "s1", Platform: model.PlatformAndroid, Attempts: 3, LastError: "boom"}
	raw, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back model.PoisonedItem
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != rec {
		t.Fatalf("round trip mismatch: %+v", back)
	}
}
