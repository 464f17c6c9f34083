package queue

import (
	"context"
	"sync"
	"time"

	"github.com/immuni-app/immuni-backend-analytics/pkg/model"
)

// MemoryQueue mirrors RedisQueue semantics for tests and single-process runs.
type MemoryQueue struct {
	name        string
	maxAttempts int

	mu         sync.Mutex
	pending    []model.WorkItem
	delayed    []delayedItem
	processing map[string]model.WorkItem
	poisoned   map[string]model.PoisonedItem
	closed     bool
}

type delayedItem struct {
	item    model.WorkItem
	readyAt time.Time
}

func NewMemory(name string, maxAttempts int) *MemoryQueue {
	if maxAttempts <= 0 {
		maxAttempts = MaxAttemptsDefault
	}
	return &MemoryQueue{
		name:        name,
		maxAttempts: maxAttempts,
		processing:  map[string]model.WorkItem{},
		poisoned:    map[string]model.PoisonedItem{},
	}
}

func (q *MemoryQueue) Name() string { return q.name }

func (q *MemoryQueue) Enqueue(ctx context.Context, item model.WorkItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.pending = append(q.pending, item)
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Delivery, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Delivery{}, ErrClosed
		}
		q.promoteDueLocked()
		if len(q.pending) > 0 {
			item := q.pending[0]
			q.pending = q.pending[1:]
			q.processing[item.SubmissionID] = item
			q.mu.Unlock()
			return Delivery{Item: item}, nil
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *MemoryQueue) promoteDueLocked() {
	now := time.Now()
	remaining := q.delayed[:0]
	for _, d := range q.delayed {
		if !d.readyAt.After(now) {
			q.pending = append(q.pending, d.item)
			continue
		}
		remaining = append(remaining, d)
	}
	q.delayed = remaining
}

func (q *MemoryQueue) Ack(ctx context.Context, d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, d.Item.SubmissionID)
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, d Delivery, cause string, delay time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, d.Item.SubmissionID)
	item := d.Item
	item.Attempts++
	item.LastError = cause
	if item.Attempts >= q.maxAttempts {
		q.poisoned[item.SubmissionID] = model.PoisonedItem{
			SubmissionID: item.SubmissionID,
			Platform:     item.Platform,
			Attempts:     item.Attempts,
			LastError:    item.LastError,
			PoisonedAt:   time.Now().UTC(),
		}
		return true, nil
	}
	q.delayed = append(q.delayed, delayedItem{item: item, readyAt: time.Now().Add(delay)})
	return false, nil
}

func (q *MemoryQueue) Depth(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.pending) + len(q.delayed)), nil
}

func (q *MemoryQueue) Poisoned(ctx context.Context) ([]model.PoisonedItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.PoisonedItem, 0, len(q.poisoned))
	for _, rec := range q.poisoned {
		out = append(out, rec)
	}
	return out, nil
}

func (q *MemoryQueue) DiscardPoisoned(ctx context.Context, submissionID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.poisoned[submissionID]; !ok {
		return false, nil
	}
	delete(q.poisoned, submissionID)
	return true, nil
}

func (q *MemoryQueue) Recover(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var moved int64
	for id, item := range q.processing {
		q.pending = append(q.pending, item)
		delete(q.processing, id)
		moved++
	}
	return moved, nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
