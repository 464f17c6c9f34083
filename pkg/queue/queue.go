// Package queue provides the platform task queue: an at-least-once delivery
// channel with single-delivery-in-flight, delayed redelivery and a poison
// store for items that exhausted their retry budget. Each queue instance is
// bound to exactly one broker partition; nothing in this package ever
// addresses two partitions through one connection.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/immuni-app/immuni-backend-analytics/pkg/model"
)

// ErrClosed is returned by Dequeue once the queue is shut down.
var ErrClosed = errors.New("queue closed")

// MaxAttemptsDefault bounds redelivery when a queue is built without an
// explicit threshold.
const MaxAttemptsDefault = 3

// Delivery is one in-flight work item. The envelope carries the exact bytes
// held in the processing list so Ack and Nack can address them.
type Delivery struct {
	Item model.WorkItem

	raw []byte
}

// Queue is the task queue contract consumed by the worker pools and the
// decoy scheduler.
type Queue interface {
	// Enqueue appends an item to the pending list.
	Enqueue(ctx context.Context, item model.WorkItem) error
	// Dequeue blocks until an item is available, the context is cancelled
	// or the queue is closed. The returned delivery stays invisible to
	// other consumers until Ack or Nack.
	Dequeue(ctx context.Context) (Delivery, error)
	// Ack removes a delivery after terminal processing.
	Ack(ctx context.Context, d Delivery) error
	// Nack returns a delivery for redelivery after delay, recording cause.
	// Past the configured attempt threshold the item is routed to the
	// poison store instead; the returned flag reports that transition.
	Nack(ctx context.Context, d Delivery, cause string, delay time.Duration) (poisoned bool, err error)
	// Depth reports the number of pending items, delayed ones included.
	Depth(ctx context.Context) (int64, error)
	// Poisoned lists the items awaiting operator triage.
	Poisoned(ctx context.Context) ([]model.PoisonedItem, error)
	// DiscardPoisoned drops one poisoned item by submission id.
	DiscardPoisoned(ctx context.Context, submissionID string) (bool, error)
	// Recover moves orphaned in-flight items back to pending. Called once
	// at consumer start; redelivered items are handled idempotently
	// downstream.
	Recover(ctx context.Context) (int64, error)
	Name() string
	Close() error
}
