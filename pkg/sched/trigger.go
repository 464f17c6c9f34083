// Package sched drives the periodic side of the pipeline: a beat ticker
// publishes maintenance triggers onto the scheduled broker partition, and a
// runner consumes them to fire decoy planting, buffer flushes and retention
// purges. Triggers are fire-and-forget; a missed tick is replaced by the
// next one, never backfilled.
package sched

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	TriggerDecoyTick = "decoy_tick"
	TriggerFlush     = "flush"
	TriggerPurge     = "purge"
)

// Trigger is the scheduled-queue envelope. It carries no submission data.
type Trigger struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`
	FiredAt time.Time `json:"fired_at"`
}

func NewTrigger(kind string) Trigger {
	return Trigger{ID: uuid.NewString(), Kind: kind, FiredAt: time.Now().UTC()}
}

// ErrBusClosed is returned by Next once the bus is shut down.
var ErrBusClosed = errors.New("trigger bus closed")

type Bus interface {
	Publish(ctx context.Context, t Trigger) error
	// Next blocks until a trigger arrives, the context is cancelled or the
	// bus is closed.
	Next(ctx context.Context) (Trigger, error)
	Close() error
}

const triggerKey = "sched:triggers"

// RedisBus carries triggers over the scheduled broker partition.
type RedisBus struct {
	Client *redis.Client
}

func NewRedisBus(client *redis.Client) (*RedisBus, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client required")
	}
	return &RedisBus{Client: client}, nil
}

func (b *RedisBus) Publish(ctx context.Context, t Trigger) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode trigger: %w", err)
	}
	if err := b.Client.RPush(ctx, triggerKey, raw).Err(); err != nil {
		return fmt.Errorf("publish trigger: %w", err)
	}
	return nil
}

func (b *RedisBus) Next(ctx context.Context) (Trigger, error) {
	for {
		res, err := b.Client.BLPop(ctx, time.Second, triggerKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				if ctx.Err() != nil {
					return Trigger{}, ctx.Err()
				}
				continue
			}
			if ctx.Err() != nil {
				return Trigger{}, ctx.Err()
			}
			return Trigger{}, fmt.Errorf("pop trigger: %w", err)
		}
		var t Trigger
		if err := json.Unmarshal([]byte(res[1]), &t); err != nil {
			// Malformed triggers are dropped; the beat replaces them.
			continue
		}
		return t, nil
	}
}

func (b *RedisBus) Close() error { return nil }

// MemoryBus is the in-process bus for tests and single-binary runs.
type MemoryBus struct {
	ch     chan Trigger
	closed chan struct{}
}

func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = 16
	}
	return &MemoryBus{ch: make(chan Trigger, buffer), closed: make(chan struct{})}
}

func (b *MemoryBus) Publish(ctx context.Context, t Trigger) error {
	select {
	case <-b.closed:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	case b.ch <- t:
		return nil
	}
}

func (b *MemoryBus) Next(ctx context.Context) (Trigger, error) {
	select {
	case <-b.closed:
		return Trigger{}, ErrBusClosed
	case <-ctx.Done():
		return Trigger{}, ctx.Err()
	case t := <-b.ch:
		return t, nil
	}
}

func (b *MemoryBus) Close() error {
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
	return nil
}
