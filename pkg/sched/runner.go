package sched

import (
	"context"
	"errors"
	"fmt"
	"log"
)

var errNilBus = errors.New("trigger bus required")

// Handler executes one trigger kind.
type Handler func(ctx context.Context) error

// Runner consumes triggers and dispatches them. Handler failures are logged
// and the runner keeps going; the beat will fire the kind again.
type Runner struct {
	Bus      Bus
	Handlers map[string]Handler
}

func NewRunner(bus Bus) (*Runner, error) {
	if bus == nil {
		return nil, errNilBus
	}
	return &Runner{Bus: bus, Handlers: map[string]Handler{}}, nil
}

func (r *Runner) Handle(kind string, h Handler) error {
	if kind == "" || h == nil {
		return fmt.Errorf("kind and handler required")
	}
	r.Handlers[kind] = h
	return nil
}

func (r *Runner) Run(ctx context.Context) error {
	for {
		t, err := r.Bus.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrBusClosed) {
				return nil
			}
			return fmt.Errorf("next trigger: %w", err)
		}
		h, ok := r.Handlers[t.Kind]
		if !ok {
			log.Printf("sched: no handler for trigger kind %q", t.Kind)
			continue
		}
		if err := h(ctx); err != nil {
			log.Printf("sched: %s: %v", t.Kind, err)
		}
	}
}
