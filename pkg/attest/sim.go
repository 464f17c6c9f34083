package attest

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// LatencyEnvelope tracks an exponentially weighted average of genuine
// verification latency. The decoy path samples from it so decoy processing
// time is statistically shaped like the real thing.
type LatencyEnvelope struct {
	mu      sync.Mutex
	avg     time.Duration
	samples int64
}

const envelopeWeight = 0.2

func (e *LatencyEnvelope) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples++
	if e.samples == 1 {
		e.avg = d
		return
	}
	e.avg = time.Duration(float64(e.avg)*(1-envelopeWeight) + float64(d)*envelopeWeight)
}

func (e *LatencyEnvelope) Average() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.avg
}

// Simulator is the fixed-cost verification stand-in for decoy items. It
// consumes wall-clock time comparable to a genuine provider round trip and
// nothing else: no ledger write, no storage write, no provider call.
type Simulator struct {
	Envelope *LatencyEnvelope
	// Floor applies while no genuine samples exist yet; Ceiling guards
	// against a pathological envelope stretching decoy latency without
	// bound.
	Floor   time.Duration
	Ceiling time.Duration

	rng *rand.Rand
	mu  sync.Mutex
}

func NewSimulator(envelope *LatencyEnvelope, floor, ceiling time.Duration) *Simulator {
	if floor <= 0 {
		floor = 50 * time.Millisecond
	}
	if ceiling < floor {
		ceiling = floor * 10
	}
	return &Simulator{
		Envelope: envelope,
		Floor:    floor,
		Ceiling:  ceiling,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Simulate blocks for one sampled verification duration or until ctx ends.
func (s *Simulator) Simulate(ctx context.Context) error {
	d := s.sample()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Simulator) sample() time.Duration {
	base := s.Floor
	if s.Envelope != nil {
		if avg := s.Envelope.Average(); avg > 0 {
			base = avg
		}
	}
	s.mu.Lock()
	// ±25% uniform jitter around the tracked average.
	factor := 0.75 + s.rng.Float64()*0.5
	s.mu.Unlock()
	d := time.Duration(float64(base) * factor)
	if d < s.Floor {
		d = s.Floor
	}
	if d > s.Ceiling {
		d = s.Ceiling
	}
	return d
}
