package sched

import (
	"context"
	"log"
	"math/rand"
	"os"
	"sync"
	"time"
)

// BeatConfig holds the nominal period per trigger kind. A kind with a zero
// period is not scheduled.
type BeatConfig struct {
	DecoyTickEvery time.Duration
	FlushEvery     time.Duration
	PurgeEvery     time.Duration
	// JitterFrac widens each interval by a uniform factor in
	// [1-JitterFrac, 1+JitterFrac] so ticks never land on a fixed grid.
	JitterFrac float64
}

func BeatConfigFromEnv() BeatConfig {
	return BeatConfig{
		DecoyTickEvery: envBeatDuration("BEAT_DECOY_TICK_EVERY", time.Minute),
		FlushEvery:     envBeatDuration("BEAT_FLUSH_EVERY", 30*time.Second),
		PurgeEvery:     envBeatDuration("BEAT_PURGE_EVERY", 24*time.Hour),
		JitterFrac:     0.2,
	}
}

func envBeatDuration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return def
	}
	return d
}

// Beat publishes jittered periodic triggers onto the bus.
type Beat struct {
	Bus Bus
	cfg BeatConfig

	mu  sync.Mutex
	rng *rand.Rand
}

func NewBeat(bus Bus, cfg BeatConfig) (*Beat, error) {
	if bus == nil {
		return nil, errNilBus
	}
	if cfg.JitterFrac < 0 || cfg.JitterFrac >= 1 {
		cfg.JitterFrac = 0.2
	}
	return &Beat{Bus: bus, cfg: cfg, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}, nil
}

// Run schedules every configured kind until ctx is cancelled.
func (b *Beat) Run(ctx context.Context) {
	var wg sync.WaitGroup
	kinds := []struct {
		kind   string
		period time.Duration
	}{
		{TriggerDecoyTick, b.cfg.DecoyTickEvery},
		{TriggerFlush, b.cfg.FlushEvery},
		{TriggerPurge, b.cfg.PurgeEvery},
	}
	for _, k := range kinds {
		if k.period <= 0 {
			continue
		}
		wg.Add(1)
		go func(kind string, period time.Duration) {
			defer wg.Done()
			b.loop(ctx, kind, period)
		}(k.kind, k.period)
	}
	wg.Wait()
}

func (b *Beat) loop(ctx context.Context, kind string, period time.Duration) {
	timer := time.NewTimer(b.jittered(period))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := b.Bus.Publish(ctx, NewTrigger(kind)); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("beat: publish %s: %v", kind, err)
		}
		timer.Reset(b.jittered(period))
	}
}

func (b *Beat) jittered(period time.Duration) time.Duration {
	if b.cfg.JitterFrac == 0 {
		return period
	}
	b.mu.Lock()
	factor := 1 - b.cfg.JitterFrac + b.rng.Float64()*2*b.cfg.JitterFrac
	b.mu.Unlock()
	return time.Duration(float64(period) * factor)
}
