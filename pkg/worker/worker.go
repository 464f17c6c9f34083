// Package worker runs the verification consumers. Each pool binds one
// platform queue to its attestation verifier and drives every delivery to a
// terminal outcome: accepted into the sink, rejected, or poisoned after the
// retry budget runs out. Decoy items take the same loop but only burn a
// simulated verification delay.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/immuni-app/immuni-backend-analytics/pkg/attest"
	"github.com/immuni-app/immuni-backend-analytics/pkg/ledger"
	"github.com/immuni-app/immuni-backend-analytics/pkg/metrics"
	"github.com/immuni-app/immuni-backend-analytics/pkg/model"
	"github.com/immuni-app/immuni-backend-analytics/pkg/queue"
	"github.com/immuni-app/immuni-backend-analytics/pkg/sink"
	"github.com/immuni-app/immuni-backend-analytics/pkg/stream"
)

// Alerts receives operator notifications for poisoned items.
type Alerts interface {
	PublishPoisoned(ctx context.Context, item model.PoisonedItem) error
}

// MixObserver sees the genuine platform mix as items are first delivered,
// so decoy planning can track it. Redeliveries are not re-observed.
type MixObserver interface {
	Observe(platform model.Platform)
}

type Config struct {
	Concurrency   int
	VerifyTimeout time.Duration
	DrainTimeout  time.Duration
	BackoffBase   time.Duration
	BackoffCap    time.Duration
}

func ConfigFromEnv() Config {
	cfg := Config{
		Concurrency:   envInt("WORKER_CONCURRENCY", 4),
		VerifyTimeout: envDuration("WORKER_VERIFY_TIMEOUT", 15*time.Second),
		DrainTimeout:  envDuration("WORKER_DRAIN_TIMEOUT", 30*time.Second),
		BackoffBase:   envDuration("WORKER_BACKOFF_BASE", 2*time.Second),
		BackoffCap:    envDuration("WORKER_BACKOFF_CAP", 5*time.Minute),
	}
	return cfg
}

func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Pool consumes one platform queue.
type Pool struct {
	Platform  model.Platform
	Queue     queue.Queue
	Verifier  *attest.Registry
	Ledger    ledger.Ledger
	Sink      sink.Sink
	Simulator *attest.Simulator
	Envelope  *attest.LatencyEnvelope
	Alerts    Alerts           // optional
	Events    stream.Publisher // optional
	Mix       MixObserver      // optional

	cfg Config
}

func NewPool(platform model.Platform, q queue.Queue, verifier *attest.Registry, led ledger.Ledger, snk sink.Sink, cfg Config) (*Pool, error) {
	if q == nil {
		return nil, fmt.Errorf("queue required")
	}
	if verifier == nil {
		return nil, fmt.Errorf("verifier registry required")
	}
	if led == nil {
		return nil, fmt.Errorf("ledger required")
	}
	if snk == nil {
		return nil, fmt.Errorf("sink required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 15 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 5 * time.Minute
	}
	envelope := &attest.LatencyEnvelope{}
	return &Pool{
		Platform:  platform,
		Queue:     q,
		Verifier:  verifier,
		Ledger:    led,
		Sink:      snk,
		Envelope:  envelope,
		Simulator: attest.NewSimulator(envelope, 0, 0),
		cfg:       cfg,
	}, nil
}

// Run recovers orphaned in-flight items, then consumes until ctx is
// cancelled. Deliveries already dequeued at cancellation time are drained
// to a terminal state under the drain timeout before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	recovered, err := p.Queue.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover %s: %w", p.Queue.Name(), err)
	}
	if recovered > 0 {
		log.Printf("queue %s: recovered %d orphaned deliveries", p.Queue.Name(), recovered)
	}

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.consume(ctx)
		}()
	}
	wg.Wait()
	return nil
}

func (p *Pool) consume(ctx context.Context) {
	for {
		d, err := p.Queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, queue.ErrClosed) {
				return
			}
			log.Printf("queue %s: dequeue: %v", p.Queue.Name(), err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		pctx := ctx
		var cancel context.CancelFunc
		if ctx.Err() != nil {
			// Already dequeued; finish this one under the drain budget.
			pctx, cancel = context.WithTimeout(context.Background(), p.cfg.DrainTimeout)
		}
		p.process(pctx, d)
		if cancel != nil {
			cancel()
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (p *Pool) process(ctx context.Context, d queue.Delivery) {
	item := d.Item

	if item.Dummy() {
		if err := p.Simulator.Simulate(ctx); err != nil {
			// Cancelled mid-simulation; the delay already served its
			// purpose, so still settle the item.
			ctx = context.Background()
		}
		if err := p.Queue.Ack(ctx, d); err != nil {
			log.Printf("queue %s: ack decoy %s: %v", p.Queue.Name(), item.SubmissionID, err)
		}
		return
	}

	if p.Mix != nil && item.Attempts == 0 {
		p.Mix.Observe(item.Platform)
	}

	// Replay path: a prior attempt may have decided this submission
	// already. The ledger decision wins unconditionally.
	if out, err := p.Ledger.Get(ctx, item.SubmissionID); err == nil {
		p.finalize(ctx, d, out)
		return
	} else if !errors.Is(err, ledger.ErrNotFound) {
		p.retry(ctx, d, fmt.Errorf("ledger lookup: %w", err))
		return
	}

	vctx, cancel := context.WithTimeout(ctx, p.cfg.VerifyTimeout)
	start := time.Now()
	verdict, err := p.Verifier.Verify(vctx, item.Platform, item.Token, item.Salt, item.Payload)
	cancel()
	elapsed := time.Since(start)
	p.Envelope.Observe(elapsed)
	metrics.VerificationDuration.WithLabelValues(string(item.Platform)).Observe(elapsed.Seconds())

	if err != nil {
		p.retry(ctx, d, fmt.Errorf("verify: %w", err))
		return
	}
	if verdict == attest.VerdictUndeterminable {
		p.retry(ctx, d, fmt.Errorf("verify: provider undeterminable"))
		return
	}

	decision := model.DecisionRejected
	if verdict == attest.VerdictValid {
		decision = model.DecisionAccepted
	}
	out, _, err := p.Ledger.Record(ctx, model.AuthorizationOutcome{
		SubmissionID: item.SubmissionID,
		Decision:     decision,
		DecidedAt:    time.Now().UTC(),
	})
	if err != nil {
		p.retry(ctx, d, fmt.Errorf("record outcome: %w", err))
		return
	}
	p.finalize(ctx, d, out)
}

// finalize acts on the authoritative outcome. Accepted submissions must
// reach the sink before the delivery is acknowledged; the sink collapses
// duplicate appends, so replays after a crashed ack are harmless.
func (p *Pool) finalize(ctx context.Context, d queue.Delivery, out model.AuthorizationOutcome) {
	item := d.Item
	if out.Decision == model.DecisionAccepted {
		rec := sink.Record{
			SubmissionID: item.SubmissionID,
			Payload:      item.Payload,
			AcceptedAt:   out.DecidedAt,
		}
		if err := p.Sink.Append(ctx, rec); err != nil {
			p.retry(ctx, d, fmt.Errorf("sink append: %w", err))
			return
		}
	}
	if err := p.Queue.Ack(ctx, d); err != nil {
		log.Printf("queue %s: ack %s: %v", p.Queue.Name(), item.SubmissionID, err)
		return
	}
	metrics.OutcomesTotal.WithLabelValues(string(item.Platform), string(out.Decision)).Inc()
	if p.Events != nil {
		p.Events.Publish(stream.OutcomeEvent(item.SubmissionID, string(item.Platform), string(out.Decision)))
	}
}

func (p *Pool) retry(ctx context.Context, d queue.Delivery, cause error) {
	item := d.Item
	delay := p.backoff(item.Attempts)
	poisoned, err := p.Queue.Nack(ctx, d, cause.Error(), delay)
	if err != nil {
		log.Printf("queue %s: nack %s: %v", p.Queue.Name(), item.SubmissionID, err)
		return
	}
	if !poisoned {
		metrics.RetriesTotal.WithLabelValues(string(item.Platform)).Inc()
		return
	}

	metrics.PoisonedTotal.WithLabelValues(string(item.Platform)).Inc()
	log.Printf("queue %s: poisoned %s after %d attempts: %v", p.Queue.Name(), item.SubmissionID, item.Attempts+1, cause)

	// Settle the ledger so replays of this submission stop retrying.
	if _, _, err := p.Ledger.Record(ctx, model.AuthorizationOutcome{
		SubmissionID: item.SubmissionID,
		Decision:     model.DecisionError,
		DecidedAt:    time.Now().UTC(),
	}); err != nil {
		log.Printf("queue %s: record poison outcome %s: %v", p.Queue.Name(), item.SubmissionID, err)
	}

	poisonedItem := model.PoisonedItem{
		SubmissionID: item.SubmissionID,
		Platform:     item.Platform,
		Attempts:     item.Attempts + 1,
		LastError:    cause.Error(),
		PoisonedAt:   time.Now().UTC(),
	}
	if p.Alerts != nil {
		if err := p.Alerts.PublishPoisoned(ctx, poisonedItem); err != nil {
			log.Printf("queue %s: alert %s: %v", p.Queue.Name(), item.SubmissionID, err)
		}
	}
	if p.Events != nil {
		p.Events.Publish(stream.PoisonEvent(item.SubmissionID, string(item.Platform), cause.Error(), item.Attempts+1))
	}
}

// backoff returns a full-jitter delay: uniform over [0, min(cap, base*2^n)].
func (p *Pool) backoff(attempts int) time.Duration {
	ceiling := p.cfg.BackoffBase
	for i := 0; i < attempts && ceiling < p.cfg.BackoffCap; i++ {
		ceiling *= 2
	}
	if ceiling > p.cfg.BackoffCap {
		ceiling = p.cfg.BackoffCap
	}
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(ceiling)))
}
