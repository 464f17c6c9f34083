package sched

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/immuni-app/immuni-backend-analytics/pkg/sink"
)

func newBusClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisBusPublishNext(t *testing.T) {
	bus, err := NewRedisBus(newBusClient(t))
	if err != nil {
		t.Fatalf("NewRedisBus: %v", err)
	}

	ctx := context.Background()
	sent := NewTrigger(TriggerFlush)
	if err := bus.Publish(ctx, sent); err != nil {
		t.Fatalf("publish: %v", err)
	}

	nctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	got, err := bus.Next(nctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got.ID != sent.ID || got.Kind != TriggerFlush {
		t.Fatalf("got %+v, want %+v", got, sent)
	}
}

func TestRedisBusNextCancel(t *testing.T) {
	bus, _ := NewRedisBus(newBusClient(t))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := bus.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestRedisBusSkipsMalformedTrigger(t *testing.T) {
	client := newBusClient(t)
	bus, _ := NewRedisBus(client)

	ctx := context.Background()
	client.RPush(ctx, triggerKey, "not json")
	good := NewTrigger(TriggerPurge)
	if err := bus.Publish(ctx, good); err != nil {
		t.Fatalf("publish: %v", err)
	}

	nctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	got, err := bus.Next(nctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got.ID != good.ID {
		t.Fatalf("got %+v, want the well-formed trigger", got)
	}
}

func TestMemoryBus(t *testing.T) {
	bus := NewMemoryBus(1)
	ctx := context.Background()

	if err := bus.Publish(ctx, NewTrigger(TriggerDecoyTick)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got, err := bus.Next(ctx)
	if err != nil || got.Kind != TriggerDecoyTick {
		t.Fatalf("next = %+v, %v", got, err)
	}

	bus.Close()
	if _, err := bus.Next(ctx); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("err = %v, want ErrBusClosed", err)
	}
	if err := bus.Publish(ctx, NewTrigger(TriggerFlush)); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("publish err = %v, want ErrBusClosed", err)
	}
	// Double close must not panic.
	bus.Close()
}

func TestBeatPublishesJitteredTicks(t *testing.T) {
	bus := NewMemoryBus(64)
	beat, err := NewBeat(bus, BeatConfig{DecoyTickEvery: 5 * time.Millisecond, JitterFrac: 0.2})
	if err != nil {
		t.Fatalf("NewBeat: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		beat.Run(ctx)
		close(done)
	}()

	nctx, ncancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer ncancel()
	got, err := bus.Next(nctx)
	if err != nil {
		t.Fatalf("no tick published: %v", err)
	}
	if got.Kind != TriggerDecoyTick {
		t.Fatalf("kind = %q, want decoy_tick", got.Kind)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("beat did not stop after cancel")
	}
}

func TestBeatSkipsZeroPeriods(t *testing.T) {
	bus := NewMemoryBus(4)
	beat, _ := NewBeat(bus, BeatConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	beat.Run(ctx) // returns immediately, nothing scheduled
	select {
	case tr := <-bus.ch:
		t.Fatalf("unexpected trigger %+v", tr)
	default:
	}
}

func TestRunnerDispatchesByKind(t *testing.T) {
	bus := NewMemoryBus(8)
	runner, err := NewRunner(bus)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	var mu sync.Mutex
	fired := map[string]int{}
	record := func(kind string) Handler {
		return func(ctx context.Context) error {
			mu.Lock()
			fired[kind]++
			mu.Unlock()
			return nil
		}
	}
	runner.Handle(TriggerFlush, record(TriggerFlush))
	runner.Handle(TriggerPurge, func(ctx context.Context) error { return errors.New("purge failed") })

	ctx := context.Background()
	bus.Publish(ctx, NewTrigger(TriggerFlush))
	bus.Publish(ctx, NewTrigger(TriggerPurge))
	bus.Publish(ctx, NewTrigger("unknown"))
	bus.Publish(ctx, NewTrigger(TriggerFlush))

	rctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	go func() {
		time.Sleep(100 * time.Millisecond)
		bus.Close()
	}()
	if err := runner.Run(rctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if fired[TriggerFlush] != 2 {
		t.Fatalf("flush fired %d times, want 2", fired[TriggerFlush])
	}
}

func TestRunnerHandleValidation(t *testing.T) {
	runner, _ := NewRunner(NewMemoryBus(1))
	if err := runner.Handle("", func(ctx context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for empty kind")
	}
	if err := runner.Handle(TriggerFlush, nil); err == nil {
		t.Fatal("expected error for nil handler")
	}
}

type fakeFlushDB struct {
	mu    sync.Mutex
	calls []struct {
		sql  string
		args []any
	}
	err error
}

func (f *fakeFlushDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	f.calls = append(f.calls, struct {
		sql  string
		args []any
	}{sql, args})
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func TestFlusherDrainsBuffer(t *testing.T) {
	client := newBusClient(t)
	db := &fakeFlushDB{}
	flusher, err := NewFlusher(client, db)
	if err != nil {
		t.Fatalf("NewFlusher: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		rec := sink.Record{
			SubmissionID: string(rune('a' + i)),
			Payload:      json.RawMessage(`{"k":1}`),
			AcceptedAt:   time.Now().UTC(),
		}
		raw, _ := json.Marshal(rec)
		if err := client.RPush(ctx, sink.BufferKey, raw).Err(); err != nil {
			t.Fatalf("seed buffer: %v", err)
		}
	}

	n, err := flusher.Flush(ctx)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n != 3 {
		t.Fatalf("flushed = %d, want 3", n)
	}
	if len(db.calls) != 1 {
		t.Fatalf("exec calls = %d, want one batch", len(db.calls))
	}
	if got := len(db.calls[0].args); got != 9 {
		t.Fatalf("args = %d, want 9", got)
	}
	if remaining, _ := client.LLen(ctx, sink.BufferKey).Result(); remaining != 0 {
		t.Fatalf("buffer length = %d after flush, want 0", remaining)
	}
}

func TestFlusherEmptyBuffer(t *testing.T) {
	flusher, _ := NewFlusher(newBusClient(t), &fakeFlushDB{})
	n, err := flusher.Flush(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("flush empty = %d, %v", n, err)
	}
}

func TestFlusherDivertsBadEntries(t *testing.T) {
	client := newBusClient(t)
	db := &fakeFlushDB{}
	flusher, _ := NewFlusher(client, db)

	ctx := context.Background()
	client.RPush(ctx, sink.BufferKey, "not json")
	client.RPush(ctx, sink.BufferKey, `{"payload":{}}`) // missing submission id
	rec, _ := json.Marshal(sink.Record{SubmissionID: "ok", AcceptedAt: time.Now().UTC()})
	client.RPush(ctx, sink.BufferKey, rec)

	n, err := flusher.Flush(ctx)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n != 1 {
		t.Fatalf("flushed = %d, want 1", n)
	}
	if diverted, _ := client.LLen(ctx, sink.ErrorsKey).Result(); diverted != 2 {
		t.Fatalf("errors list length = %d, want 2", diverted)
	}
}

func TestFlusherRequeuesOnInsertFailure(t *testing.T) {
	client := newBusClient(t)
	db := &fakeFlushDB{err: errors.New("db down")}
	flusher, _ := NewFlusher(client, db)

	ctx := context.Background()
	rec, _ := json.Marshal(sink.Record{SubmissionID: "x", AcceptedAt: time.Now().UTC()})
	client.RPush(ctx, sink.BufferKey, rec)

	if _, err := flusher.Flush(ctx); err == nil {
		t.Fatal("expected insert error")
	}
	if remaining, _ := client.LLen(ctx, sink.BufferKey).Result(); remaining != 1 {
		t.Fatalf("buffer length = %d, entry must be requeued", remaining)
	}
}

func TestFlusherBatchSizeFromEnv(t *testing.T) {
	t.Setenv("MAX_INGESTED_ELEMENTS", "7")
	flusher, _ := NewFlusher(newBusClient(t), &fakeFlushDB{})
	if flusher.BatchSize != 7 {
		t.Fatalf("batch size = %d, want 7", flusher.BatchSize)
	}

	t.Setenv("MAX_INGESTED_ELEMENTS", "junk")
	flusher, _ = NewFlusher(newBusClient(t), &fakeFlushDB{})
	if flusher.BatchSize != 100 {
		t.Fatalf("batch size = %d, want default 100", flusher.BatchSize)
	}
}

func TestPurgerDeletesAgedRecords(t *testing.T) {
	db := &fakeFlushDB{}
	purger, err := NewPurger(db)
	if err != nil {
		t.Fatalf("NewPurger: %v", err)
	}
	if purger.RetentionDays != 30 {
		t.Fatalf("retention = %d, want default 30", purger.RetentionDays)
	}

	if _, err := purger.Purge(context.Background()); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if len(db.calls) != 1 {
		t.Fatalf("exec calls = %d, want 1", len(db.calls))
	}
	if got := db.calls[0].args[0]; got != 30 {
		t.Fatalf("retention arg = %v, want 30", got)
	}
}

func TestPurgerRetentionFromEnv(t *testing.T) {
	t.Setenv("DATA_RETENTION_DAYS", "7")
	purger, _ := NewPurger(&fakeFlushDB{})
	if purger.RetentionDays != 7 {
		t.Fatalf("retention = %d, want 7", purger.RetentionDays)
	}
}
