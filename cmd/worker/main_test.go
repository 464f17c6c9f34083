package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/immuni-app/immuni-backend-analytics/pkg/decoy"
	"github.com/immuni-app/immuni-backend-analytics/pkg/ledger"
	"github.com/immuni-app/immuni-backend-analytics/pkg/model"
	"github.com/immuni-app/immuni-backend-analytics/pkg/queue"
	"github.com/immuni-app/immuni-backend-analytics/pkg/sink"
	"github.com/immuni-app/immuni-backend-analytics/pkg/store"
	"github.com/immuni-app/immuni-backend-analytics/pkg/stream"
	"github.com/immuni-app/immuni-backend-analytics/pkg/worker"
)

func testKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}))
}

type fakeRow struct{ err error }

func (r fakeRow) Scan(dest ...any) error { return r.err }

type fakeWorkerDB struct{}

func (db *fakeWorkerDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (db *fakeWorkerDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeRow{err: pgx.ErrNoRows}
}

func (db *fakeWorkerDB) Close() {}

func TestBuildRegistryRequiresKey(t *testing.T) {
	t.Setenv("DEVICE_CHECK_PRIVATE_KEY", "")
	if _, err := buildRegistry(store.NewCache(context.Background(), nil)); err == nil {
		t.Fatal("expected error without signing key")
	}

	t.Setenv("DEVICE_CHECK_PRIVATE_KEY", "not a key")
	if _, err := buildRegistry(store.NewCache(context.Background(), nil)); err == nil {
		t.Fatal("expected error for malformed key")
	}
}

func TestBuildRegistryWiresBothPlatforms(t *testing.T) {
	t.Setenv("DEVICE_CHECK_PRIVATE_KEY", testKeyPEM(t))
	t.Setenv("APPLE_TEAM_ID", "TEAM123")
	t.Setenv("APPLE_KEY_ID", "KEY123")

	registry, err := buildRegistry(store.NewCache(context.Background(), nil))
	if err != nil {
		t.Fatalf("buildRegistry: %v", err)
	}
	if registry == nil {
		t.Fatal("expected registry")
	}
}

func TestBuildAlertsUnconfigured(t *testing.T) {
	t.Setenv("ALERT_KAFKA_BROKERS", "")
	pub, err := buildAlerts()
	if err != nil {
		t.Fatalf("buildAlerts: %v", err)
	}
	if pub != nil {
		t.Fatal("expected nil publisher without brokers")
	}
}

func TestBuildAlertsConfigured(t *testing.T) {
	t.Setenv("ALERT_KAFKA_BROKERS", "127.0.0.1:9092, ")
	pub, err := buildAlerts()
	if err != nil {
		t.Fatalf("buildAlerts: %v", err)
	}
	if pub == nil {
		t.Fatal("expected publisher")
	}
	pub.Close()
}

func TestBuildRateModel(t *testing.T) {
	t.Setenv("DECOY_RATE_MODEL", "fixed")
	if _, ok := buildRateModel().(*decoy.FixedBaseline); !ok {
		t.Fatal("expected fixed baseline")
	}

	t.Setenv("DECOY_RATE_MODEL", "proportional")
	if _, ok := buildRateModel().(*decoy.ProportionalModel); !ok {
		t.Fatal("expected proportional model")
	}
}

func TestBuildPoolsWiresEventsAndMix(t *testing.T) {
	t.Setenv("DEVICE_CHECK_PRIVATE_KEY", testKeyPEM(t))
	registry, err := buildRegistry(store.NewCache(context.Background(), nil))
	if err != nil {
		t.Fatalf("buildRegistry: %v", err)
	}

	queues := map[model.Platform]queue.Queue{
		model.PlatformIOS:     queue.NewMemory("ios", 3),
		model.PlatformAndroid: queue.NewMemory("android", 3),
	}
	mix := decoy.NewProportionalModel(1.0, 0.5, 1)
	hub := stream.NewHub()

	pools, err := buildPools(queues, registry, ledger.NewMemory(), sink.NewMemory(), nil, hub, mix, worker.Config{})
	if err != nil {
		t.Fatalf("buildPools: %v", err)
	}
	if len(pools) != 2 {
		t.Fatalf("pools = %d, want 2", len(pools))
	}
	for _, pool := range pools {
		if pool.Events == nil {
			t.Fatalf("pool %s: outcome events not wired", pool.Platform)
		}
		if pool.Mix == nil {
			t.Fatalf("pool %s: mix observer not wired", pool.Platform)
		}
	}
}

func TestProportionalModelFeedsFromWorker(t *testing.T) {
	t.Setenv("DECOY_RATE_MODEL", "proportional")
	if _, ok := buildRateModel().(worker.MixObserver); !ok {
		t.Fatal("proportional model must observe the genuine mix")
	}
	t.Setenv("DECOY_RATE_MODEL", "fixed")
	if _, ok := buildRateModel().(worker.MixObserver); ok {
		t.Fatal("fixed baseline takes no observations")
	}
}

func TestRunWorkerStartsAndDrains(t *testing.T) {
	t.Setenv("DEVICE_CHECK_PRIVATE_KEY", testKeyPEM(t))
	t.Setenv("ALERT_KAFKA_BROKERS", "")
	t.Setenv("BEAT_DECOY_TICK_EVERY", "10ms")
	t.Setenv("BEAT_FLUSH_EVERY", "10ms")
	t.Setenv("WORKER_DRAIN_TIMEOUT", "1s")

	mr := miniredis.RunT(t)
	openBroker := func(ctx context.Context, partition string) (*redis.Client, error) {
		return redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil
	}
	openDB := func(ctx context.Context) (workerDB, error) { return &fakeWorkerDB{}, nil }
	initTelemetry := func(ctx context.Context, name string) (func(context.Context) error, error) {
		return func(context.Context) error { return nil }, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	notify := func() (context.Context, context.CancelFunc) { return ctx, func() {} }

	done := make(chan error, 1)
	go func() {
		done <- runWorker(initTelemetry, openBroker, openDB, notify)
	}()

	// Let the beat fire at least once, then stop.
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runWorker: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not drain after cancel")
	}
}

func TestRunWorkerDBFailure(t *testing.T) {
	initTelemetry := func(ctx context.Context, name string) (func(context.Context) error, error) {
		return func(context.Context) error { return nil }, nil
	}
	openDB := func(ctx context.Context) (workerDB, error) { return nil, errors.New("db down") }
	notify := func() (context.Context, context.CancelFunc) { return context.WithCancel(context.Background()) }

	err := runWorker(initTelemetry, nil, openDB, notify)
	if err == nil {
		t.Fatal("expected db error")
	}
}

func TestRunWorkerBrokerFailure(t *testing.T) {
	t.Setenv("DEVICE_CHECK_PRIVATE_KEY", testKeyPEM(t))
	initTelemetry := func(ctx context.Context, name string) (func(context.Context) error, error) {
		return func(context.Context) error { return nil }, nil
	}
	openDB := func(ctx context.Context) (workerDB, error) { return &fakeWorkerDB{}, nil }
	openBroker := func(ctx context.Context, partition string) (*redis.Client, error) {
		return nil, errors.New("unreachable")
	}
	notify := func() (context.Context, context.CancelFunc) { return context.WithCancel(context.Background()) }

	err := runWorker(initTelemetry, openBroker, openDB, notify)
	if err == nil {
		t.Fatal("expected broker error")
	}
}
