package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/immuni-app/immuni-backend-analytics/pkg/alert"
	"github.com/immuni-app/immuni-backend-analytics/pkg/attest"
	"github.com/immuni-app/immuni-backend-analytics/pkg/decoy"
	"github.com/immuni-app/immuni-backend-analytics/pkg/ledger"
	"github.com/immuni-app/immuni-backend-analytics/pkg/metrics"
	"github.com/immuni-app/immuni-backend-analytics/pkg/model"
	"github.com/immuni-app/immuni-backend-analytics/pkg/queue"
	"github.com/immuni-app/immuni-backend-analytics/pkg/sched"
	"github.com/immuni-app/immuni-backend-analytics/pkg/sink"
	"github.com/immuni-app/immuni-backend-analytics/pkg/store"
	"github.com/immuni-app/immuni-backend-analytics/pkg/stream"
	"github.com/immuni-app/immuni-backend-analytics/pkg/telemetry"
	"github.com/immuni-app/immuni-backend-analytics/pkg/worker"
)

type workerDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryW = telemetry.Init
	openBrokerFnW  = store.NewRedisPartition
	openDBFnW      = func(ctx context.Context) (workerDB, error) { return store.NewPostgresPool(ctx) }
	notifyContext  = func() (context.Context, context.CancelFunc) {
		return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	}
)

func main() {
	if err := runWorker(initTelemetryW, openBrokerFnW, openDBFnW, notifyContext); err != nil {
		logFatalf("worker: %v", err)
	}
}

type workerInitTelemetryFunc func(ctx context.Context, serviceName string) (func(context.Context) error, error)
type workerOpenBrokerFunc func(ctx context.Context, partition string) (*redis.Client, error)
type workerOpenDBFunc func(ctx context.Context) (workerDB, error)
type workerNotifyFunc func() (context.Context, context.CancelFunc)

func runWorker(
	initTelemetry workerInitTelemetryFunc,
	openBroker workerOpenBrokerFunc,
	openDB workerOpenDBFunc,
	notify workerNotifyFunc,
) error {
	ctx, stop := notify()
	defer stop()

	shutdown, err := initTelemetry(ctx, "worker")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	metrics.Register()

	db, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer db.Close()
	led := ledger.NewPostgres(db)

	queues, err := openWorkerQueues(ctx, openBroker)
	if err != nil {
		return err
	}
	defer func() {
		for _, q := range queues {
			_ = q.Close()
		}
	}()

	analyticsClient, err := openBroker(ctx, store.PartitionAnalytics)
	var snk sink.Sink
	var saltGuard store.Cache
	var flusher *sched.Flusher
	var events stream.Publisher
	if err != nil {
		log.Printf("analytics broker unavailable, buffering in memory: %v", err)
		snk = sink.NewMemory()
		saltGuard = store.NewCache(ctx, nil)
	} else {
		defer analyticsClient.Close()
		buf, err := sink.NewRedisBuffer(analyticsClient)
		if err != nil {
			return fmt.Errorf("sink: %w", err)
		}
		snk = buf
		saltGuard = store.NewCache(ctx, analyticsClient)
		flusher, err = sched.NewFlusher(analyticsClient, db)
		if err != nil {
			return fmt.Errorf("flusher: %w", err)
		}
		pub, err := stream.NewRedisPublisher(analyticsClient)
		if err != nil {
			return fmt.Errorf("event publisher: %w", err)
		}
		events = pub
	}

	registry, err := buildRegistry(saltGuard)
	if err != nil {
		return err
	}

	alerts, err := buildAlerts()
	if err != nil {
		return err
	}
	if alerts != nil {
		defer alerts.Close()
	}

	purger, err := sched.NewPurger(db)
	if err != nil {
		return fmt.Errorf("purger: %w", err)
	}

	cfg := worker.ConfigFromEnv()
	rateModel := buildRateModel()
	mix, _ := rateModel.(worker.MixObserver)
	pools, err := buildPools(queues, registry, led, snk, alerts, events, mix, cfg)
	if err != nil {
		return err
	}

	planner, err := decoy.NewPlanner(rateModel, queues)
	if err != nil {
		return fmt.Errorf("decoy planner: %w", err)
	}

	bus := openTriggerBus(ctx, openBroker)
	defer bus.Close()

	beat, err := sched.NewBeat(bus, sched.BeatConfigFromEnv())
	if err != nil {
		return fmt.Errorf("beat: %w", err)
	}
	runner, err := sched.NewRunner(bus)
	if err != nil {
		return fmt.Errorf("runner: %w", err)
	}
	if err := runner.Handle(sched.TriggerDecoyTick, func(ctx context.Context) error {
		_, err := planner.Tick(ctx, time.Now())
		return err
	}); err != nil {
		return fmt.Errorf("handle %s: %w", sched.TriggerDecoyTick, err)
	}
	if err := runner.Handle(sched.TriggerFlush, func(ctx context.Context) error {
		if flusher == nil {
			return nil
		}
		n, err := flusher.Flush(ctx)
		if n > 0 {
			log.Printf("flushed %d analytics records", n)
		}
		return err
	}); err != nil {
		return fmt.Errorf("handle %s: %w", sched.TriggerFlush, err)
	}
	if err := runner.Handle(sched.TriggerPurge, func(ctx context.Context) error {
		n, err := purger.Purge(ctx)
		if n > 0 {
			log.Printf("purged %d analytics records past retention", n)
		}
		return err
	}); err != nil {
		return fmt.Errorf("handle %s: %w", sched.TriggerPurge, err)
	}

	var wg sync.WaitGroup
	for _, pool := range pools {
		wg.Add(1)
		go func(p *worker.Pool) {
			defer wg.Done()
			if err := p.Run(ctx); err != nil {
				log.Printf("pool %s: %v", p.Platform, err)
			}
		}(pool)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		beat.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := runner.Run(ctx); err != nil {
			log.Printf("runner: %v", err)
		}
	}()

	log.Printf("worker running: %d pools, drain timeout %s", len(pools), cfg.DrainTimeout)
	<-ctx.Done()
	wg.Wait()
	return nil
}

func openWorkerQueues(ctx context.Context, openBroker workerOpenBrokerFunc) (map[model.Platform]queue.Queue, error) {
	maxAttempts := envWInt("QUEUE_MAX_ATTEMPTS", queue.MaxAttemptsDefault)
	partitions := map[model.Platform]string{
		model.PlatformIOS:     store.PartitionIOS,
		model.PlatformAndroid: store.PartitionAndroid,
	}
	queues := map[model.Platform]queue.Queue{}
	for platform, partition := range partitions {
		client, err := openBroker(ctx, partition)
		if err != nil {
			return nil, fmt.Errorf("broker %s: %w", partition, err)
		}
		q, err := queue.NewRedis(client, queue.RedisQueueConfig{Name: string(platform), MaxAttempts: maxAttempts})
		if err != nil {
			return nil, fmt.Errorf("queue %s: %w", platform, err)
		}
		queues[platform] = q
	}
	return queues, nil
}

// buildPools binds one verification pool per platform queue. Alerts, the
// cross-process event publisher, and the decoy mix observer are optional.
func buildPools(
	queues map[model.Platform]queue.Queue,
	registry *attest.Registry,
	led ledger.Ledger,
	snk sink.Sink,
	alerts *alert.KafkaPublisher,
	events stream.Publisher,
	mix worker.MixObserver,
	cfg worker.Config,
) ([]*worker.Pool, error) {
	pools := make([]*worker.Pool, 0, len(queues))
	for platform, q := range queues {
		pool, err := worker.NewPool(platform, q, registry, led, snk, cfg)
		if err != nil {
			return nil, fmt.Errorf("pool %s: %w", platform, err)
		}
		if alerts != nil {
			pool.Alerts = alerts
		}
		if events != nil {
			pool.Events = events
		}
		if mix != nil {
			pool.Mix = mix
		}
		pools = append(pools, pool)
	}
	return pools, nil
}

func openTriggerBus(ctx context.Context, openBroker workerOpenBrokerFunc) sched.Bus {
	client, err := openBroker(ctx, store.PartitionScheduled)
	if err != nil {
		log.Printf("scheduled broker unavailable, in-process triggers only: %v", err)
		return sched.NewMemoryBus(0)
	}
	bus, err := sched.NewRedisBus(client)
	if err != nil {
		log.Printf("trigger bus: %v", err)
		return sched.NewMemoryBus(0)
	}
	return bus
}

// buildRegistry wires the per-platform attestation providers from env.
func buildRegistry(saltGuard store.Cache) (*attest.Registry, error) {
	registry := attest.NewRegistry()

	keyPEM := os.Getenv("DEVICE_CHECK_PRIVATE_KEY")
	if keyPEM == "" {
		return nil, fmt.Errorf("DEVICE_CHECK_PRIVATE_KEY required")
	}
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(keyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse devicecheck key: %w", err)
	}
	dc, err := attest.NewDeviceCheck(attest.DeviceCheckConfig{
		BaseURL:    envW("DEVICE_CHECK_URL", "https://api.devicecheck.apple.com"),
		TeamID:     os.Getenv("APPLE_TEAM_ID"),
		KeyID:      os.Getenv("APPLE_KEY_ID"),
		PrivateKey: key,
		HTTPClient: telemetry.InstrumentClient(nil),
		Retries:    envWInt("ATTESTATION_RETRIES", 1),
	})
	if err != nil {
		return nil, fmt.Errorf("devicecheck: %w", err)
	}
	registry.Register(model.PlatformIOS, dc)

	sn, err := attest.NewSafetyNet(attest.SafetyNetConfig{
		VerifyURL:   envW("SAFETY_NET_VERIFY_URL", "https://www.googleapis.com/androidcheck/v1/attestations/verify"),
		PackageName: envW("SAFETY_NET_PACKAGE_NAME", "it.ministerodellasalute.immuni"),
		MaxSkew:     time.Minute * time.Duration(envWInt("SAFETY_NET_MAX_SKEW_MINUTES", 10)),
		SaltGuard:   saltGuard,
		HTTPClient:  telemetry.InstrumentClient(nil),
		Retries:     envWInt("ATTESTATION_RETRIES", 1),
	})
	if err != nil {
		return nil, fmt.Errorf("safetynet: %w", err)
	}
	registry.Register(model.PlatformAndroid, sn)
	return registry, nil
}

func buildAlerts() (*alert.KafkaPublisher, error) {
	brokers := strings.Split(os.Getenv("ALERT_KAFKA_BROKERS"), ",")
	trimmed := brokers[:0]
	for _, b := range brokers {
		if b = strings.TrimSpace(b); b != "" {
			trimmed = append(trimmed, b)
		}
	}
	if len(trimmed) == 0 {
		log.Printf("ALERT_KAFKA_BROKERS unset, poison alerts stay local")
		return nil, nil
	}
	pub, err := alert.NewKafkaPublisher(alert.KafkaConfig{
		Brokers: trimmed,
		Topic:   envW("ALERT_KAFKA_TOPIC", "analytics-poison-alerts"),
	})
	if err != nil {
		return nil, fmt.Errorf("alerts: %w", err)
	}
	return pub, nil
}

func buildRateModel() decoy.RateModel {
	if envW("DECOY_RATE_MODEL", "fixed") == "proportional" {
		return decoy.NewProportionalModel(
			envWFloat("DECOY_RATIO", 1.0),
			envWFloat("DECOY_DECAY", 0.5),
			envWInt("DECOY_FLOOR", 2),
		)
	}
	return decoy.NewFixedBaseline(
		envWInt("DECOY_PER_PLATFORM", 5),
		envWInt("DECOY_JITTER", 5),
	)
}

func envW(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envWInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envWFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
