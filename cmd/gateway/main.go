package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/immuni-app/immuni-backend-analytics/pkg/httpx"
	"github.com/immuni-app/immuni-backend-analytics/pkg/metrics"
	"github.com/immuni-app/immuni-backend-analytics/pkg/model"
	"github.com/immuni-app/immuni-backend-analytics/pkg/queue"
	"github.com/immuni-app/immuni-backend-analytics/pkg/ratelimit"
	"github.com/immuni-app/immuni-backend-analytics/pkg/store"
	"github.com/immuni-app/immuni-backend-analytics/pkg/stream"
	"github.com/immuni-app/immuni-backend-analytics/pkg/telemetry"
)

// dummyHeader marks client-originated decoy requests. They are shed at the
// edge; server-scheduled decoys replace them further down.
const dummyHeader = "Immuni-Dummy-Data"

type Server struct {
	Queues              map[model.Platform]queue.Queue
	Events              *stream.Hub
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	MaxTokenBytes       int
	MaxRequestBodyBytes int64
	TrustedProxyCIDRs   []*net.IPNet
}

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openBrokerFnG  = store.NewRedisPartition
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		go s.queueDepthLoop(context.Background())
	}
)

func main() {
	if err := runGateway(initTelemetryG, openBrokerFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

type gatewayInitTelemetryFunc func(ctx context.Context, serviceName string) (func(context.Context) error, error)
type gatewayOpenBrokerFunc func(ctx context.Context, partition string) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server)

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openBroker gatewayOpenBrokerFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	metrics.Register()

	queues, err := openQueues(ctx, openBroker)
	if err != nil {
		return err
	}

	var limiter ratelimit.Limiter
	rateLimitWindow := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
	analyticsClient, err := openBroker(ctx, store.PartitionAnalytics)
	if err != nil {
		log.Printf("analytics broker unavailable, per-replica rate limits: %v", err)
		limiter = ratelimit.NewInMemory(rateLimitWindow)
	} else {
		defer analyticsClient.Close()
		limiter = ratelimit.NewRedis(analyticsClient, rateLimitWindow)
	}

	s := &Server{
		Queues:              queues,
		Events:              stream.NewHub(),
		RateLimiter:         limiter,
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 120),
		MaxTokenBytes:       envInt("ANALYTICS_TOKEN_SIZE", 128),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		TrustedProxyCIDRs:   parseCIDRs(env("TRUSTED_PROXY_CIDRS", "")),
	}

	// Worker replicas publish terminal events on the analytics partition;
	// relay them into the hub backing /v1/ops/events.
	if analyticsClient != nil {
		go func() {
			if err := stream.Relay(context.Background(), analyticsClient, s.Events); err != nil {
				log.Printf("event relay: %v", err)
			}
		}()
	}

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

// openQueues builds one queue per platform, each on its own broker
// partition. A missing broker is fatal: accepting submissions into a queue
// no worker can reach would drop them without trace.
func openQueues(ctx context.Context, openBroker gatewayOpenBrokerFunc) (map[model.Platform]queue.Queue, error) {
	maxAttempts := envInt("QUEUE_MAX_ATTEMPTS", queue.MaxAttemptsDefault)
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

func (s *Server) router() chi.Router {
	r := chi.NewRouter()
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Post("/v1/analytics/token", s.handleSubmit)
	r.Get("/v1/ops/poisoned", s.listPoisoned)
	r.Delete("/v1/ops/poisoned/{submission_id}", s.discardPoisoned)
	r.Get("/v1/ops/events", s.streamEvents)
	return r
}

func (s *Server) queueDepthLoop(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, q := range s.Queues {
			depth, err := q.Depth(ctx)
			if err != nil {
				continue
			}
			metrics.QueueDepth.WithLabelValues(q.Name()).Set(float64(depth))
		}
	}
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func parseCIDRs(raw string) []*net.IPNet {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var out []*net.IPNet
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(part)
		if err != nil {
			log.Printf("ignoring invalid trusted proxy CIDR %q: %v", part, err)
			continue
		}
		out = append(out, ipnet)
	}
	return out
}

type submitRequest struct {
	Platform string          `json:"platform"`
	Token    string          `json:"token"`
	Salt     string          `json:"salt"`
	Payload  json.RawMessage `json:"payload"`
}

// handleSubmit accepts one telemetry submission. Every well-formed request
// gets the same 204 regardless of what the mitigation layer decides; the
// attestation verdict is never observable here.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)

	if r.Header.Get(dummyHeader) == "1" {
		httpx.NoContent(w)
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "malformed request body")
		return
	}
	platform, err := model.ParsePlatform(req.Platform)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "unknown platform")
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		httpx.Error(w, http.StatusBadRequest, "token required")
		return
	}
	token, err := base64.StdEncoding.DecodeString(req.Token)
	if err != nil || len(token) == 0 {
		httpx.Error(w, http.StatusBadRequest, "token must be base64")
		return
	}
	if len(token) > s.MaxTokenBytes {
		httpx.Error(w, http.StatusBadRequest, "token too large")
		return
	}
	q, ok := s.Queues[platform]
	if !ok {
		httpx.Error(w, http.StatusBadRequest, "unknown platform")
		return
	}

	if s.RateLimitEnabled && s.RateLimiter != nil {
		if d := s.RateLimiter.Allow(s.clientIP(r), s.RateLimitPerMinute); !d.Allowed {
			// Shed silently; a limited caller sees the same response as
			// an accepted one.
			httpx.NoContent(w)
			return
		}
	}

	item := model.NewWorkItem(platform, token, req.Salt, req.Payload)
	if err := q.Enqueue(r.Context(), item); err != nil {
		log.Printf("enqueue %s: %v", platform, err)
		httpx.Error(w, http.StatusInternalServerError, "temporarily unavailable")
		return
	}
	metrics.SubmissionsTotal.WithLabelValues(string(platform)).Inc()
	httpx.NoContent(w)
}

// clientIP resolves the caller address, honoring X-Forwarded-For only when
// the direct peer is a trusted proxy.
func (s *Server) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if len(s.TrustedProxyCIDRs) == 0 {
		return host
	}
	peer := net.ParseIP(host)
	if peer == nil {
		return host
	}
	trusted := false
	for _, cidr := range s.TrustedProxyCIDRs {
		if cidr.Contains(peer) {
			trusted = true
			break
		}
	}
	if !trusted {
		return host
	}
	fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if fwd == "" {
		return host
	}
	parts := strings.Split(fwd, ",")
	if ip := net.ParseIP(strings.TrimSpace(parts[0])); ip != nil {
		return ip.String()
	}
	return host
}
