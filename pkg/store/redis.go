package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Broker partition names. Each partition is a physically separate Redis
// endpoint so that traffic to one platform's broker reveals nothing about
// the other's. Configuration is read from BROKER_<NAME>_* env vars.
const (
	PartitionIOS       = "IOS"
	PartitionAndroid   = "ANDROID"
	PartitionScheduled = "SCHEDULED"
	// PartitionAnalytics backs the ingest buffer and replay guards, not a
	// task queue. Configured via ANALYTICS_REDIS_* and kept apart from the
	// brokers for the same reason the brokers are kept apart from each other.
	PartitionAnalytics = "ANALYTICS"
)

// NewRedisPartition connects the client for one named partition. Sharing a
// client across partitions is never valid; callers hold one per partition.
func NewRedisPartition(ctx context.Context, partition string) (*redis.Client, error) {
	prefix := "BROKER_" + strings.ToUpper(strings.TrimSpace(partition))
	if partition == PartitionAnalytics {
		prefix = "ANALYTICS_REDIS"
	}
	addr := strings.TrimSpace(os.Getenv(prefix + "_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("%s_ADDR is required", prefix)
	}
	password := os.Getenv(prefix + "_PASSWORD")
	db := 0
	if raw := os.Getenv(prefix + "_DB"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			db = parsed
		}
	}
	tlsConfig, err := loadRedisTLSConfig(prefix)
	if err != nil {
		return nil, err
	}
	if requiresSecureTransport(prefix+"_REQUIRE_TLS") && tlsConfig == nil {
		return nil, fmt.Errorf("%s_REQUIRE_TLS=true but %s_TLS is not enabled", prefix, prefix)
	}
	client := redis.NewClient(&redis.Options{
		Addr:      addr,
		Password:  password,
		DB:        db,
		TLSConfig: tlsConfig,
	})
	ctxPing, cancel := context.WithTimeout(ctx, time.Second*2)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping %s partition: %w", partition, err)
	}
	return client, nil
}

func loadRedisTLSConfig(prefix string) (*tls.Config, error) {
	if !strings.EqualFold(strings.TrimSpace(os.Getenv(prefix+"_TLS")), "true") {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if strings.EqualFold(strings.TrimSpace(os.Getenv(prefix+"_TLS_INSECURE")), "true") {
		if !strings.EqualFold(strings.TrimSpace(os.Getenv(prefix+"_ALLOW_INSECURE_TLS")), "true") {
			return nil, fmt.Errorf("%s_TLS_INSECURE=true requires %s_ALLOW_INSECURE_TLS=true", prefix, prefix)
		}
		cfg.InsecureSkipVerify = true
	}
	if serverName := strings.TrimSpace(os.Getenv(prefix + "_TLS_SERVER_NAME")); serverName != "" {
		cfg.ServerName = serverName
	}
	if caFile := strings.TrimSpace(os.Getenv(prefix + "_TLS_CA_CERT_FILE")); caFile != "" {
		caBytes, err := os.ReadFile(filepath.Clean(caFile))
		if err != nil {
			return nil, fmt.Errorf("read %s_TLS_CA_CERT_FILE: %w", prefix, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("parse %s_TLS_CA_CERT_FILE: no valid certificates", prefix)
		}
		cfg.RootCAs = pool
	}
	certFile := strings.TrimSpace(os.Getenv(prefix + "_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv(prefix + "_TLS_KEY_FILE"))
	if certFile != "" || keyFile != "" {
		if certFile == "" || keyFile == "" {
			return nil, fmt.Errorf("both %s_TLS_CERT_FILE and %s_TLS_KEY_FILE must be set", prefix, prefix)
		}
		cert, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
		if err != nil {
			return nil, fmt.Errorf("load %s mTLS keypair: %w", prefix, err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
