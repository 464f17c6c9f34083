// Package sink is the durable storage boundary for accepted analytics
// payloads. The production sink appends to a Redis buffer list on the
// analytics partition; a scheduled flush moves buffered records into
// Postgres in batches. Appends are idempotent downstream: the flush keys
// records by submission id.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// BufferKey is the ingest buffer list; ErrorsKey collects entries the flush
// could not decode.
const (
	BufferKey = "ingested_analytics"
	ErrorsKey = "errors_analytics"
)

// Record is the durable storage envelope.
type Record struct {
	SubmissionID string          `json:"submission_id"`
	Payload      json.RawMessage `json:"payload"`
	AcceptedAt   time.Time       `json:"accepted_at"`
}

type Sink interface {
	// Append stores one accepted record. Safe to call twice with the same
	// submission id; duplicates collapse at the durable layer.
	Append(ctx context.Context, rec Record) error
}

// RedisBuffer appends records to the ingest buffer list.
type RedisBuffer struct {
	Client *redis.Client
}

func NewRedisBuffer(client *redis.Client) (*RedisBuffer, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client required")
	}
	return &RedisBuffer{Client: client}, nil
}

func (s *RedisBuffer) Append(ctx context.Context, rec Record) error {
	if rec.SubmissionID == "" {
		return fmt.Errorf("submission id required")
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.Client.RPush(ctx, BufferKey, raw).Err(); err != nil {
		return fmt.Errorf("append to ingest buffer: %w", err)
	}
	return nil
}

// Memory collects records in-process for tests.
type Memory struct {
	mu      sync.Mutex
	records []Record
	byID    map[string]int
	failErr error
}

func NewMemory() *Memory {
	return &Memory{byID: map[string]int{}}
}

func (s *Memory) Append(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	if _, ok := s.byID[rec.SubmissionID]; ok {
		return nil
	}
	s.byID[rec.SubmissionID] = len(s.records)
	s.records = append(s.records, rec)
	return nil
}

// Records returns a copy of everything appended so far.
func (s *Memory) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Fail makes subsequent appends return err. Test helper.
func (s *Memory) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}
