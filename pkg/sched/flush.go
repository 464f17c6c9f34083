package sched

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/immuni-app/immuni-backend-analytics/pkg/metrics"
	"github.com/immuni-app/immuni-backend-analytics/pkg/sink"
)

type flushDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Flusher drains the Redis ingest buffer into the durable analytics table.
// Entries that fail to decode are diverted to the errors list so a single
// bad record never wedges the flush.
type Flusher struct {
	Redis     *redis.Client
	DB        flushDB
	BatchSize int
}

func NewFlusher(rdb *redis.Client, db flushDB) (*Flusher, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if db == nil {
		return nil, fmt.Errorf("database required")
	}
	return &Flusher{Redis: rdb, DB: db, BatchSize: envBatchSize()}, nil
}

func envBatchSize() int {
	raw := os.Getenv("MAX_INGESTED_ELEMENTS")
	if raw == "" {
		return 100
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 100
	}
	return n
}

// Flush drains one batch. It returns the number of records stored. A
// database failure pushes the popped entries back onto the buffer so
// nothing is lost; the next flush trigger retries them.
func (f *Flusher) Flush(ctx context.Context) (int, error) {
	raws, err := f.Redis.LPopCount(ctx, sink.BufferKey, f.BatchSize).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("pop ingest buffer: %w", err)
	}
	if len(raws) == 0 {
		return 0, nil
	}

	var good []sink.Record
	var goodRaw []string
	for _, raw := range raws {
		var rec sink.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil || rec.SubmissionID == "" {
			metrics.IngestedBadFormatTotal.Inc()
			if err := f.Redis.RPush(ctx, sink.ErrorsKey, raw).Err(); err != nil {
				return 0, fmt.Errorf("divert bad entry: %w", err)
			}
			continue
		}
		good = append(good, rec)
		goodRaw = append(goodRaw, raw)
	}
	if len(good) == 0 {
		return 0, nil
	}

	if err := f.insert(ctx, good); err != nil {
		// Requeue for the next flush trigger.
		vals := make([]interface{}, len(goodRaw))
		for i, raw := range goodRaw {
			vals[i] = raw
		}
		if rerr := f.Redis.RPush(ctx, sink.BufferKey, vals...).Err(); rerr != nil {
			return 0, fmt.Errorf("flush failed and requeue failed: %v (insert: %w)", rerr, err)
		}
		return 0, fmt.Errorf("flush batch: %w", err)
	}
	metrics.IngestedRecordsTotal.Add(float64(len(good)))
	return len(good), nil
}

func (f *Flusher) insert(ctx context.Context, recs []sink.Record) error {
	var sb strings.Builder
	sb.WriteString("INSERT INTO analytics_records (submission_id, payload, accepted_at) VALUES ")
	args := make([]any, 0, len(recs)*3)
	for i, rec := range recs {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 3
		fmt.Fprintf(&sb, "($%d, $%d, $%d)", base+1, base+2, base+3)
		payload := rec.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("{}")
		}
		args = append(args, rec.SubmissionID, payload, rec.AcceptedAt)
	}
	sb.WriteString(" ON CONFLICT (submission_id) DO NOTHING")
	if _, err := f.DB.Exec(ctx, sb.String(), args...); err != nil {
		return err
	}
	return nil
}
