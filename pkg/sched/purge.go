package sched

import (
	"context"
	"fmt"
	"os"
	"strconv"
)

// Purger enforces the retention window on the durable analytics table.
type Purger struct {
	DB            flushDB
	RetentionDays int
}

func NewPurger(db flushDB) (*Purger, error) {
	if db == nil {
		return nil, fmt.Errorf("database required")
	}
	return &Purger{DB: db, RetentionDays: envRetentionDays()}, nil
}

func envRetentionDays() int {
	raw := os.Getenv("DATA_RETENTION_DAYS")
	if raw == "" {
		return 30
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 30
	}
	return n
}

// Purge deletes records older than the retention window and reports how
// many went away.
func (p *Purger) Purge(ctx context.Context) (int64, error) {
	tag, err := p.DB.Exec(ctx, `
		DELETE FROM analytics_records
		WHERE accepted_at < now() - make_interval(days => $1)
	`, p.RetentionDays)
	if err != nil {
		return 0, fmt.Errorf("purge analytics records: %w", err)
	}
	return tag.RowsAffected(), nil
}
