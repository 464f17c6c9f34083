package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/immuni-app/immuni-backend-analytics/pkg/model"
)

type ledgerDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres stores outcomes in the authorization_outcomes table. The primary
// key on submission_id is the claim gate: ON CONFLICT DO NOTHING turns the
// insert into a compare-and-set.
type Postgres struct {
	DB ledgerDB
}

func NewPostgres(db ledgerDB) *Postgres { return &Postgres{DB: db} }

func (p *Postgres) Record(ctx context.Context, outcome model.AuthorizationOutcome) (model.AuthorizationOutcome, bool, error) {
	tag, err := p.DB.Exec(ctx, `
		INSERT INTO authorization_outcomes (submission_id, decision, decided_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (submission_id) DO NOTHING
	`, outcome.SubmissionID, string(outcome.Decision), outcome.DecidedAt)
	if err != nil {
		return model.AuthorizationOutcome{}, false, fmt.Errorf("record outcome: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return outcome, true, nil
	}
	existing, err := p.Get(ctx, outcome.SubmissionID)
	if err != nil {
		return model.AuthorizationOutcome{}, false, err
	}
	return existing, false, nil
}

func (p *Postgres) Get(ctx context.Context, submissionID string) (model.AuthorizationOutcome, error) {
	var out model.AuthorizationOutcome
	var decision string
	row := p.DB.QueryRow(ctx, `
		SELECT submission_id, decision, decided_at
		FROM authorization_outcomes WHERE submission_id = $1
	`, submissionID)
	if err := row.Scan(&out.SubmissionID, &decision, &out.DecidedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AuthorizationOutcome{}, ErrNotFound
		}
		return model.AuthorizationOutcome{}, fmt.Errorf("get outcome: %w", err)
	}
	out.Decision = model.Decision(decision)
	return out, nil
}
