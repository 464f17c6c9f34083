// Package ledger implements the authorization outcome store: a durable
// idempotency ledger holding exactly one terminal decision per submission.
// Concurrent workers racing on the same submission converge through an
// atomic insert-if-absent; the loser replays the winner's decision.
package ledger

import (
	"context"
	"errors"

	"github.com/immuni-app/immuni-backend-analytics/pkg/model"
)

// ErrNotFound is returned by Get when no outcome has been recorded.
var ErrNotFound = errors.New("outcome not found")

type Ledger interface {
	// Record claims the decision for outcome.SubmissionID. The returned
	// outcome is the authoritative one; claimed reports whether this call
	// won the insert. On claimed=false the caller must treat its own
	// decision as a replay and act on the returned one.
	Record(ctx context.Context, outcome model.AuthorizationOutcome) (model.AuthorizationOutcome, bool, error)
	// Get returns the recorded outcome or ErrNotFound.
	Get(ctx context.Context, submissionID string) (model.AuthorizationOutcome, error)
}
