package ledger

import (
	"context"
	"sync"

	"github.com/immuni-app/immuni-backend-analytics/pkg/model"
)

// Memory keeps outcomes in-process. Single-process runs and tests only.
type Memory struct {
	mu       sync.Mutex
	outcomes map[string]model.AuthorizationOutcome
}

func NewMemory() *Memory {
	return &Memory{outcomes: map[string]model.AuthorizationOutcome{}}
}

func (m *Memory) Record(ctx context.Context, outcome model.AuthorizationOutcome) (model.AuthorizationOutcome, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.outcomes[outcome.SubmissionID]; ok {
		return existing, false, nil
	}
	m.outcomes[outcome.SubmissionID] = outcome
	return outcome, true, nil
}

func (m *Memory) Get(ctx context.Context, submissionID string) (model.AuthorizationOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	outcome, ok := m.outcomes[submissionID]
	if !ok {
		return model.AuthorizationOutcome{}, ErrNotFound
	}
	return outcome, nil
}

// Len reports the number of recorded outcomes. Test helper.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.outcomes)
}
