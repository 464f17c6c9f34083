package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Platform identifies the attestation framework a submission originates from.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// Platforms lists the supported platforms in stable order.
var Platforms = []Platform{PlatformIOS, PlatformAndroid}

func ParsePlatform(raw string) (Platform, error) {
	switch Platform(strings.ToLower(strings.TrimSpace(raw))) {
	case PlatformIOS:
		return PlatformIOS, nil
	case PlatformAndroid:
		return PlatformAndroid, nil
	}
	return "", fmt.Errorf("unknown platform %q", raw)
}

// Decision is the terminal authorization outcome for a submission.
type Decision string

const (
	DecisionAccepted Decision = "accepted"
	DecisionRejected Decision = "rejected"
	DecisionError    Decision = "error"
)

// WorkItem is the queue envelope for one submission. A nil Token marks a
// decoy item: it traverses the same pipeline but never touches the ledger
// or durable storage. Attempts and LastError are broker bookkeeping set on
// redelivery, never client input.
type WorkItem struct {
	SubmissionID string          `json:"submission_id"`
	Platform     Platform        `json:"platform"`
	Token        []byte          `json:"token,omitempty"`
	Salt         string          `json:"salt,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	Attempts     int             `json:"attempts"`
	LastError    string          `json:"last_error,omitempty"`
}

// NewWorkItem mints a genuine submission envelope.
func NewWorkItem(platform Platform, token []byte, salt string, payload json.RawMessage) WorkItem {
	return WorkItem{
		SubmissionID: uuid.NewString(),
		Platform:     platform,
		Token:        token,
		Salt:         salt,
		Payload:      payload,
		EnqueuedAt:   time.Now().UTC(),
	}
}

// NewDecoyItem mints a decoy envelope with a synthetic payload so the wire
// size matches a genuine submission.
func NewDecoyItem(platform Platform, payload json.RawMessage) WorkItem {
	return WorkItem{
		SubmissionID: uuid.NewString(),
		Platform:     platform,
		Payload:      payload,
		EnqueuedAt:   time.Now().UTC(),
	}
}

// Dummy reports whether the item is scheduler-originated decoy traffic.
func (w WorkItem) Dummy() bool { return len(w.Token) == 0 }

func (w WorkItem) Validate() error {
	if strings.TrimSpace(w.SubmissionID) == "" {
		return fmt.Errorf("submission id required")
	}
	if _, err := ParsePlatform(string(w.Platform)); err != nil {
		return err
	}
	return nil
}

func (w WorkItem) Encode() ([]byte, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func DecodeWorkItem(raw []byte) (WorkItem, error) {
	var item WorkItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return WorkItem{}, fmt.Errorf("decode work item: %w", err)
	}
	if err := item.Validate(); err != nil {
		return WorkItem{}, err
	}
	return item, nil
}

// AuthorizationOutcome is the write-once ledger entry for a submission.
type AuthorizationOutcome struct {
	SubmissionID string    `json:"submission_id"`
	Decision     Decision  `json:"decision"`
	DecidedAt    time.Time `json:"decided_at"`
}

// PoisonedItem is the operator-visible record of a submission that exhausted
// its retry budget.
type PoisonedItem struct {
	SubmissionID string    `json:"submission_id"`
	Platform     Platform  `json:"platform"`
	Attempts     int       `json:"attempts"`
	LastError    string    `json:"last_error"`
	PoisonedAt   time.Time `json:"poisoned_at"`
}
