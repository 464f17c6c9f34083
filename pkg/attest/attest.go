// Package attest adapts the platform attestation providers. Verifiers are
// stateless: nothing about a token or its device survives the Verify call,
// and raw tokens never appear in logs or error strings.
package attest

import (
	"context"
	"fmt"

	"github.com/immuni-app/immuni-backend-analytics/pkg/model"
)

// Verdict is the three-way attestation result.
type Verdict int

const (
	// VerdictValid: attestation confirms device integrity and freshness.
	VerdictValid Verdict = iota
	// VerdictInvalid: explicit rejection. Terminal, never retried.
	VerdictInvalid
	// VerdictUndeterminable: provider unreachable or timed out. The caller
	// retries with bounded backoff.
	VerdictUndeterminable
)

func (v Verdict) String() string {
	switch v {
	case VerdictValid:
		return "valid"
	case VerdictInvalid:
		return "invalid"
	case VerdictUndeterminable:
		return "undeterminable"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// Verifier checks one platform's attestation token. The salt and raw
// payload bytes feed nonce binding and replay protection where the platform
// requires them (SafetyNet); DeviceCheck ignores both.
type Verifier interface {
	Verify(ctx context.Context, token []byte, salt string, payload []byte) (Verdict, error)
}

// Registry routes verification by platform. Unknown platforms and empty
// tokens are invalid by input constraint, without touching any provider.
type Registry struct {
	verifiers map[model.Platform]Verifier
}

func NewRegistry() *Registry {
	return &Registry{verifiers: map[model.Platform]Verifier{}}
}

func (r *Registry) Register(platform model.Platform, v Verifier) {
	r.verifiers[platform] = v
}

func (r *Registry) Verify(ctx context.Context, platform model.Platform, token []byte, salt string, payload []byte) (Verdict, error) {
	if len(token) == 0 {
		return VerdictInvalid, nil
	}
	v, ok := r.verifiers[platform]
	if !ok {
		return VerdictInvalid, nil
	}
	return v.Verify(ctx, token, salt, payload)
}
