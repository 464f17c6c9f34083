package attest

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/immuni-app/immuni-backend-analytics/pkg/httpx"
	"github.com/immuni-app/immuni-backend-analytics/pkg/store"
)

const saltGuardKeyPrefix = "~safetynet-used-salt:"

// SafetyNet verifies Android attestations: structural and claim checks on
// the JWS locally, signature verification through the remote endpoint, and
// a single-use window per salt so a captured attestation cannot be replayed
// inside the accepted clock-skew interval.
type SafetyNet struct {
	VerifyURL   string
	PackageName string
	MaxSkew     time.Duration
	SaltGuard   store.Cache
	HTTPClient  *http.Client
	Retries     int
	RetryDelay  time.Duration

	now func() time.Time
}

type SafetyNetConfig struct {
	VerifyURL   string
	PackageName string
	MaxSkew     time.Duration
	SaltGuard   store.Cache
	HTTPClient  *http.Client
	Retries     int
	RetryDelay  time.Duration
}

func NewSafetyNet(cfg SafetyNetConfig) (*SafetyNet, error) {
	if cfg.VerifyURL == "" {
		return nil, fmt.Errorf("safetynet verify url required")
	}
	if cfg.PackageName == "" {
		return nil, fmt.Errorf("safetynet package name required")
	}
	if cfg.SaltGuard == nil {
		return nil, fmt.Errorf("safetynet salt guard required")
	}
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = 10 * time.Minute
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	return &SafetyNet{
		VerifyURL:   cfg.VerifyURL,
		PackageName: cfg.PackageName,
		MaxSkew:     cfg.MaxSkew,
		SaltGuard:   cfg.SaltGuard,
		HTTPClient:  cfg.HTTPClient,
		Retries:     cfg.Retries,
		RetryDelay:  cfg.RetryDelay,
		now:         time.Now,
	}, nil
}

type safetyNetClaims struct {
	Nonce           string `json:"nonce"`
	TimestampMs     int64  `json:"timestampMs"`
	APKPackageName  string `json:"apkPackageName"`
	BasicIntegrity  bool   `json:"basicIntegrity"`
	CTSProfileMatch bool   `json:"ctsProfileMatch"`
	EvaluationType  string `json:"evaluationType"`
}

func (s *SafetyNet) Verify(ctx context.Context, token []byte, salt string, payload []byte) (Verdict, error) {
	if strings.TrimSpace(salt) == "" {
		return VerdictInvalid, nil
	}
	claims, ok := parseJWS(string(token))
	if !ok {
		return VerdictInvalid, nil
	}
	if !s.claimsAcceptable(claims, salt, payload) {
		return VerdictInvalid, nil
	}

	verdict, err := s.verifySignature(ctx, token)
	if verdict != VerdictValid {
		return verdict, err
	}

	// Claim the salt last: the single-use window only burns once the
	// attestation is otherwise good.
	fresh, err := s.SaltGuard.SetNX(ctx, saltGuardKeyPrefix+salt, "1", s.MaxSkew)
	if err != nil {
		return VerdictUndeterminable, fmt.Errorf("safetynet salt guard: %w", err)
	}
	if !fresh {
		return VerdictInvalid, nil
	}
	return VerdictValid, nil
}

func (s *SafetyNet) claimsAcceptable(claims safetyNetClaims, salt string, payload []byte) bool {
	now := s.now().UTC()
	ts := time.UnixMilli(claims.TimestampMs).UTC()
	if ts.Before(now.Add(-s.MaxSkew)) || ts.After(now.Add(s.MaxSkew)) {
		return false
	}
	if claims.APKPackageName != s.PackageName {
		return false
	}
	if !claims.BasicIntegrity || !claims.CTSProfileMatch {
		return false
	}
	hardwareBacked := false
	for _, et := range strings.Split(claims.EvaluationType, ",") {
		if strings.TrimSpace(et) == "HARDWARE_BACKED" {
			hardwareBacked = true
		}
	}
	if !hardwareBacked {
		return false
	}
	return claims.Nonce == Nonce(payload, salt)
}

func (s *SafetyNet) verifySignature(ctx context.Context, token []byte) (Verdict, error) {
	body, err := json.Marshal(map[string]string{"signedAttestation": string(token)})
	if err != nil {
		return VerdictUndeterminable, err
	}
	status, resp, err := httpx.RequestJSON(ctx, s.HTTPClient, http.MethodPost, s.VerifyURL, body, nil, s.Retries, s.RetryDelay)
	if err != nil {
		return VerdictUndeterminable, fmt.Errorf("safetynet verify: %w", err)
	}
	switch {
	case status == http.StatusOK:
	case status >= 500:
		return VerdictUndeterminable, fmt.Errorf("safetynet verify: status %d", status)
	default:
		return VerdictInvalid, nil
	}
	var out struct {
		IsValidSignature bool `json:"isValidSignature"`
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		return VerdictUndeterminable, fmt.Errorf("safetynet verify: decode response: %w", err)
	}
	if !out.IsValidSignature {
		return VerdictInvalid, nil
	}
	return VerdictValid, nil
}

// Nonce derives the digest a genuine client embeds in its attestation
// request, binding the raw operational payload bytes and the salt. Must
// match the client implementation exactly.
func Nonce(payload []byte, salt string) string {
	h := sha256.New()
	h.Write(payload)
	h.Write([]byte(salt))
	return hex.EncodeToString(h.Sum(nil))
}

// parseJWS splits and decodes a JWS compact serialization without verifying
// the signature; signature validity is the remote endpoint's job.
func parseJWS(token string) (safetyNetClaims, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return safetyNetClaims{}, false
	}
	headerRaw, err := decodeJWSPart(parts[0])
	if err != nil {
		return safetyNetClaims{}, false
	}
	var header struct {
		X5C []string `json:"x5c"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil || len(header.X5C) == 0 {
		return safetyNetClaims{}, false
	}
	payloadRaw, err := decodeJWSPart(parts[1])
	if err != nil {
		return safetyNetClaims{}, false
	}
	var claims safetyNetClaims
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return safetyNetClaims{}, false
	}
	return claims, true
}

func decodeJWSPart(part string) ([]byte, error) {
	if padding := len(part) % 4; padding != 0 {
		part += strings.Repeat("=", 4-padding)
	}
	decoded, err := base64.URLEncoding.DecodeString(part)
	if err != nil {
		return base64.StdEncoding.DecodeString(part)
	}
	return decoded, nil
}
