package attest

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/immuni-app/immuni-backend-analytics/pkg/httpx"
)

// DeviceCheck verifies iOS device tokens through Apple's per-device two-bit
// state. The bit protocol mirrors the per-month authorization dance: a device
// in the default state (0,0) gets walked through (1,0) back to (0,0); any
// unexpected configuration blacklists the device by pinning (1,1).
type DeviceCheck struct {
	BaseURL    string
	TeamID     string
	KeyID      string
	PrivateKey *ecdsa.PrivateKey
	HTTPClient *http.Client
	Retries    int
	RetryDelay time.Duration

	now func() time.Time
}

type DeviceCheckConfig struct {
	BaseURL    string
	TeamID     string
	KeyID      string
	PrivateKey *ecdsa.PrivateKey
	HTTPClient *http.Client
	Retries    int
	RetryDelay time.Duration
}

func NewDeviceCheck(cfg DeviceCheckConfig) (*DeviceCheck, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("devicecheck base url required")
	}
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("devicecheck signing key required")
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	return &DeviceCheck{
		BaseURL:    cfg.BaseURL,
		TeamID:     cfg.TeamID,
		KeyID:      cfg.KeyID,
		PrivateKey: cfg.PrivateKey,
		HTTPClient: cfg.HTTPClient,
		Retries:    cfg.Retries,
		RetryDelay: cfg.RetryDelay,
		now:        time.Now,
	}, nil
}

type deviceBits struct {
	Bit0           bool   `json:"bit0"`
	Bit1           bool   `json:"bit1"`
	LastUpdateTime string `json:"last_update_time"`
}

func (d deviceBits) defaultCompliant() bool    { return !d.Bit0 && !d.Bit1 }
func (d deviceBits) authorizedCompliant() bool { return d.Bit0 && !d.Bit1 }

func (d *DeviceCheck) Verify(ctx context.Context, token []byte, salt string, payload []byte) (Verdict, error) {
	bits, verdict, err := d.queryBits(ctx, token)
	if verdict != VerdictValid {
		return verdict, err
	}
	if !bits.defaultCompliant() {
		return d.blacklist(ctx, token)
	}

	if verdict, err := d.setBits(ctx, token, true, false); verdict != VerdictValid {
		return verdict, err
	}

	bits, verdict, err = d.queryBits(ctx, token)
	if verdict != VerdictValid {
		return verdict, err
	}
	if !bits.authorizedCompliant() {
		return d.blacklist(ctx, token)
	}

	if verdict, err := d.setBits(ctx, token, false, false); verdict != VerdictValid {
		return verdict, err
	}
	return VerdictValid, nil
}

// blacklist pins both bits, the configuration that marks untrusted devices.
func (d *DeviceCheck) blacklist(ctx context.Context, token []byte) (Verdict, error) {
	if verdict, err := d.setBits(ctx, token, true, true); verdict == VerdictUndeterminable {
		return verdict, err
	}
	return VerdictInvalid, nil
}

func (d *DeviceCheck) queryBits(ctx context.Context, token []byte) (deviceBits, Verdict, error) {
	body, err := json.Marshal(d.commonPayload(token))
	if err != nil {
		return deviceBits{}, VerdictUndeterminable, err
	}
	headers, err := d.authHeaders()
	if err != nil {
		return deviceBits{}, VerdictUndeterminable, err
	}
	status, resp, err := httpx.RequestJSON(ctx, d.HTTPClient, http.MethodPost, d.BaseURL+"/query_two_bits", body, headers, d.Retries, d.RetryDelay)
	if err != nil {
		return deviceBits{}, VerdictUndeterminable, fmt.Errorf("devicecheck query: %w", err)
	}
	switch {
	case status == http.StatusOK:
	case status >= 500:
		return deviceBits{}, VerdictUndeterminable, fmt.Errorf("devicecheck query: status %d", status)
	default:
		return deviceBits{}, VerdictInvalid, nil
	}
	// A device whose bits were never set gets a plain-text body instead of
	// JSON; that counts as the default configuration.
	if string(resp) == "Failed to find bit state" {
		return deviceBits{}, VerdictValid, nil
	}
	var bits deviceBits
	if err := json.Unmarshal(resp, &bits); err != nil {
		return deviceBits{}, VerdictUndeterminable, fmt.Errorf("devicecheck query: decode response: %w", err)
	}
	return bits, VerdictValid, nil
}

func (d *DeviceCheck) setBits(ctx context.Context, token []byte, bit0, bit1 bool) (Verdict, error) {
	payload := d.commonPayload(token)
	payload["bit0"] = bit0
	payload["bit1"] = bit1
	body, err := json.Marshal(payload)
	if err != nil {
		return VerdictUndeterminable, err
	}
	headers, err := d.authHeaders()
	if err != nil {
		return VerdictUndeterminable, err
	}
	status, _, err := httpx.RequestJSON(ctx, d.HTTPClient, http.MethodPost, d.BaseURL+"/update_two_bits", body, headers, d.Retries, d.RetryDelay)
	if err != nil {
		return VerdictUndeterminable, fmt.Errorf("devicecheck update: %w", err)
	}
	switch {
	case status == http.StatusOK:
		return VerdictValid, nil
	case status >= 500:
		return VerdictUndeterminable, fmt.Errorf("devicecheck update: status %d", status)
	default:
		return VerdictInvalid, nil
	}
}

func (d *DeviceCheck) commonPayload(token []byte) map[string]any {
	return map[string]any{
		"transaction_id": uuid.NewString(),
		"timestamp":      d.now().UnixMilli(),
		"device_token":   base64.StdEncoding.EncodeToString(token),
	}
}

// authHeaders mints a short-lived ES256 bearer token for the DeviceCheck API.
func (d *DeviceCheck) authHeaders() (map[string]string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": d.TeamID,
		"iat": d.now().Unix(),
	})
	tok.Header["kid"] = d.KeyID
	signed, err := tok.SignedString(d.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("sign devicecheck jwt: %w", err)
	}
	return map[string]string{"Authorization": "Bearer " + signed}, nil
}
