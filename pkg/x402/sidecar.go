// Package x402 - Signing sidecar client
// The client never touches key material. Proof generation is delegated to a
// local signing sidecar over a small REST protocol:
//   GET  /health           -> service status and supported chains
//   POST /api/balance      -> shielded wallet balance
//   POST /api/pay/generate -> payment authorization for a challenge
// Failures map onto the closed error taxonomy; only unreachability is
// retryable.
package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Gateway error codes the sidecar reports
const (
	codeInsufficientBalance = "INSUFFICIENT_BALANCE"
	codeNoteExhausted       = "NOTE_EXHAUSTED"
	codeWalletLocked        = "WALLET_LOCKED"
	codeProofFailed         = "PROOF_GENERATION_FAILED"
)

// Authorization is the credential obtained for a challenge. The orchestrator
// treats Header as an opaque bearer token; the remaining fields are advisory
// detail from the sidecar.
type Authorization struct {
	Header           string          `json:"authHeader"`
	AmountPaid       decimal.Decimal `json:"amountPaid"`
	RemainingBalance decimal.Decimal `json:"remainingBalance"`
	NullifierHash    string          `json:"nullifierHash"`
	ProofID          string          `json:"proofId"`
}

// AuthorizationProvider turns a challenge into a signed authorization.
// Implementations do not retry; bounded retry is the orchestrator's job.
type AuthorizationProvider interface {
	Obtain(ctx context.Context, challenge *PaymentChallenge) (*Authorization, error)
}

// SidecarHealth is the sidecar's status report.
type SidecarHealth struct {
	Status  string   `json:"status"`
	Version string   `json:"version"`
	Uptime  float64  `json:"uptime"`
	Mode    string   `json:"mode"`
	Chains  []string `json:"chains"`
}

// SupportedNetworks converts the health report's chain list into network
// capabilities usable for accepts selection.
func (h *SidecarHealth) SupportedNetworks() []NetworkType {
	networks := make([]NetworkType, 0, len(h.Chains))
	for _, chain := range h.Chains {
		networks = append(networks, CanonicalNetwork(chain))
	}
	return networks
}

// WalletBalance is the sidecar's view of the shielded wallet.
type WalletBalance struct {
	Total        decimal.Decimal `json:"totalUsdc"`
	NoteCount    int             `json:"noteCount"`
	LargestNote  decimal.Decimal `json:"largestNote"`
	SmallestNote decimal.Decimal `json:"smallestNote"`
	Chain        string          `json:"chain"`
}

// SidecarConfig holds configuration for the sidecar client.
type SidecarConfig struct {
	// URL is the sidecar base URL, e.g. http://localhost:3000.
	URL string

	// WalletNote is the encrypted note blob passed through to the sidecar.
	WalletNote string

	// WalletNotePassword unlocks the note. Never logged.
	WalletNotePassword string

	// Timeout bounds each sidecar call. Defaults to 10s. The orchestrator's
	// overall deadline still applies on top.
	Timeout time.Duration

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// SidecarClient is the HTTP implementation of AuthorizationProvider.
type SidecarClient struct {
	baseURL      string
	note         string
	notePassword string
	httpClient   *http.Client
}

// NewSidecarClient validates the sidecar URL and builds the client.
func NewSidecarClient(config SidecarConfig) (*SidecarClient, error) {
	base, err := normalizeSidecarURL(config.URL)
	if err != nil {
		return nil, err
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &SidecarClient{
		baseURL:      base,
		note:         config.WalletNote,
		notePassword: config.WalletNotePassword,
		httpClient:   httpClient,
	}, nil
}

// normalizeSidecarURL enforces an absolute http(s) URL and strips any
// trailing slash.
func normalizeSidecarURL(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("sidecar URL is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid sidecar URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("sidecar URL %q must use http or https", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("sidecar URL %q has no host", raw)
	}
	return strings.TrimSuffix(u.String(), "/"), nil
}

// URL returns the normalized base URL.
func (s *SidecarClient) URL() string {
	return s.baseURL
}

// Health fetches the sidecar status report.
func (s *SidecarClient) Health(ctx context.Context) (*SidecarHealth, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &SidecarUnavailableError{URL: s.baseURL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &SidecarUnavailableError{URL: s.baseURL, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, s.gatewayError(resp.StatusCode, body, decimal.Zero)
	}

	var health SidecarHealth
	if err := json.Unmarshal(body, &health); err != nil {
		return nil, fmt.Errorf("sidecar health: bad response: %w", err)
	}
	return &health, nil
}

// Balance fetches the shielded wallet balance.
func (s *SidecarClient) Balance(ctx context.Context) (*WalletBalance, error) {
	payload := map[string]string{
		"encryptedNote": s.note,
		"notePassword":  s.notePassword,
	}

	body, err := s.post(ctx, "/api/balance", payload, decimal.Zero)
	if err != nil {
		return nil, err
	}

	var balance WalletBalance
	if err := json.Unmarshal(body, &balance); err != nil {
		return nil, fmt.Errorf("sidecar balance: bad response: %w", err)
	}
	return &balance, nil
}

// Obtain implements AuthorizationProvider: asks the sidecar to generate a
// payment proof for the challenge.
func (s *SidecarClient) Obtain(ctx context.Context, challenge *PaymentChallenge) (*Authorization, error) {
	payload := map[string]interface{}{
		"encryptedNote": s.note,
		"notePassword":  s.notePassword,
		"challenge":     challengePayload(challenge),
	}

	body, err := s.post(ctx, "/api/pay/generate", payload, challenge.Amount)
	if err != nil {
		return nil, err
	}

	var auth Authorization
	if err := json.Unmarshal(body, &auth); err != nil {
		return nil, &ProofGenerationError{Phase: PhaseSubmission, Message: fmt.Sprintf("bad sidecar response: %v", err)}
	}
	if auth.Header == "" {
		return nil, &ProofGenerationError{Phase: PhaseSubmission, Message: "sidecar returned no authorization header"}
	}
	return &auth, nil
}

// challengePayload reproduces the wire form the sidecar signs over.
func challengePayload(challenge *PaymentChallenge) interface{} {
	if challenge.Requirements != nil {
		return challenge.Requirements
	}
	return &PaymentRequirements{
		Scheme:            challenge.Scheme,
		Network:           challenge.Network,
		MaxAmountRequired: challenge.Amount.String(),
		Resource:          challenge.Resource,
		PayTo:             challenge.Recipient,
		Asset:             challenge.Asset,
		Nonce:             challenge.ChallengeID,
	}
}

// post sends a JSON request and returns the 200 body, mapping failures onto
// the error taxonomy. challengeAmount feeds balance errors that omit their
// own figures.
func (s *SidecarClient) post(ctx context.Context, path string, payload interface{}, challengeAmount decimal.Decimal) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &SidecarUnavailableError{URL: s.baseURL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &SidecarUnavailableError{URL: s.baseURL, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, s.gatewayError(resp.StatusCode, body, challengeAmount)
	}
	return body, nil
}

// gatewayError maps a non-200 sidecar response onto the taxonomy.
func (s *SidecarClient) gatewayError(status int, body []byte, challengeAmount decimal.Decimal) error {
	var envelope struct {
		Error struct {
			Code    string            `json:"code"`
			Message string            `json:"message"`
			Details map[string]string `json:"details"`
		} `json:"error"`
	}

	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error.Code == "" {
		return &ProofGenerationError{
			Phase:   PhaseSubmission,
			Message: fmt.Sprintf("sidecar returned status %d", status),
		}
	}

	details := envelope.Error.Details
	switch envelope.Error.Code {
	case codeInsufficientBalance:
		required := detailAmount(details, "required", challengeAmount)
		available := detailAmount(details, "available", decimal.Zero)
		return &InsufficientBalanceError{Required: required, Available: available}
	case codeNoteExhausted:
		// An exhausted note cannot cover anything.
		return &InsufficientBalanceError{Required: challengeAmount, Available: decimal.Zero}
	case codeWalletLocked:
		return &WalletLockedError{}
	case codeProofFailed:
		phase := details["phase"]
		if phase == "" {
			phase = PhaseProofSynthesis
		}
		return &ProofGenerationError{Phase: phase, Message: envelope.Error.Message}
	default:
		return &ProofGenerationError{
			Phase:   PhaseSubmission,
			Message: fmt.Sprintf("sidecar error %s: %s", envelope.Error.Code, envelope.Error.Message),
		}
	}
}

// detailAmount reads a decimal field from error details, falling back when
// absent or unparseable.
func detailAmount(details map[string]string, key string, fallback decimal.Decimal) decimal.Decimal {
	raw, ok := details[key]
	if !ok {
		return fallback
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return fallback
	}
	return amount
}
