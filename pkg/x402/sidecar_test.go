package x402

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestSidecar(t *testing.T, url string) *SidecarClient {
	t.Helper()
	client, err := NewSidecarClient(SidecarConfig{
		URL:                url,
		WalletNote:         "enc-note-blob",
		WalletNotePassword: "hunter2",
	})
	if err != nil {
		t.Fatalf("Failed to create sidecar client: %v", err)
	}
	return client
}

func testChallenge(amount string) *PaymentChallenge {
	return &PaymentChallenge{
		Amount:      dec(amount),
		Currency:    "USDC",
		Recipient:   "0xSellerWallet",
		Resource:    "/premium",
		Scheme:      SchemeExact,
		Network:     NetworkBaseMainnet,
		ChallengeID: "nonce-12345678",
	}
}

func TestNewSidecarClient_URLValidation(t *testing.T) {
	tests := []struct {
		name string
		url  string
		ok   bool
	}{
		{"plain http", "http://localhost:3000", true},
		{"https", "https://sidecar.internal", true},
		{"trailing slash stripped", "http://localhost:3000/", true},
		{"empty", "", false},
		{"no scheme", "localhost:3000", false},
		{"wrong scheme", "ftp://localhost:3000", false},
		{"no host", "http://", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewSidecarClient(SidecarConfig{URL: tt.url})
			if tt.ok && err != nil {
				t.Fatalf("Expected %q to be accepted, got %v", tt.url, err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatalf("Expected %q to be rejected, got nil", tt.url)
				}
				return
			}
			if strings.HasSuffix(client.URL(), "/") {
				t.Errorf("Expected trailing slash stripped, got %s", client.URL())
			}
		})
	}
}

func TestSidecarClient_Health(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/health" {
			t.Errorf("Expected GET /health, got %s %s", r.Method, r.URL.Path)
		}
		io.WriteString(w, `{"status": "ok", "version": "0.4.1", "uptime": 12.5, "mode": "simulator", "chains": ["base", "ethereum"]}`)
	}))
	defer server.Close()

	client := newTestSidecar(t, server.URL)
	health, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}

	if health.Status != "ok" {
		t.Errorf("Expected status ok, got %s", health.Status)
	}
	if health.Version != "0.4.1" {
		t.Errorf("Expected version 0.4.1, got %s", health.Version)
	}

	networks := health.SupportedNetworks()
	if len(networks) != 2 {
		t.Fatalf("Expected 2 supported networks, got %d", len(networks))
	}
	if networks[0] != NetworkBaseMainnet {
		t.Errorf("Expected base to canonicalize to %s, got %s", NetworkBaseMainnet, networks[0])
	}
	if networks[1] != NetworkEthereumMainnet {
		t.Errorf("Expected ethereum to canonicalize to %s, got %s", NetworkEthereumMainnet, networks[1])
	}
}

func TestSidecarClient_Balance(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/balance" {
			t.Errorf("Expected POST /api/balance, got %s %s", r.Method, r.URL.Path)
		}
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		if req["encryptedNote"] != "enc-note-blob" {
			t.Errorf("Expected the note passed through, got %q", req["encryptedNote"])
		}
		if req["notePassword"] != "hunter2" {
			t.Error("Expected the note password passed through")
		}
		io.WriteString(w, `{"totalUsdc": "25.50", "noteCount": 3, "largestNote": "10.00", "smallestNote": "5.50", "chain": "base"}`)
	}))
	defer server.Close()

	client := newTestSidecar(t, server.URL)
	balance, err := client.Balance(context.Background())
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}

	if !balance.Total.Equal(dec("25.50")) {
		t.Errorf("Expected total 25.50, got %s", balance.Total)
	}
	if balance.NoteCount != 3 {
		t.Errorf("Expected 3 notes, got %d", balance.NoteCount)
	}
	if balance.Chain != "base" {
		t.Errorf("Expected chain base, got %s", balance.Chain)
	}
}

func TestSidecarClient_Obtain(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/pay/generate" {
			t.Errorf("Expected /api/pay/generate, got %s", r.URL.Path)
		}
		var req struct {
			EncryptedNote string              `json:"encryptedNote"`
			NotePassword  string              `json:"notePassword"`
			Challenge     PaymentRequirements `json:"challenge"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		if req.EncryptedNote != "enc-note-blob" {
			t.Errorf("Expected the note passed through, got %q", req.EncryptedNote)
		}
		if req.Challenge.MaxAmountRequired != "0.1" {
			t.Errorf("Expected challenge amount 0.1, got %q", req.Challenge.MaxAmountRequired)
		}
		if req.Challenge.PayTo != "0xSellerWallet" {
			t.Errorf("Expected payTo 0xSellerWallet, got %q", req.Challenge.PayTo)
		}
		if req.Challenge.Nonce != "nonce-12345678" {
			t.Errorf("Expected the nonce passed through, got %q", req.Challenge.Nonce)
		}
		io.WriteString(w, `{"authHeader": "x402-proof-abc", "amountPaid": "0.10", "remainingBalance": "24.90", "nullifierHash": "0xdead", "proofId": "proof_1"}`)
	}))
	defer server.Close()

	client := newTestSidecar(t, server.URL)
	auth, err := client.Obtain(context.Background(), testChallenge("0.10"))
	if err != nil {
		t.Fatalf("Obtain failed: %v", err)
	}

	if auth.Header != "x402-proof-abc" {
		t.Errorf("Expected auth header x402-proof-abc, got %q", auth.Header)
	}
	if !auth.AmountPaid.Equal(dec("0.10")) {
		t.Errorf("Expected amount paid 0.10, got %s", auth.AmountPaid)
	}
	if !auth.RemainingBalance.Equal(dec("24.90")) {
		t.Errorf("Expected remaining balance 24.90, got %s", auth.RemainingBalance)
	}
}

func TestSidecarClient_ObtainSendsRawRequirements(t *testing.T) {
	var got PaymentRequirements
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Challenge PaymentRequirements `json:"challenge"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		got = req.Challenge
		io.WriteString(w, `{"authHeader": "x402-proof-abc"}`)
	}))
	defer server.Close()

	challenge := testChallenge("0.10")
	challenge.Requirements = &PaymentRequirements{
		Scheme:            SchemeShielded,
		Network:           NetworkBaseMainnet,
		MaxAmountRequired: "0.10",
		Resource:          "/premium",
		PayTo:             "0xSellerWallet",
		Description:       "premium report",
		Nonce:             "nonce-12345678",
	}

	client := newTestSidecar(t, server.URL)
	if _, err := client.Obtain(context.Background(), challenge); err != nil {
		t.Fatalf("Obtain failed: %v", err)
	}

	// The seller's accepts entry is signed over verbatim, not a reconstruction.
	if got.Scheme != SchemeShielded {
		t.Errorf("Expected scheme %s forwarded, got %s", SchemeShielded, got.Scheme)
	}
	if got.Description != "premium report" {
		t.Errorf("Expected description forwarded, got %q", got.Description)
	}
}

func TestSidecarClient_GatewayErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "insufficient balance with details",
			status: http.StatusPaymentRequired,
			body:   `{"error": {"code": "INSUFFICIENT_BALANCE", "message": "not enough", "details": {"required": "0.50", "available": "0.12"}}}`,
			check: func(t *testing.T, err error) {
				var balErr *InsufficientBalanceError
				if !errors.As(err, &balErr) {
					t.Fatalf("Expected InsufficientBalanceError, got %T", err)
				}
				if !balErr.Required.Equal(dec("0.50")) || !balErr.Available.Equal(dec("0.12")) {
					t.Errorf("Expected required=0.50 available=0.12, got %s and %s", balErr.Required, balErr.Available)
				}
			},
		},
		{
			name:   "insufficient balance without details",
			status: http.StatusPaymentRequired,
			body:   `{"error": {"code": "INSUFFICIENT_BALANCE", "message": "not enough"}}`,
			check: func(t *testing.T, err error) {
				var balErr *InsufficientBalanceError
				if !errors.As(err, &balErr) {
					t.Fatalf("Expected InsufficientBalanceError, got %T", err)
				}
				// The challenge amount fills in for the missing figure.
				if !balErr.Required.Equal(dec("0.10")) {
					t.Errorf("Expected required to fall back to 0.10, got %s", balErr.Required)
				}
			},
		},
		{
			name:   "exhausted note",
			status: http.StatusPaymentRequired,
			body:   `{"error": {"code": "NOTE_EXHAUSTED", "message": "no note covers this", "details": {"largestNote": "0.05"}}}`,
			check: func(t *testing.T, err error) {
				var balErr *InsufficientBalanceError
				if !errors.As(err, &balErr) {
					t.Fatalf("Expected InsufficientBalanceError, got %T", err)
				}
				if !balErr.Available.IsZero() {
					t.Errorf("Expected an exhausted note to report zero available, got %s", balErr.Available)
				}
			},
		},
		{
			name:   "wallet locked",
			status: http.StatusUnauthorized,
			body:   `{"error": {"code": "WALLET_LOCKED", "message": "unlock first"}}`,
			check: func(t *testing.T, err error) {
				var lockErr *WalletLockedError
				if !errors.As(err, &lockErr) {
					t.Fatalf("Expected WalletLockedError, got %T", err)
				}
			},
		},
		{
			name:   "proof failure with phase",
			status: http.StatusInternalServerError,
			body:   `{"error": {"code": "PROOF_GENERATION_FAILED", "message": "bad witness", "details": {"phase": "note-decryption"}}}`,
			check: func(t *testing.T, err error) {
				var proofErr *ProofGenerationError
				if !errors.As(err, &proofErr) {
					t.Fatalf("Expected ProofGenerationError, got %T", err)
				}
				if proofErr.Phase != PhaseNoteDecryption {
					t.Errorf("Expected phase %s, got %s", PhaseNoteDecryption, proofErr.Phase)
				}
			},
		},
		{
			name:   "proof failure without phase",
			status: http.StatusInternalServerError,
			body:   `{"error": {"code": "PROOF_GENERATION_FAILED", "message": "bad witness"}}`,
			check: func(t *testing.T, err error) {
				var proofErr *ProofGenerationError
				if !errors.As(err, &proofErr) {
					t.Fatalf("Expected ProofGenerationError, got %T", err)
				}
				if proofErr.Phase != PhaseProofSynthesis {
					t.Errorf("Expected default phase %s, got %s", PhaseProofSynthesis, proofErr.Phase)
				}
			},
		},
		{
			name:   "unknown code",
			status: http.StatusInternalServerError,
			body:   `{"error": {"code": "DISK_ON_FIRE", "message": "send help"}}`,
			check: func(t *testing.T, err error) {
				var proofErr *ProofGenerationError
				if !errors.As(err, &proofErr) {
					t.Fatalf("Expected ProofGenerationError, got %T", err)
				}
				if !strings.Contains(err.Error(), "DISK_ON_FIRE") {
					t.Errorf("Expected the unknown code surfaced, got %v", err)
				}
			},
		},
		{
			name:   "non-JSON error body",
			status: http.StatusServiceUnavailable,
			body:   `upstream dead`,
			check: func(t *testing.T, err error) {
				var proofErr *ProofGenerationError
				if !errors.As(err, &proofErr) {
					t.Fatalf("Expected ProofGenerationError, got %T", err)
				}
				if !strings.Contains(err.Error(), "status 503") {
					t.Errorf("Expected the status surfaced, got %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer server.Close()

			client := newTestSidecar(t, server.URL)
			_, err := client.Obtain(context.Background(), testChallenge("0.10"))
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			tt.check(t, err)

			if IsRetryable(err) {
				t.Errorf("Gateway errors must not be retryable, got retryable %v", err)
			}
			if strings.Contains(err.Error(), "hunter2") {
				t.Error("The note password must never leak into errors")
			}
		})
	}
}

func TestSidecarClient_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := newTestSidecar(t, url)

	_, err := client.Obtain(context.Background(), testChallenge("0.10"))
	var unavailable *SidecarUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("Expected SidecarUnavailableError, got %v", err)
	}
	if !IsRetryable(err) {
		t.Error("Expected an unreachable sidecar to be retryable")
	}

	if _, err := client.Balance(context.Background()); !errors.As(err, &unavailable) {
		t.Errorf("Expected Balance to report unavailability, got %v", err)
	}
	if _, err := client.Health(context.Background()); !errors.As(err, &unavailable) {
		t.Errorf("Expected Health to report unavailability, got %v", err)
	}
}

func TestSidecarClient_EmptyAuthorization(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"authHeader": "", "amountPaid": "0.10"}`)
	}))
	defer server.Close()

	client := newTestSidecar(t, server.URL)
	_, err := client.Obtain(context.Background(), testChallenge("0.10"))

	var proofErr *ProofGenerationError
	if !errors.As(err, &proofErr) {
		t.Fatalf("Expected ProofGenerationError for empty auth header, got %v", err)
	}
}

func TestSidecarClient_MalformedSuccessBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `not json at all`)
	}))
	defer server.Close()

	client := newTestSidecar(t, server.URL)
	_, err := client.Obtain(context.Background(), testChallenge("0.10"))

	var proofErr *ProofGenerationError
	if !errors.As(err, &proofErr) {
		t.Fatalf("Expected ProofGenerationError for malformed body, got %v", err)
	}
}
