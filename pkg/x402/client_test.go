package x402

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// stubProvider scripts AuthorizationProvider outcomes per call.
type stubProvider struct {
	mu    sync.Mutex
	calls int
	errs  []error
	auth  *Authorization
	block bool
}

func (p *stubProvider) Obtain(ctx context.Context, challenge *PaymentChallenge) (*Authorization, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	p.mu.Unlock()

	if p.block {
		<-ctx.Done()
		return nil, &SidecarUnavailableError{URL: "http://stub", Err: ctx.Err()}
	}
	if n <= len(p.errs) && p.errs[n-1] != nil {
		return nil, p.errs[n-1]
	}
	auth := p.auth
	if auth == nil {
		auth = &Authorization{Header: "x402-proof-abc123"}
	}
	return auth, nil
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func challengeBody(amount string) string {
	return `{"x402Version": 1, "accepts": [{
		"scheme": "exact",
		"network": "base",
		"maxAmountRequired": "` + amount + `",
		"resource": "/premium",
		"payTo": "0xSellerWallet",
		"nonce": "nonce-12345678"
	}]}`
}

// paywalledServer returns 402 until a payment header arrives, then 200.
func paywalledServer(amount string, sends *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(sends, 1)
		if r.Header.Get(PaymentHeader) == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusPaymentRequired)
			io.WriteString(w, challengeBody(amount))
			return
		}
		io.WriteString(w, `{"data": "premium"}`)
	}))
}

func testClient(t *testing.T, cfg Config, opts ...ClientOption) *Client {
	t.Helper()
	cfg.RetryDelay = time.Millisecond
	client, err := NewClient(cfg, opts...)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return client
}

func TestClient_PassthroughNonGated(t *testing.T) {
	var sends int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&sends, 1)
		w.WriteHeader(http.StatusTeapot)
		io.WriteString(w, "not a paywall")
	}))
	defer server.Close()

	provider := &stubProvider{}
	client := testClient(t, DefaultConfig(), WithProvider(provider))

	resp, err := client.Get(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("Expected status 418 returned unchanged, got %d", resp.StatusCode)
	}
	if provider.callCount() != 0 {
		t.Errorf("Expected no provider calls for non-gated response, got %d", provider.callCount())
	}
	if sends != 1 {
		t.Errorf("Expected exactly one send, got %d", sends)
	}
}

func TestClient_PaysAndRetriesOnce(t *testing.T) {
	var sends int32
	var paidHeader, retryCount string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&sends, 1)
		if r.Header.Get(PaymentHeader) == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			io.WriteString(w, challengeBody("0.10"))
			return
		}
		paidHeader = r.Header.Get(PaymentHeader)
		retryCount = r.Header.Get("X-Agent-Retry-Count")
		io.WriteString(w, `{"data": "premium"}`)
	}))
	defer server.Close()

	provider := &stubProvider{}
	client := testClient(t, DefaultConfig(), WithProvider(provider))

	resp, err := client.Get(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Paid request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200 after payment, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "premium") {
		t.Errorf("Expected paid body, got %s", body)
	}
	if sends != 2 {
		t.Errorf("Expected exactly two sends (original + retry), got %d", sends)
	}
	if paidHeader != "x402-proof-abc123" {
		t.Errorf("Expected payment header on retry, got %q", paidHeader)
	}
	if retryCount != "1" {
		t.Errorf("Expected X-Agent-Retry-Count 1, got %q", retryCount)
	}
	if provider.callCount() != 1 {
		t.Errorf("Expected one provider call, got %d", provider.callCount())
	}

	usage, _ := client.Limiter().Snapshot(context.Background())
	if !usage["USDC"].Spent.Equal(dec("0.1")) {
		t.Errorf("Expected one spend record of 0.1, got %s", usage["USDC"].Spent)
	}
	if usage["USDC"].Payments != 1 {
		t.Errorf("Expected exactly one spend record, got %d", usage["USDC"].Payments)
	}
}

func TestClient_SecondChallengeIsTerminal(t *testing.T) {
	var sends int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&sends, 1)
		w.WriteHeader(http.StatusPaymentRequired)
		io.WriteString(w, challengeBody("0.10"))
	}))
	defer server.Close()

	provider := &stubProvider{}
	client := testClient(t, DefaultConfig(), WithProvider(provider))

	resp, err := client.Get(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Expected the second 402 to be returned, not an error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Errorf("Expected the second 402 surfaced as-is, got %d", resp.StatusCode)
	}
	if sends != 2 {
		t.Errorf("Expected exactly two sends even when the retry is gated again, got %d", sends)
	}
	if provider.callCount() != 1 {
		t.Errorf("Expected exactly one payment, got %d provider calls", provider.callCount())
	}
}

func TestClient_DryRunNeverPaysNorRecords(t *testing.T) {
	var sends int32
	server := paywalledServer("0.10", &sends)
	defer server.Close()

	cfg := DefaultConfig()
	cfg.DryRun = true
	provider := &stubProvider{}
	client := testClient(t, cfg, WithProvider(provider))

	_, err := client.Get(context.Background(), server.URL)
	if err == nil {
		t.Fatal("Expected DryRunError, got nil")
	}

	var dryRun *DryRunError
	if !errors.As(err, &dryRun) {
		t.Fatalf("Expected DryRunError, got %T: %v", err, err)
	}
	if !dryRun.WouldSpend.Equal(dec("0.1")) {
		t.Errorf("Expected would-spend 0.1, got %s", dryRun.WouldSpend)
	}
	if dryRun.Currency != "USDC" {
		t.Errorf("Expected currency USDC, got %s", dryRun.Currency)
	}
	if dryRun.Recipient != "0xSellerWallet" {
		t.Errorf("Expected recipient 0xSellerWallet, got %s", dryRun.Recipient)
	}

	if provider.callCount() != 0 {
		t.Errorf("Dry run must not call the provider, got %d calls", provider.callCount())
	}
	if sends != 1 {
		t.Errorf("Dry run must not resend, got %d sends", sends)
	}

	usage, _ := client.Limiter().Snapshot(context.Background())
	if u, ok := usage["USDC"]; ok && (!u.Spent.IsZero() || !u.Pending.IsZero()) {
		t.Errorf("Dry run must leave the limiter unchanged, got spent=%s pending=%s", u.Spent, u.Pending)
	}
}

func TestClient_PerTransactionLimit(t *testing.T) {
	var sends int32
	server := paywalledServer("10.0", &sends)
	defer server.Close()

	cfg := DefaultConfig()
	cfg.MaxSpendPerTx = dec("5.0")
	cfg.MaxSpendHourly = dec("100.0")
	provider := &stubProvider{}

	var blocked error
	client := testClient(t, cfg, WithProvider(provider),
		OnPaymentBlocked(func(resource string, err error) { blocked = err }))

	_, err := client.Get(context.Background(), server.URL)
	var limitErr *SpendingLimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("Expected SpendingLimitError, got %v", err)
	}
	if limitErr.Period != PeriodTransaction {
		t.Errorf("Expected period %q, got %q", PeriodTransaction, limitErr.Period)
	}
	if !limitErr.Requested.Equal(dec("10.0")) || !limitErr.Limit.Equal(dec("5.0")) {
		t.Errorf("Expected requested=10.0 limit=5.0, got requested=%s limit=%s", limitErr.Requested, limitErr.Limit)
	}
	if provider.callCount() != 0 {
		t.Errorf("Policy denial must not reach the provider, got %d calls", provider.callCount())
	}
	if blocked == nil {
		t.Error("Expected OnPaymentBlocked callback to fire")
	}
}

func TestClient_RetriesOnSidecarUnavailable(t *testing.T) {
	var sends int32
	server := paywalledServer("0.10", &sends)
	defer server.Close()

	cfg := DefaultConfig()
	cfg.MaxRetries = 3
	provider := &stubProvider{errs: []error{
		&SidecarUnavailableError{URL: "http://stub", Err: errors.New("connection refused")},
	}}
	client := testClient(t, cfg, WithProvider(provider))

	resp, err := client.Get(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Expected retry to recover: %v", err)
	}
	defer resp.Body.Close()

	if provider.callCount() != 2 {
		t.Errorf("Expected two provider attempts, got %d", provider.callCount())
	}
	if sends != 2 {
		t.Errorf("Expected two transport sends, got %d", sends)
	}

	usage, _ := client.Limiter().Snapshot(context.Background())
	if usage["USDC"].Payments != 1 {
		t.Errorf("Expected exactly one spend record after recovery, got %d", usage["USDC"].Payments)
	}
	if !usage["USDC"].Spent.Equal(dec("0.1")) {
		t.Errorf("Expected spent 0.1, got %s", usage["USDC"].Spent)
	}
}

func TestClient_TerminalProviderErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"wallet locked", &WalletLockedError{}},
		{"proof generation", &ProofGenerationError{Phase: PhaseProofSynthesis}},
		{"insufficient balance", &InsufficientBalanceError{Required: dec("0.1"), Available: dec("0.01")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sends int32
			server := paywalledServer("0.10", &sends)
			defer server.Close()

			provider := &stubProvider{errs: []error{tt.err, tt.err, tt.err}}
			client := testClient(t, DefaultConfig(), WithProvider(provider))

			_, err := client.Get(context.Background(), server.URL)
			if err == nil {
				t.Fatal("Expected terminal error, got nil")
			}
			if provider.callCount() != 1 {
				t.Errorf("Terminal errors must not be retried, got %d calls", provider.callCount())
			}
			if sends != 1 {
				t.Errorf("Expected no resend after terminal failure, got %d sends", sends)
			}

			usage, _ := client.Limiter().Snapshot(context.Background())
			if u, ok := usage["USDC"]; ok && (!u.Spent.IsZero() || !u.Pending.IsZero()) {
				t.Errorf("Failed payment must leave no spend, got spent=%s pending=%s", u.Spent, u.Pending)
			}
		})
	}
}

func TestClient_RetryCeilingExhausted(t *testing.T) {
	var sends int32
	server := paywalledServer("0.10", &sends)
	defer server.Close()

	unavailable := &SidecarUnavailableError{URL: "http://stub", Err: errors.New("connection refused")}
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	provider := &stubProvider{errs: []error{unavailable, unavailable, unavailable}}
	client := testClient(t, cfg, WithProvider(provider))

	_, err := client.Get(context.Background(), server.URL)
	var sidecarErr *SidecarUnavailableError
	if !errors.As(err, &sidecarErr) {
		t.Fatalf("Expected SidecarUnavailableError after exhausting retries, got %v", err)
	}
	if sidecarErr.URL != "http://stub" {
		t.Errorf("Expected error fields intact, got URL %q", sidecarErr.URL)
	}
	if provider.callCount() != 2 {
		t.Errorf("Expected attempts to stop at the ceiling of 2, got %d", provider.callCount())
	}

	usage, _ := client.Limiter().Snapshot(context.Background())
	if u, ok := usage["USDC"]; ok && (!u.Spent.IsZero() || !u.Pending.IsZero()) {
		t.Errorf("Expected no spend after exhausted retries, got spent=%s pending=%s", u.Spent, u.Pending)
	}
}

func TestClient_CancellationReleasesReservation(t *testing.T) {
	var sends int32
	server := paywalledServer("0.10", &sends)
	defer server.Close()

	provider := &stubProvider{block: true}
	client := testClient(t, DefaultConfig(), WithProvider(provider))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := client.Get(ctx, server.URL)
	if err == nil {
		t.Fatal("Expected cancellation to fail the call")
	}

	usage, _ := client.Limiter().Snapshot(context.Background())
	if u, ok := usage["USDC"]; ok && (!u.Pending.IsZero() || !u.Spent.IsZero()) {
		t.Errorf("Cancelled call must release its reservation, got pending=%s spent=%s", u.Pending, u.Spent)
	}
}

func TestClient_MalformedChallenge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		io.WriteString(w, `{"error": "pay up"}`)
	}))
	defer server.Close()

	provider := &stubProvider{}
	var failed error
	client := testClient(t, DefaultConfig(), WithProvider(provider),
		OnPaymentFailed(func(resource string, err error) { failed = err }))

	_, err := client.Get(context.Background(), server.URL)
	var malformed *MalformedChallengeError
	if !errors.As(err, &malformed) {
		t.Fatalf("Expected MalformedChallengeError, got %v", err)
	}
	if provider.callCount() != 0 {
		t.Errorf("Malformed challenge must not reach the provider, got %d calls", provider.callCount())
	}
	if failed == nil {
		t.Error("Expected OnPaymentFailed callback to fire")
	}
}

func TestClient_ExpiredChallenge(t *testing.T) {
	expiry := time.Now().Add(-time.Minute).UTC().Format(time.RFC3339)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		io.WriteString(w, `{"maxAmountRequired": "0.10", "payTo": "0xSeller", "nonce": "n1", "expiresAt": "`+expiry+`"}`)
	}))
	defer server.Close()

	client := testClient(t, DefaultConfig(), WithProvider(&stubProvider{}))

	_, err := client.Get(context.Background(), server.URL)
	var expired *ChallengeExpiredError
	if !errors.As(err, &expired) {
		t.Fatalf("Expected ChallengeExpiredError, got %v", err)
	}
	if expired.ExpiredAt.IsZero() {
		t.Error("Expected ExpiredAt to be set")
	}
}

func TestClient_NonReplayableBody(t *testing.T) {
	var sends int32
	server := paywalledServer("0.10", &sends)
	defer server.Close()

	provider := &stubProvider{}
	client := testClient(t, DefaultConfig(), WithProvider(provider))

	req, _ := http.NewRequest(http.MethodPost, server.URL, io.NopCloser(strings.NewReader("one-shot")))
	req.GetBody = nil

	_, err := client.Do(req)
	if err == nil || !strings.Contains(err.Error(), "replayable") {
		t.Fatalf("Expected replayable-body error, got %v", err)
	}
	if provider.callCount() != 0 {
		t.Errorf("Expected no payment for unreplayable request, got %d calls", provider.callCount())
	}
}

func TestClient_PostReplaysBody(t *testing.T) {
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(body))
		if r.Header.Get(PaymentHeader) == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			io.WriteString(w, challengeBody("0.10"))
			return
		}
		io.WriteString(w, "ok")
	}))
	defer server.Close()

	client := testClient(t, DefaultConfig(), WithProvider(&stubProvider{}))

	resp, err := client.Post(context.Background(), server.URL, "application/json", []byte(`{"q": 1}`))
	if err != nil {
		t.Fatalf("Paid POST failed: %v", err)
	}
	defer resp.Body.Close()

	if len(bodies) != 2 {
		t.Fatalf("Expected two sends, got %d", len(bodies))
	}
	if bodies[0] != bodies[1] || bodies[1] != `{"q": 1}` {
		t.Errorf("Expected identical bodies on both sends, got %q and %q", bodies[0], bodies[1])
	}
}

func TestClient_MaxSpendCallOverride(t *testing.T) {
	var sends int32
	server := paywalledServer("0.10", &sends)
	defer server.Close()

	cfg := DefaultConfig()
	cfg.MaxSpendPerTx = dec("0.05")
	client := testClient(t, cfg, WithProvider(&stubProvider{}))

	// Base policy rejects the 0.10 challenge.
	_, err := client.Get(context.Background(), server.URL)
	var limitErr *SpendingLimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("Expected base policy to deny, got %v", err)
	}

	// A call-scoped ceiling allows it.
	resp, err := client.Get(context.Background(), server.URL, WithMaxSpend(dec("0.20")))
	if err != nil {
		t.Fatalf("Expected call override to allow payment: %v", err)
	}
	resp.Body.Close()
}

func TestClient_SuccessCallback(t *testing.T) {
	var sends int32
	server := paywalledServer("0.10", &sends)
	defer server.Close()

	var result PaymentResult
	client := testClient(t, DefaultConfig(), WithProvider(&stubProvider{}),
		OnPaymentSuccess(func(r PaymentResult) { result = r }))

	resp, err := client.Get(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Paid request failed: %v", err)
	}
	resp.Body.Close()

	if !result.Amount.Equal(dec("0.1")) {
		t.Errorf("Expected callback amount 0.1, got %s", result.Amount)
	}
	if result.Authorization == nil || result.Authorization.Header == "" {
		t.Error("Expected callback to carry the authorization")
	}
}

func TestClient_Probe(t *testing.T) {
	var sends int32
	server := paywalledServer("0.25", &sends)
	defer server.Close()

	provider := &stubProvider{}
	client := testClient(t, DefaultConfig(), WithProvider(provider))

	would, err := client.Probe(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if would == nil {
		t.Fatal("Expected probe to report a required payment")
	}
	if !would.WouldSpend.Equal(dec("0.25")) {
		t.Errorf("Expected would-spend 0.25, got %s", would.WouldSpend)
	}
	if provider.callCount() != 0 {
		t.Errorf("Probe must never pay, got %d provider calls", provider.callCount())
	}

	open := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "free")
	}))
	defer open.Close()

	would, err = client.Probe(context.Background(), open.URL)
	if err != nil {
		t.Fatalf("Probe of free resource failed: %v", err)
	}
	if would != nil {
		t.Errorf("Expected nil for an ungated resource, got %+v", would)
	}
}

func TestClient_MeterCountsFlow(t *testing.T) {
	var sends int32
	server := paywalledServer("0.10", &sends)
	defer server.Close()

	client := testClient(t, DefaultConfig(), WithProvider(&stubProvider{}))

	resp, err := client.Get(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Paid request failed: %v", err)
	}
	resp.Body.Close()

	report := client.Meter().Report()
	usdc := report.Currencies["USDC"]
	if usdc.Attempts != 1 || usdc.Payments != 1 {
		t.Errorf("Expected 1 attempt and 1 payment, got %d and %d", usdc.Attempts, usdc.Payments)
	}
	if !usdc.TotalSpent.Equal(dec("0.1")) {
		t.Errorf("Expected total spent 0.1, got %s", usdc.TotalSpent)
	}
}
