// Package x402 - Paying client
// The orchestration core. One execute flow per request: send, detect the
// payment gate, parse the challenge, clear the spend caps, obtain the
// authorization from the sidecar, resend exactly once with the credential
// attached. Dry-run mode short-circuits at the authorization step. A single
// deadline covers the whole flow, and every reserved spend ticket is
// released on every path that does not confirm it.
package x402

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentHeader carries the authorization on the resent request.
const PaymentHeader = "X-PAYMENT"

// maxChallengeBody bounds how much of a 402 body the parser will read.
const maxChallengeBody = 1 << 20

// PaymentResult describes a completed payment, for callbacks.
type PaymentResult struct {
	Resource      string
	Amount        decimal.Decimal
	Currency      string
	Recipient     string
	ChallengeID   string
	Authorization *Authorization
}

// Client is a payment-aware HTTP client. It behaves like a plain client
// until a seller answers 402, then runs the payment flow and retries the
// request once with the obtained credential.
type Client struct {
	config    Config
	transport http.RoundTripper
	provider  AuthorizationProvider
	sidecar   *SidecarClient
	limiter   SpendLimiter
	pacer     *HostPacer
	meter     *SpendMeter
	logger    *PaymentLogger
	agent     *AgentIdentity
	policies  *PolicyFile
	supported []NetworkType

	onPaymentSuccess func(PaymentResult)
	onPaymentFailed  func(resource string, err error)
	onPaymentBlocked func(resource string, err error)
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithTransport replaces the underlying transport requests are sent over.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *Client) { c.transport = rt }
}

// WithProvider replaces the sidecar-backed authorization provider.
func WithProvider(p AuthorizationProvider) ClientOption {
	return func(c *Client) { c.provider = p }
}

// WithLimiter replaces the in-memory spend limiter, e.g. with the Redis
// one for fleet-shared caps.
func WithLimiter(l SpendLimiter) ClientOption {
	return func(c *Client) { c.limiter = l }
}

// WithMeter replaces the spend meter. Pass nil to disable metering.
func WithMeter(m *SpendMeter) ClientOption {
	return func(c *Client) { c.meter = m }
}

// WithPaymentLogger replaces the payment event logger. Pass nil to silence.
func WithPaymentLogger(l *PaymentLogger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithAgentIdentity stamps every outgoing request with the agent identity.
func WithAgentIdentity(a *AgentIdentity) ClientOption {
	return func(c *Client) { c.agent = a }
}

// WithPolicies applies per-host spend policies from a policy file.
func WithPolicies(f *PolicyFile) ClientOption {
	return func(c *Client) { c.policies = f }
}

// WithSupportedNetworks restricts which offered networks the client will
// pay on, typically from the sidecar health report's chain list.
func WithSupportedNetworks(networks []NetworkType) ClientOption {
	return func(c *Client) { c.supported = networks }
}

// OnPaymentSuccess registers a callback for completed payments.
func OnPaymentSuccess(fn func(PaymentResult)) ClientOption {
	return func(c *Client) { c.onPaymentSuccess = fn }
}

// OnPaymentFailed registers a callback for payment flows that failed.
func OnPaymentFailed(fn func(resource string, err error)) ClientOption {
	return func(c *Client) { c.onPaymentFailed = fn }
}

// OnPaymentBlocked registers a callback for spend-policy denials.
func OnPaymentBlocked(fn func(resource string, err error)) ClientOption {
	return func(c *Client) { c.onPaymentBlocked = fn }
}

// NewClient builds a paying client from config. Unless overridden by
// options, requests go over http.DefaultTransport, spend is limited in
// memory under the config caps, and authorizations come from the sidecar
// at config.SidecarURL.
func NewClient(config Config, opts ...ClientOption) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		config: config,
		pacer:  NewHostPacer(config.PaymentsPerMinute),
		meter:  NewSpendMeter(),
		logger: NewPaymentLogger(nil, config.Debug),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.transport == nil {
		c.transport = http.DefaultTransport
	}
	if c.limiter == nil {
		c.limiter = NewInMemorySpendLimiter(config.Policy())
	}
	if c.provider == nil {
		sidecar, err := NewSidecarClient(SidecarConfig{
			URL:                config.SidecarURL,
			WalletNote:         config.WalletNote,
			WalletNotePassword: config.WalletNotePassword,
		})
		if err != nil {
			return nil, err
		}
		c.provider = sidecar
		c.sidecar = sidecar
	}

	return c, nil
}

// Sidecar returns the sidecar client when the default provider is in use,
// nil when a custom provider was injected.
func (c *Client) Sidecar() *SidecarClient {
	return c.sidecar
}

// Meter returns the client's spend meter, nil when disabled.
func (c *Client) Meter() *SpendMeter {
	return c.meter
}

// Limiter returns the client's spend limiter.
func (c *Client) Limiter() SpendLimiter {
	return c.limiter
}

// CallOption adjusts a single call.
type CallOption func(*callOptions)

type callOptions struct {
	maxSpend decimal.Decimal
	policy   *SpendPolicy
	dryRun   *bool
}

// WithMaxSpend caps this one call's payment, overriding the per-transaction
// cap from config and policy file.
func WithMaxSpend(amount decimal.Decimal) CallOption {
	return func(o *callOptions) { o.maxSpend = amount }
}

// WithCallPolicy replaces the whole spend policy for this one call.
func WithCallPolicy(policy SpendPolicy) CallOption {
	return func(o *callOptions) { o.policy = &policy }
}

// WithDryRun forces dry-run on or off for this one call.
func WithDryRun(on bool) CallOption {
	return func(o *callOptions) { o.dryRun = &on }
}

// Get issues a GET through the paying flow.
func (c *Client) Get(ctx context.Context, url string, opts ...CallOption) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req, opts...)
}

// Post issues a POST through the paying flow. The body is buffered so it
// can be resent after payment.
func (c *Client) Post(ctx context.Context, url, contentType string, body []byte, opts ...CallOption) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(req, opts...)
}

// Probe asks what a GET of url would cost without paying: the flow runs
// through challenge parsing and limit checks under forced dry-run. Returns
// nil when the resource is not payment-gated.
func (c *Client) Probe(ctx context.Context, url string, opts ...CallOption) (*DryRunError, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	opts = append(opts, WithDryRun(true))
	resp, err := c.Do(req, opts...)
	if err == nil {
		resp.Body.Close()
		return nil, nil
	}

	var dryRun *DryRunError
	if errors.As(err, &dryRun) {
		return dryRun, nil
	}
	return nil, err
}

// Do sends the request, paying for it if the seller demands payment.
// Responses other than 402 come back untouched. The returned response from
// a paid retry is final whatever its status; a second 402 is not paid again.
func (c *Client) Do(req *http.Request, opts ...CallOption) (*http.Response, error) {
	resp, _, err := c.DoWithResult(req, opts...)
	return resp, err
}

// DoWithResult is Do plus the detail of the payment made for the response.
// The result is nil when the response came back without paying.
func (c *Client) DoWithResult(req *http.Request, opts ...CallOption) (*http.Response, *PaymentResult, error) {
	var options callOptions
	for _, opt := range opts {
		opt(&options)
	}
	if options.maxSpend.IsPositive() {
		if err := ValidateAmount(options.maxSpend); err != nil {
			return nil, nil, fmt.Errorf("x402: max spend: %w", err)
		}
	}

	// One deadline spans the original send, authorization, and the resend.
	ctx, cancel := context.WithTimeout(req.Context(), c.config.Timeout)
	resp, result, err := c.execute(ctx, req, options)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	// The deadline stays armed until the caller finishes the body;
	// canceling now would cut the stream off mid-read.
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, result, nil
}

func (c *Client) execute(ctx context.Context, req *http.Request, options callOptions) (*http.Response, *PaymentResult, error) {
	req = req.Clone(ctx)

	c.agent.Apply(req)

	resource := req.URL.String()

	resp, err := c.transport.RoundTrip(req)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil, nil
	}

	// Gated. The 402 body is consumed here; the response itself is not
	// returned to the caller unless the flow fails before parsing.
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxChallengeBody))
	resp.Body.Close()
	if readErr != nil {
		return nil, nil, fmt.Errorf("x402: reading challenge body: %w", readErr)
	}

	if req.Body != nil && req.GetBody == nil {
		return nil, nil, fmt.Errorf("x402: payment required but request body is not replayable; set Request.GetBody")
	}

	auth, result, err := c.authorize(ctx, req, resp, body, options)
	if err != nil {
		return nil, nil, err
	}

	retry := req.Clone(ctx)
	if req.GetBody != nil {
		replay, err := req.GetBody()
		if err != nil {
			return nil, nil, fmt.Errorf("x402: replaying request body: %w", err)
		}
		retry.Body = replay
	}
	retry.Header.Set(PaymentHeader, auth.Header)
	retry.Header.Set("X-Agent-Retry-Count", "1")

	final, err := c.transport.RoundTrip(retry)
	if err != nil {
		// The payment stands; only the paid response was lost.
		c.logger.Failure(resource, err)
		return nil, nil, fmt.Errorf("x402: resend after payment: %w", err)
	}

	if final.StatusCode == http.StatusPaymentRequired {
		c.logger.Debugf("second payment challenge from %s after paying; returning it unprocessed", RedactURL(resource))
	}

	c.logger.Success(resource, result.Amount, result.Currency, auth.RemainingBalance)
	if c.onPaymentSuccess != nil {
		c.onPaymentSuccess(result)
	}

	return final, &result, nil
}

// cancelBody holds the call deadline open until the response body is
// closed, then releases it.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// authorize runs CHALLENGE_PARSED through AUTHORIZING: parses and validates
// the challenge, clears the caps, applies dry-run, and obtains the
// credential with bounded retry on sidecar unavailability. On success the
// spend ticket is confirmed; on every other path it is released.
func (c *Client) authorize(ctx context.Context, req *http.Request, resp *http.Response, body []byte, options callOptions) (*Authorization, PaymentResult, error) {
	resource := req.URL.String()

	fail := func(err error) (*Authorization, PaymentResult, error) {
		c.logger.Failure(resource, err)
		if c.onPaymentFailed != nil {
			c.onPaymentFailed(resource, err)
		}
		return nil, PaymentResult{}, err
	}

	challenge, err := ParseChallenge(resp, body, c.supported)
	if err != nil {
		return fail(err)
	}

	if challenge.Expired(time.Now()) {
		return fail(&ChallengeExpiredError{Resource: challenge.Resource, ExpiredAt: challenge.ExpiresAt})
	}

	c.meter.RecordAttempt(challenge.Currency)
	c.logger.Attempt(challenge.Resource, challenge.Amount, challenge.Currency, challenge.ChallengeID)

	policy := c.effectivePolicy(req.URL.Host, options)
	dryRun := c.config.DryRun
	if options.dryRun != nil {
		dryRun = *options.dryRun
	}

	var ticket SpendTicket
	defer func() {
		if ticket != nil {
			// No-op once confirmed. Background context so a canceled
			// request still returns its reservation.
			_ = ticket.Release(context.Background())
		}
	}()

	var auth *Authorization
	for attempt := 1; ; attempt++ {
		ticket, err = c.limiter.AuthorizeUnder(ctx, policy, challenge.Amount, challenge.Currency)
		if err != nil {
			c.meter.RecordDenial(challenge.Currency)
			c.logger.Failure(resource, err)
			if c.onPaymentBlocked != nil {
				c.onPaymentBlocked(resource, err)
			}
			return nil, PaymentResult{}, err
		}

		if dryRun {
			c.meter.RecordDryRun(challenge.Currency)
			c.logger.DryRun(challenge.Resource, challenge.Amount, challenge.Currency, challenge.Recipient)
			return nil, PaymentResult{}, &DryRunError{
				WouldSpend: challenge.Amount,
				Currency:   challenge.Currency,
				Recipient:  challenge.Recipient,
				Resource:   challenge.Resource,
			}
		}

		if err := c.pacer.Wait(ctx, req.URL.Host); err != nil {
			return fail(err)
		}

		auth, err = c.provider.Obtain(ctx, challenge)
		if err == nil {
			break
		}

		// The reservation must not outlive the failed attempt, or the next
		// one would double-count it.
		_ = ticket.Release(context.Background())
		ticket = nil

		if ctx.Err() != nil || !IsRetryable(err) || attempt >= c.config.MaxRetries {
			return fail(err)
		}

		c.logger.Debugf("sidecar unavailable (attempt %d/%d), backing off: %v", attempt, c.config.MaxRetries, err)
		select {
		case <-ctx.Done():
			return fail(err)
		case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
		}
	}

	if err := ticket.Confirm(ctx); err != nil {
		return fail(err)
	}
	c.meter.RecordPayment(challenge.Currency, challenge.Amount)

	result := PaymentResult{
		Resource:      challenge.Resource,
		Amount:        challenge.Amount,
		Currency:      challenge.Currency,
		Recipient:     challenge.Recipient,
		ChallengeID:   challenge.ChallengeID,
		Authorization: auth,
	}
	return auth, result, nil
}

// effectivePolicy layers the spend policy for one call: config caps, then
// positive fields of the per-host file policy, then call options.
func (c *Client) effectivePolicy(host string, options callOptions) SpendPolicy {
	policy := c.config.Policy()

	if c.policies != nil {
		filePolicy := c.policies.ForHost(host)
		if filePolicy.MaxPerTx.IsPositive() {
			policy.MaxPerTx = filePolicy.MaxPerTx
		}
		if filePolicy.MaxPerHour.IsPositive() {
			policy.MaxPerHour = filePolicy.MaxPerHour
		}
	}

	if options.policy != nil {
		policy = *options.policy
	}
	if options.maxSpend.IsPositive() {
		policy.MaxPerTx = options.maxSpend
	}

	return policy
}
