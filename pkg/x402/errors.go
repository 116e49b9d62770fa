// Package x402 - Error taxonomy
// Every failure the payment flow can surface is one of the closed set of
// typed errors below. Callers branch with errors.As; structured fields are
// carried through untouched rather than flattened into strings.
package x402

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Spend limit periods reported by SpendingLimitError
const (
	PeriodTransaction = "transaction"
	PeriodHourly      = "hourly"
)

// Proof generation phases reported by ProofGenerationError
const (
	PhaseNoteDecryption = "note-decryption"
	PhaseProofSynthesis = "proof-synthesis"
	PhaseSubmission     = "submission"
)

// MalformedChallengeError reports a 402 response whose payment challenge is
// missing required fields, non-numeric, non-positive, or indistinguishable
// from a generic error body. Fatal; the request is never retried.
type MalformedChallengeError struct {
	Reason string
}

func (e *MalformedChallengeError) Error() string {
	return fmt.Sprintf("malformed payment challenge: %s", e.Reason)
}

// ChallengeExpiredError reports a challenge whose expiry passed before the
// client could act on it.
type ChallengeExpiredError struct {
	Resource  string
	ExpiredAt time.Time
}

func (e *ChallengeExpiredError) Error() string {
	return fmt.Sprintf("payment challenge for %s expired at %s", e.Resource, e.ExpiredAt.Format(time.RFC3339))
}

// SpendingLimitError reports a spend policy violation. Period is
// PeriodTransaction or PeriodHourly, Limit the configured cap, and Remaining
// the headroom left under it before this request.
type SpendingLimitError struct {
	Period    string
	Currency  string
	Requested decimal.Decimal
	Limit     decimal.Decimal
	Remaining decimal.Decimal
}

func (e *SpendingLimitError) Error() string {
	return fmt.Sprintf("spending limit exceeded: %s %s requested, %s cap %s (remaining %s)",
		e.Requested, e.Currency, e.Period, e.Limit, e.Remaining)
}

// SidecarUnavailableError reports that the signing sidecar could not be
// reached or timed out. The only retryable failure in the taxonomy.
type SidecarUnavailableError struct {
	URL string
	Err error
}

func (e *SidecarUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("signing sidecar unavailable at %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("signing sidecar unavailable at %s", e.URL)
}

func (e *SidecarUnavailableError) Unwrap() error { return e.Err }

// ProofGenerationError reports that the sidecar was reached but failed while
// producing the payment proof. Phase names the step that failed. Terminal;
// never retried, the wallet may be in a non-recoverable state.
type ProofGenerationError struct {
	Phase   string
	Message string
}

func (e *ProofGenerationError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("proof generation failed at %s: %s", e.Phase, e.Message)
	}
	return fmt.Sprintf("proof generation failed at %s", e.Phase)
}

// WalletLockedError reports that the signing credential is not currently
// unlocked. Terminal.
type WalletLockedError struct{}

func (e *WalletLockedError) Error() string {
	return "wallet is locked"
}

// InsufficientBalanceError reports that the held balance cannot cover the
// challenge amount. Terminal.
type InsufficientBalanceError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: %s required, %s available", e.Required, e.Available)
}

// DryRunError is the deliberate signal raised instead of paying when dry-run
// mode is active. It carries the decision that would have been taken; no
// sidecar call is made and no spend is recorded.
type DryRunError struct {
	WouldSpend decimal.Decimal
	Currency   string
	Recipient  string
	Resource   string
}

func (e *DryRunError) Error() string {
	return fmt.Sprintf("dry run: would pay %s %s to %s for %s", e.WouldSpend, e.Currency, e.Recipient, e.Resource)
}

// ErrTicketSettled reports a Confirm on a spend ticket that was already
// confirmed or released. A programming error in the caller, not a policy
// outcome.
var ErrTicketSettled = errors.New("spend ticket already settled")

// IsRetryable reports whether the orchestrator may retry after err.
// Only sidecar unavailability qualifies.
func IsRetryable(err error) bool {
	var unavailable *SidecarUnavailableError
	return errors.As(err, &unavailable)
}

// ErrorKind names the taxonomy variant err belongs to, for logs and
// counters. Errors outside the taxonomy report "other".
func ErrorKind(err error) string {
	var (
		malformed    *MalformedChallengeError
		expired      *ChallengeExpiredError
		limit        *SpendingLimitError
		unavailable  *SidecarUnavailableError
		proof        *ProofGenerationError
		locked       *WalletLockedError
		insufficient *InsufficientBalanceError
		dryRun       *DryRunError
	)
	switch {
	case errors.As(err, &malformed):
		return "malformed_challenge"
	case errors.As(err, &expired):
		return "challenge_expired"
	case errors.As(err, &limit):
		return "spending_limit"
	case errors.As(err, &unavailable):
		return "sidecar_unavailable"
	case errors.As(err, &proof):
		return "proof_generation"
	case errors.As(err, &locked):
		return "wallet_locked"
	case errors.As(err, &insufficient):
		return "insufficient_balance"
	case errors.As(err, &dryRun):
		return "dry_run"
	default:
		return "other"
	}
}
