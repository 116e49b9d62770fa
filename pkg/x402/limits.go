// Package x402 - Spend limiting
// Tracks authorized spend against a per-transaction cap and a rolling-hour
// cap, independently per currency. Authorization is two-phase: Authorize
// reserves the amount and returns a ticket; the ticket is confirmed once the
// payment actually happened, or released on any failure path. Reserved
// amounts count against the hourly cap so concurrent requests cannot jointly
// overshoot it. Records are pruned lazily during limit checks; there are no
// background tasks here.
package x402

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// spendWindow is the rolling window the hourly cap is enforced over.
const spendWindow = time.Hour

// SpendPolicy is the pair of caps a spend decision is made under.
// A zero cap means unlimited.
type SpendPolicy struct {
	// MaxPerTx caps a single payment.
	MaxPerTx decimal.Decimal `json:"maxPerTx"`

	// MaxPerHour caps the sum of payments inside the rolling window.
	MaxPerHour decimal.Decimal `json:"maxPerHour"`
}

// Unlimited reports whether the policy imposes no caps at all.
func (p SpendPolicy) Unlimited() bool {
	return !p.MaxPerTx.IsPositive() && !p.MaxPerHour.IsPositive()
}

// SpendRecord is one confirmed spend event. Records are owned by the
// limiter, never mutated, and dropped once they age out of the window.
type SpendRecord struct {
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Timestamp time.Time       `json:"timestamp"`
}

// CurrencyUsage is a point-in-time view of one currency bucket.
type CurrencyUsage struct {
	// Spent is the confirmed total inside the window.
	Spent decimal.Decimal `json:"spent"`

	// Pending is the reserved-but-unconfirmed total.
	Pending decimal.Decimal `json:"pending"`

	// Payments is the number of confirmed records inside the window.
	Payments int `json:"payments"`
}

// SpendTicket is a reservation against the spend caps. Exactly one of
// Confirm or Release settles it: Confirm appends the spend record, Release
// returns the headroom. Release is safe to call from deferred cleanup even
// after a Confirm; a second Confirm reports ErrTicketSettled.
type SpendTicket interface {
	Confirm(ctx context.Context) error
	Release(ctx context.Context) error
	Amount() decimal.Decimal
	Currency() string
}

// SpendLimiter authorizes spend against caps. Implementations serialize
// decisions so the hourly sum is never computed from a stale snapshot.
type SpendLimiter interface {
	// Authorize checks amount against the limiter's own policy.
	Authorize(ctx context.Context, amount decimal.Decimal, currency string) (SpendTicket, error)

	// AuthorizeUnder checks amount against an explicit policy, for
	// call-scoped overrides. Record keeping is shared with Authorize.
	AuthorizeUnder(ctx context.Context, policy SpendPolicy, amount decimal.Decimal, currency string) (SpendTicket, error)

	// Snapshot reports current usage per currency.
	Snapshot(ctx context.Context) (map[string]CurrencyUsage, error)
}

// InMemorySpendLimiter enforces spend caps for a single process.
type InMemorySpendLimiter struct {
	mu      sync.Mutex
	policy  SpendPolicy
	window  time.Duration
	records map[string][]SpendRecord
	pending map[string]decimal.Decimal
	now     func() time.Time
}

// NewInMemorySpendLimiter creates a limiter enforcing policy over the
// rolling hour.
func NewInMemorySpendLimiter(policy SpendPolicy) *InMemorySpendLimiter {
	return &InMemorySpendLimiter{
		policy:  policy,
		window:  spendWindow,
		records: make(map[string][]SpendRecord),
		pending: make(map[string]decimal.Decimal),
		now:     time.Now,
	}
}

// Authorize implements SpendLimiter using the limiter's configured policy.
func (l *InMemorySpendLimiter) Authorize(ctx context.Context, amount decimal.Decimal, currency string) (SpendTicket, error) {
	return l.AuthorizeUnder(ctx, l.policy, amount, currency)
}

// AuthorizeUnder implements SpendLimiter.
func (l *InMemorySpendLimiter) AuthorizeUnder(_ context.Context, policy SpendPolicy, amount decimal.Decimal, currency string) (SpendTicket, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("x402: non-positive spend amount %s", amount)
	}

	if policy.MaxPerTx.IsPositive() && amount.GreaterThan(policy.MaxPerTx) {
		return nil, &SpendingLimitError{
			Period:    PeriodTransaction,
			Currency:  currency,
			Requested: amount,
			Limit:     policy.MaxPerTx,
			Remaining: policy.MaxPerTx,
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(currency, now)

	if policy.MaxPerHour.IsPositive() {
		used := l.usedLocked(currency)
		if used.Add(amount).GreaterThan(policy.MaxPerHour) {
			remaining := policy.MaxPerHour.Sub(used)
			if remaining.IsNegative() {
				remaining = decimal.Zero
			}
			return nil, &SpendingLimitError{
				Period:    PeriodHourly,
				Currency:  currency,
				Requested: amount,
				Limit:     policy.MaxPerHour,
				Remaining: remaining,
			}
		}
	}

	l.pending[currency] = l.pending[currency].Add(amount)

	return &memTicket{
		limiter:  l,
		id:       uuid.NewString(),
		amount:   amount,
		currency: currency,
	}, nil
}

// Snapshot implements SpendLimiter.
func (l *InMemorySpendLimiter) Snapshot(_ context.Context) (map[string]CurrencyUsage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	usage := make(map[string]CurrencyUsage)

	for currency := range l.records {
		l.pruneLocked(currency, now)
	}
	for currency, records := range l.records {
		spent := decimal.Zero
		for _, r := range records {
			spent = spent.Add(r.Amount)
		}
		usage[currency] = CurrencyUsage{
			Spent:    spent,
			Pending:  l.pending[currency],
			Payments: len(records),
		}
	}
	for currency, pending := range l.pending {
		if _, ok := usage[currency]; !ok && pending.IsPositive() {
			usage[currency] = CurrencyUsage{Spent: decimal.Zero, Pending: pending}
		}
	}

	return usage, nil
}

// usedLocked sums confirmed and pending spend for one currency.
// Caller holds l.mu with the bucket already pruned.
func (l *InMemorySpendLimiter) usedLocked(currency string) decimal.Decimal {
	used := l.pending[currency]
	for _, r := range l.records[currency] {
		used = used.Add(r.Amount)
	}
	return used
}

// pruneLocked drops records that aged out of the window. Caller holds l.mu.
func (l *InMemorySpendLimiter) pruneLocked(currency string, now time.Time) {
	records := l.records[currency]
	cutoff := now.Add(-l.window)
	kept := records[:0]
	for _, r := range records {
		if r.Timestamp.After(cutoff) {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		delete(l.records, currency)
		return
	}
	l.records[currency] = kept
}

type ticketState int

const (
	ticketPending ticketState = iota
	ticketConfirmed
	ticketReleased
)

// memTicket is a reservation held against an InMemorySpendLimiter.
// State transitions are guarded by the limiter's mutex.
type memTicket struct {
	limiter  *InMemorySpendLimiter
	id       string
	amount   decimal.Decimal
	currency string
	state    ticketState
}

// Confirm settles the reservation into a SpendRecord.
func (t *memTicket) Confirm(_ context.Context) error {
	t.limiter.mu.Lock()
	defer t.limiter.mu.Unlock()

	if t.state != ticketPending {
		return fmt.Errorf("ticket %s: %w", t.id, ErrTicketSettled)
	}
	t.state = ticketConfirmed
	t.limiter.pending[t.currency] = t.limiter.pending[t.currency].Sub(t.amount)
	t.limiter.records[t.currency] = append(t.limiter.records[t.currency], SpendRecord{
		Amount:    t.amount,
		Currency:  t.currency,
		Timestamp: t.limiter.now(),
	})
	return nil
}

// Release returns the reserved headroom. A no-op once the ticket settled,
// so it can sit in a defer on every path.
func (t *memTicket) Release(_ context.Context) error {
	t.limiter.mu.Lock()
	defer t.limiter.mu.Unlock()

	if t.state != ticketPending {
		return nil
	}
	t.state = ticketReleased
	t.limiter.pending[t.currency] = t.limiter.pending[t.currency].Sub(t.amount)
	return nil
}

func (t *memTicket) Amount() decimal.Decimal { return t.amount }
func (t *memTicket) Currency() string        { return t.currency }
