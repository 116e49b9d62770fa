// Package x402 - Shared spend limiting
// RedisSpendLimiter enforces the same caps as InMemorySpendLimiter but
// across a fleet of payer processes sharing one Redis. Each currency bucket
// is a sorted set of reservations scored by time; a Lua script prunes, sums,
// and reserves in one atomic step. Keys expire with the rolling window, so
// nothing outlives the window it was enforced over.
package x402

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// defaultSpendKeyPrefix namespaces limiter keys in a shared Redis.
const defaultSpendKeyPrefix = "x402:spend"

// reserveScript prunes aged reservations, sums the survivors, and adds the
// new reservation when it fits under the cap. Members are "<id>:<amount>".
// Lua sums amounts as doubles; six-decimal currency amounts stay well inside
// double precision.
var reserveScript = redis.NewScript(`
local key = KEYS[1]
redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. ARGV[1])
local total = 0
local members = redis.call('ZRANGE', key, 0, -1)
for _, m in ipairs(members) do
  local amt = string.match(m, ':([^:]+)$')
  if amt then total = total + tonumber(amt) end
end
local cap = tonumber(ARGV[3])
local amount = tonumber(ARGV[4])
if cap > 0 and total + amount > cap then
  return {0, tostring(total)}
end
redis.call('ZADD', key, tonumber(ARGV[2]), ARGV[5] .. ':' .. ARGV[6])
redis.call('PEXPIRE', key, ARGV[7])
return {1, tostring(total)}
`)

// RedisLimiterOption customizes a RedisSpendLimiter.
type RedisLimiterOption func(*RedisSpendLimiter)

// WithSpendKeyPrefix overrides the key prefix, for namespacing several
// payer fleets on one Redis.
func WithSpendKeyPrefix(prefix string) RedisLimiterOption {
	return func(l *RedisSpendLimiter) {
		l.prefix = strings.TrimSuffix(prefix, ":")
	}
}

// RedisSpendLimiter enforces spend caps shared across processes.
// Reserved amounts live in Redis until confirmed payments age out of the
// window or a release removes them; a crashed payer's reservations therefore
// age out on their own. Snapshot cannot tell pending from confirmed, so it
// reports the combined figure as spent.
type RedisSpendLimiter struct {
	client *redis.Client
	policy SpendPolicy
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewRedisSpendLimiter creates a limiter enforcing policy through the given
// Redis client.
func NewRedisSpendLimiter(client *redis.Client, policy SpendPolicy, opts ...RedisLimiterOption) *RedisSpendLimiter {
	l := &RedisSpendLimiter{
		client: client,
		policy: policy,
		window: spendWindow,
		prefix: defaultSpendKeyPrefix,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisSpendLimiter) key(currency string) string {
	return l.prefix + ":" + currency
}

// Authorize implements SpendLimiter using the limiter's configured policy.
func (l *RedisSpendLimiter) Authorize(ctx context.Context, amount decimal.Decimal, currency string) (SpendTicket, error) {
	return l.AuthorizeUnder(ctx, l.policy, amount, currency)
}

// AuthorizeUnder implements SpendLimiter.
func (l *RedisSpendLimiter) AuthorizeUnder(ctx context.Context, policy SpendPolicy, amount decimal.Decimal, currency string) (SpendTicket, error) {
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

	now := l.now()
	id := uuid.NewString()
	hourlyCap := decimal.Zero
	if policy.MaxPerHour.IsPositive() {
		hourlyCap = policy.MaxPerHour
	}

	args := []interface{}{
		now.Add(-l.window).UnixNano(), // prune cutoff
		now.UnixNano(),                // reservation score
		hourlyCap.String(),
		amount.String(),
		id,
		amount.String(),
		l.window.Milliseconds(),
	}

	reply, err := reserveScript.Run(ctx, l.client, []string{l.key(currency)}, args...).Slice()
	if err != nil {
		return nil, fmt.Errorf("redis spend limiter: %w", err)
	}
	if len(reply) != 2 {
		return nil, fmt.Errorf("redis spend limiter: unexpected script reply %v", reply)
	}

	ok, _ := reply[0].(int64)
	if ok != 1 {
		total, err := decimal.NewFromString(fmt.Sprint(reply[1]))
		if err != nil {
			total = decimal.Zero
		}
		remaining := policy.MaxPerHour.Sub(total)
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

	return &redisTicket{
		limiter:  l,
		id:       id,
		amount:   amount,
		currency: currency,
	}, nil
}

// Snapshot implements SpendLimiter. It scans the limiter's key space, so it
// is meant for status surfaces rather than hot paths.
func (l *RedisSpendLimiter) Snapshot(ctx context.Context) (map[string]CurrencyUsage, error) {
	usage := make(map[string]CurrencyUsage)
	cutoff := l.now().Add(-l.window).UnixNano()

	iter := l.client.Scan(ctx, 0, l.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		currency := strings.TrimPrefix(key, l.prefix+":")

		if err := l.client.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", cutoff)).Err(); err != nil {
			return nil, fmt.Errorf("redis spend limiter: %w", err)
		}
		members, err := l.client.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("redis spend limiter: %w", err)
		}

		spent := decimal.Zero
		for _, m := range members {
			if amt, ok := memberAmount(m); ok {
				spent = spent.Add(amt)
			}
		}
		usage[currency] = CurrencyUsage{
			Spent:    spent,
			Pending:  decimal.Zero,
			Payments: len(members),
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis spend limiter: %w", err)
	}

	return usage, nil
}

// memberAmount extracts the amount suffix from a "<id>:<amount>" member.
func memberAmount(member string) (decimal.Decimal, bool) {
	idx := strings.LastIndex(member, ":")
	if idx < 0 || idx == len(member)-1 {
		return decimal.Zero, false
	}
	amt, err := decimal.NewFromString(member[idx+1:])
	if err != nil {
		return decimal.Zero, false
	}
	return amt, true
}

// redisTicket is a reservation held in Redis. The member stays in the set
// when confirmed (it is now the spend record) and is removed on release.
type redisTicket struct {
	limiter  *RedisSpendLimiter
	id       string
	amount   decimal.Decimal
	currency string

	mu    sync.Mutex
	state ticketState
}

// Confirm settles the reservation; the stored member becomes the record.
func (t *redisTicket) Confirm(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != ticketPending {
		return fmt.Errorf("ticket %s: %w", t.id, ErrTicketSettled)
	}
	t.state = ticketConfirmed
	return nil
}

// Release removes the reservation from the shared window.
func (t *redisTicket) Release(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != ticketPending {
		return nil
	}
	t.state = ticketReleased

	member := t.id + ":" + t.amount.String()
	if err := t.limiter.client.ZRem(ctx, t.limiter.key(t.currency), member).Err(); err != nil {
		return fmt.Errorf("redis spend limiter: %w", err)
	}
	return nil
}

func (t *redisTicket) Amount() decimal.Decimal { return t.amount }
func (t *redisTicket) Currency() string        { return t.currency }
