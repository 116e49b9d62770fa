// Package x402 - Configuration
// One immutable Config built at startup, passed by value into the client.
// Environment parsing happens here and nowhere else; the core never reads
// process state.
package x402

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

// minAmount is the smallest spendable amount, one USDC base unit.
var minAmount = decimal.New(1, -6)

// Config holds everything the paying client needs. Zero caps mean
// unlimited.
type Config struct {
	// SidecarURL locates the signing sidecar.
	SidecarURL string

	// WalletNote and WalletNotePassword are passed through to the sidecar
	// untouched. The password never appears in logs or errors.
	WalletNote         string
	WalletNotePassword string

	// MaxSpendPerTx caps any single payment.
	MaxSpendPerTx decimal.Decimal

	// MaxSpendHourly caps total spend per currency over the rolling hour.
	MaxSpendHourly decimal.Decimal

	// MaxRetries bounds authorization attempts when the sidecar is
	// unreachable. The original request is still resent at most once.
	MaxRetries int

	// Timeout bounds one execute call end to end: original send,
	// authorization including retries, and the paid resend.
	Timeout time.Duration

	// RetryDelay is the base backoff between sidecar attempts; attempt n
	// waits n times this.
	RetryDelay time.Duration

	// PaymentsPerMinute paces payment attempts per host. 0 disables pacing.
	PaymentsPerMinute int

	// DryRun simulates: the flow runs through limit checks and then stops
	// with a DryRunError instead of paying.
	DryRun bool

	// Debug enables verbose flow logging.
	Debug bool
}

// envConfig is the raw environment shape; amounts arrive as strings so they
// parse through decimal with real error messages.
type envConfig struct {
	SidecarURL         string        `env:"X402_SIDECAR_URL" envDefault:"http://localhost:3000"`
	WalletNote         string        `env:"X402_WALLET_NOTE"`
	WalletNotePassword string        `env:"X402_WALLET_NOTE_PASSWORD"`
	MaxSpendPerTx      string        `env:"X402_MAX_SPEND_TX"`
	MaxSpendHourly     string        `env:"X402_MAX_SPEND_HOURLY"`
	MaxRetries         int           `env:"X402_MAX_RETRIES" envDefault:"3"`
	Timeout            time.Duration `env:"X402_TIMEOUT" envDefault:"30s"`
	RetryDelay         time.Duration `env:"X402_RETRY_DELAY" envDefault:"500ms"`
	PaymentsPerMinute  int           `env:"X402_PAYMENTS_PER_MINUTE" envDefault:"0"`
	DryRun             bool          `env:"X402_DRY_RUN" envDefault:"false"`
	Debug              bool          `env:"X402_DEBUG" envDefault:"false"`
}

// DefaultConfig returns the configuration used when nothing is set:
// local sidecar, no caps, three authorization attempts, 30s deadline.
func DefaultConfig() Config {
	return Config{
		SidecarURL: "http://localhost:3000",
		MaxRetries: 3,
		Timeout:    30 * time.Second,
		RetryDelay: 500 * time.Millisecond,
	}
}

// FromEnv builds a validated Config from X402_* environment variables.
func FromEnv() (Config, error) {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("x402 config: %w", err)
	}

	cfg := Config{
		SidecarURL:         raw.SidecarURL,
		WalletNote:         raw.WalletNote,
		WalletNotePassword: raw.WalletNotePassword,
		MaxRetries:         raw.MaxRetries,
		Timeout:            raw.Timeout,
		RetryDelay:         raw.RetryDelay,
		PaymentsPerMinute:  raw.PaymentsPerMinute,
		DryRun:             raw.DryRun,
		Debug:              raw.Debug,
	}

	var err error
	if cfg.MaxSpendPerTx, err = parseCap("X402_MAX_SPEND_TX", raw.MaxSpendPerTx); err != nil {
		return Config{}, err
	}
	if cfg.MaxSpendHourly, err = parseCap("X402_MAX_SPEND_HOURLY", raw.MaxSpendHourly); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseCap(name, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("x402 config: %s: bad amount %q", name, raw)
	}
	return amount, nil
}

// Validate checks the config for values the client cannot run with.
func (c Config) Validate() error {
	if _, err := normalizeSidecarURL(c.SidecarURL); err != nil {
		return fmt.Errorf("x402 config: %w", err)
	}
	if c.MaxSpendPerTx.IsNegative() || c.MaxSpendHourly.IsNegative() {
		return fmt.Errorf("x402 config: spend caps must not be negative")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("x402 config: max retries must be at least 1")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("x402 config: timeout must be positive")
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("x402 config: retry delay must not be negative")
	}
	return nil
}

// Policy derives the spend policy this config imposes.
func (c Config) Policy() SpendPolicy {
	return SpendPolicy{
		MaxPerTx:   c.MaxSpendPerTx,
		MaxPerHour: c.MaxSpendHourly,
	}
}

// ValidateAmount rejects spend amounts that are non-positive or below the
// smallest spendable unit.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be positive, got %s", amount)
	}
	if amount.LessThan(minAmount) {
		return fmt.Errorf("amount %s is below the minimum %s", amount, minAmount)
	}
	return nil
}
