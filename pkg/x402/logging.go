// Package x402 - Payment logging
// Event-shaped lines through the standard logger. URLs are logged without
// query strings and challenge nonces are truncated, so log capture cannot
// leak resource parameters or replayable identifiers. The wallet note
// password is never passed to anything in this file.
package x402

import (
	"log"
	"net/url"

	"github.com/shopspring/decimal"
)

// PaymentLogger writes payment flow events. A nil *PaymentLogger is valid
// and silent.
type PaymentLogger struct {
	logger *log.Logger
	debug  bool
}

// NewPaymentLogger wraps logger for payment events. A nil logger uses the
// process default. debug enables the chatty Debugf lines.
func NewPaymentLogger(logger *log.Logger, debug bool) *PaymentLogger {
	if logger == nil {
		logger = log.Default()
	}
	return &PaymentLogger{logger: logger, debug: debug}
}

// Attempt logs the decision to pay for a resource.
func (l *PaymentLogger) Attempt(resource string, amount decimal.Decimal, currency, nonce string) {
	if l == nil {
		return
	}
	l.logger.Printf("payment_attempt resource=%s amount=%s currency=%s nonce=%s",
		RedactURL(resource), amount, currency, truncateNonce(nonce))
}

// Success logs a completed payment.
func (l *PaymentLogger) Success(resource string, amount decimal.Decimal, currency string, remaining decimal.Decimal) {
	if l == nil {
		return
	}
	l.logger.Printf("payment_success resource=%s amount=%s currency=%s remaining_balance=%s",
		RedactURL(resource), amount, currency, remaining)
}

// Failure logs a failed payment flow with its taxonomy kind.
func (l *PaymentLogger) Failure(resource string, err error) {
	if l == nil {
		return
	}
	l.logger.Printf("payment_failure resource=%s kind=%s error=%v",
		RedactURL(resource), ErrorKind(err), err)
}

// DryRun logs the payment that simulation mode declined to make.
func (l *PaymentLogger) DryRun(resource string, amount decimal.Decimal, currency, recipient string) {
	if l == nil {
		return
	}
	l.logger.Printf("payment_dry_run resource=%s would_spend=%s currency=%s recipient=%s",
		RedactURL(resource), amount, currency, recipient)
}

// Debugf logs a free-form line when debug logging is on.
func (l *PaymentLogger) Debugf(format string, args ...interface{}) {
	if l == nil || !l.debug {
		return
	}
	l.logger.Printf("x402: "+format, args...)
}

// RedactURL strips the query string and fragment from a URL so logged
// resources cannot leak request parameters. Non-URL strings pass through.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.RawQuery == "" && u.Fragment == "" {
		return raw
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// truncateNonce keeps a loggable prefix of a challenge nonce.
func truncateNonce(nonce string) string {
	if len(nonce) <= 8 {
		return nonce
	}
	return nonce[:8] + "..."
}
