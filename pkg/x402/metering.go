// Package x402 - Spend metering
// Aggregate counters over the payment flow, per currency: how often the
// client hit a paywall, paid, was denied by policy, or dry-ran. Aggregates
// only; the meter keeps no per-transaction history.
package x402

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// SpendMeter accumulates payment flow counters. Safe for concurrent use.
// A nil *SpendMeter is valid and counts nothing.
type SpendMeter struct {
	mu         sync.RWMutex
	started    time.Time
	byCurrency map[string]*currencyMeter
}

type currencyMeter struct {
	attempts int64
	payments int64
	denials  int64
	dryRuns  int64
	spent    decimal.Decimal
}

// CurrencyReport is the aggregate view of one currency.
type CurrencyReport struct {
	Attempts       int64           `json:"attempts"`
	Payments       int64           `json:"payments"`
	Denials        int64           `json:"denials"`
	DryRuns        int64           `json:"dryRuns"`
	TotalSpent     decimal.Decimal `json:"totalSpent"`
	AveragePayment decimal.Decimal `json:"averagePayment"`
}

// MeterReport is a point-in-time snapshot of all currencies.
type MeterReport struct {
	Since      time.Time                 `json:"since"`
	Currencies map[string]CurrencyReport `json:"currencies"`
}

// NewSpendMeter creates an empty meter.
func NewSpendMeter() *SpendMeter {
	return &SpendMeter{
		started:    time.Now(),
		byCurrency: make(map[string]*currencyMeter),
	}
}

func (m *SpendMeter) meterFor(currency string) *currencyMeter {
	cm, ok := m.byCurrency[currency]
	if !ok {
		cm = &currencyMeter{spent: decimal.Zero}
		m.byCurrency[currency] = cm
	}
	return cm
}

// RecordAttempt counts a paywall hit that entered the payment flow.
func (m *SpendMeter) RecordAttempt(currency string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meterFor(currency).attempts++
}

// RecordPayment counts a completed payment of amount.
func (m *SpendMeter) RecordPayment(currency string, amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cm := m.meterFor(currency)
	cm.payments++
	cm.spent = cm.spent.Add(amount)
}

// RecordDenial counts a spend-policy rejection.
func (m *SpendMeter) RecordDenial(currency string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meterFor(currency).denials++
}

// RecordDryRun counts a simulated payment.
func (m *SpendMeter) RecordDryRun(currency string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meterFor(currency).dryRuns++
}

// Report snapshots the meter.
func (m *SpendMeter) Report() MeterReport {
	if m == nil {
		return MeterReport{Currencies: map[string]CurrencyReport{}}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	report := MeterReport{
		Since:      m.started,
		Currencies: make(map[string]CurrencyReport, len(m.byCurrency)),
	}
	for currency, cm := range m.byCurrency {
		avg := decimal.Zero
		if cm.payments > 0 {
			avg = cm.spent.Div(decimal.NewFromInt(cm.payments)).Round(6)
		}
		report.Currencies[currency] = CurrencyReport{
			Attempts:       cm.attempts,
			Payments:       cm.payments,
			Denials:        cm.denials,
			DryRuns:        cm.dryRuns,
			TotalSpent:     cm.spent,
			AveragePayment: avg,
		}
	}
	return report
}
