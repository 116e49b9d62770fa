// Package x402 - Agent identity and price hints
// Sellers special-case AI agent traffic: they read X-Agent-* request headers
// and answer with cost hints of their own. This file writes the outbound
// identity and reads the hints back, so an agent can discover pricing before
// committing to a paid call.
package x402

import (
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"
)

// AgentIdentity describes the agent on whose behalf the client pays.
// All fields are optional; zero values set no header.
type AgentIdentity struct {
	// Name and Version form the User-Agent product token.
	Name    string
	Version string

	// TaskID correlates the seller's records with the agent's task.
	TaskID string

	// Budget advertises the agent's willingness to spend, in the seller's
	// quoted currency. Advertising it is a negotiation choice; leave zero
	// to keep it private.
	Budget decimal.Decimal

	// Priority is "low", "normal", or "high".
	Priority string
}

// Apply stamps the identity onto an outbound request.
func (a *AgentIdentity) Apply(req *http.Request) {
	if a == nil {
		return
	}
	if a.Name != "" {
		ua := a.Name
		if a.Version != "" {
			ua += "/" + a.Version
		}
		req.Header.Set("User-Agent", ua+" (x402-payer)")
	}
	req.Header.Set("X-AI-Agent", "true")
	if a.TaskID != "" {
		req.Header.Set("X-Agent-Task-ID", a.TaskID)
	}
	if a.Budget.IsPositive() {
		req.Header.Set("X-Agent-Budget", a.Budget.String())
	}
	if a.Priority != "" {
		req.Header.Set("X-Agent-Priority", a.Priority)
	}
}

// PriceHints are the cost signals sellers attach to responses for agent
// consumers.
type PriceHints struct {
	EstimatedCost     decimal.Decimal `json:"estimatedCost"`
	ActualCost        decimal.Decimal `json:"actualCost"`
	RemainingBudget   decimal.Decimal `json:"remainingBudget"`
	BatchPricePerItem decimal.Decimal `json:"batchPricePerItem"`
	RecommendedRetry  int             `json:"recommendedRetry"`
	StreamingSupport  bool            `json:"streamingSupported"`
}

// Empty reports whether the response carried no hints at all.
func (h PriceHints) Empty() bool {
	return h.EstimatedCost.IsZero() && h.ActualCost.IsZero() &&
		h.RemainingBudget.IsZero() && h.BatchPricePerItem.IsZero() &&
		h.RecommendedRetry == 0 && !h.StreamingSupport
}

// ParsePriceHints reads a seller's cost hint headers. Absent or unparseable
// headers leave zero values.
func ParsePriceHints(h http.Header) PriceHints {
	hints := PriceHints{
		EstimatedCost:     headerAmount(h, "X-Estimated-Cost"),
		ActualCost:        headerAmount(h, "X-Actual-Cost"),
		RemainingBudget:   headerAmount(h, "X-Remaining-Budget"),
		BatchPricePerItem: headerAmount(h, "X-Batch-Price-Per-Item"),
	}
	if retry := h.Get("X-Recommended-Retry"); retry != "" {
		if sec, err := strconv.Atoi(retry); err == nil {
			hints.RecommendedRetry = sec
		}
	}
	hints.StreamingSupport = h.Get("X-Streaming-Supported") == "true"
	return hints
}

func headerAmount(h http.Header, name string) decimal.Decimal {
	raw := h.Get(name)
	if raw == "" {
		return decimal.Zero
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return amount
}
