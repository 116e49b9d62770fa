// Package x402 - Challenge extraction
// Turns a 402 response into a validated PaymentChallenge. Sellers deliver
// challenges three ways, checked in order:
// 1. WWW-Authenticate: x402 <base64-or-JSON payload>
// 2. PAYMENT-REQUIRED / X-Payment-Required response header (base64 JSON)
// 3. JSON body: x402 v1 accepts envelope, a bare accepts array, an
//    {"x402": ...} wrapper, or a single requirement object
// Parsing is pure; nothing here touches the network or the spend state.
package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentChallenge is the validated, immutable form of a payment demand
// extracted from a gated response.
type PaymentChallenge struct {
	// Amount is the payment due, denominated in Currency. Always positive.
	Amount decimal.Decimal

	// Currency is the spend-tracking bucket, e.g. "USDC".
	Currency string

	// Recipient is the seller's pay-to identifier.
	Recipient string

	// ChallengeID is the seller's nonce for this challenge, unique per issue.
	ChallengeID string

	// Resource names what is being paid for.
	Resource string

	Scheme  SchemeType
	Network NetworkType
	Asset   string

	// ExpiresAt is zero when the challenge does not expire.
	ExpiresAt time.Time

	// Requirements is the raw accepts entry the challenge was built from.
	Requirements *PaymentRequirements
}

// Expired reports whether the challenge's deadline has passed.
func (c *PaymentChallenge) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// ParseChallenge extracts and validates the payment challenge carried by a
// gated response. body is the already-read response body (may be nil).
// supported optionally restricts which networks' offers are payable.
// Failures are always *MalformedChallengeError.
func ParseChallenge(resp *http.Response, body []byte, supported []NetworkType) (*PaymentChallenge, error) {
	fallbackResource := ""
	if resp.Request != nil && resp.Request.URL != nil {
		fallbackResource = resp.Request.URL.String()
	}

	if reqs, ok := challengeFromHeaders(resp.Header, supported); ok {
		return buildChallenge(reqs, fallbackResource)
	}

	reqs, err := challengeFromBody(body, supported)
	if err != nil {
		return nil, err
	}
	return buildChallenge(reqs, fallbackResource)
}

// challengeFromHeaders tries the two header carriers. A header that is
// present but undecodable is skipped so a usable body can still win.
func challengeFromHeaders(h http.Header, supported []NetworkType) (*PaymentRequirements, bool) {
	if auth := h.Get("WWW-Authenticate"); strings.HasPrefix(auth, "x402 ") {
		payload := strings.TrimSpace(strings.TrimPrefix(auth, "x402 "))
		if reqs, err := decodeRequirements([]byte(payload), supported); err == nil {
			return reqs, true
		}
		if decoded, err := base64.StdEncoding.DecodeString(payload); err == nil {
			if reqs, err := decodeRequirements(decoded, supported); err == nil {
				return reqs, true
			}
		}
	}

	for _, name := range []string{"Payment-Required", "X-Payment-Required"} {
		raw := h.Get(name)
		if raw == "" {
			continue
		}
		if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
			if reqs, err := decodeRequirements(decoded, supported); err == nil {
				return reqs, true
			}
		}
		if reqs, err := decodeRequirements([]byte(raw), supported); err == nil {
			return reqs, true
		}
	}

	return nil, false
}

// challengeFromBody decodes the response body forms.
func challengeFromBody(body []byte, supported []NetworkType) (*PaymentRequirements, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, &MalformedChallengeError{Reason: "no challenge in headers and empty body"}
	}

	reqs, err := decodeRequirements([]byte(trimmed), supported)
	if err != nil {
		return nil, err
	}
	return reqs, nil
}

// decodeRequirements decodes any of the accepted JSON shapes down to a single
// requirements entry.
func decodeRequirements(data []byte, supported []NetworkType) (*PaymentRequirements, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, &MalformedChallengeError{Reason: "empty challenge payload"}
	}

	// Bare array of requirement objects
	if strings.HasPrefix(trimmed, "[") {
		var accepts []PaymentRequirements
		if err := json.Unmarshal([]byte(trimmed), &accepts); err != nil {
			return nil, &MalformedChallengeError{Reason: fmt.Sprintf("unparseable challenge array: %v", err)}
		}
		return SelectRequirement(accepts, supported)
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &probe); err != nil {
		return nil, &MalformedChallengeError{Reason: fmt.Sprintf("unparseable challenge body: %v", err)}
	}

	// {"x402": ...} wrapper
	if inner, ok := probe["x402"]; ok {
		return decodeRequirements(inner, supported)
	}

	// x402 v1 envelope
	if _, ok := probe["accepts"]; ok {
		var envelope PaymentRequiredResponse
		if err := json.Unmarshal([]byte(trimmed), &envelope); err != nil {
			return nil, &MalformedChallengeError{Reason: fmt.Sprintf("unparseable accepts envelope: %v", err)}
		}
		return SelectRequirement(envelope.Accepts, supported)
	}

	// Single requirement object. Require a payment-shaped key so a generic
	// error body {"error": "..."} is rejected rather than misread.
	if _, ok := probe["maxAmountRequired"]; !ok {
		if _, ok := probe["payTo"]; !ok {
			return nil, &MalformedChallengeError{Reason: "body is not a payment challenge"}
		}
	}

	var reqs PaymentRequirements
	if err := json.Unmarshal([]byte(trimmed), &reqs); err != nil {
		return nil, &MalformedChallengeError{Reason: fmt.Sprintf("unparseable challenge object: %v", err)}
	}
	return &reqs, nil
}

// buildChallenge validates a requirements entry and assembles the challenge.
func buildChallenge(reqs *PaymentRequirements, fallbackResource string) (*PaymentChallenge, error) {
	if reqs.MaxAmountRequired == "" {
		return nil, &MalformedChallengeError{Reason: "missing maxAmountRequired"}
	}
	amount, err := decimal.NewFromString(reqs.MaxAmountRequired)
	if err != nil {
		return nil, &MalformedChallengeError{Reason: fmt.Sprintf("non-numeric amount %q", reqs.MaxAmountRequired)}
	}
	if !amount.IsPositive() {
		return nil, &MalformedChallengeError{Reason: fmt.Sprintf("non-positive amount %s", amount)}
	}

	challengeID := firstNonEmpty(reqs.Nonce, reqs.ChallengeID, reqs.ID)
	if challengeID == "" {
		return nil, &MalformedChallengeError{Reason: "missing challenge nonce"}
	}

	if reqs.PayTo == "" {
		return nil, &MalformedChallengeError{Reason: "missing payTo"}
	}

	network := CanonicalNetwork(string(reqs.Network))

	var expiresAt time.Time
	if reqs.ExpiresAt != "" {
		expiresAt, err = time.Parse(time.RFC3339, reqs.ExpiresAt)
		if err != nil {
			return nil, &MalformedChallengeError{Reason: fmt.Sprintf("invalid expiresAt %q", reqs.ExpiresAt)}
		}
	}

	resource := reqs.Resource
	if resource == "" {
		resource = fallbackResource
	}

	return &PaymentChallenge{
		Amount:       amount,
		Currency:     resolveCurrency(reqs, network),
		Recipient:    reqs.PayTo,
		ChallengeID:  challengeID,
		Resource:     resource,
		Scheme:       reqs.Scheme,
		Network:      network,
		Asset:        reqs.Asset,
		ExpiresAt:    expiresAt,
		Requirements: reqs,
	}, nil
}

// resolveCurrency picks the spend-tracking bucket for a challenge:
// explicit extra.currency, then the known asset table, then the EIP-712
// domain name from extra, then USDC.
func resolveCurrency(reqs *PaymentRequirements, network NetworkType) string {
	if c := reqs.Extra["currency"]; c != "" {
		return c
	}
	if reqs.Asset != "" {
		if sym := AssetSymbol(network, reqs.Asset); sym != "" {
			return sym
		}
	}
	if name := reqs.Extra["name"]; name != "" {
		return name
	}
	return "USDC"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
