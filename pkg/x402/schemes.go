// Package x402 - Payment schemes and networks
// This file defines the wire-level x402 vocabulary the client speaks:
// - Scheme and network identifiers (CAIP-2 format for crypto networks)
// - PaymentRequirements, the per-option payment terms inside a 402 response
// - Selection of a payable option from a seller's accepts list
package x402

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SchemeType represents the type of payment scheme
type SchemeType string

const (
	// SchemeExact is an exact amount transfer (EIP-3009 for EVM, SPL for SVM)
	SchemeExact SchemeType = "exact"

	// SchemeUpto is an up-to amount for metered/streaming payments
	SchemeUpto SchemeType = "upto"

	// SchemeShielded is a private transfer settled through a shielded pool
	SchemeShielded SchemeType = "shielded"
)

// NetworkType represents the payment network
type NetworkType string

const (
	// EVM Networks (CAIP-2 format)
	NetworkEthereumMainnet NetworkType = "eip155:1"
	NetworkBaseMainnet     NetworkType = "eip155:8453"
	NetworkBaseSepolia     NetworkType = "eip155:84532"
	NetworkOptimism        NetworkType = "eip155:10"
	NetworkArbitrum        NetworkType = "eip155:42161"
	NetworkPolygon         NetworkType = "eip155:137"
	NetworkEVMWildcard     NetworkType = "eip155:*" // All EVM chains

	// SVM Networks (CAIP-2 format)
	NetworkSolanaMainnet NetworkType = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	NetworkSolanaDevnet  NetworkType = "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"
)

// Aliases sellers use for networks outside CAIP-2 form
var networkAliases = map[string]NetworkType{
	"ethereum":     NetworkEthereumMainnet,
	"base":         NetworkBaseMainnet,
	"base-sepolia": NetworkBaseSepolia,
	"optimism":     NetworkOptimism,
	"arbitrum":     NetworkArbitrum,
	"polygon":      NetworkPolygon,
	"solana":       NetworkSolanaMainnet,
}

// CanonicalNetwork normalizes a seller-supplied network identifier to its
// CAIP-2 form. Unknown identifiers pass through unchanged so new networks
// don't break parsing.
func CanonicalNetwork(network string) NetworkType {
	if n, ok := networkAliases[strings.ToLower(network)]; ok {
		return n
	}
	return NetworkType(network)
}

// Matches reports whether the network satisfies a possibly-wildcarded
// capability entry such as "eip155:*".
func (n NetworkType) Matches(capability NetworkType) bool {
	if n == capability {
		return true
	}
	c := string(capability)
	if strings.HasSuffix(c, ":*") {
		return strings.HasPrefix(string(n), strings.TrimSuffix(c, "*"))
	}
	return false
}

// PaymentRequirements is one payment option offered in a 402 response.
// Field names follow the x402 wire format.
type PaymentRequirements struct {
	Scheme            SchemeType        `json:"scheme"`
	Network           NetworkType       `json:"network"`
	MaxAmountRequired string            `json:"maxAmountRequired"`
	Resource          string            `json:"resource"`
	Description       string            `json:"description,omitempty"`
	MimeType          string            `json:"mimeType,omitempty"`
	PayTo             string            `json:"payTo"`
	MaxTimeoutSeconds int               `json:"maxTimeoutSeconds,omitempty"`
	Asset             string            `json:"asset,omitempty"`
	Nonce             string            `json:"nonce,omitempty"`
	ChallengeID       string            `json:"challengeId,omitempty"`
	ID                string            `json:"id,omitempty"`
	ExpiresAt         string            `json:"expiresAt,omitempty"`
	Extra             map[string]string `json:"extra,omitempty"`
}

// UnmarshalJSON accepts maxAmountRequired as either a JSON string or a bare
// number. Sellers send both in the wild.
func (p *PaymentRequirements) UnmarshalJSON(data []byte) error {
	type alias PaymentRequirements
	aux := struct {
		MaxAmountRequired json.RawMessage `json:"maxAmountRequired"`
		*alias
	}{alias: (*alias)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.MaxAmountRequired) > 0 {
		if aux.MaxAmountRequired[0] == '"' {
			var s string
			if err := json.Unmarshal(aux.MaxAmountRequired, &s); err != nil {
				return err
			}
			p.MaxAmountRequired = s
		} else {
			p.MaxAmountRequired = string(aux.MaxAmountRequired)
		}
	}
	return nil
}

// PaymentRequiredResponse is the standard x402 v1 envelope carried in the
// body of a 402 response.
type PaymentRequiredResponse struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// knownAssets maps token contract addresses to their symbol, per network.
// Covers the USDC deployments sellers quote most often.
var knownAssets = map[NetworkType]map[string]string{
	NetworkEthereumMainnet: {
		"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48": "USDC",
	},
	NetworkBaseMainnet: {
		"0x833589fcd6edb6e08f4c7c32d4f71b54bda02913": "USDC",
	},
	NetworkBaseSepolia: {
		"0x036cbd53842c5426634e7929541ec2318f3dcf7e": "USDC",
	},
	NetworkOptimism: {
		"0x0b2c639c533813f4aa9d7837caf62653d097ff85": "USDC",
	},
	NetworkArbitrum: {
		"0xaf88d065e77c8cc2239327c5edb3a432268e5831": "USDC",
	},
	NetworkPolygon: {
		"0x3c499c542cef5e3811e1192ce70d8cc03d5c3359": "USDC",
	},
	NetworkSolanaMainnet: {
		"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v": "USDC",
	},
}

// AssetSymbol resolves a token contract address to its symbol on the given
// network. Returns "" when the asset is not recognized.
func AssetSymbol(network NetworkType, asset string) string {
	assets, ok := knownAssets[network]
	if !ok {
		return ""
	}
	if sym, ok := assets[asset]; ok {
		return sym
	}
	// EVM addresses compare case-insensitively
	return assets[strings.ToLower(asset)]
}

// SelectRequirement picks the payment option the client will pay from a
// seller's accepts list. With no capability restriction the first entry wins.
// When supported networks are known (for example from the signing service's
// health report), the first entry on a supported network wins instead.
func SelectRequirement(accepts []PaymentRequirements, supported []NetworkType) (*PaymentRequirements, error) {
	if len(accepts) == 0 {
		return nil, &MalformedChallengeError{Reason: "empty accepts list"}
	}

	if len(supported) == 0 {
		return &accepts[0], nil
	}

	offered := make([]string, 0, len(accepts))
	for i := range accepts {
		network := CanonicalNetwork(string(accepts[i].Network))
		for _, capability := range supported {
			if network.Matches(capability) {
				return &accepts[i], nil
			}
		}
		offered = append(offered, string(accepts[i].Network))
	}

	return nil, &MalformedChallengeError{
		Reason: fmt.Sprintf("no supported network among offered: %s", strings.Join(offered, ", ")),
	}
}
