// Package x402 - Spend policy files
// Operators ship per-host spend policies as YAML. Amounts are strings in the
// file so they parse through decimal, never float.
package x402

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// PolicyFile is a set of spend policies: one default plus per-host
// overrides. Hosts match exactly, or by "*.domain" suffix.
type PolicyFile struct {
	Default SpendPolicy
	Hosts   map[string]SpendPolicy
}

// rawPolicyFile is the YAML shape. Example:
//
//	default:
//	  max_per_tx: "0.25"
//	  max_per_hour: "10"
//	hosts:
//	  api.example.com:
//	    max_per_tx: "1.00"
//	    max_per_hour: "25"
type rawPolicyFile struct {
	Default rawPolicy            `yaml:"default"`
	Hosts   map[string]rawPolicy `yaml:"hosts"`
}

type rawPolicy struct {
	MaxPerTx   string `yaml:"max_per_tx"`
	MaxPerHour string `yaml:"max_per_hour"`
}

// LoadPolicyFile reads and validates a YAML policy file.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy file: %w", err)
	}
	return ParsePolicyFile(data)
}

// ParsePolicyFile parses YAML policy content.
func ParsePolicyFile(data []byte) (*PolicyFile, error) {
	var raw rawPolicyFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("policy file: %w", err)
	}

	file := &PolicyFile{Hosts: make(map[string]SpendPolicy, len(raw.Hosts))}

	policy, err := raw.Default.toPolicy("default")
	if err != nil {
		return nil, err
	}
	file.Default = policy

	for host, entry := range raw.Hosts {
		policy, err := entry.toPolicy(host)
		if err != nil {
			return nil, err
		}
		file.Hosts[strings.ToLower(host)] = policy
	}

	return file, nil
}

func (r rawPolicy) toPolicy(scope string) (SpendPolicy, error) {
	var policy SpendPolicy
	var err error

	if r.MaxPerTx != "" {
		policy.MaxPerTx, err = decimal.NewFromString(r.MaxPerTx)
		if err != nil {
			return SpendPolicy{}, fmt.Errorf("policy file: %s: bad max_per_tx %q", scope, r.MaxPerTx)
		}
	}
	if r.MaxPerHour != "" {
		policy.MaxPerHour, err = decimal.NewFromString(r.MaxPerHour)
		if err != nil {
			return SpendPolicy{}, fmt.Errorf("policy file: %s: bad max_per_hour %q", scope, r.MaxPerHour)
		}
	}
	if policy.MaxPerTx.IsNegative() || policy.MaxPerHour.IsNegative() {
		return SpendPolicy{}, fmt.Errorf("policy file: %s: negative cap", scope)
	}

	return policy, nil
}

// ForHost resolves the policy for a request host. Port suffixes are ignored.
func (f *PolicyFile) ForHost(host string) SpendPolicy {
	if f == nil {
		return SpendPolicy{}
	}

	host = strings.ToLower(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	if policy, ok := f.Hosts[host]; ok {
		return policy
	}
	for pattern, policy := range f.Hosts {
		if strings.HasPrefix(pattern, "*.") && strings.HasSuffix(host, pattern[1:]) {
			return policy
		}
	}
	return f.Default
}
