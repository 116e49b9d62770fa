// Internal utilities shared by the x402 payer binaries
package internal

import (
	"crypto/rand"
	"encoding/hex"
)

// GenerateToken generates a random identifier with the given prefix
func GenerateToken(prefix string) string {
	bytes := make([]byte, 16)
	rand.Read(bytes)
	return prefix + hex.EncodeToString(bytes)
}

// GenerateHash generates a random 32-byte hex digest, 0x-prefixed,
// shaped like an on-chain nullifier hash
func GenerateHash() string {
	bytes := make([]byte, 32)
	rand.Read(bytes)
	return "0x" + hex.EncodeToString(bytes)
}
