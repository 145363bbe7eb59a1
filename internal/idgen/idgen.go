// Package idgen provides cryptographically random identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Prefixes used across the service.
const (
	PaymentPrefix = "pay_"
	BlockedPrefix = "blk_"
	HoldPrefix    = "hold_"
)

// WithPrefix returns prefix + 32 hex chars (16 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(16)
}

// PaymentID returns a fresh payment identifier.
func PaymentID() string { return WithPrefix(PaymentPrefix) }

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
