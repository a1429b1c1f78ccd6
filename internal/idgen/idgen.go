// Package idgen provides cryptographically random ID generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// Prefixes for the ids handed out by the core.
const (
	WagerPrefix    = "wgr_"
	TicketPrefix   = "wdt_"
	PlanPrefix     = "apl_"
	SessionPrefix  = "ses_"
	NoncePrefix    = "nce_"
	TransferPrefix = "xfr_"
)

// New generates a random RFC 4122 v4 UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "wgr_", "wdt_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	return hex.EncodeToString(Bytes(numBytes))
}

// Bytes returns n bytes from crypto/rand.
func Bytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return b
}
