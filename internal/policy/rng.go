package policy

import (
	"encoding/hex"
	"fmt"
	"math/rand/v2"
)

// Seed keys the per-wager random stream. It is persisted with the wager
// so the outcome can be reproduced from the audit log.
type Seed [32]byte

// String returns the seed as 64 hex chars.
func (s Seed) String() string { return hex.EncodeToString(s[:]) }

// ParseSeed decodes a hex seed.
func ParseSeed(s string) (Seed, error) {
	var seed Seed
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(seed) {
		return seed, fmt.Errorf("policy: seed must be %d hex bytes", len(seed))
	}
	copy(seed[:], b)
	return seed, nil
}

// NewStream returns the ChaCha8 stream keyed by seed.
func NewStream(seed Seed) Source {
	return rand.NewChaCha8(seed)
}

// SourceFunc adapts a function to Source.
type SourceFunc func() uint64

func (f SourceFunc) Uint64() uint64 { return f() }

// Fixed replays the given values in order, then repeats the last one.
// Useful for forcing outcomes.
func Fixed(values ...uint64) Source {
	i := 0
	return SourceFunc(func() uint64 {
		v := values[min(i, len(values)-1)]
		i++
		return v
	})
}

// AlwaysLose is a source whose first draw loses every game.
func AlwaysLose() Source { return Fixed(^uint64(0)) }

// AlwaysWin is a source whose first draw wins every game with a non-zero
// win probability and picks the lowest multiplier.
func AlwaysWin() Source { return Fixed(0) }
