// Package policy decides wager outcomes.
//
// Decide is a pure function of (game kind, stake, random source). It does
// no I/O and reads no clock. Every game's win probability and payout
// distribution is listed in DefaultTable.
//
// Draw order, fixed so independent implementations agree:
//  1. u := rng.Uint64(); the bet wins iff hi64(u * 10000) < win_bps.
//  2. on a win only, v := rng.Uint64():
//     discrete table of n multipliers: index = hi64(v * n)
//     continuous range [lo, hi]:       m = lo + hi64(v * (hi - lo + 1))
//  3. payout = floor(stake * m / 10000), computed in 128 bits.
//
// Multipliers are fixed point with four decimals (Scale), so 2x is 20000.
package policy

import (
	"fmt"
	"math"
	"math/bits"
	"sort"
	"strconv"
	"strings"

	"github.com/mbd888/vaultbet/internal/apperr"
)

// Scale is the fixed-point denominator for multipliers and probabilities.
const Scale = 10000

var (
	ErrUnknownGame    = apperr.New(apperr.UnknownGame, "policy: unknown game kind")
	ErrInvalidStake   = apperr.New(apperr.Invalid, "policy: stake must be positive")
	ErrPayoutOverflow = apperr.New(apperr.Internal, "policy: payout overflows int64")
	ErrInvalidShare   = apperr.New(apperr.Invalid, "policy: invalid savings share")
	ErrInvalidGame    = apperr.New(apperr.Invalid, "policy: invalid game definition")
)

// GameKind enumerates the supported games.
type GameKind string

const (
	Slot     GameKind = "slot"
	Roulette GameKind = "roulette"
	Dice     GameKind = "dice"
	Plinko   GameKind = "plinko"
	Keno     GameKind = "keno"
	Mines    GameKind = "mines"
)

// Source is a stream of uniform 64-bit values.
type Source interface {
	Uint64() uint64
}

// Payout describes the multiplier distribution of a winning bet: either a
// discrete set of equally likely Choices or a uniform range [Min, Max].
// All values are in Scale units.
type Payout struct {
	Choices []int64
	Min     int64
	Max     int64
}

// Game is one row of the game table.
type Game struct {
	Kind   GameKind
	WinBPS int64 // probability of a win in basis points
	Payout Payout
}

func (g Game) validate() error {
	if g.WinBPS < 0 || g.WinBPS > Scale {
		return fmt.Errorf("%w: %s win probability %d bps", ErrInvalidGame, g.Kind, g.WinBPS)
	}
	if len(g.Payout.Choices) == 0 {
		if g.Payout.Min < Scale || g.Payout.Max < g.Payout.Min {
			return fmt.Errorf("%w: %s payout range", ErrInvalidGame, g.Kind)
		}
		return nil
	}
	for _, c := range g.Payout.Choices {
		if c < Scale {
			return fmt.Errorf("%w: %s multiplier %d below 1x", ErrInvalidGame, g.Kind, c)
		}
	}
	return nil
}

// Share is the fraction of a lost stake credited to savings.
type Share struct {
	Num int64
	Den int64
}

// DefaultShare credits nine tenths of a lost stake to savings and the
// remaining tenth to liquidity.
var DefaultShare = Share{Num: 9, Den: 10}

// ParseShare parses "9/10" or a decimal such as "0.9".
func ParseShare(s string) (Share, error) {
	s = strings.TrimSpace(s)
	var sh Share
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err1 := strconv.ParseInt(strings.TrimSpace(num), 10, 64)
		d, err2 := strconv.ParseInt(strings.TrimSpace(den), 10, 64)
		if err1 != nil || err2 != nil {
			return Share{}, fmt.Errorf("%w: %q", ErrInvalidShare, s)
		}
		sh = Share{Num: n, Den: d}
	} else {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Share{}, fmt.Errorf("%w: %q", ErrInvalidShare, s)
		}
		sh = Share{Num: int64(math.Round(f * Scale)), Den: Scale}
	}
	if sh.Den <= 0 || sh.Num < 0 || sh.Num > sh.Den {
		return Share{}, fmt.Errorf("%w: %q must be within [0, 1]", ErrInvalidShare, s)
	}
	return sh, nil
}

// Split divides a lost stake: savings = floor(stake * Num / Den) and
// liquidity takes the remainder, so the two always sum to stake.
func (s Share) Split(stake int64) (savings, liquidity int64) {
	hi, lo := bits.Mul64(uint64(stake), uint64(s.Num))
	q, _ := bits.Div64(hi, lo, uint64(s.Den)) // Num <= Den keeps hi < Den
	return int64(q), stake - int64(q)
}

func (s Share) String() string {
	return fmt.Sprintf("%d/%d", s.Num, s.Den)
}

// Decision is the result of one Decide call.
type Decision struct {
	Won          bool     `json:"won"`
	Payout       int64    `json:"payout"`
	Multiplier   int64    `json:"multiplier"` // Scale units, zero on loss
	SavingsShare Share    `json:"-"`
	Game         GameKind `json:"game"`
}

// Table is the configured set of games plus the savings share.
type Table struct {
	games map[GameKind]Game
	share Share
}

// DefaultTable returns the built-in house-edge table:
//
//	game      p(win)  payout multiplier on a win
//	slot      0.15    uniform {2, 3, 5, 10, 25}
//	roulette  0.47    2
//	dice      0.49    uniform in [1.5, 10.0]
//	plinko    0.20    uniform {1.5, 2, 4, 9, 26, 130, 1000}
//	keno      0.25    uniform {3, 12, 42, 108, 810}
//	mines     0.30    uniform in [2.0, 50.0]
func DefaultTable() *Table {
	x := func(m float64) int64 { return int64(m * Scale) }
	t := &Table{games: make(map[GameKind]Game), share: DefaultShare}
	for _, g := range []Game{
		{Kind: Slot, WinBPS: 1500, Payout: Payout{Choices: []int64{x(2), x(3), x(5), x(10), x(25)}}},
		{Kind: Roulette, WinBPS: 4700, Payout: Payout{Choices: []int64{x(2)}}},
		{Kind: Dice, WinBPS: 4900, Payout: Payout{Min: x(1.5), Max: x(10)}},
		{Kind: Plinko, WinBPS: 2000, Payout: Payout{Choices: []int64{x(1.5), x(2), x(4), x(9), x(26), x(130), x(1000)}}},
		{Kind: Keno, WinBPS: 2500, Payout: Payout{Choices: []int64{x(3), x(12), x(42), x(108), x(810)}}},
		{Kind: Mines, WinBPS: 3000, Payout: Payout{Min: x(2), Max: x(50)}},
	} {
		t.games[g.Kind] = g
	}
	return t
}

// SetWinBPS overrides a game's win probability.
func (t *Table) SetWinBPS(kind GameKind, bps int64) error {
	g, ok := t.games[kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownGame, kind)
	}
	g.WinBPS = bps
	if err := g.validate(); err != nil {
		return err
	}
	t.games[kind] = g
	return nil
}

// SetSavingsShare overrides the loss split.
func (t *Table) SetSavingsShare(s Share) error {
	if s.Den <= 0 || s.Num < 0 || s.Num > s.Den {
		return fmt.Errorf("%w: %s", ErrInvalidShare, s)
	}
	t.share = s
	return nil
}

// SavingsShare returns the configured loss split.
func (t *Table) SavingsShare() Share { return t.share }

// Game returns the table row for kind.
func (t *Table) Game(kind GameKind) (Game, error) {
	g, ok := t.games[kind]
	if !ok {
		return Game{}, fmt.Errorf("%w: %q", ErrUnknownGame, kind)
	}
	return g, nil
}

// Kinds lists the configured games in sorted order.
func (t *Table) Kinds() []GameKind {
	out := make([]GameKind, 0, len(t.games))
	for k := range t.games {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Decide settles one bet. It is deterministic in (kind, stake, rng prefix).
func (t *Table) Decide(kind GameKind, stake int64, rng Source) (Decision, error) {
	g, ok := t.games[kind]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownGame, kind)
	}
	if stake <= 0 {
		return Decision{}, ErrInvalidStake
	}
	d := Decision{Game: kind, SavingsShare: t.share}

	if roll, _ := bits.Mul64(rng.Uint64(), Scale); int64(roll) >= g.WinBPS {
		return d, nil
	}

	v := rng.Uint64()
	var m int64
	if n := len(g.Payout.Choices); n > 0 {
		idx, _ := bits.Mul64(v, uint64(n))
		m = g.Payout.Choices[idx]
	} else {
		off, _ := bits.Mul64(v, uint64(g.Payout.Max-g.Payout.Min+1))
		m = g.Payout.Min + int64(off)
	}

	payout, err := applyMultiplier(stake, m)
	if err != nil {
		return Decision{}, err
	}
	d.Won, d.Payout, d.Multiplier = true, payout, m
	return d, nil
}

func applyMultiplier(stake, m int64) (int64, error) {
	hi, lo := bits.Mul64(uint64(stake), uint64(m))
	if hi >= Scale {
		return 0, ErrPayoutOverflow
	}
	q, _ := bits.Div64(hi, lo, Scale)
	if q > math.MaxInt64 {
		return 0, ErrPayoutOverflow
	}
	return int64(q), nil
}
