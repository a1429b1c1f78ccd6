package policy

import (
	"errors"
	"math"
	"testing"

	"github.com/mbd888/vaultbet/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecide_ForcedLoss(t *testing.T) {
	tbl := DefaultTable()
	for _, kind := range tbl.Kinds() {
		d, err := tbl.Decide(kind, 10, AlwaysLose())
		require.NoError(t, err)
		assert.False(t, d.Won, kind)
		assert.Zero(t, d.Payout, kind)
		assert.Equal(t, DefaultShare, d.SavingsShare)
	}
}

func TestDecide_ForcedWinLowestMultiplier(t *testing.T) {
	tbl := DefaultTable()
	want := map[GameKind]int64{
		Slot:     20,
		Roulette: 20,
		Dice:     15,
		Plinko:   15,
		Keno:     30,
		Mines:    20,
	}
	for kind, payout := range want {
		d, err := tbl.Decide(kind, 10, AlwaysWin())
		require.NoError(t, err)
		assert.True(t, d.Won, kind)
		assert.Equal(t, payout, d.Payout, kind)
	}
}

func TestDecide_HighestMultiplier(t *testing.T) {
	tbl := DefaultTable()
	top := ^uint64(0)

	d, err := tbl.Decide(Plinko, 3, Fixed(0, top))
	require.NoError(t, err)
	assert.Equal(t, int64(3000), d.Payout)

	d, err = tbl.Decide(Dice, 10, Fixed(0, top))
	require.NoError(t, err)
	assert.Equal(t, int64(10*Scale), d.Multiplier)
	assert.Equal(t, int64(100), d.Payout)

	d, err = tbl.Decide(Mines, 7, Fixed(0, top))
	require.NoError(t, err)
	assert.Equal(t, int64(350), d.Payout)
}

func TestDecide_ContinuousFloorsToMinorUnit(t *testing.T) {
	tbl := DefaultTable()
	// hi64(v * span) lands mid-range; the payout is floored, never rounded up.
	d, err := tbl.Decide(Dice, 3, Fixed(0, 1<<63))
	require.NoError(t, err)
	require.True(t, d.Won)
	exact := float64(3) * float64(d.Multiplier) / Scale
	assert.Equal(t, int64(math.Floor(exact)), d.Payout)
	assert.GreaterOrEqual(t, d.Multiplier, int64(15000))
	assert.LessOrEqual(t, d.Multiplier, int64(100000))
}

func TestDecide_WinThresholdIsExact(t *testing.T) {
	tbl := DefaultTable()
	// roulette wins iff hi64(u*10000) < 4700
	threshold := uint64(math.MaxUint64/Scale) * 4700
	d, err := tbl.Decide(Roulette, 1, Fixed(threshold-Scale, 0))
	require.NoError(t, err)
	assert.True(t, d.Won)

	d, err = tbl.Decide(Roulette, 1, Fixed(threshold+2*Scale, 0))
	require.NoError(t, err)
	assert.False(t, d.Won)
}

func TestDecide_Deterministic(t *testing.T) {
	tbl := DefaultTable()
	seed, err := ParseSeed("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	require.NoError(t, err)

	for _, kind := range tbl.Kinds() {
		for stake := int64(1); stake < 200; stake += 17 {
			a, err := tbl.Decide(kind, stake, NewStream(seed))
			require.NoError(t, err)
			b, err := tbl.Decide(kind, stake, NewStream(seed))
			require.NoError(t, err)
			assert.Equal(t, a, b)
		}
	}
}

func TestDecide_EmpiricalWinRate(t *testing.T) {
	tbl := DefaultTable()
	var seed Seed
	seed[0] = 42
	rng := NewStream(seed)
	const n = 100_000

	for _, kind := range tbl.Kinds() {
		g, _ := tbl.Game(kind)
		wins := 0
		for i := 0; i < n; i++ {
			d, err := tbl.Decide(kind, 100, rng)
			require.NoError(t, err)
			if d.Won {
				wins++
			}
		}
		rate := float64(wins) / n
		assert.InDelta(t, float64(g.WinBPS)/Scale, rate, 0.01, kind)
	}
}

func TestDecide_Errors(t *testing.T) {
	tbl := DefaultTable()

	_, err := tbl.Decide("blackjack", 10, AlwaysWin())
	assert.ErrorIs(t, err, ErrUnknownGame)
	assert.Equal(t, apperr.UnknownGame, apperr.KindOf(err))

	_, err = tbl.Decide(Slot, 0, AlwaysWin())
	assert.ErrorIs(t, err, ErrInvalidStake)
	_, err = tbl.Decide(Slot, -3, AlwaysWin())
	assert.ErrorIs(t, err, ErrInvalidStake)

	_, err = tbl.Decide(Plinko, math.MaxInt64/10, Fixed(0, ^uint64(0)))
	assert.True(t, errors.Is(err, ErrPayoutOverflow))
	assert.Equal(t, apperr.Internal, apperr.KindOf(err))
}

func TestShare_Split(t *testing.T) {
	cases := []struct {
		stake, savings, liquidity int64
	}{
		{10, 9, 1},
		{30, 27, 3},
		{1, 0, 1},
		{7, 6, 1},
		{math.MaxInt64, 8301034833169298226, 922337203685477581},
	}
	for _, c := range cases {
		s, l := DefaultShare.Split(c.stake)
		assert.Equal(t, c.savings, s, c.stake)
		assert.Equal(t, c.liquidity, l, c.stake)
		assert.Equal(t, c.stake, s+l)
	}

	all := Share{Num: 1, Den: 1}
	s, l := all.Split(55)
	assert.Equal(t, int64(55), s)
	assert.Zero(t, l)
}

func TestParseShare(t *testing.T) {
	s, err := ParseShare("9/10")
	require.NoError(t, err)
	assert.Equal(t, Share{9, 10}, s)

	s, err = ParseShare("0.75")
	require.NoError(t, err)
	assert.Equal(t, Share{7500, Scale}, s)

	for _, bad := range []string{"", "x/10", "11/10", "1/0", "-1/2", "1.5"} {
		_, err := ParseShare(bad)
		assert.ErrorIs(t, err, ErrInvalidShare, bad)
	}
}

func TestTable_Overrides(t *testing.T) {
	tbl := DefaultTable()
	require.NoError(t, tbl.SetWinBPS(Slot, 0))
	d, err := tbl.Decide(Slot, 10, AlwaysWin())
	require.NoError(t, err)
	assert.False(t, d.Won, "zero probability never wins")

	assert.ErrorIs(t, tbl.SetWinBPS(Slot, 10001), ErrInvalidGame)
	assert.ErrorIs(t, tbl.SetWinBPS("poker", 10), ErrUnknownGame)
	assert.ErrorIs(t, tbl.SetSavingsShare(Share{3, 2}), ErrInvalidShare)
	require.NoError(t, tbl.SetSavingsShare(Share{1, 2}))
	assert.Equal(t, Share{1, 2}, tbl.SavingsShare())
}

func TestSeed_RoundTrip(t *testing.T) {
	var s Seed
	for i := range s {
		s[i] = byte(i * 7)
	}
	parsed, err := ParseSeed(s.String())
	require.NoError(t, err)
	assert.Equal(t, s, parsed)

	_, err = ParseSeed("abcd")
	assert.Error(t, err)
}
