package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/vaultbet/internal/apperr"
	"github.com/mbd888/vaultbet/internal/currency"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises a Store through the Ledger. Both the memory
// and postgres stores must pass it.
func runStoreContract(t *testing.T, newLedger func(t *testing.T) *Ledger) {
	t.Run("deposit and balance", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		fund(t, l, "alice", currency.CRT, 100)

		bal, err := l.Balance(ctx, PlayerAccount("alice", currency.CRT, Deposit))
		require.NoError(t, err)
		assert.Equal(t, int64(100), bal)

		chain, err := l.Balance(ctx, Chain(currency.CRT))
		require.NoError(t, err)
		assert.Equal(t, int64(-100), chain)
	})

	t.Run("insufficient funds leaves nothing behind", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		fund(t, l, "bob", currency.CRT, 5)

		_, err := l.Post(ctx, "bet-1", []Draft{{
			Debit:  PlayerAccount("bob", currency.CRT, Deposit),
			Credit: House(currency.CRT),
			Amount: 10,
			Kind:   KindWagerStake,
		}})
		require.ErrorIs(t, err, ErrInsufficientFunds)
		assert.True(t, apperr.Is(err, apperr.InsufficientFunds))

		bal, _ := l.Balance(ctx, PlayerAccount("bob", currency.CRT, Deposit))
		assert.Equal(t, int64(5), bal)
		prior, err := l.Correlated(ctx, "bet-1")
		require.NoError(t, err)
		assert.Empty(t, prior)
	})

	t.Run("failed batch is all or nothing", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		fund(t, l, "carol", currency.CRT, 50)

		_, err := l.Post(ctx, "multi", []Draft{
			{Debit: PlayerAccount("carol", currency.CRT, Deposit), Credit: House(currency.CRT), Amount: 30, Kind: KindWagerStake},
			{Debit: PlayerAccount("carol", currency.CRT, Deposit), Credit: House(currency.CRT), Amount: 30, Kind: KindWagerStake},
		})
		require.ErrorIs(t, err, ErrInsufficientFunds)
		bal, _ := l.Balance(ctx, PlayerAccount("carol", currency.CRT, Deposit))
		assert.Equal(t, int64(50), bal)
	})

	t.Run("idempotent repost", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		drafts := []Draft{{Debit: Chain(currency.DOGE), Credit: PlayerAccount("dan", currency.DOGE, Deposit), Amount: 42, Kind: KindDeposit}}

		first, err := l.Post(ctx, "tx-abc", drafts)
		require.NoError(t, err)
		again, err := l.Post(ctx, "tx-abc", drafts)
		require.NoError(t, err)
		require.Len(t, again, 1)
		assert.Equal(t, first[0].ID, again[0].ID)

		bal, _ := l.Balance(ctx, PlayerAccount("dan", currency.DOGE, Deposit))
		assert.Equal(t, int64(42), bal)

		drafts[0].Amount = 43
		_, err = l.Post(ctx, "tx-abc", drafts)
		assert.ErrorIs(t, err, ErrDuplicateCorrelation)
	})

	t.Run("batch ids are contiguous and ordered", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		entries, err := l.Post(ctx, "batch", []Draft{
			{Debit: Chain(currency.TRX), Credit: PlayerAccount("erin", currency.TRX, Deposit), Amount: 1, Kind: KindDeposit},
			{Debit: Chain(currency.TRX), Credit: PlayerAccount("erin", currency.TRX, Deposit), Amount: 2, Kind: KindDeposit},
			{Debit: Chain(currency.TRX), Credit: PlayerAccount("erin", currency.TRX, Deposit), Amount: 3, Kind: KindDeposit},
		})
		require.NoError(t, err)
		for i := 1; i < len(entries); i++ {
			assert.Equal(t, entries[i-1].ID+1, entries[i].ID)
			assert.Equal(t, "erin", entries[i].Player)
		}
	})

	t.Run("reserve blocks spending and consume settles", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		acct := PlayerAccount("fay", currency.USDC, Deposit)
		fund(t, l, "fay", currency.USDC, 100)

		require.NoError(t, l.Reserve(ctx, acct, 60, "wdt_1"))
		require.NoError(t, l.Reserve(ctx, acct, 60, "wdt_1"), "same hold twice is a no-op")

		avail, err := l.Available(ctx, acct)
		require.NoError(t, err)
		assert.Equal(t, int64(40), avail)

		_, err = l.Post(ctx, "bet-x", []Draft{{Debit: acct, Credit: House(currency.USDC), Amount: 50, Kind: KindWagerStake}})
		assert.ErrorIs(t, err, ErrInsufficientFunds)

		err = l.Reserve(ctx, acct, 41, "wdt_2")
		assert.ErrorIs(t, err, ErrInsufficientAvailable)

		settled, err := l.Consume(ctx, "wdt_1", map[string]string{"tx_ref": "0xabc"})
		require.NoError(t, err)
		require.Len(t, settled, 1)
		assert.Equal(t, KindWithdrawalSettle, settled[0].Kind)
		assert.Equal(t, int64(60), settled[0].Amount)

		again, err := l.Consume(ctx, "wdt_1", nil)
		require.NoError(t, err)
		assert.Equal(t, settled[0].ID, again[0].ID)

		bal, _ := l.Balance(ctx, acct)
		assert.Equal(t, int64(40), bal)
		avail, _ = l.Available(ctx, acct)
		assert.Equal(t, int64(40), avail)

		err = l.Reserve(ctx, acct, 10, "wdt_1")
		assert.ErrorIs(t, err, ErrDuplicateCorrelation, "a settled ticket cannot hold again")
	})

	t.Run("release restores available", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		acct := PlayerAccount("gus", currency.SOL, Savings)
		_, err := l.Post(ctx, "seed", []Draft{{Debit: House(currency.SOL), Credit: acct, Amount: 100, Kind: KindSavingsSweep}})
		require.NoError(t, err)

		require.NoError(t, l.Reserve(ctx, acct, 60, "t1"))
		h, err := l.Release(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, int64(60), h.Amount)

		_, err = l.Release(ctx, "t1")
		assert.ErrorIs(t, err, ErrHoldNotFound)

		avail, _ := l.Available(ctx, acct)
		assert.Equal(t, int64(100), avail)
		_, err = l.Consume(ctx, "t1", nil)
		assert.ErrorIs(t, err, ErrHoldNotFound)
	})

	t.Run("concurrent reserves never overcommit", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		acct := PlayerAccount("hal", currency.CRT, Deposit)
		fund(t, l, "hal", currency.CRT, 100)

		var wg sync.WaitGroup
		var ok, short atomic.Int32
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := l.Reserve(ctx, acct, 60, fmt.Sprintf("c-%d", i))
				switch {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, ErrInsufficientAvailable):
					short.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), ok.Load())
		assert.Equal(t, int32(1), short.Load())
	})

	t.Run("history pages lazily and restarts", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		for i := 0; i < 7; i++ {
			fund(t, l, "ivy", currency.CRT, int64(i+1))
		}
		fund(t, l, "someone-else", currency.CRT, 1)

		var ids []int64
		for e, err := range l.History(ctx, "ivy", Filter{PageSize: 3}) {
			require.NoError(t, err)
			ids = append(ids, e.ID)
		}
		require.Len(t, ids, 7)
		for i := 1; i < len(ids); i++ {
			assert.Less(t, ids[i-1], ids[i])
		}

		var resumed []int64
		for e, err := range l.History(ctx, "ivy", Filter{After: ids[3], PageSize: 2}) {
			require.NoError(t, err)
			resumed = append(resumed, e.ID)
		}
		assert.Equal(t, ids[4:], resumed)

		page, next, err := l.Page(ctx, "ivy", Filter{}, 5)
		require.NoError(t, err)
		assert.Len(t, page, 5)
		assert.Equal(t, ids[4], next)
	})

	t.Run("history filters by pocket and kind", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		fund(t, l, "jay", currency.CRT, 100)
		_, err := l.Post(ctx, "w1", []Draft{
			{Debit: PlayerAccount("jay", currency.CRT, Deposit), Credit: House(currency.CRT), Amount: 10, Kind: KindWagerStake},
			{Debit: House(currency.CRT), Credit: PlayerAccount("jay", currency.CRT, Savings), Amount: 9, Kind: KindSavingsSweep},
			{Debit: House(currency.CRT), Credit: PlayerAccount("jay", currency.CRT, Liquidity), Amount: 1, Kind: KindLiquiditySweep},
		})
		require.NoError(t, err)

		var sweeps []*Entry
		for e, err := range l.History(ctx, "jay", Filter{Pocket: Savings}) {
			require.NoError(t, err)
			sweeps = append(sweeps, e)
		}
		require.Len(t, sweeps, 1)
		assert.Equal(t, KindSavingsSweep, sweeps[0].Kind)

		var stakes int
		for _, err := range l.History(ctx, "jay", Filter{Kinds: []Kind{KindWagerStake, KindDeposit}}) {
			require.NoError(t, err)
			stakes++
		}
		assert.Equal(t, 2, stakes)
	})

	t.Run("replay reproduces live balances", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		rng := rand.New(rand.NewPCG(7, 11))
		players := []string{"p1", "p2", "p3"}
		pockets := []Pocket{Deposit, Winnings, Gaming}

		for i := 0; i < 200; i++ {
			p := players[rng.IntN(len(players))]
			cur := []currency.Code{currency.CRT, currency.DOGE}[rng.IntN(2)]
			amt := rng.Int64N(50) + 1
			var d Draft
			switch rng.IntN(3) {
			case 0:
				d = Draft{Debit: Chain(cur), Credit: PlayerAccount(p, cur, Deposit), Amount: amt, Kind: KindDeposit}
			case 1:
				d = Draft{Debit: PlayerAccount(p, cur, pockets[rng.IntN(3)]), Credit: House(cur), Amount: amt, Kind: KindWagerStake}
			default:
				d = Draft{Debit: House(cur), Credit: PlayerAccount(p, cur, Winnings), Amount: amt, Kind: KindWagerPayout}
			}
			_, err := l.Post(ctx, fmt.Sprintf("op-%d", i), []Draft{d})
			if err != nil {
				require.ErrorIs(t, err, ErrInsufficientFunds)
			}
		}

		mismatches, err := l.Verify(ctx)
		require.NoError(t, err)
		assert.Empty(t, mismatches)

		replayed, err := l.Rebuild(ctx)
		require.NoError(t, err)
		for cur, total := range SystemTotals(replayed) {
			assert.Zero(t, total, cur)
		}
		for a, v := range replayed {
			if !a.IsSystem() {
				assert.GreaterOrEqual(t, v, int64(0), a.String())
			}
		}
	})

	t.Run("concurrent debits never go negative", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		acct := PlayerAccount("kim", currency.CRT, Deposit)
		fund(t, l, "kim", currency.CRT, 100)

		var wg sync.WaitGroup
		var ok atomic.Int32
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := l.Post(ctx, fmt.Sprintf("spend-%d", i), []Draft{{Debit: acct, Credit: House(currency.CRT), Amount: 7, Kind: KindWagerStake}})
				if err == nil {
					ok.Add(1)
				} else if !errors.Is(err, ErrInsufficientFunds) && !apperr.Is(err, apperr.TransientStorage) {
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		bal, _ := l.Balance(ctx, acct)
		assert.GreaterOrEqual(t, bal, int64(0))
		assert.Equal(t, int64(100)-7*int64(ok.Load()), bal)
		assert.LessOrEqual(t, ok.Load(), int32(14))
	})
}

func fund(t *testing.T, l *Ledger, player string, cur currency.Code, amount int64) {
	t.Helper()
	_, err := l.Post(context.Background(), fmt.Sprintf("dep-%s-%d", player, time.Now().UnixNano()), []Draft{{
		Debit:  Chain(cur),
		Credit: PlayerAccount(player, cur, Deposit),
		Amount: amount,
		Kind:   KindDeposit,
	}})
	require.NoError(t, err)
}
