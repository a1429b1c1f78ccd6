package withdrawal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/vaultbet/internal/currency"
	"github.com/mbd888/vaultbet/internal/ledger"
	"github.com/mbd888/vaultbet/internal/testutil"
)

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestPostgresStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		db, cleanup := testutil.PGTest(t)
		t.Cleanup(cleanup)
		return NewPostgresStore(db)
	})
}

func sampleTicket(id, player string, at time.Time, state State) *Ticket {
	return &Ticket{
		ID:          id,
		Player:      player,
		Currency:    currency.USDC,
		Amount:      12_500000,
		Destination: dest,
		Pocket:      ledger.Savings,
		State:       state,
		CreatedAt:   at,
	}
}

func runStoreContract(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("create and get", func(t *testing.T) {
		s := open(t)
		tk := sampleTicket("wdt_a", "alice", base, Reserved)
		require.NoError(t, s.Create(ctx, tk))

		got, err := s.Get(ctx, "wdt_a")
		require.NoError(t, err)
		assert.Equal(t, tk.Amount, got.Amount)
		assert.Equal(t, currency.USDC, got.Currency)
		assert.Equal(t, ledger.Savings, got.Pocket)
		assert.Equal(t, dest, got.Destination)
		assert.Equal(t, Reserved, got.State)
		assert.True(t, base.Equal(got.CreatedAt))
		assert.Nil(t, got.SubmittedAt)
		assert.Empty(t, got.TxRef)

		assert.ErrorIs(t, s.Create(ctx, tk), ErrTicketExists)
		_, err = s.Get(ctx, "wdt_missing")
		assert.ErrorIs(t, err, ErrTicketNotFound)
	})

	t.Run("update", func(t *testing.T) {
		s := open(t)
		tk := sampleTicket("wdt_u", "bob", base, Reserved)
		require.NoError(t, s.Create(ctx, tk))

		submitted, settled := base.Add(time.Second), base.Add(time.Minute)
		tk.State, tk.SubmittedAt, tk.SettledAt, tk.TxRef = Confirmed, &submitted, &settled, "0xbeef"
		require.NoError(t, s.Update(ctx, tk))

		got, err := s.Get(ctx, "wdt_u")
		require.NoError(t, err)
		assert.Equal(t, Confirmed, got.State)
		assert.Equal(t, "0xbeef", got.TxRef)
		require.NotNil(t, got.SubmittedAt)
		require.NotNil(t, got.SettledAt)
		assert.True(t, settled.Equal(*got.SettledAt))

		assert.ErrorIs(t, s.Update(ctx, sampleTicket("wdt_ghost", "bob", base, Reserved)), ErrTicketNotFound)
	})

	t.Run("stored copies are isolated", func(t *testing.T) {
		s := open(t)
		tk := sampleTicket("wdt_i", "carol", base, Reserved)
		require.NoError(t, s.Create(ctx, tk))
		tk.State = Refunded

		got, err := s.Get(ctx, "wdt_i")
		require.NoError(t, err)
		assert.Equal(t, Reserved, got.State)
	})

	t.Run("list by player newest first", func(t *testing.T) {
		s := open(t)
		for i, id := range []string{"wdt_1", "wdt_2", "wdt_3"} {
			require.NoError(t, s.Create(ctx, sampleTicket(id, "dave", base.Add(time.Duration(i)*time.Second), Reserved)))
		}
		require.NoError(t, s.Create(ctx, sampleTicket("wdt_x", "erin", base, Reserved)))

		got, err := s.ListByPlayer(ctx, "dave", 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "wdt_3", got[0].ID)
		assert.Equal(t, "wdt_2", got[1].ID)
	})

	t.Run("list open filters state and age", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Create(ctx, sampleTicket("wdt_old", "frank", base, Reserved)))
		require.NoError(t, s.Create(ctx, sampleTicket("wdt_older", "frank", base.Add(-time.Hour), Reserved)))
		require.NoError(t, s.Create(ctx, sampleTicket("wdt_new", "frank", base.Add(time.Hour), Reserved)))
		require.NoError(t, s.Create(ctx, sampleTicket("wdt_sub", "frank", base, Submitted)))

		got, err := s.ListOpen(ctx, Reserved, base, 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "wdt_older", got[0].ID)
		assert.Equal(t, "wdt_old", got[1].ID)

		got, err = s.ListOpen(ctx, Submitted, base, 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "wdt_sub", got[0].ID)
	})
}
