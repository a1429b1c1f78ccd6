package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/vaultbet/internal/apperr"
	"github.com/mbd888/vaultbet/internal/currency"
	"github.com/mbd888/vaultbet/internal/events"
	"github.com/mbd888/vaultbet/internal/ledger"
	"github.com/mbd888/vaultbet/internal/syncutil"
)

const (
	usdc = 1_000000 // one USDC in minor units
	dest = "0x742d35cc6634c0532925a3b844bc454e4438f44e"
)

type stubSettler struct {
	mu        sync.Mutex
	ref       string
	err       error
	statuses  map[string]Result
	submitted []string
}

func (s *stubSettler) Submit(_ context.Context, t *Ticket) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, t.ID)
	return s.ref, s.err
}

func (s *stubSettler) Status(_ context.Context, t *Ticket) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res, ok := s.statuses[t.ID]; ok {
		return res, nil
	}
	return Result{Outcome: OutcomePending}, nil
}

func (s *stubSettler) set(id string, res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statuses == nil {
		s.statuses = make(map[string]Result)
	}
	s.statuses[id] = res
}

type flakyStore struct {
	*MemoryStore
	failCreate atomic.Bool
}

func (s *flakyStore) Create(ctx context.Context, t *Ticket) error {
	if s.failCreate.Load() {
		return apperr.New(apperr.TransientStorage, "disk on fire")
	}
	return s.MemoryStore.Create(ctx, t)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	t       *testing.T
	clock   *fakeClock
	ledger  *ledger.Ledger
	store   *flakyStore
	settler *stubSettler
	events  *events.Recorder
	m       *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		clock:   &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		store:   &flakyStore{MemoryStore: NewMemoryStore()},
		settler: &stubSettler{ref: "0xfeed"},
		events:  &events.Recorder{},
	}
	h.ledger = ledger.New(ledger.NewMemoryStore(), ledger.WithClock(h.clock.Now))
	h.m = NewManager(h.ledger, h.store, currency.DefaultTable(), syncutil.NewKeyedMutex(), h.settler,
		WithPublisher(h.events),
		WithClock(h.clock.Now),
	)
	return h
}

func (h *harness) fund(player string, pocket ledger.Pocket, amount int64) {
	h.t.Helper()
	_, err := h.ledger.Post(context.Background(), fmt.Sprintf("fund-%s-%s-%d", player, pocket, rand.Int64()), []ledger.Draft{{
		Debit:  ledger.Chain(currency.USDC),
		Credit: ledger.PlayerAccount(player, currency.USDC, pocket),
		Amount: amount,
		Kind:   ledger.KindDeposit,
	}})
	require.NoError(h.t, err)
}

func (h *harness) available(player string, pocket ledger.Pocket) int64 {
	h.t.Helper()
	a, err := h.ledger.Available(context.Background(), ledger.PlayerAccount(player, currency.USDC, pocket))
	require.NoError(h.t, err)
	return a
}

func (h *harness) balance(player string, pocket ledger.Pocket) int64 {
	h.t.Helper()
	b, err := h.ledger.Balance(context.Background(), ledger.PlayerAccount(player, currency.USDC, pocket))
	require.NoError(h.t, err)
	return b
}

func req(player string, amount int64) Request {
	return Request{Player: player, Currency: currency.USDC, Amount: amount, Destination: dest, Pocket: ledger.Deposit}
}

func TestReserve_ConcurrentOverdraw(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", ledger.Deposit, 100*usdc)

	var (
		wg      sync.WaitGroup
		tickets = make([]*Ticket, 2)
		errs    = make([]error, 2)
	)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tickets[i], errs[i] = h.m.Reserve(context.Background(), req("alice", 60*usdc))
		}()
	}
	wg.Wait()

	var ok *Ticket
	failures := 0
	for i := range 2 {
		if errs[i] == nil {
			ok = tickets[i]
			continue
		}
		failures++
		assert.True(t, apperr.Is(errs[i], apperr.InsufficientAvailable), "got %v", errs[i])
	}
	require.NotNil(t, ok)
	assert.Equal(t, 1, failures)
	assert.Equal(t, Reserved, ok.State)
	assert.Equal(t, int64(40*usdc), h.available("alice", ledger.Deposit))
	assert.Equal(t, int64(100*usdc), h.balance("alice", ledger.Deposit))

	refunded, err := h.m.OnSettlement(context.Background(), ok.ID, Result{Outcome: OutcomeFailed, Reason: "node down"})
	require.NoError(t, err)
	assert.Equal(t, Refunded, refunded.State)
	assert.Equal(t, "node down", refunded.Reason)
	assert.Equal(t, int64(100*usdc), h.available("alice", ledger.Deposit))
}

func TestReserve_Validation(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", ledger.Deposit, 100*usdc)

	tests := []struct {
		name string
		mod  func(*Request)
		kind apperr.Kind
	}{
		{"bad destination", func(r *Request) { r.Destination = "0x1234" }, apperr.InvalidDestination},
		{"wrong chain", func(r *Request) { r.Destination = "DH5yaieqoZN36fDVciNyRueRGvGLR3mr7L" }, apperr.InvalidDestination},
		{"below minimum", func(r *Request) { r.Amount = 4_999999 }, apperr.BelowMinimum},
		{"zero amount", func(r *Request) { r.Amount = 0 }, apperr.Invalid},
		{"liquidity pocket", func(r *Request) { r.Pocket = ledger.Liquidity }, apperr.Invalid},
		{"unknown currency", func(r *Request) { r.Currency = "BTC" }, apperr.Invalid},
		{"system player", func(r *Request) { r.Player = "@house" }, apperr.Invalid},
		{"overdraw", func(r *Request) { r.Amount = 101 * usdc }, apperr.InsufficientAvailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := req("alice", 10*usdc)
			tc.mod(&r)
			_, err := h.m.Reserve(context.Background(), r)
			require.Error(t, err)
			assert.Equal(t, tc.kind, apperr.KindOf(err), "%v", err)
		})
	}

	holds, err := h.ledger.Holds(context.Background())
	require.NoError(t, err)
	assert.Empty(t, holds)
}

func TestReserve_CreateFailureReleasesHold(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", ledger.Deposit, 20*usdc)
	h.store.failCreate.Store(true)

	_, err := h.m.Reserve(context.Background(), req("alice", 10*usdc))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.TransientStorage))
	assert.Equal(t, int64(20*usdc), h.available("alice", ledger.Deposit))
}

func TestWithdraw_Confirmed(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", ledger.Winnings, 50*usdc)

	r := req("alice", 30*usdc)
	r.Pocket = ledger.Winnings
	tk, err := h.m.Withdraw(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, Submitted, tk.State)
	assert.Equal(t, "0xfeed", tk.TxRef)
	require.NotNil(t, tk.SubmittedAt)

	done, err := h.m.OnSettlement(context.Background(), tk.ID, Result{Outcome: OutcomeConfirmed})
	require.NoError(t, err)
	assert.Equal(t, Confirmed, done.State)
	assert.Equal(t, "0xfeed", done.TxRef)
	require.NotNil(t, done.SettledAt)

	assert.Equal(t, int64(20*usdc), h.balance("alice", ledger.Winnings))
	assert.Equal(t, int64(20*usdc), h.available("alice", ledger.Winnings))

	entries, err := h.ledger.Correlated(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.KindWithdrawalSettle, entries[0].Kind)
	assert.Equal(t, int64(30*usdc), entries[0].Amount)
	assert.Equal(t, ledger.Chain(currency.USDC), entries[0].Credit)
	assert.Equal(t, dest, entries[0].Metadata["destination"])

	evs := h.events.Events(events.WithdrawalUpdated)
	require.Len(t, evs, 3) // reserved, submitted, confirmed
}

func TestOnSettlement_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", ledger.Deposit, 50*usdc)
	ctx := context.Background()

	confirmed, err := h.m.Withdraw(ctx, req("alice", 10*usdc))
	require.NoError(t, err)
	_, err = h.m.OnSettlement(ctx, confirmed.ID, Result{Outcome: OutcomeConfirmed, TxRef: "0xabc"})
	require.NoError(t, err)

	again, err := h.m.OnSettlement(ctx, confirmed.ID, Result{Outcome: OutcomeConfirmed, TxRef: "0xabc"})
	require.NoError(t, err)
	assert.Equal(t, Confirmed, again.State)
	_, err = h.m.OnSettlement(ctx, confirmed.ID, Result{Outcome: OutcomeFailed})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	failed, err := h.m.Withdraw(ctx, req("alice", 10*usdc))
	require.NoError(t, err)
	_, err = h.m.OnSettlement(ctx, failed.ID, Result{Outcome: OutcomeFailed})
	require.NoError(t, err)
	again, err = h.m.OnSettlement(ctx, failed.ID, Result{Outcome: OutcomeFailed, Reason: "later"})
	require.NoError(t, err)
	assert.Equal(t, Refunded, again.State)
	assert.Equal(t, "settlement failed", again.Reason)
	_, err = h.m.OnSettlement(ctx, failed.ID, Result{Outcome: OutcomeConfirmed})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	settles, err := h.ledger.Correlated(ctx, confirmed.ID)
	require.NoError(t, err)
	assert.Len(t, settles, 1)
	assert.Equal(t, int64(40*usdc), h.balance("alice", ledger.Deposit))
}

func TestOnSettlement_Rejects(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", ledger.Deposit, 50*usdc)
	ctx := context.Background()

	tk, err := h.m.Reserve(ctx, req("alice", 10*usdc))
	require.NoError(t, err)

	_, err = h.m.OnSettlement(ctx, tk.ID, Result{Outcome: OutcomeConfirmed})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = h.m.OnSettlement(ctx, tk.ID, Result{Outcome: "maybe"})
	assert.True(t, apperr.Is(err, apperr.Invalid))
	_, err = h.m.OnSettlement(ctx, "wdt_missing", Result{Outcome: OutcomeFailed})
	assert.ErrorIs(t, err, ErrTicketNotFound)

	_, err = h.m.Submit(ctx, tk.ID)
	require.NoError(t, err)
	_, err = h.m.Submit(ctx, tk.ID)
	assert.True(t, apperr.Is(err, apperr.ConflictingState))
}

func TestSubmit_SettlerErrorRefunds(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", ledger.Savings, 50*usdc)
	h.settler.err = errors.New("payout service unavailable")

	r := req("alice", 25*usdc)
	r.Pocket = ledger.Savings
	tk, err := h.m.Withdraw(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, Refunded, tk.State)
	assert.Contains(t, tk.Reason, "settlement rejected")
	assert.Contains(t, tk.Reason, "payout service unavailable")
	assert.Equal(t, int64(50*usdc), h.available("alice", ledger.Savings))
}

func TestExpire(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", ledger.Deposit, 100*usdc)
	ctx := context.Background()

	stale, err := h.m.Reserve(ctx, req("alice", 10*usdc))
	require.NoError(t, err)
	submitted, err := h.m.Withdraw(ctx, req("alice", 10*usdc))
	require.NoError(t, err)
	orphan := ledger.PlayerAccount("alice", currency.USDC, ledger.Deposit)
	require.NoError(t, h.ledger.Reserve(ctx, orphan, 5*usdc, "wdt_orphan"))

	h.clock.Advance(DefaultTTL / 2)
	fresh, err := h.m.Reserve(ctx, req("alice", 10*usdc))
	require.NoError(t, err)
	assert.Equal(t, int64(65*usdc), h.available("alice", ledger.Deposit))

	h.clock.Advance(DefaultTTL/2 + time.Second)
	n, err := h.m.Expire(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.m.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, Refunded, got.State)
	assert.Contains(t, got.Reason, "expired")

	got, err = h.m.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, Reserved, got.State)
	got, err = h.m.Get(ctx, submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, Submitted, got.State)

	// stale and orphan released; fresh and submitted still held
	assert.Equal(t, int64(80*usdc), h.available("alice", ledger.Deposit))

	n, err = h.m.Expire(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReconcile(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", ledger.Deposit, 100*usdc)
	ctx := context.Background()

	var ids []string
	for range 4 {
		tk, err := h.m.Withdraw(ctx, req("alice", 10*usdc))
		require.NoError(t, err)
		ids = append(ids, tk.ID)
	}
	h.settler.set(ids[0], Result{Outcome: OutcomeConfirmed, TxRef: "0x01"})
	h.settler.set(ids[1], Result{Outcome: OutcomeFailed, Reason: "reverted"})
	// ids[2] stays pending; ids[3] is confirmed by callback first
	_, err := h.m.OnSettlement(ctx, ids[3], Result{Outcome: OutcomeConfirmed})
	require.NoError(t, err)

	rep, err := h.m.Reconcile(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, rep.Checked, "nothing is past the SLA yet")

	h.clock.Advance(DefaultSLA + time.Minute)
	rep, err = h.m.Reconcile(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Checked: 3, Confirmed: 1, Refunded: 1, Pending: 1}, rep)

	first, _ := h.m.Get(ctx, ids[0])
	assert.Equal(t, Confirmed, first.State)
	assert.Equal(t, "0x01", first.TxRef)
	second, _ := h.m.Get(ctx, ids[1])
	assert.Equal(t, Refunded, second.State)
	assert.Equal(t, "reverted", second.Reason)

	rep, err = h.m.Reconcile(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Checked: 1, Pending: 1}, rep)

	assert.Equal(t, int64(80*usdc), h.balance("alice", ledger.Deposit))
	assert.Equal(t, int64(70*usdc), h.available("alice", ledger.Deposit))
}

// Every ticket ends with exactly one of: a withdrawal_settle entry, or a
// refunded state with no such entry.
func TestTicketLifecycleProperty(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", ledger.Deposit, 1000*usdc)
	h.fund("bob", ledger.Deposit, 1000*usdc)
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(7, 11))

	var (
		mu  sync.Mutex
		ids []string
		wg  sync.WaitGroup
	)
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			player := "alice"
			if g%2 == 1 {
				player = "bob"
			}
			for i := range 10 {
				tk, err := h.m.Withdraw(ctx, req(player, int64(5+i)*usdc))
				if err != nil {
					continue
				}
				mu.Lock()
				ids = append(ids, tk.ID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.NotEmpty(t, ids)

	for _, id := range ids {
		outcome := OutcomeConfirmed
		if rng.IntN(3) == 0 {
			outcome = OutcomeFailed
		}
		// Deliver twice, as a flaky callback would.
		_, err := h.m.OnSettlement(ctx, id, Result{Outcome: outcome})
		require.NoError(t, err)
		_, err = h.m.OnSettlement(ctx, id, Result{Outcome: outcome})
		require.NoError(t, err)
	}

	var settled int64
	for _, id := range ids {
		tk, err := h.m.Get(ctx, id)
		require.NoError(t, err)
		entries, err := h.ledger.Correlated(ctx, id)
		require.NoError(t, err)
		switch tk.State {
		case Confirmed:
			require.Len(t, entries, 1, id)
			assert.Equal(t, tk.Amount, entries[0].Amount)
			settled += tk.Amount
		case Refunded:
			assert.Empty(t, entries, id)
		default:
			t.Fatalf("ticket %s left in %s", id, tk.State)
		}
	}

	holds, err := h.ledger.Holds(ctx)
	require.NoError(t, err)
	assert.Empty(t, holds)
	total := h.balance("alice", ledger.Deposit) + h.balance("bob", ledger.Deposit)
	assert.Equal(t, int64(2000*usdc)-settled, total)

	mismatches, err := h.ledger.Verify(ctx)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestSimulatedSettler_CallsBack(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore())
	sim := NewSimulatedSettler(10 * time.Millisecond)
	sim.FailWhen(func(tk *Ticket) string {
		if tk.Amount > 50*usdc {
			return "amount over hot wallet limit"
		}
		return ""
	})
	m := NewManager(l, NewMemoryStore(), currency.DefaultTable(), syncutil.NewKeyedMutex(), sim)
	sim.Attach(m.OnSettlement)

	_, err := l.Post(context.Background(), "fund", []ledger.Draft{{
		Debit:  ledger.Chain(currency.USDC),
		Credit: ledger.PlayerAccount("alice", currency.USDC, ledger.Deposit),
		Amount: 200 * usdc,
		Kind:   ledger.KindDeposit,
	}})
	require.NoError(t, err)

	small, err := m.Withdraw(context.Background(), req("alice", 20*usdc))
	require.NoError(t, err)
	assert.Contains(t, small.TxRef, "sim_")
	large, err := m.Withdraw(context.Background(), req("alice", 60*usdc))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		a, _ := m.Get(context.Background(), small.ID)
		b, _ := m.Get(context.Background(), large.ID)
		return a.State == Confirmed && b.State == Refunded
	}, 2*time.Second, 5*time.Millisecond)

	b, err := m.Get(context.Background(), large.ID)
	require.NoError(t, err)
	assert.Equal(t, "amount over hot wallet limit", b.Reason)

	res, err := sim.Status(context.Background(), small)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, res.Outcome)
}
