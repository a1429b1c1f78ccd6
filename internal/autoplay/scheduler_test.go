package autoplay

import (
	"context"
	"errors"
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
	"github.com/mbd888/vaultbet/internal/policy"
	"github.com/mbd888/vaultbet/internal/syncutil"
	"github.com/mbd888/vaultbet/internal/wager"
)

const unit = 1_000000 // one CRT

const (
	waitFor = 2 * time.Second
	poll    = 2 * time.Millisecond
)

type harness struct {
	t      *testing.T
	ledger *ledger.Ledger
	coord  *wager.Coordinator
	store  *MemoryStore
	events *events.Recorder
	sched  *Scheduler
	win    atomic.Bool
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		ledger: ledger.New(ledger.NewMemoryStore()),
		store:  NewMemoryStore(),
		events: &events.Recorder{},
	}
	h.coord = wager.NewCoordinator(h.ledger, wager.NewMemoryStore(), policy.DefaultTable(), currency.DefaultTable(), syncutil.NewKeyedMutex(),
		wager.WithStreams(func(policy.Seed) policy.Source {
			if h.win.Load() {
				return policy.AlwaysWin()
			}
			return policy.AlwaysLose()
		}),
	)
	h.sched = h.scheduler(h.coord, opts...)
	return h
}

func (h *harness) scheduler(b Bettor, opts ...Option) *Scheduler {
	opts = append([]Option{WithMinDelay(time.Millisecond), WithPublisher(h.events)}, opts...)
	s := NewScheduler(b, h.ledger, policy.DefaultTable(), currency.DefaultTable(), h.store, opts...)
	h.t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func (h *harness) fund(player string, amount int64) {
	h.t.Helper()
	_, err := h.ledger.Post(context.Background(), "fund-"+player+"-"+time.Now().Format(time.RFC3339Nano), []ledger.Draft{{
		Debit:  ledger.Chain(currency.CRT),
		Credit: ledger.PlayerAccount(player, currency.CRT, ledger.Deposit),
		Amount: amount,
		Kind:   ledger.KindDeposit,
	}})
	require.NoError(h.t, err)
}

func (h *harness) balance(player string, pocket ledger.Pocket) int64 {
	h.t.Helper()
	b, err := h.ledger.Balance(context.Background(), ledger.PlayerAccount(player, currency.CRT, pocket))
	require.NoError(h.t, err)
	return b
}

func (h *harness) games(player string) int {
	h.t.Helper()
	st, err := h.coord.Stats(context.Background(), player)
	require.NoError(h.t, err)
	return int(st.Games)
}

// await blocks until the plan leaves the active states.
func (h *harness) await(s *Scheduler, id string) *Status {
	h.t.Helper()
	var st *Status
	require.Eventually(h.t, func() bool {
		var err error
		st, err = s.Get(context.Background(), id)
		require.NoError(h.t, err)
		return !st.Plan.State.Active()
	}, waitFor, poll)
	return st
}

func plan(player string, stake int64) PlanRequest {
	return PlanRequest{
		Player:        player,
		Currency:      currency.CRT,
		Stake:         stake,
		GameKinds:     []policy.GameKind{policy.Slot},
		InterBetDelay: time.Millisecond,
	}
}

func TestAutoplay_LossLimitStopsAfterExactBets(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", 100*unit)

	req := plan("alice", 5*unit)
	req.StopOnTotalLoss = 20 * unit
	p, err := h.sched.Start(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, Running, p.State)

	st := h.await(h.sched, p.ID)
	assert.Equal(t, Completed, st.Plan.State)
	assert.Equal(t, ReasonLossLimit, st.Plan.StopReason)
	require.Len(t, st.Sessions, 1)
	assert.Equal(t, 4, st.Sessions[0].BetsPlaced)
	assert.Equal(t, int64(-20*unit), st.Sessions[0].NetChange)
	assert.NotNil(t, st.Sessions[0].EndedAt)

	assert.Equal(t, 4, h.games("alice"))
	assert.Equal(t, int64(80*unit), h.balance("alice", ledger.Deposit))
	assert.Equal(t, int64(18*unit), h.balance("alice", ledger.Savings))
	assert.Equal(t, int64(2*unit), h.balance("alice", ledger.Liquidity))

	mismatches, err := h.ledger.Verify(context.Background())
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestAutoplay_GainTarget(t *testing.T) {
	h := newHarness(t)
	h.win.Store(true)
	h.fund("bob", 50*unit)

	req := plan("bob", 5*unit)
	req.GameKinds = []policy.GameKind{policy.Roulette}
	req.StopOnNetGain = 10 * unit
	p, err := h.sched.Start(context.Background(), req)
	require.NoError(t, err)

	st := h.await(h.sched, p.ID)
	assert.Equal(t, ReasonGainTarget, st.Plan.StopReason)
	assert.Equal(t, 2, st.Sessions[0].BetsPlaced)
	assert.Equal(t, int64(10*unit), st.Sessions[0].NetChange)
	// The second stake is drawn from the first payout.
	assert.Equal(t, int64(45*unit), h.balance("bob", ledger.Deposit))
	assert.Equal(t, int64(15*unit), h.balance("bob", ledger.Winnings))
}

func TestAutoplay_InsufficientFunds(t *testing.T) {
	h := newHarness(t)
	h.fund("carol", 12*unit)

	p, err := h.sched.Start(context.Background(), plan("carol", 5*unit))
	require.NoError(t, err)

	st := h.await(h.sched, p.ID)
	assert.Equal(t, Completed, st.Plan.State)
	assert.Equal(t, ReasonInsufficientFunds, st.Plan.StopReason)
	assert.Equal(t, 2, st.Sessions[0].BetsPlaced)
	assert.Equal(t, int64(2*unit), h.balance("carol", ledger.Deposit))
}

func TestAutoplay_MaxBets(t *testing.T) {
	h := newHarness(t)
	h.fund("dave", 100*unit)

	req := plan("dave", 1*unit)
	req.GameKinds = []policy.GameKind{policy.Slot, policy.Dice}
	req.MaxBets = 3
	p, err := h.sched.Start(context.Background(), req)
	require.NoError(t, err)

	st := h.await(h.sched, p.ID)
	assert.Equal(t, ReasonMaxBets, st.Plan.StopReason)
	assert.Equal(t, 3, h.games("dave"))
}

func TestAutoplay_MaxDuration(t *testing.T) {
	h := newHarness(t)
	h.fund("erin", 1000*unit)

	req := plan("erin", 1*unit)
	req.InterBetDelay = 5 * time.Millisecond
	req.MaxDuration = 30 * time.Millisecond
	p, err := h.sched.Start(context.Background(), req)
	require.NoError(t, err)

	st := h.await(h.sched, p.ID)
	assert.Equal(t, ReasonMaxDuration, st.Plan.StopReason)
	assert.Positive(t, st.Sessions[0].BetsPlaced)
}

func TestAutoplay_StopPlacesNoFurtherBets(t *testing.T) {
	h := newHarness(t)
	h.fund("frank", 1000*unit)

	p, err := h.sched.Start(context.Background(), plan("frank", 1*unit))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.games("frank") >= 2 }, waitFor, poll)

	stopped, err := h.sched.Stop(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, Cancelled, stopped.State)
	assert.Equal(t, ReasonCancelled, stopped.StopReason)

	// At most the bet already in flight may land after Stop returns.
	n := h.games("frank")
	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, h.games("frank"), n+1)
	assert.Eventually(t, func() bool { return h.sched.Active() == 0 }, waitFor, poll)

	again, err := h.sched.Stop(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, Cancelled, again.State)

	evs := h.events.Events(events.AutoplayUpdated)
	require.NotEmpty(t, evs)
	assert.Equal(t, "frank", evs[0].Player)
}

func TestAutoplay_PauseResume(t *testing.T) {
	h := newHarness(t)
	h.fund("gina", 1000*unit)

	p, err := h.sched.Start(context.Background(), plan("gina", 1*unit))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.games("gina") >= 1 }, waitFor, poll)

	paused, err := h.sched.Pause(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, Paused, paused.State)

	time.Sleep(10 * time.Millisecond)
	n := h.games("gina")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, h.games("gina"))

	resumed, err := h.sched.Resume(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, Running, resumed.State)
	require.Eventually(t, func() bool { return h.games("gina") > n }, waitFor, poll)

	_, err = h.sched.Stop(context.Background(), p.ID)
	require.NoError(t, err)
	_, err = h.sched.Pause(context.Background(), p.ID)
	assert.ErrorIs(t, err, ErrPlanFinished)
}

func TestAutoplay_StartValidation(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name   string
		mutate func(*PlanRequest)
		kind   apperr.Kind
	}{
		{"zero stake", func(r *PlanRequest) { r.Stake = 0 }, apperr.Invalid},
		{"no games", func(r *PlanRequest) { r.GameKinds = nil }, apperr.Invalid},
		{"unknown game", func(r *PlanRequest) { r.GameKinds = []policy.GameKind{"baccarat"} }, apperr.UnknownGame},
		{"unknown currency", func(r *PlanRequest) { r.Currency = "XYZ" }, apperr.Invalid},
		{"negative loss limit", func(r *PlanRequest) { r.StopOnTotalLoss = -1 }, apperr.Invalid},
		{"negative max bets", func(r *PlanRequest) { r.MaxBets = -1 }, apperr.Invalid},
		{"system player", func(r *PlanRequest) { r.Player = "@house" }, apperr.Invalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := plan("hank", unit)
			tt.mutate(&req)
			_, err := h.sched.Start(context.Background(), req)
			require.Error(t, err)
			assert.True(t, apperr.Is(err, tt.kind), "got %v", err)
		})
	}

	plans, err := h.store.ListByPlayer(context.Background(), "hank", 10)
	require.NoError(t, err)
	assert.Empty(t, plans)
}

func TestAutoplay_DelayClampedToMinimum(t *testing.T) {
	h := newHarness(t, WithMinDelay(time.Hour))
	h.fund("ivy", 10*unit)

	req := plan("ivy", unit)
	req.InterBetDelay = time.Millisecond
	p, err := h.sched.Start(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, p.InterBetDelay)
}

func TestAutoplay_TooManyPlans(t *testing.T) {
	h := newHarness(t, WithMaxActive(1), WithMinDelay(time.Hour))
	h.fund("jack", 10*unit)

	_, err := h.sched.Start(context.Background(), plan("jack", unit))
	require.NoError(t, err)
	_, err = h.sched.Start(context.Background(), plan("jack", unit))
	assert.ErrorIs(t, err, ErrTooManyPlans)

	_, err = h.sched.Start(context.Background(), plan("kate", unit))
	assert.NoError(t, err)
}

func TestAutoplay_ConcurrentStartsRespectLimit(t *testing.T) {
	h := newHarness(t, WithMaxActive(2), WithMinDelay(time.Hour))
	h.fund("mona", 100*unit)

	var started, refused atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.sched.Start(context.Background(), plan("mona", unit))
			switch {
			case err == nil:
				started.Add(1)
			case errors.Is(err, ErrTooManyPlans):
				refused.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 2, started.Load())
	assert.EqualValues(t, 14, refused.Load())

	_, err := h.sched.Start(context.Background(), plan("mona", unit))
	assert.ErrorIs(t, err, ErrTooManyPlans, "slots are released once runners are counted")
}

type stubBettor struct {
	calls atomic.Int32
	fn    func(n int32) (*wager.Receipt, error)
}

func (s *stubBettor) PlaceBet(_ context.Context, req wager.BetRequest) (*wager.Receipt, error) {
	return s.fn(s.calls.Add(1))
}

func TestAutoplay_BetErrors(t *testing.T) {
	t.Run("internal error stops the plan", func(t *testing.T) {
		h := newHarness(t)
		h.fund("liam", 10*unit)
		b := &stubBettor{fn: func(int32) (*wager.Receipt, error) {
			return nil, apperr.New(apperr.Internal, "boom")
		}}
		s := h.scheduler(b)

		p, err := s.Start(context.Background(), plan("liam", unit))
		require.NoError(t, err)
		st := h.await(s, p.ID)
		assert.Equal(t, Completed, st.Plan.State)
		assert.Equal(t, ReasonError, st.Plan.StopReason)
		assert.Equal(t, int32(1), b.calls.Load())
	})

	t.Run("insufficient funds completes the plan", func(t *testing.T) {
		h := newHarness(t)
		h.fund("mia", 10*unit)
		b := &stubBettor{fn: func(int32) (*wager.Receipt, error) {
			return nil, apperr.New(apperr.InsufficientFunds, "raced")
		}}
		s := h.scheduler(b)

		p, err := s.Start(context.Background(), plan("mia", unit))
		require.NoError(t, err)
		st := h.await(s, p.ID)
		assert.Equal(t, ReasonInsufficientFunds, st.Plan.StopReason)
	})

	t.Run("deadline drops the tick", func(t *testing.T) {
		h := newHarness(t)
		h.fund("noah", 10*unit)
		b := &stubBettor{fn: func(n int32) (*wager.Receipt, error) {
			if n < 3 {
				return nil, apperr.New(apperr.Deadline, "slow")
			}
			return nil, apperr.New(apperr.Internal, "done")
		}}
		s := h.scheduler(b)

		p, err := s.Start(context.Background(), plan("noah", unit))
		require.NoError(t, err)
		st := h.await(s, p.ID)
		assert.Equal(t, ReasonError, st.Plan.StopReason)
		assert.Equal(t, int32(3), b.calls.Load())
		assert.Zero(t, st.Sessions[0].BetsPlaced)
	})
}

func TestAutoplay_RestoreResumesActivePlans(t *testing.T) {
	h := newHarness(t)
	h.fund("olga", 100*unit)

	idle := h.scheduler(h.coord, WithMinDelay(time.Hour))
	req := plan("olga", 5*unit)
	req.MaxBets = 2
	p, err := idle.Start(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, idle.Shutdown(context.Background()))

	stored, err := h.store.GetPlan(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, Running, stored.State)

	h.store.plans[p.ID].InterBetDelay = time.Millisecond

	n, err := h.sched.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st := h.await(h.sched, p.ID)
	assert.Equal(t, ReasonMaxBets, st.Plan.StopReason)
	require.Len(t, st.Sessions, 1)
	assert.Equal(t, 2, st.Sessions[0].BetsPlaced)
}

func TestAutoplay_ShutdownRejectsNewPlans(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sched.Shutdown(context.Background()))
	_, err := h.sched.Start(context.Background(), plan("pete", unit))
	assert.ErrorIs(t, err, ErrSchedulerClosed)
}

func TestAutoplay_ListByPlayer(t *testing.T) {
	h := newHarness(t, WithMinDelay(time.Hour))
	h.fund("quinn", 10*unit)

	first, err := h.sched.Start(context.Background(), plan("quinn", unit))
	require.NoError(t, err)
	second, err := h.sched.Start(context.Background(), plan("quinn", 2*unit))
	require.NoError(t, err)
	_, err = h.sched.Stop(context.Background(), first.ID)
	require.NoError(t, err)

	statuses, err := h.sched.ListByPlayer(context.Background(), "quinn", 10)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	ids := []string{statuses[0].Plan.ID, statuses[1].Plan.ID}
	assert.ElementsMatch(t, []string{first.ID, second.ID}, ids)
	for _, st := range statuses {
		require.Len(t, st.Sessions, 1)
		if st.Plan.ID == first.ID {
			assert.Equal(t, Cancelled, st.Plan.State)
		} else {
			assert.Equal(t, Running, st.Plan.State)
		}
	}
}
