package autoplay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/mbd888/vaultbet/internal/apperr"
	"github.com/mbd888/vaultbet/internal/currency"
	"github.com/mbd888/vaultbet/internal/events"
	"github.com/mbd888/vaultbet/internal/idgen"
	"github.com/mbd888/vaultbet/internal/ledger"
	"github.com/mbd888/vaultbet/internal/policy"
	"github.com/mbd888/vaultbet/internal/traces"
	"github.com/mbd888/vaultbet/internal/wager"
)

const (
	DefaultMinDelay  = 250 * time.Millisecond
	DefaultMaxActive = 5 // per player

	betTimeout = 10 * time.Second
)

// Bettor places bets; the wager coordinator in production.
type Bettor interface {
	PlaceBet(ctx context.Context, req wager.BetRequest) (*wager.Receipt, error)
}

// Balances reads spendable funds.
type Balances interface {
	Available(ctx context.Context, acct ledger.Account) (int64, error)
}

// PlanRequest describes a plan to start. Amounts are minor units.
type PlanRequest struct {
	Player          string
	Currency        currency.Code
	Stake           int64
	GameKinds       []policy.GameKind
	InterBetDelay   time.Duration
	StopOnTotalLoss int64
	StopOnNetGain   int64
	MaxDuration     time.Duration
	MaxBets         int
}

// Scheduler runs one loop per active plan.
type Scheduler struct {
	bettor     Bettor
	balances   Balances
	games      *policy.Table
	currencies *currency.Table
	store      Store
	publisher  events.Publisher
	logger     *slog.Logger
	minDelay   time.Duration
	maxActive  int
	now        func() time.Time
	pick       func(n int) int

	mu       sync.Mutex
	runners  map[string]*runner
	starting map[string]int // per player, plans between the limit check and spawn
	closed   bool
	wg       sync.WaitGroup
	root     context.Context
	cancel   context.CancelFunc
}

// runner owns the in-memory copy of an active plan. Its mutex orders the
// loop against Stop, Pause and Resume.
type runner struct {
	mu      sync.Mutex
	plan    *Plan
	session *Session
	cancel  context.CancelFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPublisher sets where plan events go.
func WithPublisher(p events.Publisher) Option {
	return func(s *Scheduler) { s.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMinDelay sets the lower bound on the inter-bet delay.
func WithMinDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.minDelay = d
		}
	}
}

// WithMaxActive caps concurrently active plans per player.
func WithMaxActive(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxActive = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithPicker overrides the uniform game choice; pick(n) returns [0, n).
func WithPicker(pick func(n int) int) Option {
	return func(s *Scheduler) { s.pick = pick }
}

// NewScheduler creates a scheduler. Call Shutdown to stop its loops.
func NewScheduler(bettor Bettor, balances Balances, games *policy.Table, currencies *currency.Table, store Store, opts ...Option) *Scheduler {
	root, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		bettor:     bettor,
		balances:   balances,
		games:      games,
		currencies: currencies,
		store:      store,
		publisher:  events.Nop{},
		logger:     slog.Default(),
		minDelay:   DefaultMinDelay,
		maxActive:  DefaultMaxActive,
		now:        time.Now,
		pick:       rand.IntN,
		runners:    make(map[string]*runner),
		starting:   make(map[string]int),
		root:       root,
		cancel:     cancel,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Scheduler) validate(req *PlanRequest) error {
	if req.Player == "" || req.Player[0] == '@' {
		return fmt.Errorf("%w: player is required", ErrInvalidPlan)
	}
	if req.Stake <= 0 {
		return fmt.Errorf("%w: stake must be positive", ErrInvalidPlan)
	}
	if _, err := s.currencies.Lookup(req.Currency); err != nil {
		return err
	}
	if len(req.GameKinds) == 0 {
		return fmt.Errorf("%w: at least one game kind is required", ErrInvalidPlan)
	}
	for _, k := range req.GameKinds {
		if _, err := s.games.Game(k); err != nil {
			return err
		}
	}
	if req.StopOnTotalLoss < 0 || req.StopOnNetGain < 0 || req.MaxDuration < 0 || req.MaxBets < 0 {
		return fmt.Errorf("%w: thresholds must not be negative", ErrInvalidPlan)
	}
	if req.InterBetDelay < s.minDelay {
		req.InterBetDelay = s.minDelay
	}
	return nil
}

// Start validates and persists a plan, then starts its loop. A delay below
// the minimum is clamped up.
func (s *Scheduler) Start(ctx context.Context, req PlanRequest) (_ *Plan, err error) {
	ctx, span := traces.StartSpan(ctx, "autoplay.Start",
		traces.Player(req.Player),
		traces.Currency(string(req.Currency)),
		traces.Amount(req.Stake),
	)
	defer func() { traces.End(span, err) }()

	if err := s.validate(&req); err != nil {
		return nil, err
	}

	if err := s.claimSlot(req.Player); err != nil {
		return nil, err
	}
	defer s.releaseSlot(req.Player)

	now := s.now().UTC()
	p := &Plan{
		ID:              idgen.WithPrefix(idgen.PlanPrefix),
		Player:          req.Player,
		Currency:        req.Currency,
		Stake:           req.Stake,
		GameKinds:       req.GameKinds,
		InterBetDelay:   req.InterBetDelay,
		StopOnTotalLoss: req.StopOnTotalLoss,
		StopOnNetGain:   req.StopOnNetGain,
		MaxDuration:     req.MaxDuration,
		MaxBets:         req.MaxBets,
		State:           Running,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	sess := newSession(p, now)
	if err := s.store.Create(ctx, p, sess); err != nil {
		return nil, err
	}
	if err := s.spawn(p, sess); err != nil {
		return nil, err
	}

	s.logger.Info("autoplay started", "plan", p.ID, "player", p.Player, "currency", p.Currency,
		"stake", p.Stake, "games", p.GameKinds, "delay", p.InterBetDelay)
	s.emit(ctx, p, sess)
	return p.clone(), nil
}

// claimSlot counts the player's running plans plus those still starting
// and holds a slot until releaseSlot. A spawned runner is counted before
// its slot is released.
func (s *Scheduler) claimSlot(player string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSchedulerClosed
	}
	active := s.starting[player]
	for _, r := range s.runners {
		if r.plan.Player == player {
			active++
		}
	}
	if active >= s.maxActive {
		return fmt.Errorf("%w: limit is %d", ErrTooManyPlans, s.maxActive)
	}
	s.starting[player]++
	return nil
}

func (s *Scheduler) releaseSlot(player string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.starting[player] <= 1 {
		delete(s.starting, player)
		return
	}
	s.starting[player]--
}

func newSession(p *Plan, now time.Time) *Session {
	return &Session{
		ID:        idgen.WithPrefix(idgen.SessionPrefix),
		PlanID:    p.ID,
		Player:    p.Player,
		GameKinds: p.GameKinds,
		StartedAt: now,
	}
}

func (s *Scheduler) spawn(p *Plan, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSchedulerClosed
	}
	ctx, cancel := context.WithCancel(s.root)
	r := &runner{plan: p.clone(), session: sess.clone(), cancel: cancel}
	s.runners[p.ID] = r
	activePlans.Inc()
	s.wg.Add(1)
	go s.run(ctx, r)
	return nil
}

// Restore restarts loops for plans left active by a previous process. The
// latest open session is continued; otherwise a new one is opened.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	plans, err := s.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range plans {
		if s.lookup(p.ID) != nil {
			continue
		}
		sessions, err := s.store.ListSessions(ctx, p.ID)
		if err != nil {
			return n, err
		}
		var sess *Session
		if len(sessions) > 0 && sessions[len(sessions)-1].EndedAt == nil {
			sess = sessions[len(sessions)-1]
		} else {
			sess = newSession(p, s.now().UTC())
			if err := s.store.CreateSession(ctx, sess); err != nil {
				return n, err
			}
		}
		if err := s.spawn(p, sess); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		s.logger.Info("autoplay plans restored", "count", n)
	}
	return n, nil
}

func (s *Scheduler) run(ctx context.Context, r *runner) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.runners, r.plan.ID)
		s.mu.Unlock()
		activePlans.Dec()
	}()

	ticker := time.NewTicker(r.plan.InterBetDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.safeTick(ctx, r) {
				return
			}
		}
	}
}

func (s *Scheduler) safeTick(ctx context.Context, r *runner) (more bool) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("panic in autoplay tick", "panic", fmt.Sprint(rec))
			// The panic may have left r.mu held by this goroutine.
			if r.mu.TryLock() {
				s.finish(ctx, r, Completed, ReasonError)
				r.mu.Unlock()
			} else {
				r.cancel()
			}
			more = false
		}
	}()
	return s.tick(ctx, r)
}

// tick evaluates the stop conditions and places at most one bet. It
// reports whether the loop should continue.
func (s *Scheduler) tick(ctx context.Context, r *runner) bool {
	r.mu.Lock()
	p := r.plan
	if !p.State.Active() {
		r.mu.Unlock()
		return false
	}
	reason, err := s.stopReason(ctx, p, r.session)
	if err != nil {
		r.mu.Unlock()
		s.logger.Warn("autoplay balance check failed; tick dropped", "plan", p.ID, "error", err)
		ticksDropped.Inc()
		return ctx.Err() == nil
	}
	if reason != "" {
		s.finish(ctx, r, Completed, reason)
		r.mu.Unlock()
		return false
	}
	if p.State == Paused {
		r.mu.Unlock()
		return true
	}
	req := wager.BetRequest{
		WagerID:  idgen.WithPrefix(idgen.WagerPrefix),
		Player:   p.Player,
		Currency: p.Currency,
		GameKind: p.GameKinds[s.pick(len(p.GameKinds))],
		Stake:    p.Stake,
		PlanID:   p.ID,
	}
	r.mu.Unlock()

	bctx, cancel := context.WithTimeout(ctx, betTimeout)
	rec, err := s.bettor.PlaceBet(bctx, req)
	cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return false
		case apperr.Is(err, apperr.InsufficientFunds):
			s.finish(ctx, r, Completed, ReasonInsufficientFunds)
			return false
		case apperr.Is(err, apperr.Deadline):
			s.logger.Warn("autoplay bet timed out; tick dropped", "plan", p.ID, "wager", req.WagerID)
			ticksDropped.Inc()
			return true
		default:
			s.logger.Error("autoplay bet failed; stopping plan", "plan", p.ID, "wager", req.WagerID, "error", err)
			s.finish(ctx, r, Completed, ReasonError)
			return false
		}
	}

	sess := r.session
	sess.BetsPlaced++
	sess.NetChange += rec.Wager.Net()
	betsPlaced.WithLabelValues(string(rec.Wager.Outcome)).Inc()
	if err := s.store.UpdateSession(context.WithoutCancel(ctx), sess); err != nil {
		s.logger.Warn("failed to save autoplay session", "session", sess.ID, "error", err)
	}
	s.emit(ctx, r.plan, sess)
	return r.plan.State.Active()
}

// stopReason returns the first stop condition that holds, or "". The
// order is fixed: state, loss limit, gain target, duration, bet count,
// spendable balance.
func (s *Scheduler) stopReason(ctx context.Context, p *Plan, sess *Session) (string, error) {
	switch {
	case p.StopOnTotalLoss > 0 && sess.NetChange <= -p.StopOnTotalLoss:
		return ReasonLossLimit, nil
	case p.StopOnNetGain > 0 && sess.NetChange >= p.StopOnNetGain:
		return ReasonGainTarget, nil
	case p.MaxDuration > 0 && s.now().Sub(sess.StartedAt) >= p.MaxDuration:
		return ReasonMaxDuration, nil
	case p.MaxBets > 0 && sess.BetsPlaced >= p.MaxBets:
		return ReasonMaxBets, nil
	}
	spendable, err := s.spendable(ctx, p.Player, p.Currency)
	if err != nil {
		return "", err
	}
	if spendable < p.Stake {
		return ReasonInsufficientFunds, nil
	}
	return "", nil
}

func (s *Scheduler) spendable(ctx context.Context, player string, cur currency.Code) (int64, error) {
	var total int64
	for _, pocket := range ledger.SpendOrder {
		a, err := s.balances.Available(ctx, ledger.PlayerAccount(player, cur, pocket))
		if err != nil {
			return 0, err
		}
		total += a
	}
	return total, nil
}

// finish ends the plan and its session. Caller holds r.mu.
func (s *Scheduler) finish(ctx context.Context, r *runner, state State, reason string) {
	if !r.plan.State.Active() {
		return
	}
	now := s.now().UTC()
	r.plan.State, r.plan.StopReason, r.plan.UpdatedAt = state, reason, now
	r.session.EndedAt, r.session.StopReason = &now, reason

	ctx = context.WithoutCancel(ctx)
	if err := s.store.UpdateSession(ctx, r.session); err != nil {
		s.logger.Warn("failed to close autoplay session", "session", r.session.ID, "error", err)
	}
	if err := s.store.UpdatePlan(ctx, r.plan); err != nil {
		s.logger.Error("failed to save finished autoplay plan", "plan", r.plan.ID, "error", err)
	}
	if r.cancel != nil {
		r.cancel()
	}
	plansStopped.WithLabelValues(reason).Inc()
	s.logger.Info("autoplay stopped", "plan", r.plan.ID, "player", r.plan.Player, "state", state,
		"reason", reason, "bets", r.session.BetsPlaced, "net", r.session.NetChange)
	s.emit(ctx, r.plan, r.session)
}

func (s *Scheduler) emit(ctx context.Context, p *Plan, sess *Session) {
	st := Status{Plan: p.clone(), Sessions: []*Session{sess.clone()}}
	events.Emit(ctx, s.publisher, s.logger, events.New(events.AutoplayUpdated, p.Player, st))
}

func (s *Scheduler) lookup(id string) *runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runners[id]
}

// control applies fn to the plan under its runner lock. Plans active in
// the store without a local loop get a detached runner so the change is
// still persisted.
func (s *Scheduler) control(ctx context.Context, id string, fn func(r *runner) error) (*Plan, error) {
	r := s.lookup(id)
	if r == nil {
		p, err := s.store.GetPlan(ctx, id)
		if err != nil {
			return nil, err
		}
		sessions, err := s.store.ListSessions(ctx, id)
		if err != nil {
			return nil, err
		}
		sess := newSession(p, p.CreatedAt)
		if len(sessions) > 0 {
			sess = sessions[len(sessions)-1]
		}
		r = &runner{plan: p, session: sess}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := fn(r); err != nil {
		return nil, err
	}
	return r.plan.clone(), nil
}

// Stop cancels the plan. A bet already in flight completes; no further
// bet is placed. Stopping a finished plan returns it unchanged.
func (s *Scheduler) Stop(ctx context.Context, id string) (*Plan, error) {
	return s.control(ctx, id, func(r *runner) error {
		s.finish(ctx, r, Cancelled, ReasonCancelled)
		return nil
	})
}

// Pause suspends betting; stop conditions other than pause keep being
// evaluated on each tick.
func (s *Scheduler) Pause(ctx context.Context, id string) (*Plan, error) {
	return s.setState(ctx, id, Running, Paused)
}

// Resume continues a paused plan.
func (s *Scheduler) Resume(ctx context.Context, id string) (*Plan, error) {
	return s.setState(ctx, id, Paused, Running)
}

func (s *Scheduler) setState(ctx context.Context, id string, from, to State) (*Plan, error) {
	return s.control(ctx, id, func(r *runner) error {
		switch r.plan.State {
		case to:
			return nil
		case from:
		default:
			return fmt.Errorf("%w: %s is %s", ErrPlanFinished, id, r.plan.State)
		}
		r.plan.State, r.plan.UpdatedAt = to, s.now().UTC()
		if err := s.store.UpdatePlan(context.WithoutCancel(ctx), r.plan); err != nil {
			r.plan.State = from
			return err
		}
		s.emit(ctx, r.plan, r.session)
		return nil
	})
}

// Get returns a plan with its sessions.
func (s *Scheduler) Get(ctx context.Context, id string) (*Status, error) {
	if r := s.lookup(id); r != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		sessions, err := s.store.ListSessions(ctx, id)
		if err != nil {
			return nil, err
		}
		return s.overlay(&Status{Plan: r.plan.clone(), Sessions: sessions}, r.session), nil
	}
	p, err := s.store.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	sessions, err := s.store.ListSessions(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Status{Plan: p, Sessions: sessions}, nil
}

// overlay replaces the stored copy of the live session, whose counters
// may be ahead of the last save.
func (s *Scheduler) overlay(st *Status, live *Session) *Status {
	for i, sess := range st.Sessions {
		if sess.ID == live.ID {
			st.Sessions[i] = live.clone()
		}
	}
	return st
}

// ListByPlayer returns the player's plans, newest first, with sessions.
func (s *Scheduler) ListByPlayer(ctx context.Context, player string, limit int) ([]*Status, error) {
	plans, err := s.store.ListByPlayer(ctx, player, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Status, 0, len(plans))
	for _, p := range plans {
		st, err := s.Get(ctx, p.ID)
		if errors.Is(err, ErrPlanNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Active returns the number of running loops.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runners)
}

// Shutdown stops every loop and waits for in-flight bets. Plans stay
// active in the store so Restore can pick them up.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
