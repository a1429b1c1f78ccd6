package wager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mbd888/vaultbet/internal/apperr"
	"github.com/mbd888/vaultbet/internal/currency"
	"github.com/mbd888/vaultbet/internal/events"
	"github.com/mbd888/vaultbet/internal/idgen"
	"github.com/mbd888/vaultbet/internal/ledger"
	"github.com/mbd888/vaultbet/internal/pagination"
	"github.com/mbd888/vaultbet/internal/policy"
	"github.com/mbd888/vaultbet/internal/syncutil"
	"github.com/mbd888/vaultbet/internal/traces"
)

// Journal metadata keys. Every entry of a wager batch carries the full set
// so a wager record can be rebuilt from any one of them.
const (
	metaWager      = "wager_id"
	metaGame       = "game_kind"
	metaSeed       = "rng_seed"
	metaOutcome    = "outcome"
	metaPayout     = "payout"
	metaMultiplier = "multiplier"
	metaPlan       = "plan_id"
	metaReason     = "reason"
)

// voidSuffix marks the correlation id of the compensating batch.
const voidSuffix = ":void"

// Coordinator places and voids wagers.
type Coordinator struct {
	ledger     *ledger.Ledger
	store      Store
	policy     *policy.Table
	currencies *currency.Table
	locks      *syncutil.KeyedMutex
	publisher  events.Publisher
	logger     *slog.Logger
	seeds      func() policy.Seed
	streams    func(policy.Seed) policy.Source
	now        func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPublisher sets where wager events go.
func WithPublisher(p events.Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithStreams replaces the seeded ChaCha8 stream. Tests use it to force
// outcomes; the seed is still recorded.
func WithStreams(f func(policy.Seed) policy.Source) Option {
	return func(c *Coordinator) { c.streams = f }
}

// WithSeeds replaces the crypto/rand seed source.
func WithSeeds(f func() policy.Seed) Option {
	return func(c *Coordinator) { c.seeds = f }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a wager coordinator. locks must be the same token
// set every other balance-mutating component uses.
func NewCoordinator(l *ledger.Ledger, store Store, table *policy.Table, currencies *currency.Table, locks *syncutil.KeyedMutex, opts ...Option) *Coordinator {
	c := &Coordinator{
		ledger:     l,
		store:      store,
		policy:     table,
		currencies: currencies,
		locks:      locks,
		publisher:  events.Nop{},
		logger:     slog.Default(),
		seeds:      randomSeed,
		streams:    policy.NewStream,
		now:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func newWagerID() string {
	return idgen.WithPrefix(idgen.WagerPrefix)
}

func randomSeed() policy.Seed {
	var s policy.Seed
	copy(s[:], idgen.Bytes(len(s)))
	return s
}

// PlaceBet settles one bet. See Receipt for the result. A request with a
// known WagerID returns the original receipt without a new bet.
func (c *Coordinator) PlaceBet(ctx context.Context, req BetRequest) (_ *Receipt, err error) {
	start := time.Now()
	defer observePlace(start)

	ctx, span := traces.StartSpan(ctx, "wager.PlaceBet",
		traces.Player(req.Player),
		traces.Currency(string(req.Currency)),
		traces.GameKind(string(req.GameKind)),
		traces.Amount(req.Stake),
	)
	defer func() {
		if err != nil {
			wagerRejected.WithLabelValues(string(apperr.KindOf(err))).Inc()
		}
		traces.End(span, err)
	}()

	if err := c.validate(req); err != nil {
		return nil, err
	}

	supplied := req.WagerID != ""
	if supplied {
		if rec, err := c.lookup(ctx, req); rec != nil || err != nil {
			return rec, err
		}
	} else {
		req.WagerID = newWagerID()
	}

	unlock, err := c.locks.LockContext(ctx, req.Player)
	if err != nil {
		return nil, apperr.Wrap(apperr.Deadline, err, "wager: acquire player token")
	}
	defer unlock()

	// A concurrent retry carrying the same id may have settled while we
	// waited for the token.
	if supplied {
		if rec, err := c.lookup(ctx, req); rec != nil || err != nil {
			return rec, err
		}
	}

	sources, err := c.spill(ctx, req.Player, req.Currency, req.Stake)
	if err != nil {
		return nil, err
	}

	seed := c.seeds()
	decision, decideErr := c.policy.Decide(req.GameKind, req.Stake, c.streams(seed))

	w := &Wager{
		ID:        req.WagerID,
		Player:    req.Player,
		Currency:  req.Currency,
		Stake:     req.Stake,
		GameKind:  req.GameKind,
		Seed:      seed.String(),
		Outcome:   Pending,
		Sources:   sources,
		PlanID:    req.PlanID,
		CreatedAt: c.now().UTC(),
	}
	if decideErr == nil {
		w.Outcome = Lost
		if decision.Won {
			w.Outcome, w.Payout, w.Multiplier = Won, decision.Payout, decision.Multiplier
		}
		w.SettledAt = &w.CreatedAt
	} else {
		w.Note = decideErr.Error()
	}

	entries, err := c.ledger.Post(ctx, w.ID, buildBatch(w, decision.SavingsShare))
	if err != nil {
		return nil, err
	}

	// Committed. The caller's deadline no longer applies.
	ctx = context.WithoutCancel(ctx)
	w.CreatedAt = entries[0].CreatedAt
	if w.SettledAt != nil {
		w.SettledAt = &w.CreatedAt
	}
	if err := c.store.Create(ctx, w); err != nil {
		c.logger.Error("wager committed but record not saved; it will be recovered from the journal",
			"wager", w.ID, "player", w.Player, "error", err)
	}
	wagersTotal.WithLabelValues(string(w.GameKind), string(w.Outcome)).Inc()
	events.Emit(ctx, c.publisher, c.logger, events.New(events.WagerSettled, w.Player, w))

	if decideErr != nil {
		c.logger.Error("policy failed after stake; wager left pending",
			"wager", w.ID, "player", w.Player, "game", w.GameKind, "error", decideErr)
		return nil, fmt.Errorf("%w (wager %s): %v", ErrUndecided, w.ID, decideErr)
	}
	return &Receipt{Wager: w, Entries: entries}, nil
}

func (c *Coordinator) validate(req BetRequest) error {
	if req.Player == "" || req.Player[0] == '@' {
		return fmt.Errorf("%w: player is required", ErrInvalidRequest)
	}
	if req.Stake <= 0 {
		return policy.ErrInvalidStake
	}
	if _, err := c.currencies.Lookup(req.Currency); err != nil {
		return err
	}
	if _, err := c.policy.Game(req.GameKind); err != nil {
		return err
	}
	return nil
}

// lookup returns the receipt of an already settled wager id, recovering
// the record from the journal when the process died between commit and
// save. It returns (nil, nil) when the id is unused.
func (c *Coordinator) lookup(ctx context.Context, req BetRequest) (*Receipt, error) {
	w, err := c.store.Get(ctx, req.WagerID)
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	if w != nil {
		if !req.matches(w) {
			return nil, ErrWagerMismatch
		}
		entries, err := c.ledger.Correlated(ctx, w.ID)
		if err != nil {
			return nil, err
		}
		return &Receipt{Wager: w, Entries: entries, Replayed: true}, nil
	}

	entries, err := c.ledger.Correlated(ctx, req.WagerID)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	w, err = fromJournal(entries)
	if err != nil {
		return nil, err
	}
	if !req.matches(w) {
		return nil, ErrWagerMismatch
	}
	if w.Outcome == Pending {
		voids, err := c.ledger.Correlated(ctx, w.ID+voidSuffix)
		if err != nil {
			return nil, err
		}
		if len(voids) > 0 {
			t := voids[0].CreatedAt
			w.Outcome, w.SettledAt, w.Note = Voided, &t, voids[0].Metadata[metaReason]
		}
	}
	if err := c.store.Create(ctx, w); err != nil && !errors.Is(err, ErrWagerExists) {
		return nil, err
	}
	c.logger.Warn("recovered wager record from journal", "wager", w.ID, "player", w.Player, "outcome", w.Outcome)
	return &Receipt{Wager: w, Entries: entries, Replayed: true}, nil
}

// spill drains the spendable pockets in ledger.SpendOrder until the stake
// is covered. It reads available balances, so amounts held for pending
// withdrawals are never staked.
func (c *Coordinator) spill(ctx context.Context, player string, cur currency.Code, stake int64) (map[ledger.Pocket]int64, error) {
	sources := make(map[ledger.Pocket]int64, len(ledger.SpendOrder))
	remaining := stake
	for _, pocket := range ledger.SpendOrder {
		if remaining == 0 {
			break
		}
		avail, err := c.ledger.Available(ctx, ledger.PlayerAccount(player, cur, pocket))
		if err != nil {
			return nil, err
		}
		if avail <= 0 {
			continue
		}
		take := min(avail, remaining)
		sources[pocket] = take
		remaining -= take
	}
	if remaining > 0 {
		return nil, fmt.Errorf("%w: stake %d exceeds spendable %d", ledger.ErrInsufficientFunds, stake, stake-remaining)
	}
	return sources, nil
}

// buildBatch turns a decided wager into journal drafts: one stake entry per
// source pocket, then either the payout or the savings/liquidity sweeps. A
// pending wager gets the stake entries only.
func buildBatch(w *Wager, share policy.Share) []ledger.Draft {
	meta := map[string]string{
		metaWager:   w.ID,
		metaGame:    string(w.GameKind),
		metaSeed:    w.Seed,
		metaOutcome: string(w.Outcome),
	}
	if w.Outcome == Won {
		meta[metaPayout] = strconv.FormatInt(w.Payout, 10)
		meta[metaMultiplier] = strconv.FormatInt(w.Multiplier, 10)
	}
	if w.PlanID != "" {
		meta[metaPlan] = w.PlanID
	}

	house := ledger.House(w.Currency)
	var drafts []ledger.Draft
	for _, pocket := range ledger.SpendOrder {
		if amt := w.Sources[pocket]; amt > 0 {
			drafts = append(drafts, ledger.Draft{
				Debit:    ledger.PlayerAccount(w.Player, w.Currency, pocket),
				Credit:   house,
				Amount:   amt,
				Kind:     ledger.KindWagerStake,
				Metadata: meta,
			})
		}
	}

	switch w.Outcome {
	case Won:
		if w.Payout > 0 {
			drafts = append(drafts, ledger.Draft{
				Debit:    house,
				Credit:   ledger.PlayerAccount(w.Player, w.Currency, ledger.Winnings),
				Amount:   w.Payout,
				Kind:     ledger.KindWagerPayout,
				Metadata: meta,
			})
		}
	case Lost:
		savings, liquidity := share.Split(w.Stake)
		if savings > 0 {
			drafts = append(drafts, ledger.Draft{
				Debit:    house,
				Credit:   ledger.PlayerAccount(w.Player, w.Currency, ledger.Savings),
				Amount:   savings,
				Kind:     ledger.KindSavingsSweep,
				Metadata: meta,
			})
		}
		if liquidity > 0 {
			drafts = append(drafts, ledger.Draft{
				Debit:    house,
				Credit:   ledger.PlayerAccount(w.Player, w.Currency, ledger.Liquidity),
				Amount:   liquidity,
				Kind:     ledger.KindLiquiditySweep,
				Metadata: meta,
			})
		}
	}
	return drafts
}

// fromJournal rebuilds a wager record from its committed batch.
func fromJournal(entries []*ledger.Entry) (*Wager, error) {
	first := entries[0]
	meta := first.Metadata
	if first.Kind != ledger.KindWagerStake || meta[metaWager] != first.CorrelationID {
		return nil, fmt.Errorf("%w: correlation %s is not a wager", ErrWagerMismatch, first.CorrelationID)
	}
	w := &Wager{
		ID:        first.CorrelationID,
		Player:    first.Player,
		Currency:  first.Currency,
		GameKind:  policy.GameKind(meta[metaGame]),
		Seed:      meta[metaSeed],
		Outcome:   Outcome(meta[metaOutcome]),
		PlanID:    meta[metaPlan],
		Sources:   make(map[ledger.Pocket]int64),
		CreatedAt: first.CreatedAt,
	}
	for _, e := range entries {
		switch e.Kind {
		case ledger.KindWagerStake:
			w.Sources[e.Debit.Pocket] += e.Amount
			w.Stake += e.Amount
		case ledger.KindWagerPayout:
			w.Payout += e.Amount
		}
	}
	w.Multiplier, _ = strconv.ParseInt(meta[metaMultiplier], 10, 64)
	if w.Outcome.Terminal() {
		t := first.CreatedAt
		w.SettledAt = &t
	}
	return w, nil
}

// VoidWager refunds a pending wager's stake to the pockets it came from.
// Voiding an already voided wager returns it unchanged.
func (c *Coordinator) VoidWager(ctx context.Context, id, reason string) (_ *Wager, err error) {
	ctx, span := traces.StartSpan(ctx, "wager.VoidWager", traces.Correlation(id))
	defer func() { traces.End(span, err) }()

	w, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := c.locks.LockContext(ctx, w.Player)
	if err != nil {
		return nil, apperr.Wrap(apperr.Deadline, err, "wager: acquire player token")
	}
	defer unlock()

	if w, err = c.store.Get(ctx, id); err != nil {
		return nil, err
	}
	switch w.Outcome {
	case Voided:
		return w, nil
	case Pending:
	default:
		return nil, fmt.Errorf("%w: wager %s is %s", ErrNotPending, id, w.Outcome)
	}
	if reason == "" {
		reason = "voided"
	}

	meta := map[string]string{metaWager: w.ID, metaReason: reason}
	house := ledger.House(w.Currency)
	var drafts []ledger.Draft
	for _, pocket := range ledger.SpendOrder {
		if amt := w.Sources[pocket]; amt > 0 {
			drafts = append(drafts, ledger.Draft{
				Debit:    house,
				Credit:   ledger.PlayerAccount(w.Player, w.Currency, pocket),
				Amount:   amt,
				Kind:     ledger.KindInternalTransfer,
				Metadata: meta,
			})
		}
	}
	entries, err := c.ledger.Post(ctx, w.ID+voidSuffix, drafts)
	if err != nil {
		return nil, err
	}

	ctx = context.WithoutCancel(ctx)
	settled := entries[0].CreatedAt
	w.Outcome, w.SettledAt, w.Note = Voided, &settled, reason
	if err := c.store.Update(ctx, w); err != nil {
		return nil, err
	}
	wagersVoided.Inc()
	c.logger.Info("wager voided", "wager", w.ID, "player", w.Player, "reason", reason)
	events.Emit(ctx, c.publisher, c.logger, events.New(events.WagerVoided, w.Player, w))
	return w, nil
}

// Get returns a wager by id.
func (c *Coordinator) Get(ctx context.Context, id string) (*Wager, error) {
	return c.store.Get(ctx, id)
}

// ListByPlayer returns a page of the player's wagers, newest first, and the
// cursor of the next page ("" when exhausted).
func (c *Coordinator) ListByPlayer(ctx context.Context, player, cursor string, limit int) ([]*Wager, string, error) {
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	if limit <= 0 || limit > pagination.MaxLimit {
		limit = pagination.DefaultLimit
	}
	ws, err := c.store.ListByPlayer(ctx, player, before, limit+1)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(ws, limit, func(w *Wager) (time.Time, string) {
		return w.CreatedAt, w.ID
	})
	return page, next, nil
}

// Pending returns wagers awaiting review after a policy failure.
func (c *Coordinator) Pending(ctx context.Context, limit int) ([]*Wager, error) {
	return c.store.ListPending(ctx, limit)
}

// Stats counts the player's wagers.
func (c *Coordinator) Stats(ctx context.Context, player string) (Stats, error) {
	return c.store.Stats(ctx, player)
}
