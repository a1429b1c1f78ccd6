package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/vaultbet/internal/apperr"
	"github.com/mbd888/vaultbet/internal/currency"
	"github.com/mbd888/vaultbet/internal/events"
	"github.com/mbd888/vaultbet/internal/idgen"
	"github.com/mbd888/vaultbet/internal/ledger"
	"github.com/mbd888/vaultbet/internal/syncutil"
	"github.com/mbd888/vaultbet/internal/traces"
)

const (
	DefaultTTL = 15 * time.Minute
	DefaultSLA = 30 * time.Minute

	scanLimit = 500
)

// Manager runs the ticket state machine.
type Manager struct {
	ledger     *ledger.Ledger
	store      Store
	currencies *currency.Table
	locks      *syncutil.KeyedMutex
	settler    Settler
	publisher  events.Publisher
	logger     *slog.Logger
	ttl        time.Duration
	sla        time.Duration
	now        func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithPublisher sets where ticket events go.
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithTTL sets how long a ticket may stay reserved without being submitted.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithSLA sets the age after which submitted tickets are reconciled.
func WithSLA(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sla = d
		}
	}
}

// NewManager creates a withdrawal manager. locks must be shared with the
// wager coordinator.
func NewManager(l *ledger.Ledger, store Store, currencies *currency.Table, locks *syncutil.KeyedMutex, settler Settler, opts ...Option) *Manager {
	m := &Manager{
		ledger:     l,
		store:      store,
		currencies: currencies,
		locks:      locks,
		settler:    settler,
		publisher:  events.Nop{},
		logger:     slog.Default(),
		ttl:        DefaultTTL,
		sla:        DefaultSLA,
		now:        time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Reserve validates the request and holds the amount against the source
// pocket. The returned ticket is reserved.
func (m *Manager) Reserve(ctx context.Context, req Request) (_ *Ticket, err error) {
	ctx, span := traces.StartSpan(ctx, "withdrawal.Reserve",
		traces.Player(req.Player),
		traces.Currency(string(req.Currency)),
		traces.Amount(req.Amount),
	)
	defer func() {
		if err != nil {
			rejected.WithLabelValues(string(apperr.KindOf(err))).Inc()
		}
		traces.End(span, err)
	}()

	if err := m.validate(req); err != nil {
		return nil, err
	}

	unlock, err := m.locks.LockContext(ctx, req.Player)
	if err != nil {
		return nil, apperr.Wrap(apperr.Deadline, err, "withdrawal: acquire player token")
	}
	defer unlock()

	t := &Ticket{
		ID:          idgen.WithPrefix(idgen.TicketPrefix),
		Player:      req.Player,
		Currency:    req.Currency,
		Amount:      req.Amount,
		Destination: req.Destination,
		Pocket:      req.Pocket,
		State:       Reserved,
		CreatedAt:   m.now().UTC(),
	}
	acct := ledger.PlayerAccount(req.Player, req.Currency, req.Pocket)
	if err := m.ledger.Reserve(ctx, acct, req.Amount, t.ID); err != nil {
		return nil, err
	}

	ctx = context.WithoutCancel(ctx)
	if err := m.store.Create(ctx, t); err != nil {
		if _, rerr := m.ledger.Release(ctx, t.ID); rerr != nil {
			m.logger.Error("ticket not saved and hold not released; expiry will release it",
				"ticket", t.ID, "player", t.Player, "error", rerr)
		}
		return nil, err
	}

	transitions.WithLabelValues(string(Reserved)).Inc()
	m.logger.Info("withdrawal reserved", "ticket", t.ID, "player", t.Player,
		"currency", t.Currency, "amount", t.Amount, "pocket", t.Pocket)
	m.emit(ctx, t)
	return t.clone(), nil
}

func (m *Manager) validate(req Request) error {
	if req.Player == "" || req.Player[0] == '@' {
		return fmt.Errorf("%w: player is required", ErrInvalidRequest)
	}
	if req.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if !withdrawable(req.Pocket) {
		return fmt.Errorf("%w: %q", ErrInvalidPocket, req.Pocket)
	}
	spec, err := m.currencies.Lookup(req.Currency)
	if err != nil {
		return err
	}
	if err := spec.ValidateAddress(req.Destination); err != nil {
		return err
	}
	if req.Amount < spec.MinWithdrawal {
		return fmt.Errorf("%w: minimum is %s %s", ErrBelowMinimum, spec.FormatAmount(spec.MinWithdrawal), spec.Code)
	}
	return nil
}

// Submit hands a reserved ticket to the settlement collaborator. The
// ticket is marked submitted under the player token; the collaborator is
// called after the token is released. A collaborator error refunds the
// ticket.
func (m *Manager) Submit(ctx context.Context, id string) (_ *Ticket, err error) {
	ctx, span := traces.StartSpan(ctx, "withdrawal.Submit", traces.TicketID(id))
	defer func() { traces.End(span, err) }()

	t, _, err := m.transition(ctx, id, func(t *Ticket) (bool, error) {
		if t.State != Reserved {
			return false, fmt.Errorf("%w: %s is %s, not reserved", ErrInvalidTransition, t.ID, t.State)
		}
		now := m.now().UTC()
		t.State, t.SubmittedAt = Submitted, &now
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	// The ticket is submitted; finish the hand-off even if the caller left.
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	ref, serr := m.settler.Submit(ctx, t)
	settleLatency.Observe(time.Since(start).Seconds())
	if serr != nil {
		m.logger.Warn("settlement submit failed; refunding ticket", "ticket", id, "player", t.Player, "error", serr)
		return m.OnSettlement(ctx, id, Result{Outcome: OutcomeFailed, Reason: "settlement rejected: " + serr.Error()})
	}
	if ref == "" {
		return m.store.Get(ctx, id)
	}
	t, _, err = m.transition(ctx, id, func(t *Ticket) (bool, error) {
		if t.TxRef != "" || t.State == Refunded {
			return false, nil
		}
		t.TxRef = ref
		return true, nil
	})
	return t, err
}

// Withdraw reserves and submits in one call.
func (m *Manager) Withdraw(ctx context.Context, req Request) (*Ticket, error) {
	t, err := m.Reserve(ctx, req)
	if err != nil {
		return nil, err
	}
	return m.Submit(ctx, t.ID)
}

// OnSettlement applies the collaborator's final result. Repeating the
// result a terminal ticket already reflects returns it unchanged; the
// opposite result is a ConflictingState error.
func (m *Manager) OnSettlement(ctx context.Context, id string, res Result) (_ *Ticket, err error) {
	ctx, span := traces.StartSpan(ctx, "withdrawal.OnSettlement", traces.TicketID(id))
	defer func() { traces.End(span, err) }()

	if res.Outcome != OutcomeConfirmed && res.Outcome != OutcomeFailed {
		return nil, fmt.Errorf("%w: result must be confirmed or failed, got %q", ErrInvalidRequest, res.Outcome)
	}

	t, _, err := m.transition(ctx, id, func(t *Ticket) (bool, error) {
		switch t.State {
		case Confirmed:
			if res.Outcome == OutcomeConfirmed {
				return false, nil
			}
			return false, fmt.Errorf("%w: %s is already confirmed", ErrInvalidTransition, t.ID)
		case Refunded:
			if res.Outcome == OutcomeFailed {
				return false, nil
			}
			return false, fmt.Errorf("%w: %s is already refunded", ErrInvalidTransition, t.ID)
		case Reserved:
			if res.Outcome == OutcomeConfirmed {
				return false, fmt.Errorf("%w: %s was never submitted", ErrInvalidTransition, t.ID)
			}
		}

		if res.Outcome == OutcomeFailed {
			reason := res.Reason
			if reason == "" {
				reason = "settlement failed"
			}
			return m.refund(ctx, t, reason)
		}
		return m.confirm(ctx, t, res.TxRef)
	})
	return t, err
}

func (m *Manager) confirm(ctx context.Context, t *Ticket, txRef string) (bool, error) {
	if txRef == "" {
		txRef = t.TxRef
	}
	meta := map[string]string{"ticket_id": t.ID, "destination": t.Destination}
	if txRef != "" {
		meta["tx_ref"] = txRef
	}
	if _, err := m.ledger.Consume(ctx, t.ID, meta); err != nil {
		return false, err
	}
	now := m.now().UTC()
	t.State, t.SettledAt, t.TxRef = Confirmed, &now, txRef
	m.logger.Info("withdrawal confirmed", "ticket", t.ID, "player", t.Player, "tx_ref", txRef)
	return true, nil
}

// refund releases the hold and moves the ticket through failed to
// refunded.
func (m *Manager) refund(ctx context.Context, t *Ticket, reason string) (bool, error) {
	if _, err := m.ledger.Release(ctx, t.ID); err != nil {
		if !errors.Is(err, ledger.ErrHoldNotFound) {
			return false, err
		}
		settled, cerr := m.ledger.Correlated(ctx, t.ID)
		if cerr != nil {
			return false, cerr
		}
		if len(settled) > 0 {
			return false, fmt.Errorf("%w: %s already settled on the ledger", ErrInvalidTransition, t.ID)
		}
	}
	if t.State == Submitted {
		transitions.WithLabelValues(string(Failed)).Inc()
	}
	now := m.now().UTC()
	t.State, t.SettledAt, t.Reason = Refunded, &now, reason
	m.logger.Info("withdrawal refunded", "ticket", t.ID, "player", t.Player, "reason", reason)
	return true, nil
}

// transition loads the ticket, applies fn under the player token and saves
// it when fn reports a change.
func (m *Manager) transition(ctx context.Context, id string, fn func(*Ticket) (bool, error)) (*Ticket, bool, error) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	unlock, err := m.locks.LockContext(ctx, t.Player)
	if err != nil {
		return nil, false, apperr.Wrap(apperr.Deadline, err, "withdrawal: acquire player token")
	}
	defer unlock()

	if t, err = m.store.Get(ctx, id); err != nil {
		return nil, false, err
	}
	from := t.State
	changed, err := fn(t)
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return t, false, nil
	}
	ctx = context.WithoutCancel(ctx)
	if err := m.store.Update(ctx, t); err != nil {
		return nil, false, err
	}
	if t.State != from {
		transitions.WithLabelValues(string(t.State)).Inc()
		m.emit(ctx, t)
	}
	return t.clone(), true, nil
}

func (m *Manager) emit(ctx context.Context, t *Ticket) {
	events.Emit(ctx, m.publisher, m.logger, events.New(events.WithdrawalUpdated, t.Player, t.clone()))
}

// Expire refunds reserved tickets older than the TTL and releases holds
// whose ticket was never saved. It returns the number of tickets refunded.
func (m *Manager) Expire(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-m.ttl)
	stale, err := m.store.ListOpen(ctx, Reserved, cutoff, scanLimit)
	if err != nil {
		return 0, err
	}

	var (
		n    int
		errs []error
	)
	for _, s := range stale {
		_, changed, err := m.transition(ctx, s.ID, func(t *Ticket) (bool, error) {
			if t.State != Reserved {
				return false, nil
			}
			return m.refund(ctx, t, "expired: not submitted within "+m.ttl.String())
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", s.ID, err))
			continue
		}
		if changed {
			n++
		}
	}

	holds, err := m.ledger.Holds(ctx)
	if err != nil {
		return n, errors.Join(append(errs, err)...)
	}
	for _, h := range holds {
		if h.CreatedAt.After(cutoff) {
			continue
		}
		if _, err := m.store.Get(ctx, h.TicketID); !errors.Is(err, ErrTicketNotFound) {
			continue
		}
		if _, err := m.ledger.Release(ctx, h.TicketID); err != nil && !errors.Is(err, ledger.ErrHoldNotFound) {
			errs = append(errs, fmt.Errorf("release orphan hold %s: %w", h.TicketID, err))
			continue
		}
		m.logger.Warn("released hold with no ticket", "ticket", h.TicketID, "account", h.Account.String(), "amount", h.Amount)
	}

	if n > 0 {
		m.logger.Info("expired reserved withdrawals", "count", n)
	}
	return n, errors.Join(errs...)
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Checked   int `json:"checked"`
	Confirmed int `json:"confirmed"`
	Refunded  int `json:"refunded"`
	Pending   int `json:"pending"`
	Errors    int `json:"errors"`
}

// Reconcile asks the collaborator about submitted tickets older than the
// settlement SLA and applies any final result. Running it twice is
// harmless: OnSettlement is idempotent.
func (m *Manager) Reconcile(ctx context.Context, now time.Time) (ReconcileReport, error) {
	var rep ReconcileReport
	cutoff := now.Add(-m.sla)
	stale, err := m.store.ListOpen(ctx, Submitted, cutoff, scanLimit)
	if err != nil {
		return rep, err
	}
	for _, t := range stale {
		if t.SubmittedAt != nil && t.SubmittedAt.After(cutoff) {
			continue
		}
		rep.Checked++
		res, err := m.settler.Status(ctx, t)
		if err != nil {
			rep.Errors++
			m.logger.Warn("settlement status query failed", "ticket", t.ID, "error", err)
			continue
		}
		if res.Outcome == OutcomePending {
			rep.Pending++
			continue
		}
		if _, err := m.OnSettlement(ctx, t.ID, res); err != nil {
			rep.Errors++
			m.logger.Error("reconciliation could not apply result", "ticket", t.ID, "result", res.Outcome, "error", err)
			continue
		}
		reconciled.WithLabelValues(string(res.Outcome)).Inc()
		if res.Outcome == OutcomeConfirmed {
			rep.Confirmed++
		} else {
			rep.Refunded++
		}
	}
	if rep.Checked > 0 {
		m.logger.Info("withdrawal reconciliation finished", "checked", rep.Checked,
			"confirmed", rep.Confirmed, "refunded", rep.Refunded, "pending", rep.Pending, "errors", rep.Errors)
	}
	return rep, nil
}

// Get returns a ticket by id.
func (m *Manager) Get(ctx context.Context, id string) (*Ticket, error) {
	return m.store.Get(ctx, id)
}

// ListByPlayer returns the player's tickets, newest first.
func (m *Manager) ListByPlayer(ctx context.Context, player string, limit int) ([]*Ticket, error) {
	return m.store.ListByPlayer(ctx, player, limit)
}
