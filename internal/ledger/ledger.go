// Package ledger is the sole authority for balance mutation.
//
// Every balance change is the projection of an immutable journal entry.
// Balances are a derived cache over the journal: Rebuild replays the
// journal from scratch and must reproduce them exactly.
//
// Flow:
//  1. Callers compose Drafts sharing one correlation id and Post them
//  2. The store validates, applies and persists the batch atomically
//  3. Withdrawals Reserve funds (a hold, no journal write), then either
//     Consume the hold (posting withdrawal_settle) or Release it
package ledger

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/mbd888/vaultbet/internal/apperr"
	"github.com/mbd888/vaultbet/internal/currency"
	"github.com/mbd888/vaultbet/internal/traces"
)

var (
	ErrInsufficientFunds     = apperr.New(apperr.InsufficientFunds, "ledger: insufficient funds")
	ErrInsufficientAvailable = apperr.New(apperr.InsufficientAvailable, "ledger: insufficient available balance")
	ErrCurrencyMismatch      = apperr.New(apperr.CurrencyMismatch, "ledger: entry mixes currencies")
	ErrDuplicateCorrelation  = apperr.New(apperr.DuplicateCorrelation, "ledger: correlation id already committed with different entries")
	ErrInvalidAmount         = apperr.New(apperr.Invalid, "ledger: invalid amount")
	ErrInvalidEntry          = apperr.New(apperr.Invalid, "ledger: invalid entry")
	ErrEmptyBatch            = apperr.New(apperr.Invalid, "ledger: empty batch")
	ErrHoldNotFound          = apperr.New(apperr.ConflictingState, "ledger: hold not found")
	ErrStorage               = apperr.New(apperr.TransientStorage, "ledger: storage unavailable")
)

// Hold is an out-of-band reservation against an account's available balance.
type Hold struct {
	TicketID  string    `json:"ticketId"`
	Account   Account   `json:"account"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"createdAt"`
}

// AccountBalance is the view of one account: its balance, what is held
// against it, and what is left to spend.
type AccountBalance struct {
	Account   Account `json:"account"`
	Balance   int64   `json:"balance"`
	Held      int64   `json:"held"`
	Available int64   `json:"available"`
}

// Commit is one atomic unit handed to the store.
type Commit struct {
	CorrelationID string
	Drafts        []Draft
	Players       []string // player side of each draft
	Fingerprint   string
	ConsumeHold   string // ticket whose hold is deleted in the same unit
	Now           time.Time
}

// Query selects journal entries. Results are in ascending entry id order.
type Query struct {
	Player        string // empty = all players
	Currency      currency.Code
	Pocket        Pocket
	Kinds         []Kind
	CorrelationID string
	AfterID       int64
	Limit         int
}

// Store persists the journal, the balance snapshot and the hold set.
//
// Commit must be atomic. If the correlation id is already committed it
// returns the original entries when the fingerprint matches and
// ErrDuplicateCorrelation otherwise. Player accounts debited by the batch
// must end with balance >= held or the commit fails with
// ErrInsufficientFunds.
type Store interface {
	Commit(ctx context.Context, c *Commit) ([]*Entry, error)
	Balance(ctx context.Context, acct Account) (int64, error)
	Held(ctx context.Context, acct Account) (int64, error)
	PlayerBalances(ctx context.Context, player string) ([]AccountBalance, error)
	Snapshot(ctx context.Context) (map[Account]int64, error)
	Entries(ctx context.Context, q Query) ([]*Entry, error)

	// PutHold stores h if available >= h.Amount. Re-putting an identical
	// hold is a no-op.
	PutHold(ctx context.Context, h *Hold) error
	GetHold(ctx context.Context, ticketID string) (*Hold, error)
	DeleteHold(ctx context.Context, ticketID string) (*Hold, error)
	Holds(ctx context.Context) ([]*Hold, error)
}

// CommitHook observes committed batches. Hooks run after the commit
// returns and must not block.
type CommitHook func(ctx context.Context, entries []*Entry)

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the ledger's logger.
func WithLogger(l *slog.Logger) Option {
	return func(lg *Ledger) { lg.logger = l }
}

// WithCommitHook registers a hook run after every successful commit.
func WithCommitHook(h CommitHook) Option {
	return func(lg *Ledger) { lg.hooks = append(lg.hooks, h) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(lg *Ledger) { lg.now = now }
}

// Ledger is the journal-backed balance authority.
type Ledger struct {
	store  Store
	logger *slog.Logger
	hooks  []CommitHook
	now    func() time.Time
}

// New creates a ledger over store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Post commits drafts atomically under correlationID.
func (l *Ledger) Post(ctx context.Context, correlationID string, drafts []Draft) ([]*Entry, error) {
	return l.commit(ctx, "post", &Commit{CorrelationID: correlationID, Drafts: drafts})
}

func (l *Ledger) commit(ctx context.Context, op string, c *Commit) (_ []*Entry, err error) {
	done := observeOp(op)
	defer done()

	ctx, span := traces.StartSpan(ctx, "ledger."+op, traces.Correlation(c.CorrelationID))
	defer func() { traces.End(span, err) }()

	if c.CorrelationID == "" {
		return nil, fmt.Errorf("%w: missing correlation id", ErrInvalidEntry)
	}
	if len(c.Drafts) == 0 {
		return nil, ErrEmptyBatch
	}
	c.Players = make([]string, len(c.Drafts))
	for i, d := range c.Drafts {
		p, err := validateDraft(d)
		if err != nil {
			return nil, err
		}
		c.Players[i] = p
	}
	c.Fingerprint = fingerprint(c.Drafts)
	c.Now = l.now().UTC()

	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Deadline, err, "ledger: "+op)
	}

	entries, err := l.store.Commit(ctx, c)
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			ledgerInsufficient.Inc()
		}
		return nil, err
	}
	for _, e := range entries {
		ledgerEntries.WithLabelValues(string(e.Kind)).Inc()
	}
	for _, h := range l.hooks {
		h(ctx, entries)
	}
	return entries, nil
}

// Balance returns the balance of acct in minor units.
func (l *Ledger) Balance(ctx context.Context, acct Account) (int64, error) {
	return l.store.Balance(ctx, acct)
}

// Available returns balance minus holds for acct.
func (l *Ledger) Available(ctx context.Context, acct Account) (int64, error) {
	bal, err := l.store.Balance(ctx, acct)
	if err != nil {
		return 0, err
	}
	held, err := l.store.Held(ctx, acct)
	if err != nil {
		return 0, err
	}
	return bal - held, nil
}

// Balances returns every non-empty account the player owns.
func (l *Ledger) Balances(ctx context.Context, player string) ([]AccountBalance, error) {
	return l.store.PlayerBalances(ctx, player)
}

// Reserve places a hold of amount against acct for ticketID.
func (l *Ledger) Reserve(ctx context.Context, acct Account, amount int64, ticketID string) error {
	done := observeOp("reserve")
	defer done()

	if amount <= 0 {
		return fmt.Errorf("%w: reserve amount must be positive", ErrInvalidAmount)
	}
	if ticketID == "" {
		return fmt.Errorf("%w: missing ticket id", ErrInvalidEntry)
	}
	if err := acct.validate(); err != nil {
		return err
	}
	if acct.IsSystem() {
		return fmt.Errorf("%w: cannot reserve against %s", ErrInvalidEntry, acct)
	}
	if err := ctx.Err(); err != nil {
		return apperr.Wrap(apperr.Deadline, err, "ledger: reserve")
	}
	return l.store.PutHold(ctx, &Hold{TicketID: ticketID, Account: acct, Amount: amount, CreatedAt: l.now().UTC()})
}

// Release drops the hold for ticketID. Releasing a missing hold returns
// ErrHoldNotFound, which callers replaying a release may ignore.
func (l *Ledger) Release(ctx context.Context, ticketID string) (*Hold, error) {
	done := observeOp("release")
	defer done()
	return l.store.DeleteHold(ctx, ticketID)
}

// Consume settles the hold for ticketID: it posts a withdrawal_settle
// entry moving the held amount to the chain account and deletes the hold
// in the same atomic unit. Consuming an already consumed ticket returns
// the original entries.
func (l *Ledger) Consume(ctx context.Context, ticketID string, metadata map[string]string) ([]*Entry, error) {
	hold, err := l.store.GetHold(ctx, ticketID)
	if errors.Is(err, ErrHoldNotFound) {
		prior, perr := l.Correlated(ctx, ticketID)
		if perr != nil {
			return nil, perr
		}
		if len(prior) > 0 {
			return prior, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return l.commit(ctx, "consume", &Commit{
		CorrelationID: ticketID,
		ConsumeHold:   ticketID,
		Drafts: []Draft{{
			Debit:    hold.Account,
			Credit:   Chain(hold.Account.Currency),
			Amount:   hold.Amount,
			Kind:     KindWithdrawalSettle,
			Metadata: metadata,
		}},
	})
}

// Hold returns the hold for ticketID.
func (l *Ledger) Hold(ctx context.Context, ticketID string) (*Hold, error) {
	return l.store.GetHold(ctx, ticketID)
}

// Holds returns every outstanding hold.
func (l *Ledger) Holds(ctx context.Context) ([]*Hold, error) {
	return l.store.Holds(ctx)
}

// Correlated returns the entries committed under correlationID.
func (l *Ledger) Correlated(ctx context.Context, correlationID string) ([]*Entry, error) {
	return l.store.Entries(ctx, Query{CorrelationID: correlationID})
}

// Filter narrows History.
type Filter struct {
	Currency currency.Code
	Pocket   Pocket
	Kinds    []Kind
	After    int64 // resume after this entry id
	PageSize int
}

const defaultPageSize = 100

// History yields the player's entries in commit order. The sequence is
// lazy: pages are fetched as the caller ranges. It can be restarted from
// any entry id via Filter.After.
func (l *Ledger) History(ctx context.Context, player string, f Filter) iter.Seq2[*Entry, error] {
	size := f.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	return func(yield func(*Entry, error) bool) {
		after := f.After
		for {
			page, err := l.store.Entries(ctx, Query{
				Player:   player,
				Currency: f.Currency,
				Pocket:   f.Pocket,
				Kinds:    f.Kinds,
				AfterID:  after,
				Limit:    size,
			})
			if err != nil {
				yield(nil, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
				after = e.ID
			}
			if len(page) < size {
				return
			}
		}
	}
}

// Page returns up to limit entries after the cursor and the cursor for
// the next page (0 when exhausted).
func (l *Ledger) Page(ctx context.Context, player string, f Filter, limit int) ([]*Entry, int64, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	entries, err := l.store.Entries(ctx, Query{
		Player:   player,
		Currency: f.Currency,
		Pocket:   f.Pocket,
		Kinds:    f.Kinds,
		AfterID:  f.After,
		Limit:    limit + 1,
	})
	if err != nil {
		return nil, 0, err
	}
	var next int64
	if len(entries) > limit {
		entries = entries[:limit]
		next = entries[limit-1].ID
	}
	return entries, next, nil
}
