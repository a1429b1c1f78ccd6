// Package withdrawal moves funds out to player-controlled addresses. A
// ticket holds its amount against the source pocket from reserve until the
// settlement collaborator confirms (the hold becomes a withdrawal_settle
// entry) or fails (the hold is released and the ticket refunded).
package withdrawal

import (
	"context"
	"time"

	"github.com/mbd888/vaultbet/internal/apperr"
	"github.com/mbd888/vaultbet/internal/currency"
	"github.com/mbd888/vaultbet/internal/ledger"
)

var (
	ErrTicketNotFound    = apperr.New(apperr.NotFound, "withdrawal: ticket not found")
	ErrTicketExists      = apperr.New(apperr.DuplicateCorrelation, "withdrawal: ticket already exists")
	ErrInvalidTransition = apperr.New(apperr.ConflictingState, "withdrawal: transition not permitted")
	ErrBelowMinimum      = apperr.New(apperr.BelowMinimum, "withdrawal: amount below currency minimum")
	ErrInvalidPocket     = apperr.New(apperr.Invalid, "withdrawal: pocket cannot be withdrawn from")
	ErrInvalidRequest    = apperr.New(apperr.Invalid, "withdrawal: invalid request")
)

// State is the lifecycle state of a ticket.
//
//	reserved ──► submitted ──► confirmed
//	    │            └──► failed ──► refunded
//	    └──► refunded (expired)
type State string

const (
	Reserved  State = "reserved"
	Submitted State = "submitted"
	Confirmed State = "confirmed"
	Failed    State = "failed"
	Refunded  State = "refunded"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Confirmed || s == Refunded
}

// Open reports whether the ticket still holds funds.
func (s State) Open() bool {
	return s == Reserved || s == Submitted
}

// Withdrawable lists the pockets a ticket may draw from. Liquidity belongs
// to the pool, not the player.
var Withdrawable = []ledger.Pocket{ledger.Deposit, ledger.Winnings, ledger.Savings, ledger.Gaming}

func withdrawable(p ledger.Pocket) bool {
	for _, w := range Withdrawable {
		if w == p {
			return true
		}
	}
	return false
}

// Ticket is a single withdrawal.
type Ticket struct {
	ID          string        `json:"id"`
	Player      string        `json:"player"`
	Currency    currency.Code `json:"currency"`
	Amount      int64         `json:"amount"`
	Destination string        `json:"destination"`
	Pocket      ledger.Pocket `json:"sourcePocket"`
	State       State         `json:"state"`
	TxRef       string        `json:"externalTxRef,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	SubmittedAt *time.Time    `json:"submittedAt,omitempty"`
	SettledAt   *time.Time    `json:"settledAt,omitempty"`
}

func (t *Ticket) clone() *Ticket {
	cp := *t
	if t.SubmittedAt != nil {
		s := *t.SubmittedAt
		cp.SubmittedAt = &s
	}
	if t.SettledAt != nil {
		s := *t.SettledAt
		cp.SettledAt = &s
	}
	return &cp
}

// Request asks for a withdrawal.
type Request struct {
	Player      string
	Currency    currency.Code
	Amount      int64
	Destination string
	Pocket      ledger.Pocket
}

// Outcome is a settlement collaborator's verdict.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeFailed    Outcome = "failed"
	OutcomePending   Outcome = "pending" // only from Settler.Status
)

// Result is the payload of a settlement callback.
type Result struct {
	Outcome Outcome `json:"result"`
	TxRef   string  `json:"tx_ref,omitempty"`
	Reason  string  `json:"reason,omitempty"`
}

// Settler is the external settlement collaborator. Its only obligation is
// to eventually report a final Result, by callback or through Status.
type Settler interface {
	// Submit hands the ticket over and returns an external reference when
	// one is known at submission time.
	Submit(ctx context.Context, t *Ticket) (txRef string, err error)
	// Status reports the collaborator's view of a submitted ticket.
	Status(ctx context.Context, t *Ticket) (Result, error)
}

// Store persists tickets.
type Store interface {
	Create(ctx context.Context, t *Ticket) error
	Get(ctx context.Context, id string) (*Ticket, error)
	Update(ctx context.Context, t *Ticket) error
	ListByPlayer(ctx context.Context, player string, limit int) ([]*Ticket, error)
	// ListOpen returns tickets in state created at or before cutoff,
	// oldest first.
	ListOpen(ctx context.Context, state State, cutoff time.Time, limit int) ([]*Ticket, error)
}
