// Package wager places bets: it serializes a player's bets, drains the
// spendable pockets, asks the policy engine for an outcome and commits the
// stake, payout or sweeps as one ledger batch.
package wager

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/vaultbet/internal/apperr"
	"github.com/mbd888/vaultbet/internal/currency"
	"github.com/mbd888/vaultbet/internal/ledger"
	"github.com/mbd888/vaultbet/internal/pagination"
	"github.com/mbd888/vaultbet/internal/policy"
)

var (
	ErrWagerNotFound  = apperr.New(apperr.NotFound, "wager: not found")
	ErrWagerExists    = apperr.New(apperr.DuplicateCorrelation, "wager: already exists")
	ErrWagerMismatch  = apperr.New(apperr.DuplicateCorrelation, "wager: id reused with different parameters")
	ErrNotPending     = apperr.New(apperr.ConflictingState, "wager: not pending")
	ErrUndecided      = apperr.New(apperr.Internal, "wager: outcome could not be decided; stake held pending review")
	ErrInvalidRequest = apperr.New(apperr.Invalid, "wager: invalid request")
)

// Outcome is the lifecycle state of a wager.
type Outcome string

const (
	Pending Outcome = "pending"
	Won     Outcome = "won"
	Lost    Outcome = "lost"
	Voided  Outcome = "voided"
)

// Terminal reports whether the wager can no longer change.
func (o Outcome) Terminal() bool {
	return o == Won || o == Lost || o == Voided
}

// Wager is the record of one bet.
type Wager struct {
	ID         string                  `json:"id"`
	Player     string                  `json:"player"`
	Currency   currency.Code           `json:"currency"`
	Stake      int64                   `json:"stake"`
	GameKind   policy.GameKind         `json:"gameKind"`
	Seed       string                  `json:"rngSeed"`
	Outcome    Outcome                 `json:"outcome"`
	Payout     int64                   `json:"payout"`
	Multiplier int64                   `json:"multiplier"` // 1/10000 units, 0 unless won
	Sources    map[ledger.Pocket]int64 `json:"sources"`
	PlanID     string                  `json:"planId,omitempty"`
	Note       string                  `json:"note,omitempty"`
	CreatedAt  time.Time               `json:"createdAt"`
	SettledAt  *time.Time              `json:"settledAt,omitempty"`
}

// Net is the change in the player's spendable balance: payout − stake for
// a settled wager, zero otherwise. The savings and liquidity sweeps of a
// lost wager are not spendable and do not count.
func (w *Wager) Net() int64 {
	switch w.Outcome {
	case Won:
		return w.Payout - w.Stake
	case Lost:
		return -w.Stake
	}
	return 0
}

func (w *Wager) clone() *Wager {
	cp := *w
	cp.Sources = make(map[ledger.Pocket]int64, len(w.Sources))
	for k, v := range w.Sources {
		cp.Sources[k] = v
	}
	if w.SettledAt != nil {
		t := *w.SettledAt
		cp.SettledAt = &t
	}
	return &cp
}

// BetRequest asks for one bet. WagerID is optional; when set, a retry with
// the same id returns the original receipt.
type BetRequest struct {
	WagerID  string
	Player   string
	Currency currency.Code
	GameKind policy.GameKind
	Stake    int64
	PlanID   string
}

// matches reports whether req describes the same bet as w.
func (r BetRequest) matches(w *Wager) bool {
	return r.Player == w.Player && r.Currency == w.Currency &&
		r.GameKind == w.GameKind && r.Stake == w.Stake
}

// Receipt is the result of PlaceBet.
type Receipt struct {
	Wager    *Wager          `json:"wager"`
	Entries  []*ledger.Entry `json:"entries"`
	Replayed bool            `json:"replayed"` // true when the wager id was already settled
}

// Stats counts a player's wagers.
type Stats struct {
	Games  int64 `json:"games"`
	Wins   int64 `json:"wins"`
	Losses int64 `json:"losses"`
}

// WinRate is wins over decided games, 0 when none.
func (s Stats) WinRate() float64 {
	if s.Wins+s.Losses == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Wins+s.Losses)
}

// Store persists wager records. The journal remains the source of truth:
// a record missing after a crash is rebuilt from entry metadata.
type Store interface {
	Create(ctx context.Context, w *Wager) error
	Get(ctx context.Context, id string) (*Wager, error)
	Update(ctx context.Context, w *Wager) error
	// ListByPlayer returns wagers newest first, strictly before the cursor.
	ListByPlayer(ctx context.Context, player string, before *pagination.Cursor, limit int) ([]*Wager, error)
	ListPending(ctx context.Context, limit int) ([]*Wager, error)
	Stats(ctx context.Context, player string) (Stats, error)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrWagerNotFound)
}
