// Package vault exposes a player's savings: the deterministic vault
// address per currency, the savings balance, and the loss journal that
// fed it. Withdrawals from savings go through the withdrawal manager like
// any other pocket.
package vault

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/vaultbet/internal/apperr"
	"github.com/mbd888/vaultbet/internal/currency"
	"github.com/mbd888/vaultbet/internal/ledger"
	"github.com/mbd888/vaultbet/internal/wager"
	"github.com/mbd888/vaultbet/internal/withdrawal"
)

// DefaultDomainTag separates vault addresses from any other digest the
// deployment derives from player ids.
const DefaultDomainTag = "vaultbet/savings/v1"

var ErrInvalidRequest = apperr.New(apperr.Invalid, "vault: invalid request")

// Withdrawals is the part of the withdrawal manager the vault drives.
type Withdrawals interface {
	Reserve(ctx context.Context, req withdrawal.Request) (*withdrawal.Ticket, error)
	Submit(ctx context.Context, id string) (*withdrawal.Ticket, error)
}

// StatsSource reports wager counts for a player.
type StatsSource interface {
	Stats(ctx context.Context, player string) (wager.Stats, error)
}

// Vault reads savings state. It never posts journal entries itself.
type Vault struct {
	ledger      *ledger.Ledger
	currencies  *currency.Table
	withdrawals Withdrawals
	stats       StatsSource
	tag         string
	logger      *slog.Logger
}

// Option configures a Vault.
type Option func(*Vault)

// WithDomainTag overrides DefaultDomainTag.
func WithDomainTag(tag string) Option {
	return func(v *Vault) {
		if tag != "" {
			v.tag = tag
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Vault) { v.logger = l }
}

// New creates a vault accessor.
func New(l *ledger.Ledger, currencies *currency.Table, withdrawals Withdrawals, stats StatsSource, opts ...Option) *Vault {
	v := &Vault{
		ledger:      l,
		currencies:  currencies,
		withdrawals: withdrawals,
		stats:       stats,
		tag:         DefaultDomainTag,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Address derives the vault address for (player, currency) under tag:
// sha256(player || 0x00 || tag || 0x00 || currency), projected into the
// currency's address format.
func Address(spec currency.Spec, tag, player string) string {
	h := sha256.New()
	h.Write([]byte(player))
	h.Write([]byte{0})
	h.Write([]byte(tag))
	h.Write([]byte{0})
	h.Write([]byte(spec.Code))
	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return spec.EncodeAddress(digest)
}

// VaultAddress returns the player's vault address in cur.
func (v *Vault) VaultAddress(player string, cur currency.Code) (string, error) {
	if player == "" || player[0] == '@' {
		return "", fmt.Errorf("%w: player is required", ErrInvalidRequest)
	}
	spec, err := v.currencies.Lookup(cur)
	if err != nil {
		return "", err
	}
	return Address(spec, v.tag, player), nil
}

// VaultBalance returns the player's savings balance in cur.
func (v *Vault) VaultBalance(ctx context.Context, player string, cur currency.Code) (int64, error) {
	if _, err := v.currencies.Lookup(cur); err != nil {
		return 0, err
	}
	return v.ledger.Balance(ctx, ledger.PlayerAccount(player, cur, ledger.Savings))
}

// Holding is one currency's slice of the summary.
type Holding struct {
	Currency         currency.Code `json:"currency"`
	VaultAddress     string        `json:"vaultAddress"`
	Savings          int64         `json:"savings"`
	SavingsHeld      int64         `json:"savingsHeld"`
	SavingsAvailable int64         `json:"savingsAvailable"`
	Liquidity        int64         `json:"liquidity"`
}

// Loss is one savings_sweep entry with the savings it had accumulated in
// that currency up to and including it.
type Loss struct {
	EntryID      int64         `json:"entryId"`
	WagerID      string        `json:"wagerId"`
	GameKind     string        `json:"gameKind"`
	Currency     currency.Code `json:"currency"`
	Amount       int64         `json:"amount"`
	RunningTotal int64         `json:"runningTotal"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// Summary is the savings overview for one player.
type Summary struct {
	Player   string      `json:"player"`
	Holdings []Holding   `json:"holdings"`
	Losses   []Loss      `json:"losses"`
	Next     int64       `json:"-"`
	Stats    wager.Stats `json:"stats"`
	WinRate  float64     `json:"winRate"`
}

// Summary builds the overview. Losses are returned oldest first, starting
// after the entry id after, at most limit per call; Summary.Next resumes
// the journal (0 when exhausted).
func (v *Vault) Summary(ctx context.Context, player string, after int64, limit int) (*Summary, error) {
	if player == "" || player[0] == '@' {
		return nil, fmt.Errorf("%w: player is required", ErrInvalidRequest)
	}
	if limit <= 0 {
		limit = 50
	}

	balances, err := v.ledger.Balances(ctx, player)
	if err != nil {
		return nil, err
	}
	byCur := make(map[currency.Code]*Holding)
	var order []currency.Code
	for _, b := range balances {
		if b.Account.Pocket != ledger.Savings && b.Account.Pocket != ledger.Liquidity {
			continue
		}
		h, ok := byCur[b.Account.Currency]
		if !ok {
			spec, err := v.currencies.Lookup(b.Account.Currency)
			if err != nil {
				v.logger.Warn("balance in unconfigured currency", "player", player, "currency", b.Account.Currency)
				continue
			}
			h = &Holding{Currency: spec.Code, VaultAddress: Address(spec, v.tag, player)}
			byCur[spec.Code] = h
			order = append(order, spec.Code)
		}
		if b.Account.Pocket == ledger.Savings {
			h.Savings, h.SavingsHeld, h.SavingsAvailable = b.Balance, b.Held, b.Available
		} else {
			h.Liquidity = b.Balance
		}
	}

	s := &Summary{Player: player, Holdings: make([]Holding, 0, len(order)), Losses: []Loss{}}
	for _, code := range v.currencies.Codes() {
		if h, ok := byCur[code]; ok {
			s.Holdings = append(s.Holdings, *h)
		}
	}

	running := make(map[currency.Code]int64)
	for e, err := range v.ledger.History(ctx, player, ledger.Filter{Kinds: []ledger.Kind{ledger.KindSavingsSweep}}) {
		if err != nil {
			return nil, err
		}
		running[e.Currency] += e.Amount
		if e.ID <= after {
			continue
		}
		if len(s.Losses) == limit {
			s.Next = s.Losses[limit-1].EntryID
			break
		}
		s.Losses = append(s.Losses, Loss{
			EntryID:      e.ID,
			WagerID:      e.CorrelationID,
			GameKind:     e.Metadata["game_kind"],
			Currency:     e.Currency,
			Amount:       e.Amount,
			RunningTotal: running[e.Currency],
			CreatedAt:    e.CreatedAt,
		})
	}

	if v.stats != nil {
		if s.Stats, err = v.stats.Stats(ctx, player); err != nil {
			return nil, err
		}
		s.WinRate = s.Stats.WinRate()
	}
	return s, nil
}

// PrepareWithdrawal reserves amount from the player's savings for
// destination. The returned ticket is reserved; Submit hands it to
// settlement.
func (v *Vault) PrepareWithdrawal(ctx context.Context, player string, cur currency.Code, amount int64, destination string) (*withdrawal.Ticket, error) {
	return v.withdrawals.Reserve(ctx, withdrawal.Request{
		Player:      player,
		Currency:    cur,
		Amount:      amount,
		Destination: destination,
		Pocket:      ledger.Savings,
	})
}

// Submit hands a prepared savings withdrawal to settlement.
func (v *Vault) Submit(ctx context.Context, ticketID string) (*withdrawal.Ticket, error) {
	return v.withdrawals.Submit(ctx, ticketID)
}
