package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/vaultbet/internal/currency"
)

// Pocket is a named compartment of a player's balance in one currency.
type Pocket string

const (
	Deposit   Pocket = "deposit"
	Winnings  Pocket = "winnings"
	Savings   Pocket = "savings"
	Gaming    Pocket = "gaming"
	Liquidity Pocket = "liquidity"
)

// Pockets lists every pocket in display order.
var Pockets = []Pocket{Deposit, Winnings, Gaming, Savings, Liquidity}

// SpendOrder is the order in which pockets are drained to cover a stake.
// Savings and liquidity are never spendable for wagering.
var SpendOrder = []Pocket{Winnings, Deposit, Gaming}

// Valid reports whether p is one of the known pockets.
func (p Pocket) Valid() bool {
	switch p {
	case Deposit, Winnings, Savings, Gaming, Liquidity:
		return true
	}
	return false
}

// System owners. Player identifiers never start with '@', so these can
// not collide with a wallet.
const (
	HouseOwner = "@house" // bankroll: counterparty for stakes and payouts
	ChainOwner = "@chain" // settlement boundary: counterparty for deposits and withdrawals
)

// Account identifies one balance: (owner, currency, pocket).
type Account struct {
	Owner    string        `json:"owner"`
	Currency currency.Code `json:"currency"`
	Pocket   Pocket        `json:"pocket"`
}

// PlayerAccount returns a player's pocket in cur.
func PlayerAccount(player string, cur currency.Code, pocket Pocket) Account {
	return Account{Owner: player, Currency: cur, Pocket: pocket}
}

// House returns the house bankroll account for cur.
func House(cur currency.Code) Account {
	return Account{Owner: HouseOwner, Currency: cur, Pocket: Gaming}
}

// Chain returns the external settlement account for cur.
func Chain(cur currency.Code) Account {
	return Account{Owner: ChainOwner, Currency: cur, Pocket: Deposit}
}

// IsSystem reports whether a is a contra account. System accounts carry
// signed balances; player accounts never go negative.
func (a Account) IsSystem() bool {
	return strings.HasPrefix(a.Owner, "@")
}

func (a Account) String() string {
	return a.Owner + "/" + string(a.Currency) + "/" + string(a.Pocket)
}

func (a Account) validate() error {
	if a.Owner == "" || a.Currency == "" {
		return fmt.Errorf("%w: incomplete account %s", ErrInvalidEntry, a)
	}
	if !a.Pocket.Valid() {
		return fmt.Errorf("%w: unknown pocket %q", ErrInvalidEntry, a.Pocket)
	}
	if a.IsSystem() && a.Owner != HouseOwner && a.Owner != ChainOwner {
		return fmt.Errorf("%w: unknown system owner %q", ErrInvalidEntry, a.Owner)
	}
	return nil
}

// Kind classifies a journal entry.
type Kind string

const (
	KindDeposit           Kind = "deposit"
	KindWagerStake        Kind = "wager_stake"
	KindWagerPayout       Kind = "wager_payout"
	KindSavingsSweep      Kind = "savings_sweep"
	KindLiquiditySweep    Kind = "liquidity_sweep"
	KindInternalTransfer  Kind = "internal_transfer"
	KindWithdrawalReserve Kind = "withdrawal_reserve"
	KindWithdrawalSettle  Kind = "withdrawal_settle"
	KindWithdrawalRefund  Kind = "withdrawal_refund"
	KindConversion        Kind = "conversion"
)

func (k Kind) valid() bool {
	switch k {
	case KindDeposit, KindWagerStake, KindWagerPayout, KindSavingsSweep, KindLiquiditySweep,
		KindInternalTransfer, KindWithdrawalReserve, KindWithdrawalSettle, KindWithdrawalRefund, KindConversion:
		return true
	}
	return false
}

// Draft is an uncommitted journal entry. Amount moves from Debit to Credit.
type Draft struct {
	Debit    Account
	Credit   Account
	Amount   int64
	Kind     Kind
	Metadata map[string]string
}

// Entry is an immutable committed journal entry.
type Entry struct {
	ID            int64             `json:"id"`
	CreatedAt     time.Time         `json:"createdAt"`
	Player        string            `json:"player"`
	Currency      currency.Code     `json:"currency"`
	Debit         Account           `json:"debit"`
	Credit        Account           `json:"credit"`
	Amount        int64             `json:"amount"`
	Kind          Kind              `json:"kind"`
	CorrelationID string            `json:"correlationId"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Touches reports whether the entry moves money in or out of acct.
func (e *Entry) Touches(acct Account) bool {
	return e.Debit == acct || e.Credit == acct
}

// Delta returns the signed change the entry applies to acct.
func (e *Entry) Delta(acct Account) int64 {
	var d int64
	if e.Credit == acct {
		d += e.Amount
	}
	if e.Debit == acct {
		d -= e.Amount
	}
	return d
}

// validateDraft checks a single draft and returns the player it belongs to.
func validateDraft(d Draft) (string, error) {
	if d.Amount <= 0 {
		return "", fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidAmount, d.Amount)
	}
	if !d.Kind.valid() {
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidEntry, d.Kind)
	}
	if err := d.Debit.validate(); err != nil {
		return "", err
	}
	if err := d.Credit.validate(); err != nil {
		return "", err
	}
	if d.Debit.Currency != d.Credit.Currency {
		return "", fmt.Errorf("%w: %s -> %s", ErrCurrencyMismatch, d.Debit.Currency, d.Credit.Currency)
	}
	if d.Debit == d.Credit {
		return "", fmt.Errorf("%w: debit and credit are the same account", ErrInvalidEntry)
	}

	var player string
	for _, a := range []Account{d.Debit, d.Credit} {
		if a.IsSystem() {
			continue
		}
		if player != "" && player != a.Owner {
			return "", fmt.Errorf("%w: entry spans two players", ErrInvalidEntry)
		}
		player = a.Owner
	}
	if player == "" {
		return "", fmt.Errorf("%w: entry has no player side", ErrInvalidEntry)
	}
	return player, nil
}

// fingerprint identifies the money movement of a batch, ignoring metadata,
// so a retried post can be recognised.
func fingerprint(drafts []Draft) string {
	h := sha256.New()
	for _, d := range drafts {
		fmt.Fprintf(h, "%s|%s|%s|%d\n", d.Kind, d.Debit, d.Credit, d.Amount)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func entriesFingerprint(entries []*Entry) string {
	drafts := make([]Draft, len(entries))
	for i, e := range entries {
		drafts[i] = Draft{Debit: e.Debit, Credit: e.Credit, Amount: e.Amount, Kind: e.Kind}
	}
	return fingerprint(drafts)
}

func copyMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
