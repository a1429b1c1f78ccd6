// Package currency describes the closed set of supported currencies: their
// minor-unit scale, withdrawal minimum, and address encoding.
//
// All amounts inside the core are int64 minor units. Display amounts are
// minor / 10^scale and only exist at the HTTP boundary.
package currency

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/mbd888/vaultbet/internal/apperr"
	"github.com/shopspring/decimal"
)

// Code identifies a currency.
type Code string

const (
	CRT  Code = "CRT"
	DOGE Code = "DOGE"
	TRX  Code = "TRX"
	USDC Code = "USDC"
	SOL  Code = "SOL"
)

// Errors
var (
	ErrUnknownCurrency = apperr.New(apperr.Invalid, "currency: unknown currency")
	ErrInvalidAmount   = apperr.New(apperr.Invalid, "currency: invalid amount")
	ErrInvalidAddress  = apperr.New(apperr.InvalidDestination, "currency: invalid address")
)

// Spec is the static description of one currency.
type Spec struct {
	Code          Code
	Scale         int32 // minor units per display unit = 10^Scale
	MinWithdrawal int64 // minor units
	Format        AddressFormat
}

// Table is the configured currency set.
type Table struct {
	specs map[Code]Spec
}

// DefaultTable returns the built-in currency set.
func DefaultTable() *Table {
	t := &Table{specs: make(map[Code]Spec)}
	for _, s := range []Spec{
		{Code: CRT, Scale: 6, MinWithdrawal: 1000_000000, Format: SolanaFormat},
		{Code: DOGE, Scale: 8, MinWithdrawal: 10_00000000, Format: DogecoinFormat},
		{Code: TRX, Scale: 6, MinWithdrawal: 10_000000, Format: TronFormat},
		{Code: USDC, Scale: 6, MinWithdrawal: 5_000000, Format: EVMFormat},
		{Code: SOL, Scale: 9, MinWithdrawal: 10_000000, Format: SolanaFormat},
	} {
		t.specs[s.Code] = s
	}
	return t
}

// SetMinWithdrawal overrides a currency's withdrawal minimum.
func (t *Table) SetMinWithdrawal(code Code, minor int64) error {
	s, ok := t.specs[code]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCurrency, code)
	}
	if minor <= 0 {
		return fmt.Errorf("%w: min withdrawal for %s must be positive", ErrInvalidAmount, code)
	}
	s.MinWithdrawal = minor
	t.specs[code] = s
	return nil
}

// Lookup returns the Spec registered for code.
func (t *Table) Lookup(code Code) (Spec, error) {
	s, ok := t.specs[code]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %q", ErrUnknownCurrency, code)
	}
	return s, nil
}

// Parse normalizes a currency code from user input.
func (t *Table) Parse(raw string) (Spec, error) {
	return t.Lookup(Code(strings.ToUpper(strings.TrimSpace(raw))))
}

// Codes returns the configured codes in sorted order.
func (t *Table) Codes() []Code {
	out := make([]Code, 0, len(t.specs))
	for c := range t.specs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseAmount converts a display amount ("12.5") to minor units. Amounts
// with more fractional digits than the scale are rejected rather than
// rounded.
func (s Spec) ParseAmount(display string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(display))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, display)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: negative amount", ErrInvalidAmount)
	}
	minor := d.Shift(s.Scale)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("%w: %s supports %d decimals", ErrInvalidAmount, s.Code, s.Scale)
	}
	if minor.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return 0, fmt.Errorf("%w: amount too large", ErrInvalidAmount)
	}
	return minor.IntPart(), nil
}

// FormatAmount renders minor units with exactly Scale decimals.
func (s Spec) FormatAmount(minor int64) string {
	return decimal.New(minor, -s.Scale).StringFixed(s.Scale)
}

// Decimal returns minor units as a display decimal.
func (s Spec) Decimal(minor int64) decimal.Decimal {
	return decimal.New(minor, -s.Scale)
}
