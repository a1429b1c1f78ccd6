package wallet

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mbd888/vaultbet/internal/currency"
)

type pair struct {
	from, to currency.Code
}

// Rates are static conversion rates between display units: one unit of
// from buys rate units of to. A pair configured in one direction also
// serves the inverse.
type Rates struct {
	m map[pair]decimal.Decimal
}

// ParseRates parses "CRT:USDC=0.05,DOGE:USDC=0.08". Empty input yields no
// rates, which disables conversion.
func ParseRates(s string) (Rates, error) {
	r := Rates{m: make(map[pair]decimal.Decimal)}
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		codes, value, ok := strings.Cut(item, "=")
		if !ok {
			return Rates{}, fmt.Errorf("wallet: rate %q: missing '='", item)
		}
		from, to, ok := strings.Cut(codes, ":")
		if !ok {
			return Rates{}, fmt.Errorf("wallet: rate %q: want FROM:TO=RATE", item)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil || !rate.IsPositive() {
			return Rates{}, fmt.Errorf("wallet: rate %q: rate must be a positive decimal", item)
		}
		p := pair{currency.Code(strings.ToUpper(strings.TrimSpace(from))), currency.Code(strings.ToUpper(strings.TrimSpace(to)))}
		if p.from == p.to {
			return Rates{}, fmt.Errorf("wallet: rate %q: same currency on both sides", item)
		}
		r.m[p] = rate
	}
	return r, nil
}

// Rate returns the rate for from→to, deriving it from the inverse pair
// when only that one is configured.
func (r Rates) Rate(from, to currency.Code) (decimal.Decimal, bool) {
	if rate, ok := r.m[pair{from, to}]; ok {
		return rate, true
	}
	if inv, ok := r.m[pair{to, from}]; ok {
		return decimal.NewFromInt(1).DivRound(inv, 18), true
	}
	return decimal.Zero, false
}

// Pairs lists the configured pairs as "FROM:TO".
func (r Rates) Pairs() []string {
	out := make([]string, 0, len(r.m))
	for p := range r.m {
		out = append(out, string(p.from)+":"+string(p.to))
	}
	sort.Strings(out)
	return out
}

// convert returns floor(amount × rate) in the target's minor units.
func convert(amount int64, from, to currency.Spec, rate decimal.Decimal) int64 {
	return from.Decimal(amount).Mul(rate).Shift(to.Scale).Floor().IntPart()
}
