package ledger

import (
	"context"
	"sort"
)

// Mismatch is one account whose live balance disagrees with the journal.
type Mismatch struct {
	Account  Account `json:"account"`
	Live     int64   `json:"live"`
	Replayed int64   `json:"replayed"`
}

const replayPageSize = 1000

// Rebuild replays the whole journal from scratch and returns the balance
// of every account with a non-zero total.
func (l *Ledger) Rebuild(ctx context.Context) (map[Account]int64, error) {
	done := observeOp("rebuild")
	defer done()

	out := make(map[Account]int64)
	var after int64
	for {
		page, err := l.store.Entries(ctx, Query{AfterID: after, Limit: replayPageSize})
		if err != nil {
			return nil, err
		}
		for _, e := range page {
			out[e.Debit] -= e.Amount
			out[e.Credit] += e.Amount
			after = e.ID
		}
		if len(page) < replayPageSize {
			break
		}
	}
	for a, v := range out {
		if v == 0 {
			delete(out, a)
		}
	}
	return out, nil
}

// Verify compares the live balance snapshot against a journal replay.
// An empty result means the cache is exact.
func (l *Ledger) Verify(ctx context.Context) ([]Mismatch, error) {
	replayed, err := l.Rebuild(ctx)
	if err != nil {
		return nil, err
	}
	live, err := l.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	var out []Mismatch
	for a, v := range live {
		if replayed[a] != v {
			out = append(out, Mismatch{Account: a, Live: v, Replayed: replayed[a]})
		}
	}
	for a, v := range replayed {
		if _, ok := live[a]; !ok {
			out = append(out, Mismatch{Account: a, Live: 0, Replayed: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account.String() < out[j].Account.String() })
	return out, nil
}

// SystemTotals sums every account per currency. Double entry keeps each
// total at zero; anything else means an entry escaped the journal.
func SystemTotals(balances map[Account]int64) map[string]int64 {
	out := make(map[string]int64)
	for a, v := range balances {
		out[string(a.Currency)] += v
	}
	return out
}
