package ledger

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"

	"github.com/mbd888/vaultbet/internal/apperr"
)

// MemoryStore is an in-memory ledger store for demo/development mode and
// tests. Nothing survives a restart.
type MemoryStore struct {
	mu            sync.RWMutex
	entries       []*Entry
	balances      map[Account]int64
	holds         map[string]*Hold
	byCorrelation map[string][]int // correlation id -> indexes into entries
	nextID        int64
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:      make(map[Account]int64),
		holds:         make(map[string]*Hold),
		byCorrelation: make(map[string][]int),
		nextID:        1,
	}
}

func (m *MemoryStore) Commit(ctx context.Context, c *Commit) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Deadline, err, "ledger: commit")
	}

	if idx, ok := m.byCorrelation[c.CorrelationID]; ok {
		prior := make([]*Entry, len(idx))
		for i, j := range idx {
			prior[i] = cloneEntry(m.entries[j])
		}
		if entriesFingerprint(prior) != c.Fingerprint {
			return nil, ErrDuplicateCorrelation
		}
		if c.ConsumeHold != "" {
			delete(m.holds, c.ConsumeHold)
		}
		return prior, nil
	}

	// Work on a draft copy of the touched balances; nothing is written
	// until every check passes.
	var consumed *Hold
	if c.ConsumeHold != "" {
		h, ok := m.holds[c.ConsumeHold]
		if !ok {
			return nil, ErrHoldNotFound
		}
		consumed = h
	}

	next := make(map[Account]int64)
	for _, d := range c.Drafts {
		for _, a := range []Account{d.Debit, d.Credit} {
			if _, ok := next[a]; !ok {
				next[a] = m.balances[a]
			}
		}
		var ok bool
		if next[d.Debit], ok = addChecked(next[d.Debit], -d.Amount); !ok {
			return nil, fmt.Errorf("%w: balance overflow on %s", ErrInvalidAmount, d.Debit)
		}
		if next[d.Credit], ok = addChecked(next[d.Credit], d.Amount); !ok {
			return nil, fmt.Errorf("%w: balance overflow on %s", ErrInvalidAmount, d.Credit)
		}
	}

	for _, d := range c.Drafts {
		a := d.Debit
		if a.IsSystem() {
			continue
		}
		held := m.heldLocked(a)
		if consumed != nil && consumed.Account == a {
			held -= consumed.Amount
		}
		if next[a] < held {
			return nil, fmt.Errorf("%w: %s would fall to %d with %d held", ErrInsufficientFunds, a, next[a], held)
		}
	}

	out := make([]*Entry, len(c.Drafts))
	for i, d := range c.Drafts {
		e := &Entry{
			ID:            m.nextID,
			CreatedAt:     c.Now,
			Player:        c.Players[i],
			Currency:      d.Debit.Currency,
			Debit:         d.Debit,
			Credit:        d.Credit,
			Amount:        d.Amount,
			Kind:          d.Kind,
			CorrelationID: c.CorrelationID,
			Metadata:      copyMetadata(d.Metadata),
		}
		m.nextID++
		m.byCorrelation[c.CorrelationID] = append(m.byCorrelation[c.CorrelationID], len(m.entries))
		m.entries = append(m.entries, e)
		out[i] = cloneEntry(e)
	}
	for a, v := range next {
		m.balances[a] = v
	}
	if consumed != nil {
		delete(m.holds, c.ConsumeHold)
	}
	return out, nil
}

func (m *MemoryStore) Balance(ctx context.Context, acct Account) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[acct], nil
}

func (m *MemoryStore) Held(ctx context.Context, acct Account) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.heldLocked(acct), nil
}

func (m *MemoryStore) heldLocked(acct Account) int64 {
	var sum int64
	for _, h := range m.holds {
		if h.Account == acct {
			sum += h.Amount
		}
	}
	return sum
}

func (m *MemoryStore) PlayerBalances(ctx context.Context, player string) ([]AccountBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[Account]bool)
	var out []AccountBalance
	add := func(a Account) {
		if seen[a] || a.Owner != player {
			return
		}
		seen[a] = true
		bal := m.balances[a]
		held := m.heldLocked(a)
		out = append(out, AccountBalance{Account: a, Balance: bal, Held: held, Available: bal - held})
	}
	for a := range m.balances {
		add(a)
	}
	for _, h := range m.holds {
		add(h.Account)
	}
	sortBalances(out)
	return out, nil
}

func (m *MemoryStore) Snapshot(ctx context.Context) (map[Account]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[Account]int64, len(m.balances))
	for a, v := range m.balances {
		if v != 0 {
			out[a] = v
		}
	}
	return out, nil
}

func (m *MemoryStore) Entries(ctx context.Context, q Query) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []*Entry
	if q.CorrelationID != "" {
		for _, j := range m.byCorrelation[q.CorrelationID] {
			candidates = append(candidates, m.entries[j])
		}
	} else {
		// entries are stored in id order; skip straight past the cursor
		start := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].ID > q.AfterID })
		candidates = m.entries[start:]
	}

	var out []*Entry
	for _, e := range candidates {
		if !q.matches(e) {
			continue
		}
		out = append(out, cloneEntry(e))
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (q Query) matches(e *Entry) bool {
	if e.ID <= q.AfterID {
		return false
	}
	if q.Player != "" && e.Player != q.Player {
		return false
	}
	if q.Currency != "" && e.Currency != q.Currency {
		return false
	}
	if q.Pocket != "" {
		onPlayer := func(a Account) bool { return a.Owner == e.Player && a.Pocket == q.Pocket }
		if !onPlayer(e.Debit) && !onPlayer(e.Credit) {
			return false
		}
	}
	if len(q.Kinds) > 0 && !slices.Contains(q.Kinds, e.Kind) {
		return false
	}
	return true
}

func (m *MemoryStore) PutHold(ctx context.Context, h *Hold) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return apperr.Wrap(apperr.Deadline, err, "ledger: reserve")
	}
	if prior, ok := m.holds[h.TicketID]; ok {
		if prior.Account == h.Account && prior.Amount == h.Amount {
			return nil
		}
		return fmt.Errorf("%w: ticket %s already holds a different amount", ErrDuplicateCorrelation, h.TicketID)
	}
	if len(m.byCorrelation[h.TicketID]) > 0 {
		return fmt.Errorf("%w: ticket %s already settled", ErrDuplicateCorrelation, h.TicketID)
	}
	avail := m.balances[h.Account] - m.heldLocked(h.Account)
	if avail < h.Amount {
		return fmt.Errorf("%w: %s has %d available, %d requested", ErrInsufficientAvailable, h.Account, avail, h.Amount)
	}
	cp := *h
	m.holds[h.TicketID] = &cp
	return nil
}

func (m *MemoryStore) GetHold(ctx context.Context, ticketID string) (*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.holds[ticketID]
	if !ok {
		return nil, ErrHoldNotFound
	}
	cp := *h
	return &cp, nil
}

func (m *MemoryStore) DeleteHold(ctx context.Context, ticketID string) (*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[ticketID]
	if !ok {
		return nil, ErrHoldNotFound
	}
	delete(m.holds, ticketID)
	return h, nil
}

func (m *MemoryStore) Holds(ctx context.Context) ([]*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Hold, 0, len(m.holds))
	for _, h := range m.holds {
		cp := *h
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func cloneEntry(e *Entry) *Entry {
	cp := *e
	cp.Metadata = copyMetadata(e.Metadata)
	return &cp
}

func addChecked(a, b int64) (int64, bool) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, false
	}
	return a + b, true
}

func sortBalances(bs []AccountBalance) {
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].Account.Currency != bs[j].Account.Currency {
			return bs[i].Account.Currency < bs[j].Account.Currency
		}
		return pocketRank(bs[i].Account.Pocket) < pocketRank(bs[j].Account.Pocket)
	})
}

func pocketRank(p Pocket) int {
	return slices.Index(Pockets, p)
}
