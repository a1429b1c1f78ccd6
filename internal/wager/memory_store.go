package wager

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/vaultbet/internal/pagination"
)

// MemoryStore is an in-memory wager store for demo/development mode.
type MemoryStore struct {
	mu     sync.RWMutex
	wagers map[string]*Wager
}

// NewMemoryStore creates a new in-memory wager store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{wagers: make(map[string]*Wager)}
}

func (m *MemoryStore) Create(_ context.Context, w *Wager) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.wagers[w.ID]; ok {
		return ErrWagerExists
	}
	m.wagers[w.ID] = w.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Wager, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wagers[id]
	if !ok {
		return nil, ErrWagerNotFound
	}
	return w.clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, w *Wager) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.wagers[w.ID]; !ok {
		return ErrWagerNotFound
	}
	m.wagers[w.ID] = w.clone()
	return nil
}

func (m *MemoryStore) ListByPlayer(_ context.Context, player string, before *pagination.Cursor, limit int) ([]*Wager, error) {
	m.mu.RLock()
	var out []*Wager
	for _, w := range m.wagers {
		if w.Player != player {
			continue
		}
		if before != nil && !olderThan(w, before) {
			continue
		}
		out = append(out, w.clone())
	}
	m.mu.RUnlock()

	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListPending(_ context.Context, limit int) ([]*Wager, error) {
	m.mu.RLock()
	var out []*Wager
	for _, w := range m.wagers {
		if w.Outcome == Pending {
			out = append(out, w.clone())
		}
	}
	m.mu.RUnlock()

	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Stats(_ context.Context, player string) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s Stats
	for _, w := range m.wagers {
		if w.Player != player || w.Outcome == Voided {
			continue
		}
		s.Games++
		switch w.Outcome {
		case Won:
			s.Wins++
		case Lost:
			s.Losses++
		}
	}
	return s, nil
}

// olderThan orders by (created_at, id) descending, matching the SQL
// "(created_at, id) < ($1, $2)".
func olderThan(w *Wager, c *pagination.Cursor) bool {
	if w.CreatedAt.Equal(c.CreatedAt) {
		return w.ID < c.ID
	}
	return w.CreatedAt.Before(c.CreatedAt)
}

func sortNewestFirst(ws []*Wager) {
	sort.Slice(ws, func(i, j int) bool {
		if ws[i].CreatedAt.Equal(ws[j].CreatedAt) {
			return ws[i].ID > ws[j].ID
		}
		return ws[i].CreatedAt.After(ws[j].CreatedAt)
	})
}
