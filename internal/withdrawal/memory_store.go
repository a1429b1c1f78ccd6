package withdrawal

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory ticket store for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	tickets map[string]*Ticket
}

// NewMemoryStore creates a new in-memory ticket store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tickets: make(map[string]*Ticket)}
}

func (m *MemoryStore) Create(_ context.Context, t *Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tickets[t.ID]; ok {
		return ErrTicketExists
	}
	m.tickets[t.ID] = t.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tickets[id]
	if !ok {
		return nil, ErrTicketNotFound
	}
	return t.clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, t *Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tickets[t.ID]; !ok {
		return ErrTicketNotFound
	}
	m.tickets[t.ID] = t.clone()
	return nil
}

func (m *MemoryStore) ListByPlayer(_ context.Context, player string, limit int) ([]*Ticket, error) {
	m.mu.RLock()
	var out []*Ticket
	for _, t := range m.tickets {
		if t.Player == player {
			out = append(out, t.clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListOpen(_ context.Context, state State, cutoff time.Time, limit int) ([]*Ticket, error) {
	m.mu.RLock()
	var out []*Ticket
	for _, t := range m.tickets {
		if t.State == state && !t.CreatedAt.After(cutoff) {
			out = append(out, t.clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
