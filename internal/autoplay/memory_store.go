package autoplay

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore keeps plans and sessions in memory. Used in demo mode and
// tests.
type MemoryStore struct {
	mu       sync.RWMutex
	plans    map[string]*Plan
	sessions map[string][]*Session // by plan id, oldest first
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans:    make(map[string]*Plan),
		sessions: make(map[string][]*Session),
	}
}

func (m *MemoryStore) Create(_ context.Context, p *Plan, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plans[p.ID]; ok {
		return ErrPlanExists
	}
	m.plans[p.ID] = p.clone()
	m.sessions[p.ID] = []*Session{s.clone()}
	return nil
}

func (m *MemoryStore) GetPlan(_ context.Context, id string) (*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return p.clone(), nil
}

func (m *MemoryStore) UpdatePlan(_ context.Context, p *Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plans[p.ID]; !ok {
		return ErrPlanNotFound
	}
	m.plans[p.ID] = p.clone()
	return nil
}

func (m *MemoryStore) ListByPlayer(_ context.Context, player string, limit int) ([]*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Plan
	for _, p := range m.plans {
		if p.Player == player {
			out = append(out, p.clone())
		}
	}
	slices.SortFunc(out, newestFirst)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListActive(_ context.Context) ([]*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Plan
	for _, p := range m.plans {
		if p.State.Active() {
			out = append(out, p.clone())
		}
	}
	slices.SortFunc(out, func(a, b *Plan) int { return newestFirst(b, a) })
	return out, nil
}

func (m *MemoryStore) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plans[s.PlanID]; !ok {
		return ErrPlanNotFound
	}
	m.sessions[s.PlanID] = append(m.sessions[s.PlanID], s.clone())
	return nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.sessions[s.PlanID] {
		if existing.ID == s.ID {
			m.sessions[s.PlanID][i] = s.clone()
			return nil
		}
	}
	return ErrPlanNotFound
}

func (m *MemoryStore) ListSessions(_ context.Context, planID string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.plans[planID]; !ok {
		return nil, ErrPlanNotFound
	}
	out := make([]*Session, len(m.sessions[planID]))
	for i, s := range m.sessions[planID] {
		out[i] = s.clone()
	}
	return out, nil
}

func newestFirst(a, b *Plan) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	switch {
	case a.ID > b.ID:
		return -1
	case a.ID < b.ID:
		return 1
	}
	return 0
}
