package auth

import (
	"context"
	"sync"
	"time"
)

// MemoryTokenStore is an in-memory implementation of TokenStore
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]*TokenRecord
}

// NewMemoryTokenStore creates a new in-memory token store
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]*TokenRecord)}
}

func (s *MemoryTokenStore) Create(_ context.Context, r *TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.tokens[r.JTI] = &cp
	return nil
}

func (s *MemoryTokenStore) Get(_ context.Context, jti string) (*TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.tokens[jti]
	if !ok {
		return nil, ErrTokenNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryTokenStore) Revoke(_ context.Context, jti string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.tokens[jti]
	if !ok {
		return ErrTokenNotFound
	}
	if r.RevokedAt == nil {
		r.RevokedAt = &at
	}
	return nil
}

func (s *MemoryTokenStore) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for jti, r := range s.tokens {
		if !r.ExpiresAt.After(before) {
			delete(s.tokens, jti)
			n++
		}
	}
	return n, nil
}
