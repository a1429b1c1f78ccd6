package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/vaultbet/internal/apperr"
)

// MemoryNonceStore keeps challenges in process. Expired entries are
// dropped lazily on access and on Put.
type MemoryNonceStore struct {
	mu      sync.Mutex
	entries map[string]*Challenge
	now     func() time.Time
}

// NewMemoryNonceStore creates an in-memory challenge store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{entries: make(map[string]*Challenge), now: time.Now}
}

func (s *MemoryNonceStore) Put(_ context.Context, c *Challenge, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, e := range s.entries {
		if !now.Before(e.ExpiresAt) {
			delete(s.entries, id)
		}
	}
	cp := *c
	s.entries[c.ID] = &cp
	return nil
}

func (s *MemoryNonceStore) Take(_ context.Context, id string) (*Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.entries[id]
	if !ok {
		return nil, ErrChallengeNotFound
	}
	delete(s.entries, id)
	if !s.now().Before(c.ExpiresAt) {
		return nil, ErrChallengeNotFound
	}
	return c, nil
}

// RedisNonceStore keeps challenges in Redis with a TTL, so any replica can
// verify a challenge another replica issued.
type RedisNonceStore struct {
	client *redis.Client
	prefix string
}

// NewRedisNonceStore wraps a connected client.
func NewRedisNonceStore(client *redis.Client) *RedisNonceStore {
	return &RedisNonceStore{client: client, prefix: "vaultbet:auth:nonce:"}
}

func (s *RedisNonceStore) Put(ctx context.Context, c *Challenge, ttl time.Duration) error {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("auth: encode challenge: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.prefix+c.ID, b, ttl).Result()
	if err != nil {
		return apperr.Wrap(apperr.TransientStorage, err, "auth: store challenge")
	}
	if !ok {
		return apperr.New(apperr.Internal, "auth: challenge id collision")
	}
	return nil
}

func (s *RedisNonceStore) Take(ctx context.Context, id string) (*Challenge, error) {
	b, err := s.client.GetDel(ctx, s.prefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.TransientStorage, err, "auth: take challenge")
	}
	var c Challenge
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("auth: decode challenge: %w", err)
	}
	return &c, nil
}
