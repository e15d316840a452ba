package session

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// MemoryStore keeps sessions in a bounded in-process LRU cache. The least
// recently used session is forgotten once the cache is full.
type MemoryStore struct {
	logger           *zap.Logger
	cache            *lru.Cache[string, *Context]
	maxTurns         int
	developerDefault bool
}

// MemoryStoreOption defines a functional option for MemoryStore
type MemoryStoreOption func(*MemoryStore)

// WithMaxTurns bounds the stored history of each session
func WithMaxTurns(n int) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.maxTurns = n
	}
}

// WithDeveloperModeDefault sets the mode flag of new sessions
func WithDeveloperModeDefault(on bool) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.developerDefault = on
	}
}

// NewMemoryStore creates a store holding at most size sessions.
func NewMemoryStore(logger *zap.Logger, size int, opts ...MemoryStoreOption) (*MemoryStore, error) {
	s := &MemoryStore{logger: logger}
	cache, err := lru.NewWithEvict[string, *Context](size, func(id string, _ *Context) {
		s.logger.Debug("session evicted", zap.String("session_id", id))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}
	s.cache = cache
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Load returns a copy of the stored session; callers own the returned value.
func (s *MemoryStore) Load(_ context.Context, id string) (*Context, error) {
	if c, ok := s.cache.Get(id); ok {
		return c.Clone(), nil
	}
	c := New(id)
	c.DeveloperMode = s.developerDefault
	return c, nil
}

// Save stores a copy of c, trimmed to the configured history bound.
func (s *MemoryStore) Save(_ context.Context, c *Context) error {
	stored := c.Clone()
	stored.Turns = Trim(stored.Turns, s.maxTurns)
	s.cache.Add(c.ID, stored)
	return nil
}

// Len returns the number of cached sessions.
func (s *MemoryStore) Len() int {
	return s.cache.Len()
}
