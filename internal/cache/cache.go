// Package cache holds the session-local attempt snapshot store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/stemsi/exstem-attempt/internal/model"
)

var ErrCacheMiss = errors.New("no cached snapshot for attempt")

// SessionCache persists one snapshot per attempt id.
type SessionCache interface {
	Save(ctx context.Context, snap *model.AttemptSnapshot) error
	Load(ctx context.Context, attemptID string) (*model.AttemptSnapshot, error)
	Clear(ctx context.Context, attemptID string) error
}

// MemoryCache keeps snapshots in process memory. Values are stored encoded so
// callers never share maps with the cache.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string][]byte)}
}

func (c *MemoryCache) Save(_ context.Context, snap *model.AttemptSnapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.items[snap.AttemptID] = raw
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Load(_ context.Context, attemptID string) (*model.AttemptSnapshot, error) {
	c.mu.RLock()
	raw, ok := c.items[attemptID]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrCacheMiss
	}
	var snap model.AttemptSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *MemoryCache) Clear(_ context.Context, attemptID string) error {
	c.mu.Lock()
	delete(c.items, attemptID)
	c.mu.Unlock()
	return nil
}
