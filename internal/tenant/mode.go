package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"taglocator/gateway-server/internal/model"
	"taglocator/gateway-server/internal/store"
)

// DefaultModeTTL bounds how long a cached location mode may be used.
const DefaultModeTTL = 5 * time.Minute

// ModeSource reads a tenant's configured location mode.
type ModeSource interface {
	LocationMode(ctx context.Context, companyID string) (model.LocationMode, error)
}

type modeEntry struct {
	mode      model.LocationMode
	fetchedAt time.Time
}

// ModeCache is a read-through cache of tenant location modes.
type ModeCache struct {
	src ModeSource
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]modeEntry
}

// NewModeCache constructs a cache over src. A non-positive ttl selects DefaultModeTTL.
func NewModeCache(src ModeSource, ttl time.Duration) *ModeCache {
	if ttl <= 0 {
		ttl = DefaultModeTTL
	}
	return &ModeCache{src: src, ttl: ttl, now: time.Now, entries: make(map[string]modeEntry)}
}

// Mode returns the tenant's location mode, refreshing entries older than the TTL.
// A tenant without a stored mode uses realtime.
func (c *ModeCache) Mode(ctx context.Context, companyID string) (model.LocationMode, error) {
	now := c.now()

	c.mu.Lock()
	e, ok := c.entries[companyID]
	c.mu.Unlock()
	if ok && now.Sub(e.fetchedAt) < c.ttl {
		return e.mode, nil
	}

	mode, err := c.src.LocationMode(ctx, companyID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		mode = model.ModeRealtime
	case err != nil:
		return "", fmt.Errorf("location mode %s: %w", companyID, err)
	}

	c.mu.Lock()
	c.entries[companyID] = modeEntry{mode: mode, fetchedAt: now}
	c.mu.Unlock()
	return mode, nil
}
