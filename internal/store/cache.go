package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/sweeney/valve-meter/internal/logic"
)

// DefaultWindowTTL bounds how stale a cached window aggregate can be.
const DefaultWindowTTL = time.Minute

// WindowCache caches QueryWindow results per valve and exact window start.
// Every write that can change a window invalidates it.
type WindowCache struct {
	Store
	cache *gocache.Cache
}

// NewWindowCache wraps inner. ttl <= 0 means DefaultWindowTTL.
func NewWindowCache(inner Store, ttl time.Duration) *WindowCache {
	if ttl <= 0 {
		ttl = DefaultWindowTTL
	}
	return &WindowCache{
		Store: inner,
		cache: gocache.New(ttl, 2*ttl),
	}
}

func windowKey(valveID string, since time.Time) string {
	return fmt.Sprintf("%s|%d", valveID, since.UnixNano())
}

// QueryWindow implements Store.
func (c *WindowCache) QueryWindow(ctx context.Context, valveID string, since time.Time) (logic.Usage, error) {
	key := windowKey(valveID, since)
	if v, ok := c.cache.Get(key); ok {
		if u, ok := v.(logic.Usage); ok {
			return u, nil
		}
	}
	u, err := c.Store.QueryWindow(ctx, valveID, since)
	if err != nil {
		return logic.Usage{}, err
	}
	c.cache.SetDefault(key, u)
	return u, nil
}

// invalidate drops cached windows for one valve, or all when valveID is empty.
func (c *WindowCache) invalidate(valveID string) {
	if valveID == "" {
		c.cache.Flush()
		return
	}
	prefix := valveID + "|"
	for key := range c.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			c.cache.Delete(key)
		}
	}
}

// Flush drops every cached window.
func (c *WindowCache) Flush() {
	c.invalidate("")
}

// Len returns the number of cached windows.
func (c *WindowCache) Len() int {
	return c.cache.ItemCount()
}

// FinalizeSession implements Store.
func (c *WindowCache) FinalizeSession(ctx context.Context, s logic.Session) (logic.Totals, error) {
	t, err := c.Store.FinalizeSession(ctx, s)
	c.invalidate(s.ValveID)
	return t, err
}

// DeleteSession implements Store.
func (c *WindowCache) DeleteSession(ctx context.Context, id string) error {
	err := c.Store.DeleteSession(ctx, id)
	c.invalidate("")
	return err
}

// ClearSessions implements Store.
func (c *WindowCache) ClearSessions(ctx context.Context, valveID string) (int64, error) {
	n, err := c.Store.ClearSessions(ctx, valveID)
	c.invalidate(valveID)
	return n, err
}

// CleanupOlderThan implements Store.
func (c *WindowCache) CleanupOlderThan(ctx context.Context, days int, now time.Time) (int64, error) {
	n, err := c.Store.CleanupOlderThan(ctx, days, now)
	if n > 0 {
		c.invalidate("")
	}
	return n, err
}
