// Package snapshot caches account balances with a TTL so rapid order
// sizing does not hammer the venue's account endpoint.
package snapshot

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/selftrade/agent/internal/exchange"
	"github.com/selftrade/agent/internal/model"
	"github.com/selftrade/agent/internal/telemetry"
)

// Cache wraps Exchange.GetBalance with a TTL-based cache. Concurrent
// refreshes of a stale snapshot collapse into a single venue call.
type Cache struct {
	ex  exchange.Exchange
	ttl time.Duration

	mu     sync.RWMutex
	cached model.AccountSnapshot

	group singleflight.Group
}

func NewCache(ex exchange.Exchange, ttl time.Duration) *Cache {
	return &Cache{ex: ex, ttl: ttl}
}

// Get returns the cached snapshot, refreshing if stale. A snapshot is
// still served after a failed refresh only if it has never expired.
func (c *Cache) Get(ctx context.Context) (model.AccountSnapshot, error) {
	c.mu.RLock()
	if !c.cached.TakenAt.IsZero() && c.cached.Age() < c.ttl {
		snap := c.cached
		c.mu.RUnlock()
		return snap, nil
	}
	c.mu.RUnlock()

	return c.refresh(ctx)
}

// Invalidate forces the next Get to fetch fresh data. Called after
// every fill so sizing never sees pre-trade balances.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.cached.TakenAt = time.Time{}
	c.mu.Unlock()
}

func (c *Cache) refresh(ctx context.Context) (model.AccountSnapshot, error) {
	v, err, _ := c.group.Do("balance", func() (any, error) {
		balances, err := c.ex.GetBalance(ctx)
		if err != nil {
			return model.AccountSnapshot{}, err
		}
		snap := model.AccountSnapshot{
			Exchange: c.ex.Name(),
			Balances: balances,
			TakenAt:  time.Now(),
		}
		c.mu.Lock()
		c.cached = snap
		c.mu.Unlock()

		telemetry.Debugf("snapshot: refreshed %s balances (%d assets)", snap.Exchange, len(balances))
		return snap, nil
	})
	if err != nil {
		return model.AccountSnapshot{}, err
	}
	return v.(model.AccountSnapshot), nil
}
