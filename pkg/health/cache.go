package health

import (
	"context"
	"sync"
	"time"

	"github.com/corralhq/corral/pkg/types"
)

// clusterCache holds the active-cluster list with a short TTL. One goroutine
// reloads at a time; everyone else keeps reading the stale copy rather than
// stampeding the store.
type clusterCache struct {
	ttl time.Duration

	mu       sync.RWMutex
	updating bool
	clusters []*types.Cluster
	loadedAt time.Time
}

func newClusterCache(ttl time.Duration) *clusterCache {
	return &clusterCache{ttl: ttl}
}

func (c *clusterCache) get(ctx context.Context, load func(context.Context) ([]*types.Cluster, error)) ([]*types.Cluster, error) {
	c.mu.RLock()
	fresh := time.Since(c.loadedAt) < c.ttl
	cached := c.clusters
	updating := c.updating
	c.mu.RUnlock()

	if fresh || updating {
		return cached, nil
	}

	c.mu.Lock()
	// Double-checked: another goroutine may have refreshed while we waited.
	if time.Since(c.loadedAt) < c.ttl || c.updating {
		cached = c.clusters
		c.mu.Unlock()
		return cached, nil
	}
	c.updating = true
	c.mu.Unlock()

	clusters, err := load(ctx)

	c.mu.Lock()
	c.updating = false
	if err == nil {
		c.clusters = clusters
		c.loadedAt = time.Now()
	} else {
		clusters = c.clusters
	}
	c.mu.Unlock()

	if err != nil && len(clusters) > 0 {
		// Stale beats nothing.
		return clusters, nil
	}
	return clusters, err
}

func (c *clusterCache) invalidate() {
	c.mu.Lock()
	c.loadedAt = time.Time{}
	c.mu.Unlock()
}

// statusCache holds HealthStatus rows keyed by cluster id, bulk-loaded with
// the same single-writer discipline.
type statusCache struct {
	ttl time.Duration

	mu       sync.RWMutex
	updating bool
	statuses map[string]*types.HealthStatus
	loadedAt time.Time
}

func newStatusCache(ttl time.Duration) *statusCache {
	return &statusCache{ttl: ttl, statuses: make(map[string]*types.HealthStatus)}
}

func (c *statusCache) get(ctx context.Context, clusterID string, load func(context.Context) ([]*types.HealthStatus, error)) (*types.HealthStatus, bool) {
	c.mu.RLock()
	fresh := time.Since(c.loadedAt) < c.ttl
	status, ok := c.statuses[clusterID]
	updating := c.updating
	c.mu.RUnlock()

	if fresh || updating {
		return status, ok
	}

	c.mu.Lock()
	if time.Since(c.loadedAt) < c.ttl || c.updating {
		status, ok = c.statuses[clusterID]
		c.mu.Unlock()
		return status, ok
	}
	c.updating = true
	c.mu.Unlock()

	loaded, err := load(ctx)

	c.mu.Lock()
	c.updating = false
	if err == nil {
		c.statuses = make(map[string]*types.HealthStatus, len(loaded))
		for _, s := range loaded {
			c.statuses[s.ClusterID] = s
		}
		c.loadedAt = time.Now()
	}
	status, ok = c.statuses[clusterID]
	c.mu.Unlock()
	return status, ok
}

// put updates one entry in place so a check cycle sees its own writes
// without waiting out the TTL.
func (c *statusCache) put(status *types.HealthStatus) {
	c.mu.Lock()
	c.statuses[status.ClusterID] = status
	c.mu.Unlock()
}

func (c *statusCache) drop(clusterID string) {
	c.mu.Lock()
	delete(c.statuses, clusterID)
	c.mu.Unlock()
}
