package stats

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/boz/go-throttle"
	"github.com/rs/zerolog"

	"github.com/corralhq/corral/pkg/config"
	"github.com/corralhq/corral/pkg/events"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/metrics"
	"github.com/corralhq/corral/pkg/runtime"
	"github.com/corralhq/corral/pkg/storage"
	"github.com/corralhq/corral/pkg/types"
)

// drainTimeout bounds the store transaction of one drain.
const drainTimeout = 15 * time.Second

// ContainerDriver is the runtime surface the collector samples through.
type ContainerDriver interface {
	Stats(ctx context.Context, idOrName string) (*types.StatsSample, error)
	Inspect(ctx context.Context, idOrName, fieldTemplate string) (string, error)
	InspectRestartCount(ctx context.Context, idOrName string) (int, error)
	InspectExitCode(ctx context.Context, idOrName string) (int, error)
	InspectStartedAt(ctx context.Context, idOrName string) (time.Time, error)
	ResolveID(ctx context.Context, name string) (string, error)
}

// Store is the persistence surface the collector writes through.
type Store interface {
	ListClusters(ctx context.Context) ([]*types.Cluster, error)
	ClusterIDs(ctx context.Context) (map[string]bool, error)
	InsertMetric(ctx context.Context, metric *types.HealthMetric) error
	InsertMetrics(ctx context.Context, metrics []*types.HealthMetric) error
	UpdateContainerID(ctx context.Context, id, containerID string) error
}

// Publisher is the bus surface the collector broadcasts on.
type Publisher interface {
	Publish(msg *events.Message)
}

type entry struct {
	metric  *types.HealthMetric
	ownerID string
}

// Collector is the high-frequency metrics pipeline: it samples running
// clusters at sub-second cadence, fans change-gated updates out on the bus
// at a throttled rate, and drains a coarse batched minimum into the store.
//
// The collector also owns the deleting set that the lifecycle controller
// marks before cascade-deleting a cluster; every buffered or future sample
// for a marked cluster is dropped until EndDelete.
type Collector struct {
	cfg    config.StatsConfig
	driver ContainerDriver
	store  Store
	bus    Publisher
	logger zerolog.Logger

	mu           sync.RWMutex
	deleting     map[string]bool
	buffer       map[string]entry    // latest unwritten metric per cluster
	failedRetry  []entry             // rows rejected by the store, bounded
	lastSent     map[string]entry    // change-gate reference, feeds the bus
	lastSampleAt map[string]time.Time
	lastSavedAt  map[string]time.Time
	dropped      int // new clusters rejected by the full buffer since last drain

	validIDs   map[string]bool
	validIDsAt time.Time
	active     []*types.Cluster
	activeAt   time.Time

	sem      chan struct{}
	throttle throttle.Throttle
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector wires the pipeline. Start must be called to begin sampling.
func NewCollector(cfg config.StatsConfig, driver ContainerDriver, store Store, bus Publisher) *Collector {
	return &Collector{
		cfg:          cfg,
		driver:       driver,
		store:        store,
		bus:          bus,
		logger:       log.WithComponent("stats-collector"),
		deleting:     make(map[string]bool),
		buffer:       make(map[string]entry),
		lastSent:     make(map[string]entry),
		lastSampleAt: make(map[string]time.Time),
		lastSavedAt:  make(map[string]time.Time),
		sem:          make(chan struct{}, cfg.Workers),
		throttle:     throttle.NewThrottle(cfg.BusMinInterval, true),
		stopCh:       make(chan struct{}),
	}
}

// Start launches the sampling ticker, the drain loop and the broadcast
// throttle.
func (c *Collector) Start() {
	c.wg.Add(3)
	go c.sampleLoop()
	go c.drainLoop()
	go c.broadcastLoop()
	c.logger.Info().
		Dur("sample_interval", c.cfg.SampleInterval).
		Dur("drain_interval", c.cfg.DrainInterval).
		Int("workers", c.cfg.Workers).
		Msg("stats collector started")
}

// Stop halts sampling and performs one final drain.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.throttle.Stop()
	})
	c.wg.Wait()
	c.drain()
	c.logger.Info().Msg("stats collector stopped")
}

// BeginDelete marks a cluster as being deleted and purges every trace of it
// from the pipeline. Samples arriving between BeginDelete and EndDelete are
// dropped, which is what keeps metric inserts from racing the cascade
// delete.
func (c *Collector) BeginDelete(clusterID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleting[clusterID] = true
	c.purgeLocked(clusterID)
}

// EndDelete clears the deleting mark once cascade deletes have completed.
func (c *Collector) EndDelete(clusterID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.deleting, clusterID)
}

// IsDeleting reports whether a cluster is mid-deletion.
func (c *Collector) IsDeleting(clusterID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deleting[clusterID]
}

// Forget drops all pipeline state for a cluster without marking it as
// deleting. Used when a cluster stops.
func (c *Collector) Forget(clusterID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked(clusterID)
}

func (c *Collector) purgeLocked(clusterID string) {
	delete(c.buffer, clusterID)
	delete(c.lastSent, clusterID)
	delete(c.lastSampleAt, clusterID)
	delete(c.lastSavedAt, clusterID)
	for i := 0; i < len(c.failedRetry); {
		if c.failedRetry[i].metric.ClusterID == clusterID {
			c.failedRetry = append(c.failedRetry[:i], c.failedRetry[i+1:]...)
			continue
		}
		i++
	}
	c.activeAt = time.Time{} // force a reload on the next tick
}

func (c *Collector) sampleLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.tick()
		case <-c.stopCh:
			return
		}
	}
}

// tick schedules one asynchronous sample per eligible running cluster.
func (c *Collector) tick() {
	clusters := c.activeClusters()
	now := time.Now()

	for _, cluster := range clusters {
		c.mu.RLock()
		last := c.lastSampleAt[cluster.ID]
		skip := c.deleting[cluster.ID] || now.Sub(last) < c.cfg.PerClusterMinInterval
		c.mu.RUnlock()
		if skip {
			continue
		}

		select {
		case c.sem <- struct{}{}:
		default:
			// Pool saturated; this cluster gets the next tick.
			continue
		}

		c.mu.Lock()
		c.lastSampleAt[cluster.ID] = now
		c.mu.Unlock()

		c.wg.Add(1)
		go func(cl *types.Cluster) {
			defer c.wg.Done()
			defer func() { <-c.sem }()
			c.sample(cl)
		}(cluster)
	}
}

// activeClusters returns the cached list of RUNNING clusters, reloading it
// from the store when stale.
func (c *Collector) activeClusters() []*types.Cluster {
	c.mu.RLock()
	if time.Since(c.activeAt) < c.cfg.ActiveCacheTTL {
		cached := c.active
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DrainInterval)
	defer cancel()
	all, err := c.store.ListClusters(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to refresh active cluster list")
		return nil
	}

	running := make([]*types.Cluster, 0, len(all))
	for _, cl := range all {
		if cl.Status == types.ClusterStatusRunning {
			running = append(running, cl)
		}
	}

	c.mu.Lock()
	c.active = running
	c.activeAt = time.Now()
	c.mu.Unlock()
	return running
}

// sample collects one full reading for a cluster and feeds the buffer and
// the bus.
func (c *Collector) sample(cluster *types.Cluster) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DrainInterval)
	defer cancel()

	ref := cluster.ContainerID
	if ref == "" {
		ref = runtime.SanitizeName(cluster.Name)
	}

	raw, err := c.driver.Stats(ctx, ref)
	if runtime.IsNotFound(err) && cluster.ContainerID != "" {
		// Stale id: resolve by name once and repair the stored id.
		if id, rerr := c.driver.ResolveID(ctx, cluster.Name); rerr == nil {
			ref = id
			if uerr := c.store.UpdateContainerID(ctx, cluster.ID, id); uerr != nil {
				c.logger.Warn().Err(uerr).Str("cluster_id", cluster.ID).Msg("failed to persist re-resolved container id")
			}
			raw, err = c.driver.Stats(ctx, ref)
		}
	}
	if err != nil {
		metrics.SamplesDroppedTotal.WithLabelValues("driver_error").Inc()
		c.logger.Debug().Err(err).Str("cluster", cluster.Name).Msg("stats sample failed")
		return
	}

	status, _ := c.driver.Inspect(ctx, ref, runtime.FieldStatus)
	restarts, _ := c.driver.InspectRestartCount(ctx, ref)
	startedAt, _ := c.driver.InspectStartedAt(ctx, ref)
	var exitCode *int
	if code, err := c.driver.InspectExitCode(ctx, ref); err == nil {
		exitCode = &code
	}

	metric := NewMetric(cluster, raw, status, restarts, exitCode, startedAt, time.Now())
	metrics.SamplesTotal.Inc()
	c.offer(cluster, metric)
}

// offer admits a fresh metric to the buffer and, when the change gate
// passes, to the bus throttle.
func (c *Collector) offer(cluster *types.Cluster, metric *types.HealthMetric) {
	c.mu.Lock()
	if c.deleting[cluster.ID] {
		c.mu.Unlock()
		metrics.SamplesDroppedTotal.WithLabelValues("deleting").Inc()
		return
	}

	if _, known := c.buffer[cluster.ID]; !known && len(c.buffer) >= c.cfg.BufferCap {
		c.dropped++
		c.mu.Unlock()
		metrics.SamplesDroppedTotal.WithLabelValues("buffer_full").Inc()
		return
	}
	c.buffer[cluster.ID] = entry{metric: metric, ownerID: cluster.OwnerID}

	prev := c.lastSent[cluster.ID].metric
	pass := changed(prev, metric)
	if pass {
		c.lastSent[cluster.ID] = entry{metric: metric, ownerID: cluster.OwnerID}
	}
	c.mu.Unlock()

	if pass {
		c.throttle.Trigger()
	}
}

// broadcastLoop runs one broadcast per throttle window.
func (c *Collector) broadcastLoop() {
	defer c.wg.Done()
	for c.throttle.Next() {
		c.broadcast()
	}
}

// ForceBroadcast publishes immediately, bypassing the delivery throttle.
func (c *Collector) ForceBroadcast() {
	c.broadcast()
}

func (c *Collector) broadcast() {
	c.mu.RLock()
	sent := make([]entry, 0, len(c.lastSent))
	for _, e := range c.lastSent {
		sent = append(sent, e)
	}
	c.mu.RUnlock()

	now := time.Now()
	latest := make([]*types.HealthMetric, 0, len(sent))
	for _, e := range sent {
		latest = append(latest, e.metric)
		c.bus.Publish(&events.Message{
			Topic:     events.TopicMetrics,
			ClusterID: e.metric.ClusterID,
			OwnerID:   e.ownerID,
			Timestamp: now,
			Payload:   e.metric,
		})
	}
	c.bus.Publish(&events.Message{
		Topic:     events.TopicStats,
		Timestamp: now,
		Payload:   aggregate(latest, now),
	})
	metrics.BusBroadcastsTotal.Inc()
}

func (c *Collector) drainLoop() {
	defer c.wg.Done()
	// Fixed delay rather than a fixed rate: a slow drain must not overlap
	// the next one.
	for {
		select {
		case <-time.After(c.cfg.DrainInterval):
			c.drain()
		case <-c.stopCh:
			return
		}
	}
}

// drain flushes the buffer to the store, honoring the per-cluster write
// interval and the deleting and valid-id sets.
func (c *Collector) drain() {
	start := time.Now()

	valid, err := c.validClusterIDs()
	if err != nil {
		c.logger.Error().Err(err).Msg("drain skipped: cannot refresh valid cluster ids")
		return
	}

	c.mu.Lock()
	eligible := make([]entry, 0, len(c.buffer))
	for id, e := range c.buffer {
		if c.deleting[id] {
			delete(c.buffer, id)
			continue
		}
		if !valid[id] {
			delete(c.buffer, id)
			metrics.SamplesDroppedTotal.WithLabelValues("invalid_id").Inc()
			continue
		}
		if time.Since(c.lastSavedAt[id]) < c.cfg.PerClusterWriteEvery {
			continue
		}
		eligible = append(eligible, e)
	}

	// Revalidate the failed-retry buffer: surviving clusters get one more
	// write attempt, the rest are discarded.
	retry := c.failedRetry
	c.failedRetry = nil
	for _, e := range retry {
		if valid[e.metric.ClusterID] && !c.deleting[e.metric.ClusterID] {
			eligible = append(eligible, e)
		}
	}

	droppedThisDrain := c.dropped
	c.dropped = 0
	c.mu.Unlock()

	if droppedThisDrain > 0 {
		c.logger.Warn().Int("dropped", droppedThisDrain).Int("cap", c.cfg.BufferCap).
			Msg("metrics buffer full: samples for new clusters dropped")
	}

	if len(eligible) > 0 {
		c.write(eligible)
	}

	elapsed := time.Since(start)
	metrics.DrainDuration.Observe(elapsed.Seconds())
	if elapsed > time.Second {
		c.logger.Warn().Dur("elapsed", elapsed).Int("rows", len(eligible)).Msg("slow metrics drain")
	}
}

// write persists a drain batch, degrading to per-row writes on batch
// failure so one bad row cannot poison the rest.
func (c *Collector) write(batch []entry) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	rows := make([]*types.HealthMetric, len(batch))
	for i, e := range batch {
		rows[i] = e.metric
	}

	if err := c.store.InsertMetrics(ctx, rows); err == nil {
		c.markSaved(batch)
		metrics.MetricRowsWrittenTotal.Add(float64(len(rows)))
		return
	}

	for _, e := range batch {
		if err := c.store.InsertMetric(ctx, e.metric); err != nil {
			if errors.Is(err, storage.ErrIntegrity) {
				c.queueRetry(e)
			} else {
				c.logger.Error().Err(err).Str("cluster_id", e.metric.ClusterID).Msg("metric row write failed")
			}
			continue
		}
		c.markSaved([]entry{e})
		metrics.MetricRowsWrittenTotal.Inc()
	}
}

func (c *Collector) markSaved(batch []entry) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range batch {
		id := e.metric.ClusterID
		c.lastSavedAt[id] = now
		// Only clear the buffer slot if it still holds the row we wrote.
		if cur, ok := c.buffer[id]; ok && cur.metric == e.metric {
			delete(c.buffer, id)
		}
	}
}

func (c *Collector) queueRetry(e entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// The row moves buffers; leaving it in the primary one would write it
	// twice once it succeeds.
	if cur, ok := c.buffer[e.metric.ClusterID]; ok && cur.metric == e.metric {
		delete(c.buffer, e.metric.ClusterID)
	}
	if len(c.failedRetry) >= c.cfg.FailedRetryCap {
		metrics.SamplesDroppedTotal.WithLabelValues("retry_full").Inc()
		return
	}
	c.failedRetry = append(c.failedRetry, e)
}

// validClusterIDs returns the authoritative id set, cached for the
// configured TTL.
func (c *Collector) validClusterIDs() (map[string]bool, error) {
	c.mu.RLock()
	if time.Since(c.validIDsAt) < c.cfg.ValidIDsTTL && c.validIDs != nil {
		cached := c.validIDs
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	ids, err := c.store.ClusterIDs(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.validIDs = ids
	c.validIDsAt = time.Now()
	c.mu.Unlock()
	return ids, nil
}
