package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/corralhq/corral/pkg/config"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/metrics"
	"github.com/corralhq/corral/pkg/runtime"
	"github.com/corralhq/corral/pkg/stats"
	"github.com/corralhq/corral/pkg/storage"
	"github.com/corralhq/corral/pkg/types"
)

// checkTxTimeout bounds the store work of one health check.
const checkTxTimeout = 30 * time.Second

// observation classifies what one inspect round said about a container.
type observation int

const (
	containerRunning observation = iota
	containerStopped
	containerAbsent
)

// ContainerDriver is the runtime surface the monitor observes and, during
// recovery, manipulates.
type ContainerDriver interface {
	Inspect(ctx context.Context, idOrName, fieldTemplate string) (string, error)
	InspectRestartCount(ctx context.Context, idOrName string) (int, error)
	InspectExitCode(ctx context.Context, idOrName string) (int, error)
	InspectStartedAt(ctx context.Context, idOrName string) (time.Time, error)
	Stats(ctx context.Context, idOrName string) (*types.StatsSample, error)
	ResolveID(ctx context.Context, name string) (string, error)
	Stop(ctx context.Context, idOrName string) error
	Remove(ctx context.Context, idOrName string, force bool) error
	PruneNetworks(ctx context.Context) error
}

// Store is the persistence surface the monitor reads and writes.
type Store interface {
	ListClusters(ctx context.Context) ([]*types.Cluster, error)
	GetCluster(ctx context.Context, id string) (*types.Cluster, error)
	UpdateClusterStatus(ctx context.Context, id string, status types.ClusterStatus) error
	UpdateContainerID(ctx context.Context, id, containerID string) error
	GetHealthStatus(ctx context.Context, clusterID string) (*types.HealthStatus, error)
	ListHealthStatuses(ctx context.Context) ([]*types.HealthStatus, error)
	UpsertHealthStatus(ctx context.Context, status *types.HealthStatus) error
	InsertMetric(ctx context.Context, metric *types.HealthMetric) error
}

// Starter restarts a cluster during recovery. Implemented by the lifecycle
// controller, which owns the per-cluster lock and the verified start path.
type Starter interface {
	Start(ctx context.Context, clusterID string) error
}

// Monitor is the health and recovery engine: a periodic reconciliation of
// observed container state against stored cluster status, plus bounded
// auto-recovery of failed clusters.
//
// The reconciliation never overrides operator intent: a STOPPED cluster
// whose container happens to be running stays STOPPED.
type Monitor struct {
	cfg     config.HealthConfig
	driver  ContainerDriver
	store   Store
	starter Starter
	logger  zerolog.Logger

	clusters *clusterCache
	statuses *statusCache

	sem      chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Recovery timing knobs, overridable in tests.
	stopSettle    time.Duration // settle after stop, before remove
	postStartWait time.Duration // wait after start, before the fresh check
}

// NewMonitor wires the health engine. Start must be called to begin the
// check, recovery and status-sync loops.
func NewMonitor(cfg config.HealthConfig, driver ContainerDriver, store Store, starter Starter) *Monitor {
	return &Monitor{
		cfg:      cfg,
		driver:   driver,
		store:    store,
		starter:  starter,
		logger:   log.WithComponent("health-monitor"),
		clusters: newClusterCache(cfg.ActiveCacheTTL),
		statuses: newStatusCache(cfg.StatusCacheTTL),
		sem:      make(chan struct{}, cfg.MaxConcurrentChecks),
		stopCh:   make(chan struct{}),

		stopSettle:    2 * time.Second,
		postStartWait: 5 * time.Second,
	}
}

// Start launches the periodic loops. All of them are fixed-delay: an
// overrunning cycle pushes the next one out instead of piling up.
func (m *Monitor) Start() {
	m.wg.Add(3)
	go m.loop(m.cfg.CheckInterval, m.CheckAll)
	go m.loop(m.cfg.RecoveryInterval, m.recoverAll)
	go m.loop(m.cfg.StatusSyncInterval, m.syncStatusGauge)
	m.logger.Info().
		Dur("check_interval", m.cfg.CheckInterval).
		Dur("recovery_interval", m.cfg.RecoveryInterval).
		Int("max_concurrent", m.cfg.MaxConcurrentChecks).
		Msg("health monitor started")
}

// Stop halts the loops and waits for in-flight checks.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	m.logger.Info().Msg("health monitor stopped")
}

func (m *Monitor) loop(interval time.Duration, fn func()) {
	defer m.wg.Done()
	for {
		select {
		case <-time.After(interval):
			fn()
		case <-m.stopCh:
			return
		}
	}
}

// Forget drops cached health state for a deleted cluster.
func (m *Monitor) Forget(clusterID string) {
	m.statuses.drop(clusterID)
	m.clusters.invalidate()
}

// CheckAll runs one check cycle over every monitorable cluster, fanned out
// on the bounded check pool.
func (m *Monitor) CheckAll() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CheckInterval)
	defer cancel()

	clusters, err := m.clusters.get(ctx, m.listMonitorable)
	if err != nil {
		m.logger.Error().Err(err).Msg("check cycle skipped: cannot list clusters")
		return
	}

	var wg sync.WaitGroup
	for _, cluster := range clusters {
		select {
		case m.sem <- struct{}{}:
		case <-m.stopCh:
			wg.Wait()
			return
		}
		wg.Add(1)
		go func(cl *types.Cluster) {
			defer wg.Done()
			defer func() { <-m.sem }()
			m.CheckCluster(cl)
		}(cluster)
	}
	wg.Wait()
}

// listMonitorable returns every cluster that is not freshly created and not
// deleted; STOPPED clusters are still checked so their sidecars and mirrors
// stay truthful.
func (m *Monitor) listMonitorable(ctx context.Context) ([]*types.Cluster, error) {
	all, err := m.store.ListClusters(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Cluster, 0, len(all))
	for _, cl := range all {
		if cl.Status == types.ClusterStatusDeleted {
			continue
		}
		out = append(out, cl)
	}
	return out, nil
}

// CheckCluster runs one full check for one cluster: observe, classify,
// reconcile stored status with operator intent, update counters, persist,
// and append a metric row. Background path; it logs and never raises.
func (m *Monitor) CheckCluster(cluster *types.Cluster) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), checkTxTimeout)
	defer cancel()

	status := m.loadStatus(ctx, cluster.ID)
	if !status.MonitoringEnabled {
		return
	}

	obs, containerStatus, ref := m.observe(ctx, cluster)

	now := time.Now()
	status.LastCheck = now
	status.ContainerStatus = containerStatus

	var metric *types.HealthMetric
	if obs == containerRunning {
		metric = m.collectMetric(ctx, cluster, ref, containerStatus, now)
	} else {
		// No container, no readings: zero the mirrored fields too.
		metric = zeroMetric(cluster, containerStatus, now)
	}
	status.CPUPercent = metric.CPUPercent
	status.MemoryUsedMiB = metric.MemoryUsedMiB
	status.MemoryPercent = metric.MemoryPercent

	switch obs {
	case containerRunning:
		status.State = types.HealthStateHealthy
		status.LastSuccess = now
		status.ConsecutiveFailures = 0
		status.LastError = ""
	default:
		status.State = types.HealthStateFailed
		status.ConsecutiveFailures++
		status.TotalFailures++
		status.LastError = types.TruncateError("container " + containerStatus)
	}

	m.reconcileIntent(ctx, cluster, status, obs, ref)

	if err := m.store.UpsertHealthStatus(ctx, status); err != nil {
		// A status row racing a delete is not worth breaking the cycle over.
		if !errors.Is(err, storage.ErrIntegrity) {
			m.logger.Warn().Err(err).Str("cluster", cluster.Name).Msg("failed to persist health status")
		}
	} else {
		m.statuses.put(status)
	}

	if err := m.store.InsertMetric(ctx, metric); err != nil && !errors.Is(err, storage.ErrIntegrity) {
		m.logger.Warn().Err(err).Str("cluster", cluster.Name).Msg("failed to append health metric")
	}

	metrics.HealthChecksTotal.WithLabelValues(string(status.State)).Inc()
	metrics.HealthCheckDuration.Observe(time.Since(start).Seconds())
}

// observe inspects the container, re-resolving by name once when the cached
// id is stale, and classifies the result.
func (m *Monitor) observe(ctx context.Context, cluster *types.Cluster) (observation, string, string) {
	ref := cluster.ContainerID
	if ref == "" {
		ref = runtime.SanitizeName(cluster.Name)
	}

	raw, err := m.driver.Inspect(ctx, ref, runtime.FieldStatus)
	if err != nil && cluster.ContainerID != "" {
		// Stale id: a missing container must be confirmed by name before it
		// counts as absent.
		if id, rerr := m.driver.ResolveID(ctx, cluster.Name); rerr == nil && id != cluster.ContainerID {
			ref = id
			if uerr := m.store.UpdateContainerID(ctx, cluster.ID, id); uerr != nil {
				m.logger.Warn().Err(uerr).Str("cluster", cluster.Name).Msg("failed to persist re-resolved container id")
			} else {
				cluster.ContainerID = id
			}
			raw, err = m.driver.Inspect(ctx, ref, runtime.FieldStatus)
		}
	}

	switch {
	case err != nil:
		return containerAbsent, "not found", ref
	case raw == runtime.StatusRunning:
		return containerRunning, raw, ref
	default:
		return containerStopped, raw, ref
	}
}

// reconcileIntent aligns the stored cluster status with the observation
// without ever overriding an intentional stop. A dead container keeps its
// RUNNING intent while recovery attempts remain, so the recovery engine can
// still act on it; the flip to STOPPED happens once recovery is exhausted
// or disabled.
func (m *Monitor) reconcileIntent(ctx context.Context, cluster *types.Cluster, status *types.HealthStatus, obs observation, ref string) {
	switch {
	case obs != containerRunning:
		if cluster.Status != types.ClusterStatusStopped && cluster.Status != types.ClusterStatusError &&
			!m.recoverable(cluster, status) {
			if err := m.store.UpdateClusterStatus(ctx, cluster.ID, types.ClusterStatusStopped); err != nil {
				m.logger.Warn().Err(err).Str("cluster", cluster.Name).Msg("failed to mark cluster stopped")
				return
			}
			cluster.Status = types.ClusterStatusStopped
			m.clusters.invalidate()
		}

	case cluster.Status == types.ClusterStatusStopped:
		// STOPPED is the operator's command; observation alone never
		// reverses it.
		m.logger.Debug().Str("cluster", cluster.Name).
			Msg("container running but cluster intentionally stopped, leaving status untouched")

	case cluster.Status == types.ClusterStatusCreated || cluster.Status == types.ClusterStatusError:
		if err := m.store.UpdateClusterStatus(ctx, cluster.ID, types.ClusterStatusRunning); err != nil {
			m.logger.Warn().Err(err).Str("cluster", cluster.Name).Msg("failed to mark cluster running")
			return
		}
		cluster.Status = types.ClusterStatusRunning
		m.clusters.invalidate()
	}

	if ref != "" && ref != cluster.ContainerID && ref != runtime.SanitizeName(cluster.Name) {
		if err := m.store.UpdateContainerID(ctx, cluster.ID, ref); err == nil {
			cluster.ContainerID = ref
		}
	}
}

// collectMetric gathers a full stats reading for a running container.
func (m *Monitor) collectMetric(ctx context.Context, cluster *types.Cluster, ref, containerStatus string, now time.Time) *types.HealthMetric {
	sample, err := m.driver.Stats(ctx, ref)
	if err != nil {
		m.logger.Debug().Err(err).Str("cluster", cluster.Name).Msg("stats reading failed during check")
		return zeroMetric(cluster, containerStatus, now)
	}

	restarts, _ := m.driver.InspectRestartCount(ctx, ref)
	startedAt, _ := m.driver.InspectStartedAt(ctx, ref)
	var exitCode *int
	if code, err := m.driver.InspectExitCode(ctx, ref); err == nil {
		exitCode = &code
	}

	return stats.NewMetric(cluster, sample, containerStatus, restarts, exitCode, startedAt, now)
}

func zeroMetric(cluster *types.Cluster, containerStatus string, now time.Time) *types.HealthMetric {
	return &types.HealthMetric{
		ClusterID:       cluster.ID,
		Timestamp:       now,
		MemoryLimitMiB:  cluster.MemoryLimitMiB,
		ContainerStatus: containerStatus,
	}
}

// loadStatus returns the cluster's health status, creating it lazily on the
// first check.
func (m *Monitor) loadStatus(ctx context.Context, clusterID string) *types.HealthStatus {
	if status, ok := m.statuses.get(ctx, clusterID, m.store.ListHealthStatuses); ok {
		return status
	}

	status, err := m.store.GetHealthStatus(ctx, clusterID)
	if err == nil {
		m.statuses.put(status)
		return status
	}
	if !errors.Is(err, storage.ErrNotFound) {
		m.logger.Warn().Err(err).Str("cluster_id", clusterID).Msg("failed to load health status")
	}

	status = &types.HealthStatus{
		ClusterID:           clusterID,
		State:               types.HealthStateUnknown,
		MonitoringEnabled:   true,
		MaxRecoveryAttempts: m.cfg.MaxRecoveryAttempts,
		RetryInterval:       m.cfg.RetryInterval,
		CooldownPeriod:      m.cfg.CooldownPeriod,
	}
	m.statuses.put(status)
	return status
}

// syncStatusGauge refreshes the per-status cluster gauge.
func (m *Monitor) syncStatusGauge() {
	ctx, cancel := context.WithTimeout(context.Background(), checkTxTimeout)
	defer cancel()

	all, err := m.store.ListClusters(ctx)
	if err != nil {
		m.logger.Debug().Err(err).Msg("status sync skipped")
		return
	}

	counts := make(map[types.ClusterStatus]int)
	for _, cl := range all {
		counts[cl.Status]++
	}
	for _, status := range []types.ClusterStatus{
		types.ClusterStatusCreated, types.ClusterStatusRunning,
		types.ClusterStatusStopped, types.ClusterStatusError,
	} {
		metrics.ClustersTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
