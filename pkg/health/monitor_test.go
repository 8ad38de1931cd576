package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/config"
	"github.com/corralhq/corral/pkg/runtime"
	"github.com/corralhq/corral/pkg/storage"
	"github.com/corralhq/corral/pkg/types"
)

// fakeDriver serves inspect results from a per-ref state map.
type fakeDriver struct {
	mu sync.Mutex

	// ref -> status; missing means not found
	states     map[string]string
	resolved   map[string]string // cluster name -> container id
	sample     *types.StatsSample
	statsErr   error
	stopCalls  int
	removed    []string
	pruneCalls int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		states:   make(map[string]string),
		resolved: make(map[string]string),
		sample: &types.StatsSample{
			CPUPercent:   25.0,
			MemUsedBytes: 256 << 20,
			NetRxBytes:   4096,
			NetTxBytes:   2048,
		},
	}
}

func (d *fakeDriver) Inspect(_ context.Context, ref, _ string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, ok := d.states[ref]
	if !ok {
		return "", &runtime.Error{Kind: runtime.FailureNotFound, Output: "no such container"}
	}
	return status, nil
}

func (d *fakeDriver) InspectRestartCount(context.Context, string) (int, error) { return 1, nil }
func (d *fakeDriver) InspectExitCode(context.Context, string) (int, error)    { return 0, nil }

func (d *fakeDriver) InspectStartedAt(context.Context, string) (time.Time, error) {
	return time.Now().Add(-90 * time.Second), nil
}

func (d *fakeDriver) Stats(_ context.Context, _ string) (*types.StatsSample, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.statsErr != nil {
		return nil, d.statsErr
	}
	return d.sample, nil
}

func (d *fakeDriver) ResolveID(_ context.Context, name string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.resolved[name]
	if !ok {
		return "", &runtime.Error{Kind: runtime.FailureNotFound, Output: "no such container"}
	}
	return id, nil
}

func (d *fakeDriver) Stop(context.Context, string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopCalls++
	return nil
}

func (d *fakeDriver) Remove(_ context.Context, ref string, _ bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = append(d.removed, ref)
	delete(d.states, ref)
	return nil
}

func (d *fakeDriver) PruneNetworks(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneCalls++
	return nil
}

func (d *fakeDriver) setState(ref, status string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.states[ref] = status
}

// fakeStarter optionally flips the container state to running, like a real
// start would.
type fakeStarter struct {
	mu     sync.Mutex
	driver *fakeDriver
	err    error
	calls  []string
	bring  string // ref brought up on success
}

func (s *fakeStarter) Start(_ context.Context, clusterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, clusterID)
	if s.err != nil {
		return s.err
	}
	if s.bring != "" {
		s.driver.setState(s.bring, runtime.StatusRunning)
	}
	return nil
}

func testConfig() config.HealthConfig {
	return config.HealthConfig{
		CheckInterval:       30 * time.Second,
		CheckTimeout:        10 * time.Second,
		MaxConcurrentChecks: 4,
		RecoveryInterval:    time.Minute,
		StatusSyncInterval:  time.Minute,
		MaxRecoveryAttempts: 3,
		RetryInterval:       30 * time.Second,
		CooldownPeriod:      5 * time.Minute,
		StatusCacheTTL:      time.Minute,
		ActiveCacheTTL:      30 * time.Second,
	}
}

func newTestMonitor(t *testing.T, driver *fakeDriver, starter *fakeStarter) (*Monitor, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	if starter == nil {
		starter = &fakeStarter{driver: driver}
	}
	m := NewMonitor(testConfig(), driver, store, starter)
	m.stopSettle = time.Millisecond
	m.postStartWait = time.Millisecond
	return m, store
}

func seedCluster(t *testing.T, store *storage.MemoryStore, name, containerID string, status types.ClusterStatus) *types.Cluster {
	t.Helper()
	cluster := &types.Cluster{
		ID:             "cluster-" + name,
		Name:           name,
		ContainerID:    containerID,
		OwnerID:        "owner-1",
		Port:           9001,
		Status:         status,
		CPULimit:       1.0,
		MemoryLimitMiB: 512,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	require.NoError(t, store.CreateCluster(context.Background(), cluster))
	return cluster
}

func TestCheckRunningContainerHealthy(t *testing.T) {
	driver := newFakeDriver()
	driver.setState("abc123", runtime.StatusRunning)
	m, store := newTestMonitor(t, driver, nil)

	cluster := seedCluster(t, store, "web-1", "abc123", types.ClusterStatusRunning)
	m.CheckCluster(cluster)

	status, err := store.GetHealthStatus(context.Background(), cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, types.HealthStateHealthy, status.State)
	assert.False(t, status.LastSuccess.IsZero())
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.Empty(t, status.LastError)

	// Mirrored readings come from the stats sample: 256 MiB of a 512 MiB limit.
	assert.Equal(t, uint64(256), status.MemoryUsedMiB)
	assert.InDelta(t, 50.0, status.MemoryPercent, 0.01)
	assert.InDelta(t, 25.0, status.CPUPercent, 0.01)

	metric, err := store.LatestMetric(context.Background(), cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, runtime.StatusRunning, metric.ContainerStatus)
	assert.Equal(t, uint64(512), metric.MemoryLimitMiB)
	assert.Equal(t, 1, metric.RestartCount)
	assert.GreaterOrEqual(t, metric.UptimeSeconds, int64(89))
}

func TestCheckStoppedClusterStaysStopped(t *testing.T) {
	driver := newFakeDriver()
	driver.setState("abc123", runtime.StatusRunning)
	m, store := newTestMonitor(t, driver, nil)

	// Operator stopped it; somebody started the container by hand.
	cluster := seedCluster(t, store, "web-1", "abc123", types.ClusterStatusStopped)
	m.CheckCluster(cluster)

	stored, err := store.GetCluster(context.Background(), cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ClusterStatusStopped, stored.Status)

	status, err := store.GetHealthStatus(context.Background(), cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, types.HealthStateHealthy, status.State)
}

func TestCheckAbsentContainerKeepsRunningIntentWhileRecoverable(t *testing.T) {
	driver := newFakeDriver()
	m, store := newTestMonitor(t, driver, nil)

	cluster := seedCluster(t, store, "web-1", "gone123", types.ClusterStatusRunning)
	m.CheckCluster(cluster)

	// Recovery attempts remain, so the RUNNING intent survives for the
	// recovery engine to act on.
	stored, err := store.GetCluster(context.Background(), cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ClusterStatusRunning, stored.Status)

	status, err := store.GetHealthStatus(context.Background(), cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, types.HealthStateFailed, status.State)
	assert.Equal(t, 1, status.ConsecutiveFailures)
	assert.Equal(t, 1, status.TotalFailures)
	assert.Contains(t, status.LastError, "not found")

	// No container, no readings.
	assert.Zero(t, status.CPUPercent)
	assert.Zero(t, status.MemoryUsedMiB)

	metric, err := store.LatestMetric(context.Background(), cluster.ID)
	require.NoError(t, err)
	assert.Zero(t, metric.CPUPercent)
	assert.Equal(t, uint64(512), metric.MemoryLimitMiB)
	assert.Equal(t, "not found", metric.ContainerStatus)
}

func TestCheckAbsentContainerFlipsStoppedWhenExhausted(t *testing.T) {
	driver := newFakeDriver()
	m, store := newTestMonitor(t, driver, nil)

	cluster := seedCluster(t, store, "web-1", "gone123", types.ClusterStatusRunning)
	require.NoError(t, store.UpsertHealthStatus(context.Background(), &types.HealthStatus{
		ClusterID:           cluster.ID,
		State:               types.HealthStateFailed,
		MonitoringEnabled:   true,
		MaxRecoveryAttempts: 3,
		RecoveryAttempts:    3,
	}))

	m.CheckCluster(cluster)

	stored, err := store.GetCluster(context.Background(), cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ClusterStatusStopped, stored.Status)
}

func TestCheckMonitoringDisabledSkips(t *testing.T) {
	driver := newFakeDriver()
	m, store := newTestMonitor(t, driver, nil)

	cluster := seedCluster(t, store, "web-1", "gone123", types.ClusterStatusRunning)
	require.NoError(t, store.UpsertHealthStatus(context.Background(), &types.HealthStatus{
		ClusterID:         cluster.ID,
		State:             types.HealthStateUnknown,
		MonitoringEnabled: false,
	}))

	m.CheckCluster(cluster)

	_, err := store.LatestMetric(context.Background(), cluster.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	status, err := store.GetHealthStatus(context.Background(), cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, types.HealthStateUnknown, status.State)
}

func TestCheckReresolvesStaleContainerID(t *testing.T) {
	driver := newFakeDriver()
	driver.setState("new456", runtime.StatusRunning)
	driver.resolved["web-1"] = "new456"
	m, store := newTestMonitor(t, driver, nil)

	// The stored id points at a container that no longer exists.
	cluster := seedCluster(t, store, "web-1", "old123", types.ClusterStatusRunning)
	m.CheckCluster(cluster)

	stored, err := store.GetCluster(context.Background(), cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, "new456", stored.ContainerID)
	assert.Equal(t, types.ClusterStatusRunning, stored.Status)

	status, err := store.GetHealthStatus(context.Background(), cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, types.HealthStateHealthy, status.State)
}

func TestCheckCreatedClusterPromotedToRunning(t *testing.T) {
	driver := newFakeDriver()
	driver.setState("abc123", runtime.StatusRunning)
	m, store := newTestMonitor(t, driver, nil)

	cluster := seedCluster(t, store, "web-1", "abc123", types.ClusterStatusCreated)
	m.CheckCluster(cluster)

	stored, err := store.GetCluster(context.Background(), cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ClusterStatusRunning, stored.Status)
}

func TestEligibility(t *testing.T) {
	m, _ := newTestMonitor(t, newFakeDriver(), nil)
	now := time.Now()

	base := func() (*types.Cluster, *types.HealthStatus) {
		return &types.Cluster{ID: "c1", Status: types.ClusterStatusRunning},
			&types.HealthStatus{
				ClusterID:           "c1",
				State:               types.HealthStateFailed,
				MonitoringEnabled:   true,
				MaxRecoveryAttempts: 3,
				CooldownPeriod:      5 * time.Minute,
			}
	}

	tests := []struct {
		name   string
		mutate func(*types.Cluster, *types.HealthStatus)
		want   bool
	}{
		{"failed and fresh", func(*types.Cluster, *types.HealthStatus) {}, true},
		{"not failed", func(_ *types.Cluster, s *types.HealthStatus) {
			s.State = types.HealthStateHealthy
		}, false},
		{"monitoring disabled", func(_ *types.Cluster, s *types.HealthStatus) {
			s.MonitoringEnabled = false
		}, false},
		{"stopped cluster", func(c *types.Cluster, _ *types.HealthStatus) {
			c.Status = types.ClusterStatusStopped
		}, false},
		{"error cluster", func(c *types.Cluster, _ *types.HealthStatus) {
			c.Status = types.ClusterStatusError
		}, false},
		{"attempts exhausted", func(_ *types.Cluster, s *types.HealthStatus) {
			s.RecoveryAttempts = 3
		}, false},
		{"inside cooldown", func(_ *types.Cluster, s *types.HealthStatus) {
			s.LastRecoveryAttempt = now.Add(-time.Minute)
		}, false},
		{"cooldown elapsed", func(_ *types.Cluster, s *types.HealthStatus) {
			s.LastRecoveryAttempt = now.Add(-10 * time.Minute)
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cluster, status := base()
			tt.mutate(cluster, status)
			assert.Equal(t, tt.want, m.eligible(cluster, status, now))
		})
	}
}

func TestRecoverSuccessResetsCounters(t *testing.T) {
	driver := newFakeDriver()
	driver.setState("dead123", runtime.StatusExited)
	driver.resolved["web-1"] = "fresh789"

	starter := &fakeStarter{driver: driver, bring: "fresh789"}
	m, store := newTestMonitor(t, driver, starter)

	cluster := seedCluster(t, store, "web-1", "dead123", types.ClusterStatusRunning)
	status := &types.HealthStatus{
		ClusterID:           cluster.ID,
		State:               types.HealthStateFailed,
		MonitoringEnabled:   true,
		MaxRecoveryAttempts: 3,
		RecoveryAttempts:    2,
		ConsecutiveFailures: 4,
	}
	require.NoError(t, store.UpsertHealthStatus(context.Background(), status))

	require.NoError(t, m.Recover(context.Background(), cluster, status))

	assert.Equal(t, []string{cluster.ID}, starter.calls)
	assert.Equal(t, 1, driver.stopCalls)
	assert.Contains(t, driver.removed, "dead123")
	assert.Equal(t, 1, driver.pruneCalls)

	stored, err := store.GetHealthStatus(context.Background(), cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, types.HealthStateHealthy, stored.State)
	assert.Equal(t, 0, stored.RecoveryAttempts)
	assert.Equal(t, 0, stored.ConsecutiveFailures)
	assert.Equal(t, 1, stored.TotalRecoveries)
	assert.False(t, stored.LastRecoveryAttempt.IsZero())
}

func TestRecoverFailureIncrementsAttempts(t *testing.T) {
	driver := newFakeDriver()
	starter := &fakeStarter{driver: driver, err: errors.New("compose up failed")}
	m, store := newTestMonitor(t, driver, starter)

	cluster := seedCluster(t, store, "web-1", "dead123", types.ClusterStatusRunning)
	status := &types.HealthStatus{
		ClusterID:           cluster.ID,
		State:               types.HealthStateFailed,
		MonitoringEnabled:   true,
		MaxRecoveryAttempts: 3,
		RecoveryAttempts:    1,
	}
	require.NoError(t, store.UpsertHealthStatus(context.Background(), status))

	err := m.Recover(context.Background(), cluster, status)
	require.Error(t, err)

	stored, serr := store.GetHealthStatus(context.Background(), cluster.ID)
	require.NoError(t, serr)
	assert.Equal(t, types.HealthStateFailed, stored.State)
	assert.Equal(t, 2, stored.RecoveryAttempts)
	assert.Contains(t, stored.LastError, "compose up failed")
	assert.Zero(t, stored.TotalRecoveries)
}

func TestRecoverAllSkipsIneligible(t *testing.T) {
	driver := newFakeDriver()
	starter := &fakeStarter{driver: driver}
	m, store := newTestMonitor(t, driver, starter)

	ctx := context.Background()

	healthy := seedCluster(t, store, "healthy-1", "a1", types.ClusterStatusRunning)
	require.NoError(t, store.UpsertHealthStatus(ctx, &types.HealthStatus{
		ClusterID: healthy.ID, State: types.HealthStateHealthy, MonitoringEnabled: true, MaxRecoveryAttempts: 3,
	}))

	stopped := seedCluster(t, store, "stopped-1", "a2", types.ClusterStatusStopped)
	require.NoError(t, store.UpsertHealthStatus(ctx, &types.HealthStatus{
		ClusterID: stopped.ID, State: types.HealthStateFailed, MonitoringEnabled: true, MaxRecoveryAttempts: 3,
	}))

	exhausted := seedCluster(t, store, "exhausted-1", "a3", types.ClusterStatusRunning)
	require.NoError(t, store.UpsertHealthStatus(ctx, &types.HealthStatus{
		ClusterID: exhausted.ID, State: types.HealthStateFailed, MonitoringEnabled: true,
		MaxRecoveryAttempts: 3, RecoveryAttempts: 3,
	}))

	failed := seedCluster(t, store, "failed-1", "a4", types.ClusterStatusRunning)
	require.NoError(t, store.UpsertHealthStatus(ctx, &types.HealthStatus{
		ClusterID: failed.ID, State: types.HealthStateFailed, MonitoringEnabled: true, MaxRecoveryAttempts: 3,
	}))

	m.recoverAll()

	// Only the genuinely eligible cluster got a recovery attempt.
	assert.Equal(t, []string{failed.ID}, starter.calls)
}

func TestForgetDropsCachedStatus(t *testing.T) {
	driver := newFakeDriver()
	driver.setState("abc123", runtime.StatusRunning)
	m, store := newTestMonitor(t, driver, nil)

	cluster := seedCluster(t, store, "web-1", "abc123", types.ClusterStatusRunning)
	m.CheckCluster(cluster)

	m.Forget(cluster.ID)
	_, ok := m.statuses.get(context.Background(), cluster.ID, func(context.Context) ([]*types.HealthStatus, error) {
		return nil, errors.New("reload not expected to succeed")
	})
	assert.False(t, ok)
}
