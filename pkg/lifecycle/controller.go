package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/corralhq/corral/pkg/compose"
	"github.com/corralhq/corral/pkg/config"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/metrics"
	"github.com/corralhq/corral/pkg/runtime"
	"github.com/corralhq/corral/pkg/storage"
	"github.com/corralhq/corral/pkg/template"
	"github.com/corralhq/corral/pkg/types"
)

// ErrPermissionDenied is returned when the actor lacks the rights for an
// operation (non-admin limit update, non-owner delete).
var ErrPermissionDenied = errors.New("permission denied")

// Actor identifies who requested an operation.
type Actor struct {
	UserID string
	Admin  bool
}

// restartLoopThreshold: a container restarted more than this many times
// shortly after start is looping.
const restartLoopThreshold = 3

// ContainerDriver is the runtime surface the controller drives.
type ContainerDriver interface {
	ComposeUp(ctx context.Context, dir string) (string, error)
	ComposeStop(ctx context.Context, dir string) (string, error)
	Stop(ctx context.Context, idOrName string) error
	Remove(ctx context.Context, idOrName string, force bool) error
	Inspect(ctx context.Context, idOrName, fieldTemplate string) (string, error)
	InspectRestartCount(ctx context.Context, idOrName string) (int, error)
	ResolveID(ctx context.Context, name string) (string, error)
	PruneNetworks(ctx context.Context) error
	Logs(ctx context.Context, idOrName string, tail int) (string, error)
	InvalidateCache(name string)
}

// PortAllocator reserves and releases cluster ports.
type PortAllocator interface {
	NextApplicationPort(ctx context.Context) (uint16, error)
	NextFTPPort(ctx context.Context) (uint16, error)
	Release(port uint16)
}

// TemplateService materializes and removes cluster filesystems.
type TemplateService interface {
	Lookup(name string) (string, error)
	CreateClusterDir(name string) (string, error)
	CopyTemplate(templateName, clusterPath string) error
	CopyScripts(clusterPath string) error
	RemoveDir(path string) error
}

// Store is the persistence surface the controller mutates.
type Store interface {
	CreateCluster(ctx context.Context, cluster *types.Cluster) error
	GetCluster(ctx context.Context, id string) (*types.Cluster, error)
	GetClusterByName(ctx context.Context, name string) (*types.Cluster, error)
	ListClusters(ctx context.Context) ([]*types.Cluster, error)
	UpdateCluster(ctx context.Context, cluster *types.Cluster) error
	UpdateClusterStatus(ctx context.Context, id string, status types.ClusterStatus) error
	UpdateContainerID(ctx context.Context, id, containerID string) error
	DeleteCluster(ctx context.Context, id string) error
	GetHealthStatus(ctx context.Context, clusterID string) (*types.HealthStatus, error)
	UpsertHealthStatus(ctx context.Context, status *types.HealthStatus) error
}

// DeletionGuard is the stats pipeline's deleting-set surface. BeginDelete
// must be called before any cascade delete and EndDelete after, so buffered
// metric rows never race the cluster row's removal.
type DeletionGuard interface {
	BeginDelete(clusterID string)
	EndDelete(clusterID string)
	Forget(clusterID string)
}

// SidecarManager manages the per-cluster FTP sidecar.
type SidecarManager interface {
	CreateOrStart(ctx context.Context, cluster *types.Cluster) error
	Remove(ctx context.Context, cluster *types.Cluster) error
}

// HealthObserver drops cached health state for a cluster once its row is
// gone.
type HealthObserver interface {
	Forget(clusterID string)
}

// Controller owns every cluster lifecycle mutation. All mutations of one
// cluster are serialized by a per-cluster lock; reads bypass it.
type Controller struct {
	store    Store
	driver   ContainerDriver
	ports    PortAllocator
	fs       TemplateService
	guard    DeletionGuard
	sidecar  SidecarManager // nil when FTP is not wired
	observer HealthObserver // nil until the health monitor is wired
	defaults config.DefaultLimits
	health   config.HealthConfig
	logger   zerolog.Logger

	locks *keyedMutex

	// Timing knobs, overridable in tests.
	settleDelay       time.Duration // wait before the restart-loop check
	networkPause      time.Duration // pause after a network-error remediation
	startPollInterval time.Duration
	startPollAttempts int
	stopPollInterval  time.Duration
	stopPollAttempts  int
}

// NewController wires the lifecycle controller.
func NewController(store Store, driver ContainerDriver, ports PortAllocator, fs TemplateService, guard DeletionGuard, defaults config.DefaultLimits, health config.HealthConfig) *Controller {
	return &Controller{
		store:    store,
		driver:   driver,
		ports:    ports,
		fs:       fs,
		guard:    guard,
		defaults: defaults,
		health:   health,
		logger:   log.WithComponent("lifecycle"),

		locks: newKeyedMutex(),

		settleDelay:       3 * time.Second,
		networkPause:      2 * time.Second,
		startPollInterval: 1500 * time.Millisecond,
		startPollAttempts: 8,
		stopPollInterval:  time.Second,
		stopPollAttempts:  5,
	}
}

// SetSidecarManager attaches the FTP sidecar manager. Optional; clusters
// without FTP configuration never touch it.
func (c *Controller) SetSidecarManager(m SidecarManager) {
	c.sidecar = m
}

// SetHealthObserver attaches the health monitor so deletes evict its caches.
func (c *Controller) SetHealthObserver(o HealthObserver) {
	c.observer = o
}

// Create materializes and starts a new cluster. On an unrecoverable start
// failure the row, filesystem and port allocation are kept with status
// CREATED so the operator can diagnose; the error message is recorded on
// the cluster's health status.
func (c *Controller) Create(ctx context.Context, spec types.ClusterSpec) (*types.Cluster, error) {
	start := time.Now()
	cluster, err := c.create(ctx, spec)
	c.countOp("create", err)
	if err != nil {
		return cluster, err
	}
	c.logger.Info().
		Str("cluster_id", cluster.ID).
		Str("cluster", cluster.Name).
		Dur("elapsed", time.Since(start)).
		Msg("cluster created")
	return cluster, nil
}

func (c *Controller) create(ctx context.Context, spec types.ClusterSpec) (*types.Cluster, error) {
	if _, err := c.fs.Lookup(spec.Template); err != nil {
		return nil, err
	}

	port, err := c.ports.NextApplicationPort(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate application port: %w", err)
	}
	// Reservations are transient; once the row is persisted the store is
	// the record, and on failure the range must not leak.
	defer c.ports.Release(port)

	var ftpPort *uint16
	if spec.WithFTP {
		p, err := c.ports.NextFTPPort(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate ftp port: %w", err)
		}
		defer c.ports.Release(p)
		ftpPort = &p
	}

	name, err := c.uniqueName(ctx, spec.BaseName, spec.Template)
	if err != nil {
		return nil, err
	}

	cluster := &types.Cluster{
		ID:        uuid.NewString(),
		Name:      name,
		Port:      port,
		FTPPort:   ftpPort,
		OwnerID:   spec.OwnerID,
		Status:    types.ClusterStatusCreated,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	c.applyLimits(cluster, spec.Limits)
	if spec.WithFTP {
		cluster.FTPUsername = spec.FTPUser
		cluster.FTPPassword = spec.FTPPass
		if cluster.FTPUsername == "" {
			cluster.FTPUsername = "ftp_" + shortHex()
		}
		if cluster.FTPPassword == "" {
			cluster.FTPPassword = shortHex() + shortHex()
		}
	}

	dir, err := c.fs.CreateClusterDir(name)
	if err != nil {
		return nil, err
	}
	cluster.RootPath = dir
	if err := c.fs.CopyTemplate(spec.Template, dir); err != nil {
		return nil, err
	}
	if err := c.fs.CopyScripts(dir); err != nil {
		return nil, err
	}
	if err := compose.RewriteFile(template.ComposePath(dir), cluster); err != nil {
		return nil, err
	}

	if err := c.store.CreateCluster(ctx, cluster); err != nil {
		return nil, fmt.Errorf("failed to persist cluster: %w", err)
	}

	unlock := c.locks.lock(cluster.ID)
	defer unlock()

	if err := c.startContainer(ctx, cluster); err != nil {
		// Deliberately not rolled back: the operator diagnoses in place.
		c.recordError(ctx, cluster.ID, err)
		return cluster, fmt.Errorf("cluster %s created but failed to start: %w", cluster.Name, err)
	}

	c.initHealth(ctx, cluster.ID)
	if cluster.HasFTP() && c.sidecar != nil {
		if err := c.sidecar.CreateOrStart(ctx, cluster); err != nil {
			c.logger.Warn().Err(err).Str("cluster", cluster.Name).Msg("ftp sidecar failed to start")
		}
	}
	return cluster, nil
}

// Start brings a cluster's container up via compose so a removed container
// is rematerialized, then verifies it is actually running.
func (c *Controller) Start(ctx context.Context, clusterID string) error {
	unlock := c.locks.lock(clusterID)
	defer unlock()

	cluster, err := c.store.GetCluster(ctx, clusterID)
	if err != nil {
		return err
	}

	err = c.startContainer(ctx, cluster)
	c.countOp("start", err)
	if err != nil {
		c.recordError(ctx, cluster.ID, err)
		return err
	}
	return nil
}

// startContainer runs compose up with remediation, guards against restart
// loops, resolves the container id and persists RUNNING. Callers hold the
// cluster lock.
func (c *Controller) startContainer(ctx context.Context, cluster *types.Cluster) error {
	if err := c.composeUp(ctx, cluster.RootPath); err != nil {
		return err
	}

	ref := runtime.SanitizeName(cluster.Name)
	if err := c.waitRunning(ctx, ref); err != nil {
		return err
	}
	if err := c.guardRestartLoop(ctx, cluster, ref); err != nil {
		return err
	}

	id, err := c.driver.ResolveID(ctx, cluster.Name)
	if err != nil {
		return fmt.Errorf("container started but id resolution failed: %w", err)
	}
	if err := c.store.UpdateContainerID(ctx, cluster.ID, id); err != nil {
		return err
	}
	cluster.ContainerID = id

	if err := c.store.UpdateClusterStatus(ctx, cluster.ID, types.ClusterStatusRunning); err != nil {
		return err
	}
	cluster.Status = types.ClusterStatusRunning
	return nil
}

// composeUp applies the compose spec, remediating retryable failures. Port
// conflicts get one retry, other retryable kinds up to two.
func (c *Controller) composeUp(ctx context.Context, dir string) error {
	retries := 0
	for {
		_, err := c.driver.ComposeUp(ctx, dir)
		if err == nil {
			return nil
		}

		kind := runtime.Kind(err)
		if !runtime.Retryable(kind) {
			return err
		}
		limit := 2
		if kind == runtime.FailurePortConflict {
			limit = 1
		}
		if retries >= limit {
			return err
		}
		retries++
		metrics.RemediationsTotal.WithLabelValues(string(kind)).Inc()
		c.remediate(ctx, kind)
		c.logger.Warn().
			Str("kind", string(kind)).
			Int("retry", retries).
			Msg("compose up failed, retrying after remediation")
	}
}

func (c *Controller) remediate(ctx context.Context, kind runtime.FailureKind) {
	switch kind {
	case runtime.FailurePortConflict, runtime.FailureNetwork, runtime.FailureVolume:
		if err := c.driver.PruneNetworks(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("network prune failed during remediation")
		}
	}
	if kind == runtime.FailureNetwork {
		time.Sleep(c.networkPause)
	}
}

// sleepCtx waits for d unless ctx is canceled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitRunning polls inspect until the container reports running.
func (c *Controller) waitRunning(ctx context.Context, ref string) error {
	var status string
	for i := 0; i < c.startPollAttempts; i++ {
		var err error
		status, err = c.driver.Inspect(ctx, ref, runtime.FieldStatus)
		if err == nil && status == runtime.StatusRunning {
			return nil
		}
		if err := sleepCtx(ctx, c.startPollInterval); err != nil {
			return err
		}
	}
	logs, _ := c.driver.Logs(ctx, ref, 100)
	return fmt.Errorf("container %s not running after %d checks (status %q); logs:\n%s",
		ref, c.startPollAttempts, status, logs)
}

// guardRestartLoop waits for the container to settle, then checks for a
// crash loop. One loop remediation (stop, remove, prune, re-apply) is
// attempted; a second loop is surfaced with the last 100 log lines.
func (c *Controller) guardRestartLoop(ctx context.Context, cluster *types.Cluster, ref string) error {
	time.Sleep(c.settleDelay)
	if !c.isLooping(ctx, ref) {
		return nil
	}

	c.logger.Warn().Str("cluster", cluster.Name).Msg("restart loop detected, remediating")
	logs, _ := c.driver.Logs(ctx, ref, 100)

	if err := c.driver.Stop(ctx, ref); err != nil && !runtime.IsNotFound(err) {
		c.logger.Warn().Err(err).Msg("stop during loop remediation failed")
	}
	if err := c.driver.Remove(ctx, ref, true); err != nil && !runtime.IsNotFound(err) {
		c.logger.Warn().Err(err).Msg("remove during loop remediation failed")
	}
	c.driver.InvalidateCache(cluster.Name)
	if err := c.driver.PruneNetworks(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("prune during loop remediation failed")
	}
	if _, err := c.driver.ComposeUp(ctx, cluster.RootPath); err != nil {
		return fmt.Errorf("restart loop remediation failed: %w; last logs:\n%s", err, logs)
	}

	time.Sleep(c.settleDelay)
	if c.isLooping(ctx, ref) {
		logs, _ = c.driver.Logs(ctx, ref, 100)
		return fmt.Errorf("container %s still restart-looping after remediation; last logs:\n%s", ref, logs)
	}
	return nil
}

func (c *Controller) isLooping(ctx context.Context, ref string) bool {
	status, err := c.driver.Inspect(ctx, ref, runtime.FieldStatus)
	if err != nil {
		return false
	}
	if status == runtime.StatusRestarting {
		return true
	}
	restarts, err := c.driver.InspectRestartCount(ctx, ref)
	return err == nil && restarts > restartLoopThreshold
}

// Stop halts a cluster's container without removing it and persists
// STOPPED. STOPPED is an operator command: health reconciliation will not
// restart the container until an explicit Start.
func (c *Controller) Stop(ctx context.Context, clusterID string) error {
	unlock := c.locks.lock(clusterID)
	defer unlock()

	cluster, err := c.store.GetCluster(ctx, clusterID)
	if err != nil {
		return err
	}

	err = c.stopContainer(ctx, cluster)
	c.countOp("stop", err)
	if err != nil {
		if serr := c.store.UpdateClusterStatus(ctx, cluster.ID, types.ClusterStatusError); serr != nil {
			c.logger.Error().Err(serr).Str("cluster", cluster.Name).Msg("failed to persist ERROR status")
		}
		c.recordError(ctx, cluster.ID, err)
		return err
	}

	if err := c.store.UpdateClusterStatus(ctx, cluster.ID, types.ClusterStatusStopped); err != nil {
		return err
	}
	c.guard.Forget(cluster.ID)
	c.logger.Info().Str("cluster", cluster.Name).Msg("cluster stopped")
	return nil
}

// stopContainer tries a direct stop first, then a compose-level stop, and
// verifies the container actually halted. A stale stored id is re-resolved
// by name so the stop acts on the live container, not a dead id.
func (c *Controller) stopContainer(ctx context.Context, cluster *types.Cluster) error {
	ref := cluster.ContainerID
	if ref == "" {
		ref = runtime.SanitizeName(cluster.Name)
	}

	err := c.driver.Stop(ctx, ref)
	if runtime.IsNotFound(err) && cluster.ContainerID != "" {
		if id, rerr := c.driver.ResolveID(ctx, cluster.Name); rerr == nil {
			ref = id
			err = c.driver.Stop(ctx, ref)
		}
	}
	if err != nil && !runtime.IsNotFound(err) {
		c.logger.Debug().Err(err).Str("cluster", cluster.Name).Msg("direct stop failed, falling back to compose stop")
		if _, err := c.driver.ComposeStop(ctx, cluster.RootPath); err != nil {
			return fmt.Errorf("both direct and compose stop failed: %w", err)
		}
	}

	for i := 0; i < c.stopPollAttempts; i++ {
		status, err := c.driver.Inspect(ctx, ref, runtime.FieldStatus)
		if runtime.IsNotFound(err) {
			return nil
		}
		if err == nil && (status == runtime.StatusExited || status == runtime.StatusStopped) {
			return nil
		}
		if err := sleepCtx(ctx, c.stopPollInterval); err != nil {
			return err
		}
	}
	return fmt.Errorf("container %s did not stop after %d checks", ref, c.stopPollAttempts)
}

// UpdateLimits mutates a cluster's resource limits and re-applies the
// compose spec. Admin only. If the cluster was running it is restarted; a
// failure mid-restart leaves status ERROR with the partial-update message
// recorded, and the admin restarts manually.
func (c *Controller) UpdateLimits(ctx context.Context, actor Actor, clusterID string, limits types.ResourceLimits) error {
	if !actor.Admin {
		return fmt.Errorf("%w: only admins may update limits", ErrPermissionDenied)
	}

	unlock := c.locks.lock(clusterID)
	defer unlock()

	cluster, err := c.store.GetCluster(ctx, clusterID)
	if err != nil {
		return err
	}
	wasRunning := cluster.Status == types.ClusterStatusRunning

	if limits.CPUCores != nil {
		cluster.CPULimit = *limits.CPUCores
	}
	if limits.MemoryMiB != nil {
		cluster.MemoryLimitMiB = *limits.MemoryMiB
	}
	if limits.DiskGiB != nil {
		cluster.DiskLimitGiB = *limits.DiskGiB
	}
	if limits.NetworkMbps != nil {
		cluster.NetworkLimitMbps = *limits.NetworkMbps
	}

	if err := compose.RewriteFile(template.ComposePath(cluster.RootPath), cluster); err != nil {
		c.countOp("update", err)
		return err
	}
	if err := c.store.UpdateCluster(ctx, cluster); err != nil {
		c.countOp("update", err)
		return err
	}

	if wasRunning {
		if err := c.restartForUpdate(ctx, cluster); err != nil {
			partial := fmt.Errorf("limits updated but restart failed, manual start required: %w", err)
			if serr := c.store.UpdateClusterStatus(ctx, cluster.ID, types.ClusterStatusError); serr != nil {
				c.logger.Error().Err(serr).Str("cluster", cluster.Name).Msg("failed to persist ERROR status")
			}
			c.recordError(ctx, cluster.ID, partial)
			c.countOp("update", partial)
			return partial
		}
	}

	c.countOp("update", nil)
	c.logger.Info().Str("cluster", cluster.Name).Msg("resource limits updated")
	return nil
}

func (c *Controller) restartForUpdate(ctx context.Context, cluster *types.Cluster) error {
	if err := c.stopContainer(ctx, cluster); err != nil {
		return err
	}
	if err := c.driver.PruneNetworks(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("network prune before restart failed")
	}
	return c.startContainer(ctx, cluster)
}

// Delete tears a cluster down completely: container, filesystem and all
// rows. The deleting-set mark brackets the cascade so the stats pipeline
// cannot insert a metric for a cluster whose row is mid-removal.
func (c *Controller) Delete(ctx context.Context, actor Actor, clusterID string) error {
	unlock := c.locks.lock(clusterID)
	defer unlock()

	cluster, err := c.store.GetCluster(ctx, clusterID)
	if err != nil {
		return err
	}
	if !actor.Admin && actor.UserID != cluster.OwnerID {
		return fmt.Errorf("%w: only the owner or an admin may delete cluster %s", ErrPermissionDenied, cluster.Name)
	}

	c.guard.BeginDelete(cluster.ID)
	defer c.guard.EndDelete(cluster.ID)

	if cluster.HasFTP() && c.sidecar != nil {
		if err := c.sidecar.Remove(ctx, cluster); err != nil {
			c.logger.Warn().Err(err).Str("cluster", cluster.Name).Msg("ftp sidecar removal failed")
		}
	}

	ref := cluster.ContainerID
	if ref == "" {
		if id, rerr := c.driver.ResolveID(ctx, cluster.Name); rerr == nil {
			ref = id
		}
	}
	if ref != "" {
		err := c.driver.Remove(ctx, ref, true)
		if runtime.IsNotFound(err) && cluster.ContainerID != "" {
			// Stale id: a live container may still exist under the name.
			if id, rerr := c.driver.ResolveID(ctx, cluster.Name); rerr == nil {
				err = c.driver.Remove(ctx, id, true)
			} else {
				err = nil
			}
		}
		if err != nil && !runtime.IsNotFound(err) {
			return fmt.Errorf("failed to remove container: %w", err)
		}
	}
	c.driver.InvalidateCache(cluster.Name)

	if err := c.fs.RemoveDir(cluster.RootPath); err != nil {
		return err
	}

	// Health, metric and backup rows cascade with the cluster row.
	if err := c.store.DeleteCluster(ctx, cluster.ID); err != nil {
		c.countOp("delete", err)
		return err
	}
	c.ports.Release(cluster.Port)
	if cluster.FTPPort != nil {
		c.ports.Release(*cluster.FTPPort)
	}
	if c.observer != nil {
		c.observer.Forget(cluster.ID)
	}

	c.countOp("delete", nil)
	c.logger.Info().Str("cluster", cluster.Name).Msg("cluster deleted")
	return nil
}

// uniqueName builds `{base}-{template}-{yyyymmdd-HHMM}-{8 hex}` and appends
// -N on the rare collision.
func (c *Controller) uniqueName(ctx context.Context, base, tmpl string) (string, error) {
	name := fmt.Sprintf("%s-%s-%s-%s", base, tmpl, time.Now().Format("20060102-1504"), shortHex())

	candidate := name
	for n := 1; ; n++ {
		_, err := c.store.GetClusterByName(ctx, candidate)
		if errors.Is(err, storage.ErrNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to check name uniqueness: %w", err)
		}
		if n > 10 {
			return "", fmt.Errorf("could not find a unique name for %s", name)
		}
		candidate = fmt.Sprintf("%s-%d", name, n)
	}
}

func shortHex() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// applyLimits fills the cluster's effective limits, falling back to the
// configured defaults exactly once, at creation.
func (c *Controller) applyLimits(cluster *types.Cluster, limits types.ResourceLimits) {
	cluster.CPULimit = c.defaults.CPUCores
	cluster.MemoryLimitMiB = c.defaults.MemoryMiB
	cluster.DiskLimitGiB = c.defaults.DiskGiB
	cluster.NetworkLimitMbps = c.defaults.NetworkMbps

	if limits.CPUCores != nil {
		cluster.CPULimit = *limits.CPUCores
	}
	if limits.MemoryMiB != nil {
		cluster.MemoryLimitMiB = *limits.MemoryMiB
	}
	if limits.DiskGiB != nil {
		cluster.DiskLimitGiB = *limits.DiskGiB
	}
	if limits.NetworkMbps != nil {
		cluster.NetworkLimitMbps = *limits.NetworkMbps
	}
}

// initHealth creates the cluster's health bookkeeping row with monitoring
// enabled.
func (c *Controller) initHealth(ctx context.Context, clusterID string) {
	status := &types.HealthStatus{
		ClusterID:           clusterID,
		State:               types.HealthStateUnknown,
		MonitoringEnabled:   true,
		MaxRecoveryAttempts: c.health.MaxRecoveryAttempts,
		RetryInterval:       c.health.RetryInterval,
		CooldownPeriod:      c.health.CooldownPeriod,
	}
	if err := c.store.UpsertHealthStatus(ctx, status); err != nil {
		c.logger.Warn().Err(err).Str("cluster_id", clusterID).Msg("failed to initialize health status")
	}
}

// recordError persists a truncated human-readable message on the cluster's
// health status, preserving existing counters.
func (c *Controller) recordError(ctx context.Context, clusterID string, opErr error) {
	status, err := c.store.GetHealthStatus(ctx, clusterID)
	if errors.Is(err, storage.ErrNotFound) {
		status = &types.HealthStatus{
			ClusterID:           clusterID,
			State:               types.HealthStateUnknown,
			MonitoringEnabled:   true,
			MaxRecoveryAttempts: c.health.MaxRecoveryAttempts,
			RetryInterval:       c.health.RetryInterval,
			CooldownPeriod:      c.health.CooldownPeriod,
		}
	} else if err != nil {
		c.logger.Warn().Err(err).Str("cluster_id", clusterID).Msg("failed to load health status")
		return
	}
	status.LastError = types.TruncateError(opErr.Error())
	if err := c.store.UpsertHealthStatus(ctx, status); err != nil {
		c.logger.Warn().Err(err).Str("cluster_id", clusterID).Msg("failed to record error message")
	}
}

func (c *Controller) countOp(op string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.LifecycleOperationsTotal.WithLabelValues(op, outcome).Inc()
}
