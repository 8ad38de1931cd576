package ftp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/corralhq/corral/pkg/config"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/metrics"
	"github.com/corralhq/corral/pkg/network"
	"github.com/corralhq/corral/pkg/runtime"
	"github.com/corralhq/corral/pkg/template"
	"github.com/corralhq/corral/pkg/types"
)

// ftpControlPort is the control port inside the sidecar container.
const ftpControlPort = 21

// ContainerDriver is the runtime surface the sidecar manager drives.
type ContainerDriver interface {
	RunContainer(ctx context.Context, spec runtime.RunSpec) (string, error)
	Start(ctx context.Context, idOrName string) error
	Stop(ctx context.Context, idOrName string) error
	Remove(ctx context.Context, idOrName string, force bool) error
	Inspect(ctx context.Context, idOrName, fieldTemplate string) (string, error)
}

// Store lists the clusters the reconciler iterates.
type Store interface {
	ListClustersWithFTP(ctx context.Context) ([]*types.Cluster, error)
}

// Manager owns one FTP sidecar container per FTP-configured cluster.
//
// Sidecar state is independent of cluster state: the FTP server stays
// available while the cluster is STOPPED, so users can still reach their
// files. A periodic reconciler keeps the sidecars present.
type Manager struct {
	cfg    config.FTPConfig
	driver ContainerDriver
	store  Store
	logger zerolog.Logger

	mu          sync.Mutex
	lastEnsured map[string]time.Time // cluster id -> last ensure, TTL-gated

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager wires the sidecar manager. Start launches the reconciler.
func NewManager(cfg config.FTPConfig, driver ContainerDriver, store Store) *Manager {
	return &Manager{
		cfg:         cfg,
		driver:      driver,
		store:       store,
		logger:      log.WithComponent("ftp-sidecar"),
		lastEnsured: make(map[string]time.Time),
		stopCh:      make(chan struct{}),
	}
}

// SidecarName returns the container name of a cluster's FTP sidecar.
func SidecarName(cluster *types.Cluster) string {
	return "ftp_" + runtime.SanitizeName(cluster.Name)
}

// Start launches the periodic reconciler. Fixed delay, so a slow pass
// pushes the next one out.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-time.After(m.cfg.MonitorInterval):
				m.reconcile()
			case <-m.stopCh:
				return
			}
		}
	}()
	m.logger.Info().Dur("interval", m.cfg.MonitorInterval).Msg("ftp reconciler started")
}

// StopReconciler halts the periodic reconciler.
func (m *Manager) StopReconciler() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// reconcile ensures every FTP-configured cluster has a running sidecar,
// skipping clusters ensured within the TTL window.
func (m *Manager) reconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.MonitorInterval)
	defer cancel()

	clusters, err := m.store.ListClustersWithFTP(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("ftp reconcile skipped: cannot list clusters")
		return
	}

	now := time.Now()
	for _, cluster := range clusters {
		m.mu.Lock()
		last := m.lastEnsured[cluster.ID]
		m.mu.Unlock()
		if now.Sub(last) < m.cfg.MonitorCacheTTL {
			continue
		}

		if err := m.EnsureRunning(ctx, cluster); err != nil {
			m.logger.Warn().Err(err).Str("cluster", cluster.Name).Msg("ftp sidecar reconcile failed")
			continue
		}

		m.mu.Lock()
		m.lastEnsured[cluster.ID] = now
		m.mu.Unlock()
	}
}

// EnsureRunning is a no-op for clusters without FTP configuration;
// otherwise it starts the sidecar if it is not running.
func (m *Manager) EnsureRunning(ctx context.Context, cluster *types.Cluster) error {
	if !cluster.HasFTP() {
		return nil
	}
	if m.isRunning(ctx, SidecarName(cluster)) {
		return nil
	}
	return m.CreateOrStart(ctx, cluster)
}

// CreateOrStart brings the cluster's sidecar up: a running sidecar is left
// alone, a stale same-name container is removed first, then the FTP image
// is run with the cluster's credentials and passive window. A port or name
// conflict gets one forced remove-and-recreate after waiting for the
// passive ports to come free.
func (m *Manager) CreateOrStart(ctx context.Context, cluster *types.Cluster) error {
	if !cluster.HasFTP() {
		return fmt.Errorf("cluster %s has no ftp configuration", cluster.Name)
	}

	name := SidecarName(cluster)
	if m.isRunning(ctx, name) {
		return nil
	}

	// A stopped or half-created container of the same name blocks the run.
	if err := m.driver.Remove(ctx, name, true); err != nil && !runtime.IsNotFound(err) {
		m.logger.Debug().Err(err).Str("sidecar", name).Msg("stale sidecar removal failed")
	}
	time.Sleep(m.cfg.RemoveWaitTimeout)

	err := m.run(ctx, cluster, name)
	if err == nil {
		return nil
	}

	switch runtime.Kind(err) {
	case runtime.FailurePortConflict, runtime.FailureConflict:
		m.logger.Warn().Err(err).Str("sidecar", name).Msg("sidecar conflict, recreating")
		metrics.FTPSidecarRestartsTotal.Inc()
		if rerr := m.driver.Remove(ctx, name, true); rerr != nil && !runtime.IsNotFound(rerr) {
			m.logger.Debug().Err(rerr).Str("sidecar", name).Msg("forced sidecar removal failed")
		}
		m.waitPassiveFree(*cluster.FTPPort)
		return m.run(ctx, cluster, name)
	}
	return err
}

// run launches the sidecar container and waits briefly for it to settle.
func (m *Manager) run(ctx context.Context, cluster *types.Cluster, name string) error {
	pasvLo, pasvHi, err := network.PassiveRange(*cluster.FTPPort)
	if err != nil {
		return fmt.Errorf("failed to compute passive window: %w", err)
	}

	spec := runtime.RunSpec{
		Name:  name,
		Image: m.cfg.Image,
		Env: map[string]string{
			"FTP_USER":      cluster.FTPUsername,
			"FTP_PASS":      cluster.FTPPassword,
			"PASV_MIN_PORT": fmt.Sprintf("%d", pasvLo),
			"PASV_MAX_PORT": fmt.Sprintf("%d", pasvHi),
		},
		Ports: []string{
			fmt.Sprintf("%d:%d", *cluster.FTPPort, ftpControlPort),
			// The passive window must map identically inside and outside.
			fmt.Sprintf("%d-%d:%d-%d", pasvLo, pasvHi, pasvLo, pasvHi),
		},
		Volumes: []string{
			template.SrcPath(cluster.RootPath) + ":/home/vsftpd/" + cluster.FTPUsername,
		},
		Restart: "unless-stopped",
	}

	if _, err := m.driver.RunContainer(ctx, spec); err != nil {
		return err
	}
	time.Sleep(m.cfg.CreateWaitTimeout)

	if !m.isRunning(ctx, name) {
		return fmt.Errorf("ftp sidecar %s did not stay up", name)
	}
	m.logger.Info().
		Str("cluster", cluster.Name).
		Uint16("port", *cluster.FTPPort).
		Int("pasv_lo", pasvLo).
		Int("pasv_hi", pasvHi).
		Msg("ftp sidecar running")
	return nil
}

// waitPassiveFree polls until the cluster's passive window is OS-free or
// the attempt budget runs out (~5s with the defaults).
func (m *Manager) waitPassiveFree(ftpPort uint16) {
	lo := network.PassiveWindowStart(ftpPort)
	for i := 0; i < m.cfg.PortReleaseMaxAttempts; i++ {
		if network.WindowFree(lo, lo+9) {
			return
		}
		time.Sleep(m.cfg.PortReleaseCheckInterval)
	}
	m.logger.Warn().Int("pasv_lo", lo).Msg("passive window still occupied after wait")
}

// Stop halts the cluster's sidecar without removing it. Idempotent.
func (m *Manager) Stop(ctx context.Context, cluster *types.Cluster) error {
	if !cluster.HasFTP() {
		return nil
	}
	return m.driver.Stop(ctx, SidecarName(cluster))
}

// Remove removes the cluster's sidecar container. Idempotent.
func (m *Manager) Remove(ctx context.Context, cluster *types.Cluster) error {
	if !cluster.HasFTP() {
		return nil
	}
	m.mu.Lock()
	delete(m.lastEnsured, cluster.ID)
	m.mu.Unlock()
	return m.driver.Remove(ctx, SidecarName(cluster), true)
}

func (m *Manager) isRunning(ctx context.Context, name string) bool {
	status, err := m.driver.Inspect(ctx, name, runtime.FieldStatus)
	return err == nil && status == runtime.StatusRunning
}
