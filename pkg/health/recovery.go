package health

import (
	"context"
	"time"

	"github.com/corralhq/corral/pkg/metrics"
	"github.com/corralhq/corral/pkg/runtime"
	"github.com/corralhq/corral/pkg/types"
)

// recoveryTxTimeout bounds the store work of one recovery attempt.
const recoveryTxTimeout = 30 * time.Second

// recoverable reports whether auto-recovery may still act on a cluster,
// ignoring the time-based cooldown (a cluster inside its cooldown window is
// still recoverable, just not yet).
func (m *Monitor) recoverable(cluster *types.Cluster, status *types.HealthStatus) bool {
	if !status.MonitoringEnabled {
		return false
	}
	switch cluster.Status {
	case types.ClusterStatusStopped, types.ClusterStatusError, types.ClusterStatusDeleted:
		return false
	}
	return status.RecoveryAttempts < status.MaxRecoveryAttempts
}

// eligible adds the cooldown gate on top of recoverable.
func (m *Monitor) eligible(cluster *types.Cluster, status *types.HealthStatus, now time.Time) bool {
	if status.State != types.HealthStateFailed {
		return false
	}
	if !m.recoverable(cluster, status) {
		return false
	}
	return status.LastRecoveryAttempt.IsZero() ||
		now.Sub(status.LastRecoveryAttempt) >= status.CooldownPeriod
}

// recoverAll is the scheduled recovery scan: every FAILED cluster that is
// still eligible gets one bounded recovery attempt.
func (m *Monitor) recoverAll() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RecoveryInterval)
	defer cancel()

	statuses, err := m.store.ListHealthStatuses(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("recovery scan skipped: cannot list health statuses")
		return
	}

	now := time.Now()
	for _, status := range statuses {
		if status.State != types.HealthStateFailed {
			continue
		}
		cluster, err := m.store.GetCluster(ctx, status.ClusterID)
		if err != nil {
			continue
		}
		if !m.eligible(cluster, status, now) {
			continue
		}
		if err := m.Recover(ctx, cluster, status); err != nil {
			m.logger.Warn().Err(err).Str("cluster", cluster.Name).Msg("recovery attempt failed")
		}
		select {
		case <-m.stopCh:
			return
		default:
		}
	}
}

// Recover runs one recovery attempt: stop, remove, prune, restart through
// the lifecycle controller, then a fresh check to judge the outcome.
func (m *Monitor) Recover(ctx context.Context, cluster *types.Cluster, status *types.HealthStatus) error {
	m.logger.Info().
		Str("cluster", cluster.Name).
		Int("attempt", status.RecoveryAttempts+1).
		Int("max", status.MaxRecoveryAttempts).
		Msg("recovering cluster")

	status.State = types.HealthStateRecovering
	status.LastRecoveryAttempt = time.Now()
	m.persistStatus(ctx, status)

	ref := cluster.ContainerID
	if ref == "" {
		ref = runtime.SanitizeName(cluster.Name)
	}

	if err := m.driver.Stop(ctx, ref); err != nil && !runtime.IsNotFound(err) {
		m.logger.Debug().Err(err).Str("cluster", cluster.Name).Msg("stop during recovery failed")
	}
	time.Sleep(m.stopSettle)
	if err := m.driver.Remove(ctx, ref, true); err != nil && !runtime.IsNotFound(err) {
		m.logger.Debug().Err(err).Str("cluster", cluster.Name).Msg("remove during recovery failed")
	}
	if err := m.driver.PruneNetworks(ctx); err != nil {
		m.logger.Debug().Err(err).Msg("prune during recovery failed")
	}

	startErr := m.starter.Start(ctx, cluster.ID)
	time.Sleep(m.postStartWait)

	if id, err := m.driver.ResolveID(ctx, cluster.Name); err == nil {
		cluster.ContainerID = id
	}

	obs, containerStatus, _ := m.observe(ctx, cluster)
	status.LastCheck = time.Now()
	status.ContainerStatus = containerStatus

	if startErr == nil && obs == containerRunning {
		status.State = types.HealthStateHealthy
		status.LastSuccess = time.Now()
		status.RecoveryAttempts = 0
		status.ConsecutiveFailures = 0
		status.TotalRecoveries++
		status.LastError = ""
		m.persistStatus(ctx, status)
		metrics.RecoveriesTotal.WithLabelValues("success").Inc()
		m.logger.Info().Str("cluster", cluster.Name).Msg("cluster recovered")
		return nil
	}

	status.State = types.HealthStateFailed
	status.RecoveryAttempts++
	if startErr != nil {
		status.LastError = types.TruncateError(startErr.Error())
	}
	m.persistStatus(ctx, status)
	metrics.RecoveriesTotal.WithLabelValues("failure").Inc()
	m.logger.Warn().
		Str("cluster", cluster.Name).
		Int("attempts", status.RecoveryAttempts).
		Str("event", "RECOVERY_FAILED").
		Msg("cluster still failed after recovery")
	return startErr
}

func (m *Monitor) persistStatus(ctx context.Context, status *types.HealthStatus) {
	pctx, cancel := context.WithTimeout(ctx, recoveryTxTimeout)
	defer cancel()
	if err := m.store.UpsertHealthStatus(pctx, status); err != nil {
		m.logger.Warn().Err(err).Str("cluster_id", status.ClusterID).Msg("failed to persist health status")
		return
	}
	m.statuses.put(status)
}
