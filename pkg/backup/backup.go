package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/corralhq/corral/pkg/config"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/metrics"
	"github.com/corralhq/corral/pkg/types"
)

// Store is the persistence surface the backup subsystem uses.
type Store interface {
	GetCluster(ctx context.Context, id string) (*types.Cluster, error)
	ListClusters(ctx context.Context) ([]*types.Cluster, error)
	CreateBackup(ctx context.Context, backup *types.Backup) error
	UpdateBackup(ctx context.Context, backup *types.Backup) error
	GetBackup(ctx context.Context, id string) (*types.Backup, error)
	ListBackupsByCluster(ctx context.Context, clusterID string) ([]*types.Backup, error)
	ListExpiredBackups(ctx context.Context) ([]*types.Backup, error)
	DeleteBackup(ctx context.Context, id string) error
}

// Lifecycle stops and starts clusters around a restore.
type Lifecycle interface {
	Start(ctx context.Context, clusterID string) error
	Stop(ctx context.Context, clusterID string) error
}

// Manager creates, restores and retires cluster backups. The whole
// subsystem is flag-gated and off the hot path; archives are plain tar,
// gzipped when compression is enabled.
type Manager struct {
	cfg       config.BackupConfig
	store     Store
	lifecycle Lifecycle
	logger    zerolog.Logger

	sem      chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager wires the backup subsystem.
func NewManager(cfg config.BackupConfig, store Store, lifecycle Lifecycle) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     store,
		lifecycle: lifecycle,
		logger:    log.WithComponent("backup"),
		sem:       make(chan struct{}, cfg.MaxConcurrent),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the automatic-backup and retention-cleanup loops.
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.loop(m.cfg.AutomaticInterval, m.automatic)
	go m.loop(m.cfg.CleanupInterval, m.cleanup)
	m.logger.Info().
		Dur("automatic_interval", m.cfg.AutomaticInterval).
		Dur("cleanup_interval", m.cfg.CleanupInterval).
		Msg("backup manager started")
}

// Stop halts the loops and waits for in-flight backups.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Manager) loop(interval time.Duration, fn func()) {
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

// Create archives a cluster's root and records the backup. The record is
// written IN_PROGRESS first so a crash mid-archive leaves a diagnosable
// row, then flipped to COMPLETED or FAILED.
func (m *Manager) Create(ctx context.Context, clusterID string, typ types.BackupType, description string) (*types.Backup, error) {
	m.sem <- struct{}{}
	defer func() { <-m.sem }()

	cluster, err := m.store.GetCluster(ctx, clusterID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	expires := now.AddDate(0, 0, m.cfg.RetentionDays)
	record := &types.Backup{
		ID:            uuid.NewString(),
		ClusterID:     cluster.ID,
		Type:          typ,
		Status:        types.BackupStatusInProgress,
		Path:          m.archivePath(cluster.ID, typ, now),
		Description:   description,
		RetentionDays: m.cfg.RetentionDays,
		CreatedAt:     now,
		ExpiresAt:     &expires,
	}
	if err := m.store.CreateBackup(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to record backup: %w", err)
	}

	include, err := m.includeFor(ctx, cluster, typ)
	if err != nil {
		return m.fail(ctx, record, err)
	}
	if err := os.MkdirAll(m.cfg.Directory, 0775); err != nil {
		return m.fail(ctx, record, fmt.Errorf("failed to create backup directory: %w", err))
	}

	size, checksum, err := writeArchive(record.Path, cluster.RootPath, include, m.cfg.Compression)
	if err != nil {
		return m.fail(ctx, record, err)
	}

	done := time.Now()
	record.Status = types.BackupStatusCompleted
	record.SizeBytes = size
	record.Checksum = checksum
	record.CompletedAt = &done
	if err := m.store.UpdateBackup(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to finalize backup record: %w", err)
	}

	metrics.BackupsTotal.WithLabelValues(string(typ), string(record.Status)).Inc()
	m.logger.Info().
		Str("cluster", cluster.Name).
		Str("backup_id", record.ID).
		Str("type", string(typ)).
		Int64("size", size).
		Msg("backup completed")
	return record, nil
}

// Restore verifies a backup's checksum, stops the cluster, extracts the
// archive into its root and starts it again.
func (m *Manager) Restore(ctx context.Context, backupID string) error {
	record, err := m.store.GetBackup(ctx, backupID)
	if err != nil {
		return err
	}
	if record.Status != types.BackupStatusCompleted {
		return fmt.Errorf("backup %s is %s, not restorable", record.ID, record.Status)
	}

	sum, err := checksumFile(record.Path)
	if err != nil {
		return err
	}
	if sum != record.Checksum {
		record.Status = types.BackupStatusCorrupted
		if uerr := m.store.UpdateBackup(ctx, record); uerr != nil {
			m.logger.Warn().Err(uerr).Str("backup_id", record.ID).Msg("failed to mark backup corrupted")
		}
		return fmt.Errorf("backup %s checksum mismatch", record.ID)
	}

	cluster, err := m.store.GetCluster(ctx, record.ClusterID)
	if err != nil {
		return err
	}

	if err := m.lifecycle.Stop(ctx, cluster.ID); err != nil {
		m.logger.Warn().Err(err).Str("cluster", cluster.Name).Msg("stop before restore failed, extracting anyway")
	}
	if err := extractArchive(record.Path, cluster.RootPath, m.compressed(record.Path)); err != nil {
		return fmt.Errorf("failed to restore backup %s: %w", record.ID, err)
	}
	if err := m.lifecycle.Start(ctx, cluster.ID); err != nil {
		return fmt.Errorf("restored but failed to start cluster %s: %w", cluster.Name, err)
	}

	m.logger.Info().Str("cluster", cluster.Name).Str("backup_id", record.ID).Msg("backup restored")
	return nil
}

// Delete removes a backup's archive and row.
func (m *Manager) Delete(ctx context.Context, backupID string) error {
	record, err := m.store.GetBackup(ctx, backupID)
	if err != nil {
		return err
	}
	if err := os.Remove(record.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove archive: %w", err)
	}
	return m.store.DeleteBackup(ctx, record.ID)
}

// automatic takes one FULL backup of every running cluster.
func (m *Manager) automatic() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.AutomaticInterval)
	defer cancel()

	clusters, err := m.store.ListClusters(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("automatic backup skipped: cannot list clusters")
		return
	}

	for _, cluster := range clusters {
		if cluster.Status != types.ClusterStatusRunning {
			continue
		}
		if _, err := m.Create(ctx, cluster.ID, types.BackupTypeFull, "automatic"); err != nil {
			m.logger.Warn().Err(err).Str("cluster", cluster.Name).Msg("automatic backup failed")
		}
		select {
		case <-m.stopCh:
			return
		default:
		}
	}
}

// cleanup retires expired backups: archive file first, then the row.
func (m *Manager) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CleanupInterval)
	defer cancel()

	expired, err := m.store.ListExpiredBackups(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("backup cleanup skipped")
		return
	}

	for _, record := range expired {
		if err := m.Delete(ctx, record.ID); err != nil {
			m.logger.Warn().Err(err).Str("backup_id", record.ID).Msg("failed to retire expired backup")
			continue
		}
		m.logger.Debug().Str("backup_id", record.ID).Msg("expired backup retired")
	}
}

// archivePath builds {dir}/cluster_{id}_{yyyymmdd_HHmmss}_{type}.tar[.gz].
func (m *Manager) archivePath(clusterID string, typ types.BackupType, now time.Time) string {
	name := fmt.Sprintf("cluster_%s_%s_%s.tar",
		clusterID, now.Format("20060102_150405"), strings.ToLower(string(typ)))
	if m.cfg.Compression {
		name += ".gz"
	}
	return filepath.Join(m.cfg.Directory, name)
}

// includeFor selects the archive subset for a backup type.
func (m *Manager) includeFor(ctx context.Context, cluster *types.Cluster, typ types.BackupType) (includeFunc, error) {
	switch typ {
	case types.BackupTypeFull:
		return func(string, os.FileInfo) bool { return true }, nil

	case types.BackupTypeDataOnly:
		return func(rel string, _ os.FileInfo) bool {
			return rel == "src" || strings.HasPrefix(rel, "src/")
		}, nil

	case types.BackupTypeConfigOnly:
		return func(rel string, _ os.FileInfo) bool {
			return rel != "src" && !strings.HasPrefix(rel, "src/")
		}, nil

	case types.BackupTypeIncremental:
		since, err := m.lastCompletedAt(ctx, cluster.ID)
		if err != nil {
			return nil, err
		}
		// Nothing to diff against: degrade to a full archive.
		if since.IsZero() {
			return func(string, os.FileInfo) bool { return true }, nil
		}
		return func(_ string, info os.FileInfo) bool {
			return info.IsDir() || info.ModTime().After(since)
		}, nil
	}
	return nil, fmt.Errorf("unknown backup type %q", typ)
}

func (m *Manager) lastCompletedAt(ctx context.Context, clusterID string) (time.Time, error) {
	backups, err := m.store.ListBackupsByCluster(ctx, clusterID)
	if err != nil {
		return time.Time{}, err
	}
	var last time.Time
	for _, b := range backups {
		if b.Status == types.BackupStatusCompleted && b.CreatedAt.After(last) {
			last = b.CreatedAt
		}
	}
	return last, nil
}

func (m *Manager) fail(ctx context.Context, record *types.Backup, cause error) (*types.Backup, error) {
	record.Status = types.BackupStatusFailed
	record.Description = types.TruncateError(cause.Error())
	if err := m.store.UpdateBackup(ctx, record); err != nil {
		m.logger.Warn().Err(err).Str("backup_id", record.ID).Msg("failed to record backup failure")
	}
	metrics.BackupsTotal.WithLabelValues(string(record.Type), string(record.Status)).Inc()
	return record, cause
}

func (m *Manager) compressed(path string) bool {
	return strings.HasSuffix(path, ".gz")
}
