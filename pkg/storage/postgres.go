package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/corralhq/corral/pkg/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres error codes for constraint violations.
const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
)

// PostgresStore implements Store on top of Postgres via sqlx and the pgx
// stdlib driver.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore connects, runs pending migrations and returns the store.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := Migrate(db.DB); err != nil {
		db.Close()
		return nil, err
	}

	return &PostgresStore{db: db}, nil
}

// Migrate applies all pending embedded migrations.
func Migrate(db *sql.DB) error {
	if err := prepareMigrations(); err != nil {
		return err
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// MigrateDown rolls back the most recent migration.
func MigrateDown(db *sql.DB) error {
	if err := prepareMigrations(); err != nil {
		return err
	}
	if err := goose.Down(db, "migrations"); err != nil {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	return nil
}

// MigrationStatus prints the applied/pending state of every migration.
func MigrationStatus(db *sql.DB) error {
	if err := prepareMigrations(); err != nil {
		return err
	}
	if err := goose.Status(db, "migrations"); err != nil {
		return fmt.Errorf("failed to report migration status: %w", err)
	}
	return nil
}

func prepareMigrations() error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for the migrate binary.
func (s *PostgresStore) DB() *sql.DB {
	return s.db.DB
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgForeignKeyViolation:
			return fmt.Errorf("%w: %s", ErrIntegrity, pgErr.ConstraintName)
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
		}
	}
	return err
}

// Cluster operations

const clusterColumns = `id, name, root_path, port, ftp_port, ftp_username, ftp_password,
	container_id, owner_id, status, cpu_limit, memory_limit, disk_limit, network_limit,
	created_at, updated_at`

func (s *PostgresStore) CreateCluster(ctx context.Context, c *types.Cluster) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO clusters (`+clusterColumns+`)
		VALUES (:id, :name, :root_path, :port, :ftp_port, :ftp_username, :ftp_password,
			:container_id, :owner_id, :status, :cpu_limit, :memory_limit, :disk_limit,
			:network_limit, :created_at, :updated_at)`, c)
	return translateError(err)
}

func (s *PostgresStore) GetCluster(ctx context.Context, id string) (*types.Cluster, error) {
	var c types.Cluster
	err := s.db.GetContext(ctx, &c, `SELECT `+clusterColumns+` FROM clusters WHERE id = $1`, id)
	if err != nil {
		return nil, translateError(err)
	}
	return &c, nil
}

func (s *PostgresStore) GetClusterByName(ctx context.Context, name string) (*types.Cluster, error) {
	var c types.Cluster
	err := s.db.GetContext(ctx, &c, `SELECT `+clusterColumns+` FROM clusters WHERE name = $1`, name)
	if err != nil {
		return nil, translateError(err)
	}
	return &c, nil
}

func (s *PostgresStore) ListClusters(ctx context.Context) ([]*types.Cluster, error) {
	var clusters []*types.Cluster
	err := s.db.SelectContext(ctx, &clusters, `SELECT `+clusterColumns+` FROM clusters ORDER BY created_at`)
	return clusters, translateError(err)
}

func (s *PostgresStore) ListClustersByOwner(ctx context.Context, ownerID string) ([]*types.Cluster, error) {
	var clusters []*types.Cluster
	err := s.db.SelectContext(ctx, &clusters,
		`SELECT `+clusterColumns+` FROM clusters WHERE owner_id = $1 ORDER BY created_at`, ownerID)
	return clusters, translateError(err)
}

func (s *PostgresStore) ListClustersWithFTP(ctx context.Context) ([]*types.Cluster, error) {
	var clusters []*types.Cluster
	err := s.db.SelectContext(ctx, &clusters,
		`SELECT `+clusterColumns+` FROM clusters
		 WHERE ftp_port IS NOT NULL AND ftp_username <> '' ORDER BY created_at`)
	return clusters, translateError(err)
}

func (s *PostgresStore) UpdateCluster(ctx context.Context, c *types.Cluster) error {
	c.UpdatedAt = time.Now()
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE clusters SET name = :name, root_path = :root_path, port = :port,
			ftp_port = :ftp_port, ftp_username = :ftp_username, ftp_password = :ftp_password,
			container_id = :container_id, owner_id = :owner_id, status = :status,
			cpu_limit = :cpu_limit, memory_limit = :memory_limit, disk_limit = :disk_limit,
			network_limit = :network_limit, updated_at = :updated_at
		WHERE id = :id`, c)
	if err != nil {
		return translateError(err)
	}
	return checkAffected(res)
}

func (s *PostgresStore) UpdateClusterStatus(ctx context.Context, id string, status types.ClusterStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE clusters SET status = $1, updated_at = $2 WHERE id = $3`, status, time.Now(), id)
	if err != nil {
		return translateError(err)
	}
	return checkAffected(res)
}

func (s *PostgresStore) UpdateContainerID(ctx context.Context, id, containerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE clusters SET container_id = $1, updated_at = $2 WHERE id = $3`, containerID, time.Now(), id)
	if err != nil {
		return translateError(err)
	}
	return checkAffected(res)
}

func (s *PostgresStore) DeleteCluster(ctx context.Context, id string) error {
	// Health, metric and backup rows cascade.
	res, err := s.db.ExecContext(ctx, `DELETE FROM clusters WHERE id = $1`, id)
	if err != nil {
		return translateError(err)
	}
	return checkAffected(res)
}

func (s *PostgresStore) ClusterIDs(ctx context.Context) (map[string]bool, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `SELECT id FROM clusters`); err != nil {
		return nil, translateError(err)
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

func (s *PostgresStore) PortsInUse(ctx context.Context) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT port, ftp_port FROM clusters`)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	ports := make(map[int]bool)
	for rows.Next() {
		var port int
		var ftpPort *int
		if err := rows.Scan(&port, &ftpPort); err != nil {
			return nil, err
		}
		ports[port] = true
		if ftpPort != nil {
			ports[*ftpPort] = true
		}
	}
	return ports, rows.Err()
}

// Health status operations

// healthRow maps durations to whole seconds in storage.
type healthRow struct {
	ClusterID           string       `db:"cluster_id"`
	State               string       `db:"state"`
	LastCheck           sql.NullTime `db:"last_check"`
	LastSuccess         sql.NullTime `db:"last_success"`
	LastRecoveryAttempt sql.NullTime `db:"last_recovery_attempt"`
	RecoveryAttempts    int          `db:"recovery_attempts"`
	ConsecutiveFailures int          `db:"consecutive_failures"`
	TotalFailures       int          `db:"total_failures"`
	TotalRecoveries     int          `db:"total_recoveries"`
	MonitoringEnabled   bool         `db:"monitoring_enabled"`
	MaxRecoveryAttempts int          `db:"max_recovery_attempts"`
	RetryIntervalS      int          `db:"retry_interval_s"`
	CooldownPeriodS     int          `db:"cooldown_period_s"`
	ContainerStatus     string       `db:"container_status"`
	CPUPercent          float64      `db:"cpu_percent"`
	MemoryUsedMiB       uint64       `db:"memory_used_mib"`
	MemoryPercent       float64      `db:"memory_percent"`
	LastError           string       `db:"last_error"`
}

func toHealthRow(h *types.HealthStatus) *healthRow {
	return &healthRow{
		ClusterID:           h.ClusterID,
		State:               string(h.State),
		LastCheck:           nullTime(h.LastCheck),
		LastSuccess:         nullTime(h.LastSuccess),
		LastRecoveryAttempt: nullTime(h.LastRecoveryAttempt),
		RecoveryAttempts:    h.RecoveryAttempts,
		ConsecutiveFailures: h.ConsecutiveFailures,
		TotalFailures:       h.TotalFailures,
		TotalRecoveries:     h.TotalRecoveries,
		MonitoringEnabled:   h.MonitoringEnabled,
		MaxRecoveryAttempts: h.MaxRecoveryAttempts,
		RetryIntervalS:      int(h.RetryInterval / time.Second),
		CooldownPeriodS:     int(h.CooldownPeriod / time.Second),
		ContainerStatus:     h.ContainerStatus,
		CPUPercent:          h.CPUPercent,
		MemoryUsedMiB:       h.MemoryUsedMiB,
		MemoryPercent:       h.MemoryPercent,
		LastError:           types.TruncateError(h.LastError),
	}
}

func (r *healthRow) toStatus() *types.HealthStatus {
	return &types.HealthStatus{
		ClusterID:           r.ClusterID,
		State:               types.HealthState(r.State),
		LastCheck:           r.LastCheck.Time,
		LastSuccess:         r.LastSuccess.Time,
		LastRecoveryAttempt: r.LastRecoveryAttempt.Time,
		RecoveryAttempts:    r.RecoveryAttempts,
		ConsecutiveFailures: r.ConsecutiveFailures,
		TotalFailures:       r.TotalFailures,
		TotalRecoveries:     r.TotalRecoveries,
		MonitoringEnabled:   r.MonitoringEnabled,
		MaxRecoveryAttempts: r.MaxRecoveryAttempts,
		RetryInterval:       time.Duration(r.RetryIntervalS) * time.Second,
		CooldownPeriod:      time.Duration(r.CooldownPeriodS) * time.Second,
		ContainerStatus:     r.ContainerStatus,
		CPUPercent:          r.CPUPercent,
		MemoryUsedMiB:       r.MemoryUsedMiB,
		MemoryPercent:       r.MemoryPercent,
		LastError:           r.LastError,
	}
}

const healthColumns = `cluster_id, state, last_check, last_success, last_recovery_attempt,
	recovery_attempts, consecutive_failures, total_failures, total_recoveries,
	monitoring_enabled, max_recovery_attempts, retry_interval_s, cooldown_period_s,
	container_status, cpu_percent, memory_used_mib, memory_percent, last_error`

func (s *PostgresStore) GetHealthStatus(ctx context.Context, clusterID string) (*types.HealthStatus, error) {
	var row healthRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+healthColumns+` FROM cluster_health_status WHERE cluster_id = $1`, clusterID)
	if err != nil {
		return nil, translateError(err)
	}
	return row.toStatus(), nil
}

func (s *PostgresStore) ListHealthStatuses(ctx context.Context) ([]*types.HealthStatus, error) {
	var rows []healthRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+healthColumns+` FROM cluster_health_status`)
	if err != nil {
		return nil, translateError(err)
	}
	statuses := make([]*types.HealthStatus, 0, len(rows))
	for i := range rows {
		statuses = append(statuses, rows[i].toStatus())
	}
	return statuses, nil
}

func (s *PostgresStore) UpsertHealthStatus(ctx context.Context, status *types.HealthStatus) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO cluster_health_status (`+healthColumns+`)
		VALUES (:cluster_id, :state, :last_check, :last_success, :last_recovery_attempt,
			:recovery_attempts, :consecutive_failures, :total_failures, :total_recoveries,
			:monitoring_enabled, :max_recovery_attempts, :retry_interval_s, :cooldown_period_s,
			:container_status, :cpu_percent, :memory_used_mib, :memory_percent, :last_error)
		ON CONFLICT (cluster_id) DO UPDATE SET
			state = EXCLUDED.state,
			last_check = EXCLUDED.last_check,
			last_success = EXCLUDED.last_success,
			last_recovery_attempt = EXCLUDED.last_recovery_attempt,
			recovery_attempts = EXCLUDED.recovery_attempts,
			consecutive_failures = EXCLUDED.consecutive_failures,
			total_failures = EXCLUDED.total_failures,
			total_recoveries = EXCLUDED.total_recoveries,
			monitoring_enabled = EXCLUDED.monitoring_enabled,
			max_recovery_attempts = EXCLUDED.max_recovery_attempts,
			retry_interval_s = EXCLUDED.retry_interval_s,
			cooldown_period_s = EXCLUDED.cooldown_period_s,
			container_status = EXCLUDED.container_status,
			cpu_percent = EXCLUDED.cpu_percent,
			memory_used_mib = EXCLUDED.memory_used_mib,
			memory_percent = EXCLUDED.memory_percent,
			last_error = EXCLUDED.last_error`, toHealthRow(status))
	return translateError(err)
}

// Metric operations

const metricColumns = `cluster_id, timestamp, cpu_pct, mem_mb, mem_limit_mb, mem_pct,
	disk_read_bytes, disk_write_bytes, net_rx_bytes, net_tx_bytes,
	restart_count, uptime_seconds, container_status, exit_code`

const metricInsert = `
	INSERT INTO cluster_health_metrics (` + metricColumns + `)
	VALUES (:cluster_id, :timestamp, :cpu_pct, :mem_mb, :mem_limit_mb, :mem_pct,
		:disk_read_bytes, :disk_write_bytes, :net_rx_bytes, :net_tx_bytes,
		:restart_count, :uptime_seconds, :container_status, :exit_code)`

func (s *PostgresStore) InsertMetric(ctx context.Context, metric *types.HealthMetric) error {
	_, err := s.db.NamedExecContext(ctx, metricInsert, metric)
	return translateError(err)
}

func (s *PostgresStore) InsertMetrics(ctx context.Context, metrics []*types.HealthMetric) error {
	if len(metrics) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return translateError(err)
	}
	for _, m := range metrics {
		if _, err := tx.NamedExecContext(ctx, metricInsert, m); err != nil {
			_ = tx.Rollback()
			return translateError(err)
		}
	}
	return translateError(tx.Commit())
}

func (s *PostgresStore) LatestMetric(ctx context.Context, clusterID string) (*types.HealthMetric, error) {
	var m types.HealthMetric
	err := s.db.GetContext(ctx, &m, `
		SELECT id, `+metricColumns+` FROM cluster_health_metrics
		WHERE cluster_id = $1 ORDER BY timestamp DESC LIMIT 1`, clusterID)
	if err != nil {
		return nil, translateError(err)
	}
	return &m, nil
}

// Backup operations

const backupColumns = `id, cluster_id, type, status, path, size, checksum, description,
	retention, created_at, completed_at, expires_at`

func (s *PostgresStore) CreateBackup(ctx context.Context, b *types.Backup) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO cluster_backups (`+backupColumns+`)
		VALUES (:id, :cluster_id, :type, :status, :path, :size, :checksum, :description,
			:retention, :created_at, :completed_at, :expires_at)`, b)
	return translateError(err)
}

func (s *PostgresStore) UpdateBackup(ctx context.Context, b *types.Backup) error {
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE cluster_backups SET status = :status, description = :description,
			path = :path, size = :size, checksum = :checksum,
			completed_at = :completed_at, expires_at = :expires_at
		WHERE id = :id`, b)
	if err != nil {
		return translateError(err)
	}
	return checkAffected(res)
}

func (s *PostgresStore) GetBackup(ctx context.Context, id string) (*types.Backup, error) {
	var b types.Backup
	err := s.db.GetContext(ctx, &b, `SELECT `+backupColumns+` FROM cluster_backups WHERE id = $1`, id)
	if err != nil {
		return nil, translateError(err)
	}
	return &b, nil
}

func (s *PostgresStore) ListBackupsByCluster(ctx context.Context, clusterID string) ([]*types.Backup, error) {
	var backups []*types.Backup
	err := s.db.SelectContext(ctx, &backups,
		`SELECT `+backupColumns+` FROM cluster_backups WHERE cluster_id = $1 ORDER BY created_at`, clusterID)
	return backups, translateError(err)
}

func (s *PostgresStore) ListExpiredBackups(ctx context.Context) ([]*types.Backup, error) {
	var backups []*types.Backup
	err := s.db.SelectContext(ctx, &backups,
		`SELECT `+backupColumns+` FROM cluster_backups
		 WHERE expires_at IS NOT NULL AND expires_at < $1`, time.Now())
	return backups, translateError(err)
}

func (s *PostgresStore) DeleteBackup(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cluster_backups WHERE id = $1`, id)
	return translateError(err)
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
