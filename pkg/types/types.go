package types

import (
	"time"
)

// ClusterStatus represents the lifecycle status of a cluster.
//
// The stored status is the operator's declared intent: reconciliation may
// move a cluster to Stopped when its container is gone, but it never flips
// a Stopped cluster back to Running on observation alone.
type ClusterStatus string

const (
	ClusterStatusCreated ClusterStatus = "CREATED"
	ClusterStatusRunning ClusterStatus = "RUNNING"
	ClusterStatusStopped ClusterStatus = "STOPPED"
	ClusterStatusError   ClusterStatus = "ERROR"
	ClusterStatusDeleted ClusterStatus = "DELETED"
)

// ResourceLimits describes per-cluster quotas. Nil fields mean "use the
// process-wide default"; defaults are applied exactly once, at creation.
type ResourceLimits struct {
	CPUCores    *float64 `yaml:"cpu_cores"`
	MemoryMiB   *uint64  `yaml:"memory_mib"`
	DiskGiB     *uint64  `yaml:"disk_gib"`
	NetworkMbps *uint64  `yaml:"network_mbps"`
}

// Cluster represents one user-visible application container plus its
// filesystem root and optional FTP sidecar.
type Cluster struct {
	ID          string        `db:"id"`
	Name        string        `db:"name"`
	RootPath    string        `db:"root_path"`
	Port        uint16        `db:"port"`
	FTPPort     *uint16       `db:"ftp_port"`
	FTPUsername string        `db:"ftp_username"`
	FTPPassword string        `db:"ftp_password"` // plaintext, consumed by the sidecar
	ContainerID string        `db:"container_id"` // cached lookup; name is the identity
	OwnerID     string        `db:"owner_id"`
	Status      ClusterStatus `db:"status"`

	// Effective limits, defaulted at creation.
	CPULimit         float64 `db:"cpu_limit"`
	MemoryLimitMiB   uint64  `db:"memory_limit"`
	DiskLimitGiB     uint64  `db:"disk_limit"`
	NetworkLimitMbps uint64  `db:"network_limit"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// HasFTP reports whether the cluster carries a complete FTP configuration.
func (c *Cluster) HasFTP() bool {
	return c.FTPPort != nil && c.FTPUsername != "" && c.FTPPassword != ""
}

// ClusterSpec is a request to create a cluster.
type ClusterSpec struct {
	BaseName string
	Template string
	OwnerID  string
	Limits   ResourceLimits
	WithFTP  bool
	FTPUser  string
	FTPPass  string
}

// HealthState classifies a cluster's observed health.
type HealthState string

const (
	HealthStateUnknown    HealthState = "UNKNOWN"
	HealthStateHealthy    HealthState = "HEALTHY"
	HealthStateUnhealthy  HealthState = "UNHEALTHY" // reserved; no application probe yet
	HealthStateFailed     HealthState = "FAILED"
	HealthStateRecovering HealthState = "RECOVERING"
)

// MaxErrorBytes bounds every error message persisted to storage.
const MaxErrorBytes = 500

// HealthStatus tracks the health and recovery bookkeeping of one cluster.
// Created lazily on the first check; 1:1 with Cluster.
type HealthStatus struct {
	ClusterID string      `db:"cluster_id"`
	State     HealthState `db:"state"`

	LastCheck           time.Time `db:"last_check"`
	LastSuccess         time.Time `db:"last_success"`
	LastRecoveryAttempt time.Time `db:"last_recovery_attempt"`

	// RecoveryAttempts is monotonic per failure epoch; reset when a
	// recovery succeeds.
	RecoveryAttempts    int `db:"recovery_attempts"`
	ConsecutiveFailures int `db:"consecutive_failures"`
	TotalFailures       int `db:"total_failures"`
	TotalRecoveries     int `db:"total_recoveries"`

	MonitoringEnabled   bool          `db:"monitoring_enabled"`
	MaxRecoveryAttempts int           `db:"max_recovery_attempts"`
	RetryInterval       time.Duration `db:"retry_interval"`
	CooldownPeriod      time.Duration `db:"cooldown_period"`

	// Mirrored for quick display.
	ContainerStatus string  `db:"container_status"`
	CPUPercent      float64 `db:"cpu_percent"`
	MemoryUsedMiB   uint64  `db:"memory_used_mib"`
	MemoryPercent   float64 `db:"memory_percent"`

	LastError string `db:"last_error"`
}

// HealthMetric is one persisted resource sample for a cluster. Rows are
// append-only; every persisted row references a currently-existing cluster.
type HealthMetric struct {
	ID        int64     `db:"id"`
	ClusterID string    `db:"cluster_id"`
	Timestamp time.Time `db:"timestamp"`

	// CPUPercent is percent-of-limit, clamped to 100.
	CPUPercent     float64 `db:"cpu_pct"`
	MemoryUsedMiB  uint64  `db:"mem_mb"`
	MemoryLimitMiB uint64  `db:"mem_limit_mb"`
	MemoryPercent  float64 `db:"mem_pct"`

	DiskReadBytes  uint64 `db:"disk_read_bytes"`
	DiskWriteBytes uint64 `db:"disk_write_bytes"`
	NetworkRxBytes uint64 `db:"net_rx_bytes"`
	NetworkTxBytes uint64 `db:"net_tx_bytes"`

	RestartCount    int    `db:"restart_count"`
	UptimeSeconds   int64  `db:"uptime_seconds"`
	ContainerStatus string `db:"container_status"`
	ExitCode        *int   `db:"exit_code"`
}

// StatsSample is a single point-in-time reading from the container runtime.
// CPUPercent here is host-relative; conversion to percent-of-limit happens in
// the stats pipeline.
type StatsSample struct {
	CPUPercent    float64
	MemUsedBytes  uint64
	MemLimitBytes uint64
	NetRxBytes    uint64
	NetTxBytes    uint64
	BlkReadBytes  uint64
	BlkWriteBytes uint64
}

// BackupType selects what a backup archive contains.
type BackupType string

const (
	BackupTypeFull        BackupType = "FULL"
	BackupTypeIncremental BackupType = "INCREMENTAL"
	BackupTypeConfigOnly  BackupType = "CONFIG_ONLY"
	BackupTypeDataOnly    BackupType = "DATA_ONLY"
)

// BackupStatus represents the state of a backup record.
type BackupStatus string

const (
	BackupStatusInProgress BackupStatus = "IN_PROGRESS"
	BackupStatusCompleted  BackupStatus = "COMPLETED"
	BackupStatusFailed     BackupStatus = "FAILED"
	BackupStatusCorrupted  BackupStatus = "CORRUPTED"
)

// Backup is an archived snapshot of a cluster root.
type Backup struct {
	ID            string       `db:"id"`
	ClusterID     string       `db:"cluster_id"`
	Type          BackupType   `db:"type"`
	Status        BackupStatus `db:"status"`
	Path          string       `db:"path"`
	SizeBytes     int64        `db:"size"`
	Checksum      string       `db:"checksum"` // SHA-256, hex
	Description   string       `db:"description"`
	RetentionDays int          `db:"retention"`
	CreatedAt     time.Time    `db:"created_at"`
	CompletedAt   *time.Time   `db:"completed_at"`
	ExpiresAt     *time.Time   `db:"expires_at"`
}

// TruncateError bounds a message to MaxErrorBytes for persistence.
func TruncateError(msg string) string {
	if len(msg) <= MaxErrorBytes {
		return msg
	}
	return msg[:MaxErrorBytes]
}
