package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/corralhq/corral/pkg/log"
)

// Config is the top-level daemon configuration.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Store    StoreConfig    `yaml:"store"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Paths    PathsConfig    `yaml:"paths"`
	Ports    PortsConfig    `yaml:"ports"`
	Defaults DefaultLimits  `yaml:"defaults"`
	Health   HealthConfig   `yaml:"health"`
	Stats    StatsConfig    `yaml:"stats"`
	FTP      FTPConfig      `yaml:"ftp"`
	Backup   BackupConfig   `yaml:"backup"`
	API      APIConfig      `yaml:"api"`
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level log.Level `yaml:"level"`
	JSON  bool      `yaml:"json"`
}

// StoreConfig selects the persistent store. DSN "memory" selects the
// in-memory store; anything else is a Postgres connection string.
type StoreConfig struct {
	DSN string `yaml:"dsn"`
}

// RuntimeConfig controls the container driver.
type RuntimeConfig struct {
	// Command is the container CLI binary, typically "docker".
	Command        string        `yaml:"command"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// PathsConfig locates templates, cluster roots, shared scripts and backups.
type PathsConfig struct {
	TemplatesDir string `yaml:"templates_dir"`
	ClustersDir  string `yaml:"clusters_dir"`
	ScriptsDir   string `yaml:"scripts_dir"`
}

// PortsConfig bounds the allocator's ranges.
type PortsConfig struct {
	AppMin int `yaml:"app_min"`
	AppMax int `yaml:"app_max"`
	FTPMin int `yaml:"ftp_min"`
	FTPMax int `yaml:"ftp_max"`
}

// DefaultLimits are applied once, at cluster creation, for limits the
// caller leaves unset.
type DefaultLimits struct {
	CPUCores    float64 `yaml:"cpu"`
	MemoryMiB   uint64  `yaml:"memory"`
	DiskGiB     uint64  `yaml:"disk"`
	NetworkMbps uint64  `yaml:"network"`
}

// HealthConfig controls the health and recovery engine.
type HealthConfig struct {
	CheckInterval       time.Duration `yaml:"check_interval"`
	CheckTimeout        time.Duration `yaml:"check_timeout"`
	MaxConcurrentChecks int           `yaml:"max_concurrent_checks"`
	RecoveryInterval    time.Duration `yaml:"recovery_interval"`
	StatusSyncInterval  time.Duration `yaml:"status_sync_interval"`
	MaxRecoveryAttempts int           `yaml:"max_recovery_attempts"`
	RetryInterval       time.Duration `yaml:"retry_interval"`
	CooldownPeriod      time.Duration `yaml:"cooldown_period"`
	StatusCacheTTL      time.Duration `yaml:"status_cache_ttl"`
	ActiveCacheTTL      time.Duration `yaml:"active_cache_ttl"`
}

// StatsConfig controls the high-frequency metrics pipeline.
type StatsConfig struct {
	SampleInterval        time.Duration `yaml:"sample_interval"`
	PerClusterMinInterval time.Duration `yaml:"per_cluster_min_interval"`
	BusMinInterval        time.Duration `yaml:"bus_min_interval"`
	DrainInterval         time.Duration `yaml:"drain_interval"`
	PerClusterWriteEvery  time.Duration `yaml:"per_cluster_write_interval"`
	BufferCap             int           `yaml:"buffer_cap"`
	FailedRetryCap        int           `yaml:"failed_retry_cap"`
	ValidIDsTTL           time.Duration `yaml:"valid_ids_ttl"`
	ActiveCacheTTL        time.Duration `yaml:"active_cache_ttl"`
	Workers               int           `yaml:"workers"`
}

// FTPConfig controls the FTP sidecar manager.
type FTPConfig struct {
	Image                    string        `yaml:"image"`
	MonitorInterval          time.Duration `yaml:"monitor_interval"`
	RemoveWaitTimeout        time.Duration `yaml:"remove_wait_timeout"`
	CreateWaitTimeout        time.Duration `yaml:"create_wait_timeout"`
	PortReleaseCheckInterval time.Duration `yaml:"port_release_check_interval"`
	PortReleaseMaxAttempts   int           `yaml:"port_release_max_attempts"`
	MonitorCacheTTL          time.Duration `yaml:"monitor_cache_ttl"`
}

// BackupConfig controls the backup subsystem. The whole subsystem is gated
// behind Enabled and stays off the hot path.
type BackupConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Directory         string        `yaml:"directory"`
	MaxConcurrent     int           `yaml:"max_concurrent"`
	Compression       bool          `yaml:"compression"`
	AutomaticInterval time.Duration `yaml:"automatic_interval"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	RetentionDays     int           `yaml:"retention_days"`
	BackupOnCreate    bool          `yaml:"backup_on_create"`
}

// APIConfig controls the read-only HTTP surface.
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a fully-defaulted configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads a YAML config file and applies defaults for unset fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills every unset field with its documented default.
func (c *Config) ApplyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = log.InfoLevel
	}
	if c.Store.DSN == "" {
		c.Store.DSN = "memory"
	}
	if c.Runtime.Command == "" {
		c.Runtime.Command = "docker"
	}
	if c.Runtime.CommandTimeout == 0 {
		c.Runtime.CommandTimeout = 60 * time.Second
	}
	if c.Paths.TemplatesDir == "" {
		c.Paths.TemplatesDir = "/var/lib/corral/templates"
	}
	if c.Paths.ClustersDir == "" {
		c.Paths.ClustersDir = "/var/lib/corral/clusters"
	}
	if c.Paths.ScriptsDir == "" {
		c.Paths.ScriptsDir = "/var/lib/corral/scripts"
	}
	if c.Ports.AppMin == 0 {
		c.Ports.AppMin = 9000
	}
	if c.Ports.AppMax == 0 {
		c.Ports.AppMax = 9999
	}
	if c.Ports.FTPMin == 0 {
		c.Ports.FTPMin = 21000
	}
	if c.Ports.FTPMax == 0 {
		c.Ports.FTPMax = 21099
	}
	if c.Defaults.CPUCores == 0 {
		c.Defaults.CPUCores = 1.0
	}
	if c.Defaults.MemoryMiB == 0 {
		c.Defaults.MemoryMiB = 512
	}
	if c.Defaults.DiskGiB == 0 {
		c.Defaults.DiskGiB = 5
	}
	if c.Defaults.NetworkMbps == 0 {
		c.Defaults.NetworkMbps = 100
	}

	if c.Health.CheckInterval == 0 {
		c.Health.CheckInterval = 60 * time.Second
	}
	if c.Health.CheckTimeout == 0 {
		c.Health.CheckTimeout = 10 * time.Second
	}
	if c.Health.MaxConcurrentChecks == 0 {
		c.Health.MaxConcurrentChecks = 10
	}
	if c.Health.RecoveryInterval == 0 {
		c.Health.RecoveryInterval = 5 * time.Minute
	}
	if c.Health.StatusSyncInterval == 0 {
		c.Health.StatusSyncInterval = 30 * time.Second
	}
	if c.Health.MaxRecoveryAttempts == 0 {
		c.Health.MaxRecoveryAttempts = 3
	}
	if c.Health.RetryInterval == 0 {
		c.Health.RetryInterval = 30 * time.Second
	}
	if c.Health.CooldownPeriod == 0 {
		c.Health.CooldownPeriod = 5 * time.Minute
	}
	if c.Health.StatusCacheTTL == 0 {
		c.Health.StatusCacheTTL = 5 * time.Second
	}
	if c.Health.ActiveCacheTTL == 0 {
		c.Health.ActiveCacheTTL = 10 * time.Second
	}

	if c.Stats.SampleInterval == 0 {
		c.Stats.SampleInterval = 100 * time.Millisecond
	}
	if c.Stats.PerClusterMinInterval == 0 {
		c.Stats.PerClusterMinInterval = 200 * time.Millisecond
	}
	if c.Stats.BusMinInterval == 0 {
		c.Stats.BusMinInterval = 50 * time.Millisecond
	}
	if c.Stats.DrainInterval == 0 {
		c.Stats.DrainInterval = 10 * time.Second
	}
	if c.Stats.PerClusterWriteEvery == 0 {
		c.Stats.PerClusterWriteEvery = 60 * time.Second
	}
	if c.Stats.BufferCap == 0 {
		c.Stats.BufferCap = 1000
	}
	if c.Stats.FailedRetryCap == 0 {
		c.Stats.FailedRetryCap = 100
	}
	if c.Stats.ValidIDsTTL == 0 {
		c.Stats.ValidIDsTTL = 30 * time.Second
	}
	if c.Stats.ActiveCacheTTL == 0 {
		c.Stats.ActiveCacheTTL = 10 * time.Second
	}
	if c.Stats.Workers == 0 {
		c.Stats.Workers = runtime.NumCPU()
		if c.Stats.Workers < 4 {
			c.Stats.Workers = 4
		}
	}

	if c.FTP.Image == "" {
		c.FTP.Image = "fauria/vsftpd:latest"
	}
	if c.FTP.MonitorInterval == 0 {
		c.FTP.MonitorInterval = 60 * time.Second
	}
	if c.FTP.RemoveWaitTimeout == 0 {
		c.FTP.RemoveWaitTimeout = 1 * time.Second
	}
	if c.FTP.CreateWaitTimeout == 0 {
		c.FTP.CreateWaitTimeout = 2 * time.Second
	}
	if c.FTP.PortReleaseCheckInterval == 0 {
		c.FTP.PortReleaseCheckInterval = 500 * time.Millisecond
	}
	if c.FTP.PortReleaseMaxAttempts == 0 {
		c.FTP.PortReleaseMaxAttempts = 10
	}
	if c.FTP.MonitorCacheTTL == 0 {
		c.FTP.MonitorCacheTTL = 30 * time.Second
	}

	if c.Backup.Directory == "" {
		c.Backup.Directory = "/var/lib/corral/backups"
	}
	if c.Backup.MaxConcurrent == 0 {
		c.Backup.MaxConcurrent = 3
	}
	if c.Backup.AutomaticInterval == 0 {
		c.Backup.AutomaticInterval = 1 * time.Hour
	}
	if c.Backup.CleanupInterval == 0 {
		c.Backup.CleanupInterval = 24 * time.Hour
	}
	if c.Backup.RetentionDays == 0 {
		c.Backup.RetentionDays = 30
	}

	if c.API.Addr == "" {
		c.API.Addr = ":8420"
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Ports.AppMin >= c.Ports.AppMax {
		return fmt.Errorf("invalid application port range %d-%d", c.Ports.AppMin, c.Ports.AppMax)
	}
	if c.Ports.FTPMin >= c.Ports.FTPMax {
		return fmt.Errorf("invalid ftp port range %d-%d", c.Ports.FTPMin, c.Ports.FTPMax)
	}
	if c.Stats.BufferCap < 1 {
		return fmt.Errorf("stats buffer cap must be positive")
	}
	if c.Health.MaxConcurrentChecks < 1 {
		return fmt.Errorf("max concurrent checks must be positive")
	}
	return nil
}
