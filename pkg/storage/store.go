package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/corralhq/corral/pkg/types"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned on a unique-constraint collision
	// (cluster names are globally unique).
	ErrDuplicate = errors.New("duplicate")

	// ErrIntegrity is returned on a foreign-key violation, typically a
	// metric insert referencing a deleted cluster.
	ErrIntegrity = errors.New("integrity violation")
)

// Store defines the persistent state interface for the control plane.
// Implemented by the Postgres store and by the in-memory store.
type Store interface {
	// Clusters
	CreateCluster(ctx context.Context, cluster *types.Cluster) error
	GetCluster(ctx context.Context, id string) (*types.Cluster, error)
	GetClusterByName(ctx context.Context, name string) (*types.Cluster, error)
	ListClusters(ctx context.Context) ([]*types.Cluster, error)
	ListClustersByOwner(ctx context.Context, ownerID string) ([]*types.Cluster, error)
	ListClustersWithFTP(ctx context.Context) ([]*types.Cluster, error)
	UpdateCluster(ctx context.Context, cluster *types.Cluster) error
	UpdateClusterStatus(ctx context.Context, id string, status types.ClusterStatus) error
	UpdateContainerID(ctx context.Context, id, containerID string) error
	DeleteCluster(ctx context.Context, id string) error
	ClusterIDs(ctx context.Context) (map[string]bool, error)
	PortsInUse(ctx context.Context) (map[int]bool, error)

	// Health statuses (1:1 with clusters, created lazily)
	GetHealthStatus(ctx context.Context, clusterID string) (*types.HealthStatus, error)
	ListHealthStatuses(ctx context.Context) ([]*types.HealthStatus, error)
	UpsertHealthStatus(ctx context.Context, status *types.HealthStatus) error

	// Health metrics (append-only)
	InsertMetric(ctx context.Context, metric *types.HealthMetric) error
	InsertMetrics(ctx context.Context, metrics []*types.HealthMetric) error
	LatestMetric(ctx context.Context, clusterID string) (*types.HealthMetric, error)

	// Backups
	CreateBackup(ctx context.Context, backup *types.Backup) error
	UpdateBackup(ctx context.Context, backup *types.Backup) error
	GetBackup(ctx context.Context, id string) (*types.Backup, error)
	ListBackupsByCluster(ctx context.Context, clusterID string) ([]*types.Backup, error)
	ListExpiredBackups(ctx context.Context) ([]*types.Backup, error)
	DeleteBackup(ctx context.Context, id string) error

	Close() error
}

// Open selects a store implementation from the DSN. "memory" selects the
// in-memory store; anything else is treated as a Postgres connection string.
func Open(ctx context.Context, dsn string) (Store, error) {
	if dsn == "" || strings.EqualFold(dsn, "memory") {
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(ctx, dsn)
}
