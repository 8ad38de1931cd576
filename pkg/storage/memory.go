package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/corralhq/corral/pkg/types"
)

// MemoryStore is the in-memory Store used for development and tests
// (store.dsn: memory). It enforces the same integrity rules as the
// Postgres schema: unique cluster names, cascading deletes, and
// foreign-key checks on metric and backup inserts.
type MemoryStore struct {
	mu       sync.RWMutex
	clusters map[string]*types.Cluster
	health   map[string]*types.HealthStatus
	metrics  map[string][]*types.HealthMetric
	backups  map[string]*types.Backup
	nextID   int64
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clusters: make(map[string]*types.Cluster),
		health:   make(map[string]*types.HealthStatus),
		metrics:  make(map[string][]*types.HealthMetric),
		backups:  make(map[string]*types.Backup),
	}
}

func (s *MemoryStore) Close() error {
	return nil
}

// Cluster operations

func (s *MemoryStore) CreateCluster(_ context.Context, c *types.Cluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clusters[c.ID]; ok {
		return fmt.Errorf("%w: cluster %s", ErrDuplicate, c.ID)
	}
	for _, existing := range s.clusters {
		if existing.Name == c.Name {
			return fmt.Errorf("%w: cluster name %s", ErrDuplicate, c.Name)
		}
	}
	clone := *c
	s.clusters[c.ID] = &clone
	return nil
}

func (s *MemoryStore) GetCluster(_ context.Context, id string) (*types.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clusters[id]
	if !ok {
		return nil, fmt.Errorf("%w: cluster %s", ErrNotFound, id)
	}
	clone := *c
	return &clone, nil
}

func (s *MemoryStore) GetClusterByName(_ context.Context, name string) (*types.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.clusters {
		if c.Name == name {
			clone := *c
			return &clone, nil
		}
	}
	return nil, fmt.Errorf("%w: cluster %s", ErrNotFound, name)
}

func (s *MemoryStore) ListClusters(_ context.Context) ([]*types.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked(func(*types.Cluster) bool { return true }), nil
}

func (s *MemoryStore) ListClustersByOwner(_ context.Context, ownerID string) ([]*types.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked(func(c *types.Cluster) bool { return c.OwnerID == ownerID }), nil
}

func (s *MemoryStore) ListClustersWithFTP(_ context.Context) ([]*types.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked(func(c *types.Cluster) bool { return c.HasFTP() }), nil
}

// listLocked returns matching clusters ordered by creation time. Callers hold s.mu.
func (s *MemoryStore) listLocked(match func(*types.Cluster) bool) []*types.Cluster {
	out := make([]*types.Cluster, 0, len(s.clusters))
	for _, c := range s.clusters {
		if match(c) {
			clone := *c
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *MemoryStore) UpdateCluster(_ context.Context, c *types.Cluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clusters[c.ID]; !ok {
		return fmt.Errorf("%w: cluster %s", ErrNotFound, c.ID)
	}
	for id, existing := range s.clusters {
		if id != c.ID && existing.Name == c.Name {
			return fmt.Errorf("%w: cluster name %s", ErrDuplicate, c.Name)
		}
	}
	clone := *c
	clone.UpdatedAt = time.Now()
	s.clusters[c.ID] = &clone
	c.UpdatedAt = clone.UpdatedAt
	return nil
}

func (s *MemoryStore) UpdateClusterStatus(_ context.Context, id string, status types.ClusterStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clusters[id]
	if !ok {
		return fmt.Errorf("%w: cluster %s", ErrNotFound, id)
	}
	c.Status = status
	c.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) UpdateContainerID(_ context.Context, id, containerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clusters[id]
	if !ok {
		return fmt.Errorf("%w: cluster %s", ErrNotFound, id)
	}
	c.ContainerID = containerID
	c.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) DeleteCluster(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clusters[id]; !ok {
		return fmt.Errorf("%w: cluster %s", ErrNotFound, id)
	}
	delete(s.clusters, id)
	delete(s.health, id)
	delete(s.metrics, id)
	for bid, b := range s.backups {
		if b.ClusterID == id {
			delete(s.backups, bid)
		}
	}
	return nil
}

func (s *MemoryStore) ClusterIDs(_ context.Context) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := make(map[string]bool, len(s.clusters))
	for id := range s.clusters {
		set[id] = true
	}
	return set, nil
}

func (s *MemoryStore) PortsInUse(_ context.Context) (map[int]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ports := make(map[int]bool)
	for _, c := range s.clusters {
		ports[int(c.Port)] = true
		if c.FTPPort != nil {
			ports[int(*c.FTPPort)] = true
		}
	}
	return ports, nil
}

// Health status operations

func (s *MemoryStore) GetHealthStatus(_ context.Context, clusterID string) (*types.HealthStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.health[clusterID]
	if !ok {
		return nil, fmt.Errorf("%w: health status for cluster %s", ErrNotFound, clusterID)
	}
	clone := *h
	return &clone, nil
}

func (s *MemoryStore) ListHealthStatuses(_ context.Context) ([]*types.HealthStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.HealthStatus, 0, len(s.health))
	for _, h := range s.health {
		clone := *h
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClusterID < out[j].ClusterID })
	return out, nil
}

func (s *MemoryStore) UpsertHealthStatus(_ context.Context, status *types.HealthStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clusters[status.ClusterID]; !ok {
		return fmt.Errorf("%w: health status references cluster %s", ErrIntegrity, status.ClusterID)
	}
	clone := *status
	clone.LastError = types.TruncateError(clone.LastError)
	s.health[status.ClusterID] = &clone
	return nil
}

// Metric operations

func (s *MemoryStore) InsertMetric(_ context.Context, metric *types.HealthMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertMetricLocked(metric)
}

func (s *MemoryStore) InsertMetrics(_ context.Context, metrics []*types.HealthMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// All-or-nothing, matching the Postgres transaction.
	for _, m := range metrics {
		if _, ok := s.clusters[m.ClusterID]; !ok {
			return fmt.Errorf("%w: metric references cluster %s", ErrIntegrity, m.ClusterID)
		}
	}
	for _, m := range metrics {
		if err := s.insertMetricLocked(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) insertMetricLocked(metric *types.HealthMetric) error {
	if _, ok := s.clusters[metric.ClusterID]; !ok {
		return fmt.Errorf("%w: metric references cluster %s", ErrIntegrity, metric.ClusterID)
	}
	s.nextID++
	clone := *metric
	clone.ID = s.nextID
	s.metrics[metric.ClusterID] = append(s.metrics[metric.ClusterID], &clone)
	return nil
}

func (s *MemoryStore) LatestMetric(_ context.Context, clusterID string) (*types.HealthMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.metrics[clusterID]
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: metrics for cluster %s", ErrNotFound, clusterID)
	}
	latest := rows[0]
	for _, m := range rows[1:] {
		if m.Timestamp.After(latest.Timestamp) {
			latest = m
		}
	}
	clone := *latest
	return &clone, nil
}

// Backup operations

func (s *MemoryStore) CreateBackup(_ context.Context, b *types.Backup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clusters[b.ClusterID]; !ok {
		return fmt.Errorf("%w: backup references cluster %s", ErrIntegrity, b.ClusterID)
	}
	if _, ok := s.backups[b.ID]; ok {
		return fmt.Errorf("%w: backup %s", ErrDuplicate, b.ID)
	}
	clone := *b
	s.backups[b.ID] = &clone
	return nil
}

func (s *MemoryStore) UpdateBackup(_ context.Context, b *types.Backup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.backups[b.ID]
	if !ok {
		return fmt.Errorf("%w: backup %s", ErrNotFound, b.ID)
	}
	existing.Status = b.Status
	existing.Description = b.Description
	existing.Path = b.Path
	existing.SizeBytes = b.SizeBytes
	existing.Checksum = b.Checksum
	existing.CompletedAt = b.CompletedAt
	existing.ExpiresAt = b.ExpiresAt
	return nil
}

func (s *MemoryStore) GetBackup(_ context.Context, id string) (*types.Backup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.backups[id]
	if !ok {
		return nil, fmt.Errorf("%w: backup %s", ErrNotFound, id)
	}
	clone := *b
	return &clone, nil
}

func (s *MemoryStore) ListBackupsByCluster(_ context.Context, clusterID string) ([]*types.Backup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Backup, 0)
	for _, b := range s.backups {
		if b.ClusterID == clusterID {
			clone := *b
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListExpiredBackups(_ context.Context) ([]*types.Backup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	out := make([]*types.Backup, 0)
	for _, b := range s.backups {
		if b.ExpiresAt != nil && b.ExpiresAt.Before(now) {
			clone := *b
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteBackup(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.backups, id)
	return nil
}
