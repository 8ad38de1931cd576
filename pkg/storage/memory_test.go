package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/corralhq/corral/pkg/types"
)

func testCluster(id, name string, port uint16) *types.Cluster {
	now := time.Now()
	return &types.Cluster{
		ID:             id,
		Name:           name,
		RootPath:       "/srv/clusters/" + name,
		Port:           port,
		OwnerID:        "user-1",
		Status:         types.ClusterStatusCreated,
		CPULimit:       1.0,
		MemoryLimitMiB: 512,
		DiskLimitGiB:   5,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestMemoryStoreClusterCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	c := testCluster("c1", "shop-php_web-20260801-1200-deadbeef", 9001)
	if err := s.CreateCluster(ctx, c); err != nil {
		t.Fatalf("CreateCluster: %v", err)
	}

	got, err := s.GetCluster(ctx, "c1")
	if err != nil {
		t.Fatalf("GetCluster: %v", err)
	}
	if got.Name != c.Name || got.Port != 9001 {
		t.Errorf("got %q port %d, want %q port 9001", got.Name, got.Port, c.Name)
	}

	byName, err := s.GetClusterByName(ctx, c.Name)
	if err != nil {
		t.Fatalf("GetClusterByName: %v", err)
	}
	if byName.ID != "c1" {
		t.Errorf("GetClusterByName returned id %q, want c1", byName.ID)
	}

	if err := s.UpdateClusterStatus(ctx, "c1", types.ClusterStatusRunning); err != nil {
		t.Fatalf("UpdateClusterStatus: %v", err)
	}
	got, _ = s.GetCluster(ctx, "c1")
	if got.Status != types.ClusterStatusRunning {
		t.Errorf("status = %s, want RUNNING", got.Status)
	}

	if err := s.UpdateContainerID(ctx, "c1", "abc123"); err != nil {
		t.Fatalf("UpdateContainerID: %v", err)
	}
	got, _ = s.GetCluster(ctx, "c1")
	if got.ContainerID != "abc123" {
		t.Errorf("container id = %q, want abc123", got.ContainerID)
	}

	if err := s.DeleteCluster(ctx, "c1"); err != nil {
		t.Fatalf("DeleteCluster: %v", err)
	}
	if _, err := s.GetCluster(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetCluster after delete = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreDuplicateName(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.CreateCluster(ctx, testCluster("c1", "same-name", 9001)); err != nil {
		t.Fatalf("first create: %v", err)
	}
	err := s.CreateCluster(ctx, testCluster("c2", "same-name", 9002))
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("second create = %v, want ErrDuplicate", err)
	}

	// Renaming onto an existing name collides too.
	if err := s.CreateCluster(ctx, testCluster("c3", "other-name", 9003)); err != nil {
		t.Fatalf("third create: %v", err)
	}
	c3, _ := s.GetCluster(ctx, "c3")
	c3.Name = "same-name"
	if err := s.UpdateCluster(ctx, c3); !errors.Is(err, ErrDuplicate) {
		t.Errorf("rename collision = %v, want ErrDuplicate", err)
	}
}

func TestMemoryStoreCascadeDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	c := testCluster("c1", "cascade-test", 9001)
	if err := s.CreateCluster(ctx, c); err != nil {
		t.Fatalf("CreateCluster: %v", err)
	}
	if err := s.UpsertHealthStatus(ctx, &types.HealthStatus{
		ClusterID: "c1",
		State:     types.HealthStateHealthy,
	}); err != nil {
		t.Fatalf("UpsertHealthStatus: %v", err)
	}
	if err := s.InsertMetric(ctx, &types.HealthMetric{
		ClusterID: "c1",
		Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("InsertMetric: %v", err)
	}
	if err := s.CreateBackup(ctx, &types.Backup{
		ID:        "b1",
		ClusterID: "c1",
		Type:      types.BackupTypeFull,
		Status:    types.BackupStatusInProgress,
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}

	if err := s.DeleteCluster(ctx, "c1"); err != nil {
		t.Fatalf("DeleteCluster: %v", err)
	}

	if _, err := s.GetHealthStatus(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("health status survived cascade: %v", err)
	}
	if _, err := s.LatestMetric(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("metric survived cascade: %v", err)
	}
	if _, err := s.GetBackup(ctx, "b1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("backup survived cascade: %v", err)
	}
}

func TestMemoryStoreMetricIntegrity(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	err := s.InsertMetric(ctx, &types.HealthMetric{ClusterID: "ghost", Timestamp: time.Now()})
	if !errors.Is(err, ErrIntegrity) {
		t.Errorf("InsertMetric dangling = %v, want ErrIntegrity", err)
	}

	// Batch insert is all-or-nothing: one dangling reference rejects the lot.
	if err := s.CreateCluster(ctx, testCluster("c1", "real", 9001)); err != nil {
		t.Fatalf("CreateCluster: %v", err)
	}
	err = s.InsertMetrics(ctx, []*types.HealthMetric{
		{ClusterID: "c1", Timestamp: time.Now()},
		{ClusterID: "ghost", Timestamp: time.Now()},
	})
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("InsertMetrics with dangling ref = %v, want ErrIntegrity", err)
	}
	if _, err := s.LatestMetric(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("partial batch was persisted: %v", err)
	}
}

func TestMemoryStoreLatestMetric(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.CreateCluster(ctx, testCluster("c1", "metrics", 9001)); err != nil {
		t.Fatalf("CreateCluster: %v", err)
	}

	base := time.Now()
	for i, cpu := range []float64{10, 30, 20} {
		err := s.InsertMetric(ctx, &types.HealthMetric{
			ClusterID:  "c1",
			Timestamp:  base.Add(time.Duration(i) * time.Second),
			CPUPercent: cpu,
		})
		if err != nil {
			t.Fatalf("InsertMetric %d: %v", i, err)
		}
	}

	latest, err := s.LatestMetric(ctx, "c1")
	if err != nil {
		t.Fatalf("LatestMetric: %v", err)
	}
	if latest.CPUPercent != 20 {
		t.Errorf("latest cpu = %v, want 20 (newest timestamp wins)", latest.CPUPercent)
	}
}

func TestMemoryStorePortsInUse(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	withFTP := testCluster("c1", "with-ftp", 9001)
	ftpPort := uint16(21005)
	withFTP.FTPPort = &ftpPort
	withFTP.FTPUsername = "ftpuser"
	withFTP.FTPPassword = "secret"
	if err := s.CreateCluster(ctx, withFTP); err != nil {
		t.Fatalf("CreateCluster: %v", err)
	}
	if err := s.CreateCluster(ctx, testCluster("c2", "no-ftp", 9002)); err != nil {
		t.Fatalf("CreateCluster: %v", err)
	}

	ports, err := s.PortsInUse(ctx)
	if err != nil {
		t.Fatalf("PortsInUse: %v", err)
	}
	for _, want := range []int{9001, 9002, 21005} {
		if !ports[want] {
			t.Errorf("port %d missing from in-use set", want)
		}
	}
	if len(ports) != 3 {
		t.Errorf("got %d ports, want 3", len(ports))
	}

	ftpClusters, err := s.ListClustersWithFTP(ctx)
	if err != nil {
		t.Fatalf("ListClustersWithFTP: %v", err)
	}
	if len(ftpClusters) != 1 || ftpClusters[0].ID != "c1" {
		t.Errorf("ListClustersWithFTP = %v, want exactly c1", ftpClusters)
	}
}

func TestMemoryStoreListOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	base := time.Now()
	for i, id := range []string{"c3", "c1", "c2"} {
		c := testCluster(id, "cluster-"+id, uint16(9001+i))
		c.CreatedAt = base.Add(time.Duration(len(id)-i) * time.Minute)
		if err := s.CreateCluster(ctx, c); err != nil {
			t.Fatalf("CreateCluster %s: %v", id, err)
		}
	}

	clusters, err := s.ListClusters(ctx)
	if err != nil {
		t.Fatalf("ListClusters: %v", err)
	}
	for i := 1; i < len(clusters); i++ {
		if clusters[i].CreatedAt.Before(clusters[i-1].CreatedAt) {
			t.Errorf("clusters not ordered by creation time: %v before %v",
				clusters[i].CreatedAt, clusters[i-1].CreatedAt)
		}
	}
}

func TestMemoryStoreHealthStatusTruncatesError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.CreateCluster(ctx, testCluster("c1", "errs", 9001)); err != nil {
		t.Fatalf("CreateCluster: %v", err)
	}

	long := make([]byte, types.MaxErrorBytes*2)
	for i := range long {
		long[i] = 'x'
	}
	if err := s.UpsertHealthStatus(ctx, &types.HealthStatus{
		ClusterID: "c1",
		State:     types.HealthStateFailed,
		LastError: string(long),
	}); err != nil {
		t.Fatalf("UpsertHealthStatus: %v", err)
	}

	h, err := s.GetHealthStatus(ctx, "c1")
	if err != nil {
		t.Fatalf("GetHealthStatus: %v", err)
	}
	if len(h.LastError) != types.MaxErrorBytes {
		t.Errorf("last error length = %d, want %d", len(h.LastError), types.MaxErrorBytes)
	}
}

func TestMemoryStoreExpiredBackups(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.CreateCluster(ctx, testCluster("c1", "bk", 9001)); err != nil {
		t.Fatalf("CreateCluster: %v", err)
	}

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	for _, b := range []*types.Backup{
		{ID: "old", ClusterID: "c1", Type: types.BackupTypeFull, Status: types.BackupStatusCompleted, CreatedAt: past, ExpiresAt: &past},
		{ID: "fresh", ClusterID: "c1", Type: types.BackupTypeFull, Status: types.BackupStatusCompleted, CreatedAt: past, ExpiresAt: &future},
		{ID: "keeper", ClusterID: "c1", Type: types.BackupTypeFull, Status: types.BackupStatusCompleted, CreatedAt: past},
	} {
		if err := s.CreateBackup(ctx, b); err != nil {
			t.Fatalf("CreateBackup %s: %v", b.ID, err)
		}
	}

	expired, err := s.ListExpiredBackups(ctx)
	if err != nil {
		t.Fatalf("ListExpiredBackups: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "old" {
		t.Errorf("expired = %v, want exactly [old]", expired)
	}
}

func TestOpenSelectsMemory(t *testing.T) {
	for _, dsn := range []string{"", "memory", "MEMORY"} {
		st, err := Open(context.Background(), dsn)
		if err != nil {
			t.Fatalf("Open(%q): %v", dsn, err)
		}
		if _, ok := st.(*MemoryStore); !ok {
			t.Errorf("Open(%q) = %T, want *MemoryStore", dsn, st)
		}
		st.Close()
	}
}
