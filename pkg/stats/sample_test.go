package stats

import (
	"testing"
	"time"

	"github.com/corralhq/corral/pkg/types"
)

func TestCPUPercentOfLimit(t *testing.T) {
	tests := []struct {
		name     string
		reported float64
		limit    float64
		want     float64
	}{
		{"zero stays zero even with sub-core limit", 0, 0.5, 0},
		{"full core limit passes through", 42.5, 1.0, 42.5},
		{"above one core passes through", 30, 2.0, 30},
		{"half core scales double", 25, 0.5, 50},
		{"quarter core scales quadruple", 10, 0.25, 40},
		{"scaling clamps at 100", 80, 0.5, 100},
		{"no limit passes through", 55, 0, 55},
		{"raw reading above 100 clamps", 180, 1.0, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cpuPercentOfLimit(tt.reported, tt.limit); got != tt.want {
				t.Errorf("cpuPercentOfLimit(%v, %v) = %v, want %v", tt.reported, tt.limit, got, tt.want)
			}
		})
	}
}

func TestMemoryFields(t *testing.T) {
	sample := &types.StatsSample{
		MemUsedBytes:  256 << 20,
		MemLimitBytes: 8 << 30, // host limit, should be ignored when cluster limit set
	}

	used, limit, pct := memoryFields(sample, 512)
	if used != 256 || limit != 512 {
		t.Errorf("used/limit = %d/%d, want 256/512", used, limit)
	}
	if pct != 50 {
		t.Errorf("pct = %v, want 50", pct)
	}

	// Without a cluster limit the host limit fills in.
	_, limit, pct = memoryFields(sample, 0)
	if limit != 8192 {
		t.Errorf("fallback limit = %d, want 8192", limit)
	}
	if pct != float64(256)/8192*100 {
		t.Errorf("fallback pct = %v", pct)
	}
}

func TestChangeGate(t *testing.T) {
	base := &types.HealthMetric{
		ClusterID:       "c1",
		CPUPercent:      10.0,
		MemoryPercent:   40.0,
		DiskReadBytes:   1000,
		DiskWriteBytes:  1000,
		NetworkRxBytes:  5000,
		NetworkTxBytes:  5000,
		UptimeSeconds:   100,
		ContainerStatus: "running",
	}
	clone := func(mut func(*types.HealthMetric)) *types.HealthMetric {
		m := *base
		mut(&m)
		return &m
	}

	tests := []struct {
		name string
		next *types.HealthMetric
		want bool
	}{
		{"identical sample is gated", clone(func(m *types.HealthMetric) {}), false},
		{"cpu drift below threshold is gated", clone(func(m *types.HealthMetric) { m.CPUPercent = 10.05 }), false},
		{"cpu drift at threshold passes", clone(func(m *types.HealthMetric) { m.CPUPercent = 10.1 }), true},
		{"memory drift at threshold passes", clone(func(m *types.HealthMetric) { m.MemoryPercent = 40.1 }), true},
		{"memory drift passes", clone(func(m *types.HealthMetric) { m.MemoryPercent = 40.2 }), true},
		{"status change passes", clone(func(m *types.HealthMetric) { m.ContainerStatus = "exited" }), true},
		{"small network drift is gated", clone(func(m *types.HealthMetric) { m.NetworkRxBytes += 500 }), false},
		{"1 KiB network drift passes", clone(func(m *types.HealthMetric) { m.NetworkRxBytes += 1024 }), true},
		{"split network drift accumulates", clone(func(m *types.HealthMetric) {
			m.NetworkRxBytes += 600
			m.NetworkTxBytes += 424
		}), true},
		{"disk drift passes", clone(func(m *types.HealthMetric) { m.DiskWriteBytes += 2048 }), true},
		{"uptime advance passes", clone(func(m *types.HealthMetric) { m.UptimeSeconds = 101 }), true},
		{"uptime reset passes", clone(func(m *types.HealthMetric) { m.UptimeSeconds = 0 }), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := changed(base, tt.next); got != tt.want {
				t.Errorf("changed() = %v, want %v", got, tt.want)
			}
		})
	}

	if !changed(nil, base) {
		t.Error("first sample must always pass the gate")
	}
}

func TestBuildMetricUptime(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	cluster := &types.Cluster{ID: "c1", CPULimit: 1.0, MemoryLimitMiB: 512}
	sample := &types.StatsSample{CPUPercent: 5, MemUsedBytes: 64 << 20}

	m := NewMetric(cluster, sample, "running", 2, nil, now.Add(-90*time.Second), now)
	if m.UptimeSeconds != 90 {
		t.Errorf("uptime = %d, want 90", m.UptimeSeconds)
	}
	if m.RestartCount != 2 {
		t.Errorf("restarts = %d, want 2", m.RestartCount)
	}

	// Zero started-at means no uptime claim.
	m = NewMetric(cluster, sample, "exited", 0, nil, time.Time{}, now)
	if m.UptimeSeconds != 0 {
		t.Errorf("uptime without started-at = %d, want 0", m.UptimeSeconds)
	}
}

func TestAggregate(t *testing.T) {
	now := time.Now()
	agg := aggregate(nil, now)
	if agg.Clusters != 0 || agg.AvgCPUPercent != 0 {
		t.Errorf("empty aggregate = %+v", agg)
	}

	agg = aggregate([]*types.HealthMetric{
		{CPUPercent: 10, MemoryUsedMiB: 100, NetworkRxBytes: 1000, NetworkTxBytes: 500},
		{CPUPercent: 30, MemoryUsedMiB: 300, NetworkRxBytes: 2000, NetworkTxBytes: 1500},
	}, now)
	if agg.Clusters != 2 {
		t.Errorf("clusters = %d, want 2", agg.Clusters)
	}
	if agg.AvgCPUPercent != 20 {
		t.Errorf("avg cpu = %v, want 20", agg.AvgCPUPercent)
	}
	if agg.TotalMemoryMiB != 400 || agg.TotalNetRx != 3000 || agg.TotalNetTx != 2000 {
		t.Errorf("totals = %+v", agg)
	}
}
