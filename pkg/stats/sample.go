package stats

import (
	"math"
	"time"

	"github.com/corralhq/corral/pkg/types"
)

// Change-gate thresholds. A freshly collected metric is broadcast only when
// it differs from the last-sent one by at least one of these.
const (
	cpuDeltaPct    = 0.1
	memDeltaPct    = 0.1
	diskDeltaBytes = 1024
	netDeltaBytes  = 1024
	uptimeDelta    = time.Second

	// A delta exactly at a percent threshold must pass the gate even when
	// float subtraction lands a hair below it.
	deltaEpsilon = 1e-9
)

// cpuPercentOfLimit converts the driver's host-relative CPU percent into
// percent-of-limit. Sub-core limits scale the reading; a reported zero stays
// zero so idle containers never show phantom load.
func cpuPercentOfLimit(reported, limitCores float64) float64 {
	if reported == 0 {
		return 0
	}
	if limitCores > 0 && limitCores < 1.0 {
		reported = reported / limitCores
	}
	if reported > 100 {
		return 100
	}
	return reported
}

// memoryFields derives used MiB, limit MiB and percent-of-limit. The
// cluster's configured limit is authoritative; the host limit only fills in
// when no cluster limit is set.
func memoryFields(sample *types.StatsSample, limitMiB uint64) (used, limit uint64, pct float64) {
	used = bytesToMiB(sample.MemUsedBytes)
	limit = limitMiB
	if limit == 0 {
		limit = bytesToMiB(sample.MemLimitBytes)
	}
	if limit > 0 {
		pct = float64(used) / float64(limit) * 100
	}
	return used, limit, pct
}

func bytesToMiB(b uint64) uint64 {
	return uint64(math.Round(float64(b) / (1 << 20)))
}

// NewMetric assembles one persisted-shape metric row from a raw driver
// sample plus inspect results.
func NewMetric(cluster *types.Cluster, sample *types.StatsSample, status string, restarts int, exitCode *int, startedAt, now time.Time) *types.HealthMetric {
	used, limit, memPct := memoryFields(sample, cluster.MemoryLimitMiB)

	var uptime int64
	if !startedAt.IsZero() && now.After(startedAt) {
		uptime = int64(now.Sub(startedAt) / time.Second)
	}

	return &types.HealthMetric{
		ClusterID:       cluster.ID,
		Timestamp:       now,
		CPUPercent:      cpuPercentOfLimit(sample.CPUPercent, cluster.CPULimit),
		MemoryUsedMiB:   used,
		MemoryLimitMiB:  limit,
		MemoryPercent:   memPct,
		DiskReadBytes:   sample.BlkReadBytes,
		DiskWriteBytes:  sample.BlkWriteBytes,
		NetworkRxBytes:  sample.NetRxBytes,
		NetworkTxBytes:  sample.NetTxBytes,
		RestartCount:    restarts,
		UptimeSeconds:   uptime,
		ContainerStatus: status,
		ExitCode:        exitCode,
	}
}

// changed reports whether next differs enough from prev to be worth
// delivering. A nil prev always delivers.
func changed(prev, next *types.HealthMetric) bool {
	if prev == nil {
		return true
	}
	if prev.ContainerStatus != next.ContainerStatus {
		return true
	}
	if math.Abs(next.CPUPercent-prev.CPUPercent) >= cpuDeltaPct-deltaEpsilon {
		return true
	}
	if math.Abs(next.MemoryPercent-prev.MemoryPercent) >= memDeltaPct-deltaEpsilon {
		return true
	}
	if absDelta(prev.DiskReadBytes+prev.DiskWriteBytes, next.DiskReadBytes+next.DiskWriteBytes) >= diskDeltaBytes {
		return true
	}
	if absDelta(prev.NetworkRxBytes+prev.NetworkTxBytes, next.NetworkRxBytes+next.NetworkTxBytes) >= netDeltaBytes {
		return true
	}
	if next.UptimeSeconds-prev.UptimeSeconds < 0 ||
		time.Duration(next.UptimeSeconds-prev.UptimeSeconds)*time.Second >= uptimeDelta {
		return true
	}
	return false
}

func absDelta(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// Aggregate is the system-wide snapshot published on /topic/stats, derived
// from the last-sent cache.
type Aggregate struct {
	Clusters       int       `json:"clusters"`
	AvgCPUPercent  float64   `json:"avg_cpu_percent"`
	TotalMemoryMiB uint64    `json:"total_memory_mib"`
	TotalNetRx     uint64    `json:"total_net_rx_bytes"`
	TotalNetTx     uint64    `json:"total_net_tx_bytes"`
	Timestamp      time.Time `json:"timestamp"`
}

func aggregate(latest []*types.HealthMetric, now time.Time) Aggregate {
	agg := Aggregate{Clusters: len(latest), Timestamp: now}
	if len(latest) == 0 {
		return agg
	}
	var cpuSum float64
	for _, m := range latest {
		cpuSum += m.CPUPercent
		agg.TotalMemoryMiB += m.MemoryUsedMiB
		agg.TotalNetRx += m.NetworkRxBytes
		agg.TotalNetTx += m.NetworkTxBytes
	}
	agg.AvgCPUPercent = cpuSum / float64(len(latest))
	return agg
}
