package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	ClustersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "corral_clusters_total",
			Help: "Total number of clusters by status",
		},
		[]string{"status"},
	)

	LifecycleOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_lifecycle_operations_total",
			Help: "Total number of lifecycle operations by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	RemediationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_remediations_total",
			Help: "Total number of driver-failure remediations by failure kind",
		},
		[]string{"kind"},
	)

	// Health engine metrics
	HealthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_health_checks_total",
			Help: "Total number of health checks by resulting state",
		},
		[]string{"state"},
	)

	RecoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_recoveries_total",
			Help: "Total number of recovery attempts by outcome",
		},
		[]string{"outcome"},
	)

	HealthCheckDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "corral_health_check_duration_seconds",
			Help:    "Duration of a single cluster health check in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Stats pipeline metrics
	SamplesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_stats_samples_total",
			Help: "Total number of container stat samples taken",
		},
	)

	SamplesDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_stats_samples_dropped_total",
			Help: "Total number of samples dropped by reason",
		},
		[]string{"reason"},
	)

	BusBroadcastsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_bus_broadcasts_total",
			Help: "Total number of metric bus broadcasts",
		},
	)

	MetricRowsWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_metric_rows_written_total",
			Help: "Total number of metric rows persisted",
		},
	)

	DrainDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "corral_drain_duration_seconds",
			Help:    "Duration of a metrics buffer drain in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Driver metrics
	DriverCommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "corral_driver_command_duration_seconds",
			Help:    "Duration of container runtime commands in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	DriverCommandFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_driver_command_failures_total",
			Help: "Total number of failed runtime commands by command and failure kind",
		},
		[]string{"command", "kind"},
	)

	// FTP sidecar metrics
	FTPSidecarRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_ftp_sidecar_restarts_total",
			Help: "Total number of FTP sidecar restarts performed by the reconciler",
		},
	)

	// Backup metrics
	BackupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_backups_total",
			Help: "Total number of backups by type and status",
		},
		[]string{"type", "status"},
	)
)

func init() {
	prometheus.MustRegister(ClustersTotal)
	prometheus.MustRegister(LifecycleOperationsTotal)
	prometheus.MustRegister(RemediationsTotal)
	prometheus.MustRegister(HealthChecksTotal)
	prometheus.MustRegister(RecoveriesTotal)
	prometheus.MustRegister(HealthCheckDuration)
	prometheus.MustRegister(SamplesTotal)
	prometheus.MustRegister(SamplesDroppedTotal)
	prometheus.MustRegister(BusBroadcastsTotal)
	prometheus.MustRegister(MetricRowsWrittenTotal)
	prometheus.MustRegister(DrainDuration)
	prometheus.MustRegister(DriverCommandDuration)
	prometheus.MustRegister(DriverCommandFailures)
	prometheus.MustRegister(FTPSidecarRestartsTotal)
	prometheus.MustRegister(BackupsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
