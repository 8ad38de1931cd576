/*
Package metrics exposes Corral's Prometheus metrics and the component health
registry behind the /health and /ready endpoints.

All metrics are package-level collectors registered in init and named with
the corral_ prefix: cluster gauges, lifecycle/remediation counters, health
check and recovery counters, stats pipeline throughput, driver command
durations and backup counters.

Components report liveness through RegisterComponent/UpdateComponent; the
readiness check requires the store, runtime driver, health monitor and stats
collector to all be healthy.
*/
package metrics
