/*
Package health implements the health and recovery engine.

A fixed-delay check cycle inspects every monitorable cluster's container on
a bounded worker pool, classifies it (running, stopped, absent), mirrors a
resource reading onto the health status row and appends a metric row.
Observation is reconciled with the stored cluster status, which is treated
as operator intent: a STOPPED cluster whose container happens to be running
is never flipped back to RUNNING, and a dead container only demotes a
RUNNING cluster to STOPPED once auto-recovery has given up on it.

Recovery is bounded per failure epoch: a FAILED cluster gets stop, remove,
network prune and a verified restart through the lifecycle controller, at
most max-recovery-attempts times with a cooldown between attempts. A
successful recovery resets the attempt counter. A scheduled scan revisits
FAILED clusters on a coarser interval.

Cluster lists and health statuses are cached with short TTLs under a
single-writer discipline; readers prefer a stale copy over a reload
stampede.
*/
package health
