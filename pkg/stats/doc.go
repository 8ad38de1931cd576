/*
Package stats implements the high-frequency metrics pipeline.

A sampling ticker fires every 100ms and schedules, per running cluster, an
independent asynchronous sample on a bounded worker pool, with no cluster
re-sampled within 200ms. Samples pass through a change gate against the
last-sent cache; passing samples trigger a globally throttled bus broadcast
(at most one per 50ms).

Persistence is deliberately coarse: a 10s drain flushes the latest sample
per cluster to the store, with at most one row per cluster per minute. The
drain skips clusters in the deleting set and clusters absent from the
authoritative id set, degrades from batch to per-row writes on failure, and
parks integrity-rejected rows in a bounded retry buffer for exactly one
revalidated retry.

The collector owns the deleting set. The lifecycle controller calls
BeginDelete before cascade-deleting a cluster and EndDelete after, which is
the sole mechanism preventing a buffered sample from being inserted after
its cluster's row is gone.
*/
package stats
