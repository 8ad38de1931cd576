/*
Package events provides the in-memory bus that fans live metric and stats
messages out to per-user subscriptions.

Two topics exist: /topic/metrics carries per-cluster resource snapshots,
/topic/stats carries aggregate host stats. A subscription names the topics
it wants and the owner it is scoped to; an empty owner subscribes to every
cluster (administrative view), a non-empty one sees only that owner's
clusters.

Delivery is coalescing rather than queueing: each subscription holds at
most one undelivered message per (topic, cluster) pair, and a newer message
replaces the pending one. A consumer that falls behind skips intermediate
values and resumes at the freshest reading, which is the correct behavior
for gauge-like payloads sampled many times per second.

Publish never blocks on consumers and stops delivering after Stop.
*/
package events
