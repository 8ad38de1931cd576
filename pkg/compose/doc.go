/*
Package compose synthesizes a per-cluster compose specification from a
template's compose file and a Cluster record.

The rewriter is purely textual. It relies on exactly two anchors in the
template: a host:container port mapping (e.g. "8080:80") and a
container_name line. Missing anchors surface as *SpecError. Around those
anchors it injects the cluster's port, a unique sanitized container name,
CPU and memory limits (reservation at half the limit), the NET_ADMIN
capability for traffic shaping, an unless-stopped restart policy, a tmpfs
sized to the disk limit and the cluster environment variables.

The restart, cpus, mem_limit, mem_reservation, cap_add, tmpfs and
environment keys are owned by the synthesizer: template occurrences are
dropped on every rewrite, which keeps the operation idempotent across limit
updates.
*/
package compose
