/*
Package types defines the core data model shared across Corral packages.

A Cluster is one user-visible application container derived from a versioned
template, plus its filesystem root and an optional FTP sidecar. HealthStatus
is the 1:1 health and recovery bookkeeping record, and HealthMetric is the
append-only resource sample stream. Backup records describe archived
snapshots of a cluster root.

Cluster, HealthStatus and HealthMetric form a parent-with-children graph
expressed through cluster ids, never through back-references. Container
identity is the cluster name; the container id is a cached lookup that any
caller must be prepared to re-resolve.
*/
package types
