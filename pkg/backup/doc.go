/*
Package backup creates and restores archived cluster snapshots.

Archives are tar files (gzipped when compression is enabled) named
cluster_{id}_{yyyymmdd_HHmmss}_{type}.tar[.gz] under the backup directory,
checksummed with SHA-256 at write time and verified before restore. Four
types select the archive subset: FULL, DATA_ONLY (the src/ subtree),
CONFIG_ONLY (everything but src/) and INCREMENTAL (files modified since
the last completed backup).

Restore stops the cluster, extracts into its root and starts it again. An
automatic loop snapshots running clusters on a coarse interval and a
cleanup loop retires expired archives. The subsystem is flag-gated and
concurrency-bounded; it never touches the hot path.
*/
package backup
