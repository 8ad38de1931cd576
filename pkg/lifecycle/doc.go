/*
Package lifecycle implements the cluster lifecycle controller: create,
start, stop, resource-limit update and delete.

Every mutation of one cluster is serialized by a per-cluster lock;
operations on different clusters run in parallel and reads bypass the
locks entirely.

Starting a cluster is compose-based so a removed container is
rematerialized, and is verified: the controller polls until the container
reports running, then waits for it to settle and checks for a restart
loop. Driver failures are classified once at the driver boundary; the
controller only consults the failure kind to decide between remediation
(prune networks, bounded retries) and reporting.

Failed creations are deliberately not rolled back. The row, the
filesystem and the port allocation stay in place with status CREATED and
the error message on the health status, so the operator can diagnose and
retry in place.

Deletion brackets the cascade with the stats pipeline's deleting set,
which is what keeps a buffered metric insert from racing the removal of
the cluster row it references.
*/
package lifecycle
