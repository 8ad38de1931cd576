/*
Package ftp manages the per-cluster FTP sidecar containers.

Each cluster with FTP credentials owns one vsftpd container named
ftp_{sanitized-name}, sharing the cluster's src/ subtree as the user's home
directory and advertising an OS-free passive window mapped identically
inside and outside the container.

Sidecar lifecycle is independent of cluster lifecycle: an FTP server stays
available while the cluster is STOPPED. A fixed-delay reconciler iterates
FTP-configured clusters and ensures each sidecar is running, gated by a
per-cluster TTL so one pass does not re-inspect freshly ensured sidecars.
Port and name conflicts are remediated once, by a forced remove and a
bounded wait for the passive ports to come free.
*/
package ftp
