/*
Package api exposes the daemon's read-only HTTP surface: /health for
liveness, /ready for readiness of the critical components, and /metrics
for Prometheus scrapes. The control API proper lives elsewhere; this
server is operational plumbing only.
*/
package api
