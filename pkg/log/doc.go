/*
Package log provides structured logging for Corral using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level.

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	monitorLog := log.WithComponent("health-monitor")
	monitorLog.Info().Str("cluster_id", id).Msg("check cycle complete")

Background workers (health monitor, stats collector, FTP reconciler, backup
scheduler) log failures and continue; only the composition root uses Fatal.
*/
package log
