// Package log provides structured logging for all AntCode services.
//
// It is a thin wrapper around rs/zerolog exposing a global logger plus
// helpers that attach the standard correlation fields (component, worker_id,
// run_id, task_id). Services initialize it once at boot:
//
//	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
//	logger := log.WithComponent("scheduler")
//	logger.Info().Str("task_id", id).Msg("task enqueued")
//
// JSON output is the default for long-running services; the console writer
// is only used by interactive CLI commands.
package log
