// Package executor runs resolved execution plans as child processes. The
// process executor caps concurrency with a weighted semaphore, streams
// stdout and stderr through a log sink under output budgets, enforces
// timeouts with SIGTERM then SIGKILL after a grace period, and collects
// artifacts by glob on exit. A sandbox layer filters environment variables
// and can isolate the working directory or wrap the command with a host
// sandbox binary.
package executor
