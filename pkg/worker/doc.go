// Package worker implements the node-side engine: it polls the transport
// for dispatched tasks, holds them on a bounded priority queue, and drives
// each one through signature verification, artifact fetch, runtime
// preparation, plugin planning and execution. Results are reported only
// after the durable log trail is acknowledged, and the delivery receipt is
// settled last, so a crash at any point leaves the task claimable again.
package worker
