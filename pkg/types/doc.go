// Package types defines the core AntCode domain model shared by the master,
// gateway and worker: tasks and their runs, registered workers, queue items,
// dispatch payloads, runtime specs and the error-kind taxonomy.
//
// TaskRun status is a pair (dispatch_status, runtime_status), each with a
// fixed partial order. Updates apply only when (order, timestamp) advances
// lexicographically; stale updates are dropped without error. The overall
// status is always derived via TaskRun.OverallStatus, never stored.
package types
