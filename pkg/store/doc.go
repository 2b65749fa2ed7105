// Package store persists tasks, runs, workers and install keys. Two
// implementations share one interface: MemoryStore for tests and single-node
// use, SQLStore on Postgres via sqlx for production.
//
// Run status transitions are applied through the monotone helpers on
// types.TaskRun inside the store, so stale or replayed updates are dropped no
// matter which path delivered them. Leader-originated writes carry a fencing
// token; a token below the highest one seen fails with ErrStaleToken.
// RecordTerminal is the only writer of task success/failure counters.
package store
