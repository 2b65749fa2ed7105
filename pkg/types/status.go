package types

import "time"

// DispatchStatus tracks delivery of a run to a worker
type DispatchStatus string

const (
	DispatchPending     DispatchStatus = "pending"
	DispatchDispatching DispatchStatus = "dispatching"
	DispatchDispatched  DispatchStatus = "dispatched"
	DispatchAcked       DispatchStatus = "acked"
	DispatchRejected    DispatchStatus = "rejected"
	DispatchTimeout     DispatchStatus = "timeout"
	DispatchFailed      DispatchStatus = "failed"
)

// RuntimeStatus tracks execution of a run on a worker
type RuntimeStatus string

const (
	RuntimeQueued    RuntimeStatus = "queued"
	RuntimeRunning   RuntimeStatus = "running"
	RuntimeSuccess   RuntimeStatus = "success"
	RuntimeFailed    RuntimeStatus = "failed"
	RuntimeCancelled RuntimeStatus = "cancelled"
	RuntimeTimeout   RuntimeStatus = "timeout"
	RuntimeSkipped   RuntimeStatus = "skipped"
)

// dispatchOrder: pending < dispatching < dispatched < terminal set.
// Terminal statuses share the same rank so they cannot replace one another.
var dispatchOrder = map[DispatchStatus]int{
	DispatchPending:     0,
	DispatchDispatching: 1,
	DispatchDispatched:  2,
	DispatchAcked:       3,
	DispatchRejected:    3,
	DispatchTimeout:     3,
	DispatchFailed:      3,
}

// runtimeOrder: queued < running < terminal set.
var runtimeOrder = map[RuntimeStatus]int{
	RuntimeQueued:    0,
	RuntimeRunning:   1,
	RuntimeSuccess:   2,
	RuntimeFailed:    2,
	RuntimeCancelled: 2,
	RuntimeTimeout:   2,
	RuntimeSkipped:   2,
}

// Terminal reports whether the dispatch status is final.
func (s DispatchStatus) Terminal() bool {
	return dispatchOrder[s] == 3
}

// Terminal reports whether the runtime status is final.
func (s RuntimeStatus) Terminal() bool {
	return runtimeOrder[s] == 2
}

// OverallStatus is the derived projection of (dispatch, runtime). It is
// computed on demand and never stored.
type OverallStatus string

const (
	OverallPending   OverallStatus = "pending"
	OverallQueued    OverallStatus = "queued"
	OverallRunning   OverallStatus = "running"
	OverallSuccess   OverallStatus = "success"
	OverallFailed    OverallStatus = "failed"
	OverallCancelled OverallStatus = "cancelled"
	OverallTimeout   OverallStatus = "timeout"
	OverallSkipped   OverallStatus = "skipped"
)

// OverallStatus projects the status pair onto a single user-facing status.
// Runtime terminal states win; dispatch failures surface as failed; otherwise
// the run is as far along as its runtime status says.
func (r *TaskRun) OverallStatus() OverallStatus {
	switch r.RuntimeStatus {
	case RuntimeSuccess:
		return OverallSuccess
	case RuntimeFailed:
		return OverallFailed
	case RuntimeCancelled:
		return OverallCancelled
	case RuntimeTimeout:
		return OverallTimeout
	case RuntimeSkipped:
		return OverallSkipped
	case RuntimeRunning:
		return OverallRunning
	}
	switch r.DispatchStatus {
	case DispatchRejected, DispatchFailed:
		return OverallFailed
	case DispatchTimeout:
		return OverallTimeout
	case DispatchAcked, DispatchDispatched, DispatchDispatching:
		return OverallQueued
	}
	return OverallPending
}

// Terminal reports whether the run reached a final runtime or dispatch state
// from which it can no longer progress.
func (r *TaskRun) Terminal() bool {
	return r.RuntimeStatus.Terminal() ||
		(r.DispatchStatus.Terminal() && r.DispatchStatus != DispatchAcked)
}

// ApplyDispatchStatus applies a dispatch transition if and only if
// (order(new), at) is lexicographically greater than the recorded pair.
// Stale or replayed updates are dropped silently and return false.
func (r *TaskRun) ApplyDispatchStatus(s DispatchStatus, at time.Time) bool {
	no, ok := dispatchOrder[s]
	if !ok {
		return false
	}
	co := dispatchOrder[r.DispatchStatus]
	if no < co || (no == co && !at.After(r.DispatchAt)) {
		return false
	}
	// terminal rank never replaced by a different terminal status
	if co == 3 && r.DispatchStatus != s {
		return false
	}
	r.DispatchStatus = s
	r.DispatchAt = at
	return true
}

// ApplyRuntimeStatus applies a runtime transition under the same monotone
// rule as ApplyDispatchStatus. Entering a terminal state sets EndTime if it
// is not already set.
func (r *TaskRun) ApplyRuntimeStatus(s RuntimeStatus, at time.Time) bool {
	no, ok := runtimeOrder[s]
	if !ok {
		return false
	}
	co := runtimeOrder[r.RuntimeStatus]
	if no < co || (no == co && !at.After(r.RuntimeAt)) {
		return false
	}
	if co == 2 && r.RuntimeStatus != s {
		return false
	}
	r.RuntimeStatus = s
	r.RuntimeAt = at
	if s.Terminal() && r.EndTime.IsZero() {
		r.EndTime = at
	}
	return true
}
