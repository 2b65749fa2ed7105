package executor

import (
	"context"
	"errors"

	"github.com/antcode/antcode/pkg/types"
)

var (
	// ErrRunNotFound means no live execution is tracked for the run ID.
	ErrRunNotFound = errors.New("run not found")
	// ErrConcurrencyLimit means the executor's slot semaphore is exhausted
	// and the caller chose not to wait.
	ErrConcurrencyLimit = errors.New("executor at concurrency limit")
)

// LogSink receives output lines from a running plan. Implementations assign
// sequence numbers and fan entries out to the live and durable channels.
type LogSink interface {
	Emit(stream types.LogStream, content string)
}

// Executor runs a resolved plan inside a prepared runtime. Run blocks until
// the child exits or the plan's timeout fires; Cancel requests termination
// of a live run by ID.
type Executor interface {
	Run(ctx context.Context, plan *types.ExecPlan, rt *types.RuntimeHandle, sink LogSink) (*types.ExecResult, error)
	Cancel(runID string) error
	Running() []string
}

// discardSink drops everything; used when the caller has no log channel.
type discardSink struct{}

func (discardSink) Emit(types.LogStream, string) {}

// DiscardSink is a LogSink that ignores all output.
var DiscardSink LogSink = discardSink{}
