package store

import (
	"context"
	"errors"
	"time"

	"github.com/antcode/antcode/pkg/types"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned by create operations on duplicate keys.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrStaleToken means the write carried a fencing token older than one
	// the store already accepted, so it came from a deposed leader.
	ErrStaleToken = errors.New("stale fencing token")
	// ErrKeyConsumed is returned when an install key was already used.
	ErrKeyConsumed = errors.New("install key already consumed")
	// ErrKeyExpired is returned when an install key is past its expiry.
	ErrKeyExpired = errors.New("install key expired")
)

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	ProjectID string
	Active    *bool
}

// Store is the metadata persistence layer shared by master and gateway.
// Status transitions go through the Apply methods, which enforce the same
// monotone rules as the types helpers and drop stale updates silently
// (returning applied=false). Writes from the leader carry its fencing token;
// tokens below the highest accepted one are rejected with ErrStaleToken.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, t *types.Task) error
	GetTask(ctx context.Context, id string) (*types.Task, error)
	UpdateTask(ctx context.Context, t *types.Task) error
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context, f TaskFilter) ([]*types.Task, error)
	// DueTasks returns active tasks with next_run_time <= now, ordered by
	// priority descending then next_run_time ascending, capped at limit.
	DueTasks(ctx context.Context, now time.Time, limit int) ([]*types.Task, error)
	// SetNextRun updates a task's next run time (zero clears it).
	SetNextRun(ctx context.Context, taskID string, next time.Time) error

	// Runs
	CreateRun(ctx context.Context, r *types.TaskRun) error
	GetRun(ctx context.Context, runID string) (*types.TaskRun, error)
	ApplyDispatch(ctx context.Context, runID string, s types.DispatchStatus, at time.Time, token int64) (bool, error)
	ApplyRuntime(ctx context.Context, runID string, s types.RuntimeStatus, at time.Time, token int64) (bool, error)
	// AssignWorker records the worker chosen for a run.
	AssignWorker(ctx context.Context, runID, workerID string) error
	// RecordTerminal is the single writer of task success/failure counters.
	// It applies the terminal runtime status and, only when the transition
	// actually applied, increments the owning task's counter and records the
	// exit code and error. Replays and stale updates touch nothing.
	RecordTerminal(ctx context.Context, res *types.TaskResult, token int64) (bool, error)
	TouchRunHeartbeat(ctx context.Context, runID string, at time.Time) error
	ListRunsByWorker(ctx context.Context, workerID string) ([]*types.TaskRun, error)
	ListNonTerminalRuns(ctx context.Context) ([]*types.TaskRun, error)

	// Workers
	CreateWorker(ctx context.Context, w *types.Worker) error
	GetWorker(ctx context.Context, id string) (*types.Worker, error)
	UpdateWorker(ctx context.Context, w *types.Worker) error
	DeleteWorker(ctx context.Context, id string) error
	ListWorkers(ctx context.Context) ([]*types.Worker, error)
	OnlineWorkers(ctx context.Context) ([]*types.Worker, error)
	// MarkWorkerStatus flips a worker's status and stamps last_heartbeat.
	MarkWorkerStatus(ctx context.Context, id string, status types.WorkerStatus, at time.Time) error

	// Install keys
	CreateInstallKey(ctx context.Context, k *types.InstallKey) error
	GetInstallKey(ctx context.Context, key string) (*types.InstallKey, error)
	// ConsumeInstallKey atomically marks the key used by workerID. Expired or
	// already-consumed keys fail with ErrKeyExpired / ErrKeyConsumed.
	ConsumeInstallKey(ctx context.Context, key, workerID string, now time.Time) error

	Close() error
}
