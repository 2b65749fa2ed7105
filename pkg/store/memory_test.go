package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antcode/antcode/pkg/types"
)

func seedTask(t *testing.T, s *MemoryStore, id string, prio int, next time.Time) {
	t.Helper()
	require.NoError(t, s.CreateTask(context.Background(), &types.Task{
		ID:          id,
		ProjectID:   "p-1",
		ProjectType: types.ProjectTypeCode,
		Schedule:    types.ScheduleInterval,
		Strategy:    types.StrategyAnyCapable,
		Priority:    prio,
		Active:      true,
		NextRunTime: next,
	}))
}

func TestDueTasksOrdering(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	seedTask(t, s, "low-old", 0, now.Add(-2*time.Hour))
	seedTask(t, s, "high", 20, now.Add(-time.Minute))
	seedTask(t, s, "low-new", 0, now.Add(-time.Minute))
	seedTask(t, s, "future", 50, now.Add(time.Hour))

	due, err := s.DueTasks(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 3)
	// priority desc, then next_run asc
	assert.Equal(t, "high", due[0].ID)
	assert.Equal(t, "low-old", due[1].ID)
	assert.Equal(t, "low-new", due[2].ID)

	due, err = s.DueTasks(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "high", due[0].ID)
}

func TestApplyRuntimeMonotone(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreateRun(ctx, &types.TaskRun{
		RunID: "r-1", TaskID: "t-1",
		DispatchStatus: types.DispatchPending,
		RuntimeStatus:  types.RuntimeQueued,
	}))

	applied, err := s.ApplyRuntime(ctx, "r-1", types.RuntimeRunning, now, 1)
	require.NoError(t, err)
	assert.True(t, applied)

	// regression to queued is silently dropped
	applied, err = s.ApplyRuntime(ctx, "r-1", types.RuntimeQueued, now.Add(time.Second), 1)
	require.NoError(t, err)
	assert.False(t, applied)

	// a stale fencing token is an error, not a silent drop
	_, err = s.ApplyRuntime(ctx, "r-1", types.RuntimeSuccess, now.Add(time.Second), 1)
	require.NoError(t, err)
	_, err = s.ApplyRuntime(ctx, "r-1", types.RuntimeFailed, now.Add(2*time.Second), 1)
	require.NoError(t, err)

	run, err := s.GetRun(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, types.RuntimeSuccess, run.RuntimeStatus)
}

func TestFencingTokenRejectsDeposedLeader(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreateRun(ctx, &types.TaskRun{RunID: "r-1", TaskID: "t-1"}))

	_, err := s.ApplyDispatch(ctx, "r-1", types.DispatchDispatching, now, 7)
	require.NoError(t, err)

	_, err = s.ApplyDispatch(ctx, "r-1", types.DispatchDispatched, now.Add(time.Second), 3)
	assert.ErrorIs(t, err, ErrStaleToken)
}

func TestRecordTerminalCountsOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	seedTask(t, s, "t-1", 0, now)
	require.NoError(t, s.CreateRun(ctx, &types.TaskRun{RunID: "r-1", TaskID: "t-1"}))

	res := &types.TaskResult{
		RunID: "r-1", TaskID: "t-1", WorkerID: "w-1",
		Status: types.RuntimeSuccess, EndTime: now,
	}
	applied, err := s.RecordTerminal(ctx, res, 0)
	require.NoError(t, err)
	assert.True(t, applied)

	// the replayed result does not double-count
	applied, err = s.RecordTerminal(ctx, res, 0)
	require.NoError(t, err)
	assert.False(t, applied)

	task, err := s.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, 1, task.SuccessCount)
	assert.Equal(t, 0, task.FailureCount)

	run, err := s.GetRun(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, now, run.EndTime)
}

func TestInstallKeyLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreateInstallKey(ctx, &types.InstallKey{
		Key: "ik-1", OS: "linux", ExpiresAt: now.Add(time.Hour),
	}))

	require.NoError(t, s.ConsumeInstallKey(ctx, "ik-1", "w-1", now))
	assert.ErrorIs(t, s.ConsumeInstallKey(ctx, "ik-1", "w-2", now), ErrKeyConsumed)

	require.NoError(t, s.CreateInstallKey(ctx, &types.InstallKey{
		Key: "ik-2", ExpiresAt: now.Add(-time.Minute),
	}))
	assert.ErrorIs(t, s.ConsumeInstallKey(ctx, "ik-2", "w-1", now), ErrKeyExpired)

	assert.ErrorIs(t, s.ConsumeInstallKey(ctx, "nope", "w-1", now), ErrNotFound)
}

func TestOnlineWorkers(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateWorker(ctx, &types.Worker{ID: "w-1", Status: types.WorkerOnline}))
	require.NoError(t, s.CreateWorker(ctx, &types.Worker{ID: "w-2", Status: types.WorkerOffline}))

	online, err := s.OnlineWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, "w-1", online[0].ID)

	require.NoError(t, s.MarkWorkerStatus(ctx, "w-2", types.WorkerOnline, time.Now().UTC()))
	online, err = s.OnlineWorkers(ctx)
	require.NoError(t, err)
	assert.Len(t, online, 2)
}
