package master

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antcode/antcode/pkg/identity"
	"github.com/antcode/antcode/pkg/redisx"
	"github.com/antcode/antcode/pkg/store"
	"github.com/antcode/antcode/pkg/types"
)

type fixture struct {
	store store.Store
	redis *redisx.Client
	mr    *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rc := redisx.NewFromClient(rdb, "antcode")
	return &fixture{store: store.NewMemoryStore(), redis: rc, mr: mr}
}

func (f *fixture) addWorker(t *testing.T, id string, running int) *types.Worker {
	t.Helper()
	ctx := context.Background()
	w := &types.Worker{
		ID:           id,
		Secret:       "secret-" + id,
		Status:       types.WorkerOnline,
		RunningTasks: running,
	}
	require.NoError(t, f.store.CreateWorker(ctx, w))
	require.NoError(t, f.redis.SetHeartbeat(ctx, &types.HeartbeatMessage{
		WorkerID:  id,
		Status:    types.WorkerOnline,
		Timestamp: time.Now().UTC(),
	}, 30*time.Second))
	return w
}

func (f *fixture) addTask(t *testing.T, task *types.Task) *types.Task {
	t.Helper()
	if task.Schedule == "" {
		task.Schedule = types.ScheduleInterval
		task.Interval = time.Minute
	}
	if task.Strategy == "" {
		task.Strategy = types.StrategyAnyCapable
	}
	task.Active = true
	if task.NextRunTime.IsZero() {
		task.NextRunTime = time.Now().Add(-time.Second)
	}
	require.NoError(t, f.store.CreateTask(context.Background(), task))
	return task
}

func (f *fixture) readQueued(t *testing.T, workerID string) *types.QueuedTask {
	t.Helper()
	polled, err := f.redis.PollTasks(context.Background(), workerID, nil, 1, 0)
	require.NoError(t, err)
	require.Len(t, polled, 1)
	return polled[0].Task
}

func newScheduler(f *fixture) *Scheduler {
	return NewScheduler(SchedulerConfig{}, f.store, f.redis)
}

func TestSchedulerDispatchesDueTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.addWorker(t, "w-1", 0)
	task := f.addTask(t, &types.Task{ID: "t-1", ProjectID: "p-1", ProjectType: types.ProjectTypeCode, EntryPoint: "main.py"})

	newScheduler(f).RunOnce(ctx, 1)

	runs, err := f.store.ListNonTerminalRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, types.DispatchDispatched, runs[0].DispatchStatus)
	assert.Equal(t, "w-1", runs[0].WorkerID)
	assert.Equal(t, int64(1), runs[0].FencingToken)

	qt := f.readQueued(t, "w-1")
	var payload types.TaskPayload
	require.NoError(t, json.Unmarshal(qt.Payload, &payload))
	assert.Equal(t, runs[0].RunID, payload.RunID)
	require.NotNil(t, payload.Signature)
	assert.NoError(t, identity.VerifyTaskSignature(w.Secret, task.ID, payload.Signature, time.Now(), nil))

	// schedule advanced past now
	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, got.NextRunTime.After(time.Now().Add(30*time.Second)))
}

func TestDispatchCarriesArtifactAndRuntime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addWorker(t, "w-1", 0)
	compressed := true
	f.addTask(t, &types.Task{
		ID: "t-file", ProjectID: "p-1", ProjectType: types.ProjectTypeFile,
		EntryPoint:   "main.py",
		DownloadURL:  "https://artifacts.example/p-1/bundle.tar.gz",
		FileHash:     "ab12cd34",
		IsCompressed: &compressed,
		Runtime: &types.RuntimeSpec{
			PythonVersion: "3.11",
			Lock:          types.LockSource{Kind: types.LockSourceInline, Content: "requests==2.31.0\n"},
		},
	})

	newScheduler(f).RunOnce(ctx, 1)

	qt := f.readQueued(t, "w-1")
	var payload types.TaskPayload
	require.NoError(t, json.Unmarshal(qt.Payload, &payload))
	assert.Equal(t, "https://artifacts.example/p-1/bundle.tar.gz", payload.DownloadURL)
	assert.Equal(t, "ab12cd34", payload.FileHash)
	require.NotNil(t, payload.IsCompressed)
	assert.True(t, *payload.IsCompressed)
	require.NotNil(t, payload.Runtime)
	assert.Equal(t, "3.11", payload.Runtime.PythonVersion)
	assert.Equal(t, types.LockSourceInline, payload.Runtime.Lock.Kind)
}

func TestSchedulerSkipsInFlightTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addWorker(t, "w-1", 0)
	f.addTask(t, &types.Task{ID: "t-1", ProjectID: "p-1", NextRunTime: time.Now().Add(-time.Second)})

	sched := newScheduler(f)
	sched.RunOnce(ctx, 1)
	// make it due again; the in-flight claim must block a second dispatch
	require.NoError(t, f.store.SetNextRun(ctx, "t-1", time.Now().Add(-time.Second)))
	sched.RunOnce(ctx, 1)

	runs, err := f.store.ListNonTerminalRuns(ctx)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSchedulerOnceTaskDeactivates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addWorker(t, "w-1", 0)
	task := &types.Task{ID: "t-once", ProjectID: "p-1", Schedule: types.ScheduleOnce, Strategy: types.StrategyAnyCapable}
	f.addTask(t, task)

	newScheduler(f).RunOnce(ctx, 1)

	got, err := f.store.GetTask(ctx, "t-once")
	require.NoError(t, err)
	assert.False(t, got.Active)
}

func TestLeastLoadedSelection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addWorker(t, "w-busy", 4)
	f.addWorker(t, "w-idle", 0)
	task := f.addTask(t, &types.Task{ID: "t-1", ProjectID: "p-1"})

	w, err := newScheduler(f).resolveWorker(ctx, task, "")
	require.NoError(t, err)
	assert.Equal(t, "w-idle", w.ID)
}

func TestFixedStrategyRequiresLiveHeartbeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := &types.Worker{ID: "w-dead", Secret: "s", Status: types.WorkerOnline}
	require.NoError(t, f.store.CreateWorker(ctx, w))
	task := f.addTask(t, &types.Task{ID: "t-1", ProjectID: "p-1", Strategy: types.StrategyFixed, BoundWorker: "w-dead"})

	_, err := newScheduler(f).resolveWorker(ctx, task, "")
	assert.Error(t, err)
}

func TestPreferBoundFallsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// bound worker registered but heartbeat-dead
	require.NoError(t, f.store.CreateWorker(ctx, &types.Worker{ID: "w-bound", Secret: "s", Status: types.WorkerOnline}))
	f.addWorker(t, "w-alt", 0)
	task := f.addTask(t, &types.Task{
		ID: "t-1", ProjectID: "p-1",
		Strategy: types.StrategyPreferBound, BoundWorker: "w-bound", AllowFallback: true,
	})

	w, err := newScheduler(f).resolveWorker(ctx, task, "")
	require.NoError(t, err)
	assert.Equal(t, "w-alt", w.ID)
}

func TestRetryDelayFamilies(t *testing.T) {
	fixed := types.RetryPolicy{BaseDelay: time.Second, Family: types.BackoffFixed}
	assert.Equal(t, time.Second, RetryDelay(fixed, 0))
	assert.Equal(t, time.Second, RetryDelay(fixed, 4))

	linear := types.RetryPolicy{BaseDelay: time.Second, Family: types.BackoffLinear}
	assert.Equal(t, 3*time.Second, RetryDelay(linear, 2))

	exp := types.RetryPolicy{BaseDelay: time.Second, MaxDelay: 10 * time.Second, Family: types.BackoffExponential}
	assert.Equal(t, 4*time.Second, RetryDelay(exp, 2))
	assert.Equal(t, 10*time.Second, RetryDelay(exp, 8))

	jittered := types.RetryPolicy{BaseDelay: 10 * time.Second, Family: types.BackoffFixed, Jitter: true}
	for i := 0; i < 20; i++ {
		d := RetryDelay(jittered, 0)
		assert.GreaterOrEqual(t, d, 9*time.Second)
		assert.LessOrEqual(t, d, 11*time.Second)
	}
}

func TestClassifyResult(t *testing.T) {
	assert.Equal(t, types.ErrKindResource, classifyResult(&types.TaskResult{Status: types.RuntimeTimeout}))
	assert.Equal(t, types.ErrKindAuth, classifyResult(&types.TaskResult{
		Status: types.RuntimeFailed, Error: "auth: signature expired",
	}))
	assert.Equal(t, types.ErrKindIntegrity, classifyResult(&types.TaskResult{
		Status: types.RuntimeFailed, Error: "failed to fetch artifact: integrity: hash mismatch",
	}))
	assert.Equal(t, types.ErrKindInternal, classifyResult(&types.TaskResult{
		Status: types.RuntimeFailed, Error: "exit status 1",
	}))
}

type captureAlerter struct {
	calls []string
}

func (a *captureAlerter) Alert(ctx context.Context, task *types.Task, run *types.TaskRun, res *types.TaskResult) {
	a.calls = append(a.calls, run.RunID)
}

func TestRetrierQueuesAndDispatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addWorker(t, "w-1", 0)
	task := f.addTask(t, &types.Task{
		ID: "t-1", ProjectID: "p-1",
		Retry: types.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, Family: types.BackoffFixed},
	})

	retrier := NewRetrier(f.store, f.redis, nil)
	run := &types.TaskRun{RunID: "r-1", TaskID: task.ID, RetryIndex: 0}
	res := &types.TaskResult{RunID: "r-1", TaskID: task.ID, Status: types.RuntimeFailed, Error: "transport: worker disconnected"}
	retrier.Consider(ctx, task, run, res)

	n, err := f.redis.Raw().ZCard(ctx, f.redis.Keys().DelayedRetryZSet()).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	time.Sleep(5 * time.Millisecond)
	retrier.DispatchDue(ctx, newScheduler(f), 2)

	runs, err := f.store.ListNonTerminalRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 1, runs[0].RetryIndex)

	qt := f.readQueued(t, "w-1")
	assert.Equal(t, 1, qt.RetryIndex)
}

func TestRetrierExhaustedBudgetCompensates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.addTask(t, &types.Task{
		ID: "t-1", ProjectID: "p-1", ProjectType: types.ProjectTypeRule,
		Retry: types.RetryPolicy{MaxRetries: 1},
	})

	alerter := &captureAlerter{}
	retrier := NewRetrier(f.store, f.redis, alerter)
	var compensated bool
	retrier.RegisterHandler(types.ProjectTypeRule, func(ctx context.Context, task *types.Task, run *types.TaskRun, res *types.TaskResult) error {
		compensated = true
		return nil
	})

	run := &types.TaskRun{RunID: "r-1", TaskID: task.ID, RetryIndex: 1}
	retrier.Consider(ctx, task, run, &types.TaskResult{RunID: "r-1", Status: types.RuntimeFailed, Error: "transport: gone"})

	assert.Equal(t, []string{"r-1"}, alerter.calls)
	assert.True(t, compensated)
	n, _ := f.redis.Raw().ZCard(ctx, f.redis.Keys().DelayedRetryZSet()).Result()
	assert.Zero(t, n)
}

func TestRetrierNonRetryableCompensatesImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.addTask(t, &types.Task{ID: "t-1", ProjectID: "p-1", Retry: types.RetryPolicy{MaxRetries: 5}})

	alerter := &captureAlerter{}
	retrier := NewRetrier(f.store, f.redis, alerter)
	run := &types.TaskRun{RunID: "r-1", TaskID: task.ID}
	retrier.Consider(ctx, task, run, &types.TaskResult{RunID: "r-1", Status: types.RuntimeFailed, Error: "auth: signature invalid"})

	assert.Len(t, alerter.calls, 1)
	n, _ := f.redis.Raw().ZCard(ctx, f.redis.Keys().DelayedRetryZSet()).Result()
	assert.Zero(t, n)
}

func newReconciler(f *fixture) *Reconciler {
	return NewReconciler(ReconcileConfig{
		DefaultRunTimeout: 50 * time.Millisecond,
		TimeoutGrace:      time.Millisecond,
	}, f.store, f.redis, NewRetrier(f.store, f.redis, &captureAlerter{}))
}

func seedRun(t *testing.T, f *fixture, run *types.TaskRun) {
	t.Helper()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	require.NoError(t, f.store.CreateRun(context.Background(), run))
}

func TestReconcilerExpiresRunningRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addWorker(t, "w-1", 0)
	f.addTask(t, &types.Task{ID: "t-1", ProjectID: "p-1", Timeout: 10 * time.Millisecond})
	seedRun(t, f, &types.TaskRun{
		RunID: "r-1", TaskID: "t-1", WorkerID: "w-1",
		DispatchStatus: types.DispatchAcked, DispatchAt: time.Now().Add(-time.Minute),
		RuntimeStatus: types.RuntimeRunning, RuntimeAt: time.Now().Add(-time.Minute),
		StartTime: time.Now().Add(-time.Minute),
	})

	newReconciler(f).RunOnce(ctx, 3)

	run, err := f.store.GetRun(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, types.RuntimeTimeout, run.RuntimeStatus)
	assert.Contains(t, run.Error, "exceeded timeout")

	// cancel control message went to the worker
	polled, err := f.redis.PollControl(ctx, "w-1", 0)
	require.NoError(t, err)
	require.Len(t, polled, 1)
	assert.Equal(t, types.ControlCancel, polled[0].Message.Kind)
	assert.Equal(t, "r-1", polled[0].Message.TargetRunID)
}

func TestReconcilerFailsOverDeadWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// worker exists but has no heartbeat
	require.NoError(t, f.store.CreateWorker(ctx, &types.Worker{ID: "w-dead", Secret: "s", Status: types.WorkerOnline}))
	f.addTask(t, &types.Task{
		ID: "t-1", ProjectID: "p-1",
		Retry: types.RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond},
	})
	seedRun(t, f, &types.TaskRun{
		RunID: "r-1", TaskID: "t-1", WorkerID: "w-dead",
		DispatchStatus: types.DispatchDispatched, DispatchAt: time.Now(),
		RuntimeStatus: types.RuntimeQueued, RuntimeAt: time.Now(),
	})

	newReconciler(f).RunOnce(ctx, 3)

	run, err := f.store.GetRun(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, types.RuntimeFailed, run.RuntimeStatus)
	assert.Contains(t, run.Error, "worker disconnected")

	// the corpse leaves the online set
	w, err := f.store.GetWorker(ctx, "w-dead")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerOffline, w.Status)

	n, err := f.redis.Raw().ZCard(ctx, f.redis.Keys().DelayedRetryZSet()).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestReconcilerRepairsInconsistentRun(t *testing.T) {
	// the error field decides the terminal status of a half-landed write
	tests := []struct {
		name   string
		runErr string
		want   types.RuntimeStatus
	}{
		{"clean end time finalizes as success", "", types.RuntimeSuccess},
		{"end time with error finalizes as failed", "internal: boom", types.RuntimeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			seedRun(t, f, &types.TaskRun{
				RunID: "r-1", TaskID: "t-1",
				DispatchStatus: types.DispatchAcked, DispatchAt: time.Now(),
				RuntimeStatus: types.RuntimeRunning, RuntimeAt: time.Now(),
				EndTime: time.Now().Add(-time.Minute),
				Error:   tt.runErr,
			})

			newReconciler(f).RunOnce(ctx, 3)

			run, err := f.store.GetRun(ctx, "r-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, run.RuntimeStatus)
		})
	}
}

func TestReconcilerExpiresPendingZombie(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedRun(t, f, &types.TaskRun{
		RunID: "r-1", TaskID: "t-1",
		DispatchStatus: types.DispatchPending, DispatchAt: time.Now().Add(-25 * time.Hour),
		RuntimeStatus: types.RuntimeQueued, RuntimeAt: time.Now().Add(-25 * time.Hour),
		CreatedAt: time.Now().Add(-25 * time.Hour),
	})

	newReconciler(f).RunOnce(ctx, 3)

	run, err := f.store.GetRun(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, types.DispatchFailed, run.DispatchStatus)
}

func TestResultConsumerRecordsAndRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addWorker(t, "w-1", 0)
	f.addTask(t, &types.Task{
		ID: "t-1", ProjectID: "p-1",
		Retry: types.RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond},
	})
	seedRun(t, f, &types.TaskRun{
		RunID: "r-ok", TaskID: "t-1", WorkerID: "w-1",
		DispatchStatus: types.DispatchAcked, DispatchAt: time.Now(),
		RuntimeStatus: types.RuntimeRunning, RuntimeAt: time.Now(),
	})
	require.NoError(t, f.redis.Raw().SAdd(ctx, f.redis.Keys().InFlightSet(), "t-1").Err())

	require.NoError(t, f.redis.ReportResult(ctx, &types.TaskResult{
		RunID: "r-ok", TaskID: "t-1", WorkerID: "w-1",
		Status: types.RuntimeSuccess, EndTime: time.Now().UTC(),
	}))

	consumer := NewResultConsumer(f.store, f.redis, NewRetrier(f.store, f.redis, &captureAlerter{}))
	assert.Equal(t, 1, consumer.Consume(ctx, 5, 0))

	run, err := f.store.GetRun(ctx, "r-ok")
	require.NoError(t, err)
	assert.Equal(t, types.RuntimeSuccess, run.RuntimeStatus)

	task, err := f.store.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, 1, task.SuccessCount)

	members, err := f.redis.Raw().SMembers(ctx, f.redis.Keys().InFlightSet()).Result()
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestResultConsumerCountsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addWorker(t, "w-1", 0)
	f.addTask(t, &types.Task{ID: "t-1", ProjectID: "p-1"})
	seedRun(t, f, &types.TaskRun{
		RunID: "r-ok", TaskID: "t-1", WorkerID: "w-1",
		DispatchStatus: types.DispatchAcked, DispatchAt: time.Now(),
		RuntimeStatus: types.RuntimeRunning, RuntimeAt: time.Now(),
	})

	// the same terminal result delivered twice; at-least-once transport
	res := &types.TaskResult{
		RunID: "r-ok", TaskID: "t-1", WorkerID: "w-1",
		Status: types.RuntimeSuccess, EndTime: time.Now().UTC(),
	}
	require.NoError(t, f.redis.ReportResult(ctx, res))
	require.NoError(t, f.redis.ReportResult(ctx, res))

	consumer := NewResultConsumer(f.store, f.redis, NewRetrier(f.store, f.redis, &captureAlerter{}))
	require.Equal(t, 2, consumer.Consume(ctx, 5, 0))

	task, err := f.store.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, 1, task.SuccessCount)
	assert.Equal(t, 0, task.FailureCount)
}

func TestResultConsumerQueuesRetryOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addWorker(t, "w-1", 0)
	f.addTask(t, &types.Task{
		ID: "t-1", ProjectID: "p-1",
		Retry: types.RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond},
	})
	seedRun(t, f, &types.TaskRun{
		RunID: "r-fail", TaskID: "t-1", WorkerID: "w-1",
		DispatchStatus: types.DispatchAcked, DispatchAt: time.Now(),
		RuntimeStatus: types.RuntimeRunning, RuntimeAt: time.Now(),
	})

	require.NoError(t, f.redis.ReportResult(ctx, &types.TaskResult{
		RunID: "r-fail", TaskID: "t-1", WorkerID: "w-1",
		Status: types.RuntimeFailed, Error: "transport: connection reset",
		EndTime: time.Now().UTC(),
	}))

	consumer := NewResultConsumer(f.store, f.redis, NewRetrier(f.store, f.redis, &captureAlerter{}))
	require.Equal(t, 1, consumer.Consume(ctx, 5, 0))

	task, err := f.store.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, 1, task.FailureCount)

	n, err := f.redis.Raw().ZCard(ctx, f.redis.Keys().DelayedRetryZSet()).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
