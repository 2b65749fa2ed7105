package master

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/antcode/antcode/pkg/identity"
	"github.com/antcode/antcode/pkg/log"
	"github.com/antcode/antcode/pkg/metrics"
	"github.com/antcode/antcode/pkg/redisx"
	"github.com/antcode/antcode/pkg/store"
	"github.com/antcode/antcode/pkg/types"
)

// SchedulerConfig tunes the dispatch loop.
type SchedulerConfig struct {
	// DueBatch caps how many due tasks one cycle handles.
	DueBatch int
	// QueueMaxLen bounds each worker's ready stream.
	QueueMaxLen int64
	// SignatureTTL is the dispatch signature validity window.
	SignatureTTL time.Duration
	// EnqueueRetries is how many times a failed stream append is retried
	// inside the cycle before the attempt is abandoned.
	EnqueueRetries int
}

func (c *SchedulerConfig) applyDefaults() {
	if c.DueBatch <= 0 {
		c.DueBatch = 100
	}
	if c.QueueMaxLen <= 0 {
		c.QueueMaxLen = 10000
	}
	if c.SignatureTTL <= 0 {
		c.SignatureTTL = 5 * time.Minute
	}
	if c.EnqueueRetries <= 0 {
		c.EnqueueRetries = 3
	}
}

// Scheduler turns due tasks into dispatched runs. All writes carry the
// leader's fencing token; a deposed leader's writes are refused by the store.
type Scheduler struct {
	cfg    SchedulerConfig
	store  store.Store
	redis  *redisx.Client
	logger zerolog.Logger
}

func NewScheduler(cfg SchedulerConfig, st store.Store, rc *redisx.Client) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{cfg: cfg, store: st, redis: rc, logger: log.WithComponent("scheduler")}
}

// RunOnce performs one scheduling cycle: query due tasks, order them, and
// dispatch each one at most once.
func (s *Scheduler) RunOnce(ctx context.Context, token int64) {
	now := time.Now().UTC()
	due, err := s.store.DueTasks(ctx, now, s.cfg.DueBatch)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to query due tasks")
		return
	}
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].NextRunTime.Before(due[j].NextRunTime)
	})

	for _, task := range due {
		claimed, err := s.claimInFlight(ctx, task.ID)
		if err != nil {
			s.logger.Warn().Err(err).Str("task_id", task.ID).Msg("in-flight claim failed")
			continue
		}
		if !claimed {
			continue
		}
		if err := s.dispatch(ctx, task, token, "", 0); err != nil {
			s.logger.Error().Err(err).Str("task_id", task.ID).Msg("dispatch failed")
			s.releaseInFlight(ctx, task.ID)
		}
		metrics.SchedulingLatency.Observe(time.Since(now).Seconds())
		if err := s.advanceSchedule(ctx, task, now); err != nil {
			s.logger.Warn().Err(err).Str("task_id", task.ID).Msg("failed to advance schedule")
		}
	}
}

// Trigger dispatches a task outside its schedule: manual runs and retry
// attempts. workerID overrides worker resolution when non-empty.
func (s *Scheduler) Trigger(ctx context.Context, taskID, workerID string, retryIndex int, token int64) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to load task: %w", err)
	}
	claimed, err := s.claimInFlight(ctx, task.ID)
	if err != nil {
		return err
	}
	if !claimed {
		return fmt.Errorf("task %s already in flight", taskID)
	}
	if err := s.dispatch(ctx, task, token, workerID, retryIndex); err != nil {
		s.releaseInFlight(ctx, task.ID)
		return err
	}
	return nil
}

// claimInFlight adds the task to the in-flight set; false means another run
// of this task is already live and the cycle must skip it.
func (s *Scheduler) claimInFlight(ctx context.Context, taskID string) (bool, error) {
	added, err := s.redis.Raw().SAdd(ctx, s.redis.Keys().InFlightSet(), taskID).Result()
	if err != nil {
		return false, err
	}
	return added == 1, nil
}

func (s *Scheduler) releaseInFlight(ctx context.Context, taskID string) {
	if err := s.redis.Raw().SRem(ctx, s.redis.Keys().InFlightSet(), taskID).Err(); err != nil {
		s.logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to release in-flight claim")
	}
}

func (s *Scheduler) dispatch(ctx context.Context, task *types.Task, token int64, workerOverride string, retryIndex int) error {
	worker, err := s.resolveWorker(ctx, task, workerOverride)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	run := &types.TaskRun{
		RunID:          uuid.New().String(),
		TaskID:         task.ID,
		ProjectID:      task.ProjectID,
		DispatchStatus: types.DispatchPending,
		DispatchAt:     now,
		RuntimeStatus:  types.RuntimeQueued,
		RuntimeAt:      now,
		WorkerID:       worker.ID,
		RetryIndex:     retryIndex,
		FencingToken:   token,
		CreatedAt:      now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	if err := s.store.AssignWorker(ctx, run.RunID, worker.ID); err != nil {
		return fmt.Errorf("failed to assign worker: %w", err)
	}

	payload := s.buildPayload(task, run, worker, now)
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	qt := &types.QueuedTask{
		TaskID:      task.ID,
		ProjectID:   task.ProjectID,
		ProjectType: task.ProjectType,
		Band:        types.BandForPriority(task.Priority),
		EnqueuedAt:  now,
		RetryIndex:  retryIndex,
		Payload:     raw,
	}

	stream := s.redis.Keys().ReadyStream(worker.ID)
	var enqueueErr error
	for attempt := 0; attempt < s.cfg.EnqueueRetries; attempt++ {
		if _, enqueueErr = s.redis.EnqueueTask(ctx, stream, qt, s.cfg.QueueMaxLen); enqueueErr == nil {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		}
	}
	if enqueueErr != nil {
		if _, err := s.store.ApplyDispatch(ctx, run.RunID, types.DispatchFailed, time.Now().UTC(), token); err != nil {
			s.logger.Warn().Err(err).Str("run_id", run.RunID).Msg("failed to mark dispatch failure")
		}
		return fmt.Errorf("failed to enqueue after %d attempts: %w", s.cfg.EnqueueRetries, enqueueErr)
	}

	if _, err := s.store.ApplyDispatch(ctx, run.RunID, types.DispatchDispatched, time.Now().UTC(), token); err != nil {
		return fmt.Errorf("failed to record dispatch: %w", err)
	}
	metrics.RunsScheduled.Inc()
	s.logger.Info().
		Str("task_id", task.ID).
		Str("run_id", run.RunID).
		Str("worker_id", worker.ID).
		Int("retry_index", retryIndex).
		Msg("run dispatched")
	return nil
}

func (s *Scheduler) buildPayload(task *types.Task, run *types.TaskRun, worker *types.Worker, now time.Time) *types.TaskPayload {
	return &types.TaskPayload{
		RunID:        run.RunID,
		TaskID:       task.ID,
		ProjectID:    task.ProjectID,
		ProjectType:  task.ProjectType,
		Priority:     task.Priority,
		Timeout:      task.Timeout,
		DownloadURL:  task.DownloadURL,
		FileHash:     task.FileHash,
		IsCompressed: task.IsCompressed,
		EntryPoint:   task.EntryPoint,
		Params:       task.Params,
		Environment:  task.Environment,
		Runtime:      task.Runtime,
		Signature:    identity.SignTask(worker.Secret, task.ID, now, now.Add(s.cfg.SignatureTTL)),
	}
}

// resolveWorker picks the execution target per the task's strategy.
func (s *Scheduler) resolveWorker(ctx context.Context, task *types.Task, override string) (*types.Worker, error) {
	if override != "" {
		return s.aliveWorker(ctx, override)
	}
	switch task.Strategy {
	case types.StrategyFixed:
		if task.BoundWorker == "" {
			return nil, fmt.Errorf("task %s has fixed strategy but no bound worker", task.ID)
		}
		return s.aliveWorker(ctx, task.BoundWorker)
	case types.StrategySpecified:
		return nil, fmt.Errorf("task %s requires a worker on the trigger", task.ID)
	case types.StrategyPreferBound:
		if task.BoundWorker != "" {
			if w, err := s.aliveWorker(ctx, task.BoundWorker); err == nil {
				return w, nil
			}
			if !task.AllowFallback {
				return nil, fmt.Errorf("bound worker %s unavailable and fallback disabled", task.BoundWorker)
			}
		}
		return s.leastLoaded(ctx, task)
	default:
		return s.leastLoaded(ctx, task)
	}
}

func (s *Scheduler) aliveWorker(ctx context.Context, workerID string) (*types.Worker, error) {
	w, err := s.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load worker %s: %w", workerID, err)
	}
	alive, err := s.redis.HeartbeatAlive(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if !alive {
		return nil, fmt.Errorf("worker %s has no live heartbeat", workerID)
	}
	return w, nil
}

// leastLoaded picks the online worker with the fewest running tasks among
// those capable of the task's project type. A worker with no declared
// capabilities accepts everything.
func (s *Scheduler) leastLoaded(ctx context.Context, task *types.Task) (*types.Worker, error) {
	workers, err := s.store.OnlineWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	var best *types.Worker
	for _, w := range workers {
		if len(w.Capabilities) > 0 && !w.HasCapability(string(task.ProjectType)) {
			continue
		}
		alive, err := s.redis.HeartbeatAlive(ctx, w.ID)
		if err != nil || !alive {
			continue
		}
		if best == nil || load(w) < load(best) ||
			(load(w) == load(best) && w.QueueDepth < best.QueueDepth) {
			best = w
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no capable worker online for project type %s", task.ProjectType)
	}
	return best, nil
}

func load(w *types.Worker) int {
	return w.RunningTasks + w.QueueDepth
}

// advanceSchedule computes and stores the next fire time. Once-tasks are
// deactivated after their single dispatch.
func (s *Scheduler) advanceSchedule(ctx context.Context, task *types.Task, now time.Time) error {
	switch task.Schedule {
	case types.ScheduleOnce:
		task.Active = false
		task.NextRunTime = time.Time{}
		task.UpdatedAt = now
		return s.store.UpdateTask(ctx, task)
	case types.ScheduleInterval:
		if task.Interval <= 0 {
			return fmt.Errorf("task %s has interval schedule but no interval", task.ID)
		}
		return s.store.SetNextRun(ctx, task.ID, now.Add(task.Interval))
	case types.ScheduleCron:
		sched, err := cron.ParseStandard(task.CronExpr)
		if err != nil {
			return fmt.Errorf("failed to parse cron expression %q: %w", task.CronExpr, err)
		}
		return s.store.SetNextRun(ctx, task.ID, sched.Next(now))
	default:
		return fmt.Errorf("unknown schedule kind %q", task.Schedule)
	}
}
