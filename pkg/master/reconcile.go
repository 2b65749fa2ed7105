package master

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/antcode/antcode/pkg/log"
	"github.com/antcode/antcode/pkg/metrics"
	"github.com/antcode/antcode/pkg/redisx"
	"github.com/antcode/antcode/pkg/store"
	"github.com/antcode/antcode/pkg/types"
)

// ReconcileConfig tunes the repair loop.
type ReconcileConfig struct {
	// DefaultRunTimeout bounds runs whose task declares no timeout.
	DefaultRunTimeout time.Duration
	// TimeoutGrace is added on top of the task timeout before the master
	// declares a run stuck; the worker gets first chance to time it out.
	TimeoutGrace time.Duration
	// PendingZombieAge is how long a run may sit pending before it is
	// written off.
	PendingZombieAge time.Duration
}

func (c *ReconcileConfig) applyDefaults() {
	if c.DefaultRunTimeout <= 0 {
		c.DefaultRunTimeout = 30 * time.Minute
	}
	if c.TimeoutGrace <= 0 {
		c.TimeoutGrace = time.Minute
	}
	if c.PendingZombieAge <= 0 {
		c.PendingZombieAge = 24 * time.Hour
	}
}

// Reconciler sweeps non-terminal runs for the four stuck shapes: expired
// running runs, runs on dead workers, running runs that already carry an end
// time, and pending runs nothing will ever dispatch.
type Reconciler struct {
	cfg     ReconcileConfig
	store   store.Store
	redis   *redisx.Client
	retrier *Retrier
	logger  zerolog.Logger
}

func NewReconciler(cfg ReconcileConfig, st store.Store, rc *redisx.Client, retrier *Retrier) *Reconciler {
	cfg.applyDefaults()
	return &Reconciler{cfg: cfg, store: st, redis: rc, retrier: retrier, logger: log.WithComponent("reconcile")}
}

// RunOnce performs one sweep. Every write carries the fencing token.
func (r *Reconciler) RunOnce(ctx context.Context, token int64) {
	runs, err := r.store.ListNonTerminalRuns(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list non-terminal runs")
		return
	}
	now := time.Now().UTC()
	for _, run := range runs {
		switch {
		case r.repairInconsistent(ctx, run, now, token):
			metrics.ReconcileCycles.WithLabelValues("repair").Inc()
		case r.expireRunning(ctx, run, now, token):
			metrics.ReconcileCycles.WithLabelValues("timeout").Inc()
		case r.failoverDeadWorker(ctx, run, now, token):
			metrics.ReconcileCycles.WithLabelValues("failover").Inc()
		case r.expirePending(ctx, run, now, token):
			metrics.ReconcileCycles.WithLabelValues("zombie").Inc()
		}
	}
}

// repairInconsistent fixes runs that claim to be running but already carry
// an end time: the terminal write half-landed. The error field decides the
// outcome; an end time with no error means the run finished clean.
func (r *Reconciler) repairInconsistent(ctx context.Context, run *types.TaskRun, now time.Time, token int64) bool {
	if run.RuntimeStatus != types.RuntimeRunning || run.EndTime.IsZero() {
		return false
	}
	status := types.RuntimeSuccess
	if run.Error != "" {
		status = types.RuntimeFailed
	}
	if _, err := r.store.ApplyRuntime(ctx, run.RunID, status, now, token); err != nil {
		r.logger.Warn().Err(err).Str("run_id", run.RunID).Msg("failed to repair inconsistent run")
		return false
	}
	r.releaseTask(ctx, run.TaskID)
	r.logger.Warn().Str("run_id", run.RunID).Str("status", string(status)).
		Msg("repaired running run with end time")
	return true
}

func (r *Reconciler) expireRunning(ctx context.Context, run *types.TaskRun, now time.Time, token int64) bool {
	if run.RuntimeStatus != types.RuntimeRunning {
		return false
	}
	started := run.StartTime
	if started.IsZero() {
		started = run.RuntimeAt
	}
	timeout := r.cfg.DefaultRunTimeout
	if task, err := r.store.GetTask(ctx, run.TaskID); err == nil && task.Timeout > 0 {
		timeout = task.Timeout
	}
	if now.Before(started.Add(timeout + r.cfg.TimeoutGrace)) {
		return false
	}

	// ask the worker to stop it; the status flips regardless
	msg := &types.ControlMessage{
		RequestID:   uuid.New().String(),
		Kind:        types.ControlCancel,
		TargetRunID: run.RunID,
		IssuedAt:    now,
	}
	if err := r.redis.SendControl(ctx, run.WorkerID, msg); err != nil {
		r.logger.Warn().Err(err).Str("run_id", run.RunID).Msg("failed to send timeout cancel")
	}
	// RecordTerminal rather than ApplyRuntime so the reason lands on the
	// run row; the worker's own late report becomes a replay no-op.
	res := &types.TaskResult{
		RunID:    run.RunID,
		TaskID:   run.TaskID,
		WorkerID: run.WorkerID,
		Status:   types.RuntimeTimeout,
		Error:    string(types.ErrKindResource) + ": run exceeded timeout " + timeout.String(),
		EndTime:  now,
	}
	if _, err := r.store.RecordTerminal(ctx, res, token); err != nil {
		r.logger.Warn().Err(err).Str("run_id", run.RunID).Msg("failed to expire run")
		return false
	}
	r.releaseTask(ctx, run.TaskID)
	r.logger.Warn().Str("run_id", run.RunID).Str("worker_id", run.WorkerID).Msg("run timed out")
	return true
}

// failoverDeadWorker fails runs assigned to a worker with no live
// heartbeat, then offers them to the retry loop.
func (r *Reconciler) failoverDeadWorker(ctx context.Context, run *types.TaskRun, now time.Time, token int64) bool {
	if run.WorkerID == "" || run.RuntimeStatus.Terminal() {
		return false
	}
	if run.DispatchStatus != types.DispatchDispatched && run.DispatchStatus != types.DispatchAcked &&
		run.RuntimeStatus != types.RuntimeRunning {
		return false
	}
	alive, err := r.redis.HeartbeatAlive(ctx, run.WorkerID)
	if err != nil || alive {
		return false
	}
	res := &types.TaskResult{
		RunID:    run.RunID,
		TaskID:   run.TaskID,
		WorkerID: run.WorkerID,
		Status:   types.RuntimeFailed,
		Error:    string(types.ErrKindTransport) + ": worker disconnected",
		EndTime:  now,
	}
	if _, err := r.store.RecordTerminal(ctx, res, token); err != nil {
		r.logger.Warn().Err(err).Str("run_id", run.RunID).Msg("failed to fail over run")
		return false
	}
	if err := r.store.MarkWorkerStatus(ctx, run.WorkerID, types.WorkerOffline, now); err != nil {
		r.logger.Warn().Err(err).Str("worker_id", run.WorkerID).Msg("failed to mark worker offline")
	}
	r.releaseTask(ctx, run.TaskID)
	r.logger.Warn().Str("run_id", run.RunID).Str("worker_id", run.WorkerID).Msg("worker disconnected, run failed over")

	if r.retrier != nil {
		if task, err := r.store.GetTask(ctx, run.TaskID); err == nil {
			r.retrier.Consider(ctx, task, run, res)
		}
	}
	return true
}

func (r *Reconciler) expirePending(ctx context.Context, run *types.TaskRun, now time.Time, token int64) bool {
	if run.DispatchStatus != types.DispatchPending || now.Sub(run.CreatedAt) < r.cfg.PendingZombieAge {
		return false
	}
	if _, err := r.store.ApplyDispatch(ctx, run.RunID, types.DispatchFailed, now, token); err != nil {
		r.logger.Warn().Err(err).Str("run_id", run.RunID).Msg("failed to expire pending run")
		return false
	}
	r.releaseTask(ctx, run.TaskID)
	r.logger.Warn().Str("run_id", run.RunID).Msg("pending run written off")
	return true
}

func (r *Reconciler) releaseTask(ctx context.Context, taskID string) {
	if err := r.redis.Raw().SRem(ctx, r.redis.Keys().InFlightSet(), taskID).Err(); err != nil {
		r.logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to release in-flight claim")
	}
}
