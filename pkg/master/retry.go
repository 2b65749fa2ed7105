package master

import (
	"context"
	"encoding/json"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/antcode/antcode/pkg/log"
	"github.com/antcode/antcode/pkg/metrics"
	"github.com/antcode/antcode/pkg/redisx"
	"github.com/antcode/antcode/pkg/store"
	"github.com/antcode/antcode/pkg/types"
)

// Alerter is notified when a run exhausts its retry budget or fails on a
// non-retryable error.
type Alerter interface {
	Alert(ctx context.Context, task *types.Task, run *types.TaskRun, res *types.TaskResult)
}

// LogAlerter writes exhaustion alerts to the structured log.
type LogAlerter struct {
	Logger zerolog.Logger
}

func (a *LogAlerter) Alert(ctx context.Context, task *types.Task, run *types.TaskRun, res *types.TaskResult) {
	a.Logger.Error().
		Str("task_id", task.ID).
		Str("run_id", run.RunID).
		Int("retry_index", run.RetryIndex).
		Str("error", res.Error).
		Msg("run failed terminally")
}

// CompensationHandler runs project-type specific cleanup after a terminal
// failure: releasing crawl reservations, deleting partial render output.
type CompensationHandler func(ctx context.Context, task *types.Task, run *types.TaskRun, res *types.TaskResult) error

// retryEntry is what sits on the delayed ZSET waiting for its due time.
type retryEntry struct {
	TaskID     string `json:"task_id"`
	WorkerID   string `json:"worker_id,omitempty"`
	RetryIndex int    `json:"retry_index"`
}

// Retrier decides whether a failed run gets another attempt, and when.
type Retrier struct {
	store    store.Store
	redis    *redisx.Client
	alerter  Alerter
	handlers map[types.ProjectType]CompensationHandler
	logger   zerolog.Logger
}

func NewRetrier(st store.Store, rc *redisx.Client, alerter Alerter) *Retrier {
	logger := log.WithComponent("retry")
	if alerter == nil {
		alerter = &LogAlerter{Logger: logger}
	}
	return &Retrier{
		store:    st,
		redis:    rc,
		alerter:  alerter,
		handlers: make(map[types.ProjectType]CompensationHandler),
		logger:   logger,
	}
}

// RegisterHandler installs a compensation handler for one project type.
func (r *Retrier) RegisterHandler(pt types.ProjectType, h CompensationHandler) {
	r.handlers[pt] = h
}

// Consider routes one failed run: retryable failures inside the budget go
// onto the delayed queue, everything else is compensated.
func (r *Retrier) Consider(ctx context.Context, task *types.Task, run *types.TaskRun, res *types.TaskResult) {
	kind := classifyResult(res)
	if !kind.Retryable() || run.RetryIndex >= task.Retry.MaxRetries {
		r.compensate(ctx, task, run, res)
		return
	}

	delay := RetryDelay(task.Retry, run.RetryIndex)
	entry := retryEntry{TaskID: task.ID, RetryIndex: run.RetryIndex + 1}
	raw, err := json.Marshal(entry)
	if err != nil {
		r.logger.Error().Err(err).Str("run_id", run.RunID).Msg("failed to encode retry entry")
		return
	}
	due := float64(time.Now().Add(delay).UnixMilli())
	err = r.redis.Raw().ZAdd(ctx, r.redis.Keys().DelayedRetryZSet(), redis.Z{Score: due, Member: string(raw)}).Err()
	if err != nil {
		r.logger.Error().Err(err).Str("run_id", run.RunID).Msg("failed to queue retry")
		return
	}
	metrics.RunsRetried.WithLabelValues(string(kind)).Inc()
	r.logger.Info().
		Str("task_id", task.ID).
		Str("run_id", run.RunID).
		Int("next_retry_index", run.RetryIndex+1).
		Dur("delay", delay).
		Str("kind", string(kind)).
		Msg("retry scheduled")
}

func (r *Retrier) compensate(ctx context.Context, task *types.Task, run *types.TaskRun, res *types.TaskResult) {
	r.alerter.Alert(ctx, task, run, res)
	if h, ok := r.handlers[task.ProjectType]; ok {
		if err := h(ctx, task, run, res); err != nil {
			r.logger.Warn().Err(err).Str("run_id", run.RunID).Msg("compensation handler failed")
		}
	}
}

// DispatchDue pops every retry entry whose due time has passed and hands it
// back to the scheduler as a trigger.
func (r *Retrier) DispatchDue(ctx context.Context, sched *Scheduler, token int64) {
	key := r.redis.Keys().DelayedRetryZSet()
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := r.redis.Raw().ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to read retry queue")
		return
	}
	for _, m := range members {
		// remove first so two leaders never double-dispatch one entry
		removed, err := r.redis.Raw().ZRem(ctx, key, m).Result()
		if err != nil || removed == 0 {
			continue
		}
		var entry retryEntry
		if err := json.Unmarshal([]byte(m), &entry); err != nil {
			r.logger.Warn().Err(err).Msg("dropping malformed retry entry")
			continue
		}
		if err := sched.Trigger(ctx, entry.TaskID, entry.WorkerID, entry.RetryIndex, token); err != nil {
			r.logger.Error().Err(err).Str("task_id", entry.TaskID).Msg("retry dispatch failed")
		}
	}
}

// RetryDelay computes the wait before attempt retryIndex+1 under the
// policy's backoff family, capped and jittered by up to ten percent.
func RetryDelay(p types.RetryPolicy, retryIndex int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 5 * time.Second
	}
	var d time.Duration
	switch p.Family {
	case types.BackoffFixed:
		d = base
	case types.BackoffLinear:
		d = base * time.Duration(retryIndex+1)
	default:
		d = base << uint(retryIndex)
		if d <= 0 {
			d = p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter {
		spread := float64(d) * 0.1
		d += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	return d
}

// classifyResult maps a terminal result onto an error kind for the retry
// allowlist. Worker-side kinds travel as a prefix on the error string.
func classifyResult(res *types.TaskResult) types.ErrorKind {
	if res.Status == types.RuntimeTimeout {
		return types.ErrKindResource
	}
	for _, kind := range []types.ErrorKind{
		types.ErrKindAuth, types.ErrKindValidation, types.ErrKindIntegrity,
		types.ErrKindTransport, types.ErrKindResource, types.ErrKindBuild,
	} {
		if strings.Contains(res.Error, string(kind)+":") {
			return kind
		}
	}
	return types.ErrKindInternal
}
