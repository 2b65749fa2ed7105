package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/antcode/antcode/pkg/artifact"
	"github.com/antcode/antcode/pkg/events"
	"github.com/antcode/antcode/pkg/executor"
	"github.com/antcode/antcode/pkg/identity"
	"github.com/antcode/antcode/pkg/log"
	"github.com/antcode/antcode/pkg/logstream"
	"github.com/antcode/antcode/pkg/metrics"
	"github.com/antcode/antcode/pkg/plugin"
	"github.com/antcode/antcode/pkg/runtime"
	"github.com/antcode/antcode/pkg/transport"
	"github.com/antcode/antcode/pkg/types"
)

// Config tunes the worker engine.
type Config struct {
	WorkerID string
	// Secret verifies task dispatch signatures.
	Secret string
	// DataDir is where disk metrics are sampled from.
	DataDir           string
	MaxConcurrent     int64
	PollInterval      time.Duration
	PollBlock         time.Duration
	PollBatch         int
	QueueCapacity     int
	HeartbeatInterval time.Duration
	ControlBlock      time.Duration
	// ShutdownGrace is how long Stop waits for live runs before cancelling
	// them.
	ShutdownGrace time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.PollBlock <= 0 {
		c.PollBlock = 5 * time.Second
	}
	if c.PollBatch <= 0 {
		c.PollBatch = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 16
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.ControlBlock <= 0 {
		c.ControlBlock = 5 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.DataDir == "" {
		c.DataDir = "."
	}
}

// Engine drives one worker node: it polls the transport for work, runs each
// task through the fetch/prepare/plan/execute pipeline, and settles every
// delivery exactly once. Results are reported only after the durable log
// trail is acknowledged; the receipt is acked after the result.
type Engine struct {
	cfg      Config
	tr       transport.Transport
	fetcher  *artifact.Fetcher
	index    *artifact.Index
	runtimes *runtime.Manager
	plugins  *plugin.Registry
	exec     executor.Executor
	broker   *events.Broker
	batcher  *logstream.Batcher

	queue  *taskQueue
	state  *stateManager
	sem    *semaphore.Weighted
	wakeCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
	logger zerolog.Logger

	mu       sync.Mutex
	draining bool
	dynCfg   map[string]string
}

// New assembles an Engine. The transport, fetcher, runtime manager, plugin
// registry and executor are owned by the caller; the engine owns its log
// batcher and event broker.
func New(cfg Config, tr transport.Transport, fetcher *artifact.Fetcher, index *artifact.Index,
	runtimes *runtime.Manager, plugins *plugin.Registry, exec executor.Executor) *Engine {
	cfg.applyDefaults()
	broker := events.NewBroker()
	return &Engine{
		cfg:      cfg,
		tr:       tr,
		fetcher:  fetcher,
		index:    index,
		runtimes: runtimes,
		plugins:  plugins,
		exec:     exec,
		broker:   broker,
		batcher:  logstream.NewBatcher(tr, logstream.DefaultBatcherConfig()),
		queue:    newTaskQueue(cfg.QueueCapacity),
		state:    newStateManager(broker),
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		wakeCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		dynCfg:   make(map[string]string),
		logger:   log.WithComponent("worker").With().Str("worker_id", cfg.WorkerID).Logger(),
	}
}

// Events exposes the engine's broker for observers.
func (e *Engine) Events() *events.Broker { return e.broker }

// Start launches the poll, dispatch, control and heartbeat loops.
func (e *Engine) Start(ctx context.Context) {
	e.broker.Start()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.batcher.Run(ctx)
	}()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.observeEvents()
	}()
	for _, loop := range []func(context.Context){e.pollLoop, e.dispatchLoop, e.controlLoop, e.heartbeatLoop} {
		e.wg.Add(1)
		go func(f func(context.Context)) {
			defer e.wg.Done()
			f(ctx)
		}(loop)
	}
	e.logger.Info().Int64("max_concurrent", e.cfg.MaxConcurrent).Msg("worker engine started")
}

// Stop drains: queued deliveries are refused back to the broker, live runs
// get the shutdown grace, then a cancel. Blocks until all loops exit.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	e.draining = true
	e.mu.Unlock()
	close(e.stopCh)

	for _, it := range e.queue.Drain() {
		if err := e.tr.Ack(ctx, it.delivered.Receipt, false, "worker shutting down"); err != nil {
			e.logger.Warn().Err(err).Str("run_id", it.payload.RunID).Msg("failed to return queued task")
		}
	}
	metrics.TasksQueuedLocal.Set(0)

	deadline := time.After(e.cfg.ShutdownGrace)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for e.state.count() > 0 {
		select {
		case <-deadline:
			for _, id := range e.state.runningIDs() {
				e.state.cancelRun(id)
			}
			e.logger.Warn().Int("runs", e.state.count()).Msg("shutdown grace expired, cancelling runs")
			// one more grace for the cancels to land; run goroutines must
			// not touch the sink or transport past this point
			done := make(chan struct{})
			go func() {
				e.wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				e.logger.Error().Msg("runs still live after cancel, abandoning")
			}
			e.batcher.Stop()
			e.broker.Stop()
			return
		case <-tick.C:
		}
	}
	e.batcher.Stop()
	e.broker.Stop()
	e.wg.Wait()
	e.logger.Info().Msg("worker engine stopped")
}

func (e *Engine) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pollOnce(ctx)
		}
	}
}

func (e *Engine) pollOnce(ctx context.Context) {
	want := int(e.cfg.MaxConcurrent) - e.state.count() - e.queue.Len()
	if want <= 0 {
		return
	}
	if want > e.cfg.PollBatch {
		want = e.cfg.PollBatch
	}
	deliveries, err := e.tr.Poll(ctx, want, e.cfg.PollBlock)
	if err != nil {
		e.logger.Warn().Err(err).Msg("poll failed")
		return
	}
	for _, d := range deliveries {
		e.admit(ctx, d)
	}
	metrics.TasksQueuedLocal.Set(float64(e.queue.Len()))
}

// admit validates a delivery and places it on the local queue, refusing it
// back to the broker when it cannot be held.
func (e *Engine) admit(ctx context.Context, d transport.Delivered) {
	var payload types.TaskPayload
	if err := json.Unmarshal(d.Task.Payload, &payload); err != nil {
		e.nack(ctx, d.Receipt, "malformed payload")
		return
	}
	if payload.RunID == "" || payload.TaskID == "" {
		e.nack(ctx, d.Receipt, "payload missing run or task id")
		return
	}
	if err := identity.VerifyTaskSignature(e.cfg.Secret, payload.TaskID, payload.Signature, time.Now(), e.nonces()); err != nil {
		e.logger.Warn().Err(err).Str("task_id", payload.TaskID).Msg("dispatch signature rejected")
		e.nack(ctx, d.Receipt, fmt.Sprintf("signature: %v", err))
		return
	}
	if err := e.queue.Push(d, &payload); err != nil {
		e.nack(ctx, d.Receipt, "worker queue full")
		return
	}
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

func (e *Engine) nonces() identity.NonceCache {
	if e.index == nil {
		return nil
	}
	return nonceCache{e.index}
}

// nonceCache adapts the artifact index's nonce table to the identity
// package's replay cache.
type nonceCache struct{ idx *artifact.Index }

func (c nonceCache) Seen(nonce string, expiresAt time.Time) (bool, error) {
	return c.idx.SeenNonce(nonce, expiresAt)
}

func (e *Engine) nack(ctx context.Context, receipt, reason string) {
	if err := e.tr.Ack(ctx, receipt, false, reason); err != nil {
		e.logger.Warn().Err(err).Str("reason", reason).Msg("failed to refuse delivery")
	}
}

func (e *Engine) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-e.wakeCh:
		}
		for {
			if !e.sem.TryAcquire(1) {
				break
			}
			it := e.queue.Pop()
			if it == nil {
				e.sem.Release(1)
				break
			}
			metrics.TasksQueuedLocal.Set(float64(e.queue.Len()))
			e.wg.Add(1)
			go func(it *queuedItem) {
				defer e.wg.Done()
				defer e.sem.Release(1)
				e.runTask(ctx, it)
			}(it)
		}
	}
}

// runTask drives one attempt through the pipeline. Every path either
// refuses the delivery or reports a terminal result and acks the receipt.
func (e *Engine) runTask(ctx context.Context, it *queuedItem) {
	p := it.payload
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.state.track(p.RunID, p.TaskID, cancel)

	start := time.Now().UTC()
	result := &types.TaskResult{
		RunID:     p.RunID,
		TaskID:    p.TaskID,
		WorkerID:  e.cfg.WorkerID,
		StartTime: start,
	}

	e.state.setPhase(p.RunID, PhasePreparing)

	workDir, err := e.fetcher.Fetch(runCtx, p)
	if err != nil {
		e.settleFailure(ctx, it, result, fmt.Errorf("failed to fetch artifact: %w", err))
		return
	}

	var rt *types.RuntimeHandle
	if p.Runtime != nil {
		rt, err = e.runtimes.Prepare(runCtx, p.Runtime)
		if err != nil {
			e.settleFailure(ctx, it, result, fmt.Errorf("failed to prepare runtime: %w", err))
			return
		}
		defer rt.Release()
	}

	plan, err := e.plugins.Plan(runCtx, p, rt, workDir)
	if err != nil {
		e.settleFailure(ctx, it, result, fmt.Errorf("failed to plan execution: %w", err))
		return
	}

	e.state.setPhase(p.RunID, PhaseRunning)
	sink := newRunSink(ctx, p.RunID, e.batcher, e.tr, e.logger)

	execResult, err := e.exec.Run(runCtx, plan, rt, sink)
	if err != nil {
		e.settleFailure(ctx, it, result, fmt.Errorf("failed to execute: %w", err))
		return
	}

	result.Status = execResult.Status
	result.ExitCode = execResult.ExitCode
	result.Error = execResult.Error
	result.StartTime = execResult.StartTime
	result.EndTime = execResult.EndTime
	result.Artifacts = execResult.Artifacts
	e.settle(ctx, it, result, sink)
}

func (e *Engine) settleFailure(ctx context.Context, it *queuedItem, result *types.TaskResult, err error) {
	e.logger.Error().Err(err).Str("run_id", result.RunID).Msg("run failed before execution")
	result.Status = types.RuntimeFailed
	result.Error = err.Error()
	result.EndTime = time.Now().UTC()
	e.settle(ctx, it, result, nil)
}

// settle finalizes the durable log trail, reports the result, and acks the
// receipt, in that order. The ordering is what makes a result trustworthy:
// by the time the master sees it, the full log is stored.
func (e *Engine) settle(ctx context.Context, it *queuedItem, result *types.TaskResult, sink *runSink) {
	if sink != nil {
		if err := sink.finalize(ctx); err != nil {
			e.logger.Warn().Err(err).Str("run_id", result.RunID).Msg("failed to finalize log archive")
		}
	}
	if err := e.tr.ReportResult(ctx, result); err != nil {
		e.logger.Error().Err(err).Str("run_id", result.RunID).Msg("failed to report result")
	}
	if err := e.tr.Ack(ctx, it.delivered.Receipt, true, ""); err != nil {
		e.logger.Warn().Err(err).Str("run_id", result.RunID).Msg("failed to ack delivery")
	}
	e.state.finish(result.RunID, result.Status)
	e.logger.Info().
		Str("run_id", result.RunID).
		Str("status", string(result.Status)).
		Int("exit_code", result.ExitCode).
		Msg("run settled")

	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

// observeEvents consumes the engine's own lifecycle feed: every run event
// lands in the metrics series and the structured log, so the feed always
// has at least one subscriber.
func (e *Engine) observeEvents() {
	sub := e.broker.Subscribe()
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			metrics.RunEvents.WithLabelValues(string(ev.Type)).Inc()
			e.logger.Debug().
				Str("event", string(ev.Type)).
				Str("run_id", ev.Metadata["run_id"]).
				Str("task_id", ev.Metadata["task_id"]).
				Msg("run event")
		case <-e.stopCh:
			e.broker.Unsubscribe(sub)
			return
		}
	}
}

func (e *Engine) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sendHeartbeat(ctx)
		}
	}
}

func (e *Engine) sendHeartbeat(ctx context.Context) {
	e.mu.Lock()
	draining := e.draining
	e.mu.Unlock()
	status := types.WorkerOnline
	if draining {
		status = types.WorkerMaintenance
	}
	hb := &types.HeartbeatMessage{
		WorkerID:    e.cfg.WorkerID,
		Status:      status,
		Metrics:     collectMetrics(e.cfg.DataDir, e.state.count(), e.queue.Len()),
		RunningRuns: e.state.runningIDs(),
		Timestamp:   time.Now().UTC(),
	}
	if err := e.tr.Heartbeat(ctx, hb); err != nil {
		e.logger.Warn().Err(err).Msg("heartbeat failed")
		return
	}
	metrics.HeartbeatsSent.Inc()
}
