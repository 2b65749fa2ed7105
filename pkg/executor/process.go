package executor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/antcode/antcode/pkg/log"
	"github.com/antcode/antcode/pkg/metrics"
	"github.com/antcode/antcode/pkg/types"
)

// ProcessConfig tunes the process executor.
type ProcessConfig struct {
	// MaxConcurrent caps simultaneous child processes. Zero means 5.
	MaxConcurrent int64
}

type liveRun struct {
	cmd       *exec.Cmd
	grace     time.Duration
	cancelled bool
	done      chan struct{}
}

// ProcessExecutor spawns plan commands as child processes, streams their
// output through the sink, enforces timeouts with SIGTERM then SIGKILL, and
// collects artifacts on exit.
type ProcessExecutor struct {
	sem    *semaphore.Weighted
	logger zerolog.Logger

	mu   sync.Mutex
	runs map[string]*liveRun
}

// NewProcessExecutor creates a ProcessExecutor.
func NewProcessExecutor(cfg ProcessConfig) *ProcessExecutor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	return &ProcessExecutor{
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
		logger: log.WithComponent("executor"),
		runs:   make(map[string]*liveRun),
	}
}

// Run executes the plan and blocks until the child exits, the timeout
// fires, or the run is cancelled.
func (e *ProcessExecutor) Run(ctx context.Context, plan *types.ExecPlan, rt *types.RuntimeHandle, sink LogSink) (*types.ExecResult, error) {
	if sink == nil {
		sink = DiscardSink
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire execution slot: %w", err)
	}
	defer e.sem.Release(1)

	cmd := exec.Command(plan.Command, plan.Args...)
	cmd.Dir = plan.WorkDir
	cmd.Env = flattenEnv(plan.Env)
	// own process group so termination reaches grandchildren
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	start := time.Now().UTC()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	run := &liveRun{cmd: cmd, grace: plan.GracePeriod, done: make(chan struct{})}
	e.mu.Lock()
	e.runs[plan.RunID] = run
	e.mu.Unlock()
	metrics.TasksExecuting.Inc()
	defer func() {
		close(run.done)
		e.mu.Lock()
		delete(e.runs, plan.RunID)
		e.mu.Unlock()
		metrics.TasksExecuting.Dec()
	}()

	budget := newOutputBudget(plan.Limits, sink)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); scanStream(stdout, types.StreamStdout, budget) }()
	go func() { defer wg.Done(); scanStream(stderr, types.StreamStderr, budget) }()

	timeout := plan.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	waitErr := make(chan error, 1)
	go func() {
		wg.Wait()
		waitErr <- cmd.Wait()
	}()

	res := &types.ExecResult{StartTime: start}
	var exitErr error
	select {
	case exitErr = <-waitErr:
		res.Status = types.RuntimeSuccess
	case <-timer.C:
		sink.Emit(types.StreamSystem, fmt.Sprintf("run exceeded timeout of %s", timeout))
		e.terminate(run)
		exitErr = <-waitErr
		res.Status = types.RuntimeTimeout
	case <-ctx.Done():
		e.terminate(run)
		exitErr = <-waitErr
		res.Status = types.RuntimeCancelled
	}

	res.EndTime = time.Now().UTC()
	res.ExitCode = exitCode(cmd, exitErr)

	e.mu.Lock()
	cancelled := run.cancelled
	e.mu.Unlock()
	if cancelled {
		res.Status = types.RuntimeCancelled
	}
	if res.Status == types.RuntimeSuccess && res.ExitCode != 0 {
		res.Status = types.RuntimeFailed
	}
	if exitErr != nil && res.Status != types.RuntimeTimeout && res.Status != types.RuntimeCancelled {
		res.Error = exitErr.Error()
	}

	res.Artifacts = collectArtifacts(plan.WorkDir, plan.ArtifactGlobs)

	e.logger.Debug().Str("run_id", plan.RunID).Int("exit_code", res.ExitCode).
		Str("status", string(res.Status)).Msg("process exited")
	return res, nil
}

// Cancel requests termination of a live run: SIGTERM, then SIGKILL after
// the plan's grace period.
func (e *ProcessExecutor) Cancel(runID string) error {
	e.mu.Lock()
	run, ok := e.runs[runID]
	if ok {
		run.cancelled = true
	}
	e.mu.Unlock()
	if !ok {
		return ErrRunNotFound
	}
	go e.terminate(run)
	return nil
}

// Running lists run IDs with live processes.
func (e *ProcessExecutor) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *ProcessExecutor) terminate(run *liveRun) {
	if run.cmd.Process == nil {
		return
	}
	pgid := -run.cmd.Process.Pid
	syscall.Kill(pgid, syscall.SIGTERM)

	grace := run.grace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	select {
	case <-run.done:
	case <-time.After(grace):
		syscall.Kill(pgid, syscall.SIGKILL)
	}
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for _, k := range sortedEnvKeys(env) {
		out = append(out, k+"="+env[k])
	}
	return out
}

func sortedEnvKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func collectArtifacts(workDir string, globs []string) []string {
	var out []string
	for _, g := range globs {
		matches, err := filepath.Glob(filepath.Join(workDir, g))
		if err != nil {
			continue
		}
		out = append(out, matches...)
	}
	sort.Strings(out)
	return out
}

// outputBudget bounds captured output across both streams. Past the limit
// lines are dropped and a single advisory entry is emitted.
type outputBudget struct {
	mu      sync.Mutex
	sink    LogSink
	limits  types.ResourceLimits
	lines   int
	bytes   int64
	advised bool
}

func newOutputBudget(limits types.ResourceLimits, sink LogSink) *outputBudget {
	return &outputBudget{sink: sink, limits: limits}
}

func (b *outputBudget) emit(stream types.LogStream, content string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines++
	b.bytes += int64(len(content))
	overLines := b.limits.MaxOutputLines > 0 && b.lines > b.limits.MaxOutputLines
	overBytes := b.limits.MaxOutputBytes > 0 && b.bytes > b.limits.MaxOutputBytes
	if overLines || overBytes {
		if !b.advised {
			b.advised = true
			b.sink.Emit(types.StreamSystem, "output limit reached; further lines dropped")
		}
		return
	}
	b.sink.Emit(stream, content)
}

func scanStream(r io.Reader, stream types.LogStream, budget *outputBudget) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		budget.emit(stream, sc.Text())
	}
}
