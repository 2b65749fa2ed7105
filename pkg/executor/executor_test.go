package executor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antcode/antcode/pkg/types"
)

type captureSink struct {
	mu      sync.Mutex
	entries []struct {
		stream  types.LogStream
		content string
	}
}

func (s *captureSink) Emit(stream types.LogStream, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, struct {
		stream  types.LogStream
		content string
	}{stream, content})
}

func (s *captureSink) lines(stream types.LogStream) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.entries {
		if e.stream == stream {
			out = append(out, e.content)
		}
	}
	return out
}

func shellPlan(t *testing.T, script string) *types.ExecPlan {
	t.Helper()
	return &types.ExecPlan{
		RunID:       "r-" + t.Name(),
		Command:     "/bin/sh",
		Args:        []string{"-c", script},
		Env:         map[string]string{"PATH": os.Getenv("PATH")},
		WorkDir:     t.TempDir(),
		Timeout:     10 * time.Second,
		GracePeriod: time.Second,
		Limits:      types.ResourceLimits{MaxOutputLines: 1000, MaxOutputBytes: 1 << 20},
	}
}

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	e := NewProcessExecutor(ProcessConfig{})
	sink := &captureSink{}

	plan := shellPlan(t, "echo out1; echo err1 >&2; echo out2; exit 3")
	res, err := e.Run(context.Background(), plan, nil, sink)
	require.NoError(t, err)

	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, types.RuntimeFailed, res.Status)
	assert.Equal(t, []string{"out1", "out2"}, sink.lines(types.StreamStdout))
	assert.Equal(t, []string{"err1"}, sink.lines(types.StreamStderr))
	assert.False(t, res.EndTime.Before(res.StartTime))
}

func TestRunSuccess(t *testing.T) {
	e := NewProcessExecutor(ProcessConfig{})
	res, err := e.Run(context.Background(), shellPlan(t, "true"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, types.RuntimeSuccess, res.Status)
}

func TestRunEnforcesTimeout(t *testing.T) {
	e := NewProcessExecutor(ProcessConfig{})
	sink := &captureSink{}

	plan := shellPlan(t, "sleep 30")
	plan.Timeout = 200 * time.Millisecond
	plan.GracePeriod = 200 * time.Millisecond

	start := time.Now()
	res, err := e.Run(context.Background(), plan, nil, sink)
	require.NoError(t, err)

	assert.Equal(t, types.RuntimeTimeout, res.Status)
	assert.Less(t, time.Since(start), 5*time.Second)
	require.NotEmpty(t, sink.lines(types.StreamSystem))
	assert.Contains(t, sink.lines(types.StreamSystem)[0], "timeout")
}

func TestCancelTerminatesRun(t *testing.T) {
	e := NewProcessExecutor(ProcessConfig{})
	plan := shellPlan(t, "sleep 30")
	plan.RunID = "r-cancel"

	resCh := make(chan *types.ExecResult, 1)
	go func() {
		res, err := e.Run(context.Background(), plan, nil, nil)
		require.NoError(t, err)
		resCh <- res
	}()

	require.Eventually(t, func() bool {
		return len(e.Running()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, e.Cancel("r-cancel"))

	select {
	case res := <-resCh:
		assert.Equal(t, types.RuntimeCancelled, res.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not terminate after cancel")
	}
	assert.Empty(t, e.Running())
}

func TestCancelUnknownRun(t *testing.T) {
	e := NewProcessExecutor(ProcessConfig{})
	assert.ErrorIs(t, e.Cancel("nope"), ErrRunNotFound)
}

func TestOutputBudgetDropsAndAdvises(t *testing.T) {
	e := NewProcessExecutor(ProcessConfig{})
	sink := &captureSink{}

	plan := shellPlan(t, "for i in 1 2 3 4 5 6; do echo line$i; done")
	plan.Limits.MaxOutputLines = 3

	_, err := e.Run(context.Background(), plan, nil, sink)
	require.NoError(t, err)

	assert.Len(t, sink.lines(types.StreamStdout), 3)
	advisories := sink.lines(types.StreamSystem)
	require.Len(t, advisories, 1)
	assert.Contains(t, advisories[0], "output limit")
}

func TestArtifactCollection(t *testing.T) {
	e := NewProcessExecutor(ProcessConfig{})
	plan := shellPlan(t, "mkdir -p out && echo a > out/a.csv && echo b > out/b.txt")
	plan.ArtifactGlobs = []string{"out/*.csv"}

	res, err := e.Run(context.Background(), plan, nil, nil)
	require.NoError(t, err)
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, filepath.Join(plan.WorkDir, "out", "a.csv"), res.Artifacts[0])
}

func TestBasicSandboxFiltersEnv(t *testing.T) {
	sb := NewBasicSandbox(BasicSandboxConfig{AllowedEnv: []string{"PATH", "MODE"}})
	plan := &types.ExecPlan{
		RunID:   "r-1",
		Command: "/bin/true",
		Env: map[string]string{
			"PATH":           "/bin",
			"MODE":           "batch",
			"HOME":           "/root",
			"AWS_SECRET":     "leak",
			"ANTCODE_RUN_ID": "r-1",
		},
	}
	wrapped, cleanup, err := sb.Wrap(plan)
	require.NoError(t, err)
	defer cleanup()

	assert.Equal(t, "/bin", wrapped.Env["PATH"])
	assert.Equal(t, "r-1", wrapped.Env["ANTCODE_RUN_ID"])
	_, ok := wrapped.Env["HOME"]
	assert.False(t, ok, "keys off the allowlist are removed")
	_, ok = wrapped.Env["AWS_SECRET"]
	assert.False(t, ok, "credential-shaped keys are always removed")
}

func TestBasicSandboxTempWorkDir(t *testing.T) {
	sb := NewBasicSandbox(BasicSandboxConfig{UseTempWorkDir: true})
	project := t.TempDir()
	plan := &types.ExecPlan{RunID: "r-2", Command: "/bin/true", WorkDir: project, Env: map[string]string{}}

	wrapped, cleanup, err := sb.Wrap(plan)
	require.NoError(t, err)
	assert.NotEqual(t, project, wrapped.WorkDir)
	assert.Equal(t, project, wrapped.Env["ANTCODE_PROJECT_DIR"])

	_, statErr := os.Stat(wrapped.WorkDir)
	require.NoError(t, statErr)
	cleanup()
	_, statErr = os.Stat(wrapped.WorkDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestBasicSandboxCommandPrefix(t *testing.T) {
	sb := NewBasicSandbox(BasicSandboxConfig{CommandPrefix: []string{"firejail", "--quiet"}})
	plan := &types.ExecPlan{RunID: "r-3", Command: "/usr/bin/python", Args: []string{"main.py"}, Env: map[string]string{}}

	wrapped, cleanup, err := sb.Wrap(plan)
	require.NoError(t, err)
	defer cleanup()

	assert.Equal(t, "firejail", wrapped.Command)
	assert.Equal(t, []string{"--quiet", "/usr/bin/python", "main.py"}, wrapped.Args)
}

func TestSandboxExecutorRuns(t *testing.T) {
	inner := NewProcessExecutor(ProcessConfig{})
	e := NewSandboxExecutor(inner, NewBasicSandbox(BasicSandboxConfig{UseTempWorkDir: true}))
	sink := &captureSink{}

	plan := shellPlan(t, "pwd")
	project := plan.WorkDir
	res, err := e.Run(context.Background(), plan, nil, sink)
	require.NoError(t, err)
	assert.Equal(t, types.RuntimeSuccess, res.Status)

	out := sink.lines(types.StreamStdout)
	require.Len(t, out, 1)
	assert.NotEqual(t, project, out[0], "sandbox must substitute the working directory")
}
