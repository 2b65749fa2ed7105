package executor

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/antcode/antcode/pkg/log"
	"github.com/antcode/antcode/pkg/types"
)

// SandboxProvider transforms a plan before execution and returns a cleanup
// hook that runs after the child exits.
type SandboxProvider interface {
	Name() string
	Wrap(plan *types.ExecPlan) (*types.ExecPlan, func(), error)
}

// NoOpSandbox passes plans through untouched.
type NoOpSandbox struct{}

func (NoOpSandbox) Name() string { return "noop" }

func (NoOpSandbox) Wrap(plan *types.ExecPlan) (*types.ExecPlan, func(), error) {
	return plan, func() {}, nil
}

// BasicSandboxConfig tunes the basic sandbox.
type BasicSandboxConfig struct {
	// UseTempWorkDir replaces the plan's working directory with a per-run
	// temporary directory, removed on cleanup.
	UseTempWorkDir bool
	// AllowedEnv is an allowlist of environment keys; empty means allow all
	// that pass the credential filter.
	AllowedEnv []string
	// CommandPrefix wraps the command, e.g. ["firejail", "--quiet"] or
	// ["bwrap", "--unshare-net"].
	CommandPrefix []string
}

// deniedKeySubstrings is the credential filter applied even to allowlisted
// keys.
var deniedKeySubstrings = []string{
	"SECRET", "PASSWORD", "TOKEN", "API_KEY", "CREDENTIAL", "PRIVATE",
}

// BasicSandbox filters environment variables, optionally isolates the
// working directory, and can wrap the command with a host sandbox binary.
type BasicSandbox struct {
	cfg    BasicSandboxConfig
	logger zerolog.Logger
}

func NewBasicSandbox(cfg BasicSandboxConfig) *BasicSandbox {
	return &BasicSandbox{cfg: cfg, logger: log.WithComponent("sandbox")}
}

func (s *BasicSandbox) Name() string { return "basic" }

func (s *BasicSandbox) Wrap(plan *types.ExecPlan) (*types.ExecPlan, func(), error) {
	wrapped := *plan
	wrapped.Env = s.filterEnv(plan.Env)

	cleanup := func() {}
	if s.cfg.UseTempWorkDir {
		dir, err := os.MkdirTemp("", "antcode-run-"+plan.RunID+"-")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create sandbox dir: %w", err)
		}
		wrapped.Env["ANTCODE_PROJECT_DIR"] = plan.WorkDir
		wrapped.WorkDir = dir
		cleanup = func() { os.RemoveAll(dir) }
	}

	if len(s.cfg.CommandPrefix) > 0 {
		prefix := s.cfg.CommandPrefix
		wrapped.Args = append(append(append([]string{}, prefix[1:]...), plan.Command), plan.Args...)
		wrapped.Command = prefix[0]
	}
	return &wrapped, cleanup, nil
}

func (s *BasicSandbox) filterEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		if deniedKey(k) {
			s.logger.Debug().Str("key", k).Msg("refusing credential-shaped env key")
			continue
		}
		if len(s.cfg.AllowedEnv) > 0 && !allowed(k, s.cfg.AllowedEnv) {
			continue
		}
		out[k] = v
	}
	return out
}

func deniedKey(k string) bool {
	upper := strings.ToUpper(k)
	for _, sub := range deniedKeySubstrings {
		if strings.Contains(upper, sub) {
			return true
		}
	}
	return false
}

func allowed(k string, list []string) bool {
	// run-scoped variables always pass
	if strings.HasPrefix(k, "ANTCODE_") {
		return true
	}
	for _, a := range list {
		if k == a {
			return true
		}
	}
	return false
}

// SandboxExecutor wraps an inner executor with a SandboxProvider.
type SandboxExecutor struct {
	inner    Executor
	provider SandboxProvider
}

// NewSandboxExecutor creates a SandboxExecutor. A nil provider behaves as
// NoOpSandbox.
func NewSandboxExecutor(inner Executor, provider SandboxProvider) *SandboxExecutor {
	if provider == nil {
		provider = NoOpSandbox{}
	}
	return &SandboxExecutor{inner: inner, provider: provider}
}

func (s *SandboxExecutor) Run(ctx context.Context, plan *types.ExecPlan, rt *types.RuntimeHandle, sink LogSink) (*types.ExecResult, error) {
	wrapped, cleanup, err := s.provider.Wrap(plan)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare sandbox: %w", err)
	}
	defer cleanup()
	return s.inner.Run(ctx, wrapped, rt, sink)
}

func (s *SandboxExecutor) Cancel(runID string) error { return s.inner.Cancel(runID) }

func (s *SandboxExecutor) Running() []string { return s.inner.Running() }
