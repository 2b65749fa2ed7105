package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/antcode/antcode/pkg/types"
)

// ErrNoPlugin means no registered plugin matched the payload.
var ErrNoPlugin = errors.New("no plugin matches payload")

// ErrInvalidPayload wraps validation issues found by a plugin.
var ErrInvalidPayload = errors.New("payload validation failed")

// Plugin turns a task payload into an executable plan. Match decides
// applicability; Validate reports human-readable issues; BuildPlan resolves
// the command against a prepared runtime and artifact directory.
type Plugin interface {
	Name() string
	Priority() int
	Match(p *types.TaskPayload) bool
	Validate(p *types.TaskPayload) []string
	BuildPlan(ctx context.Context, p *types.TaskPayload, rt *types.RuntimeHandle, workDir string) (*types.ExecPlan, error)
}

// Registry holds plugins ordered by priority; the first match wins.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a plugin, keeping the list sorted by descending priority.
// Registration order breaks priority ties.
func (r *Registry) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = append(r.plugins, p)
	sort.SliceStable(r.plugins, func(i, j int) bool {
		return r.plugins[i].Priority() > r.plugins[j].Priority()
	})
}

// Find returns the highest-priority plugin matching the payload.
func (r *Registry) Find(p *types.TaskPayload) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, pl := range r.plugins {
		if pl.Match(p) {
			return pl, nil
		}
	}
	return nil, fmt.Errorf("%w: project type %q", ErrNoPlugin, p.ProjectType)
}

// Plan validates the payload with the matching plugin and builds its plan.
func (r *Registry) Plan(ctx context.Context, p *types.TaskPayload, rt *types.RuntimeHandle, workDir string) (*types.ExecPlan, error) {
	pl, err := r.Find(p)
	if err != nil {
		return nil, err
	}
	if issues := pl.Validate(p); len(issues) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPayload, strings.Join(issues, "; "))
	}
	return pl.BuildPlan(ctx, p, rt, workDir)
}

const (
	defaultTimeout     = 30 * time.Minute
	defaultGracePeriod = 10 * time.Second
)

var defaultLimits = types.ResourceLimits{
	MaxOutputLines: 10000,
	MaxOutputBytes: 10 << 20,
}

// deniedEnvSubstrings keeps credential-shaped variables out of child
// processes regardless of what the payload carries.
var deniedEnvSubstrings = []string{
	"SECRET", "PASSWORD", "TOKEN", "API_KEY", "CREDENTIAL", "PRIVATE",
}

// FilterEnv drops payload environment keys that look like credentials and
// layers in the standard run variables.
func FilterEnv(p *types.TaskPayload, rt *types.RuntimeHandle) map[string]string {
	env := make(map[string]string, len(p.Environment)+4)
	for k, v := range p.Environment {
		if deniedEnvKey(k) {
			continue
		}
		env[k] = v
	}
	env["ANTCODE_RUN_ID"] = p.RunID
	env["ANTCODE_TASK_ID"] = p.TaskID
	env["ANTCODE_PROJECT_ID"] = p.ProjectID
	if rt != nil {
		env["VIRTUAL_ENV"] = rt.Path
	}
	return env
}

func deniedEnvKey(k string) bool {
	upper := strings.ToUpper(k)
	for _, sub := range deniedEnvSubstrings {
		if strings.Contains(upper, sub) {
			return true
		}
	}
	return false
}

func timeoutOrDefault(p *types.TaskPayload) time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return defaultTimeout
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// artifactGlobs reads the comma-separated artifact pattern parameter.
func artifactGlobs(p *types.TaskPayload) []string {
	raw, ok := p.Params["artifacts"]
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	globs := make([]string, 0, len(parts))
	for _, part := range parts {
		if g := strings.TrimSpace(part); g != "" {
			globs = append(globs, g)
		}
	}
	return globs
}
