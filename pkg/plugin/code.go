package plugin

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/antcode/antcode/pkg/types"
)

// CodePlugin runs Python projects: an entry-point script from the artifact
// directory, or an inline program carried in the "code" parameter.
type CodePlugin struct{}

func NewCodePlugin() *CodePlugin { return &CodePlugin{} }

func (p *CodePlugin) Name() string  { return "code" }
func (p *CodePlugin) Priority() int { return 10 }

func (p *CodePlugin) Match(payload *types.TaskPayload) bool {
	return payload.ProjectType == types.ProjectTypeCode ||
		payload.ProjectType == types.ProjectTypeFile
}

func (p *CodePlugin) Validate(payload *types.TaskPayload) []string {
	var issues []string
	if payload.EntryPoint == "" && payload.Params["code"] == "" {
		issues = append(issues, "entry point or inline code required")
	}
	if payload.EntryPoint != "" && filepath.IsAbs(payload.EntryPoint) {
		issues = append(issues, fmt.Sprintf("entry point %q must be relative to the project root", payload.EntryPoint))
	}
	return issues
}

func (p *CodePlugin) BuildPlan(ctx context.Context, payload *types.TaskPayload, rt *types.RuntimeHandle, workDir string) (*types.ExecPlan, error) {
	var args []string
	if payload.EntryPoint != "" {
		args = []string{payload.EntryPoint}
	} else {
		args = []string{"-c", payload.Params["code"]}
	}
	for _, k := range sortedKeys(payload.Params) {
		if k == "code" || k == "artifacts" {
			continue
		}
		args = append(args, fmt.Sprintf("--%s=%s", k, payload.Params[k]))
	}

	// system python when the payload carries no runtime spec
	command := "python3"
	if rt != nil {
		command = rt.PythonBin
	}

	return &types.ExecPlan{
		RunID:         payload.RunID,
		Command:       command,
		Args:          args,
		Env:           FilterEnv(payload, rt),
		WorkDir:       workDir,
		Timeout:       timeoutOrDefault(payload),
		GracePeriod:   defaultGracePeriod,
		Limits:        defaultLimits,
		ArtifactGlobs: artifactGlobs(payload),
	}, nil
}
