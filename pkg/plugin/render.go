package plugin

import (
	"context"
	"fmt"

	"github.com/antcode/antcode/pkg/types"
)

var renderFormats = map[string]bool{
	"pdf": true, "png": true, "html": true, "jpeg": true,
}

// RenderPlugin builds commands for page-render jobs: the entry script drives
// a headless browser against the target URL and writes the rendered output.
type RenderPlugin struct{}

func NewRenderPlugin() *RenderPlugin { return &RenderPlugin{} }

func (p *RenderPlugin) Name() string  { return "render" }
func (p *RenderPlugin) Priority() int { return 20 }

func (p *RenderPlugin) Match(payload *types.TaskPayload) bool {
	return payload.ProjectType == types.ProjectTypeRender
}

func (p *RenderPlugin) Validate(payload *types.TaskPayload) []string {
	var issues []string
	if payload.EntryPoint == "" {
		issues = append(issues, "render entry point required")
	}
	if payload.Params["url"] == "" {
		issues = append(issues, "url parameter required")
	}
	if f, ok := payload.Params["format"]; ok && !renderFormats[f] {
		issues = append(issues, fmt.Sprintf("unsupported render format %q", f))
	}
	return issues
}

func (p *RenderPlugin) BuildPlan(ctx context.Context, payload *types.TaskPayload, rt *types.RuntimeHandle, workDir string) (*types.ExecPlan, error) {
	format := payload.Params["format"]
	if format == "" {
		format = "pdf"
	}
	output := payload.Params["output"]
	if output == "" {
		output = "render." + format
	}

	args := []string{
		payload.EntryPoint,
		"--url", payload.Params["url"],
		"--format", format,
		"--output", output,
	}

	globs := artifactGlobs(payload)
	if len(globs) == 0 {
		globs = []string{output}
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
		ArtifactGlobs: globs,
	}, nil
}
