package plugin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antcode/antcode/pkg/queue"
	"github.com/antcode/antcode/pkg/types"
)

func testRuntime() *types.RuntimeHandle {
	return &types.RuntimeHandle{
		Hash:      "abc",
		Path:      "/venvs/abc",
		PythonBin: "/venvs/abc/bin/python",
	}
}

func codePayload() *types.TaskPayload {
	return &types.TaskPayload{
		RunID:       "r-1",
		TaskID:      "t-1",
		ProjectID:   "p-1",
		ProjectType: types.ProjectTypeCode,
		EntryPoint:  "main.py",
		Timeout:     time.Minute,
		Environment: map[string]string{
			"MODE":       "batch",
			"API_KEY":    "leak",
			"DB_SECRET":  "leak",
			"PASSWORDS":  "leak",
			"SAFE_VALUE": "ok",
		},
	}
}

func TestRegistryPriorityAndOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(NewCodePlugin())
	r.Register(NewRulePlugin(queue.NewMemoryQueue(3), queue.NewMemoryDedup(), queue.NewMemoryProgress()))
	r.Register(NewRenderPlugin())

	pl, err := r.Find(&types.TaskPayload{ProjectType: types.ProjectTypeRule})
	require.NoError(t, err)
	assert.Equal(t, "rule", pl.Name())

	pl, err = r.Find(&types.TaskPayload{ProjectType: types.ProjectTypeFile})
	require.NoError(t, err)
	assert.Equal(t, "code", pl.Name())

	_, err = r.Find(&types.TaskPayload{ProjectType: "unknown"})
	assert.ErrorIs(t, err, ErrNoPlugin)
}

func TestRegistryPlanRejectsInvalidPayload(t *testing.T) {
	r := NewRegistry()
	r.Register(NewCodePlugin())

	p := codePayload()
	p.EntryPoint = ""
	_, err := r.Plan(context.Background(), p, testRuntime(), "/work")
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestCodePluginPlan(t *testing.T) {
	p := codePayload()
	p.Params = map[string]string{"batch": "7", "artifacts": "out/*.csv, report.html"}

	plan, err := NewCodePlugin().BuildPlan(context.Background(), p, testRuntime(), "/work")
	require.NoError(t, err)

	assert.Equal(t, "/venvs/abc/bin/python", plan.Command)
	assert.Equal(t, []string{"main.py", "--batch=7"}, plan.Args)
	assert.Equal(t, "/work", plan.WorkDir)
	assert.Equal(t, time.Minute, plan.Timeout)
	assert.Equal(t, []string{"out/*.csv", "report.html"}, plan.ArtifactGlobs)
}

func TestCodePluginInlineCode(t *testing.T) {
	p := codePayload()
	p.EntryPoint = ""
	p.Params = map[string]string{"code": "print('hi')"}

	require.Empty(t, NewCodePlugin().Validate(p))
	plan, err := NewCodePlugin().BuildPlan(context.Background(), p, testRuntime(), "/work")
	require.NoError(t, err)
	assert.Equal(t, []string{"-c", "print('hi')"}, plan.Args)
}

func TestCodePluginValidate(t *testing.T) {
	p := codePayload()
	p.EntryPoint = "/etc/passwd"
	issues := NewCodePlugin().Validate(p)
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0], "relative")
}

func TestFilterEnvDropsCredentials(t *testing.T) {
	env := FilterEnv(codePayload(), testRuntime())

	assert.Equal(t, "batch", env["MODE"])
	assert.Equal(t, "ok", env["SAFE_VALUE"])
	assert.Equal(t, "r-1", env["ANTCODE_RUN_ID"])
	assert.Equal(t, "/venvs/abc", env["VIRTUAL_ENV"])

	for _, k := range []string{"API_KEY", "DB_SECRET", "PASSWORDS"} {
		_, ok := env[k]
		assert.False(t, ok, k)
	}
}

func TestRulePluginSeedsBatch(t *testing.T) {
	q := queue.NewMemoryQueue(3)
	d := queue.NewMemoryDedup()
	pr := queue.NewMemoryProgress()
	pl := NewRulePlugin(q, d, pr)

	p := &types.TaskPayload{
		RunID:       "r-2",
		ProjectID:   "p-2",
		ProjectType: types.ProjectTypeRule,
		EntryPoint:  "crawler.py",
		Priority:    10,
		Params: map[string]string{
			"seed_urls": "https://a.example/, https://b.example/\nhttps://a.example/",
			"batch_id":  "b-1",
		},
	}
	require.Empty(t, pl.Validate(p))

	plan, err := pl.BuildPlan(context.Background(), p, testRuntime(), "/work")
	require.NoError(t, err)
	assert.Equal(t, "b-1", plan.Env["ANTCODE_BATCH_ID"])
	assert.Contains(t, plan.Args, "--batch-id")

	// the duplicate seed was filtered through dedup
	stats, err := q.Stats(context.Background(), "p-2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Ready[types.PriorityHigh])

	counters, err := pr.Increment(context.Background(), "p-2", "b-1", map[string]int64{"seeded": 0, "dup_seed": 0})
	require.NoError(t, err)
	assert.Equal(t, int64(2), counters["seeded"])
	assert.Equal(t, int64(1), counters["dup_seed"])

	workers, err := pr.ActiveWorkers(context.Background(), "p-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"r-2"}, workers)
}

func TestRulePluginValidate(t *testing.T) {
	pl := NewRulePlugin(queue.NewMemoryQueue(3), queue.NewMemoryDedup(), queue.NewMemoryProgress())
	issues := pl.Validate(&types.TaskPayload{ProjectType: types.ProjectTypeRule})
	assert.Len(t, issues, 2)
}

func TestRenderPluginPlan(t *testing.T) {
	p := &types.TaskPayload{
		RunID:       "r-3",
		ProjectType: types.ProjectTypeRender,
		EntryPoint:  "render.py",
		Params:      map[string]string{"url": "https://x.example/"},
	}
	pl := NewRenderPlugin()
	require.Empty(t, pl.Validate(p))

	plan, err := pl.BuildPlan(context.Background(), p, testRuntime(), "/work")
	require.NoError(t, err)
	assert.Equal(t, []string{"render.py", "--url", "https://x.example/", "--format", "pdf", "--output", "render.pdf"}, plan.Args)
	assert.Equal(t, []string{"render.pdf"}, plan.ArtifactGlobs)
}

func TestRenderPluginPlanWithoutRuntime(t *testing.T) {
	p := &types.TaskPayload{
		RunID:       "r-3",
		ProjectType: types.ProjectTypeRender,
		EntryPoint:  "render.py",
		Params:      map[string]string{"url": "https://x.example/"},
	}
	plan, err := NewRenderPlugin().BuildPlan(context.Background(), p, nil, "/work")
	require.NoError(t, err)
	assert.Equal(t, "python3", plan.Command)
}

func TestRenderPluginRejectsUnknownFormat(t *testing.T) {
	issues := NewRenderPlugin().Validate(&types.TaskPayload{
		ProjectType: types.ProjectTypeRender,
		EntryPoint:  "render.py",
		Params:      map[string]string{"url": "https://x.example/", "format": "docx"},
	})
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0], "docx")
}
