package plugin

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/antcode/antcode/pkg/log"
	"github.com/antcode/antcode/pkg/queue"
	"github.com/antcode/antcode/pkg/types"
)

const (
	defaultDedupCapacity  = 100000
	defaultDedupErrorRate = 0.01
	crawlWorkerTTL        = 90 * time.Second
)

// RulePlugin drives rule-configured crawl jobs. Before launching the crawler
// process it seeds the crawl queue with the payload's seed URLs (deduplicated
// through the fingerprint store) and initializes batch progress, so the
// crawler finds its work queue primed.
type RulePlugin struct {
	queue    queue.CrawlQueue
	dedup    queue.DedupStore
	progress queue.ProgressStore
	logger   zerolog.Logger
}

func NewRulePlugin(q queue.CrawlQueue, d queue.DedupStore, pr queue.ProgressStore) *RulePlugin {
	return &RulePlugin{
		queue:    q,
		dedup:    d,
		progress: pr,
		logger:   log.WithComponent("plugin.rule"),
	}
}

func (p *RulePlugin) Name() string  { return "rule" }
func (p *RulePlugin) Priority() int { return 20 }

func (p *RulePlugin) Match(payload *types.TaskPayload) bool {
	return payload.ProjectType == types.ProjectTypeRule
}

func (p *RulePlugin) Validate(payload *types.TaskPayload) []string {
	var issues []string
	if payload.EntryPoint == "" {
		issues = append(issues, "crawler entry point required")
	}
	if len(seedURLs(payload)) == 0 {
		issues = append(issues, "at least one seed URL required")
	}
	if raw, ok := payload.Params["dedup_capacity"]; ok {
		if _, err := strconv.ParseInt(raw, 10, 64); err != nil {
			issues = append(issues, fmt.Sprintf("invalid dedup_capacity %q", raw))
		}
	}
	return issues
}

func (p *RulePlugin) BuildPlan(ctx context.Context, payload *types.TaskPayload, rt *types.RuntimeHandle, workDir string) (*types.ExecPlan, error) {
	batchID := payload.Params["batch_id"]
	if batchID == "" {
		batchID = payload.RunID
	}

	if err := p.seed(ctx, payload, batchID); err != nil {
		return nil, fmt.Errorf("failed to seed crawl batch: %w", err)
	}

	env := FilterEnv(payload, rt)
	env["ANTCODE_BATCH_ID"] = batchID

	args := []string{payload.EntryPoint, "--batch-id", batchID}
	if rule, ok := payload.Params["rule_config"]; ok {
		args = append(args, "--rule-config", rule)
	}

	return &types.ExecPlan{
		RunID:         payload.RunID,
		Command:       rt.PythonBin,
		Args:          args,
		Env:           env,
		WorkDir:       workDir,
		Timeout:       timeoutOrDefault(payload),
		GracePeriod:   defaultGracePeriod,
		Limits:        defaultLimits,
		ArtifactGlobs: artifactGlobs(payload),
	}, nil
}

// seed primes dedup, queue and progress for the batch. Already-seen URLs are
// skipped; the enqueue count lands in the progress counters.
func (p *RulePlugin) seed(ctx context.Context, payload *types.TaskPayload, batchID string) error {
	capacity := int64(defaultDedupCapacity)
	if raw, ok := payload.Params["dedup_capacity"]; ok {
		capacity, _ = strconv.ParseInt(raw, 10, 64)
	}
	if err := p.dedup.EnsureStore(ctx, payload.ProjectID, capacity, defaultDedupErrorRate); err != nil {
		return err
	}

	urls := seedURLs(payload)
	fps := make([]string, len(urls))
	for i, u := range urls {
		fps[i] = queue.Fingerprint(u)
	}
	fresh, err := p.dedup.AddMany(ctx, payload.ProjectID, fps)
	if err != nil {
		return err
	}

	var tasks []*queue.CrawlTask
	for i, u := range urls {
		if !fresh[i] {
			continue
		}
		tasks = append(tasks, &queue.CrawlTask{
			ID:    uuid.New().String(),
			URL:   u,
			Depth: 0,
			Meta:  map[string]string{"batch_id": batchID},
		})
	}
	if len(tasks) > 0 {
		band := types.BandForPriority(payload.Priority)
		if _, err := p.queue.Enqueue(ctx, payload.ProjectID, tasks, band); err != nil {
			return err
		}
	}

	if _, err := p.progress.Increment(ctx, payload.ProjectID, batchID, map[string]int64{
		"seeded":   int64(len(tasks)),
		"dup_seed": int64(len(urls) - len(tasks)),
	}); err != nil {
		return err
	}
	if err := p.progress.RegisterWorker(ctx, payload.ProjectID, payload.RunID, crawlWorkerTTL); err != nil {
		return err
	}

	p.logger.Info().Str("project_id", payload.ProjectID).Str("batch_id", batchID).
		Int("seeded", len(tasks)).Int("duplicates", len(urls)-len(tasks)).
		Msg("crawl batch seeded")
	return nil
}

func seedURLs(payload *types.TaskPayload) []string {
	raw := payload.Params["seed_urls"]
	var urls []string
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == '\n' }) {
		if u := strings.TrimSpace(part); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}
