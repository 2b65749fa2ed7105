package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/antcode/antcode/pkg/artifact"
	"github.com/antcode/antcode/pkg/config"
	"github.com/antcode/antcode/pkg/executor"
	"github.com/antcode/antcode/pkg/log"
	"github.com/antcode/antcode/pkg/plugin"
	"github.com/antcode/antcode/pkg/queue"
	"github.com/antcode/antcode/pkg/redisx"
	"github.com/antcode/antcode/pkg/runtime"
	"github.com/antcode/antcode/pkg/transport"
	"github.com/antcode/antcode/pkg/worker"
)

var (
	workerGatewayAddr string
	workerSandbox     bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker node",
	Long: `Run a worker node. Workers poll for dispatched tasks over the
configured transport (direct Redis or the gRPC gateway), build
content-addressed Python runtimes, execute plans through the plugin
matching the project type, and stream logs on the live and durable
channels.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerGatewayAddr, "gateway-addr", "", "gateway address for gateway transport mode")
	workerCmd.Flags().BoolVar(&workerSandbox, "sandbox", false, "wrap execution in the basic sandbox")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.WorkerID == "" {
		return fmt.Errorf("worker_id is required")
	}

	ctx, stop := signalContext()
	defer stop()

	tr, rc, err := openTransport(ctx, cfg)
	if err != nil {
		return err
	}
	defer tr.Close()
	if rc != nil {
		defer rc.Close()
	}

	index, err := artifact.OpenIndex(filepath.Join(cfg.DataDir, "artifacts.db"), 0)
	if err != nil {
		return err
	}
	defer index.Close()
	fetcher := artifact.NewFetcher(index, filepath.Join(cfg.DataDir, "artifacts"))

	runtimes, err := runtime.NewManager(runtime.Config{
		Root: filepath.Join(cfg.DataDir, "runtimes"),
	})
	if err != nil {
		return err
	}
	go runtimes.RunGC(ctx)
	defer runtimes.Stop()

	registry, err := buildRegistry(cfg, rc)
	if err != nil {
		return err
	}

	var exec executor.Executor = executor.NewProcessExecutor(executor.ProcessConfig{
		MaxConcurrent: int64(cfg.MaxConcurrent),
	})
	if workerSandbox {
		exec = executor.NewSandboxExecutor(exec, executor.NewBasicSandbox(executor.BasicSandboxConfig{
			UseTempWorkDir: true,
		}))
	}

	eng := worker.New(worker.Config{
		WorkerID:          cfg.WorkerID,
		Secret:            cfg.Secret,
		DataDir:           cfg.DataDir,
		MaxConcurrent:     int64(cfg.MaxConcurrent),
		PollBatch:         cfg.PollBatchSize,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, tr, fetcher, index, runtimes, registry, exec)

	log.Info("worker starting")
	eng.Start(ctx)
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	eng.Stop(shutdownCtx)
	log.Info("worker stopped")
	return nil
}

// openTransport builds the configured transport. Direct mode also returns
// the Redis client so the rule plugin can share it.
func openTransport(ctx context.Context, cfg *config.Config) (transport.Transport, *redisx.Client, error) {
	switch cfg.TransportMode {
	case "gateway":
		addr := workerGatewayAddr
		if addr == "" {
			addr = cfg.GatewayAddr()
		}
		tr, err := transport.NewGateway(transport.GatewayConfig{
			Address:  addr,
			WorkerID: cfg.WorkerID,
			APIKey:   cfg.APIKey,
			Queues:   cfg.Queues,
		})
		return tr, nil, err
	default:
		rc, err := openRedis(cfg)
		if err != nil {
			return nil, nil, err
		}
		backend, err := openLogBackend(ctx, cfg)
		if err != nil {
			rc.Close()
			return nil, nil, err
		}
		tr := transport.NewDirect(rc, backend, transport.DirectConfig{
			WorkerID:     cfg.WorkerID,
			Queues:       cfg.Queues,
			HeartbeatTTL: cfg.HeartbeatTimeout,
			LogMaxLen:    cfg.LogStreamMaxLen,
			LogTTL:       cfg.LogStreamTTL,
		})
		return tr, rc, nil
	}
}

// buildRegistry wires the plugin set. The rule plugin needs crawl-queue
// backends; in gateway mode (no shared Redis) it falls back to in-memory
// ones.
func buildRegistry(cfg *config.Config, rc *redisx.Client) (*plugin.Registry, error) {
	registry := plugin.NewRegistry()
	registry.Register(plugin.NewCodePlugin())
	registry.Register(plugin.NewRenderPlugin())

	var (
		crawl    queue.CrawlQueue
		dedup    queue.DedupStore
		progress queue.ProgressStore
	)
	if rc != nil && cfg.CrawlBackend == "redis" {
		crawl = queue.NewRedisQueue(rc, 0)
	} else {
		crawl = queue.NewMemoryQueue(0)
	}
	if rc != nil && cfg.DedupBackend == "redis" {
		dedup = queue.NewRedisDedup(rc)
	} else {
		dedup = queue.NewMemoryDedup()
	}
	if rc != nil && cfg.ProgressBackend == "redis" {
		progress = queue.NewRedisProgress(rc)
	} else {
		progress = queue.NewMemoryProgress()
	}
	registry.Register(plugin.NewRulePlugin(crawl, dedup, progress))
	return registry, nil
}
