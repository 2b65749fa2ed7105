package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/antcode/antcode/pkg/config"
	"github.com/antcode/antcode/pkg/log"
	"github.com/antcode/antcode/pkg/logstore"
	"github.com/antcode/antcode/pkg/metrics"
	"github.com/antcode/antcode/pkg/redisx"
	"github.com/antcode/antcode/pkg/store"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var envFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "antcode",
	Short: "AntCode - distributed task execution platform",
	Long: `AntCode schedules and executes Python workloads across a fleet of
workers: a leader-elected master dispatches runs over Redis streams, a
gRPC gateway fronts workers outside the trust boundary, and worker nodes
build content-addressed runtimes and stream logs on dual channels.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"AntCode version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "env file to load before ANTCODE_* variables")

	rootCmd.AddCommand(masterCmd)
	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(keyCmd)
}

// loadConfig reads configuration and initializes logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: true, Output: os.Stderr})
	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.DatabaseURL != "" {
		return store.OpenSQL(cfg.DatabaseURL)
	}
	log.Warn("no database_url configured, using in-memory store")
	return store.NewMemoryStore(), nil
}

func openRedis(cfg *config.Config) (*redisx.Client, error) {
	return redisx.New(cfg.RedisURL, cfg.RedisNamespace)
}

func openLogBackend(ctx context.Context, cfg *config.Config) (logstore.Backend, error) {
	switch cfg.LogBackend {
	case "s3":
		return logstore.NewS3(ctx, logstore.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   "logs",
		})
	default:
		return logstore.NewLocal(cfg.DataDir + "/logs")
	}
}

// serveMetrics exposes the Prometheus handler when an address is set.
func serveMetrics(addr string) {
	if addr == "" {
		return
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Errorf("metrics listener failed: %v", err)
		}
	}()
}
