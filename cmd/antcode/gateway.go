package main

import (
	"github.com/spf13/cobra"

	"github.com/antcode/antcode/pkg/gateway"
	"github.com/antcode/antcode/pkg/log"
)

var gatewayMetricsAddr string

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the worker-facing gRPC gateway",
	RunE:  runGateway,
}

func init() {
	gatewayCmd.Flags().StringVar(&gatewayMetricsAddr, "metrics-addr", ":9434", "Prometheus listen address (empty disables)")
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	rc, err := openRedis(cfg)
	if err != nil {
		return err
	}
	defer rc.Close()

	ctx, stop := signalContext()
	defer stop()

	backend, err := openLogBackend(ctx, cfg)
	if err != nil {
		return err
	}

	serveMetrics(gatewayMetricsAddr)

	srv := gateway.New(gateway.Config{
		Addr:         cfg.GatewayAddr(),
		TLSCertFile:  cfg.TLSCertFile,
		TLSKeyFile:   cfg.TLSKeyFile,
		ClientCAFile: cfg.TLSCAFile,
		JWTSecret:    []byte(cfg.JWTSecret),
		HeartbeatTTL: cfg.HeartbeatTimeout,
		LogMaxLen:    cfg.LogStreamMaxLen,
		LogTTL:       cfg.LogStreamTTL,
	}, st, rc, backend)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	log.Info("gateway starting")

	select {
	case <-ctx.Done():
		srv.Stop()
		<-errCh
		log.Info("gateway stopped")
		return nil
	case err := <-errCh:
		return err
	}
}
