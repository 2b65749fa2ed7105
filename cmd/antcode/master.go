package main

import (
	"github.com/spf13/cobra"

	"github.com/antcode/antcode/pkg/election"
	"github.com/antcode/antcode/pkg/log"
	"github.com/antcode/antcode/pkg/master"
)

var masterMetricsAddr string

var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "Run a master node",
	Long: `Run a master node. Masters compete for the Redis leader lock; the
winner schedules due tasks, reconciles stuck runs, drives retries and
consumes results until it loses the lock or shuts down.`,
	RunE: runMaster,
}

func init() {
	masterCmd.Flags().StringVar(&masterMetricsAddr, "metrics-addr", ":9433", "Prometheus listen address (empty disables)")
}

func runMaster(cmd *cobra.Command, args []string) error {
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

	serveMetrics(masterMetricsAddr)

	electionCfg := election.DefaultConfig()
	if cfg.LeaderLockTTL > 0 {
		electionCfg.LockTTL = cfg.LeaderLockTTL
		electionCfg.RenewInterval = cfg.LeaderLockTTL / 3
	}
	m := master.New(master.Config{
		ScheduleInterval:  cfg.ScheduleInterval,
		ReconcileInterval: cfg.ReconcileInterval,
		Election:          electionCfg,
	}, st, rc)

	ctx, stop := signalContext()
	defer stop()
	log.Info("master starting")
	if err := m.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("master stopped")
	return nil
}
