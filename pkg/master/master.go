package master

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/antcode/antcode/pkg/election"
	"github.com/antcode/antcode/pkg/log"
	"github.com/antcode/antcode/pkg/metrics"
	"github.com/antcode/antcode/pkg/redisx"
	"github.com/antcode/antcode/pkg/store"
)

// ErrNotLeader means the operation needs the leader lock this node does not
// hold.
var ErrNotLeader = fmt.Errorf("not the leader")

// Config tunes the master's loops.
type Config struct {
	ScheduleInterval  time.Duration
	ReconcileInterval time.Duration
	RetryInterval     time.Duration
	ResultBlock       time.Duration
	Scheduler         SchedulerConfig
	Reconcile         ReconcileConfig
	Election          election.Config
}

func (c *Config) applyDefaults() {
	if c.ScheduleInterval <= 0 {
		c.ScheduleInterval = 2 * time.Second
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 10 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 2 * time.Second
	}
	if c.ResultBlock <= 0 {
		c.ResultBlock = 5 * time.Second
	}
	if c.Election.LockTTL <= 0 {
		c.Election = election.DefaultConfig()
	}
}

// Master is the control-plane composition root: it competes for the leader
// lock and, while leading, drives scheduling, reconciliation, retries and
// result consumption, stamping every write with the term's fencing token.
type Master struct {
	cfg        Config
	store      store.Store
	redis      *redisx.Client
	elector    *election.Elector
	sched      *Scheduler
	retrier    *Retrier
	reconciler *Reconciler
	results    *ResultConsumer
	logger     zerolog.Logger
}

func New(cfg Config, st store.Store, rc *redisx.Client) *Master {
	cfg.applyDefaults()
	retrier := NewRetrier(st, rc, nil)
	return &Master{
		cfg:        cfg,
		store:      st,
		redis:      rc,
		elector:    election.New(rc, cfg.Election),
		sched:      NewScheduler(cfg.Scheduler, st, rc),
		retrier:    retrier,
		reconciler: NewReconciler(cfg.Reconcile, st, rc, retrier),
		results:    NewResultConsumer(st, rc, retrier),
		logger:     log.WithComponent("master"),
	}
}

// Retrier exposes the retry loop for compensation handler registration.
func (m *Master) Retrier() *Retrier { return m.retrier }

// Run blocks until ctx is done, competing for leadership and leading when
// the lock is won.
func (m *Master) Run(ctx context.Context) error {
	return m.elector.Run(ctx, m.lead)
}

// TriggerRun dispatches a task immediately. Only the leader may trigger.
func (m *Master) TriggerRun(ctx context.Context, taskID, workerID string) error {
	term := m.elector.CurrentTerm()
	if term == nil {
		return ErrNotLeader
	}
	return m.sched.Trigger(ctx, taskID, workerID, 0, term.Token)
}

func (m *Master) lead(ctx context.Context, term *election.Term) {
	metrics.IsLeader.Set(1)
	metrics.FencingToken.Set(float64(term.Token))
	defer metrics.IsLeader.Set(0)
	m.logger.Info().Int64("fencing_token", term.Token).Msg("leading")

	resultDone := make(chan struct{})
	go func() {
		defer close(resultDone)
		for ctx.Err() == nil {
			m.results.Consume(ctx, term.Token, m.cfg.ResultBlock)
		}
	}()

	schedule := time.NewTicker(m.cfg.ScheduleInterval)
	reconcile := time.NewTicker(m.cfg.ReconcileInterval)
	retry := time.NewTicker(m.cfg.RetryInterval)
	defer schedule.Stop()
	defer reconcile.Stop()
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			<-resultDone
			m.logger.Info().Int64("fencing_token", term.Token).Msg("stepped down")
			return
		case <-schedule.C:
			m.sched.RunOnce(ctx, term.Token)
		case <-reconcile.C:
			m.reconciler.RunOnce(ctx, term.Token)
			m.refreshWorkerGauge(ctx)
		case <-retry.C:
			m.retrier.DispatchDue(ctx, m.sched, term.Token)
		}
	}
}

func (m *Master) refreshWorkerGauge(ctx context.Context) {
	workers, err := m.store.OnlineWorkers(ctx)
	if err != nil {
		return
	}
	alive := 0
	for _, w := range workers {
		if ok, err := m.redis.HeartbeatAlive(ctx, w.ID); err == nil && ok {
			alive++
		}
	}
	metrics.WorkersOnline.Set(float64(alive))
}
