package master

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/antcode/antcode/pkg/log"
	"github.com/antcode/antcode/pkg/metrics"
	"github.com/antcode/antcode/pkg/redisx"
	"github.com/antcode/antcode/pkg/store"
	"github.com/antcode/antcode/pkg/types"
)

// resultConsumerName is the consumer name on the result stream group.
const resultConsumerName = "master"

// ResultConsumer drains the result stream: terminal statuses are recorded
// under the fencing token (RecordTerminal also advances the task counters),
// the in-flight claim is released, and failures are offered to the retry
// loop.
type ResultConsumer struct {
	store   store.Store
	redis   *redisx.Client
	retrier *Retrier
	logger  zerolog.Logger
}

func NewResultConsumer(st store.Store, rc *redisx.Client, retrier *Retrier) *ResultConsumer {
	return &ResultConsumer{store: st, redis: rc, retrier: retrier, logger: log.WithComponent("results")}
}

// Consume reads one batch and processes it. Returns how many results were
// handled.
func (c *ResultConsumer) Consume(ctx context.Context, token int64, block time.Duration) int {
	results, ids, err := c.redis.ReadResults(ctx, resultConsumerName, 64, block)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn().Err(err).Msg("failed to read results")
		}
		return 0
	}
	for _, res := range results {
		c.handle(ctx, res, token)
	}
	if len(ids) > 0 {
		if err := c.redis.AckResults(ctx, ids); err != nil {
			c.logger.Warn().Err(err).Msg("failed to ack results")
		}
	}
	return len(results)
}

func (c *ResultConsumer) handle(ctx context.Context, res *types.TaskResult, token int64) {
	applied, err := c.store.RecordTerminal(ctx, res, token)
	if err != nil {
		if errors.Is(err, store.ErrStaleToken) {
			c.logger.Error().Int64("token", token).Str("run_id", res.RunID).
				Msg("terminal write refused, token superseded")
			return
		}
		c.logger.Error().Err(err).Str("run_id", res.RunID).Msg("failed to record result")
		return
	}
	if !applied {
		// replayed delivery; the first one already landed
		return
	}
	metrics.RunsByStatus.WithLabelValues(string(res.Status)).Inc()

	if err := c.redis.Raw().SRem(ctx, c.redis.Keys().InFlightSet(), res.TaskID).Err(); err != nil {
		c.logger.Warn().Err(err).Str("task_id", res.TaskID).Msg("failed to release in-flight claim")
	}

	if res.Status == types.RuntimeFailed || res.Status == types.RuntimeTimeout {
		task, err := c.store.GetTask(ctx, res.TaskID)
		if err != nil {
			c.logger.Warn().Err(err).Str("task_id", res.TaskID).Msg("result for unknown task")
			return
		}
		run, err := c.store.GetRun(ctx, res.RunID)
		if err != nil {
			c.logger.Warn().Err(err).Str("run_id", res.RunID).Msg("failed run has no record")
			return
		}
		c.retrier.Consider(ctx, task, run, res)
	}

	c.logger.Info().
		Str("run_id", res.RunID).
		Str("status", string(res.Status)).
		Int("exit_code", res.ExitCode).
		Msg("result recorded")
}
