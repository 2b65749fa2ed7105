package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/antcode/antcode/pkg/executor"
	"github.com/antcode/antcode/pkg/transport"
	"github.com/antcode/antcode/pkg/types"
)

func (e *Engine) controlLoop(ctx context.Context) {
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		msgs, err := e.tr.PollControl(ctx, e.cfg.ControlBlock)
		if err != nil {
			e.logger.Warn().Err(err).Msg("control poll failed")
			select {
			case <-e.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(e.cfg.ControlBlock):
			}
			continue
		}
		for _, dc := range msgs {
			e.handleControl(ctx, dc)
		}
	}
}

func (e *Engine) handleControl(ctx context.Context, dc transport.DeliveredControl) {
	msg := dc.Message
	var (
		ok     = true
		detail string
		errMsg string
	)
	switch msg.Kind {
	case types.ControlCancel, types.ControlKill:
		detail, errMsg = e.cancelTarget(ctx, msg)
		ok = errMsg == ""
	case types.ControlConfigPush:
		e.mu.Lock()
		for k, v := range msg.Config {
			e.dynCfg[k] = v
		}
		e.mu.Unlock()
		detail = fmt.Sprintf("applied %d settings", len(msg.Config))
	default:
		ok = false
		errMsg = fmt.Sprintf("unknown control kind %q", msg.Kind)
	}

	if msg.ReplyStream != "" {
		if err := e.tr.SendControlResult(ctx, msg.RequestID, msg.ReplyStream, ok, detail, errMsg); err != nil {
			e.logger.Warn().Err(err).Str("request_id", msg.RequestID).Msg("failed to send control reply")
		}
	}
	if err := e.tr.AckControl(ctx, dc.Receipt); err != nil {
		e.logger.Warn().Err(err).Str("request_id", msg.RequestID).Msg("failed to ack control message")
	}
	e.logger.Info().
		Str("kind", string(msg.Kind)).
		Str("target_run", msg.TargetRunID).
		Bool("ok", ok).
		Msg("control message handled")
}

// cancelTarget stops a run wherever it is: a queued run is removed and its
// delivery refused; a live run gets its context cancelled and the child
// process terminated.
func (e *Engine) cancelTarget(ctx context.Context, msg *types.ControlMessage) (detail, errMsg string) {
	if msg.TargetRunID == "" {
		return "", "cancel requires a target run id"
	}
	if it := e.queue.Remove(msg.TargetRunID); it != nil {
		e.nack(ctx, it.delivered.Receipt, "cancelled before start")
		e.state.finish(msg.TargetRunID, types.RuntimeCancelled)
		return "removed from queue", ""
	}
	live := e.state.cancelRun(msg.TargetRunID)
	err := e.exec.Cancel(msg.TargetRunID)
	if err != nil && !errors.Is(err, executor.ErrRunNotFound) {
		return "", fmt.Sprintf("cancel failed: %v", err)
	}
	if !live && errors.Is(err, executor.ErrRunNotFound) {
		return "", fmt.Sprintf("run %s not found", msg.TargetRunID)
	}
	return "terminating", ""
}
