package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/antcode/antcode/pkg/logstore"
	"github.com/antcode/antcode/pkg/redisx"
	"github.com/antcode/antcode/pkg/types"
)

// DirectConfig tunes the Redis-backed transport.
type DirectConfig struct {
	WorkerID string
	// Queues lists the ready streams to poll; empty means the worker's own
	// stream only.
	Queues       []string
	HeartbeatTTL time.Duration
	LogMaxLen    int64
	LogTTL       time.Duration
}

// Direct talks to the control plane over Redis, the same path the master
// uses. The durable log channel lands in the log-storage backend directly.
type Direct struct {
	client  *redisx.Client
	backend logstore.Backend
	cfg     DirectConfig
}

// NewDirect creates a Direct transport. backend may be nil when the worker
// has no durable log store; chunks then go to the per-run Redis chunk
// stream.
func NewDirect(client *redisx.Client, backend logstore.Backend, cfg DirectConfig) *Direct {
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = 30 * time.Second
	}
	if cfg.LogMaxLen <= 0 {
		cfg.LogMaxLen = 10000
	}
	if cfg.LogTTL <= 0 {
		cfg.LogTTL = 24 * time.Hour
	}
	return &Direct{client: client, backend: backend, cfg: cfg}
}

func (d *Direct) Poll(ctx context.Context, count int, block time.Duration) ([]Delivered, error) {
	polled, err := d.client.PollTasks(ctx, d.cfg.WorkerID, d.cfg.Queues, int64(count), block)
	if err != nil {
		return nil, err
	}
	out := make([]Delivered, len(polled))
	for i, p := range polled {
		out[i] = Delivered{Task: p.Task, Receipt: p.Receipt}
	}
	return out, nil
}

func (d *Direct) Ack(ctx context.Context, receipt string, accepted bool, reason string) error {
	return d.client.AckTask(ctx, receipt, accepted, reason)
}

func (d *Direct) ReportResult(ctx context.Context, result *types.TaskResult) error {
	return d.client.ReportResult(ctx, result)
}

func (d *Direct) Heartbeat(ctx context.Context, hb *types.HeartbeatMessage) error {
	return d.client.SetHeartbeat(ctx, hb, d.cfg.HeartbeatTTL)
}

func (d *Direct) SendLogBatch(ctx context.Context, entries []*types.LogEntry) error {
	return d.client.AppendLogEntries(ctx, entries, d.cfg.LogMaxLen, d.cfg.LogTTL)
}

func (d *Direct) SendLogChunk(ctx context.Context, chunk *types.LogChunk) (int64, error) {
	if d.backend != nil {
		next, err := d.backend.WriteChunk(ctx, chunk)
		if err != nil {
			return 0, err
		}
		if chunk.IsFinal {
			if err := d.backend.FinalizeChunks(ctx, chunk.RunID, chunk.Type, chunk.TotalSize, chunk.Checksum); err != nil {
				return 0, err
			}
		}
		return next, nil
	}

	// no durable store wired: spool on the per-run chunk stream
	stream := d.client.Keys().LogChunkStream(chunk.RunID)
	err := d.client.Raw().XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: d.cfg.LogMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":     string(chunk.Type),
			"offset":   chunk.Offset,
			"data":     chunk.Data,
			"is_final": chunk.IsFinal,
			"checksum": chunk.Checksum,
		},
	}).Err()
	if err != nil {
		return 0, fmt.Errorf("failed to append log chunk: %w", err)
	}
	return chunk.Offset + int64(len(chunk.Data)), nil
}

func (d *Direct) PollControl(ctx context.Context, block time.Duration) ([]DeliveredControl, error) {
	polled, err := d.client.PollControl(ctx, d.cfg.WorkerID, block)
	if err != nil {
		return nil, err
	}
	out := make([]DeliveredControl, len(polled))
	for i, p := range polled {
		out[i] = DeliveredControl{Message: p.Message, Receipt: p.Receipt}
	}
	return out, nil
}

func (d *Direct) AckControl(ctx context.Context, receipt string) error {
	return d.client.AckControl(ctx, receipt)
}

func (d *Direct) SendControlResult(ctx context.Context, requestID, replyStream string, ok bool, data, errMsg string) error {
	return d.client.SendControlResult(ctx, requestID, replyStream, ok, data, errMsg)
}

func (d *Direct) Close() error { return d.client.Close() }
