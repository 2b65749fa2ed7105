package transport

import (
	"context"
	"time"

	"github.com/antcode/antcode/pkg/types"
)

// Delivered is a polled task with the receipt needed to settle it.
type Delivered struct {
	Task    *types.QueuedTask
	Receipt string
}

// DeliveredControl is a polled control message with its receipt.
type DeliveredControl struct {
	Message *types.ControlMessage
	Receipt string
}

// Transport is the worker engine's view of the control plane. Direct talks
// to Redis; Gateway goes through the gRPC gateway. Blocking calls respect
// both the context and the block duration.
type Transport interface {
	Poll(ctx context.Context, count int, block time.Duration) ([]Delivered, error)
	Ack(ctx context.Context, receipt string, accepted bool, reason string) error
	ReportResult(ctx context.Context, result *types.TaskResult) error
	Heartbeat(ctx context.Context, hb *types.HeartbeatMessage) error
	SendLogBatch(ctx context.Context, entries []*types.LogEntry) error
	// SendLogChunk returns the next offset the backend expects.
	SendLogChunk(ctx context.Context, chunk *types.LogChunk) (int64, error)
	PollControl(ctx context.Context, block time.Duration) ([]DeliveredControl, error)
	AckControl(ctx context.Context, receipt string) error
	SendControlResult(ctx context.Context, requestID, replyStream string, ok bool, data, errMsg string) error
	Close() error
}
