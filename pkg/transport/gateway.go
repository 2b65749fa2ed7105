package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/antcode/antcode/pkg/rpc"
	"github.com/antcode/antcode/pkg/types"
)

// GatewayConfig tunes the gRPC transport.
type GatewayConfig struct {
	Address  string
	WorkerID string
	APIKey   string
	// TLS nil means plaintext; a config with client certificates enables
	// the gateway's mTLS layer.
	TLS *tls.Config
	// Queues is forwarded on every poll.
	Queues []string
}

// Gateway reaches the control plane through the gRPC gateway. The
// connection reconnects with exponential backoff on transport failure.
type Gateway struct {
	conn   *grpc.ClientConn
	client *rpc.GatewayClient
	cfg    GatewayConfig
}

// NewGateway dials the gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	creds := insecure.NewCredentials()
	if cfg.TLS != nil {
		creds = credentials.NewTLS(cfg.TLS)
	}
	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rpc.CodecName)),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  time.Second,
				Multiplier: 1.6,
				Jitter:     0.2,
				MaxDelay:   30 * time.Second,
			},
			MinConnectTimeout: 10 * time.Second,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gateway: %w", err)
	}
	return &Gateway{conn: conn, client: rpc.NewGatewayClient(conn), cfg: cfg}, nil
}

// NewGatewayWithConn wraps an existing connection; used by tests with an
// in-process server.
func NewGatewayWithConn(cc grpc.ClientConnInterface, cfg GatewayConfig) *Gateway {
	return &Gateway{client: rpc.NewGatewayClient(cc), cfg: cfg}
}

// authCtx attaches the worker's credential headers.
func (g *Gateway) authCtx(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx,
		"x-api-key", g.cfg.APIKey,
		"x-worker-id", g.cfg.WorkerID,
	)
}

func (g *Gateway) Poll(ctx context.Context, count int, block time.Duration) ([]Delivered, error) {
	resp, err := g.client.PollTask(g.authCtx(ctx), &rpc.PollTaskRequest{
		WorkerID: g.cfg.WorkerID,
		Queues:   g.cfg.Queues,
		Count:    int64(count),
		BlockMs:  block.Milliseconds(),
	})
	if err != nil {
		return nil, err
	}
	out := make([]Delivered, len(resp.Tasks))
	for i, t := range resp.Tasks {
		out[i] = Delivered{Task: t.Task, Receipt: t.Receipt}
	}
	return out, nil
}

func (g *Gateway) Ack(ctx context.Context, receipt string, accepted bool, reason string) error {
	_, err := g.client.AckTask(g.authCtx(ctx), &rpc.AckTaskRequest{
		WorkerID: g.cfg.WorkerID,
		Receipt:  receipt,
		Accepted: accepted,
		Reason:   reason,
	})
	return err
}

func (g *Gateway) ReportResult(ctx context.Context, result *types.TaskResult) error {
	_, err := g.client.ReportResult(g.authCtx(ctx), &rpc.ReportResultRequest{Result: result})
	return err
}

func (g *Gateway) Heartbeat(ctx context.Context, hb *types.HeartbeatMessage) error {
	_, err := g.client.SendHeartbeat(g.authCtx(ctx), &rpc.SendHeartbeatRequest{Heartbeat: hb})
	return err
}

func (g *Gateway) SendLogBatch(ctx context.Context, entries []*types.LogEntry) error {
	_, err := g.client.SendLogBatch(g.authCtx(ctx), &rpc.SendLogBatchRequest{Entries: entries})
	return err
}

func (g *Gateway) SendLogChunk(ctx context.Context, chunk *types.LogChunk) (int64, error) {
	resp, err := g.client.SendLogChunk(g.authCtx(ctx), &rpc.SendLogChunkRequest{Chunk: chunk})
	if err != nil {
		return 0, err
	}
	return resp.NextOffset, nil
}

func (g *Gateway) PollControl(ctx context.Context, block time.Duration) ([]DeliveredControl, error) {
	resp, err := g.client.PollControl(g.authCtx(ctx), &rpc.PollControlRequest{
		WorkerID: g.cfg.WorkerID,
		BlockMs:  block.Milliseconds(),
	})
	if err != nil {
		return nil, err
	}
	out := make([]DeliveredControl, len(resp.Messages))
	for i, m := range resp.Messages {
		out[i] = DeliveredControl{Message: m.Message, Receipt: m.Receipt}
	}
	return out, nil
}

func (g *Gateway) AckControl(ctx context.Context, receipt string) error {
	_, err := g.client.AckControl(g.authCtx(ctx), &rpc.AckControlRequest{
		WorkerID: g.cfg.WorkerID,
		Receipt:  receipt,
	})
	return err
}

func (g *Gateway) SendControlResult(ctx context.Context, requestID, replyStream string, ok bool, data, errMsg string) error {
	_, err := g.client.SendControlResult(g.authCtx(ctx), &rpc.SendControlResultRequest{
		RequestID:   requestID,
		ReplyStream: replyStream,
		OK:          ok,
		Data:        data,
		Error:       errMsg,
	})
	return err
}

// Register performs worker self-registration with an install key. It runs
// before credentials exist, so no auth headers are attached.
func (g *Gateway) Register(ctx context.Context, req *rpc.RegisterWorkerRequest) (*rpc.RegisterWorkerResponse, error) {
	return g.client.RegisterWorker(ctx, req)
}

func (g *Gateway) Close() error {
	if g.conn == nil {
		return nil
	}
	return g.conn.Close()
}
