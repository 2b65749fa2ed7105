package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// GatewayClient is the typed client stub over any client connection.
type GatewayClient struct {
	cc grpc.ClientConnInterface
}

// NewGatewayClient wraps a connection. Callers normally dial with
// grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)); invoke
// adds the option anyway so a bare connection still speaks antjson.
func NewGatewayClient(cc grpc.ClientConnInterface) *GatewayClient {
	return &GatewayClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, c *GatewayClient, method string, req interface{}) (*Resp, error) {
	out := new(Resp)
	err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *GatewayClient) PollTask(ctx context.Context, req *PollTaskRequest) (*PollTaskResponse, error) {
	return invoke[PollTaskResponse](ctx, c, "PollTask", req)
}

func (c *GatewayClient) AckTask(ctx context.Context, req *AckTaskRequest) (*Empty, error) {
	return invoke[Empty](ctx, c, "AckTask", req)
}

func (c *GatewayClient) ReportResult(ctx context.Context, req *ReportResultRequest) (*Empty, error) {
	return invoke[Empty](ctx, c, "ReportResult", req)
}

func (c *GatewayClient) SendHeartbeat(ctx context.Context, req *SendHeartbeatRequest) (*Empty, error) {
	return invoke[Empty](ctx, c, "SendHeartbeat", req)
}

func (c *GatewayClient) SendLog(ctx context.Context, req *SendLogRequest) (*Empty, error) {
	return invoke[Empty](ctx, c, "SendLog", req)
}

func (c *GatewayClient) SendLogBatch(ctx context.Context, req *SendLogBatchRequest) (*SendLogBatchResponse, error) {
	return invoke[SendLogBatchResponse](ctx, c, "SendLogBatch", req)
}

func (c *GatewayClient) SendLogChunk(ctx context.Context, req *SendLogChunkRequest) (*SendLogChunkResponse, error) {
	return invoke[SendLogChunkResponse](ctx, c, "SendLogChunk", req)
}

func (c *GatewayClient) PollControl(ctx context.Context, req *PollControlRequest) (*PollControlResponse, error) {
	return invoke[PollControlResponse](ctx, c, "PollControl", req)
}

func (c *GatewayClient) AckControl(ctx context.Context, req *AckControlRequest) (*Empty, error) {
	return invoke[Empty](ctx, c, "AckControl", req)
}

func (c *GatewayClient) SendControlResult(ctx context.Context, req *SendControlResultRequest) (*Empty, error) {
	return invoke[Empty](ctx, c, "SendControlResult", req)
}

func (c *GatewayClient) RegisterWorker(ctx context.Context, req *RegisterWorkerRequest) (*RegisterWorkerResponse, error) {
	return invoke[RegisterWorkerResponse](ctx, c, "RegisterWorker", req)
}

func (c *GatewayClient) Health(ctx context.Context, req *HealthRequest) (*HealthResponse, error) {
	return invoke[HealthResponse](ctx, c, "Health", req)
}
