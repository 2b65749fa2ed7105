package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "antcode.Gateway"

// GatewayServer is the server side of the worker-facing gateway API.
type GatewayServer interface {
	PollTask(ctx context.Context, req *PollTaskRequest) (*PollTaskResponse, error)
	AckTask(ctx context.Context, req *AckTaskRequest) (*Empty, error)
	ReportResult(ctx context.Context, req *ReportResultRequest) (*Empty, error)
	SendHeartbeat(ctx context.Context, req *SendHeartbeatRequest) (*Empty, error)
	SendLog(ctx context.Context, req *SendLogRequest) (*Empty, error)
	SendLogBatch(ctx context.Context, req *SendLogBatchRequest) (*SendLogBatchResponse, error)
	SendLogChunk(ctx context.Context, req *SendLogChunkRequest) (*SendLogChunkResponse, error)
	PollControl(ctx context.Context, req *PollControlRequest) (*PollControlResponse, error)
	AckControl(ctx context.Context, req *AckControlRequest) (*Empty, error)
	SendControlResult(ctx context.Context, req *SendControlResultRequest) (*Empty, error)
	RegisterWorker(ctx context.Context, req *RegisterWorkerRequest) (*RegisterWorkerResponse, error)
	Health(ctx context.Context, req *HealthRequest) (*HealthResponse, error)
}

// RegisterGatewayServer registers the implementation on a grpc.Server (or
// any service registrar, e.g. an in-process one in tests).
func RegisterGatewayServer(s grpc.ServiceRegistrar, srv GatewayServer) {
	s.RegisterService(&GatewayServiceDesc, srv)
}

func unaryHandler[Req any, Resp any](
	method string,
	call func(srv GatewayServer, ctx context.Context, req *Req) (*Resp, error),
) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(GatewayServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(GatewayServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// GatewayServiceDesc is the hand-built service descriptor; there is no
// .proto file behind this API.
var GatewayServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PollTask", Handler: unaryHandler("PollTask", GatewayServer.PollTask)},
		{MethodName: "AckTask", Handler: unaryHandler("AckTask", GatewayServer.AckTask)},
		{MethodName: "ReportResult", Handler: unaryHandler("ReportResult", GatewayServer.ReportResult)},
		{MethodName: "SendHeartbeat", Handler: unaryHandler("SendHeartbeat", GatewayServer.SendHeartbeat)},
		{MethodName: "SendLog", Handler: unaryHandler("SendLog", GatewayServer.SendLog)},
		{MethodName: "SendLogBatch", Handler: unaryHandler("SendLogBatch", GatewayServer.SendLogBatch)},
		{MethodName: "SendLogChunk", Handler: unaryHandler("SendLogChunk", GatewayServer.SendLogChunk)},
		{MethodName: "PollControl", Handler: unaryHandler("PollControl", GatewayServer.PollControl)},
		{MethodName: "AckControl", Handler: unaryHandler("AckControl", GatewayServer.AckControl)},
		{MethodName: "SendControlResult", Handler: unaryHandler("SendControlResult", GatewayServer.SendControlResult)},
		{MethodName: "RegisterWorker", Handler: unaryHandler("RegisterWorker", GatewayServer.RegisterWorker)},
		{MethodName: "Health", Handler: unaryHandler("Health", GatewayServer.Health)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "antcode/gateway",
}
