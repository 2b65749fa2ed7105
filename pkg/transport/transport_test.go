package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"

	"github.com/antcode/antcode/pkg/logstore"
	"github.com/antcode/antcode/pkg/redisx"
	"github.com/antcode/antcode/pkg/rpc"
	"github.com/antcode/antcode/pkg/types"
)

func newDirect(t *testing.T) (*Direct, *redisx.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := redisx.NewFromClient(rdb, "antcode")
	local, err := logstore.NewLocal(t.TempDir())
	require.NoError(t, err)
	return NewDirect(client, local, DirectConfig{WorkerID: "w-1"}), client
}

func TestDirectPollAckRoundTrip(t *testing.T) {
	d, client := newDirect(t)
	ctx := context.Background()

	qt := &types.QueuedTask{
		TaskID:    "t-1",
		ProjectID: "p-1",
		Band:      types.PriorityNormal,
		Payload:   []byte(`{"run_id":"r-1"}`),
	}
	_, err := client.EnqueueTask(ctx, client.Keys().ReadyStream("w-1"), qt, 1000)
	require.NoError(t, err)

	got, err := d.Poll(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t-1", got[0].Task.TaskID)

	require.NoError(t, d.Ack(ctx, got[0].Receipt, true, ""))

	got, err = d.Poll(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDirectHeartbeat(t *testing.T) {
	d, client := newDirect(t)
	ctx := context.Background()

	require.NoError(t, d.Heartbeat(ctx, &types.HeartbeatMessage{
		WorkerID:  "w-1",
		Status:    types.WorkerOnline,
		Timestamp: time.Now().UTC(),
	}))

	alive, err := client.HeartbeatAlive(ctx, "w-1")
	require.NoError(t, err)
	assert.True(t, alive)
}

func TestDirectLogChunkThroughBackend(t *testing.T) {
	d, _ := newDirect(t)
	ctx := context.Background()

	next, err := d.SendLogChunk(ctx, &types.LogChunk{
		RunID: "r-1", Type: types.StreamStdout, Data: []byte("hello "), Offset: 0,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(6), next)

	next, err = d.SendLogChunk(ctx, &types.LogChunk{
		RunID: "r-1", Type: types.StreamStdout, Data: []byte("world"), Offset: 6,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(11), next)
}

// recordingServer implements the gateway API for client tests.
type recordingServer struct {
	lastMD metadata.MD
	tasks  []rpc.DeliveredTask
}

func (s *recordingServer) capture(ctx context.Context) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		s.lastMD = md
	}
}

func (s *recordingServer) PollTask(ctx context.Context, req *rpc.PollTaskRequest) (*rpc.PollTaskResponse, error) {
	s.capture(ctx)
	return &rpc.PollTaskResponse{Tasks: s.tasks}, nil
}

func (s *recordingServer) AckTask(ctx context.Context, req *rpc.AckTaskRequest) (*rpc.Empty, error) {
	s.capture(ctx)
	return &rpc.Empty{}, nil
}

func (s *recordingServer) ReportResult(ctx context.Context, req *rpc.ReportResultRequest) (*rpc.Empty, error) {
	s.capture(ctx)
	return &rpc.Empty{}, nil
}

func (s *recordingServer) SendHeartbeat(ctx context.Context, req *rpc.SendHeartbeatRequest) (*rpc.Empty, error) {
	s.capture(ctx)
	return &rpc.Empty{}, nil
}

func (s *recordingServer) SendLog(ctx context.Context, req *rpc.SendLogRequest) (*rpc.Empty, error) {
	return &rpc.Empty{}, nil
}

func (s *recordingServer) SendLogBatch(ctx context.Context, req *rpc.SendLogBatchRequest) (*rpc.SendLogBatchResponse, error) {
	return &rpc.SendLogBatchResponse{Accepted: len(req.Entries)}, nil
}

func (s *recordingServer) SendLogChunk(ctx context.Context, req *rpc.SendLogChunkRequest) (*rpc.SendLogChunkResponse, error) {
	return &rpc.SendLogChunkResponse{NextOffset: req.Chunk.Offset + int64(len(req.Chunk.Data))}, nil
}

func (s *recordingServer) PollControl(ctx context.Context, req *rpc.PollControlRequest) (*rpc.PollControlResponse, error) {
	return &rpc.PollControlResponse{}, nil
}

func (s *recordingServer) AckControl(ctx context.Context, req *rpc.AckControlRequest) (*rpc.Empty, error) {
	return &rpc.Empty{}, nil
}

func (s *recordingServer) SendControlResult(ctx context.Context, req *rpc.SendControlResultRequest) (*rpc.Empty, error) {
	return &rpc.Empty{}, nil
}

func (s *recordingServer) RegisterWorker(ctx context.Context, req *rpc.RegisterWorkerRequest) (*rpc.RegisterWorkerResponse, error) {
	return &rpc.RegisterWorkerResponse{WorkerID: req.WorkerID, APIKey: "ak-x", Secret: "s"}, nil
}

func (s *recordingServer) Health(ctx context.Context, req *rpc.HealthRequest) (*rpc.HealthResponse, error) {
	return &rpc.HealthResponse{Status: "ok"}, nil
}

func newGatewayPair(t *testing.T, srv rpc.GatewayServer) *Gateway {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	rpc.RegisterGatewayServer(gs, srv)
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rpc.CodecName)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return NewGatewayWithConn(conn, GatewayConfig{WorkerID: "w-1", APIKey: "ak-1"})
}

func TestGatewayPollCarriesAuthMetadata(t *testing.T) {
	srv := &recordingServer{tasks: []rpc.DeliveredTask{{
		Task:    &types.QueuedTask{TaskID: "t-9"},
		Receipt: "stream|1-0",
	}}}
	g := newGatewayPair(t, srv)

	got, err := g.Poll(context.Background(), 5, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t-9", got[0].Task.TaskID)
	assert.Equal(t, "stream|1-0", got[0].Receipt)

	assert.Equal(t, []string{"ak-1"}, srv.lastMD.Get("x-api-key"))
	assert.Equal(t, []string{"w-1"}, srv.lastMD.Get("x-worker-id"))
}

func TestGatewayLogChunkAck(t *testing.T) {
	g := newGatewayPair(t, &recordingServer{})

	next, err := g.SendLogChunk(context.Background(), &types.LogChunk{
		RunID: "r-1", Type: types.StreamStdout, Data: []byte("abcd"), Offset: 8,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(12), next)
}

func TestGatewayResultAndHeartbeat(t *testing.T) {
	srv := &recordingServer{}
	g := newGatewayPair(t, srv)
	ctx := context.Background()

	require.NoError(t, g.ReportResult(ctx, &types.TaskResult{RunID: "r-1", Status: types.RuntimeSuccess}))
	require.NoError(t, g.Heartbeat(ctx, &types.HeartbeatMessage{WorkerID: "w-1"}))
	require.NoError(t, g.SendLogBatch(ctx, []*types.LogEntry{{RunID: "r-1", Content: "x"}}))
}
