package gateway

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/antcode/antcode/pkg/identity"
	"github.com/antcode/antcode/pkg/logstore"
	"github.com/antcode/antcode/pkg/redisx"
	"github.com/antcode/antcode/pkg/rpc"
	"github.com/antcode/antcode/pkg/store"
	"github.com/antcode/antcode/pkg/types"
)

type fixture struct {
	server *Server
	client *rpc.GatewayClient
	store  store.Store
	redis  *redisx.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rc := redisx.NewFromClient(rdb, "antcode")
	st := store.NewMemoryStore()
	local, err := logstore.NewLocal(t.TempDir())
	require.NoError(t, err)

	srv := New(Config{JWTSecret: []byte("test-secret"), BlockCeiling: 100 * time.Millisecond}, st, rc, local)

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(metricsInterceptor, srv.authInterceptor))
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

	return &fixture{server: srv, client: rpc.NewGatewayClient(conn), store: st, redis: rc}
}

func (f *fixture) registerWorker(t *testing.T, id, apiKey string) {
	t.Helper()
	require.NoError(t, f.store.CreateWorker(context.Background(), &types.Worker{
		ID: id, APIKey: apiKey, Secret: "s", Status: types.WorkerOnline,
	}))
}

func authedCtx(workerID, apiKey string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(),
		"x-api-key", apiKey, "x-worker-id", workerID)
}

func TestUnauthenticatedRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.client.PollTask(context.Background(), &rpc.PollTaskRequest{WorkerID: "w-1"})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestAPIKeyAuthAndPoll(t *testing.T) {
	f := newFixture(t)
	f.registerWorker(t, "w-1", "ak-good")
	ctx := authedCtx("w-1", "ak-good")

	qt := &types.QueuedTask{TaskID: "t-1", Band: types.PriorityNormal, Payload: []byte(`{}`)}
	_, err := f.redis.EnqueueTask(context.Background(), f.redis.Keys().ReadyStream("w-1"), qt, 100)
	require.NoError(t, err)

	resp, err := f.client.PollTask(ctx, &rpc.PollTaskRequest{WorkerID: "w-1", Count: 5})
	require.NoError(t, err)
	require.Len(t, resp.Tasks, 1)
	assert.Equal(t, "t-1", resp.Tasks[0].Task.TaskID)

	_, err = f.client.AckTask(ctx, &rpc.AckTaskRequest{
		WorkerID: "w-1", Receipt: resp.Tasks[0].Receipt, Accepted: true,
	})
	require.NoError(t, err)
}

func TestWrongAPIKeyRejected(t *testing.T) {
	f := newFixture(t)
	f.registerWorker(t, "w-1", "ak-good")

	_, err := f.client.PollTask(authedCtx("w-1", "ak-bad"), &rpc.PollTaskRequest{WorkerID: "w-1"})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestWorkerIdentityMismatch(t *testing.T) {
	f := newFixture(t)
	f.registerWorker(t, "w-1", "ak-good")

	_, err := f.client.PollTask(authedCtx("w-1", "ak-good"), &rpc.PollTaskRequest{WorkerID: "w-2"})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestJWTAuth(t *testing.T) {
	f := newFixture(t)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "w-jwt",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	})
	signed, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	ctx := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+signed)
	_, err = f.client.PollTask(ctx, &rpc.PollTaskRequest{WorkerID: "w-jwt"})
	require.NoError(t, err)

	// wrong key fails
	bad, err := tok.SignedString([]byte("other"))
	require.NoError(t, err)
	ctx = metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+bad)
	_, err = f.client.PollTask(ctx, &rpc.PollTaskRequest{WorkerID: "w-jwt"})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestHealthIsOpen(t *testing.T) {
	f := newFixture(t)
	resp, err := f.client.Health(context.Background(), &rpc.HealthRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
}

func TestRegisterWorkerConsumesKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key, err := identity.NewInstallKey("linux", "", time.Hour)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateInstallKey(ctx, key))

	now := time.Now().UTC()
	req := &rpc.RegisterWorkerRequest{
		InstallKey: key.Key,
		WorkerID:   "w-new",
		Name:       "node-1",
		Hostname:   "host-1",
		OS:         "linux",
		Nonce:      "n-1",
		Timestamp:  now.Unix(),
		Proof:      identity.RegistrationProof(key.Key, "n-1", now),
	}
	resp, err := f.client.RegisterWorker(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "w-new", resp.WorkerID)
	assert.NotEmpty(t, resp.APIKey)
	assert.NotEmpty(t, resp.Secret)

	w, err := f.store.GetWorker(ctx, "w-new")
	require.NoError(t, err)
	assert.Equal(t, resp.APIKey, w.APIKey)

	// the key is one-time
	req.WorkerID = "w-other"
	_, err = f.client.RegisterWorker(ctx, req)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestRegisterWorkerRejectsBadProof(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key, err := identity.NewInstallKey("", "", time.Hour)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateInstallKey(ctx, key))

	_, err = f.client.RegisterWorker(ctx, &rpc.RegisterWorkerRequest{
		InstallKey: key.Key,
		WorkerID:   "w-x",
		Nonce:      "n-1",
		Timestamp:  time.Now().Unix(),
		Proof:      "forged",
	})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestRegisterWorkerRejectsOSMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key, err := identity.NewInstallKey("windows", "", time.Hour)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateInstallKey(ctx, key))

	now := time.Now().UTC()
	_, err = f.client.RegisterWorker(ctx, &rpc.RegisterWorkerRequest{
		InstallKey: key.Key,
		WorkerID:   "w-x",
		OS:         "linux",
		Nonce:      "n-1",
		Timestamp:  now.Unix(),
		Proof:      identity.RegistrationProof(key.Key, "n-1", now),
	})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestSendLogChunkFinalizes(t *testing.T) {
	f := newFixture(t)
	f.registerWorker(t, "w-1", "ak-good")
	ctx := authedCtx("w-1", "ak-good")

	data := []byte("line one\nline two\n")
	resp, err := f.client.SendLogChunk(ctx, &rpc.SendLogChunkRequest{Chunk: &types.LogChunk{
		RunID: "r-1", Type: types.StreamStdout, Data: data, Offset: 0,
	}})
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), resp.NextOffset)
}

func TestResultRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.registerWorker(t, "w-1", "ak-good")
	ctx := authedCtx("w-1", "ak-good")

	_, err := f.client.ReportResult(ctx, &rpc.ReportResultRequest{Result: &types.TaskResult{
		RunID: "r-1", TaskID: "t-1", WorkerID: "w-1", Status: types.RuntimeSuccess,
	}})
	require.NoError(t, err)

	results, ids, err := f.redis.ReadResults(context.Background(), "master", 10, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "r-1", results[0].RunID)
	require.NoError(t, f.redis.AckResults(context.Background(), ids))
}
