package gateway

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"

	"github.com/antcode/antcode/pkg/log"
	"github.com/antcode/antcode/pkg/logstore"
	"github.com/antcode/antcode/pkg/metrics"
	"github.com/antcode/antcode/pkg/redisx"
	"github.com/antcode/antcode/pkg/rpc"
	"github.com/antcode/antcode/pkg/store"
	"github.com/antcode/antcode/pkg/types"
)

// Config tunes the gateway server.
type Config struct {
	Addr string
	// TLSCertFile/TLSKeyFile enable TLS; ClientCAFile additionally requests
	// client certificates for the mTLS auth layer.
	TLSCertFile  string
	TLSKeyFile   string
	ClientCAFile string
	JWTSecret    []byte
	// BlockCeiling bounds client-requested block times.
	BlockCeiling time.Duration
	HeartbeatTTL time.Duration
	LogMaxLen    int64
	LogTTL       time.Duration
}

// Server fans worker RPCs out to Redis and the log store. Every RPC is
// bounded: client block times are clamped to the configured ceiling.
type Server struct {
	cfg     Config
	store   store.Store
	redis   *redisx.Client
	backend logstore.Backend
	grpcSrv *grpc.Server
	logger  zerolog.Logger
}

// New creates a gateway Server. backend may be nil; log chunks then spool
// on per-run Redis streams.
func New(cfg Config, st store.Store, rc *redisx.Client, backend logstore.Backend) *Server {
	if cfg.BlockCeiling <= 0 {
		cfg.BlockCeiling = 30 * time.Second
	}
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = 30 * time.Second
	}
	if cfg.LogMaxLen <= 0 {
		cfg.LogMaxLen = 10000
	}
	if cfg.LogTTL <= 0 {
		cfg.LogTTL = 24 * time.Hour
	}
	return &Server{
		cfg:     cfg,
		store:   st,
		redis:   rc,
		backend: backend,
		logger:  log.WithComponent("gateway"),
	}
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}

	var opts []grpc.ServerOption
	if s.cfg.TLSCertFile != "" {
		creds, err := s.tlsCredentials()
		if err != nil {
			return err
		}
		opts = append(opts, grpc.Creds(creds))
	}
	opts = append(opts, grpc.ChainUnaryInterceptor(metricsInterceptor, s.authInterceptor))

	s.grpcSrv = grpc.NewServer(opts...)
	rpc.RegisterGatewayServer(s.grpcSrv, s)

	s.logger.Info().Str("addr", s.cfg.Addr).Bool("tls", s.cfg.TLSCertFile != "").Msg("gateway listening")
	return s.grpcSrv.Serve(lis)
}

// Stop drains in-flight RPCs and shuts the server down.
func (s *Server) Stop() {
	if s.grpcSrv != nil {
		s.grpcSrv.GracefulStop()
	}
}

func (s *Server) tlsCredentials() (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if s.cfg.ClientCAFile != "" {
		ca, err := os.ReadFile(s.cfg.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read client CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca) {
			return nil, fmt.Errorf("client CA file %s carries no certificates", s.cfg.ClientCAFile)
		}
		tlsCfg.ClientCAs = pool
		// request but do not require: api-key and JWT callers carry no cert
		tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return credentials.NewTLS(tlsCfg), nil
}

func (s *Server) clampBlock(blockMs int64) time.Duration {
	block := time.Duration(blockMs) * time.Millisecond
	if block < 0 {
		block = 0
	}
	if block > s.cfg.BlockCeiling {
		block = s.cfg.BlockCeiling
	}
	return block
}

// unavailable maps a Redis failure onto a retriable status.
func unavailable(op string, err error) error {
	return status.Errorf(codes.Unavailable, "%s: %v", op, err)
}

func (s *Server) PollTask(ctx context.Context, req *rpc.PollTaskRequest) (*rpc.PollTaskResponse, error) {
	if err := requireWorker(ctx, req.WorkerID); err != nil {
		return nil, err
	}
	count := req.Count
	if count <= 0 {
		count = 1
	}
	polled, err := s.redis.PollTasks(ctx, req.WorkerID, req.Queues, count, s.clampBlock(req.BlockMs))
	if err != nil {
		return nil, unavailable("poll tasks", err)
	}
	resp := &rpc.PollTaskResponse{Tasks: make([]rpc.DeliveredTask, len(polled))}
	for i, p := range polled {
		resp.Tasks[i] = rpc.DeliveredTask{Task: p.Task, Receipt: p.Receipt}
	}
	return resp, nil
}

func (s *Server) AckTask(ctx context.Context, req *rpc.AckTaskRequest) (*rpc.Empty, error) {
	if err := requireWorker(ctx, req.WorkerID); err != nil {
		return nil, err
	}
	if err := s.redis.AckTask(ctx, req.Receipt, req.Accepted, req.Reason); err != nil {
		if err == redisx.ErrBadReceipt {
			return nil, status.Error(codes.InvalidArgument, "malformed receipt")
		}
		return nil, unavailable("ack task", err)
	}
	return &rpc.Empty{}, nil
}

func (s *Server) ReportResult(ctx context.Context, req *rpc.ReportResultRequest) (*rpc.Empty, error) {
	if req.Result == nil || req.Result.RunID == "" {
		return nil, status.Error(codes.InvalidArgument, "result requires a run id")
	}
	if err := requireWorker(ctx, req.Result.WorkerID); err != nil {
		return nil, err
	}
	if err := s.redis.ReportResult(ctx, req.Result); err != nil {
		return nil, unavailable("report result", err)
	}
	return &rpc.Empty{}, nil
}

func (s *Server) SendHeartbeat(ctx context.Context, req *rpc.SendHeartbeatRequest) (*rpc.Empty, error) {
	if req.Heartbeat == nil {
		return nil, status.Error(codes.InvalidArgument, "heartbeat required")
	}
	if err := requireWorker(ctx, req.Heartbeat.WorkerID); err != nil {
		return nil, err
	}
	if err := s.redis.SetHeartbeat(ctx, req.Heartbeat, s.cfg.HeartbeatTTL); err != nil {
		return nil, unavailable("heartbeat", err)
	}
	// registry update is best effort; the heartbeat hash is authoritative
	if err := s.store.MarkWorkerStatus(ctx, req.Heartbeat.WorkerID, req.Heartbeat.Status, req.Heartbeat.Timestamp); err != nil {
		s.logger.Debug().Err(err).Str("worker_id", req.Heartbeat.WorkerID).Msg("failed to update worker registry")
	}
	return &rpc.Empty{}, nil
}

func (s *Server) SendLog(ctx context.Context, req *rpc.SendLogRequest) (*rpc.Empty, error) {
	if req.Entry == nil {
		return nil, status.Error(codes.InvalidArgument, "entry required")
	}
	if err := s.redis.AppendLogEntries(ctx, []*types.LogEntry{req.Entry}, s.cfg.LogMaxLen, s.cfg.LogTTL); err != nil {
		return nil, unavailable("send log", err)
	}
	return &rpc.Empty{}, nil
}

func (s *Server) SendLogBatch(ctx context.Context, req *rpc.SendLogBatchRequest) (*rpc.SendLogBatchResponse, error) {
	if err := s.redis.AppendLogEntries(ctx, req.Entries, s.cfg.LogMaxLen, s.cfg.LogTTL); err != nil {
		return nil, unavailable("send log batch", err)
	}
	return &rpc.SendLogBatchResponse{Accepted: len(req.Entries)}, nil
}

func (s *Server) SendLogChunk(ctx context.Context, req *rpc.SendLogChunkRequest) (*rpc.SendLogChunkResponse, error) {
	chunk := req.Chunk
	if chunk == nil || chunk.RunID == "" {
		return nil, status.Error(codes.InvalidArgument, "chunk requires a run id")
	}
	if s.backend == nil {
		return nil, status.Error(codes.Unimplemented, "no log storage backend configured")
	}
	next, err := s.backend.WriteChunk(ctx, chunk)
	if err != nil {
		return nil, unavailable("write chunk", err)
	}
	if chunk.IsFinal {
		if err := s.backend.FinalizeChunks(ctx, chunk.RunID, chunk.Type, chunk.TotalSize, chunk.Checksum); err != nil {
			return nil, unavailable("finalize chunks", err)
		}
	}
	metrics.LogChunksSent.Inc()
	return &rpc.SendLogChunkResponse{NextOffset: next}, nil
}

func (s *Server) PollControl(ctx context.Context, req *rpc.PollControlRequest) (*rpc.PollControlResponse, error) {
	if err := requireWorker(ctx, req.WorkerID); err != nil {
		return nil, err
	}
	polled, err := s.redis.PollControl(ctx, req.WorkerID, s.clampBlock(req.BlockMs))
	if err != nil {
		return nil, unavailable("poll control", err)
	}
	resp := &rpc.PollControlResponse{Messages: make([]rpc.DeliveredControl, len(polled))}
	for i, p := range polled {
		resp.Messages[i] = rpc.DeliveredControl{Message: p.Message, Receipt: p.Receipt}
	}
	return resp, nil
}

func (s *Server) AckControl(ctx context.Context, req *rpc.AckControlRequest) (*rpc.Empty, error) {
	if err := requireWorker(ctx, req.WorkerID); err != nil {
		return nil, err
	}
	if err := s.redis.AckControl(ctx, req.Receipt); err != nil {
		return nil, unavailable("ack control", err)
	}
	return &rpc.Empty{}, nil
}

func (s *Server) SendControlResult(ctx context.Context, req *rpc.SendControlResultRequest) (*rpc.Empty, error) {
	if err := s.redis.SendControlResult(ctx, req.RequestID, req.ReplyStream, req.OK, req.Data, req.Error); err != nil {
		return nil, unavailable("send control result", err)
	}
	return &rpc.Empty{}, nil
}

func (s *Server) Health(ctx context.Context, req *rpc.HealthRequest) (*rpc.HealthResponse, error) {
	if err := s.redis.Ping(ctx); err != nil {
		return &rpc.HealthResponse{Status: "degraded"}, nil
	}
	return &rpc.HealthResponse{Status: "ok"}, nil
}
