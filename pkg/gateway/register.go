package gateway

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/antcode/antcode/pkg/identity"
	"github.com/antcode/antcode/pkg/rpc"
	"github.com/antcode/antcode/pkg/store"
	"github.com/antcode/antcode/pkg/types"
)

// proofWindow bounds how old a registration proof timestamp may be.
const proofWindow = 5 * time.Minute

// RegisterWorker consumes an install key and issues worker credentials.
// The caller proves possession of the key with an HMAC over its nonce and
// timestamp; the key's OS and source-network bindings are enforced against
// the request.
func (s *Server) RegisterWorker(ctx context.Context, req *rpc.RegisterWorkerRequest) (*rpc.RegisterWorkerResponse, error) {
	if req.InstallKey == "" || req.WorkerID == "" {
		return nil, status.Error(codes.InvalidArgument, "install key and worker id required")
	}

	key, err := s.store.GetInstallKey(ctx, req.InstallKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, status.Error(codes.PermissionDenied, "unknown install key")
		}
		return nil, unavailable("load install key", err)
	}

	now := time.Now().UTC()
	ts := time.Unix(req.Timestamp, 0)
	if ts.Before(now.Add(-proofWindow)) || ts.After(now.Add(proofWindow)) {
		return nil, status.Error(codes.PermissionDenied, "registration proof timestamp out of window")
	}
	if !identity.VerifyRegistrationProof(req.InstallKey, req.Nonce, ts, req.Proof) {
		return nil, status.Error(codes.PermissionDenied, "registration proof invalid")
	}
	if err := identity.CheckInstallKeyBindings(key, req.OS, peerAddr(ctx)); err != nil {
		return nil, status.Errorf(codes.PermissionDenied, "install key binding: %v", err)
	}

	if err := s.store.ConsumeInstallKey(ctx, req.InstallKey, req.WorkerID, now); err != nil {
		switch {
		case errors.Is(err, store.ErrKeyConsumed):
			return nil, status.Error(codes.PermissionDenied, "install key already consumed")
		case errors.Is(err, store.ErrKeyExpired):
			return nil, status.Error(codes.PermissionDenied, "install key expired")
		default:
			return nil, unavailable("consume install key", err)
		}
	}

	creds, err := identity.NewCredentials(req.WorkerID)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to issue credentials")
	}

	w := &types.Worker{
		ID:            req.WorkerID,
		Name:          req.Name,
		Host:          req.Hostname,
		Region:        req.Zone,
		Mode:          types.TransportGateway,
		APIKey:        creds.APIKey,
		Secret:        creds.Secret,
		OS:            req.OS,
		Status:        types.WorkerOnline,
		LastHeartbeat: now,
		CreatedAt:     now,
	}
	if err := s.store.CreateWorker(ctx, w); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, status.Error(codes.AlreadyExists, "worker already registered")
		}
		return nil, unavailable("create worker", err)
	}

	s.logger.Info().Str("worker_id", req.WorkerID).Str("os", req.OS).Msg("worker registered")
	return &rpc.RegisterWorkerResponse{
		WorkerID: req.WorkerID,
		APIKey:   creds.APIKey,
		Secret:   creds.Secret,
	}, nil
}

func peerAddr(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	return p.Addr.String()
}
