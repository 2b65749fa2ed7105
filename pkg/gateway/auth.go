package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/antcode/antcode/pkg/metrics"
	"github.com/antcode/antcode/pkg/store"
)

type ctxKey int

const workerIDKey ctxKey = iota

// callerWorkerID returns the authenticated worker identity, if any.
func callerWorkerID(ctx context.Context) string {
	id, _ := ctx.Value(workerIDKey).(string)
	return id
}

// openMethods need no credentials: health probes and first-contact
// registration (which authenticates with an install key instead).
var openMethods = map[string]bool{
	"/antcode.Gateway/Health":         true,
	"/antcode.Gateway/RegisterWorker": true,
}

// authInterceptor layers three authentication mechanisms, first hit wins:
// a verified mTLS client certificate (CN is the worker ID), the
// x-api-key/x-worker-id header pair checked against the worker record, and
// a Bearer JWT signed with the shared secret.
func (s *Server) authInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if openMethods[info.FullMethod] {
		return handler(ctx, req)
	}

	workerID, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	return handler(context.WithValue(ctx, workerIDKey, workerID), req)
}

func (s *Server) authenticate(ctx context.Context) (string, error) {
	if id, ok := mtlsIdentity(ctx); ok {
		return id, nil
	}

	md, _ := metadata.FromIncomingContext(ctx)
	if id, err := s.apiKeyIdentity(ctx, md); err == nil {
		return id, nil
	} else if !errors.Is(err, errNoAPIKey) {
		return "", err
	}

	if id, err := s.jwtIdentity(md); err == nil {
		return id, nil
	} else if !errors.Is(err, errNoBearer) {
		return "", err
	}
	return "", status.Error(codes.Unauthenticated, "no credentials presented")
}

// mtlsIdentity extracts the worker ID from a verified client certificate.
func mtlsIdentity(ctx context.Context) (string, bool) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return "", false
	}
	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok {
		return "", false
	}
	if len(tlsInfo.State.VerifiedChains) == 0 || len(tlsInfo.State.VerifiedChains[0]) == 0 {
		return "", false
	}
	cn := tlsInfo.State.VerifiedChains[0][0].Subject.CommonName
	return cn, cn != ""
}

var (
	errNoAPIKey = errors.New("no api key header")
	errNoBearer = errors.New("no bearer token")
)

func (s *Server) apiKeyIdentity(ctx context.Context, md metadata.MD) (string, error) {
	keys := md.Get("x-api-key")
	ids := md.Get("x-worker-id")
	if len(keys) == 0 || len(ids) == 0 {
		return "", errNoAPIKey
	}
	w, err := s.store.GetWorker(ctx, ids[0])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", status.Error(codes.Unauthenticated, "unknown worker")
		}
		return "", status.Error(codes.Unavailable, "credential store unavailable")
	}
	if subtle.ConstantTimeCompare([]byte(w.APIKey), []byte(keys[0])) != 1 {
		return "", status.Error(codes.Unauthenticated, "api key mismatch")
	}
	return w.ID, nil
}

func (s *Server) jwtIdentity(md metadata.MD) (string, error) {
	auth := md.Get("authorization")
	if len(auth) == 0 || !strings.HasPrefix(auth[0], "Bearer ") {
		return "", errNoBearer
	}
	if len(s.cfg.JWTSecret) == 0 {
		return "", status.Error(codes.Unauthenticated, "bearer auth disabled")
	}
	raw := strings.TrimPrefix(auth[0], "Bearer ")

	claims := &jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.cfg.JWTSecret, nil
	})
	if err != nil || !tok.Valid {
		return "", status.Error(codes.Unauthenticated, "invalid bearer token")
	}
	if claims.Subject == "" {
		return "", status.Error(codes.Unauthenticated, "bearer token carries no subject")
	}
	return claims.Subject, nil
}

// requireWorker rejects requests acting on behalf of a worker other than
// the authenticated one.
func requireWorker(ctx context.Context, workerID string) error {
	caller := callerWorkerID(ctx)
	if caller == "" || workerID == "" || caller == workerID {
		return nil
	}
	return status.Error(codes.PermissionDenied, "worker id does not match credentials")
}

// metricsInterceptor records per-method request counts and latency.
func metricsInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	method := info.FullMethod[strings.LastIndexByte(info.FullMethod, '/')+1:]
	metrics.GatewayRequestsTotal.WithLabelValues(method, status.Code(err).String()).Inc()
	metrics.GatewayRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	return resp, err
}
