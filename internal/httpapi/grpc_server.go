package httpapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"thefolder.dev/internal/obs"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// GRPCServer answers grpc.health.v1 checks for orchestrators that check health over gRPC.
type GRPCServer struct {
	healthpb.UnimplementedHealthServer

	readiness readinessChecker
}

// NewGRPCServer creates the health service wrapper.
func NewGRPCServer(r readinessChecker) *GRPCServer {
	return &GRPCServer{readiness: r}
}

// Register attaches the health service to srv.
func (s *GRPCServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s)
}

// Check evaluates readiness for the whole server ("") or for serviceName.
func (s *GRPCServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if svc := req.GetService(); svc != "" && svc != serviceName {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", svc)
	}
	if err := s.readiness.Check(ctx); err != nil {
		obs.FromContext(ctx).Warn("grpc health check failed", "error", err)
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
	}
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}
