package grpcapi

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Server is the gRPC listener with the health service registered. Server
// reflection is also registered and, not being public, requires an access
// token.
type Server struct {
	*grpc.Server
	Health *health.Server
}

// NewServer builds a gRPC server with guard installed on both chains.
func NewServer(guard *Guard, opts ...grpc.ServerOption) *Server {
	if guard != nil {
		opts = append(opts,
			grpc.ChainUnaryInterceptor(guard.Unary()),
			grpc.ChainStreamInterceptor(guard.Stream()),
		)
	}
	srv := grpc.NewServer(opts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	reflection.Register(srv)
	return &Server{Server: srv, Health: hs}
}

// Shutdown marks the service as not serving and drains in-flight calls.
func (s *Server) Shutdown() {
	s.Health.Shutdown()
	s.GracefulStop()
}
