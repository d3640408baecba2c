// Package healthsrv exposes the standard gRPC health service so that
// orchestration can probe a long-running backtest.
package healthsrv

import (
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service key reported by the runner.
const ServiceName = "strategyrunner.v1.Backtest"

// Server wraps a gRPC server carrying only the health and reflection services.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	lis    net.Listener
	logger *slog.Logger
}

// New registers the health service on a fresh gRPC server bound to lis.
// The runner starts out NOT_SERVING until SetServing is called.
func New(lis net.Listener, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	reflection.Register(gs)

	return &Server{grpc: gs, health: hs, lis: lis, logger: logger}
}

// Addr returns the listen address.
func (s *Server) Addr() string { return s.lis.Addr().String() }

// SetServing flips the reported status of the runner service.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
}

// Serve blocks until Stop is called.
func (s *Server) Serve() error {
	s.logger.Info("gRPC health server listening", "addr", s.Addr())
	return s.grpc.Serve(s.lis)
}

// Stop marks every service NOT_SERVING and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
	s.logger.Info("gRPC health server stopped")
}
