// internal/server/grpc_server.go
package server

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// SettlementService is the health service name tracking the pipeline's pause state.
const SettlementService = "settlement"

// PauseReporter reports whether settlement is paused.
type PauseReporter interface {
	Paused() bool
}

// GRPCServer exposes the standard gRPC health service. The overall service is
// SERVING while the process runs; "settlement" follows the pause switch.
type GRPCServer struct {
	server   *grpc.Server
	health   *health.Server
	reporter PauseReporter
	addr     string
	logger   *zap.Logger

	stopOnce sync.Once
	done     chan struct{}
}

func NewGRPCServer(addr string, reporter PauseReporter, logger *zap.Logger) *GRPCServer {
	s := &GRPCServer{
		server:   grpc.NewServer(),
		health:   health.NewServer(),
		reporter: reporter,
		addr:     addr,
		logger:   logger,
		done:     make(chan struct{}),
	}
	healthpb.RegisterHealthServer(s.server, s.health)

	// Register reflection service (for grpcurl, Postman, etc.)
	reflection.Register(s.server)

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.SyncSettlementStatus()
	return s
}

// SyncSettlementStatus copies the pause switch into the health service.
func (s *GRPCServer) SyncSettlementStatus() {
	status := healthpb.HealthCheckResponse_SERVING
	if s.reporter != nil && s.reporter.Paused() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(SettlementService, status)
}

// Start blocks serving gRPC. The settlement status is refreshed every interval
// so pause and resume show up without a direct hook.
func (s *GRPCServer) Start(interval time.Duration) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis, interval)
}

func (s *GRPCServer) Serve(lis net.Listener, interval time.Duration) error {
	if interval > 0 {
		go s.watch(interval)
	}

	s.logger.Info("Starting gRPC server", zap.String("addr", lis.Addr().String()))
	if err := s.server.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

func (s *GRPCServer) watch(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.SyncSettlementStatus()
		case <-s.done:
			return
		}
	}
}

// Stop marks everything NOT_SERVING and drains in-flight RPCs.
func (s *GRPCServer) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping gRPC server")
		close(s.done)
		s.health.Shutdown()
		s.server.GracefulStop()
	})
}
