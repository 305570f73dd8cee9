// Package grpcserver exposes the standard gRPC health service for the gateway.
package grpcserver

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Ashu27-arc/eye-test/internal/logging"
)

// RecordStoreService is the health service name that tracks database reachability.
const RecordStoreService = "eyetest.RecordStore"

// Probe reports whether a dependency is reachable.
type Probe interface {
	Available(ctx context.Context) bool
}

// HealthServer serves grpc.health.v1.Health. The overall status is SERVING
// while the process runs; RecordStoreService follows the probe.
type HealthServer struct {
	server   *grpc.Server
	health   *health.Server
	probe    Probe
	interval time.Duration
	logger   *zap.Logger
}

func NewHealthServer(probe Probe, interval time.Duration, logger *zap.Logger) *HealthServer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus(RecordStoreService, healthpb.HealthCheckResponse_NOT_SERVING)

	return &HealthServer{
		server:   srv,
		health:   hs,
		probe:    probe,
		interval: interval,
		logger:   logger,
	}
}

// Serve accepts connections on lis until ctx is canceled, then stops gracefully.
func (s *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	log := logging.WithOperation(s.logger, "grpcserver.serve", "")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(lis)
	}()
	log.Info("gRPC health service listening", zap.String("addr", lis.Addr().String()))

	s.refresh(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			s.server.GracefulStop()
			return <-errCh
		case err := <-errCh:
			return err
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

func (s *HealthServer) refresh(ctx context.Context) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.probe.Available(ctx) {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(RecordStoreService, status)
}
