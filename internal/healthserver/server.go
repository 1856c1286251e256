// Package healthserver exposes the engine health over the standard gRPC
// health checking protocol.
package healthserver

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported for the engine.
const ServiceName = "classification.Engine"

const defaultInterval = 15 * time.Second

// CheckFunc reports whether the engine is usable.
type CheckFunc func() error

// Server serves grpc.health.v1 and keeps the engine status current.
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	check    CheckFunc
	interval time.Duration
	logger   *zap.Logger
}

// New creates a health server. interval <= 0 uses a 15s refresh period.
func New(check CheckFunc, interval time.Duration, logger *zap.Logger) *Server {
	if interval <= 0 {
		interval = defaultInterval
	}
	s := &Server{
		grpc:     grpc.NewServer(),
		health:   health.NewServer(),
		check:    check,
		interval: interval,
		logger:   logger.Named("grpc_health"),
	}
	grpc_health_v1.RegisterHealthServer(s.grpc, s.health)
	s.refresh()
	return s
}

// Serve refreshes the status periodically and serves on lis until ctx is
// done, then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	go s.watch(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(lis) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		<-errCh
		return nil
	}
}

func (s *Server) watch(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh()
		}
	}
}

func (s *Server) refresh() {
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if err := s.check(); err != nil {
		s.logger.Warn("engine not serving", zap.Error(err))
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
	s.health.SetServingStatus("", status)
}
