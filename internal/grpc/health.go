package grpc

import (
	"context"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"realtime-service/internal/observability"
)

// ServiceName is the health-checked service name besides the server-wide "" entry.
const ServiceName = "realtime.Gateway"

type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthServer serves grpc.health.v1 with a status that follows the shared store.
type HealthServer struct {
	server   *gogrpc.Server
	health   *health.Server
	store    Pinger
	interval time.Duration
	log      *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

func NewHealthServer(store Pinger, interval time.Duration, log *zap.Logger) *HealthServer {
	if log == nil {
		log = zap.NewNop()
	}
	server := gogrpc.NewServer(
		gogrpc.StatsHandler(otelgrpc.NewServerHandler()),
		gogrpc.ChainUnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)

	return &HealthServer{
		server:   server,
		health:   hs,
		store:    store,
		interval: interval,
		log:      log.With(zap.String("component", "grpc.health")),
		stop:     make(chan struct{}),
	}
}

// Refresh pings the store once and publishes the resulting status.
func (s *HealthServer) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if err := s.store.Ping(ctx); err != nil {
		s.log.Warn("store unreachable", zap.Error(err))
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	return status
}

// Serve blocks serving on lis until Stop.
func (s *HealthServer) Serve(lis net.Listener) error {
	s.Refresh(context.Background())
	go s.watch()
	return s.server.Serve(lis)
}

func (s *HealthServer) watch() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			s.Refresh(ctx)
			cancel()
		case <-s.stop:
			return
		}
	}
}

func (s *HealthServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.health.Shutdown()
		s.server.GracefulStop()
	})
}
