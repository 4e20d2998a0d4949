package server

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// healthReporter mirrors Service.Health into the standard gRPC health
// service, for orchestrators that probe over gRPC.
type healthReporter struct {
	svc    Service
	server *health.Server
	logger *slog.Logger
}

func newHealthReporter(svc Service, logger *slog.Logger) *healthReporter {
	return &healthReporter{
		svc:    svc,
		server: health.NewServer(),
		logger: logger,
	}
}

func (h *healthReporter) register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

// refresh sets the overall status ("") from one Health call.
func (h *healthReporter) refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if !h.svc.Health(ctx).Healthy() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.server.SetServingStatus("", status)
	return status
}

// watch refreshes until ctx is done.
func (h *healthReporter) watch(ctx context.Context, interval time.Duration) {
	last := h.refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if status := h.refresh(ctx); status != last {
				h.logger.Info("grpc health changed", "status", status.String())
				last = status
			}
		}
	}
}

func (h *healthReporter) shutdown() {
	h.server.Shutdown()
}
