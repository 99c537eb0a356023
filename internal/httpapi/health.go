package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"rumord.dev/internal/obs"
)

// GRPCServiceName is the service name reported by the gRPC health service
// alongside the overall ("") status.
const GRPCServiceName = "rumord.v1.Rumors"

// HealthService publishes store readiness over grpc.health.v1.
type HealthService struct {
	srv      *health.Server
	probe    ReadyProbe
	interval time.Duration
}

// NewHealthService starts NOT_SERVING until the first probe succeeds.
func NewHealthService(probe ReadyProbe, interval time.Duration) *HealthService {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	h := &HealthService{srv: health.NewServer(), probe: probe, interval: interval}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Register attaches the health service to s.
func (h *HealthService) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// CheckOnce runs the probe and updates the published status.
func (h *HealthService) CheckOnce(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, h.interval)
	defer cancel()
	status := healthpb.HealthCheckResponse_SERVING
	if err := h.probe.Check(ctx); err != nil {
		obs.Logger().Warn("readiness probe failed", "error", err.Error())
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.set(status)
	return status
}

// Run probes until ctx ends, then marks the service as shutting down.
func (h *HealthService) Run(ctx context.Context) {
	h.CheckOnce(ctx)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-ticker.C:
			h.CheckOnce(ctx)
		}
	}
}

func (h *HealthService) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(GRPCServiceName, status)
}
