package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"churchops.org/internal/obs"
)

// GRPCHealth serves the standard gRPC health protocol from the same
// readiness probe as /readyz.
type GRPCHealth struct {
	srv   *health.Server
	probe ReadyProbe
}

func NewGRPCHealth(probe ReadyProbe) *GRPCHealth {
	h := &GRPCHealth{srv: health.NewServer(), probe: probe}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

func (h *GRPCHealth) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(serviceName, status)
}

// Refresh runs the probe once and publishes the result.
func (h *GRPCHealth) Refresh(ctx context.Context) error {
	if err := h.probe.Check(ctx); err != nil {
		obs.SetReady(false)
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	}
	obs.SetReady(true)
	h.set(healthpb.HealthCheckResponse_SERVING)
	return nil
}

// Run refreshes on every tick until ctx ends, then marks the server as
// shutting down so watchers drain.
func (h *GRPCHealth) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 10 * time.Second
	}
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := h.Refresh(probeCtx); err != nil && ctx.Err() == nil {
			obs.Warn("readiness probe failed", map[string]any{"error": err.Error()})
		}
		cancel()
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-tick.C:
		}
	}
}

// NewGRPCServer builds a server with the health service registered.
func NewGRPCServer(h *GRPCHealth, opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s, h.srv)
	return s
}
