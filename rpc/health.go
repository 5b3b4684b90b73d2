package rpc

import (
	"sync"

	"google.golang.org/grpc"
	healthgrpc "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Health wraps the grpc health server for the MarketFeed service and the
// server as a whole ("").
type Health struct {
	server *healthgrpc.Server

	mu      sync.Mutex
	serving bool
}

// NewHealth starts out NOT_SERVING.
func NewHealth() *Health {
	h := &Health{server: healthgrpc.NewServer()}
	h.set(false)
	return h
}

// Set reports whether the upstream stream is usable. It returns true when
// the status changed.
func (h *Health) Set(serving bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if serving == h.serving {
		return false
	}
	h.set(serving)
	return true
}

func (h *Health) set(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.serving = serving
	h.server.SetServingStatus("", st)
	h.server.SetServingStatus(ServiceName, st)
}

// Shutdown sets all serving status to NOT_SERVING for good.
func (h *Health) Shutdown() {
	h.server.Shutdown()
}

// Register registers the health service on s.
func (h *Health) Register(s grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(s, h.server)
}
