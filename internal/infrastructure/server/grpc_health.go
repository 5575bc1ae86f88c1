package server

import (
	"context"
	"fmt"
	"net"
	"sync"

	"tradeguard/internal/core"
	"tradeguard/internal/degradation"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Service names reported by the gRPC health server
const (
	ServiceOrders = "tradeguard.orders"
	ServiceCloses = "tradeguard.closes"
)

// GateHealthServer publishes the trading gate over the standard gRPC health
// protocol so load balancers and peers can stop routing order flow.
type GateHealthServer struct {
	port   int
	health *health.Server
	logger core.ILogger

	mu   sync.Mutex
	grpc *grpc.Server
	ln   net.Listener
	mode degradation.Mode
}

func NewGateHealthServer(port int, initial degradation.Mode, logger core.ILogger) *GateHealthServer {
	s := &GateHealthServer{
		port:   port,
		health: health.NewServer(),
		logger: logger.WithField("component", "grpc_health"),
	}
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	s.Apply(initial)
	return s
}

// Apply sets both service statuses from mode
func (s *GateHealthServer) Apply(mode degradation.Mode) {
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()

	s.health.SetServingStatus(ServiceOrders, servingStatus(degradation.CanSubmitNewOrder(mode)))
	s.health.SetServingStatus(ServiceCloses, servingStatus(degradation.IsCloseAllowed(mode)))
}

// Mode is the last applied mode
func (s *GateHealthServer) Mode() degradation.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// HandleEvent follows ModeTransition events
func (s *GateHealthServer) HandleEvent(ctx context.Context, e degradation.SystemEvent) {
	if e.Type != degradation.EventModeTransition {
		return
	}
	mode, err := degradation.ParseMode(e.Payload[degradation.KeyTo])
	if err != nil {
		s.logger.Warn("Ignoring mode transition with unknown target", "error", err)
		return
	}
	s.Apply(mode)
	s.logger.Info("Gate health updated", "mode", mode)
}

// Start binds the port and serves in the background
func (s *GateHealthServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("grpc health listen on port %d: %w", s.port, err)
	}

	srv := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, s.health)

	s.mu.Lock()
	s.grpc = srv
	s.ln = ln
	s.mu.Unlock()

	go func() {
		s.logger.Info("Starting gRPC health server", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil {
			s.logger.Error("gRPC health server failed", "error", err)
		}
	}()
	return nil
}

// Addr is the bound address, empty before Start
func (s *GateHealthServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop marks everything NOT_SERVING and drains in-flight calls
func (s *GateHealthServer) Stop() error {
	s.health.Shutdown()
	s.mu.Lock()
	srv := s.grpc
	s.mu.Unlock()
	if srv != nil {
		srv.GracefulStop()
	}
	return nil
}

func servingStatus(ok bool) grpc_health_v1.HealthCheckResponse_ServingStatus {
	if ok {
		return grpc_health_v1.HealthCheckResponse_SERVING
	}
	return grpc_health_v1.HealthCheckResponse_NOT_SERVING
}
