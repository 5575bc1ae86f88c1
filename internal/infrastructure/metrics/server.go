// Package metrics exposes the Prometheus scrape endpoint.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"tradeguard/internal/core"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options configure the scrape endpoint
type Options struct {
	Port int    // 0 picks a free port
	Path string // defaults to /metrics
	// Registry is gathered and also receives the scrape handler's own
	// counters. Nil means the default registry, which the OTel exporter
	// writes to.
	Registry *prometheus.Registry
}

// Server serves one registry over HTTP
type Server struct {
	opts   Options
	logger core.ILogger

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

func NewServer(opts Options, logger core.ILogger) *Server {
	if opts.Path == "" {
		opts.Path = "/metrics"
	}
	return &Server{
		opts:   opts,
		logger: logger.WithField("component", "metrics_server"),
	}
}

func (s *Server) handler() http.Handler {
	var (
		reg prometheus.Registerer = prometheus.DefaultRegisterer
		g   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if s.opts.Registry != nil {
		reg, g = s.opts.Registry, s.opts.Registry
	}
	h := promhttp.HandlerFor(g, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
	// Adds promhttp_metric_handler_requests_total; an already registered
	// counter is reused.
	return promhttp.InstrumentMetricHandler(reg, h)
}

// Start binds the port and serves in the background. A bind failure is
// returned so startup fails fast.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.opts.Port))
	if err != nil {
		return fmt.Errorf("metrics server listen on port %d: %w", s.opts.Port, err)
	}

	mux := http.NewServeMux()
	mux.Handle(s.opts.Path, s.handler())

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	s.mu.Lock()
	s.ln, s.srv = ln, srv
	s.mu.Unlock()

	go func() {
		s.logger.Info("Serving metrics", "addr", ln.Addr().String(), "path", s.opts.Path)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()
	return nil
}

// Addr is the bound address, empty before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info("Stopping metrics server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
