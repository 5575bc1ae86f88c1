// Package server exposes the operational HTTP endpoints: liveness gated on
// the system mode, a full status document, manual recovery and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"tradeguard/internal/core"
	"tradeguard/internal/dbbuffer"
	"tradeguard/internal/degradation"
	"tradeguard/internal/outbox"
	"tradeguard/internal/reconcile"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ModeSource is the system state service
type ModeSource interface {
	Current() degradation.ModeSnapshot
	History(n int) []degradation.ModeTransition
}

// Sources feeds the status document. Any field may be nil.
type Sources struct {
	Mode       ModeSource
	Components interface {
		Snapshot() []degradation.ComponentStatus
	}
	Breakers interface {
		Snapshot() []degradation.BreakerSnapshot
	}
	Outbox interface {
		Stats(ctx context.Context) (outbox.Stats, error)
	}
	Buffer interface {
		Stats() dbbuffer.Stats
	}
	Reconciler interface {
		GetStatus() reconcile.Result
	}
	Recovery interface {
		Trigger(c degradation.Component, trigger degradation.RecoveryTrigger) error
		Statuses() []degradation.RecoveryStatus
	}
}

// StatusDocument is the /status body
type StatusDocument struct {
	Mode               degradation.ModeSnapshot      `json:"mode"`
	CanSubmitNewOrder  bool                          `json:"can_submit_new_order"`
	IsCloseAllowed     bool                          `json:"is_close_allowed"`
	Transitions        []degradation.ModeTransition  `json:"transitions,omitempty"`
	Components         []degradation.ComponentStatus `json:"components,omitempty"`
	Breakers           []degradation.BreakerSnapshot `json:"breakers,omitempty"`
	Recovery           []degradation.RecoveryStatus  `json:"recovery,omitempty"`
	Outbox             *outbox.Stats                 `json:"outbox,omitempty"`
	OutboxError        string                        `json:"outbox_error,omitempty"`
	Buffer             *dbbuffer.Stats               `json:"db_buffer,omitempty"`
	LastReconciliation *reconcile.Result             `json:"last_reconciliation,omitempty"`
	Time               time.Time                     `json:"time"`
}

type StatusServer struct {
	addr    string
	sources Sources
	logger  core.ILogger
	srv     *http.Server
	ln      net.Listener
}

func NewStatusServer(port int, sources Sources, logger core.ILogger) *StatusServer {
	return &StatusServer{
		addr:    fmt.Sprintf(":%d", port),
		sources: sources,
		logger:  logger.WithField("component", "status_server"),
	}
}

// Handler returns the route table
func (s *StatusServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/recovery/trigger", s.handleRecoveryTrigger)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start binds the port and serves in the background
func (s *StatusServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("status server listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.Info("Starting status server", "addr", ln.Addr().String())
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Status server failed", "error", err)
		}
	}()
	return nil
}

// Addr is the bound address once started
func (s *StatusServer) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

func (s *StatusServer) Stop() error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// handleHealth answers 200 only while new orders are allowed
func (s *StatusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	}

	code := http.StatusOK
	if s.sources.Mode != nil {
		snap := s.sources.Mode.Current()
		health["mode"] = snap.Name
		health["reason"] = snap.Reason
		if !degradation.CanSubmitNewOrder(snap.Mode) {
			health["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, health)
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	doc := StatusDocument{Time: time.Now().UTC()}
	src := s.sources

	if src.Mode != nil {
		doc.Mode = src.Mode.Current()
		doc.CanSubmitNewOrder = degradation.CanSubmitNewOrder(doc.Mode.Mode)
		doc.IsCloseAllowed = degradation.IsCloseAllowed(doc.Mode.Mode)
		doc.Transitions = src.Mode.History(20)
	}
	if src.Components != nil {
		doc.Components = src.Components.Snapshot()
	}
	if src.Breakers != nil {
		doc.Breakers = src.Breakers.Snapshot()
	}
	if src.Recovery != nil {
		doc.Recovery = src.Recovery.Statuses()
	}
	if src.Outbox != nil {
		// The database may be the thing that is down
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		stats, err := src.Outbox.Stats(ctx)
		cancel()
		if err != nil {
			doc.OutboxError = err.Error()
		} else {
			doc.Outbox = &stats
		}
	}
	if src.Buffer != nil {
		stats := src.Buffer.Stats()
		doc.Buffer = &stats
	}
	if src.Reconciler != nil {
		last := src.Reconciler.GetStatus()
		doc.LastReconciliation = &last
	}

	writeJSON(w, http.StatusOK, doc)
}

// handleRecoveryTrigger: POST /recovery/trigger?component=broker
func (s *StatusServer) handleRecoveryTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if s.sources.Recovery == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "recovery is not configured"})
		return
	}
	component := r.URL.Query().Get("component")
	if component == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "component is required"})
		return
	}

	if err := s.sources.Recovery.Trigger(degradation.Component(component), degradation.TriggerManual); err != nil {
		s.logger.Warn("Manual recovery rejected", "target", component, "error", err)
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	s.logger.Info("Manual recovery triggered", "target", component)
	writeJSON(w, http.StatusAccepted, map[string]string{"component": component, "status": "triggered"})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
