package liveserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"tradeguard/internal/core"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

var (
	websocketActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stream_active_connections",
		Help: "Current number of event stream WebSocket connections",
	})

	websocketRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_rejected_total",
		Help: "Total number of rejected event stream connections",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(websocketActiveConnections)
	prometheus.MustRegister(websocketRejectedTotal)
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Options configure the stream endpoint
type Options struct {
	Port           int
	AllowedOrigins []string // "*" allows any origin; empty allows only requests without an Origin header
	MaxConnections int
	RateLimit      rate.Limit // new connections per second per IP
	RateBurst      int
}

func DefaultOptions() Options {
	return Options{
		MaxConnections: 100,
		RateLimit:      10,
		RateBurst:      20,
	}
}

// Server upgrades /ws requests and attaches each connection to the hub
type Server struct {
	hub    *Hub
	opts   Options
	logger core.ILogger

	upgrader   websocket.Upgrader
	connSlots  chan struct{}
	ipLimiters sync.Map // remote IP -> *rate.Limiter

	// hello, when set, is sent to each client right after the upgrade
	hello func() Message

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

func NewServer(hub *Hub, opts Options, logger core.ILogger) *Server {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = DefaultOptions().MaxConnections
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = DefaultOptions().RateLimit
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = DefaultOptions().RateBurst
	}
	s := &Server{
		hub:       hub,
		opts:      opts,
		logger:    logger.WithField("component", "stream_server"),
		connSlots: make(chan struct{}, opts.MaxConnections),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// SetHello installs the greeting sent on connect, typically the current mode
func (s *Server) SetHello(fn func() Message) {
	s.hello = fn
}

// Handler serves /ws
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Start binds the port and serves in the background
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.opts.Port))
	if err != nil {
		return fmt.Errorf("stream server listen on port %d: %w", s.opts.Port, err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}

	s.mu.Lock()
	s.srv, s.ln = srv, ln
	s.mu.Unlock()

	go func() {
		s.logger.Info("Starting event stream server", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Event stream server failed", "error", err)
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
	s.logger.Info("Stopping event stream server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		s.logger.Warn("Rejected stream connection with invalid Origin", "origin", origin, "error", err)
		websocketRejectedTotal.WithLabelValues("invalid_origin").Inc()
		return false
	}
	normalized := parsed.Scheme + "://" + parsed.Host
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || allowed == normalized {
			return true
		}
	}
	s.logger.Warn("Rejected stream connection from unauthorized origin",
		"origin", origin,
		"remote_addr", r.RemoteAddr)
	websocketRejectedTotal.WithLabelValues("invalid_origin").Inc()
	return false
}

// handleWebSocket applies the per-IP rate limit and the global connection cap
// before upgrading
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if !s.ipLimiter(ip).Allow() {
		s.logger.Warn("Stream connection rate limit exceeded", "ip", ip)
		websocketRejectedTotal.WithLabelValues("rate_limit").Inc()
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	select {
	case s.connSlots <- struct{}{}:
		websocketActiveConnections.Inc()
		defer func() {
			<-s.connSlots
			websocketActiveConnections.Dec()
		}()
	default:
		s.logger.Warn("Stream connection limit reached", "max", s.opts.MaxConnections)
		websocketRejectedTotal.WithLabelValues("connection_limit").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	client := NewClient(uuid.New().String())
	if s.hello != nil {
		client.Send(s.hello())
	}
	if err := s.hub.Register(r.Context(), client); err != nil {
		return
	}
	s.logger.Info("Stream client connected", "client_id", client.id, "remote_addr", r.RemoteAddr)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump(conn, client)
	}()
	go func() {
		defer wg.Done()
		s.readPump(conn, client)
	}()
	wg.Wait()

	s.logger.Info("Stream client disconnected", "client_id", client.id)
}

// writePump drains the client queue; it exits when the hub closes the client
// or a write fails
func (s *Server) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.hub.Unregister(client)
		// Unblock the read pump
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.Messages():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Warn("Stream write failed", "client_id", client.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only services control frames; the stream is one-way
func (s *Server) readPump(conn *websocket.Conn, client *Client) {
	defer s.hub.Unregister(client)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("Stream read failed", "client_id", client.id, "error", err)
			}
			return
		}
	}
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

func (s *Server) ipLimiter(ip string) *rate.Limiter {
	if v, ok := s.ipLimiters.Load(ip); ok {
		return v.(*rate.Limiter)
	}
	v, _ := s.ipLimiters.LoadOrStore(ip, rate.NewLimiter(s.opts.RateLimit, s.opts.RateBurst))
	return v.(*rate.Limiter)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
