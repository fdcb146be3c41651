// Package server exposes the service's operational HTTP surface: the
// liveness and metrics probes, monitor administration, and the WebSocket
// event stream the dashboard consumes. Everything under /api requires a
// bearer token signed with the shared secret; the probes are open so
// orchestrators can poll them without credentials.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/chainguard-network/chainguard/monitor"
	"github.com/chainguard-network/chainguard/push"
)

var (
	authFailMeter = metrics.NewRegisteredMeter("guard/server/authfail", nil)
	upgradeMeter  = metrics.NewRegisteredMeter("guard/server/ws/upgrades", nil)
	wsSentMeter   = metrics.NewRegisteredMeter("guard/server/ws/sent", nil)
	clientGauge   = metrics.NewRegisteredGauge("guard/server/ws/clients", nil)
)

// Monitors is the slice of the monitor supervisor the server needs: health
// and status introspection plus the global pause switch.
type Monitors interface {
	Status() []monitor.Snapshot
	Health() monitor.Health
	EventStats() map[string]map[string]uint64
	Pause(paused bool)
	Paused() bool
	MonitorCount() int
}

// Config carries the server's listen and authentication settings.
type Config struct {
	Port        int
	JWTSecret   string
	FrontendURL string
	InstanceID  string
}

// Server is the operational HTTP endpoint. It implements http.Handler so
// tests can mount it without opening a listener.
type Server struct {
	cfg      Config
	monitors Monitors
	bus      *push.Bus
	log      log.Logger

	router   *httprouter.Router
	handler  http.Handler
	upgrader websocket.Upgrader

	httpSrv  *http.Server
	listener net.Listener

	mu      sync.Mutex
	clients map[*wsClient]struct{}

	started time.Time
	wg      sync.WaitGroup
}

// New wires the routes. The server does not listen until Start.
func New(cfg Config, monitors Monitors, bus *push.Bus) *Server {
	s := &Server{
		cfg:      cfg,
		monitors: monitors,
		bus:      bus,
		log:      log.New("component", "server"),
		router:   httprouter.New(),
		clients:  make(map[*wsClient]struct{}),
		started:  time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  wsReadBuffer,
		WriteBufferSize: wsWriteBuffer,
		CheckOrigin:     wsOriginChecker(cfg.FrontendURL),
	}

	s.router.GET("/health", s.open(s.handleHealth))
	s.router.GET("/metrics", s.open(s.handleMetrics))
	s.router.GET("/api/monitor/status", s.authed(s.handleMonitorStatus))
	s.router.GET("/api/monitor/health", s.authed(s.handleMonitorHealth))
	s.router.GET("/api/monitor/events", s.authed(s.handleMonitorEvents))
	s.router.POST("/api/monitor/pause", s.authed(s.handleMonitorPause))
	s.router.GET("/api/events", s.authed(s.handleEvents))

	s.handler = corsHandler(s.router, cfg.FrontendURL)
	return s
}

// Start begins serving on the configured port.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return err
	}
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server terminated", "err", err)
		}
	}()
	s.log.Info("HTTP server started", "endpoint", ln.Addr(), "cors", s.cfg.FrontendURL)
	return nil
}

// Stop shuts the listener down and disconnects every streaming client.
// Safe to call without a prior Start.
func (s *Server) Stop() {
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.log.Warn("HTTP server shutdown", "err", err)
		}
	}
	s.mu.Lock()
	clients := make([]*wsClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
	s.wg.Wait()
	s.log.Info("HTTP server stopped")
}

// ServeHTTP serves the CORS-wrapped router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ClientCount returns the number of connected event-stream clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// open adapts a plain handler onto the router without authentication.
func (s *Server) open(h http.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		h(w, r)
	}
}

// authed adapts a handler and gates it on a valid bearer token.
func (s *Server) authed(h http.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if !s.authenticate(w, r) {
			return
		}
		h(w, r)
	}
}

// authenticate verifies the request's HS256 bearer token. Browser
// WebSocket clients cannot set headers during the handshake, so a token
// query parameter is accepted as a fallback.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) bool {
	raw := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		raw = strings.TrimPrefix(auth, "Bearer ")
	}
	if raw == "" {
		authFailMeter.Mark(1)
		http.Error(w, "missing token", http.StatusUnauthorized)
		return false
	}
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		authFailMeter.Mark(1)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return false
	}
	return true
}

// HealthStatus is the GET /health response.
type HealthStatus struct {
	Status   string `json:"status"`
	Uptime   int64  `json:"uptime"`
	Monitors int    `json:"monitors"`
}

// MetricsStatus is the GET /metrics response.
type MetricsStatus struct {
	ClientsCount int       `json:"clientsCount"`
	InstanceID   string    `json:"instanceId"`
	Timestamp    time.Time `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, &HealthStatus{
		Status:   "ok",
		Uptime:   int64(time.Since(s.started).Seconds()),
		Monitors: s.monitors.MonitorCount(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, &MetricsStatus{
		ClientsCount: s.ClientCount(),
		InstanceID:   s.cfg.InstanceID,
		Timestamp:    time.Now().UTC(),
	})
}

func (s *Server) handleMonitorStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.monitors.Status())
}

func (s *Server) handleMonitorHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.monitors.Health())
}

func (s *Server) handleMonitorEvents(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.monitors.EventStats())
}

func (s *Server) handleMonitorPause(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Paused *bool `json:"paused"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Paused == nil {
		http.Error(w, `body must be {"paused": true|false}`, http.StatusBadRequest)
		return
	}
	s.monitors.Pause(*req.Paused)
	s.log.Info("Monitor ingestion pause switched", "paused", *req.Paused)
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": s.monitors.Paused()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Debug("Response encode failed", "err", err)
	}
}

// corsHandler restricts cross-origin requests to the configured frontend.
// An empty origin disables CORS handling entirely.
func corsHandler(next http.Handler, origin string) http.Handler {
	if origin == "" {
		return next
	}
	c := cors.New(cors.Options{
		AllowedOrigins: []string{origin},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"*"},
		MaxAge:         600,
	})
	return c.Handler(next)
}
