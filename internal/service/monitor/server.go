package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"replyd/internal/core/health"
	"replyd/internal/shared/globalstate"
	"replyd/internal/shared/logger"
	"replyd/internal/shared/types"
)

// SessionSource is the view of the session supervisor the monitor needs.
type SessionSource interface {
	Stats() types.Stats
	Active() []types.SessionInfo
	Cancel(id string) bool
}

// Info describes the running server for /api/status.
type Info struct {
	AppName      string
	ListenAddr   string
	AcceptPolicy string
	MaxSessions  int
	StartedAt    time.Time
	// Status is optional.
	Status *globalstate.StatusManager
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	AppName      string      `json:"app_name"`
	Status       string      `json:"status,omitempty"`
	ListenAddr   string      `json:"listen_addr"`
	AcceptPolicy string      `json:"accept_error_policy"`
	MaxSessions  int         `json:"max_sessions"`
	Uptime       string      `json:"uptime"`
	Stats        types.Stats `json:"stats"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Server is the optional HTTP/WebSocket monitor.
type Server struct {
	conf     types.MonitorConf
	info     Info
	sessions SessionSource
	hub      *Hub
	checker  *health.Checker

	ctx    context.Context
	cancel context.CancelFunc
	http   *http.Server
	done   chan struct{}
}

// New creates a monitor. Nothing listens until Start.
func New(conf types.MonitorConf, info Info, sessions SessionSource, hub *Hub, checker *health.Checker) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		conf:     conf,
		info:     info,
		sessions: sessions,
		hub:      hub,
		checker:  checker,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// basicAuthMiddleware enforces HTTP Basic Authentication when both user and
// pass are configured.
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the monitor's routes.
func (s *Server) Handler() http.Handler {
	user, pass := s.conf.User, s.conf.Password
	mux := http.NewServeMux()

	mux.Handle("GET /api/status", basicAuthMiddleware(http.HandlerFunc(s.handleStatus), user, pass))
	mux.Handle("GET /api/sessions", basicAuthMiddleware(http.HandlerFunc(s.handleSessions), user, pass))
	mux.Handle("DELETE /api/sessions/{id}", basicAuthMiddleware(http.HandlerFunc(s.handleCancelSession), user, pass))

	// public endpoints
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(s.ctx, s.hub, w, r)
	})
	return mux
}

// Start listens on the configured address and serves in the background. It
// returns the bound address.
func (s *Server) Start() (net.Addr, error) {
	addr := net.JoinHostPort(s.conf.Address, strconv.Itoa(s.conf.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.done = make(chan struct{})

	go s.hub.Run(s.ctx)
	go func() {
		defer close(s.done)
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Monitor server error")
		}
	}()

	logger.Info().Str("listen_addr", listener.Addr().String()).Msg("Monitor is listening")
	return listener.Addr(), nil
}

// Shutdown stops the HTTP server and disconnects WebSocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	if s.http == nil {
		return nil
	}
	err := s.http.Shutdown(ctx)
	<-s.done
	logger.Info().Msg("Monitor stopped")
	return err
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var status string
	if s.info.Status != nil {
		status = s.info.Status.Get()
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		AppName:      s.info.AppName,
		Status:       status,
		ListenAddr:   s.info.ListenAddr,
		AcceptPolicy: s.info.AcceptPolicy,
		MaxSessions:  s.info.MaxSessions,
		Uptime:       time.Since(s.info.StartedAt).Truncate(time.Second).String(),
		Stats:        s.sessions.Stats(),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Active())
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	if !s.sessions.Cancel(r.PathValue("id")) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	res := s.checker.Probe(r.Context(), s.info.ListenAddr, 1)
	if res.Err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status:    "down",
			LatencyMs: -1,
			Error:     res.Err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "up",
		LatencyMs: res.Latency().Milliseconds(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("Failed to encode monitor response")
	}
}
