// Package server is the read surface: the dashboard list, per-PR detail with
// build history, the job-status page commit statuses link to, and a
// WebSocket feed of status updates.
package server

import (
	"net"
	"net/http"

	"github.com/onefinestay/cinch/internal/cinch/db"
	"github.com/onefinestay/cinch/internal/cinch/engine"
)

// Config holds server configuration.
type Config struct {
	DB     *db.DB
	Engine *engine.Engine
	// Hub broadcasts status updates to WebSocket clients. When non-nil the
	// /api/ws endpoint is registered.
	Hub *Hub
	// CIBaseURL builds per-build detail links in check statuses.
	CIBaseURL string
	// HistorySize bounds the per-job build history on the detail page
	// (default 10).
	HistorySize int
}

// Server wraps the cinch HTTP read API.
type Server struct {
	mux      *http.ServeMux
	listener net.Listener
}

// New creates a Server bound to addr (e.g. ":5000"). It does not start
// serving; call Serve for that.
func New(addr string, cfg Config) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{mux: http.NewServeMux(), listener: ln}
	s.Register(cfg)
	return s, nil
}

// Addr returns the listener's address (useful when binding to :0 in tests).
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve starts accepting connections. It blocks until the listener is
// closed.
func (s *Server) Serve() error {
	return http.Serve(s.listener, s.mux)
}

// Close shuts down the listener.
func (s *Server) Close() error {
	return s.listener.Close()
}

// Mux exposes the route table so the ingest endpoints can share the same
// listener.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// Register mounts the read routes.
func (s *Server) Register(cfg Config) {
	historySize := cfg.HistorySize
	if historySize <= 0 {
		historySize = 10
	}
	api := &apiHandler{db: cfg.DB, engine: cfg.Engine, ciBaseURL: cfg.CIBaseURL, historySize: historySize}

	s.mux.HandleFunc("GET /api/prs", api.handleListPRs)
	s.mux.HandleFunc("GET /api/prs/{owner}/{name}/{number}", api.handleGetPR)
	s.mux.HandleFunc("GET /pr/{owner}/{name}/{number}", api.handleJobStatusPage)

	if cfg.Hub != nil {
		s.mux.HandleFunc("GET /api/ws", cfg.Hub.ServeWS)
	}
}
