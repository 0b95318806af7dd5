// Package server implements the sqlrelay server: the remote session holder
// that owns physical database connections on behalf of logical client
// sessions. It keeps per-session state (pinned connection, open statements,
// cursors and large objects, transaction and XA state) consistent while the
// connection pool recycles physical connections underneath.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/sqlrelay/sqlrelay/wire"
)

// Server exposes the registry over HTTP: one endpoint for ordered proxied
// calls, one out-of-band endpoint for cancellation, one for health.
type Server struct {
	cfg      Config
	log      *slog.Logger
	pool     *Pool
	registry *Registry
	allowed  []*net.IPNet
	http     *http.Server
}

// New opens the backend pool and builds the server. Callers then run
// ListenAndServe (or mount Handler themselves) and Shutdown when done.
func New(cfg Config, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	allowed, err := parseAllowlist(cfg.AllowedCIDRs)
	if err != nil {
		return nil, err
	}
	pool, err := NewPool(cfg.Pool, log)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		log:      log,
		pool:     pool,
		registry: NewRegistry(cfg, pool, log),
		allowed:  allowed,
	}
	s.http = &http.Server{Addr: cfg.ListenAddr, Handler: s.Handler()}
	return s, nil
}

// Registry exposes the session registry, mainly for tests and embedding.
func (s *Server) Registry() *Registry { return s.registry }

// Handler returns the HTTP routing for the proxy endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/call", s.handleCall)
	mux.HandleFunc("POST /v1/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/healthz", s.handleHealthz)
	return allowlistMiddleware(s.allowed, authMiddleware(s.cfg.AuthSecret, mux))
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	var req wire.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, s.log, wire.ToResponse(wire.NewProtocolError("malformed request frame: %v", err)))
		return
	}
	resp := s.registry.Dispatch(r.Context(), &req)
	if resp.Status == wire.StatusError {
		s.log.Debug("call failed", "op", req.Op, "session", req.SessionID,
			"kind", resp.ErrorKind, "error", resp.Error)
	}
	writeResponse(w, s.log, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, s.log, wire.ToResponse(wire.NewProtocolError("malformed cancel frame: %v", err)))
		return
	}
	delivered := s.registry.Cancel(req.SessionID)
	s.log.Debug("cancel", "session", req.SessionID, "delivered", delivered)
	writeResponse(w, s.log, wire.OK())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","sessions":%d,"leased":%d}`,
		s.registry.SessionCount(), s.pool.Leased())
}

func writeResponse(w http.ResponseWriter, log *slog.Logger, resp *wire.Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Warn("write response", "error", err)
	}
}

// ListenAndServe blocks serving the configured address.
func (s *Server) ListenAndServe() error {
	s.log.Info("sqlrelay server listening",
		"addr", s.cfg.ListenAddr, "backend", s.cfg.Pool.Driver)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, tears down all sessions and closes the
// pool.
func (s *Server) Shutdown(ctx context.Context) error {
	httpErr := s.http.Shutdown(ctx)
	regErr := s.registry.Close()
	poolErr := s.pool.Close()
	if httpErr != nil {
		return httpErr
	}
	if regErr != nil {
		return regErr
	}
	return poolErr
}
