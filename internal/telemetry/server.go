package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"OmniRover/internal/util"
)

// CommandFunc queues an outbound link command.
type CommandFunc func(cmd string) error

// StatusFunc reports live system state for /api/status.
type StatusFunc func() any

// Server exposes the hub and recorder over HTTP.
type Server struct {
	hub     *Hub
	rec     *Recorder
	status  StatusFunc
	command CommandFunc
	token   string
	mux     *http.ServeMux
	server  *http.Server
	ln      net.Listener
	log     zerolog.Logger
}

// NewServer wires the routes. rec, status and command may be nil.
func NewServer(hub *Hub, rec *Recorder, status StatusFunc, command CommandFunc) *Server {
	s := &Server{hub: hub, rec: rec, status: status, command: command, mux: http.NewServeMux(), log: util.Component("telemetry")}
	s.registerRoutes()
	return s
}

// SetCommandToken requires token on /api/command. Empty allows anyone.
func (s *Server) SetCommandToken(token string) { s.token = token }

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/ws", s.hub.HandleWS)
	s.mux.HandleFunc("/api/latest", s.handleLatest)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/runs", s.handleRuns)
	s.mux.HandleFunc("/api/runs/", s.handleRunEvents)
	s.mux.HandleFunc("/api/command", func(w http.ResponseWriter, r *http.Request) {
		AuthMiddleware(s.token, s.handleCommand)(w, r)
	})
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	if addr == "" {
		s.log.Info().Msg("telemetry server not started (empty address)")
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("telemetry listen %s: %w", addr, err)
	}
	s.ln = ln
	s.server = &http.Server{Handler: s.mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("HTTP server error")
		}
	}()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("telemetry server listening")
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop gracefully stops the web server.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.log.Warn().Err(err).Msg("HTTP server shutdown error")
	}
	s.server = nil
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("failed to write response")
	}
}

// handleLatest returns the newest recorded event of this run, falling back
// to the in-memory latest events when no recorder is configured.
func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if s.rec == nil {
		latest := s.hub.Latest()
		if len(latest) == 0 {
			http.Error(w, "no telemetry data", http.StatusNotFound)
			return
		}
		s.writeJSON(w, latest)
		return
	}
	v, err := s.rec.Latest(s.hub.RunID())
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "no telemetry data", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to read telemetry", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(v)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"run_id":  s.hub.RunID(),
		"clients": s.hub.Clients(),
		"dropped": s.hub.Dropped(),
	}
	if s.status != nil {
		out["system"] = s.status()
	}
	s.writeJSON(w, out)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.rec == nil {
		http.Error(w, "recorder disabled", http.StatusNotFound)
		return
	}
	runs, err := s.rec.Runs()
	if err != nil {
		http.Error(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, runs)
}

// handleRunEvents serves /api/runs/{id}?after=N&limit=M.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	if s.rec == nil {
		http.Error(w, "recorder disabled", http.StatusNotFound)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	if id == "" {
		http.Error(w, "missing run id", http.StatusBadRequest)
		return
	}
	after, _ := strconv.ParseUint(r.URL.Query().Get("after"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.rec.Events(id, after, limit)
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "unknown run", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to read events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []json.RawMessage{}
	}
	s.writeJSON(w, events)
}

// handleCommand queues the request body as an outbound link command.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.command == nil {
		http.Error(w, "commands disabled", http.StatusServiceUnavailable)
		return
	}
	defer func() { _ = r.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(r.Body, 256))
	if err != nil {
		http.Error(w, "failed to read command", http.StatusBadRequest)
		return
	}
	cmd := strings.TrimSpace(string(body))
	if cmd == "" {
		http.Error(w, "empty command", http.StatusBadRequest)
		return
	}
	if err := s.command(cmd); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.log.Info().Str("cmd", cmd).Msg("command queued")
	w.WriteHeader(http.StatusAccepted)
}
