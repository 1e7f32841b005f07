// Package gateway hosts device sessions over WebSocket. Each session gets its
// own tool manager with the shared plugin and server-pool executors plus the
// device-scoped iot, device capability, and endpoint executors.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/petal-labs/petalvoice/endpoint"
	petalotel "github.com/petal-labs/petalvoice/otel"
	"github.com/petal-labs/petalvoice/plugin"
	"github.com/petal-labs/petalvoice/serverpool"
	"github.com/petal-labs/petalvoice/tool"
	"github.com/petal-labs/petalvoice/tool/mcp"
)

const defaultPath = "/voice/v1/"

// DeviceMCPConfig controls capability servers embedded in devices.
type DeviceMCPConfig struct {
	Enabled     bool
	CallTimeout time.Duration
	Vision      *mcp.VisionCapability
}

// Config configures a Server.
type Config struct {
	// Path is the WebSocket route devices connect to.
	Path           string
	Plugins        *plugin.Registry
	PluginsEnabled []string
	// Pool is shared by every session. Nil disables local capability servers.
	Pool      *serverpool.Pool
	DeviceMCP DeviceMCPConfig
	// Endpoint, when set, is dialed once per session.
	Endpoint     *endpoint.Config
	ClientInfo   mcp.ClientInfo
	SystemPrompt string
	Observer     tool.Observer
	Telemetry    *petalotel.SessionTelemetry
	Upgrader     *websocket.Upgrader
	Logger       *slog.Logger
}

// Server accepts device connections.
type Server struct {
	cfg      Config
	upgrader *websocket.Upgrader
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewServer creates a gateway from cfg.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	if cfg.Plugins == nil {
		cfg.Plugins = plugin.NewRegistry()
	}
	upgrader := cfg.Upgrader
	if upgrader == nil {
		upgrader = &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		}
	}
	return &Server{
		cfg:      cfg,
		upgrader: upgrader,
		logger:   logger.With("component", "gateway"),
		sessions: make(map[string]*Session),
	}
}

// Handler returns an http.Handler with all routes wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// RegisterRoutes mounts the gateway routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/servers", s.handleServers)
	mux.HandleFunc("GET "+s.cfg.Path, s.handleSession)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": s.SessionCount()})
}

func (s *Server) handleServers(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Pool == nil {
		writeJSON(w, http.StatusOK, []serverpool.SourceStatus{})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Pool.Status())
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		writeError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "gateway is shutting down")
		return
	}

	deviceID := strings.TrimSpace(r.Header.Get("Device-Id"))
	if deviceID == "" {
		deviceID = strings.TrimSpace(r.URL.Query().Get("device-id"))
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	id := uuid.NewString()
	ctx, end := s.cfg.Telemetry.Start(context.Background(), id, deviceID)
	session := newSession(ctx, s, id, deviceID, conn)

	s.mu.Lock()
	s.sessions[id] = session
	s.mu.Unlock()
	session.logger.Info("device connected")

	session.run()

	err = session.Close()
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	end(err)
}

// SessionCount returns the number of open sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sessions returns the open session ids, sorted.
func (s *Server) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close refuses new sessions and closes the open ones.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	open := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		open = append(open, session)
	}
	s.mu.Unlock()

	var errs []error
	for _, session := range open {
		if err := session.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Error: apiErrorBody{Code: code, Message: message}})
}
