// Package api implements the HTTP diagnostics and control API for the
// context core: session message admission, context inspection, snapshot
// management, and a WebSocket event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tecet/OLLM-CLI-sub015/internal/buildinfo"
	"github.com/Tecet/OLLM-CLI-sub015/internal/events"
	"github.com/Tecet/OLLM-CLI-sub015/internal/gpu"
	"github.com/Tecet/OLLM-CLI-sub015/internal/guard"
	"github.com/Tecet/OLLM-CLI-sub015/internal/manager"
	"github.com/Tecet/OLLM-CLI-sub015/internal/pool"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	manager *manager.Manager
	pool    *pool.ContextPool
	monitor *gpu.Monitor
	bus     *events.Bus
	logger  *slog.Logger
	server  *http.Server

	upgrader websocket.Upgrader
}

// NewServer creates a new API server. monitor may be nil when VRAM
// probing is disabled.
func NewServer(address string, port int, mgr *manager.Manager, p *pool.ContextPool,
	monitor *gpu.Monitor, bus *events.Bus, logger *slog.Logger) *Server {
	return &Server{
		address: address,
		port:    port,
		manager: mgr,
		pool:    p,
		monitor: monitor,
		bus:     bus,
		logger:  logger.With("component", "api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Local diagnostics endpoint; no cross-origin policy.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start runs the server until it fails or is shut down.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/status", s.handleStatus)

	// Session endpoints
	mux.HandleFunc("GET /v1/sessions", s.handleSessionList)
	mux.HandleFunc("POST /v1/sessions/{id}/messages", s.handleAddMessage)
	mux.HandleFunc("GET /v1/sessions/{id}/context", s.handleContext)
	mux.HandleFunc("PUT /v1/sessions/{id}/system", s.handleSetSystemPrompt)
	mux.HandleFunc("POST /v1/sessions/{id}/rollover", s.handleRollover)

	// Snapshot endpoints
	mux.HandleFunc("POST /v1/sessions/{id}/snapshots", s.handleSnapshotCreate)
	mux.HandleFunc("GET /v1/sessions/{id}/snapshots", s.handleSnapshotList)
	mux.HandleFunc("POST /v1/sessions/{id}/snapshots/{snapshotId}/restore", s.handleSnapshotRestore)
	mux.HandleFunc("DELETE /v1/sessions/{id}/snapshots/{snapshotId}", s.handleSnapshotDelete)

	// Event stream
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // unlimited; the event stream is long-lived
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "contextd",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"context_budget": s.pool.Size(),
		"tier":           s.manager.CurrentTier().String(),
		"sessions":       s.manager.Sessions(),
		"uptime":         buildinfo.Uptime().String(),
	}
	if s.monitor != nil {
		status["cpu_mode"] = s.monitor.CPUMode()
		if info, err := s.monitor.GetInfo(r.Context()); err == nil {
			status["vram"] = map[string]any{
				"vendor":          string(info.Vendor),
				"total_bytes":     info.Total,
				"used_bytes":      info.Used,
				"available_bytes": info.Available,
				"usage_ratio":     info.UsageRatio(),
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, status, s.logger)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"sessions": s.manager.Sessions()}, s.logger)
}

// AddMessageRequest is the body of POST /v1/sessions/{id}/messages.
type AddMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (s *Server) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	var req AddMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Role == "" || req.Content == "" {
		s.errorResponse(w, http.StatusBadRequest, "role and content are required")
		return
	}

	msg, err := s.manager.AddMessage(r.Context(), r.PathValue("id"), req.Role, req.Content)
	if err != nil {
		if errors.Is(err, guard.ErrContextFull) {
			s.errorResponse(w, http.StatusInsufficientStorage, err.Error())
			return
		}
		s.logger.Error("add message failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to add message")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, msg, s.logger)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	active := s.manager.Assemble(r.PathValue("id"))
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, active, s.logger)
}

// SetSystemPromptRequest is the body of PUT /v1/sessions/{id}/system.
type SetSystemPromptRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleSetSystemPrompt(w http.ResponseWriter, r *http.Request) {
	var req SetSystemPromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	msg := s.manager.SetSystemPrompt(r.PathValue("id"), req.Content)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, msg, s.logger)
}

func (s *Server) handleRollover(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Rollover(r.Context(), r.PathValue("id")); err != nil {
		s.logger.Error("rollover failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "rollover failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "rolled over"}, s.logger)
}

func (s *Server) handleSnapshotCreate(w http.ResponseWriter, r *http.Request) {
	snap, err := s.manager.Snapshot(r.PathValue("id"))
	if err != nil {
		s.logger.Error("snapshot create failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "snapshot failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, snap.Meta(), s.logger)
}

func (s *Server) handleSnapshotList(w http.ResponseWriter, r *http.Request) {
	metas, err := s.manager.ListSnapshots(r.PathValue("id"))
	if err != nil {
		s.logger.Error("snapshot list failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "snapshot list failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"snapshots": metas}, s.logger)
}

func (s *Server) handleSnapshotRestore(w http.ResponseWriter, r *http.Request) {
	err := s.manager.RestoreSnapshot(r.PathValue("id"), r.PathValue("snapshotId"))
	if err != nil {
		s.logger.Error("snapshot restore failed", "error", err)
		s.errorResponse(w, http.StatusNotFound, "snapshot not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "restored"}, s.logger)
}

func (s *Server) handleSnapshotDelete(w http.ResponseWriter, r *http.Request) {
	err := s.manager.DeleteSnapshot(r.PathValue("id"), r.PathValue("snapshotId"))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "snapshot not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents upgrades the connection to a WebSocket and streams bus
// events as JSON until the client disconnects. Reads are drained only
// to observe close frames.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(ch)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug("event stream connected", "remote", r.RemoteAddr)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
