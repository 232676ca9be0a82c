// Package httpapi exposes the session manager over HTTP: starting research
// sessions, polling status and activity, abandoning sessions, and reading
// finished plans.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"colloquy/internal/activity"
	"colloquy/internal/config"
	"colloquy/internal/manager"
	"colloquy/internal/plans"
)

const maxBodyBytes = 1 << 20

// Server wraps the HTTP listener in front of a session manager.
type Server struct {
	settings config.ServerSettings
	mgr      *manager.Manager
	sink     *plans.Store
	logger   *zap.Logger
	clock    func() time.Time

	mu        sync.RWMutex
	server    *http.Server
	listener  net.Listener
	startTime time.Time
}

// Option customizes server construction.
type Option func(*Server)

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewServer prepares an API server for the manager and plan store.
func NewServer(settings config.ServerSettings, mgr *manager.Manager, sink *plans.Store, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		settings: settings,
		mgr:      mgr,
		sink:     sink,
		logger:   logger.Named("httpapi"),
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler builds the route table. Exposed so tests can drive the API
// without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/research", s.handleResearch)
	mux.HandleFunc("GET /api/status/{id}", s.handleSession)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSession)
	mux.HandleFunc("GET /api/sessions/{id}/activity", s.handleActivity)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleAbandon)
	mux.HandleFunc("GET /api/plans", s.handlePlans)
	mux.HandleFunc("GET /api/plans/{name}", s.handlePlan)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	return mux
}

// Start binds the TCP listener and begins serving HTTP traffic.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("httpapi: server already started")
	}
	addr := fmt.Sprintf("%s:%d", s.settings.Host, s.settings.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen %s: %w", addr, err)
	}
	s.listener = listener
	s.startTime = s.clock()
	server := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.settings.ReadTimeout,
		WriteTimeout: s.settings.WriteTimeout,
	}
	if ctx != nil {
		server.BaseContext = func(net.Listener) context.Context { return ctx }
	}
	s.server = server
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("serve error", zap.Error(err))
		}
	}()
	s.logger.Info("listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Shutdown stops accepting new connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	s.listener = nil
	s.server = nil
	return nil
}

// Addr returns the bound TCP address once the server has started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

type researchRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleResearch(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req researchRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	id, err := s.mgr.Start(req.Prompt)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": id,
		"status":     "started",
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	view, err := s.mgr.Status(r.PathValue("id"))
	if err != nil {
		writeNotFound(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.mgr.List()})
}

type activityResponse struct {
	Events []activity.Event `json:"events"`
	Cursor int64            `json:"cursor"`
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	after := int64(0)
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = parsed
	}
	events, err := s.mgr.Activity(r.PathValue("id"), after)
	if err != nil {
		writeNotFound(w, err)
		return
	}
	resp := activityResponse{Events: events, Cursor: after}
	if len(events) > 0 {
		resp.Cursor = events[len(events)-1].Seq
	}
	if resp.Events == nil {
		resp.Events = []activity.Event{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAbandon(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Abandon(r.PathValue("id")); err != nil {
		writeNotFound(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "abandoning"})
}

func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	entries, err := s.sink.List()
	if err != nil {
		s.logger.Error("list plans", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "unable to list plans")
		return
	}
	if entries == nil {
		entries = []plans.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": entries})
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	meta, body, err := s.sink.Load(name)
	if err != nil {
		if errors.Is(err, plans.ErrNotFound) {
			writeError(w, http.StatusNotFound, "plan not found")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":     name,
		"metadata": meta,
		"body":     string(body),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	start := s.startTime
	s.mu.RUnlock()
	uptime := int64(0)
	if !start.IsZero() {
		uptime = int64(s.clock().Sub(start).Seconds())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": uptime,
		"sessions":       len(s.mgr.List()),
	})
}

func writeNotFound(w http.ResponseWriter, err error) {
	if errors.Is(err, manager.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
