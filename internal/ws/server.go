// Package ws serves the live session feed over WebSocket and SSE, plus the
// snapshot, tail, hook and status endpoints.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tombelieber/claude-view-sub001/internal/agentstate"
	"github.com/tombelieber/claude-view-sub001/internal/bus"
	"github.com/tombelieber/claude-view-sub001/internal/config"
	"github.com/tombelieber/claude-view-sub001/internal/monitor"
	"github.com/tombelieber/claude-view-sub001/internal/session"
	"github.com/tombelieber/claude-view-sub001/internal/tail"
)

const (
	defaultTailLines = 50
	maxTailLines     = 1000
	maxHookBody      = 1 << 20
)

// Pipeline is the part of the monitor the server drives.
type Pipeline interface {
	HandleHook(ev agentstate.HookEvent) (agentstate.State, error)
	Stats() monitor.Stats
	Health() monitor.Health
	RecordLag(missed uint64)
}

type Server struct {
	store     *session.Store
	events    *bus.Bus[session.Event]
	admission *bus.Admission
	pipeline  Pipeline
	privacy   *session.PrivacyFilter

	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
	host           string
	port           int
}

func NewServer(cfg *config.Config, store *session.Store, events *bus.Bus[session.Event], admission *bus.Admission, pipeline Pipeline) *Server {
	s := &Server{
		store:          store,
		events:         events,
		admission:      admission,
		pipeline:       pipeline,
		privacy:        cfg.Privacy.NewPrivacyFilter(),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      cfg.Server.AuthToken,
		host:           cfg.Server.Host,
		port:           cfg.Server.Port,
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

// Handler returns the routed handler with auth, logging and security
// headers applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSession)
	mux.HandleFunc("GET /api/sessions/{id}/tail", s.handleTail)
	mux.HandleFunc("POST /api/hooks", s.handleHook)
	mux.HandleFunc("GET /api/status", s.handleStatus)

	return securityHeaders(loggingHandler(s.requireAuth(mux)))
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
// Streaming subscribers end when the event bus is closed.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.host, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	jsonEncode(w, s.privacy.FilterSlice(s.store.GetAll()))
}

// lookup returns a session that may be shown, or writes a 404.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.LiveSession, bool) {
	ls, ok := s.store.Get(r.PathValue("id"))
	if !ok || !s.privacy.IsAllowed(ls.ProjectPath) {
		jsonError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return ls, true
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	ls, ok := s.lookup(w, r)
	if !ok {
		return
	}
	jsonEncode(w, s.privacy.Apply(ls))
}

func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	ls, ok := s.lookup(w, r)
	if !ok {
		return
	}

	n := defaultTailLines
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			jsonError(w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = min(parsed, maxTailLines)
	}

	lines, err := tail.ReadLastLines(ls.LogPath, n)
	if err != nil {
		slog.Warn("tail read failed", "session", ls.ID, "path", ls.LogPath, "error", err)
		jsonError(w, http.StatusInternalServerError, "could not read session log")
		return
	}
	if lines == nil {
		lines = []string{}
	}
	jsonEncode(w, TailPayload{SessionID: s.privacy.MaskID(ls.ID), Lines: lines})
}

func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxHookBody))
	if err != nil {
		jsonError(w, http.StatusRequestEntityTooLarge, "hook body too large")
		return
	}

	ev, err := agentstate.DecodeHook(body, time.Now())
	if err == nil {
		var state agentstate.State
		if state, err = s.pipeline.HandleHook(ev); err == nil {
			jsonEncode(w, HookResponse{SessionID: ev.SessionID, State: state})
			return
		}
	}

	switch {
	case errors.Is(err, agentstate.ErrUnknownHookEvent):
		jsonError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		jsonError(w, http.StatusBadRequest, err.Error())
	}
	slog.Debug("hook rejected", "remote", r.RemoteAddr, "error", err)
}

type statusResponse struct {
	Stats     monitor.Stats  `json:"stats"`
	Health    monitor.Health `json:"health"`
	Admission bus.Counts     `json:"admission"`
	Published uint64         `json:"published"`
	Capacity  int            `json:"busCapacity"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts := s.admission.Counts()
	if s.privacy.MaskSessionIDs {
		masked := make(map[string]int, len(counts.PerSession))
		for id, n := range counts.PerSession {
			masked[s.privacy.MaskID(id)] = n
		}
		counts.PerSession = masked
	}
	jsonEncode(w, statusResponse{
		Stats:     s.pipeline.Stats(),
		Health:    s.pipeline.Health(),
		Admission: counts,
		Published: s.events.Published(),
		Capacity:  s.events.Capacity(),
	})
}

func (s *Server) admissionError(w http.ResponseWriter, r *http.Request, err error) {
	payload := ErrorPayload{Error: err.Error()}
	var ae *bus.AdmissionError
	if errors.As(err, &ae) {
		payload.Limit = ae.Limit
	}
	slog.Warn("subscriber rejected", "remote", r.RemoteAddr, "error", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			jsonError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-Claude-View-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func jsonEncode(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorPayload{Error: message})
}
