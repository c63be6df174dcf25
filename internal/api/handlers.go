package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"argus/internal/auth"
	"argus/internal/database"
	"argus/internal/middleware"
	"argus/internal/pipeline"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// HealthResponse is returned by GET /api/health
type HealthResponse struct {
	Status    string          `json:"status"` // ok or degraded
	Uptime    string          `json:"uptime"`
	Detectors map[string]bool `json:"detectors,omitempty"`
	Clients   int             `json:"clients"`
}

// LoginRequest is the body of POST /api/auth/login
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries a bearer token
type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// AuthStatusResponse is returned by GET /api/auth/status
type AuthStatusResponse struct {
	Enabled       bool   `json:"enabled"`
	Authenticated bool   `json:"authenticated"`
	Username      string `json:"username,omitempty"`
}

// EventsResponse is returned by GET /api/events
type EventsResponse struct {
	Events []pipeline.Event `json:"events"`
	Count  int              `json:"count"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.started).Truncate(time.Second).String(),
	}
	if s.cfg.Health != nil {
		resp.Detectors = s.cfg.Health()
		for _, healthy := range resp.Detectors {
			if !healthy {
				resp.Status = "degraded"
			}
		}
	}
	if s.cfg.Clients != nil {
		resp.Clients = s.cfg.Clients()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, expiresAt, err := s.cfg.Authenticator.Authenticate(req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrAuthDisabled):
		writeError(w, http.StatusBadRequest, "authentication is disabled")
		return
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.logger.Infow("login rejected", "username", req.Username, "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	case err != nil:
		s.logger.Errorw("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, LoginResponse{Token: token, ExpiresAt: expiresAt})
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	resp := AuthStatusResponse{Enabled: s.cfg.Authenticator.IsEnabled()}
	if claims := middleware.GetUserFromContext(r.Context()); claims != nil {
		resp.Authenticated = true
		resp.Username = claims.Operator()
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseFilter reads session_id, kind, since (RFC 3339) and limit
func parseFilter(r *http.Request) (database.EventFilter, error) {
	q := r.URL.Query()
	filter := database.EventFilter{
		SessionID: q.Get("session_id"),
		Kind:      pipeline.EventKind(q.Get("kind")),
		Limit:     defaultListLimit,
	}

	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New("since must be an RFC 3339 timestamp")
		}
		filter.Since = &since
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			return filter, errors.New("limit must be a positive integer")
		}
		filter.Limit = min(limit, maxListLimit)
	}
	return filter, nil
}

func (s *Server) storeAvailable(w http.ResponseWriter) bool {
	if s.cfg.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "event store is disabled")
		return false
	}
	return true
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if !s.storeAvailable(w) {
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := s.cfg.Store.ListEvents(r.Context(), filter)
	if err != nil {
		s.logger.Errorw("failed to list events", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []pipeline.Event{}
	}
	writeJSON(w, http.StatusOK, EventsResponse{Events: events, Count: len(events)})
}

func (s *Server) lookupEvent(w http.ResponseWriter, r *http.Request) *pipeline.Event {
	if !s.storeAvailable(w) {
		return nil
	}
	id := chi.URLParam(r, "id")
	event, err := s.cfg.Store.GetEvent(r.Context(), id)
	if err != nil {
		s.logger.Errorw("failed to get event", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get event")
		return nil
	}
	if event == nil {
		writeError(w, http.StatusNotFound, "event not found")
		return nil
	}
	return event
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	if event := s.lookupEvent(w, r); event != nil {
		writeJSON(w, http.StatusOK, event)
	}
}

func (s *Server) handleEventMedia(w http.ResponseWriter, r *http.Request) {
	event := s.lookupEvent(w, r)
	if event == nil {
		return
	}
	if event.Path == "" {
		writeError(w, http.StatusNotFound, "event has no media")
		return
	}

	path, ok := s.mediaPath(event.Path)
	if !ok {
		s.logger.Warnw("refusing media outside output root", "id", event.ID, "path", event.Path)
		writeError(w, http.StatusForbidden, "media is outside the output root")
		return
	}

	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "media no longer available")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "media no longer available")
		return
	}
	http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
}

// mediaPath resolves p and reports whether it lies below the output root
func (s *Server) mediaPath(p string) (string, bool) {
	root, err := filepath.Abs(s.cfg.OutputRoot)
	if err != nil {
		return "", false
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return abs, true
}
