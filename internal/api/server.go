package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"argus/internal/auth"
	"argus/internal/database"
	"argus/internal/middleware"
	"argus/internal/pipeline"
)

// EventStore is the read side of the event database
type EventStore interface {
	GetEvent(ctx context.Context, id string) (*pipeline.Event, error)
	ListEvents(ctx context.Context, filter database.EventFilter) ([]pipeline.Event, error)
}

// Config wires the API to the running components. Nil handlers leave
// their routes unmounted.
type Config struct {
	Store         EventStore
	Authenticator *auth.Authenticator
	OutputRoot    string // media is only served from below this directory

	Events   http.Handler // websocket event feed
	Preview  http.Handler // MJPEG stream
	Snapshot http.Handler // single JPEG

	// Health reports detector availability by name
	Health func() map[string]bool
	// Clients reports connected live-feed clients
	Clients func() int

	Debug bool
}

// Server serves the HTTP API
type Server struct {
	cfg     Config
	logger  *zap.SugaredLogger
	started time.Time
	router  chi.Router
}

// NewServer builds the router
func NewServer(cfg Config, logger *zap.SugaredLogger) *Server {
	if cfg.Authenticator == nil {
		// a disabled authenticator never fails to build
		cfg.Authenticator, _ = auth.NewAuthenticator(auth.Config{})
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger.Named("api"),
		started: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/api/health", s.handleHealth)
	r.Post("/api/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(cfg.Authenticator))

		r.Get("/api/auth/status", s.handleAuthStatus)
		r.Get("/api/events", s.handleListEvents)
		r.Get("/api/events/{id}", s.handleGetEvent)
		r.Get("/api/events/{id}/media", s.handleEventMedia)

		if cfg.Events != nil {
			r.Method(http.MethodGet, "/ws/events", cfg.Events)
		}
		if cfg.Preview != nil {
			r.Method(http.MethodGet, "/stream/preview", cfg.Preview)
		}
		if cfg.Snapshot != nil {
			r.Method(http.MethodGet, "/stream/snapshot", cfg.Snapshot)
		}
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Routes lists mounted routes as "METHOD pattern"
func (s *Server) Routes() []string {
	var routes []string
	chi.Walk(s.router, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		routes = append(routes, method+" "+route)
		return nil
	})
	return routes
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		fields := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", chimw.GetReqID(r.Context()),
		}
		if ww.Status() >= http.StatusInternalServerError {
			s.logger.Warnw("request failed", fields...)
		} else if s.cfg.Debug {
			s.logger.Debugw("request", fields...)
		}
	})
}
