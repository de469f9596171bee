package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/vyvo/appbuilder/pkg/jobs"
	"github.com/vyvo/appbuilder/pkg/orchestrator"
)

// Logger is the subset of slog.Logger the HTTP layer needs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Runner schedules pipeline work.
type Runner interface {
	Submit(job jobs.Job) *orchestrator.Handle
	Replay(job jobs.Job) *orchestrator.Handle
}

// Broadcaster announces new jobs to every observer.
type Broadcaster interface {
	BroadcastGlobal(ctx context.Context, data any)
}

// Options configure the HTTP surface.
type Options struct {
	Secret       string
	CORSOrigins  []string
	MaxBodyBytes int64
	// RequestTimeout bounds every handler except the websocket.
	RequestTimeout time.Duration

	PublisherConfigured bool
	ModelConfigured     bool

	Now   func() time.Time
	NewID func() string
}

// Server exposes intake, project queries, health and the observer socket.
type Server struct {
	store  jobs.Store
	runner Runner
	hub    Broadcaster
	ws     http.Handler
	opts   Options
	logger Logger
}

// New builds the server. ws may be nil when live updates are disabled.
func New(store jobs.Store, runner Runner, hub Broadcaster, ws http.Handler, opts Options, logger Logger) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 25 << 20
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	return &Server{store: store, runner: runner, hub: hub, ws: ws, opts: opts, logger: logger}
}

// Routes returns the router with all endpoints mounted.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	if s.ws != nil {
		r.Handle("/ws", s.ws)
	}

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(s.opts.RequestTimeout))

		r.Get("/", s.handleRoot)
		r.Get("/health", s.handleHealth)
		r.Post("/api-endpoint", s.handleIntake)

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/health", s.handleHealth)
			r.Post("/builder/create", s.handleIntake)

			r.Route("/projects", func(r chi.Router) {
				r.Get("/", s.handleListProjects)
				r.Get("/stats", s.handleStats)
				r.Get("/{taskID}", s.handleGetProject)
				r.Delete("/{taskID}", s.handleDeleteProject)
			})
			r.Get("/jobs/{jobID}", s.handleGetJob)
		})
	})
	return r
}

func timeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowAll := len(s.opts.CORSOrigins) == 0 || slices.Contains(s.opts.CORSOrigins, "*")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case allowAll:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && slices.Contains(s.opts.CORSOrigins, origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{
		"message": "App builder API",
		"status":  "running",
	}, http.StatusOK)
}

type healthResponse struct {
	Status              string `json:"status"`
	Store               string `json:"store"`
	PublisherConfigured bool   `json:"publisher_configured"`
	ModelConfigured     bool   `json:"model_configured"`
	Timestamp           int64  `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:              "healthy",
		Store:               "ok",
		PublisherConfigured: s.opts.PublisherConfigured,
		ModelConfigured:     s.opts.ModelConfigured,
		Timestamp:           s.opts.Now().Unix(),
	}
	if err := s.store.Ping(r.Context()); err != nil {
		resp.Store = "error: " + err.Error()
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status == "degraded" {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, resp, status)
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, map[string]string{"error": message}, status)
}

func trimmed(s string) string {
	return strings.TrimSpace(s)
}
