// Package server exposes hookflow over HTTP: webhook admission on
// /webhooks/{slug}, the management API under /api/v1, and the
// health/readiness/metrics endpoints. Admission is the only write path
// that touches the queue; everything else is repository CRUD.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/hookflow/hookflow/queue"
	"github.com/hookflow/hookflow/storage"
	"github.com/hookflow/hookflow/workflow"
)

// Store is the persistence surface the HTTP layer needs. *storage.Store
// satisfies it.
type Store interface {
	CreateWorkflow(ctx context.Context, wf *workflow.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error)
	GetWorkflowBySlug(ctx context.Context, slug string) (*workflow.Workflow, error)
	ListWorkflows(ctx context.Context, limit, offset int) ([]*workflow.Workflow, error)
	UpdateWorkflow(ctx context.Context, wf *workflow.Workflow) error
	DeleteWorkflow(ctx context.Context, id string) error
	AddStep(ctx context.Context, workflowID string, step *workflow.Step, maxSteps int) error
	UpdateStep(ctx context.Context, step *workflow.Step) error
	DeleteStep(ctx context.Context, workflowID, stepID string) error

	CreateRun(ctx context.Context, workflowID string, trigger workflow.TriggerData) (*workflow.Run, error)
	GetRun(ctx context.Context, id string) (*workflow.Run, error)
	ListRuns(ctx context.Context, filter storage.RunFilter) ([]*workflow.Run, error)
	CancelRun(ctx context.Context, id string) (bool, error)
	DeleteRun(ctx context.Context, id string) error
	ListExecutions(ctx context.Context, runID string) ([]*workflow.StepExecution, error)

	GetIdempotentRun(ctx context.Context, key string) (string, error)
	BindIdempotencyKey(ctx context.Context, key, runID string, ttl time.Duration) (string, bool, error)

	Ping(ctx context.Context) error
}

// Config tunes the HTTP server.
type Config struct {
	// Host is the listen address.
	Host string

	// Port is the listen port.
	Port int

	// APIKey guards /api/v1 when set. Empty leaves the management API
	// open, for local development.
	APIKey string

	// MaxStepsPerWorkflow bounds authored workflows.
	MaxStepsPerWorkflow int

	// MaxStepTimeoutMs bounds an authored step's timeoutMs. The engine
	// caps the effective deadline at run time too; rejecting here keeps
	// authored values honest.
	MaxStepTimeoutMs int

	// MaxBodyBytes caps inbound webhook payloads.
	MaxBodyBytes int64

	// ShutdownTimeout bounds the drain on Stop.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the production server settings.
func DefaultConfig() Config {
	return Config{
		Host:                "0.0.0.0",
		Port:                3000,
		MaxStepsPerWorkflow: 20,
		MaxStepTimeoutMs:    1_800_000,
		MaxBodyBytes:        1_048_576,
		ShutdownTimeout:     10 * time.Second,
	}
}

// Validate checks the config for usable values.
func (c Config) Validate() error {
	if c.Host == "" {
		return errors.New("host required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.New("port must be 1..65535")
	}
	if c.MaxStepsPerWorkflow < 1 {
		return errors.New("max steps per workflow must be positive")
	}
	if c.MaxStepTimeoutMs < 1 {
		return errors.New("max step timeout must be positive")
	}
	if c.MaxBodyBytes < 1 {
		return errors.New("max body bytes must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	return nil
}

// Server is the hookflow HTTP front end.
type Server struct {
	cfg      Config
	store    Store
	enqueuer queue.Enqueuer
	rdb      redis.UniversalClient
	router   chi.Router
	logger   *slog.Logger

	mu         sync.Mutex
	running    bool
	httpServer *http.Server
}

// New creates a server with its routes mounted.
func New(store Store, enqueuer queue.Enqueuer, rdb redis.UniversalClient, cfg Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if enqueuer == nil {
		return nil, errors.New("enqueuer is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	s := &Server{
		cfg:      cfg,
		store:    store,
		enqueuer: enqueuer,
		rdb:      rdb,
		logger:   logger,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key", "X-Webhook-Signature", "X-Idempotency-Key"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/webhooks/{slug}", s.handleWebhook)

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.requireAPIKey)

		api.Post("/workflows", s.handleCreateWorkflow)
		api.Get("/workflows", s.handleListWorkflows)
		api.Get("/workflows/{id}", s.handleGetWorkflow)
		api.Patch("/workflows/{id}", s.handleUpdateWorkflow)
		api.Delete("/workflows/{id}", s.handleDeleteWorkflow)

		api.Post("/workflows/{id}/steps", s.handleAddStep)
		api.Patch("/workflows/{id}/steps/{stepId}", s.handleUpdateStep)
		api.Delete("/workflows/{id}/steps/{stepId}", s.handleDeleteStep)

		api.Get("/runs", s.handleListRuns)
		api.Get("/runs/{id}", s.handleGetRun)
		api.Get("/runs/{id}/steps", s.handleListRunSteps)
		api.Post("/runs/{id}/cancel", s.handleCancelRun)
	})
	return r
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listen address and begins serving. The bind happens
// synchronously so port conflicts surface here, not in a goroutine log.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("server already running")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.running = true

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server exited", "error", err)
		}
	}()
	s.logger.Info("HTTP server listening", "addr", addr)
	return nil
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	s.logger.Info("HTTP server stopped")
}

// requireAPIKey gates the management API with a constant-time key check
// when an API key is configured.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" {
			got := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.APIKey)) != 1 {
				s.writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid API key")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Field   string `json:"field,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, apiError{Error: code, Message: message})
}

// writeStoreError maps repository failures onto HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	var validationErr *workflow.ValidationError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not_found", "")
	case errors.Is(err, storage.ErrDuplicate):
		s.writeError(w, http.StatusConflict, "duplicate", err.Error())
	case errors.As(err, &validationErr):
		s.writeJSON(w, http.StatusBadRequest, apiError{
			Error:   "validation_error",
			Message: validationErr.Message,
			Field:   validationErr.Field,
		})
	default:
		s.logger.Error("Request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal_error", "")
	}
}
