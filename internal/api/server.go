package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/shellgate/internal/command"
	"github.com/mattjoyce/shellgate/internal/events"
	"github.com/mattjoyce/shellgate/internal/files"
	"github.com/mattjoyce/shellgate/internal/queue"
)

// JobStore defines the job store operations the API needs.
type JobStore interface {
	Insert(ctx context.Context, job *queue.Job) error
	Get(ctx context.Context, id string) (*queue.Job, error)
	CountByStatus(ctx context.Context) (map[queue.Status]int, error)
}

// FileLayout defines where job inputs are written and results read from.
type FileLayout interface {
	WriteInput(jobID string, r io.Reader) (int64, error)
	RemoveInput(jobID string) error
	OpenOutput(jobID string, s files.Stream) (*os.File, error)
}

// CommandRegistry defines the read-only view of the command whitelist.
type CommandRegistry interface {
	All() []command.Definition
	Len() int
}

// Config holds API server configuration
type Config struct {
	Listen string
	// MaxInputBytes bounds the request body of POST /run.
	MaxInputBytes int64
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	store     JobStore
	layout    FileLayout
	registry  CommandRegistry
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, store JobStore, layout FileLayout, registry CommandRegistry, hub *events.Hub, logger *slog.Logger) *Server {
	if config.MaxInputBytes <= 0 {
		config.MaxInputBytes = 10 << 20
	}
	if hub == nil {
		hub = events.NewHub(256)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		store:     store,
		layout:    layout,
		registry:  registry,
		events:    hub,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/commands", s.handleListCommands)
	r.Post("/run", s.handleRun)
	r.Get("/status/{jobID}", s.handleStatus)
	r.Get("/result/{file}", s.handleResult)
	r.Get("/events", s.handleEvents)

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
