// internal/api/server.go
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/newthinker/replay/internal/api/middleware"
	"github.com/newthinker/replay/internal/config"
	"github.com/newthinker/replay/internal/metrics"
	"github.com/newthinker/replay/internal/progress"
	"github.com/newthinker/replay/internal/runner"
	"github.com/newthinker/replay/internal/task"
)

// Server is the HTTP front of the replay service.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	runner     *runner.Runner
	tasks      *task.Store
	publisher  *progress.Publisher
	logger     *zap.Logger
}

// Options wires the server's collaborators. Registry may be nil.
type Options struct {
	Config    *config.Config
	Runner    *runner.Runner
	Tasks     *task.Store
	Publisher *progress.Publisher
	Registry  *metrics.Registry
	Logger    *zap.Logger
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := mux.NewRouter()
	s := &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", opts.Config.Server.Host, opts.Config.Server.Port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		router:    router,
		runner:    opts.Runner,
		tasks:     opts.Tasks,
		publisher: opts.Publisher,
		logger:    logger,
	}

	router.Use(metrics.LoggingMiddleware(logger))
	if opts.Registry != nil {
		router.Use(metrics.HTTPMiddleware(opts.Registry))
		if opts.Config.Metrics.Enabled {
			router.Handle(opts.Config.Metrics.Path, opts.Registry.Handler()).Methods(http.MethodGet)
		}
	}
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	bt := router.PathPrefix("/backtests").Subrouter()
	bt.Use(middleware.APIKeyAuth(opts.Config.Server.APIKey))
	bt.HandleFunc("", s.handleCreate).Methods(http.MethodPost)
	bt.HandleFunc("", s.handleList).Methods(http.MethodGet)
	bt.HandleFunc("/{id}/status", s.handleStatus).Methods(http.MethodGet)
	bt.HandleFunc("/{id}/result", s.handleResult).Methods(http.MethodGet)
	bt.HandleFunc("/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	bt.HandleFunc("/{id}/stream", s.handleStream).Methods(http.MethodGet)

	return s
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
