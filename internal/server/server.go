// Package server exposes the discovered project over a read-only JSON
// API and optionally re-discovers models when files change on disk.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/tidemark-labs/tidesql/internal/engine"
)

// DefaultPort is the listen port when the serve command does not
// override it.
const DefaultPort = 8090

// Config holds the server wiring.
type Config struct {
	Engine    *engine.Engine
	Port      int
	Watch     bool
	ModelsDir string
	Logger    *slog.Logger
}

// Server is the status HTTP server.
type Server struct {
	engine    *engine.Engine
	port      int
	watch     bool
	modelsDir string
	logger    *slog.Logger
}

// New returns a Server. A nil logger discards output.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	port := cfg.Port
	if port <= 0 {
		port = DefaultPort
	}
	return &Server{
		engine:    cfg.Engine,
		port:      port,
		watch:     cfg.Watch,
		modelsDir: cfg.ModelsDir,
		logger:    logger,
	}
}

// Handler builds the router. Split out so tests can drive it without a
// listener.
func (s *Server) Handler() http.Handler {
	r := chi.NewMux()
	r.Use(
		middleware.Logger,
		middleware.Recoverer,
		middleware.Compress(5),
	)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/models", s.handleModels)
		r.Get("/plan", s.handlePlan)
		r.Get("/runs", s.handleRuns)
		r.Get("/lineage/{model}", s.handleLineage)
	})
	return r
}

// Serve starts the server and blocks until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("starting status server", "addr", fmt.Sprintf("http://localhost:%d", s.port))

	eg, egctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
		BaseContext: func(_ net.Listener) context.Context {
			return egctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.watch {
		eg.Go(func() error {
			return s.watchFiles(egctx)
		})
	}

	eg.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.logger.Debug("shutting down status server")
		return srv.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}
