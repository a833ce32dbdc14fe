// Package server wires the HTTP router and runs the server with graceful
// shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	apierrors "github.com/BrettSwaim/skylight-photos/internal/api/errors"
	"github.com/BrettSwaim/skylight-photos/internal/api/handlers"
	"github.com/BrettSwaim/skylight-photos/internal/api/middleware"
	"github.com/BrettSwaim/skylight-photos/internal/config"
)

// Handlers groups everything the router mounts.
type Handlers struct {
	Media       *handlers.MediaHandler
	Auth        *handlers.AuthHandler
	Stats       *handlers.StatsHandler
	Maintenance *handlers.MaintenanceHandler
	Health      *handlers.HealthHandler
	PIN         *middleware.PINAuth
}

// Server is the HTTP server.
type Server struct {
	httpServer      *http.Server
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// New creates the server with all routes mounted.
func New(cfg *config.Config, logger *slog.Logger, h Handlers) *Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           NewRouter(cfg, logger, h),
		ReadHeaderTimeout: 10 * time.Second,
		// large uploads over a phone connection
		ReadTimeout: 15 * time.Minute,
		// a video response waits for the transcode
		WriteTimeout: cfg.TranscodeTimeout + 2*time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		httpServer:      srv,
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          logger.With(slog.String("component", "server")),
	}
}

// NewRouter builds the route tree.
//
//	GET    /health, /health/live, /health/ready, /metrics
//	GET    /api/media, /api/media/{id}, /api/media/{id}/file, /api/stats
//	POST   /api/verify-pin
//	POST   /api/upload                  (PIN)
//	DELETE /api/media/{id}              (PIN)
//	POST   /api/maintenance/reconcile   (PIN)
func NewRouter(cfg *config.Config, logger *slog.Logger, h Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MetricsMiddleware())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Range", middleware.PINHeader},
		ExposedHeaders: []string{"Content-Disposition", "Content-Range", "Content-Length"},
		MaxAge:         300,
	}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apierrors.NotFound(w, "No route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apierrors.WriteError(w, http.StatusMethodNotAllowed, apierrors.CodeMethodNotAllowed,
			r.Method+" is not allowed on "+r.URL.Path)
	})

	r.Get("/health", h.Health.Health)
	r.Get("/health/live", h.Health.HealthLive)
	r.Get("/health/ready", h.Health.HealthReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/media", h.Media.List)
		r.Get("/media/{id}", h.Media.Get)
		r.Get("/media/{id}/file", h.Media.File)
		r.Get("/stats", h.Stats.Stats)
		r.Post("/verify-pin", h.Auth.VerifyPIN)

		r.Group(func(r chi.Router) {
			r.Use(h.PIN.Middleware())
			r.Post("/upload", h.Media.Upload)
			r.Delete("/media/{id}", h.Media.Delete)
			r.Post("/maintenance/reconcile", h.Maintenance.Reconcile)
		})
	})

	if cfg.TracingEnabled {
		return otelhttp.NewHandler(r, "http.server",
			otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
				return req.Method + " " + req.URL.Path
			}),
		)
	}
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until SIGINT or SIGTERM, then shuts down gracefully within
// the configured timeout. In-flight uploads get that long to finish.
func (s *Server) Run() error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP server listening", slog.String("addr", s.httpServer.Addr))

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("Shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	s.logger.Info("Graceful shutdown", slog.Duration("timeout", s.shutdownTimeout))
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}
