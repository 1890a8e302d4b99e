package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/snarg/livesum/internal/config"
	"github.com/snarg/livesum/internal/metrics"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// ServerOptions carries the live components the routes are served from.
type ServerOptions struct {
	Pipeline Pipeline
	Bus      EventStream
	Health   HealthDeps
}

func NewServer(cfg *config.Config, opts ServerOptions, version string, startTime time.Time, log zerolog.Logger) *Server {
	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      NewRouter(cfg, opts, version, startTime, log),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: log,
	}
}

// NewRouter builds the HTTP routes. It is separate from NewServer so tests
// can mount it on httptest.
func NewRouter(cfg *config.Config, opts ServerOptions, version string, startTime time.Time, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(log))
	r.Use(metrics.InstrumentHandler)
	r.Use(CORSWithOrigins(cfg.CORSOriginList()))

	// Health and metrics: no auth
	opts.Health.Pipeline = opts.Pipeline
	opts.Health.Bus = opts.Bus
	health := NewHealthHandler(opts.Health, version, startTime)
	r.Get("/api/v1/health", health.ServeHTTP)
	r.Handle("/metrics", metrics.Handler())

	events := NewEventsHandler(opts.Pipeline, opts.Bus, cfg.CORSOriginList())
	r.Route("/api/live", func(r chi.Router) {
		events.Routes(r)

		// Authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(cfg.AuthToken))
			r.Post("/start", events.Start)
		})
	})

	return r
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
