// Package api serves the admin HTTP API: health probes, Prometheus metrics
// and read/operate endpoints over the agent and outbox tables.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"searchsync/agent"
	"searchsync/auth"
	"searchsync/db"
	"searchsync/outbox"
	"searchsync/processing"
)

const shutdownTimeout = 5 * time.Second

// Store is the database surface the API reads and writes through.
type Store interface {
	db.Querier
	PingContext(ctx context.Context) error
}

// Options wires a Server.
type Options struct {
	Store   Store
	Dialect db.Dialect
	Schema  db.Schema
	// Tokens guards /admin. Nil leaves the admin routes open.
	Tokens *auth.Service
	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	// OnSubmit runs after an event was stored through the API.
	OnSubmit func()
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Server holds the admin API handlers.
type Server struct {
	store    Store
	agents   *agent.Repository
	events   *outbox.Repository
	sender   *outbox.Sender
	codec    processing.JSONCodec
	tokens   *auth.Service
	gatherer prometheus.Gatherer
	onSubmit func()
	logger   zerolog.Logger
	now      func() time.Time
}

func NewServer(opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.OnSubmit == nil {
		opts.OnSubmit = func() {}
	}
	return &Server{
		store:    opts.Store,
		agents:   agent.NewRepository(opts.Dialect, opts.Schema),
		events:   outbox.NewRepository(opts.Dialect, opts.Schema),
		sender:   outbox.NewSender(opts.Dialect, opts.Schema),
		tokens:   opts.Tokens,
		gatherer: opts.Gatherer,
		onSubmit: opts.OnSubmit,
		logger:   opts.Logger.With().Str("component", "api").Logger(),
		now:      opts.Now,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(s.logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/ready", s.handleReady)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	admin := router.Group("/admin")
	admin.Use(requireAuth(s.tokens))
	admin.GET("/agents", requireRole(s.tokens, auth.RoleViewer), s.handleAgents)
	admin.GET("/events", requireRole(s.tokens, auth.RoleViewer), s.handleEvents)
	admin.POST("/events", requireRole(s.tokens, auth.RoleOperator), s.handleSubmit)
	admin.POST("/events/:id/revive", requireRole(s.tokens, auth.RoleOperator), s.handleRevive)

	return router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("admin api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
