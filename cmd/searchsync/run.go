package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"searchsync/api"
	"searchsync/auth"
	"searchsync/config"
	"searchsync/db"
	"searchsync/metrics"
	"searchsync/processing"
	"searchsync/worker"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Migrate bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run event processors and the admin API",
		Long: `Run the event processors configured for this process until interrupted.

With dynamic sharding one processor joins the cluster and takes whatever
shard the cluster assigns. With static sharding one processor runs per
assigned shard. Events are applied to the logging backend.

Example:
  searchsync run --config searchsync.yaml
  DATABASE_URL=postgres://localhost/app searchsync run --migrate`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcessors(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Migrate, "migrate", false, "create the coordination tables before starting")

	return cmd
}

func runProcessors(cmd *cobra.Command, opts *RunOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger := opts.Logger

	ctx, cancel := signalContext(cmd)
	defer cancel()

	if opts.Trace {
		shutdown, err := initTracer(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer shutdown(context.Background()) //nolint:errcheck
	}

	handle, dialect, err := db.Open(ctx, cfg.DBOptions())
	if err != nil {
		return err
	}
	defer handle.Close()

	if opts.Migrate {
		if err := db.Migrate(ctx, handle, dialect, cfg.Schema); err != nil {
			return err
		}
		logger.Info().Str("driver", dialect.Name()).Msg("schema migrated")
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}
	batchMetrics, err := metrics.NewBatchMetrics()
	if err != nil {
		return err
	}

	processors, err := buildProcessors(handle, dialect, cfg, batchMetrics, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range processors {
		g.Go(func() error { return p.Run(gctx) })
	}

	if cfg.Admin.Addr != "" {
		server, err := newAdminServer(handle, dialect, cfg, processors, logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return server.Run(gctx, cfg.Admin.Addr) })
	}

	logger.Info().Int("processors", len(processors)).Bool("static", cfg.Sharding.Static).Msg("searchsync started")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("searchsync stopped")
	return nil
}

func buildProcessors(handle *sql.DB, dialect db.Dialect, cfg config.Config, m *metrics.BatchMetrics, logger zerolog.Logger) ([]*worker.EventProcessor, error) {
	failures := processing.LogFailureHandler(logger)
	backend := processing.LogBackend{Logger: logger.With().Str("component", "backend").Logger()}
	plan := processing.NewPlan(processing.JSONCodec{}, backend, nil, failures, logger)

	members := cfg.Members()
	processors := make([]*worker.EventProcessor, 0, len(members))
	for _, member := range members {
		p, err := worker.NewEventProcessor(worker.Options{
			DB:       handle,
			Dialect:  dialect,
			Schema:   cfg.Schema,
			Member:   member,
			Plan:     plan,
			Failures: failures,
			Config:   cfg.WorkerConfig(),
			Metrics:  m,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("processor %s: %w", member.Name, err)
		}
		processors = append(processors, p)
	}
	return processors, nil
}

func newAdminServer(handle *sql.DB, dialect db.Dialect, cfg config.Config, processors []*worker.EventProcessor, logger zerolog.Logger) (*api.Server, error) {
	var tokens *auth.Service
	if cfg.Admin.JWTSecret != "" {
		var err error
		if tokens, err = auth.NewService(cfg.Admin.JWTSecret, 0); err != nil {
			return nil, err
		}
	} else {
		logger.Warn().Msg("admin api running without authentication")
	}
	return api.NewServer(api.Options{
		Store:   handle,
		Dialect: dialect,
		Schema:  cfg.Schema,
		Tokens:  tokens,
		OnSubmit: func() {
			for _, p := range processors {
				p.Wake()
			}
		},
		Logger: logger,
	}), nil
}
