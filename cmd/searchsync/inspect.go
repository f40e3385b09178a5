package main

import (
	"context"
	"database/sql"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"searchsync/agent"
	"searchsync/config"
	"searchsync/db"
	"searchsync/outbox"
)

// openConfigured loads the configuration and connects to its database.
func openConfigured(ctx context.Context, opts *RootOptions) (config.Config, *sql.DB, db.Dialect, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	handle, dialect, err := db.Open(ctx, cfg.DBOptions())
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	return cfg, handle, dialect, nil
}

// NewAgentsCommand creates the agents command.
func NewAgentsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the agents registered in the cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			cfg, handle, dialect, err := openConfigured(ctx, opts)
			if err != nil {
				return err
			}
			defer handle.Close()

			agents, err := agent.NewRepository(dialect, cfg.Schema).FindAllOrderByID(ctx, handle)
			if err != nil {
				return err
			}
			if ok, err := opts.printJSON(cmd, agents); ok {
				return err
			}

			now := time.Now()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tNAME\tSTATE\tSHARD\tEXPIRES IN")
			for _, a := range agents {
				shardText := "-"
				if a.Shard != nil {
					shardText = a.Shard.String()
				}
				expires := a.Expiration.Sub(now).Round(time.Millisecond).String()
				if a.IsExpired(now) {
					expires = "expired"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", a.ID, a.Type, a.Name, a.State, shardText, expires)
			}
			return w.Flush()
		},
	}
}

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	*RootOptions
	Status string
	Entity string
	Limit  int
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List outbox events in processing order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch outbox.Status(opts.Status) {
			case "", outbox.StatusPending, outbox.StatusAborted:
			default:
				return fmt.Errorf("invalid status %q: must be PENDING or ABORTED", opts.Status)
			}

			ctx, cancel := signalContext(cmd)
			defer cancel()

			cfg, handle, dialect, err := openConfigured(ctx, opts.RootOptions)
			if err != nil {
				return err
			}
			defer handle.Close()

			repo := outbox.NewRepository(dialect, cfg.Schema)
			events, err := repo.FindAny(ctx, handle, outbox.Filter{
				Status:     outbox.Status(opts.Status),
				EntityName: opts.Entity,
				Limit:      opts.Limit,
			})
			if err != nil {
				return err
			}
			counts, err := repo.CountByStatus(ctx, handle)
			if err != nil {
				return err
			}
			if ok, err := opts.printJSON(cmd, map[string]any{"items": events, "counts": counts}); ok {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tENTITY\tHASH\tRETRIES\tPROCESS AFTER\tSTATUS")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s#%s\t%d\t%d\t%s\t%s\n",
					e.ID, e.EntityName, e.EntityID, e.EntityIDHash, e.Retries, e.ProcessAfter.UTC().Format(time.RFC3339Nano), e.Status)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "\n%d pending, %d aborted\n", counts[outbox.StatusPending], counts[outbox.StatusAborted])
			return err
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "only events with this status (PENDING|ABORTED)")
	cmd.Flags().StringVar(&opts.Entity, "entity", "", "only events of this entity type")
	cmd.Flags().IntVar(&opts.Limit, "limit", outbox.DefaultListLimit, "maximum number of events")

	return cmd
}
