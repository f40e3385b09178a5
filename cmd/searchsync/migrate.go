package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"searchsync/db"
)

// MigrateOptions holds flags for the migrate command.
type MigrateOptions struct {
	*RootOptions
	Print bool
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the agent and outbox event tables",
		Long: `Create the agent and outbox event tables and their indexes. Statements
are idempotent.

With --print the DDL is written to stdout instead, for review or for
inclusion in an existing migration tool.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Print, "print", false, "print the DDL instead of applying it")

	return cmd
}

func runMigrate(cmd *cobra.Command, opts *MigrateOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	if opts.Print {
		dialect := db.NewPostgres(cfg.Database.LockStrategy)
		if strings.EqualFold(cfg.Database.Driver, db.DriverSQLite) {
			dialect = db.NewSQLite()
		}
		_, err := fmt.Fprint(cmd.OutOrStdout(), cfg.Schema.Script(dialect))
		return err
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	handle, dialect, err := db.Open(ctx, cfg.DBOptions())
	if err != nil {
		return err
	}
	defer handle.Close()

	if err := db.Migrate(ctx, handle, dialect, cfg.Schema); err != nil {
		return err
	}
	opts.Logger.Info().
		Str("driver", dialect.Name()).
		Str("agent_table", cfg.Schema.AgentTableName()).
		Str("event_table", cfg.Schema.EventTableName()).
		Msg("schema migrated")
	return nil
}
