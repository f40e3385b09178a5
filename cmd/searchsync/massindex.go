package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"searchsync/worker"
)

// MassIndexOptions holds flags for the massindex command.
type MassIndexOptions struct {
	*RootOptions
	Name string
}

// NewMassIndexCommand creates the massindex command.
func NewMassIndexCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MassIndexOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "massindex -- <command> [args...]",
		Short: "Run a full reindex while event processors are suspended",
		Long: `Register a mass-indexing agent, wait until every event processor has
suspended, run the given command, then leave the cluster so processors
resume. Events keep accumulating in the outbox meanwhile.

Example:
  searchsync massindex -- ./reindex-all --index books`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMassIndex(cmd, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "agent name (defaults to <agent_name>-massindex)")

	return cmd
}

func runMassIndex(cmd *cobra.Command, opts *MassIndexOptions, args []string) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	cfg, handle, dialect, err := openConfigured(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer handle.Close()

	name := opts.Name
	if name == "" {
		name = cfg.AgentName + "-massindex"
	}
	indexer := worker.NewMassIndexerAgent(handle, dialect, cfg.Schema, name, cfg.Timing(), opts.Logger, nil)
	indexer.Start(ctx)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), worker.LeaveTimeout)
		defer stopCancel()
		if err := indexer.Stop(stopCtx); err != nil {
			opts.Logger.Warn().Err(err).Msg("leave failed")
		}
	}()

	opts.Logger.Info().Str("agent", name).Msg("waiting for event processors to suspend")
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-indexer.Ready():
	}

	start := time.Now()
	child := exec.CommandContext(ctx, args[0], args[1:]...)
	child.Stdin = os.Stdin
	child.Stdout = cmd.OutOrStdout()
	child.Stderr = cmd.ErrOrStderr()
	if err := child.Run(); err != nil {
		return fmt.Errorf("mass indexing command: %w", err)
	}
	opts.Logger.Info().Dur("elapsed", time.Since(start)).Msg("mass indexing finished")
	return nil
}
