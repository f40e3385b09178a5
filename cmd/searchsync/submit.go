package main

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"searchsync/outbox"
	"searchsync/processing"
)

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	Entity  string
	ID      string
	Payload string
	Delay   time.Duration
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Append a change event to the outbox",
		Long: `Append a change event to the outbox, as an application would when an
indexed entity changes.

Example:
  searchsync submit --entity Book --id 42 --payload '{"title":"Dune"}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Entity, "entity", "", "entity type name (required)")
	cmd.Flags().StringVar(&opts.ID, "id", "", "entity id (required)")
	cmd.Flags().StringVar(&opts.Payload, "payload", "{}", "JSON object describing the change")
	cmd.Flags().DurationVar(&opts.Delay, "delay", 0, "delay before the event becomes eligible")
	_ = cmd.MarkFlagRequired("entity")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}

func runSubmit(cmd *cobra.Command, opts *SubmitOptions) error {
	var doc map[string]any
	if err := json.Unmarshal([]byte(opts.Payload), &doc); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	payload, err := processing.JSONCodec{}.Encode(doc)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	cfg, handle, dialect, err := openConfigured(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer handle.Close()

	entry := outbox.Entry{EntityName: opts.Entity, EntityID: opts.ID, Payload: payload}
	if opts.Delay > 0 {
		entry.ProcessAfter = time.Now().Add(opts.Delay)
	}
	id, err := outbox.NewSender(dialect, cfg.Schema).Send(ctx, handle, entry)
	if err != nil {
		return err
	}
	if ok, err := opts.printJSON(cmd, map[string]string{"id": id.String()}); ok {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
	return err
}

// NewReviveCommand creates the revive command.
func NewReviveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "revive <event-id>...",
		Short: "Requeue aborted events with a fresh retry budget",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]uuid.UUID, 0, len(args))
			for _, arg := range args {
				id, err := uuid.Parse(arg)
				if err != nil {
					return fmt.Errorf("invalid event id %q: %w", arg, err)
				}
				ids = append(ids, id)
			}

			ctx, cancel := signalContext(cmd)
			defer cancel()

			cfg, handle, dialect, err := openConfigured(ctx, opts)
			if err != nil {
				return err
			}
			defer handle.Close()

			n, err := outbox.NewRepository(dialect, cfg.Schema).Revive(ctx, handle, time.Now(), ids...)
			if err != nil {
				return err
			}
			if ok, err := opts.printJSON(cmd, map[string]int{"revived": n}); ok {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "revived %d of %d events\n", n, len(ids))
			return err
		},
	}
}
