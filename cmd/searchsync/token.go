package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"searchsync/auth"
)

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	Subject string
	Role    string
	TTL     time.Duration
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			tokens, err := auth.NewService(cfg.Admin.JWTSecret, opts.TTL)
			if err != nil {
				return err
			}
			token, err := tokens.Issue(opts.Subject, auth.Role(opts.Role))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	cmd.Flags().StringVar(&opts.Subject, "subject", "", "who the token is for (required)")
	cmd.Flags().StringVar(&opts.Role, "role", string(auth.RoleViewer), "granted role (viewer|operator)")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")

	return cmd
}
