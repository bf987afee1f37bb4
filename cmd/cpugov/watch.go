package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/serverket/cpugovd/pkg/client"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print governor changes as they happen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return withClient(cmd, func(_ context.Context, c *client.Client) error {
				// Signal matches live on the bus, not on the daemon, so a
				// daemon restart resumes delivery without reconnecting.
				events, err := c.Watch(ctx)
				if err != nil {
					return err
				}

				if gov, err := c.Governor(ctx); err == nil {
					fmt.Fprintln(cmd.OutOrStdout(), gov)
				}

				for gov := range events {
					fmt.Fprintln(cmd.OutOrStdout(), gov)
				}
				return nil
			})
		},
	}
}
