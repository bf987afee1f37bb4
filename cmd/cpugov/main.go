package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/serverket/cpugovd/pkg/client"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "cpugov",
		Short:        "Inspect and set the CPU frequency scaling governor",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(newGetCmd(), newListCmd(), newSetCmd(), newInfoCmd(), newWatchCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Print the current governor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				gov, err := c.Governor(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), gov)
				return nil
			})
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the available governors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				govs, err := c.AvailableGovernors(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), strings.Join(govs, "\n"))
				return nil
			})
		},
	}
}

func newSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <governor>",
		Short: "Set the governor on every core (requires authorization)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				if err := c.SetGovernor(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "governor set to %s\n", args[0])
				return nil
			})
		},
	}
}

// withClient connects, runs fn, and rewrites transport absence into a
// message that tells the user what to do about it.
func withClient(cmd *cobra.Command, fn func(context.Context, *client.Client) error) error {
	c, err := client.New()
	if err != nil {
		return friendly(err)
	}
	defer c.Close()

	return friendly(fn(cmd.Context(), c))
}

func friendly(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, client.ErrDaemonUnavailable):
		return errors.New("cpugov daemon is not running; start the cpugovd service and retry")
	case errors.Is(err, client.ErrNotAuthorized):
		return errors.New("authorization was denied")
	default:
		return err
	}
}
