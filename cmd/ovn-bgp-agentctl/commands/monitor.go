package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/ovn-bgp-agent/internal/agent"
)

func monitorCmd() *cobra.Command {
	var (
		interval       time.Duration
		includeCurrent bool
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch exposed address changes",
		Long:  "Polls the agent state and prints addresses as they are exposed (+) or withdrawn (-) until interrupted (Ctrl+C).",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err := watchState(ctx, interval, includeCurrent)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval")
	cmd.Flags().BoolVar(&includeCurrent, "current", false,
		"print the currently exposed addresses before changes")

	return cmd
}

func watchState(ctx context.Context, interval time.Duration, includeCurrent bool) error {
	prev, err := client.State(ctx)
	if err != nil {
		return err
	}
	if includeCurrent {
		if err := printDiff(agent.Snapshot{}, prev); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		cur, err := client.State(ctx)
		if err != nil {
			return err
		}
		if err := printDiff(prev, cur); err != nil {
			return err
		}
		prev = cur
	}
}

func printDiff(prev, cur agent.Snapshot) error {
	out, err := formatDiff(prev, cur, outputFormat)
	if err != nil {
		return fmt.Errorf("format changes: %w", err)
	}
	if out != "" {
		fmt.Println(out)
	}
	return nil
}
