package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func stateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show the routing state of the agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			snap, err := client.State(cmd.Context())
			if err != nil {
				return err
			}

			out, err := formatState(snap, outputFormat)
			if err != nil {
				return fmt.Errorf("format state: %w", err)
			}
			fmt.Println(out)
			return nil
		},
	}
}

func resyncCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "resync",
		Short: "Queue a full resync",
		Long:  "Asks the agent to rebuild its routing state from the Southbound database. The resync runs asynchronously.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := client.Resync(cmd.Context(), reason); err != nil {
				return err
			}
			fmt.Println("resync queued")
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the agent log")

	return cmd
}
