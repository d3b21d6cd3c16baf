package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/ovn-bgp-agent/internal/server"
)

var (
	// client is the admin API client, initialized in PersistentPreRunE.
	client *server.Client

	// outputFormat controls the output format for all commands.
	outputFormat string

	// serverAddr is the agent admin address (host:port).
	serverAddr string
)

// rootCmd is the top-level cobra command for ovn-bgp-agentctl.
var rootCmd = &cobra.Command{
	Use:   "ovn-bgp-agentctl",
	Short: "CLI client for the OVN BGP agent",
	Long:  "ovn-bgp-agentctl inspects the routing state of ovn-bgp-agent and requests resyncs over its admin API.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		client = server.NewDefaultClient("http://" + serverAddr)
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:8181",
		"agent admin address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", formatTable,
		"output format: table, json, yaml")

	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(resyncCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
