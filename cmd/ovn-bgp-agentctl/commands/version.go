package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	appversion "github.com/dantte-lp/ovn-bgp-agent/internal/version"
)

const binaryName = "ovn-bgp-agentctl"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print ovn-bgp-agentctl build information",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if outputFormat == formatTable {
				fmt.Println(appversion.Full(binaryName))
				return nil
			}

			var (
				out string
				err error
			)
			switch outputFormat {
			case formatJSON:
				out, err = marshalJSON(appversion.Current(binaryName))
			case formatYAML:
				out, err = marshalYAML(appversion.Current(binaryName))
			default:
				err = fmt.Errorf("%w: %q", errUnsupportedFormat, outputFormat)
			}
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
}
