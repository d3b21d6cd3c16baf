package commands

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

const shellPrompt = "ovn-bgp-agentctl> "

// shellCommands lists the available commands for the interactive shell help output.
var shellCommands = []struct {
	name string
	desc string
}{
	{"state", "Show the routing state"},
	{"resync [--reason <text>]", "Queue a full resync"},
	{"monitor [--current]", "Watch exposed address changes"},
	{"version", "Print build information"},
	{"help", "Show this help message"},
	{"exit / quit", "Leave the interactive shell"},
}

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive ovn-bgp-agentctl shell",
		Long:  "Launches a simple REPL that accepts ovn-bgp-agentctl subcommands. Type 'help', 'exit', or 'quit'.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runShell(os.Stdin, os.Stdout, func(args []string) error {
				rootCmd.SetArgs(args)
				return rootCmd.Execute()
			})
		},
	}
}

// runShell reads commands from in until EOF or exit and passes each line,
// split into fields, to execute.
func runShell(in io.Reader, out io.Writer, execute func(args []string) error) error {
	fmt.Fprintln(out, "OVN BGP agent interactive shell. Type 'help' for available commands, 'exit' to quit.")
	fmt.Fprintln(out)

	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, shellPrompt)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "exit" || line == "quit":
			return nil
		case line == "help" || line == "?":
			printShellHelp(out)
		case line == "shell":
			fmt.Fprintln(out, "already in the shell")
		case line != "":
			if err := execute(strings.Fields(line)); err != nil {
				fmt.Fprintln(out, "Error:", err)
			}
		}

		fmt.Fprint(out, shellPrompt)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	return nil
}

// printShellHelp prints a formatted list of available shell commands.
func printShellHelp(out io.Writer) {
	fmt.Fprintln(out, "Available commands:")
	fmt.Fprintln(out)

	for _, cmd := range shellCommands {
		fmt.Fprintf(out, "  %-30s %s\n", cmd.name, cmd.desc)
	}

	fmt.Fprintln(out)
}
