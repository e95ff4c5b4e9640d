package profile

import "github.com/spf13/cobra"

// NewProfileCmd creates the root profile command.
func NewProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Collect stack samples from running processes",
		Long: `Collect stack samples from running processes.

Examples:
  pysampler profile python --pid 1234 --duration 30
  pysampler profile python --pid 1234 --duration 30 | flamegraph.pl > py.svg`,
	}

	cmd.AddCommand(NewPythonCmd())

	return cmd
}
