package cli

import (
	"github.com/spf13/cobra"

	"github.com/pyperf/pysampler/internal/cli/profile"
	"github.com/pyperf/pysampler/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "pysampler",
	Short: "pysampler - eBPF Python stack sampler",
	Long: `Sample the Python-level call stacks of running interpreters with eBPF.

On each perf sampling tick the in-kernel programs resolve the target
thread's PyThreadState, walk its interpreter frame chain, and publish a
deduplicated, hashed stack trace. This CLI attaches the programs to a
target process and drains the aggregated stacks.

Key capabilities:
- No interpreter cooperation: structure layouts come from offset tables
  covering CPython 3.6 through 3.13
- TLS-based thread-state discovery for glibc and musl on x86-64 and aarch64
- Folded output ready for flamegraph.pl`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(profile.NewProfileCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("pysampler version %s\n", version.Version)
			cmd.Printf("Git commit: %s\n", version.GitCommit)
			cmd.Printf("Build date: %s\n", version.BuildDate)
			cmd.Printf("Go version: %s\n", version.GoVersion)
		},
	}
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
