package profile

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	cerrors "github.com/pyperf/pysampler/internal/errors"
	"github.com/pyperf/pysampler/internal/logging"
	"github.com/pyperf/pysampler/internal/pyperf"
	"github.com/pyperf/pysampler/internal/pyperf/collect"
	"github.com/pyperf/pysampler/internal/pyperf/offsets"
)

// NewPythonCmd creates the python stack sampling command.
func NewPythonCmd() *cobra.Command {
	var (
		pid             int
		durationSeconds int
		frequencyHz     int
		pythonVersion   string
		libcImpl        string
		libcVersion     string
		threadStateAddr string
		tlsKey          int
		format          string
		verbose         bool
	)

	cmd := &cobra.Command{
		Use:   "python",
		Short: "Sample Python-level call stacks with eBPF",
		Long: `Sample the Python interpreter stacks of a target process.

The sampler attaches a perf event to every thread of the target and walks
the interpreter's frame chain in-kernel on each tick, so the target needs
no instrumentation, restart, or cooperation. The interpreter's structure
layout is selected with --python-version; thread-state discovery goes
through pthread TLS (--tls-key) unless a fixed --thread-state-addr is
given.

Examples:
  # 30s of samples from a CPython 3.11 process on a glibc system
  pysampler profile python --pid 1234 --python-version 3.11

  # Generate a flamegraph (requires flamegraph.pl)
  pysampler profile python --pid 1234 | flamegraph.pl > py.svg

  # musl-based container, thread state under pthread key 2
  pysampler profile python --pid 1234 --libc musl --libc-version 1.2.2 --tls-key 2

  # JSON output for processing
  pysampler profile python --pid 1234 --duration 10 --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if pid <= 0 {
				return fmt.Errorf("--pid is required")
			}
			if durationSeconds <= 0 {
				durationSeconds = 30
			}
			if durationSeconds > 300 {
				return fmt.Errorf("duration cannot exceed 300 seconds")
			}

			logLevel := "info"
			if verbose {
				logLevel = "debug"
			}
			logger := logging.NewWithComponent(logging.Config{Level: logLevel, Pretty: true, Output: os.Stderr}, "pyperf")

			registry := offsets.NewRegistry()
			info, err := buildInterpreterInfo(registry, pythonVersion, libcImpl, libcVersion, threadStateAddr, tlsKey)
			if err != nil {
				return err
			}

			cfg := collect.Config{SampleFrequencyHz: frequencyHz, Verbose: verbose}
			sampler, err := collect.NewSampler(cfg, registry, nil, logger)
			if err != nil {
				return err
			}

			if err := sampler.Start([]int{pid}); err != nil {
				return fmt.Errorf("start sampler: %w", err)
			}
			defer cerrors.DeferClose(logger, sampler, "failed to close sampler")

			if err := sampler.UpdateInterpreter(uint32(pid), info); err != nil {
				return fmt.Errorf("publish interpreter info: %w", err)
			}

			fmt.Fprintf(os.Stderr, "Sampling Python stacks of pid %d (%ds at %dHz)...\n",
				pid, durationSeconds, cfg.SampleFrequencyHz)

			time.Sleep(time.Duration(durationSeconds) * time.Second)

			samples, err := sampler.Drain()
			if err != nil {
				return fmt.Errorf("drain samples: %w", err)
			}

			unwindErrors, err := sampler.DrainErrors()
			if err != nil {
				logger.Warn().Err(err).Msg("Failed to drain unwind errors")
			}
			for _, ue := range unwindErrors {
				logger.Warn().
					Str("error", ue.Message).
					Int32("program_id", ue.ProgramID).
					Uint64("count", ue.Count).
					Msg("Events sampled without unwinding")
			}

			switch format {
			case "json":
				return printPythonProfileJSON(samples)
			case "folded":
				fallthrough
			default:
				_, err := os.Stdout.WriteString(collect.FormatFoldedStacks(samples))
				return err
			}
		},
	}

	cmd.Flags().IntVarP(&pid, "pid", "p", 0, "Target process id (required)")
	cmd.Flags().IntVarP(&durationSeconds, "duration", "d", 30, "Sampling duration in seconds (default: 30s, max: 300s)")
	cmd.Flags().IntVar(&frequencyHz, "frequency", 99, "Sampling frequency in Hz (default: 99Hz, max: 1000Hz)")
	cmd.Flags().StringVar(&pythonVersion, "python-version", "3.11", "Target CPython release (3.6 through 3.13)")
	cmd.Flags().StringVar(&libcImpl, "libc", "glibc", "Target libc implementation: glibc, musl")
	cmd.Flags().StringVar(&libcVersion, "libc-version", "", "Target libc release (defaults to the newest bundled one)")
	cmd.Flags().StringVar(&threadStateAddr, "thread-state-addr", "", "Address of the variable holding the current PyThreadState pointer (0x-prefixed hex or decimal), bypassing TLS discovery")
	cmd.Flags().IntVar(&tlsKey, "tls-key", 0, "pthread key the interpreter stores its thread state under")
	cmd.Flags().StringVar(&format, "format", "folded", "Output format: folded (default), json")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable frame-by-frame diagnostic tracing")

	cmd.MarkFlagRequired("pid") //nolint:errcheck

	return cmd
}

// buildInterpreterInfo assembles the per-process record the entry resolver
// reads, resolving the version and libc tags against the bundled offset
// tables.
func buildInterpreterInfo(registry *offsets.Registry, pythonVersion, libcImpl, libcVersion, threadStateAddr string, tlsKey int) (pyperf.InterpreterInfo, error) {
	var info pyperf.InterpreterInfo

	versionIdx, _, ok := registry.Version(pythonVersion)
	if !ok {
		return info, fmt.Errorf("unsupported python version %q", pythonVersion)
	}
	info.PyVersionIndex = uint32(versionIdx)

	var impl pyperf.LibcImplementation
	switch libcImpl {
	case "glibc":
		impl = pyperf.LibcGlibc
	case "musl":
		impl = pyperf.LibcMusl
	default:
		return info, fmt.Errorf("unsupported libc implementation %q (want glibc or musl)", libcImpl)
	}
	info.LibcImpl = impl

	if libcVersion == "" {
		libcVersion = offsets.DefaultLibcVersion(impl)
	}
	libcIdx, _, ok := registry.Libc(impl, libcVersion)
	if !ok {
		return info, fmt.Errorf("unsupported %s version %q", libcImpl, libcVersion)
	}
	info.LibcOffsetIndex = uint32(libcIdx)

	if threadStateAddr != "" {
		addr, err := strconv.ParseUint(threadStateAddr, 0, 64)
		if err != nil {
			return info, fmt.Errorf("invalid --thread-state-addr %q: %w", threadStateAddr, err)
		}
		info.ThreadStateAddr = addr
		return info, nil
	}

	info.UseTLS = true
	info.TLSKey = int32(tlsKey)
	return info, nil
}

func printPythonProfileJSON(samples []collect.StackSample) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(samples)
}
