//go:build linux
// +build linux

package collect

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/pyperf/pysampler/internal/pyperf"
	"github.com/pyperf/pysampler/internal/pyperf/offsets"
	"github.com/pyperf/pysampler/internal/safe"
	"github.com/pyperf/pysampler/internal/sys/proc"
)

//go:generate go run github.com/cilium/ebpf/cmd/bpf2go -tags linux pyperf ../bpf/pyperf.bpf.c -- -I../bpf/headers

// Sampler owns one loaded instance of the pyperf BPF programs: it populates
// the offset tables, attaches the entry program to perf sampling events on
// every thread of its target processes, and drains the published stacks.
type Sampler struct {
	id       string
	cfg      Config
	logger   zerolog.Logger
	registry *offsets.Registry
	sink     AggregationSink

	mu           sync.Mutex
	objs         *pyperfObjects
	perfEventFDs []int
}

// NewSampler creates a Sampler. A nil registry gets the bundled default
// offset tables; a nil sink disables per-sample forwarding.
func NewSampler(cfg Config, registry *offsets.Registry, sink AggregationSink, logger zerolog.Logger) (*Sampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if registry == nil {
		registry = offsets.NewRegistry()
	}
	id := uuid.New().String()
	return &Sampler{
		id:       id,
		cfg:      cfg,
		logger:   logger.With().Str("sampler", id).Logger(),
		registry: registry,
		sink:     sink,
	}, nil
}

// ID returns the sampler's unique identifier.
func (s *Sampler) ID() string {
	return s.id
}

// Start loads the BPF programs, writes the offset tables into their maps,
// wires the tail-call program array, and attaches the entry program to a
// perf sampling event on every thread of every target PID.
func (s *Sampler) Start(pids []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.objs != nil {
		return fmt.Errorf("sampler already started")
	}
	if len(pids) == 0 {
		return fmt.Errorf("no target PIDs")
	}

	spec, err := loadPyperf()
	if err != nil {
		return fmt.Errorf("load BPF spec: %w", err)
	}
	if err := spec.RewriteConstants(map[string]interface{}{"verbose": s.cfg.Verbose}); err != nil {
		return fmt.Errorf("rewrite verbose constant: %w", err)
	}

	objs := &pyperfObjects{}
	if err := spec.LoadAndAssign(objs, nil); err != nil {
		return fmt.Errorf("load BPF objects: %w", err)
	}

	if err := s.registry.Populate(objs.VersionSpecificOffsets, objs.GlibcOffsets, objs.MuslOffsets); err != nil {
		objs.Close() // nolint:errcheck
		return fmt.Errorf("populate offset tables: %w", err)
	}

	// The walker tail-calls itself through the program array.
	if err := objs.Programs.Put(uint32(stackWalkingProgramIndex), objs.WalkPythonStack); err != nil {
		objs.Close() // nolint:errcheck
		return fmt.Errorf("wire stack-walking program: %w", err)
	}

	sample, clamp := safe.IntToUint64(s.cfg.SampleFrequencyHz)
	if clamp {
		objs.Close() // nolint:errcheck
		return fmt.Errorf("invalid frequency %dHz being clamped", s.cfg.SampleFrequencyHz)
	}

	// PerfBitInherit ensures threads spawned after attach are also sampled.
	attr := &unix.PerfEventAttr{
		Type:   unix.PERF_TYPE_SOFTWARE,
		Config: unix.PERF_COUNT_SW_CPU_CLOCK,
		Size:   uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Sample: sample,
		Bits:   unix.PerfBitFreq | unix.PerfBitInherit,
	}

	var perfEventFDs []int
	for _, pid := range pids {
		// One perf event per thread: a single event only monitors one task,
		// and interpreters routinely run threads beyond the main one.
		tids, err := proc.ListThreads(pid)
		if err != nil {
			s.logger.Warn().Err(err).Int("pid", pid).Msg("Failed to list threads, falling back to main PID only")
			tids = []int{pid}
		}

		for _, tid := range tids {
			fd, err := unix.PerfEventOpen(attr, tid, -1, -1, unix.PERF_FLAG_FD_CLOEXEC)
			if err != nil {
				s.logger.Warn().Err(err).Int("tid", tid).Msg("Failed to open perf event for thread, skipping")
				continue
			}

			if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_SET_BPF, objs.UnwindPythonStack.FD()); err != nil {
				unix.Close(fd) // nolint:errcheck
				s.logger.Warn().Err(err).Int("tid", tid).Msg("Failed to attach BPF to perf event, skipping")
				continue
			}

			if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
				unix.Close(fd) // nolint:errcheck
				s.logger.Warn().Err(err).Int("tid", tid).Msg("Failed to enable perf event, skipping")
				continue
			}

			perfEventFDs = append(perfEventFDs, fd)
		}
	}

	if len(perfEventFDs) == 0 {
		objs.Close() // nolint:errcheck
		return fmt.Errorf("failed to open perf events for any thread of %v", pids)
	}

	s.objs = objs
	s.perfEventFDs = perfEventFDs

	s.logger.Info().
		Ints("pids", pids).
		Int("thread_count", len(perfEventFDs)).
		Int("frequency_hz", s.cfg.SampleFrequencyHz).
		Msg("Python stack sampler started")

	return nil
}

// UpdateInterpreter publishes a process's interpreter metadata into
// pid_to_interpreter_info. The entry resolver reads it on the next perf
// event for that process; until then events for the PID produce
// "interpreter_info was NULL" error samples.
func (s *Sampler) UpdateInterpreter(pid uint32, info pyperf.InterpreterInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objs == nil {
		return fmt.Errorf("sampler not started")
	}

	key, clamp := safe.Uint32ToInt32(pid)
	if clamp {
		return fmt.Errorf("pid %d overflows pid_t", pid)
	}
	if err := s.objs.PidToInterpreterInfo.Put(key, toBPFInterpreterInfo(info)); err != nil {
		return fmt.Errorf("update pid_to_interpreter_info[%d]: %w", pid, err)
	}
	return nil
}

// ForgetInterpreter drops a process from pid_to_interpreter_info, typically
// on process exit. The map is LRU so this is an optimization, not a
// correctness requirement.
func (s *Sampler) ForgetInterpreter(pid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objs == nil {
		return fmt.Errorf("sampler not started")
	}

	key, clamp := safe.Uint32ToInt32(pid)
	if clamp {
		return fmt.Errorf("pid %d overflows pid_t", pid)
	}
	if err := s.objs.PidToInterpreterInfo.Delete(key); err != nil {
		return fmt.Errorf("delete pid_to_interpreter_info[%d]: %w", pid, err)
	}
	return nil
}

// Drain reads and clears the accumulated histogram: every stack_counts
// bucket joined with its published stack from stack_traces and rendered
// through the current symbol table. Samples are forwarded to the sink, if
// any, before being returned.
func (s *Sampler) Drain() ([]StackSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objs == nil {
		return nil, fmt.Errorf("sampler not started")
	}

	symtab, err := s.readSymbolTable()
	if err != nil {
		return nil, fmt.Errorf("read symbol table: %w", err)
	}

	var samples []StackSample
	var key stackCountKey
	var count uint64
	iter := s.objs.StackCounts.Iterate()
	for iter.Next(&key, &count) {
		var stack bpfStack
		if err := s.objs.StackTraces.Lookup(&key.InterpreterStackID, &stack); err != nil {
			s.logger.Warn().Err(err).
				Uint64("stack_hash", key.InterpreterStackID).
				Msg("Failed to look up published stack")
			continue
		}

		frames := stack.frames()
		sample := StackSample{
			Hash:       key.InterpreterStackID,
			PID:        key.PID,
			TID:        key.TID,
			Frames:     frames,
			FrameNames: ResolveFrameNames(frames, symtab),
			Count:      count,
		}
		if s.sink != nil {
			s.sink.Aggregate(sample)
		}
		samples = append(samples, sample)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("iterate stack counts: %w", err)
	}

	// Clear counts after reading so buckets don't accumulate across
	// collection windows. Published stacks stay: republishing under the
	// same hash is idempotent, and a warm stack_traces map saves the next
	// window a rehash.
	var delKey stackCountKey
	delIter := s.objs.StackCounts.Iterate()
	for delIter.Next(&delKey, &count) {
		if err := s.objs.StackCounts.Delete(&delKey); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to delete stack count entry")
		}
	}

	if s.cfg.Verbose {
		s.logger.Debug().Int("unique_stacks", len(samples)).Msg("Drained stack histogram")
	}

	return samples, nil
}

// DrainErrors reads and clears the pre-unwind error counters recorded by
// the entry resolver's error-sample path.
func (s *Sampler) DrainErrors() ([]UnwindError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objs == nil {
		return nil, fmt.Errorf("sampler not started")
	}

	var errorsOut []UnwindError
	var key bpfUnwindError
	var count uint64
	iter := s.objs.UnwindErrors.Iterate()
	for iter.Next(&key, &count) {
		errorsOut = append(errorsOut, UnwindError{
			ProgramID: key.ProgramID,
			Message:   cString(key.Msg[:]),
			Count:     count,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("iterate unwind errors: %w", err)
	}

	var delKey bpfUnwindError
	delIter := s.objs.UnwindErrors.Iterate()
	for delIter.Next(&delKey, &count) {
		if err := s.objs.UnwindErrors.Delete(&delKey); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to delete unwind error entry")
		}
	}

	return errorsOut, nil
}

// readSymbolTable snapshots the kernel-side symbol table as id -> Symbol.
func (s *Sampler) readSymbolTable() (map[uint32]pyperf.Symbol, error) {
	symtab := make(map[uint32]pyperf.Symbol)
	var key bpfSymbol
	var id uint32
	iter := s.objs.SymbolTable.Iterate()
	for iter.Next(&key, &id) {
		symtab[id] = key.symbol()
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return symtab, nil
}

// Close disables and closes every attached perf event and unloads the BPF
// objects.
func (s *Sampler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, fd := range s.perfEventFDs {
		if fd > 0 {
			_ = unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_DISABLE, 0)
			if err := unix.Close(fd); err != nil {
				errs = append(errs, fmt.Errorf("close perf event fd %d: %w", fd, err))
			}
		}
	}
	s.perfEventFDs = nil

	if s.objs != nil {
		if err := s.objs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close BPF objects: %w", err))
		}
		s.objs = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing sampler: %v", errs)
	}

	s.logger.Info().Msg("Python stack sampler closed")
	return nil
}
