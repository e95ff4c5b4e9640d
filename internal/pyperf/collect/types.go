package collect

import (
	"bytes"

	"github.com/pyperf/pysampler/internal/pyperf"
)

// stackWalkingProgramIndex is the tail-call slot walk_python_stack occupies
// in the programs array. Matches PYPERF_STACK_WALKING_PROGRAM_IDX in
// bpf/headers/pyperf.h.
const stackWalkingProgramIndex = 0

// StackSample is one drained histogram bucket: a published stack plus the
// number of perf events that hashed to it since the last drain.
type StackSample struct {
	Hash       uint64
	PID        uint32
	TID        uint32
	Frames     []uint64
	FrameNames []string
	Count      uint64
}

// UnwindError is one drained pre-unwind error bucket: the short error
// string and originating program id recorded by ERROR_SAMPLE, with the
// number of events that hit it.
type UnwindError struct {
	ProgramID int32
	Message   string
	Count     uint64
}

// AggregationSink receives every drained sample. It stands in for the
// shared aggregator that composes Python and native stack keys; label
// enrichment and export are its concern, not this package's.
type AggregationSink interface {
	Aggregate(sample StackSample)
}

// bpfInterpreterInfo mirrors InterpreterInfo in bpf/headers/pyperf.h
// byte-for-byte; cilium/ebpf copies it into the map value slot directly.
type bpfInterpreterInfo struct {
	ThreadStateAddr    uint64
	TLSKey             int32
	PyVersionIndex     uint32
	LibcOffsetIndex    uint32
	UseTLS             uint8
	LibcImplementation uint8
	_                  [2]uint8
}

func toBPFInterpreterInfo(info pyperf.InterpreterInfo) bpfInterpreterInfo {
	out := bpfInterpreterInfo{
		ThreadStateAddr:    info.ThreadStateAddr,
		TLSKey:             info.TLSKey,
		PyVersionIndex:     info.PyVersionIndex,
		LibcOffsetIndex:    info.LibcOffsetIndex,
		LibcImplementation: uint8(info.LibcImpl),
	}
	if info.UseTLS {
		out.UseTLS = 1
	}
	return out
}

// bpfStack mirrors stack_t in bpf/headers/pyperf.h.
type bpfStack struct {
	Len       uint64
	Addresses [pyperf.MaxStackDepth]uint64
}

func (s bpfStack) frames() []uint64 {
	n := s.Len
	if n > pyperf.MaxStackDepth {
		n = pyperf.MaxStackDepth
	}
	out := make([]uint64, n)
	copy(out, s.Addresses[:n])
	return out
}

// stackCountKey mirrors stack_count_key_t in bpf/headers/shared.h.
type stackCountKey struct {
	PID                uint32
	TID                uint32
	NativeStackID      uint64
	InterpreterStackID uint64
}

// bpfSymbol mirrors symbol_t in bpf/headers/pyperf.h.
type bpfSymbol struct {
	ClassName  [pyperf.MaxSymbolLen]byte
	MethodName [pyperf.MaxSymbolLen]byte
	Path       [pyperf.MaxSymbolLen]byte
}

func (s bpfSymbol) symbol() pyperf.Symbol {
	return pyperf.Symbol{
		ClassName:  cString(s.ClassName[:]),
		MethodName: cString(s.MethodName[:]),
		Path:       cString(s.Path[:]),
	}
}

// bpfUnwindError mirrors error_t in bpf/headers/shared.h.
type bpfUnwindError struct {
	ProgramID int32
	Msg       [64]byte
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
