package sim

import (
	"github.com/pyperf/pysampler/internal/pyperf"
)

// SymbolInterner assigns symbol ids: given a symbol record it returns a
// stable, non-zero identifier, assigned on first observation and reused
// for equal records thereafter. The walker treats it as a black box.
type SymbolInterner interface {
	GetSymbolID(sym pyperf.Symbol) uint32
}

// Walker is a userspace reference model of the tail-call-chained
// unwind_python_stack/walk_python_stack programs in bpf/pyperf.bpf.c,
// parameterized the same way the kernel program is: by a Python version's
// offset table, a libc's TLS layout, and a target architecture. It pins
// down the exact semantics the kernel program must reproduce, independent
// of a kernel or a real interpreter.
type Walker struct {
	Memory   Memory
	Arch     pyperf.Arch
	Libc     pyperf.LibcImplementation
	Offsets  pyperf.PythonVersionOffsets
	LibcOffs pyperf.LibcOffsets
	Interner SymbolInterner

	// FramesPerProg and ProgCnt default to pyperf.PythonStackFramesPerProg
	// and pyperf.PythonStackProgCnt (via NewWalker) but are left as fields
	// so tests can exercise the tail-call budget logic at a scale smaller
	// than the real verifier limits.
	FramesPerProg int
	ProgCnt       int
}

// NewWalker returns a Walker using the real sandbox's frame and tail-call
// budgets.
func NewWalker(mem Memory, arch pyperf.Arch, libc pyperf.LibcImplementation, offs pyperf.PythonVersionOffsets, libcOffs pyperf.LibcOffsets, interner SymbolInterner) *Walker {
	return &Walker{
		Memory:        mem,
		Arch:          arch,
		Libc:          libc,
		Offsets:       offs,
		LibcOffs:      libcOffs,
		Interner:      interner,
		FramesPerProg: pyperf.PythonStackFramesPerProg,
		ProgCnt:       pyperf.PythonStackProgCnt,
	}
}

// maxDepth is this Walker's configured hard ceiling on a published stack's
// length, mirroring pyperf.MaxStackDepth for whatever FramesPerProg/ProgCnt
// it's configured with.
func (w *Walker) maxDepth() int {
	return w.FramesPerProg * w.ProgCnt
}

// Run resolves a thread's PyThreadState (P1) and then walks its Python
// frame chain to completion or truncation (P2), returning a Sample exactly
// as it would be published to stack_traces.
func (w *Walker) Run(pid, tid uint32, info pyperf.InterpreterInfo, tlsBase uint64) (pyperf.Sample, error) {
	var st pyperf.State
	st.Reset()
	st.InterpreterInfo = info
	st.Sample.PID = pid
	st.Sample.TID = tid

	if pid == 0 {
		return st.Sample, pyperf.ErrInterpreterInfoUnknown
	}

	threadState, err := w.resolveThreadState(info, tlsBase)
	if err != nil {
		return st.Sample, err
	}
	if threadState == 0 {
		return st.Sample, pyperf.ErrThreadStateNil
	}
	st.ThreadState = threadState

	if _, err := w.Memory.ReadUint64(threadState + uint64(w.Offsets.PyThreadState.ThreadID)); err != nil {
		return st.Sample, pyperf.ErrThreadIDRead
	}

	framePtr, err := w.resolveTopFrame(threadState)
	if err != nil {
		return st.Sample, err
	}
	if framePtr == 0 {
		return st.Sample, pyperf.ErrFramePtrNil
	}
	st.FramePtr = framePtr

	w.walk(&st)
	return st.Sample, nil
}

// resolveThreadState implements the ThreadStateAddr/UseTLS branch of the
// entry resolver: either the interpreter's reported fixed address, or a
// TLS lookup through the libc/arch-specific formula.
func (w *Walker) resolveThreadState(info pyperf.InterpreterInfo, tlsBase uint64) (uint64, error) {
	if !info.UseTLS {
		ts, err := w.Memory.ReadUint64(info.ThreadStateAddr)
		if err != nil {
			return 0, pyperf.ErrThreadStateRead
		}
		return ts, nil
	}
	ts, err := tlsRead(w.Memory, w.Arch, w.Libc, tlsBase, info.TLSKey, w.LibcOffs)
	if err != nil {
		return 0, pyperf.ErrTLSRead
	}
	return ts, nil
}

// resolveTopFrame fetches the current frame pointer from thread_state,
// taking the direct PyThreadState.frame field on <=3.10 or the
// cframe->current_frame indirection on >=3.11.
func (w *Walker) resolveTopFrame(threadState uint64) (uint64, error) {
	if w.Offsets.PyThreadState.Frame != notPresent {
		frame, err := w.Memory.ReadUint64(threadState + uint64(w.Offsets.PyThreadState.Frame))
		if err != nil {
			return 0, pyperf.ErrThreadStateRead
		}
		return frame, nil
	}

	cframe, err := w.Memory.ReadUint64(threadState + uint64(w.Offsets.PyThreadState.Cframe))
	if err != nil {
		return 0, pyperf.ErrCframeRead
	}
	if cframe == 0 {
		return 0, pyperf.ErrCframeNil
	}
	frame, err := w.Memory.ReadUint64(cframe + uint64(w.Offsets.PyCFrame.CurrentFrame))
	if err != nil {
		return 0, pyperf.ErrCframeRead
	}
	return frame, nil
}

// notPresent mirrors offsets.notPresent; duplicated here rather than
// imported to keep sim from depending on the offsets package, matching the
// layering between the BPF program (which only ever sees raw ints) and the
// offsets registry (a host-side-only concern).
const notPresent = -1

// walk is P2: it consumes st.FramePtr and the tail-call budget, appending
// encoded frames to st.Sample.Stack until the chain ends naturally or the
// budget (PythonStackFramesPerProg * PythonStackProgCnt) is exhausted.
func (w *Walker) walk(st *pyperf.State) {
	frame := st.FramePtr

	for st.StackWalkerProgCallCount < w.ProgCnt {
		framesThisCall := 0

		for framesThisCall < w.FramesPerProg {
			if frame == 0 {
				st.Sample.StackStatus = pyperf.StackComplete
				return
			}

			if w.Offsets.PyInterpreterFrame.Owner != notPresent {
				owner, err := w.Memory.ReadInt32(frame + uint64(w.Offsets.PyInterpreterFrame.Owner))
				if err != nil {
					st.Sample.StackStatus = pyperf.StackComplete
					return
				}
				if pyperf.FrameOwner(owner) == pyperf.FrameOwnedByCStack {
					next, err := w.Memory.ReadUint64(frame + uint64(w.Offsets.PyFrameObject.FBack))
					if err != nil || next == 0 {
						st.Sample.StackStatus = pyperf.StackComplete
						return
					}
					frame = next
					continue
				}
			}

			codeAddr, err := w.Memory.ReadUint64(frame + uint64(w.Offsets.PyFrameObject.FCode))
			if err != nil || codeAddr == 0 {
				st.Sample.StackStatus = pyperf.StackComplete
				return
			}

			sym, lineno := w.symbolize(frame, codeAddr)
			symbolID := w.Interner.GetSymbolID(sym)
			if len(st.Sample.Stack) < w.maxDepth() {
				st.Sample.Stack = append(st.Sample.Stack, pyperf.EncodeFrame(lineno, symbolID))
			}

			next, err := w.Memory.ReadUint64(frame + uint64(w.Offsets.PyFrameObject.FBack))
			if err != nil {
				st.Sample.StackStatus = pyperf.StackComplete
				return
			}
			frame = next
			framesThisCall++
		}

		st.StackWalkerProgCallCount++
	}

	if frame == 0 {
		st.Sample.StackStatus = pyperf.StackComplete
		return
	}
	st.Sample.StackStatus = pyperf.StackTruncated
}

// symbolize is the best-effort symbol reader, mirroring read_symbol in
// bpf/pyperf.bpf.c. Every read is probe-style: a failure leaves the
// corresponding field empty rather than aborting the frame.
func (w *Walker) symbolize(frame, codeAddr uint64) (pyperf.Symbol, uint32) {
	var sym pyperf.Symbol

	if firstArg, ok := w.readFirstArgName(codeAddr); ok {
		if firstArg == "self" || firstArg == "cls" {
			if local, err := w.Memory.ReadUint64(frame + uint64(w.Offsets.PyFrameObject.FLocalsplus)); err == nil && local != 0 {
				typeAddr := local
				if firstArg == "self" {
					if t, err := w.Memory.ReadUint64(local + uint64(w.Offsets.PyObject.ObType)); err == nil {
						typeAddr = t
					} else {
						typeAddr = 0
					}
				}
				if typeAddr != 0 {
					if className, err := w.Memory.ReadCString(typeAddr+uint64(w.Offsets.PyTypeObject.TpName), pyperf.MaxSymbolLen); err == nil {
						sym.ClassName = className
					}
				}
			}
		}
	}

	if nameAddr, err := w.Memory.ReadUint64(codeAddr + uint64(w.Offsets.PyCodeObject.CoName)); err == nil {
		if name, err := w.Memory.ReadCString(nameAddr+uint64(w.Offsets.PyString.Data), pyperf.MaxSymbolLen); err == nil {
			sym.MethodName = name
		}
	}

	if fileAddr, err := w.Memory.ReadUint64(codeAddr + uint64(w.Offsets.PyCodeObject.CoFilename)); err == nil {
		if path, err := w.Memory.ReadCString(fileAddr+uint64(w.Offsets.PyString.Data), pyperf.MaxSymbolLen); err == nil {
			sym.Path = path
		}
	}

	var lineno uint32
	if l, err := w.Memory.ReadInt32(codeAddr + uint64(w.Offsets.PyCodeObject.CoFirstlineno)); err == nil {
		lineno = uint32(l)
	}

	return sym, lineno
}

// readFirstArgName probes co_varnames[0]'s string data, used only to test
// for "self"/"cls".
func (w *Walker) readFirstArgName(codeAddr uint64) (string, bool) {
	varnames, err := w.Memory.ReadUint64(codeAddr + uint64(w.Offsets.PyCodeObject.CoVarnames))
	if err != nil || varnames == 0 {
		return "", false
	}
	firstItem, err := w.Memory.ReadUint64(varnames + uint64(w.Offsets.PyTupleObject.ObItem))
	if err != nil || firstItem == 0 {
		return "", false
	}
	name, err := w.Memory.ReadCString(firstItem+uint64(w.Offsets.PyString.Data), 4)
	if err != nil {
		return "", false
	}
	return name, true
}
