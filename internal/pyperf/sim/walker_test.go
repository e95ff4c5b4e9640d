package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyperf/pysampler/internal/pyperf"
	"github.com/pyperf/pysampler/internal/pyperf/offsets"
	"github.com/pyperf/pysampler/internal/pyperf/symbols"
)

// fakeInterner is a minimal stand-in for symbol interning: first
// observation of a Symbol assigns a new non-zero id, later equal Symbols
// reuse it.
type fakeInterner struct {
	ids  map[pyperf.Symbol]uint32
	next uint32
}

func newFakeInterner() *fakeInterner {
	return &fakeInterner{ids: make(map[pyperf.Symbol]uint32), next: 1}
}

func (f *fakeInterner) GetSymbolID(sym pyperf.Symbol) uint32 {
	if id, ok := f.ids[sym]; ok {
		return id
	}
	id := f.next
	f.next++
	f.ids[sym] = id
	return id
}

// writeCodeObject populates a synthetic PyCodeObject. A zero varnamesAddr
// models a function whose first argument is not "self"/"cls" (or a
// function that takes no arguments at all).
func writeCodeObject(mem *FakeMemory, addr uint64, offs pyperf.PythonVersionOffsets, varnamesAddr, filenameAddr, nameAddr uint64, firstlineno int32) {
	co := offs.PyCodeObject
	mem.WriteUint64(addr+uint64(co.CoVarnames), varnamesAddr)
	mem.WriteUint64(addr+uint64(co.CoFilename), filenameAddr)
	mem.WriteUint64(addr+uint64(co.CoName), nameAddr)
	mem.WriteInt32(addr+uint64(co.CoFirstlineno), firstlineno)
}

func writeString(mem *FakeMemory, addr uint64, offs pyperf.PythonVersionOffsets, s string) {
	mem.WriteCString(addr+uint64(offs.PyString.Data), s)
}

func writeTuple(mem *FakeMemory, addr uint64, offs pyperf.PythonVersionOffsets, item0 uint64) {
	mem.WriteUint64(addr+uint64(offs.PyTupleObject.ObItem), item0)
}

func writeFrame(mem *FakeMemory, addr uint64, offs pyperf.PythonVersionOffsets, codeAddr, fback uint64) {
	fo := offs.PyFrameObject
	mem.WriteUint64(addr+uint64(fo.FCode), codeAddr)
	mem.WriteUint64(addr+uint64(fo.FBack), fback)
}

// tsSlot is where the fake interpreter keeps its current-PyThreadState
// pointer. InterpreterInfo.ThreadStateAddr points at it, and the entry
// resolver dereferences it once to reach the PyThreadState.
const tsSlot = 0x800

func TestWalkerDirectThreadStateThreeFrameChain(t *testing.T) {
	reg := offsets.NewRegistry()
	_, offs, ok := reg.Version("3.9")
	require.True(t, ok)

	mem := NewFakeMemory()
	const tsAddr = 0x1000
	const frameA, frameB, frameC = 0x2200, 0x2100, 0x2000
	const codeA, codeB, codeC = 0x3200, 0x3100, 0x3000
	const nameA, nameB, nameC = 0x4200, 0x4100, 0x4000
	const fileAddr = 0x5000

	mem.WriteUint64(tsAddr+uint64(offs.PyThreadState.Frame), frameC)
	mem.WriteUint64(tsAddr+uint64(offs.PyThreadState.ThreadID), 42)

	writeFrame(mem, frameC, offs, codeC, frameB)
	writeFrame(mem, frameB, offs, codeB, frameA)
	writeFrame(mem, frameA, offs, codeA, 0)

	writeString(mem, fileAddr, offs, "/app/mod.py")
	writeString(mem, nameA, offs, "a")
	writeString(mem, nameB, offs, "b")
	writeString(mem, nameC, offs, "c")

	writeCodeObject(mem, codeA, offs, 0, fileAddr, nameA, 30)
	writeCodeObject(mem, codeB, offs, 0, fileAddr, nameB, 20)
	writeCodeObject(mem, codeC, offs, 0, fileAddr, nameC, 10)
	mem.WriteUint64(tsSlot, tsAddr)

	w := NewWalker(mem, pyperf.ArchX86_64, pyperf.LibcGlibc, offs, pyperf.LibcOffsets{}, newFakeInterner())
	info := pyperf.InterpreterInfo{ThreadStateAddr: tsSlot}

	sample, err := w.Run(1, 1, info, 0)
	require.NoError(t, err)

	assert.Equal(t, pyperf.StackComplete, sample.StackStatus)
	require.Len(t, sample.Stack, 3)

	lineC, _ := pyperf.DecodeFrame(sample.Stack[0])
	lineB, _ := pyperf.DecodeFrame(sample.Stack[1])
	lineA, _ := pyperf.DecodeFrame(sample.Stack[2])
	assert.EqualValues(t, 10, lineC)
	assert.EqualValues(t, 20, lineB)
	assert.EqualValues(t, 30, lineA)
}

func TestWalkerTLSResolvedGlibcX86Self(t *testing.T) {
	reg := offsets.NewRegistry()
	_, offs, ok := reg.Version("3.9")
	require.True(t, ok)
	_, libc, ok := reg.Libc(pyperf.LibcGlibc, "2.31")
	require.True(t, ok)

	mem := NewFakeMemory()
	const tlsBase = 0x7f0000
	const key = 3
	const tsAddr = 0x1000
	const frame = 0x2000
	const code = 0x3000
	const varnames, tuple0, argName = 0x4000, 0x4100, 0x4200
	const selfObj, typeObj = 0x5000, 0x5100
	const nameAddr, fileAddr = 0x6000, 0x6100

	addr, err := tlsAddress(mem, pyperf.ArchX86_64, pyperf.LibcGlibc, tlsBase, key, libc)
	require.NoError(t, err)
	mem.WriteUint64(addr, tsAddr)

	mem.WriteUint64(tsAddr+uint64(offs.PyThreadState.Frame), frame)
	mem.WriteUint64(tsAddr+uint64(offs.PyThreadState.ThreadID), 7)

	writeFrame(mem, frame, offs, code, 0)
	mem.WriteUint64(frame+uint64(offs.PyFrameObject.FLocalsplus), selfObj)

	writeTuple(mem, varnames, offs, tuple0)
	mem.WriteUint64(tuple0, argName)
	writeString(mem, argName, offs, "self")

	mem.WriteUint64(selfObj+uint64(offs.PyObject.ObType), typeObj)
	writeString(mem, typeObj, offs, "Foo")

	writeString(mem, nameAddr, offs, "bar")
	writeString(mem, fileAddr, offs, "/app/foo.py")
	writeCodeObject(mem, code, offs, varnames, fileAddr, nameAddr, 15)

	w := NewWalker(mem, pyperf.ArchX86_64, pyperf.LibcGlibc, offs, libc, newFakeInterner())
	info := pyperf.InterpreterInfo{UseTLS: true, TLSKey: key}

	sample, err := w.Run(1, 1, info, tlsBase)
	require.NoError(t, err)
	require.Len(t, sample.Stack, 1)

	lineno, symbolID := pyperf.DecodeFrame(sample.Stack[0])
	assert.EqualValues(t, 15, lineno)
	assert.NotZero(t, symbolID)
}

func TestWalkerMuslAarch64ClsFirstClassmethod(t *testing.T) {
	reg := offsets.NewRegistry()
	_, offs, ok := reg.Version("3.9")
	require.True(t, ok)
	_, libc, ok := reg.Libc(pyperf.LibcMusl, "1.2.2")
	require.True(t, ok)

	mem := NewFakeMemory()
	const tlsBase = 0x7f0000
	const key = 1
	const tsAddr = 0x1000
	const frame = 0x2000
	const code = 0x3000
	const varnames, tuple0, argName = 0x4000, 0x4100, 0x4200
	const clsObj = 0x5000
	const nameAddr, fileAddr = 0x6000, 0x6100

	blockAddr := tlsBase + uint64(libc.PthreadBlock)
	const muslBlockTarget = 0x8000
	mem.WriteUint64(blockAddr, muslBlockTarget)
	addr, err := tlsAddress(mem, pyperf.ArchARM64, pyperf.LibcMusl, tlsBase, key, libc)
	require.NoError(t, err)
	mem.WriteUint64(addr, tsAddr)

	mem.WriteUint64(tsAddr+uint64(offs.PyThreadState.Frame), frame)
	mem.WriteUint64(tsAddr+uint64(offs.PyThreadState.ThreadID), 9)

	writeFrame(mem, frame, offs, code, 0)
	mem.WriteUint64(frame+uint64(offs.PyFrameObject.FLocalsplus), clsObj)
	writeString(mem, clsObj, offs, "Baz")

	writeTuple(mem, varnames, offs, tuple0)
	mem.WriteUint64(tuple0, argName)
	writeString(mem, argName, offs, "cls")

	writeString(mem, nameAddr, offs, "qux")
	writeString(mem, fileAddr, offs, "/app/baz.py")
	writeCodeObject(mem, code, offs, varnames, fileAddr, nameAddr, 55)

	w := NewWalker(mem, pyperf.ArchARM64, pyperf.LibcMusl, offs, libc, newFakeInterner())
	info := pyperf.InterpreterInfo{UseTLS: true, TLSKey: key}

	sample, err := w.Run(1, 1, info, tlsBase)
	require.NoError(t, err)
	require.Len(t, sample.Stack, 1)
	_, symbolID := pyperf.DecodeFrame(sample.Stack[0])
	assert.NotZero(t, symbolID)
}

func TestWalkerSkipsCStackOwnedTopFrame(t *testing.T) {
	reg := offsets.NewRegistry()
	_, offs, ok := reg.Version("3.12")
	require.True(t, ok)

	mem := NewFakeMemory()
	const tsAddr = 0x1000
	const cframeAddr = 0x1100
	const topFrame, realFrame = 0x2000, 0x2100
	const code = 0x3000
	const nameAddr, fileAddr = 0x4000, 0x4100

	mem.WriteUint64(tsAddr+uint64(offs.PyThreadState.Cframe), cframeAddr)
	mem.WriteUint64(tsAddr+uint64(offs.PyThreadState.ThreadID), 11)
	mem.WriteUint64(cframeAddr+uint64(offs.PyCFrame.CurrentFrame), topFrame)

	mem.WriteInt32(topFrame+uint64(offs.PyInterpreterFrame.Owner), int32(pyperf.FrameOwnedByCStack))
	mem.WriteUint64(topFrame+uint64(offs.PyFrameObject.FBack), realFrame)

	mem.WriteInt32(realFrame+uint64(offs.PyInterpreterFrame.Owner), int32(pyperf.FrameOwnedByThread))
	writeFrame(mem, realFrame, offs, code, 0)

	writeString(mem, nameAddr, offs, "run")
	writeString(mem, fileAddr, offs, "/app/run.py")
	writeCodeObject(mem, code, offs, 0, fileAddr, nameAddr, 5)
	mem.WriteUint64(tsSlot, tsAddr)

	w := NewWalker(mem, pyperf.ArchX86_64, pyperf.LibcGlibc, offs, pyperf.LibcOffsets{}, newFakeInterner())
	info := pyperf.InterpreterInfo{ThreadStateAddr: tsSlot}

	sample, err := w.Run(1, 1, info, 0)
	require.NoError(t, err)
	assert.Equal(t, pyperf.StackComplete, sample.StackStatus)
	require.Len(t, sample.Stack, 1, "the C-stack-owned frame must be skipped, not symbolized")
}

func TestWalkerIdempotentRepublishSameHash(t *testing.T) {
	reg := offsets.NewRegistry()
	_, offs, ok := reg.Version("3.9")
	require.True(t, ok)

	mem := NewFakeMemory()
	const tsAddr, frame, code, nameAddr, fileAddr = 0x1000, 0x2000, 0x3000, 0x4000, 0x4100

	mem.WriteUint64(tsAddr+uint64(offs.PyThreadState.Frame), frame)
	mem.WriteUint64(tsAddr+uint64(offs.PyThreadState.ThreadID), 1)
	writeFrame(mem, frame, offs, code, 0)
	writeString(mem, nameAddr, offs, "f")
	writeString(mem, fileAddr, offs, "/app/f.py")
	writeCodeObject(mem, code, offs, 0, fileAddr, nameAddr, 1)
	mem.WriteUint64(tsSlot, tsAddr)

	interner := newFakeInterner()
	w := NewWalker(mem, pyperf.ArchX86_64, pyperf.LibcGlibc, offs, pyperf.LibcOffsets{}, interner)
	info := pyperf.InterpreterInfo{ThreadStateAddr: tsSlot}

	first, err := w.Run(1, 1, info, 0)
	require.NoError(t, err)
	second, err := w.Run(1, 1, info, 0)
	require.NoError(t, err)

	assert.Equal(t, first.Stack, second.Stack, "republishing the same chain must produce an identical encoded stack")
	assert.Equal(t, symbols.HashStack(first.Stack), symbols.HashStack(second.Stack), "republishing the same chain must produce the same stack hash")
}

func TestWalkerBudgetExceededTruncatesAtMaxDepth(t *testing.T) {
	reg := offsets.NewRegistry()
	_, offs, ok := reg.Version("3.9")
	require.True(t, ok)

	const chainLen = 20
	mem := NewFakeMemory()
	const tsAddr = 0x1000
	baseFrame := uint64(0x10000)
	baseCode := uint64(0x20000)
	nameAddr := uint64(0x30000)
	const fileAddr = 0x40000
	writeString(mem, fileAddr, offs, "/app/deep.py")

	frameAddr := func(i int) uint64 { return baseFrame + uint64(i)*0x100 }
	codeAddr := func(i int) uint64 { return baseCode + uint64(i)*0x100 }

	for i := 0; i < chainLen; i++ {
		var next uint64
		if i < chainLen-1 {
			next = frameAddr(i + 1)
		}
		writeFrame(mem, frameAddr(i), offs, codeAddr(i), next)
		n := nameAddr + uint64(i)*0x100
		writeString(mem, n, offs, "frame")
		writeCodeObject(mem, codeAddr(i), offs, 0, fileAddr, n, int32(i))
	}

	mem.WriteUint64(tsAddr+uint64(offs.PyThreadState.Frame), frameAddr(0))
	mem.WriteUint64(tsAddr+uint64(offs.PyThreadState.ThreadID), 1)
	mem.WriteUint64(tsSlot, tsAddr)

	w := NewWalker(mem, pyperf.ArchX86_64, pyperf.LibcGlibc, offs, pyperf.LibcOffsets{}, newFakeInterner())
	w.FramesPerProg = 4
	w.ProgCnt = 3

	info := pyperf.InterpreterInfo{ThreadStateAddr: tsSlot}
	sample, err := w.Run(1, 1, info, 0)
	require.NoError(t, err)

	assert.Equal(t, pyperf.StackTruncated, sample.StackStatus)
	assert.Len(t, sample.Stack, 12)
}

func TestWalkerBoundaryExactBudgetIsComplete(t *testing.T) {
	reg := offsets.NewRegistry()
	_, offs, ok := reg.Version("3.9")
	require.True(t, ok)

	const chainLen = 6
	mem := NewFakeMemory()
	const tsAddr = 0x1000
	baseFrame := uint64(0x10000)
	baseCode := uint64(0x20000)
	nameAddr := uint64(0x30000)
	const fileAddr = 0x40000
	writeString(mem, fileAddr, offs, "/app/exact.py")

	frameAddr := func(i int) uint64 { return baseFrame + uint64(i)*0x100 }
	codeAddr := func(i int) uint64 { return baseCode + uint64(i)*0x100 }

	for i := 0; i < chainLen; i++ {
		var next uint64
		if i < chainLen-1 {
			next = frameAddr(i + 1)
		}
		writeFrame(mem, frameAddr(i), offs, codeAddr(i), next)
		n := nameAddr + uint64(i)*0x100
		writeString(mem, n, offs, "frame")
		writeCodeObject(mem, codeAddr(i), offs, 0, fileAddr, n, int32(i))
	}

	mem.WriteUint64(tsAddr+uint64(offs.PyThreadState.Frame), frameAddr(0))
	mem.WriteUint64(tsAddr+uint64(offs.PyThreadState.ThreadID), 1)
	mem.WriteUint64(tsSlot, tsAddr)

	w := NewWalker(mem, pyperf.ArchX86_64, pyperf.LibcGlibc, offs, pyperf.LibcOffsets{}, newFakeInterner())
	w.FramesPerProg = 2
	w.ProgCnt = 3

	info := pyperf.InterpreterInfo{ThreadStateAddr: tsSlot}
	sample, err := w.Run(1, 1, info, 0)
	require.NoError(t, err)

	assert.Equal(t, pyperf.StackComplete, sample.StackStatus)
	assert.Len(t, sample.Stack, chainLen)
}

func TestWalkerZeroThreadStateIsError(t *testing.T) {
	reg := offsets.NewRegistry()
	_, offs, ok := reg.Version("3.9")
	require.True(t, ok)

	mem := NewFakeMemory()
	const tsAddr = 0x1000
	mem.WriteUint64(tsAddr, 0)

	w := NewWalker(mem, pyperf.ArchX86_64, pyperf.LibcGlibc, offs, pyperf.LibcOffsets{}, newFakeInterner())
	info := pyperf.InterpreterInfo{ThreadStateAddr: tsAddr}

	_, err := w.Run(1, 1, info, 0)
	assert.ErrorIs(t, err, pyperf.ErrThreadStateNil)
}

func TestWalkerPIDZeroIsError(t *testing.T) {
	reg := offsets.NewRegistry()
	_, offs, ok := reg.Version("3.9")
	require.True(t, ok)

	w := NewWalker(NewFakeMemory(), pyperf.ArchX86_64, pyperf.LibcGlibc, offs, pyperf.LibcOffsets{}, newFakeInterner())
	_, err := w.Run(0, 0, pyperf.InterpreterInfo{}, 0)
	assert.ErrorIs(t, err, pyperf.ErrInterpreterInfoUnknown)
}

func TestWalkerProbeReadFailureMidWalkPublishesComplete(t *testing.T) {
	reg := offsets.NewRegistry()
	_, offs, ok := reg.Version("3.9")
	require.True(t, ok)

	mem := NewFakeMemory()
	const tsAddr = 0x1000
	const frameTop, frameMid, frameBottom = 0x2000, 0x2100, 0x2200
	const codeTop = 0x3000
	const nameAddr, fileAddr = 0x4000, 0x4100

	mem.WriteUint64(tsAddr+uint64(offs.PyThreadState.Frame), frameTop)
	mem.WriteUint64(tsAddr+uint64(offs.PyThreadState.ThreadID), 3)

	writeFrame(mem, frameTop, offs, codeTop, frameMid)
	writeFrame(mem, frameMid, offs, 0x3100, frameBottom)
	writeString(mem, nameAddr, offs, "top")
	writeString(mem, fileAddr, offs, "/app/top.py")
	writeCodeObject(mem, codeTop, offs, 0, fileAddr, nameAddr, 2)

	// The second frame's f_code read fails; the walk breaks there and the
	// partial sample is still published as complete.
	mem.FailAt(frameMid + uint64(offs.PyFrameObject.FCode))
	mem.WriteUint64(tsSlot, tsAddr)

	w := NewWalker(mem, pyperf.ArchX86_64, pyperf.LibcGlibc, offs, pyperf.LibcOffsets{}, newFakeInterner())
	sample, err := w.Run(1, 1, pyperf.InterpreterInfo{ThreadStateAddr: tsSlot}, 0)
	require.NoError(t, err)

	assert.Equal(t, pyperf.StackComplete, sample.StackStatus)
	assert.Len(t, sample.Stack, 1)
}

func TestWalkerSymbolReadFailureLeavesFieldsEmpty(t *testing.T) {
	reg := offsets.NewRegistry()
	_, offs, ok := reg.Version("3.9")
	require.True(t, ok)

	mem := NewFakeMemory()
	const tsAddr, frame, code = 0x1000, 0x2000, 0x3000
	const nameAddr, fileAddr = 0x4000, 0x4100

	mem.WriteUint64(tsAddr+uint64(offs.PyThreadState.Frame), frame)
	mem.WriteUint64(tsAddr+uint64(offs.PyThreadState.ThreadID), 1)
	writeFrame(mem, frame, offs, code, 0)
	writeString(mem, nameAddr, offs, "f")
	writeString(mem, fileAddr, offs, "/app/f.py")
	writeCodeObject(mem, code, offs, 0, fileAddr, nameAddr, 9)

	// co_filename's string data is unreadable; the frame survives with an
	// empty path rather than aborting the walk.
	mem.FailAt(fileAddr + uint64(offs.PyString.Data))
	mem.WriteUint64(tsSlot, tsAddr)

	interner := newFakeInterner()
	w := NewWalker(mem, pyperf.ArchX86_64, pyperf.LibcGlibc, offs, pyperf.LibcOffsets{}, interner)
	sample, err := w.Run(1, 1, pyperf.InterpreterInfo{ThreadStateAddr: tsSlot}, 0)
	require.NoError(t, err)

	require.Len(t, sample.Stack, 1)
	assert.Equal(t, pyperf.StackComplete, sample.StackStatus)

	_, symbolID := pyperf.DecodeFrame(sample.Stack[0])
	for sym, id := range interner.ids {
		if id == symbolID {
			assert.Equal(t, "f", sym.MethodName)
			assert.Empty(t, sym.Path)
		}
	}
}
