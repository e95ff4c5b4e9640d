package collect

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"

	"github.com/pyperf/pysampler/internal/pyperf"
)

func TestToBPFInterpreterInfo(t *testing.T) {
	info := pyperf.InterpreterInfo{
		ThreadStateAddr: 0xdead,
		UseTLS:          true,
		TLSKey:          3,
		PyVersionIndex:  5,
		LibcImpl:        pyperf.LibcMusl,
		LibcOffsetIndex: 2,
	}

	got := toBPFInterpreterInfo(info)

	assert.EqualValues(t, 0xdead, got.ThreadStateAddr)
	assert.EqualValues(t, 1, got.UseTLS)
	assert.EqualValues(t, 3, got.TLSKey)
	assert.EqualValues(t, 5, got.PyVersionIndex)
	assert.EqualValues(t, uint8(pyperf.LibcMusl), got.LibcImplementation)
	assert.EqualValues(t, 2, got.LibcOffsetIndex)
}

// The mirror structs cross the syscall boundary byte-for-byte; their sizes
// must match the C definitions in bpf/headers.
func TestBPFMirrorStructSizes(t *testing.T) {
	assert.EqualValues(t, 24, unsafe.Sizeof(bpfInterpreterInfo{}))
	assert.EqualValues(t, 8+8*pyperf.MaxStackDepth, unsafe.Sizeof(bpfStack{}))
	assert.EqualValues(t, 24, unsafe.Sizeof(stackCountKey{}))
	assert.EqualValues(t, 3*pyperf.MaxSymbolLen, unsafe.Sizeof(bpfSymbol{}))
	assert.EqualValues(t, 68, unsafe.Sizeof(bpfUnwindError{}))
}

func TestBPFStackFramesBoundsLen(t *testing.T) {
	var s bpfStack
	s.Len = pyperf.MaxStackDepth + 10 // corrupt length must not over-read
	assert.Len(t, s.frames(), pyperf.MaxStackDepth)

	s.Len = 2
	s.Addresses[0] = 7
	s.Addresses[1] = 8
	assert.Equal(t, []uint64{7, 8}, s.frames())
}

func TestCString(t *testing.T) {
	assert.Equal(t, "abc", cString([]byte{'a', 'b', 'c', 0, 'x'}))
	assert.Equal(t, "", cString([]byte{0}))
	assert.Equal(t, "noterm", cString([]byte("noterm")))
}
