// Package symbols implements the two collaborators the kernel-side walker
// treats as black boxes: stack hashing and symbol interning. Both run in
// userspace against data the kernel program has already published; nothing
// here runs inside the verifier's sandbox.
package symbols

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"

	"github.com/pyperf/pysampler/internal/pyperf"
)

// pythonStackHashSeed differs from the native/C unwinder's seed so that a
// Python-origin stack and a native-origin stack can never alias to the
// same hash value.
const pythonStackHashSeed uint64 = 0x7079_7065_7266_3030 // "pyperf00"

// HashStack computes a deterministic, length-prefixed 64-bit hash of a
// Sample's stack in userspace. Length-prefixing (rather than just hashing
// the raw bytes) keeps a truncated prefix of one stack from hashing equal
// to a different, shorter stack that happens to share that prefix. It is
// not the kernel-side hash_stack in bpf/headers/hash.h (that one is a
// MurmurHash2-style mix with a different seed), so its values differ from
// the stack_traces keys the BPF program publishes.
func HashStack(stack []uint64) uint64 {
	buf := make([]byte, 8+8*len(stack))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(len(stack)))
	for i, frame := range stack {
		binary.LittleEndian.PutUint64(buf[8+8*i:16+8*i], frame)
	}
	return xxh3.HashSeed(buf, pythonStackHashSeed)
}

// SampleHash is a convenience wrapper over HashStack for a full Sample.
func SampleHash(sample pyperf.Sample) uint64 {
	return HashStack(sample.Stack)
}
