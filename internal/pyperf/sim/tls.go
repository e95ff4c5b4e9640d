package sim

import (
	"fmt"

	"github.com/pyperf/pysampler/internal/pyperf"
)

// tlsAddress computes the address holding a thread's PyThreadState*, given
// the thread's TLS base, the pthread key it's stored under, and the
// libc/arch-specific layout. musl stores an intermediate pointer at
// pthread_block and requires one extra dereference; glibc stores the
// key-data array inline.
func tlsAddress(mem Memory, arch pyperf.Arch, impl pyperf.LibcImplementation, tlsBase uint64, key int32, libc pyperf.LibcOffsets) (uint64, error) {
	keyOffset := uint64(int64(key) * libc.PthreadKeyDataSize)

	switch impl {
	case pyperf.LibcGlibc:
		switch arch {
		case pyperf.ArchX86_64:
			return tlsBase + uint64(libc.PthreadBlock) + keyOffset + uint64(libc.PthreadKeyData), nil
		case pyperf.ArchARM64:
			return tlsBase - uint64(libc.PthreadSize) + uint64(libc.PthreadBlock) + keyOffset + uint64(libc.PthreadKeyData), nil
		default:
			return 0, fmt.Errorf("sim: unsupported architecture %v", arch)
		}
	case pyperf.LibcMusl:
		var blockAddr uint64
		switch arch {
		case pyperf.ArchX86_64:
			blockAddr = tlsBase + uint64(libc.PthreadBlock)
		case pyperf.ArchARM64:
			blockAddr = tlsBase - uint64(libc.PthreadSize) + uint64(libc.PthreadBlock)
		default:
			return 0, fmt.Errorf("sim: unsupported architecture %v", arch)
		}
		base, err := mem.ReadUint64(blockAddr)
		if err != nil {
			return 0, err
		}
		return base + keyOffset, nil
	default:
		return 0, fmt.Errorf("sim: unknown libc_implementation %v", impl)
	}
}

// tlsRead resolves a PyThreadState* from a thread's TLS block.
func tlsRead(mem Memory, arch pyperf.Arch, impl pyperf.LibcImplementation, tlsBase uint64, key int32, libc pyperf.LibcOffsets) (uint64, error) {
	addr, err := tlsAddress(mem, arch, impl, tlsBase, key, libc)
	if err != nil {
		return 0, err
	}
	return mem.ReadUint64(addr)
}
