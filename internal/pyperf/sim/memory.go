// Package sim is a userspace reference model of the bounded-probe
// in-kernel walker in bpf/pyperf.bpf.c, used to validate its resolution
// and walking behavior without a kernel, a real Python interpreter, or
// the BPF toolchain.
package sim

import (
	"encoding/binary"
	"fmt"
)

// Memory is the bounded-probe primitive the walker reads through. A real
// deployment's equivalent is bpf_probe_read_user; FakeMemory below is the
// userspace stand-in used by tests.
type Memory interface {
	ReadUint64(addr uint64) (uint64, error)
	ReadUint32(addr uint64) (uint32, error)
	ReadInt32(addr uint64) (int32, error)
	ReadCString(addr uint64, maxLen int) (string, error)
}

// FakeMemory is a sparse, byte-addressable process image. Writes build up
// a synthetic PyThreadState/_PyInterpreterFrame/PyCodeObject chain; reads
// can be made to fail at a specific address to model a probe-read failure
// at a chosen point in the walk.
type FakeMemory struct {
	bytes map[uint64]byte
	fail  map[uint64]bool
}

// NewFakeMemory returns an empty fake process image.
func NewFakeMemory() *FakeMemory {
	return &FakeMemory{
		bytes: make(map[uint64]byte),
		fail:  make(map[uint64]bool),
	}
}

// FailAt marks every read that touches addr as a probe-read failure.
func (m *FakeMemory) FailAt(addr uint64) {
	m.fail[addr] = true
}

func (m *FakeMemory) checkFail(addr uint64, length int) error {
	for i := 0; i < length; i++ {
		if m.fail[addr+uint64(i)] {
			return fmt.Errorf("sim: probe read failed at 0x%x", addr)
		}
	}
	return nil
}

// WriteUint64 stores v at addr, little-endian, as bpf_probe_read_user
// would see it on x86-64/aarch64.
func (m *FakeMemory) WriteUint64(addr uint64, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	m.writeBytes(addr, buf[:])
}

// WriteUint32 stores v at addr, little-endian.
func (m *FakeMemory) WriteUint32(addr uint64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	m.writeBytes(addr, buf[:])
}

// WriteInt32 stores v at addr, little-endian.
func (m *FakeMemory) WriteInt32(addr uint64, v int32) {
	m.WriteUint32(addr, uint32(v))
}

// WriteCString stores s null-terminated at addr.
func (m *FakeMemory) WriteCString(addr uint64, s string) {
	buf := append([]byte(s), 0)
	m.writeBytes(addr, buf)
}

func (m *FakeMemory) writeBytes(addr uint64, buf []byte) {
	for i, b := range buf {
		m.bytes[addr+uint64(i)] = b
	}
}

func (m *FakeMemory) ReadUint64(addr uint64) (uint64, error) {
	if err := m.checkFail(addr, 8); err != nil {
		return 0, err
	}
	var buf [8]byte
	for i := range buf {
		buf[i] = m.bytes[addr+uint64(i)]
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (m *FakeMemory) ReadUint32(addr uint64) (uint32, error) {
	if err := m.checkFail(addr, 4); err != nil {
		return 0, err
	}
	var buf [4]byte
	for i := range buf {
		buf[i] = m.bytes[addr+uint64(i)]
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (m *FakeMemory) ReadInt32(addr uint64) (int32, error) {
	v, err := m.ReadUint32(addr)
	return int32(v), err
}

func (m *FakeMemory) ReadCString(addr uint64, maxLen int) (string, error) {
	if err := m.checkFail(addr, 1); err != nil {
		return "", err
	}
	buf := make([]byte, 0, maxLen)
	for i := 0; i < maxLen; i++ {
		b, ok := m.bytes[addr+uint64(i)]
		if !ok || b == 0 {
			break
		}
		buf = append(buf, b)
	}
	return string(buf), nil
}
