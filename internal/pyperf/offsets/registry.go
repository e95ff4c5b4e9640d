// Package offsets holds the per-Python-version and per-libc byte-offset
// tables the pyperf walker is parameterized over, and populates the
// corresponding BPF maps with them.
package offsets

import (
	"fmt"
	"sync"

	"github.com/cilium/ebpf"

	"github.com/pyperf/pysampler/internal/pyperf"
)

// VersionIndex is the key pid_to_interpreter_info's py_version_index
// selects a PythonVersionOffsets row by, and version_specific_offsets is
// keyed on.
type VersionIndex uint32

// LibcOffsetIndex is the key InterpreterInfo.LibcOffsetIndex selects a
// LibcOffsets row by, within the table picked by LibcImplementation.
type LibcOffsetIndex uint32

// Registry is the host-side source of truth for offset tables: it is built
// once at startup (either from the bundled defaults or from rows supplied
// by an external collaborator) and then written into the loaded BPF maps,
// which the kernel-side program treats as read-only.
type Registry struct {
	mu sync.RWMutex

	versions     map[VersionIndex]pyperf.PythonVersionOffsets
	versionByTag map[string]VersionIndex
	nextVersion  VersionIndex

	glibc    map[LibcOffsetIndex]pyperf.LibcOffsets
	musl     map[LibcOffsetIndex]pyperf.LibcOffsets
	glibcTag map[string]LibcOffsetIndex
	muslTag  map[string]LibcOffsetIndex
	nextSeq  LibcOffsetIndex
}

// NewRegistry builds a Registry pre-populated with the bundled default
// offset tables for Python 3.6 through 3.13 and for glibc/musl.
func NewRegistry() *Registry {
	r := &Registry{
		versions:     make(map[VersionIndex]pyperf.PythonVersionOffsets),
		versionByTag: make(map[string]VersionIndex),
		glibc:        make(map[LibcOffsetIndex]pyperf.LibcOffsets),
		musl:         make(map[LibcOffsetIndex]pyperf.LibcOffsets),
		glibcTag:     make(map[string]LibcOffsetIndex),
		muslTag:      make(map[string]LibcOffsetIndex),
	}
	for _, rel := range defaultReleases {
		r.PutVersion(rel.version, rel.offsets)
	}
	for _, rel := range defaultLibcReleases {
		r.PutLibc(rel.impl, rel.version, rel.offsets)
	}
	return r
}

// PutVersion registers (or overwrites) the offsets for a Python release
// tag such as "3.11", returning the index it was assigned.
func (r *Registry) PutVersion(tag string, offs pyperf.PythonVersionOffsets) VersionIndex {
	r.mu.Lock()
	defer r.mu.Unlock()

	if idx, ok := r.versionByTag[tag]; ok {
		r.versions[idx] = offs
		return idx
	}
	idx := r.nextVersion
	r.nextVersion++
	r.versions[idx] = offs
	r.versionByTag[tag] = idx
	return idx
}

// Version looks up the offsets for a Python release tag.
func (r *Registry) Version(tag string) (VersionIndex, pyperf.PythonVersionOffsets, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.versionByTag[tag]
	if !ok {
		return 0, pyperf.PythonVersionOffsets{}, false
	}
	return idx, r.versions[idx], true
}

// VersionByIndex looks up the offsets row directly, the way the BPF side
// does via version_specific_offsets[py_version_index].
func (r *Registry) VersionByIndex(idx VersionIndex) (pyperf.PythonVersionOffsets, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	offs, ok := r.versions[idx]
	return offs, ok
}

// PutLibc registers (or overwrites) the TLS offsets for a libc
// implementation and version tag, returning the index it was assigned.
func (r *Registry) PutLibc(impl pyperf.LibcImplementation, tag string, offs pyperf.LibcOffsets) LibcOffsetIndex {
	r.mu.Lock()
	defer r.mu.Unlock()

	table, tagIndex := r.tableFor(impl)
	if idx, ok := tagIndex[tag]; ok {
		table[idx] = offs
		return idx
	}
	idx := r.nextSeq
	r.nextSeq++
	table[idx] = offs
	tagIndex[tag] = idx
	return idx
}

// Libc looks up the TLS offsets for a libc implementation and version tag.
func (r *Registry) Libc(impl pyperf.LibcImplementation, tag string) (LibcOffsetIndex, pyperf.LibcOffsets, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	table, tagIndex := r.tableFor(impl)
	idx, ok := tagIndex[tag]
	if !ok {
		return 0, pyperf.LibcOffsets{}, false
	}
	return idx, table[idx], true
}

// LibcByIndex looks up the TLS offsets row directly, the way tls_read does
// via glibc_offsets[index] or musl_offsets[index].
func (r *Registry) LibcByIndex(impl pyperf.LibcImplementation, idx LibcOffsetIndex) (pyperf.LibcOffsets, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	table, _ := r.tableFor(impl)
	offs, ok := table[idx]
	return offs, ok
}

// tableFor must be called with r.mu held.
func (r *Registry) tableFor(impl pyperf.LibcImplementation) (map[LibcOffsetIndex]pyperf.LibcOffsets, map[string]LibcOffsetIndex) {
	if impl == pyperf.LibcMusl {
		return r.musl, r.muslTag
	}
	return r.glibc, r.glibcTag
}

// Populate writes every table row into the loaded BPF maps through typed
// ebpf.Map calls.
func (r *Registry) Populate(versionSpecificOffsets, glibcOffsets, muslOffsets *ebpf.Map) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for idx, offs := range r.versions {
		if err := versionSpecificOffsets.Put(uint32(idx), toBPFVersionOffsets(offs)); err != nil {
			return fmt.Errorf("populate version_specific_offsets[%d]: %w", idx, err)
		}
	}
	for idx, offs := range r.glibc {
		if err := glibcOffsets.Put(uint32(idx), toBPFLibcOffsets(offs)); err != nil {
			return fmt.Errorf("populate glibc_offsets[%d]: %w", idx, err)
		}
	}
	for idx, offs := range r.musl {
		if err := muslOffsets.Put(uint32(idx), toBPFLibcOffsets(offs)); err != nil {
			return fmt.Errorf("populate musl_offsets[%d]: %w", idx, err)
		}
	}
	return nil
}

// bpfPythonVersionOffsets and bpfLibcOffsets mirror the C struct layouts
// in bpf/headers/pyperf.h byte-for-byte (all int64/uint64 fields, no
// padding surprises), which is what cilium/ebpf requires to copy a Go
// value into a BPF map value slot.
type bpfPythonVersionOffsets struct {
	ThreadStateFrame    int64
	ThreadStateCframe   int64
	ThreadStateThreadID int64
	CframeCurrentFrame  int64
	FrameFCode          int64
	FrameFBack          int64
	FrameFLocalsplus    int64
	InterpFrameOwner    int64
	CodeCoVarnames      int64
	CodeCoFilename      int64
	CodeCoName          int64
	CodeCoFirstlineno   int64
	TupleObItem         int64
	ObjectObType        int64
	TypeTpName          int64
	StringData          int64
}

type bpfLibcOffsets struct {
	PthreadSize        int64
	PthreadBlock       int64
	PthreadKeyData     int64
	PthreadKeyDataSize int64
}

func toBPFVersionOffsets(o pyperf.PythonVersionOffsets) bpfPythonVersionOffsets {
	return bpfPythonVersionOffsets{
		ThreadStateFrame:    o.PyThreadState.Frame,
		ThreadStateCframe:   o.PyThreadState.Cframe,
		ThreadStateThreadID: o.PyThreadState.ThreadID,
		CframeCurrentFrame:  o.PyCFrame.CurrentFrame,
		FrameFCode:          o.PyFrameObject.FCode,
		FrameFBack:          o.PyFrameObject.FBack,
		FrameFLocalsplus:    o.PyFrameObject.FLocalsplus,
		InterpFrameOwner:    o.PyInterpreterFrame.Owner,
		CodeCoVarnames:      o.PyCodeObject.CoVarnames,
		CodeCoFilename:      o.PyCodeObject.CoFilename,
		CodeCoName:          o.PyCodeObject.CoName,
		CodeCoFirstlineno:   o.PyCodeObject.CoFirstlineno,
		TupleObItem:         o.PyTupleObject.ObItem,
		ObjectObType:        o.PyObject.ObType,
		TypeTpName:          o.PyTypeObject.TpName,
		StringData:          o.PyString.Data,
	}
}

func toBPFLibcOffsets(o pyperf.LibcOffsets) bpfLibcOffsets {
	return bpfLibcOffsets{
		PthreadSize:        o.PthreadSize,
		PthreadBlock:       o.PthreadBlock,
		PthreadKeyData:     o.PthreadKeyData,
		PthreadKeyDataSize: o.PthreadKeyDataSize,
	}
}
