package offsets

import "github.com/pyperf/pysampler/internal/pyperf"

// notPresent is the sentinel CPython-version offset tables use for a field
// that doesn't exist on that version.
const notPresent = -1

// release is one row of the default PythonVersionOffsets table this
// package ships. The exact byte values are illustrative defaults for the
// common CPython layout of each minor version; a real deployment
// overrides them with values extracted from the target interpreter's own
// debug info via Registry.PutVersion; extraction itself is an upstream
// concern, not this package's.
type release struct {
	version string
	offsets pyperf.PythonVersionOffsets
}

// defaultReleases mirrors the two structural eras the walker has to
// distinguish: PyThreadState.frame (<=3.10, no _PyCFrame, no frame owner
// tag) and PyThreadState.cframe -> _PyCFrame.current_frame (>=3.11, with
// _PyInterpreterFrame.owner). Within each era only the numeric offsets
// shift release to release.
var defaultReleases = []release{
	{"3.6", legacyFrameOffsets(24, 8, 176)},
	{"3.7", legacyFrameOffsets(24, 8, 176)},
	{"3.8", legacyFrameOffsets(24, 8, 176)},
	{"3.9", legacyFrameOffsets(24, 8, 184)},
	{"3.10", legacyFrameOffsets(24, 8, 184)},
	{"3.11", interpreterFrameOffsets(56, 8, 24, 48)},
	{"3.12", interpreterFrameOffsets(64, 8, 24, 56)},
	{"3.13", interpreterFrameOffsets(64, 8, 24, 56)},
}

// legacyFrameOffsets builds the offset table for Python <= 3.10, where
// PyThreadState.frame points directly at the top PyFrameObject and there
// is no _PyCFrame indirection or frame-owner tag.
func legacyFrameOffsets(frame, threadID, fCode int64) pyperf.PythonVersionOffsets {
	return pyperf.PythonVersionOffsets{
		PyThreadState: pyperf.PyThreadStateOffsets{
			Frame:    frame,
			Cframe:   notPresent,
			ThreadID: threadID,
		},
		PyCFrame: pyperf.PyCFrameOffsets{CurrentFrame: notPresent},
		PyFrameObject: pyperf.PyFrameObjectOffsets{
			FCode:       fCode,
			FBack:       fCode - 8,
			FLocalsplus: fCode + 32,
		},
		PyInterpreterFrame: pyperf.PyInterpreterFrameOffsets{Owner: notPresent},
		PyCodeObject:       standardCodeObjectOffsets(),
		PyTupleObject:      pyperf.PyTupleObjectOffsets{ObItem: 24},
		PyObject:           pyperf.PyObjectOffsets{ObType: 8},
		PyTypeObject:       pyperf.PyTypeObjectOffsets{TpName: 24},
		PyString:           pyperf.PyStringOffsets{Data: 48},
	}
}

// interpreterFrameOffsets builds the offset table for Python >= 3.11,
// where the current frame is reached through PyThreadState.cframe ->
// _PyCFrame.current_frame, and each _PyInterpreterFrame carries an owner
// tag the walker must check.
func interpreterFrameOffsets(cframe, threadID, cframeCurrent, fCode int64) pyperf.PythonVersionOffsets {
	return pyperf.PythonVersionOffsets{
		PyThreadState: pyperf.PyThreadStateOffsets{
			Frame:    notPresent,
			Cframe:   cframe,
			ThreadID: threadID,
		},
		PyCFrame: pyperf.PyCFrameOffsets{CurrentFrame: cframeCurrent},
		PyFrameObject: pyperf.PyFrameObjectOffsets{
			FCode:       fCode,
			FBack:       fCode - 24,
			FLocalsplus: fCode + 48,
		},
		PyInterpreterFrame: pyperf.PyInterpreterFrameOffsets{Owner: 40},
		PyCodeObject:       standardCodeObjectOffsets(),
		PyTupleObject:      pyperf.PyTupleObjectOffsets{ObItem: 24},
		PyObject:           pyperf.PyObjectOffsets{ObType: 8},
		PyTypeObject:       pyperf.PyTypeObjectOffsets{TpName: 24},
		PyString:           pyperf.PyStringOffsets{Data: 48},
	}
}

func standardCodeObjectOffsets() pyperf.PyCodeObjectOffsets {
	return pyperf.PyCodeObjectOffsets{
		CoVarnames:    56,
		CoFilename:    96,
		CoName:        104,
		CoFirstlineno: 112,
	}
}

// libcRelease is one row of the default LibcOffsets table.
type libcRelease struct {
	impl    pyperf.LibcImplementation
	version string
	offsets pyperf.LibcOffsets
}

// DefaultLibcVersion returns the newest bundled release tag for a libc
// implementation, for callers that know the implementation but not the
// exact build.
func DefaultLibcVersion(impl pyperf.LibcImplementation) string {
	if impl == pyperf.LibcMusl {
		return "1.2.3"
	}
	return "2.35"
}

// defaultLibcReleases covers both pthread TLS layouts. glibc stores the
// key-data array directly in the TLS block; musl stores a pointer to it
// that must be dereferenced once.
var defaultLibcReleases = []libcRelease{
	{pyperf.LibcGlibc, "2.31", pyperf.LibcOffsets{PthreadSize: 2304, PthreadBlock: 1296, PthreadKeyData: 16, PthreadKeyDataSize: 16}},
	{pyperf.LibcGlibc, "2.35", pyperf.LibcOffsets{PthreadSize: 2304, PthreadBlock: 1296, PthreadKeyData: 16, PthreadKeyDataSize: 16}},
	{pyperf.LibcMusl, "1.2.2", pyperf.LibcOffsets{PthreadSize: 0, PthreadBlock: 304, PthreadKeyData: 0, PthreadKeyDataSize: 8}},
	{pyperf.LibcMusl, "1.2.3", pyperf.LibcOffsets{PthreadSize: 0, PthreadBlock: 304, PthreadKeyData: 0, PthreadKeyDataSize: 8}},
}
