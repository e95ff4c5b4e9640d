package pyperf

import "errors"

// Sentinel errors mirroring the two distinct failure paths in
// bpf/pyperf.bpf.c: GET_STATE/GET_OFFSETS return silently (the map lookup
// should never miss outside of a misconfigured max_entries) while a
// missing InterpreterInfo takes the observable ERROR_SAMPLE path. On the
// real BPF side only the ERROR_SAMPLE errors below ever reach a consumer.
// The simulator is handed its offsets directly and has no per-CPU state
// map, so it never returns ErrStateUnavailable or ErrOffsetsUnavailable.
var (
	// ErrStateUnavailable means the per-CPU global_state slot was missing.
	// GET_STATE() in the BPF program simply returns 0 in this case.
	ErrStateUnavailable = errors.New("pyperf: per-CPU state unavailable")

	// ErrOffsetsUnavailable means version_specific_offsets had no row for
	// InterpreterInfo.PyVersionIndex. GET_OFFSETS() returns 0 in this case.
	ErrOffsetsUnavailable = errors.New("pyperf: no offsets for py_version_index")

	// ErrInterpreterInfoUnknown corresponds to ERROR_SAMPLE(err_ctx,
	// "interpreter_info was NULL").
	ErrInterpreterInfoUnknown = errors.New("pyperf: interpreter_info was NULL")

	// ErrThreadStateRead corresponds to the failed probe read of
	// interpreter_info->thread_state_addr. The simulator also returns it
	// when reading thread_state->frame fails.
	ErrThreadStateRead = errors.New("pyperf: failed read of thread_state_addr")

	// ErrTLSRead corresponds to a failed tls_read (unknown libc, missing
	// libc offsets row, or a failed probe read along the TLS chain).
	ErrTLSRead = errors.New("pyperf: failed read of TLS")

	// ErrThreadStateNil corresponds to ERROR_SAMPLE(err_ctx, "thread_state
	// was NULL").
	ErrThreadStateNil = errors.New("pyperf: thread_state was NULL")

	// ErrThreadIDRead corresponds to a failed read of
	// thread_state->thread_id.
	ErrThreadIDRead = errors.New("pyperf: failed read of thread_state->thread_id")

	// ErrCframeRead / ErrCframeNil correspond to the cframe branch of
	// fetching the top frame pointer on Python >= 3.11.
	ErrCframeRead = errors.New("pyperf: failed read of thread_state->cframe")
	ErrCframeNil  = errors.New("pyperf: cframe was NULL")

	// ErrFramePtrNil corresponds to ERROR_SAMPLE(err_ctx, "frame_ptr was
	// NULL").
	ErrFramePtrNil = errors.New("pyperf: frame_ptr was NULL")
)
