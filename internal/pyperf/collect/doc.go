// Package collect loads the pyperf BPF programs, wires their maps, attaches
// them to perf sampling events, and drains the published stacks. It is the
// user-space collaborator the in-kernel core depends on: it populates
// pid_to_interpreter_info and the offset tables, and reads back
// stack_traces, stack_counts, the symbol table, and the unwind-error
// counters.
package collect
