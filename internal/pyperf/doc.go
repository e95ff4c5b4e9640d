// Package pyperf resolves and walks the Python call stack of a sampled
// thread from inside an in-kernel perf_event program, and exposes the
// Go-side data model, offset tables, and map wiring that program depends
// on.
//
// The in-kernel program itself lives in bpf/pyperf.bpf.c; this package and
// its children (offsets, sim, symbols, collect) are the host side: they
// describe the structures the BPF program reads, supply its per-version
// and per-libc offset tables, simulate its bounded-probe algorithm for
// testing, and load/attach/drain it through cilium/ebpf.
package pyperf
