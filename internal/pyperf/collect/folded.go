package collect

import (
	"bytes"
	"fmt"

	"github.com/pyperf/pysampler/internal/pyperf"
)

// FormatSymbol renders one frame the way flame-graph tooling expects:
// qualified name first, source location in parentheses.
func FormatSymbol(sym pyperf.Symbol, lineno uint32) string {
	name := sym.MethodName
	if name == "" {
		name = "<unknown>"
	}
	if sym.ClassName != "" {
		name = sym.ClassName + "." + name
	}
	if sym.Path == "" {
		return name
	}
	return fmt.Sprintf("%s (%s:%d)", name, sym.Path, lineno)
}

// ResolveFrameNames decodes each frame encoding and renders it through the
// drained symbol table. An id the table has no record for (the kernel-side
// allocator returned 0, or the table was evicted) renders as the raw id.
func ResolveFrameNames(frames []uint64, symtab map[uint32]pyperf.Symbol) []string {
	names := make([]string, 0, len(frames))
	for _, frame := range frames {
		lineno, symbolID := pyperf.DecodeFrame(frame)
		if sym, ok := symtab[symbolID]; ok {
			names = append(names, FormatSymbol(sym, lineno))
			continue
		}
		names = append(names, fmt.Sprintf("sym_%d:%d", symbolID, lineno))
	}
	return names
}

// FormatFoldedStacks formats stack samples in the "folded" format for
// flamegraph.pl. Stacks are stored leaf-first, so the frame order is
// reversed to put the root first.
func FormatFoldedStacks(samples []StackSample) string {
	var buf bytes.Buffer

	for _, sample := range samples {
		if len(sample.FrameNames) == 0 {
			continue
		}

		for i := len(sample.FrameNames) - 1; i >= 0; i-- {
			buf.WriteString(sample.FrameNames[i])
			if i > 0 {
				buf.WriteString(";")
			}
		}
		buf.WriteString(fmt.Sprintf(" %d\n", sample.Count))
	}

	return buf.String()
}
