package symbols

import (
	"sync"

	"github.com/pyperf/pysampler/internal/pyperf"
)

// Interner is a userspace reference implementation of symbol interning:
// given a symbol record it returns a stable, non-zero identifier, assigned
// on first observation and reused for equal records thereafter. A
// production deployment typically backs this with persistent storage so
// ids are stable across process restarts; this one is in-memory only and
// exists so the walker and the in-kernel program's Go-side test doubles
// have something concrete to call.
type Interner struct {
	mu      sync.RWMutex
	ids     map[pyperf.Symbol]uint32
	symbols map[uint32]pyperf.Symbol
	next    uint32
}

// NewInterner returns an empty Interner. Ids start at 1: 0 is reserved to
// mean "no symbol" wherever a caller needs a zero value to be distinguishable.
func NewInterner() *Interner {
	return &Interner{
		ids:     make(map[pyperf.Symbol]uint32),
		symbols: make(map[uint32]pyperf.Symbol),
		next:    1,
	}
}

// GetSymbolID implements sim.SymbolInterner.
func (in *Interner) GetSymbolID(sym pyperf.Symbol) uint32 {
	in.mu.RLock()
	if id, ok := in.ids[sym]; ok {
		in.mu.RUnlock()
		return id
	}
	in.mu.RUnlock()

	in.mu.Lock()
	defer in.mu.Unlock()
	if id, ok := in.ids[sym]; ok {
		return id
	}
	id := in.next
	in.next++
	in.ids[sym] = id
	in.symbols[id] = sym
	return id
}

// Lookup returns the Symbol registered under id, if any. Intended for
// exporting a human-readable stack once sampling is done.
func (in *Interner) Lookup(id uint32) (pyperf.Symbol, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	sym, ok := in.symbols[id]
	return sym, ok
}

// Len reports how many distinct symbols have been interned.
func (in *Interner) Len() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return len(in.ids)
}
