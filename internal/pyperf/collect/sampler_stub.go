//go:build !linux
// +build !linux

package collect

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pyperf/pysampler/internal/pyperf"
	"github.com/pyperf/pysampler/internal/pyperf/offsets"
)

var errUnsupported = fmt.Errorf("python stack sampling is only supported on Linux")

// Sampler is a stub for non-Linux systems.
type Sampler struct{}

// NewSampler returns a stub Sampler on non-Linux systems; every operation
// on it fails.
func NewSampler(cfg Config, registry *offsets.Registry, sink AggregationSink, logger zerolog.Logger) (*Sampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &Sampler{}, nil
}

// ID returns an empty identifier on non-Linux systems.
func (s *Sampler) ID() string {
	return ""
}

// Start returns an error on non-Linux systems.
func (s *Sampler) Start(pids []int) error {
	return errUnsupported
}

// UpdateInterpreter returns an error on non-Linux systems.
func (s *Sampler) UpdateInterpreter(pid uint32, info pyperf.InterpreterInfo) error {
	return errUnsupported
}

// ForgetInterpreter returns an error on non-Linux systems.
func (s *Sampler) ForgetInterpreter(pid uint32) error {
	return errUnsupported
}

// Drain returns an error on non-Linux systems.
func (s *Sampler) Drain() ([]StackSample, error) {
	return nil, errUnsupported
}

// DrainErrors returns an error on non-Linux systems.
func (s *Sampler) DrainErrors() ([]UnwindError, error) {
	return nil, errUnsupported
}

// Close is a no-op on non-Linux systems.
func (s *Sampler) Close() error {
	return nil
}
