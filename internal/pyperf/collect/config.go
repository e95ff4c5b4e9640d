package collect

import "fmt"

const (
	defaultSampleFrequency = 99   // 99Hz sampling
	maxSampleFrequency     = 1000 // 1000Hz max
)

// Config tunes a Sampler.
type Config struct {
	// SampleFrequencyHz is the perf sampling frequency. Zero selects the
	// default of 99Hz.
	SampleFrequencyHz int
	// Verbose enables frame-by-frame diagnostic tracing: bpf_printk on the
	// kernel side and Debug()-level logging on this side.
	Verbose bool
}

// DefaultConfig returns the default sampler configuration.
func DefaultConfig() Config {
	return Config{
		SampleFrequencyHz: defaultSampleFrequency,
	}
}

// Validate checks the configuration, filling in defaults for zero values.
func (c *Config) Validate() error {
	if c.SampleFrequencyHz == 0 {
		c.SampleFrequencyHz = defaultSampleFrequency
	}
	if c.SampleFrequencyHz < 0 {
		return fmt.Errorf("sample frequency %dHz must be positive", c.SampleFrequencyHz)
	}
	if c.SampleFrequencyHz > maxSampleFrequency {
		return fmt.Errorf("sample frequency %dHz exceeds maximum %dHz", c.SampleFrequencyHz, maxSampleFrequency)
	}
	return nil
}
