package runtime

import (
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// DefaultMaxStreams bounds the number of concurrently bound streams.
const DefaultMaxStreams = 128

// Options configures a Registry and the engines it creates.
type Options struct {
	// Workers is the kernel launch width; 0 uses the device's width.
	Workers int `yaml:"workers"`
	// MaxStreams bounds the stream indices a session may bind.
	MaxStreams int `yaml:"max_streams"`
	// DeviceCapacity bounds device memory in bytes when the CLIs build the
	// device; 0 means unbounded.
	DeviceCapacity int64 `yaml:"device_capacity"`
	// LayoutCacheSize is the number of packing layouts kept per registry.
	LayoutCacheSize int `yaml:"layout_cache_size"`
	// Metrics enables Prometheus collection in the CLIs.
	Metrics bool `yaml:"metrics"`
	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level"`
}

// DefaultOptions provides sensible runtime defaults.
func DefaultOptions() Options {
	return Options{
		Workers:         runtime.NumCPU(),
		MaxStreams:      DefaultMaxStreams,
		LayoutCacheSize: 64,
		LogLevel:        "info",
	}
}

// LoadOptions reads YAML options from path over DefaultOptions.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("read options: %w", err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("parse options %s: %w", path, err)
	}
	if err := opts.Validate(); err != nil {
		return opts, fmt.Errorf("options %s: %w", path, err)
	}
	return opts, nil
}

// Validate rejects nonsensical values.
func (o Options) Validate() error {
	if o.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", o.Workers)
	}
	if o.MaxStreams <= 0 {
		return fmt.Errorf("max_streams must be > 0, got %d", o.MaxStreams)
	}
	if o.DeviceCapacity < 0 {
		return fmt.Errorf("device_capacity must be >= 0, got %d", o.DeviceCapacity)
	}
	if o.LayoutCacheSize <= 0 {
		return fmt.Errorf("layout_cache_size must be > 0, got %d", o.LayoutCacheSize)
	}
	return nil
}
