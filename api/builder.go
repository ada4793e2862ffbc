package api

import (
	"errors"
	"runtime"

	"github.com/sarchlab/npuc/compiler"
	"github.com/sarchlab/npuc/config"
	"github.com/sarchlab/npuc/network"
)

// BackendBuilder creates a new instance of Backend.
type BackendBuilder struct {
	caps        *config.HardwareCapabilities
	opts        *config.CompilationOptions
	mapping     network.Mapping
	compiler    NetworkCompiler
	cache       *compiler.Cache
	metrics     *compiler.Metrics
	parallelism int
}

// WithCapabilities sets the hardware compiled for.
func (b BackendBuilder) WithCapabilities(caps config.HardwareCapabilities) BackendBuilder {
	b.caps = &caps
	return b
}

// WithOptions sets the compilation options.
func (b BackendBuilder) WithOptions(opts config.CompilationOptions) BackendBuilder {
	b.opts = &opts
	return b
}

// WithMapping sets the layer replacements applied when estimating.
func (b BackendBuilder) WithMapping(m network.Mapping) BackendBuilder {
	b.mapping = m
	return b
}

// WithCompiler replaces the compiler built from the capabilities and
// options.
func (b BackendBuilder) WithCompiler(c NetworkCompiler) BackendBuilder {
	b.compiler = c
	return b
}

// WithCache shares compiled networks between backends.
func (b BackendBuilder) WithCache(c *compiler.Cache) BackendBuilder {
	b.cache = c
	return b
}

// WithMetrics sets where compilations are counted.
func (b BackendBuilder) WithMetrics(m *compiler.Metrics) BackendBuilder {
	b.metrics = m
	return b
}

// WithParallelism bounds how many subgraphs compile at once.
func (b BackendBuilder) WithParallelism(n int) BackendBuilder {
	b.parallelism = n
	return b
}

// Build creates the backend.
func (b BackendBuilder) Build() (*Backend, error) {
	if b.caps == nil {
		return nil, errors.New("backend needs hardware capabilities")
	}

	opts := config.DefaultCompilationOptions()
	if b.opts != nil {
		opts = *b.opts
	}

	backend := &Backend{
		caps:        *b.caps,
		opts:        opts,
		mapping:     b.mapping,
		compiler:    b.compiler,
		cache:       b.cache,
		metrics:     b.metrics,
		parallelism: b.parallelism,
	}

	if backend.compiler == nil {
		c, err := compiler.Builder{}.
			WithCapabilities(backend.caps).
			WithOptions(opts).
			WithMetrics(b.metrics).
			Build()
		if err != nil {
			return nil, err
		}
		backend.compiler = c
	}

	if backend.parallelism <= 0 {
		backend.parallelism = runtime.GOMAXPROCS(0)
	}

	return backend, nil
}
