package pgas

import (
	"github.com/snake0/upcxx-2020.3.2-sub000/copyengine"
	"github.com/snake0/upcxx-2020.3.2-sub000/transport"
)

// config holds the resolved configuration for a Runtime, built by applying
// Option values over the environment-derived defaults.
type config struct {
	env       envConfig
	logger    Logger
	transport transport.Transport
	driver    copyengine.Driver
}

// Option configures a Runtime at Init time. The functional-options pattern
// mirrors the one used for this runtime's event-loop analogues: each Option
// is a closure applied in order over a config, so that new knobs can be
// added without breaking existing call sites.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(c *config) { f(c) }

// WithLogger overrides the process-wide Logger installed by Init, for the
// duration of that Runtime's lifetime. Equivalent to calling SetLogger
// before Init, but scoped to a single call.
func WithLogger(l Logger) Option {
	return optionFunc(func(c *config) {
		if l != nil {
			c.logger = l
		}
	})
}

// WithTransport supplies the transport Init uses. Init does not discover a
// transport from the environment and fails without one. Tests and the
// cmd/pgasrun demo driver use this to install the in-process Loopback
// transport.
func WithTransport(t transport.Transport) Option {
	return optionFunc(func(c *config) {
		if t != nil {
			c.transport = t
		}
	})
}

// WithDriver installs d as this rank's accelerator device driver (see
// copyengine.Driver), enabling device-kind gptr.Ptr copies. Ranks that
// never touch device memory may omit this; CopyEngine() rejects
// device-kind operations without one.
func WithDriver(d copyengine.Driver) Option {
	return optionFunc(func(c *config) {
		if d != nil {
			c.driver = d
		}
	})
}

// WithSharedHeapSize overrides SHARED_HEAP_SIZE for this Init call.
func WithSharedHeapSize(bytes uintptr) Option {
	return optionFunc(func(c *config) {
		c.env.SharedHeapSize = pageAlignUp(bytes)
	})
}

// resolveOptions applies opts over env, returning the final config.
func resolveOptions(env envConfig, opts []Option) *config {
	c := &config{env: env, logger: getLogger()}
	for _, o := range opts {
		if o == nil {
			continue
		}
		o.apply(c)
	}
	return c
}
