package txrequest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// config holds the ambient knobs that are not part of spec-mandated
// behavior: where log lines go and where metrics register. Both have
// safe, inert defaults so NewTracker(deterministic) alone is a
// complete, valid construction.
type config struct {
	logger   zerolog.Logger
	registry prometheus.Registerer
}

func defaultConfig() config {
	return config{
		logger:   zerolog.Nop(),
		registry: prometheus.NewRegistry(),
	}
}

// Option configures ambient behavior of a Tracker. See WithLogger and
// WithRegisterer.
type Option func(*config)

// WithLogger attaches a structured logger. The tracker logs scheduled
// requests, expirations, and dropped announcements at debug/trace
// level, mirroring the events the teacher's fetcher logs at the same
// granularity.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithRegisterer registers the tracker's counters and gauges with reg
// instead of a private, unexported registry. Use this to expose
// tracker metrics on a process-wide /metrics endpoint.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *config) {
		c.registry = reg
	}
}
