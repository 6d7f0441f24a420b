// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpusched

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// DefaultVsyncInterval is the interval between successive vsyncs.
// Many GL commands block on vsync, so preemption thresholds are multiples of it.
const DefaultVsyncInterval = 17 * time.Millisecond

// Config holds the scheduler's tunables.
type Config struct {
	// LogLevel is used by NewLogger ("debug", "info", "warn", "error").
	LogLevel string

	// VsyncInterval is the base unit of the preemption thresholds.
	VsyncInterval time.Duration

	// PreemptWait is how long a message may stay unprocessed before the
	// filter preempts, and how long it waits after a preemption before
	// preempting again.
	PreemptWait time.Duration

	// MaxPreempt caps the duration of a single preemption.
	MaxPreempt time.Duration

	// StopPreempt ends a preemption once the oldest pending message is
	// younger than this.
	StopPreempt time.Duration

	// LaneBatch bounds the tasks a loop drains from one lane per iteration.
	LaneBatch int

	// LogMessages logs every received and dispatched message at debug level.
	LogMessages bool
}

// DefaultConfig returns thresholds derived from a 17ms vsync:
// wait two intervals, preempt for at most one, stop below one.
func DefaultConfig() Config {
	return Config{
		LogLevel:      "info",
		VsyncInterval: DefaultVsyncInterval,
		PreemptWait:   2 * DefaultVsyncInterval,
		MaxPreempt:    DefaultVsyncInterval,
		StopPreempt:   DefaultVsyncInterval,
		LaneBatch:     64,
	}
}

// withPreemptDefaults replaces non-positive thresholds with the defaults.
// A zero wait together with a zero cap would let the state machine cycle
// without time passing.
func (c Config) withPreemptDefaults() Config {
	d := DefaultConfig()
	if c.PreemptWait <= 0 {
		c.PreemptWait = d.PreemptWait
	}
	if c.MaxPreempt <= 0 {
		c.MaxPreempt = d.MaxPreempt
	}
	if c.StopPreempt <= 0 {
		c.StopPreempt = d.StopPreempt
	}
	return c
}

// ConfigFromEnv returns DefaultConfig overridden by GPUSCHED_* variables:
// GPUSCHED_VSYNC_INTERVAL rescales every threshold; GPUSCHED_PREEMPT_WAIT,
// GPUSCHED_MAX_PREEMPT and GPUSCHED_STOP_PREEMPT override them one by one.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if v := os.Getenv("GPUSCHED_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GPUSCHED_VSYNC_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("gpusched: GPUSCHED_VSYNC_INTERVAL: %w", err)
		}
		cfg.VsyncInterval = d
		cfg.PreemptWait = 2 * d
		cfg.MaxPreempt = d
		cfg.StopPreempt = d
	}
	for _, e := range []struct {
		key string
		dst *time.Duration
	}{
		{"GPUSCHED_PREEMPT_WAIT", &cfg.PreemptWait},
		{"GPUSCHED_MAX_PREEMPT", &cfg.MaxPreempt},
		{"GPUSCHED_STOP_PREEMPT", &cfg.StopPreempt},
	} {
		if v := os.Getenv(e.key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return cfg, fmt.Errorf("gpusched: %s: %w", e.key, err)
			}
			*e.dst = d
		}
	}
	if v := os.Getenv("GPUSCHED_LANE_BATCH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("gpusched: GPUSCHED_LANE_BATCH: invalid value %q", v)
		}
		cfg.LaneBatch = n
	}
	if v := os.Getenv("GPUSCHED_LOG_MESSAGES"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("gpusched: GPUSCHED_LOG_MESSAGES: %w", err)
		}
		cfg.LogMessages = b
	}
	return cfg, nil
}

// Option configures a Process, Manager, Channel or SyncPointRegistry.
type Option func(*options)

type options struct {
	config     Config
	logger     *zap.Logger
	metrics    *Metrics
	registry   *SyncPointRegistry
	factory    EndpointFactory
	routes     *Sequence
	syncPoints *Sequence
	clock      Clock
}

func newOptions(opts []Option) *options {
	o := &options{config: DefaultConfig()}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(prometheus.NewRegistry())
	}
	if o.syncPoints == nil {
		o.syncPoints = &Sequence{}
	}
	if o.registry == nil {
		o.registry = newSyncPointRegistry(o)
	}
	if o.factory == nil {
		o.factory = commandBufferFactory
	}
	return o
}

// WithConfig sets the tunables.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.config = cfg }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics sink. The default registers on a private registry.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithRegistry shares a sync point registry.
func WithRegistry(r *SyncPointRegistry) Option {
	return func(o *options) { o.registry = r }
}

// WithEndpointFactory sets how endpoints are created. The default creates a CommandBuffer.
func WithEndpointFactory(f EndpointFactory) Option {
	return func(o *options) { o.factory = f }
}

// WithRouteSequence sets the route id sequence of a single channel.
func WithRouteSequence(s *Sequence) Option {
	return func(o *options) { o.routes = s }
}

// WithSyncPointSequence sets the sequence a new registry issues ids from.
func WithSyncPointSequence(s *Sequence) Option {
	return func(o *options) { o.syncPoints = s }
}

// WithClock sets the clock driving the filter's preemption timers.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}
