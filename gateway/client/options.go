package client

import (
	"log/slog"
	"time"

	"github.com/antiduh/MiniBus/messaging"
	"github.com/antiduh/MiniBus/metrics"
	"github.com/antiduh/MiniBus/reconnect"
)

type options struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	heartbeat time.Duration
	loop      []reconnect.Option
	bus       []messaging.Option
	listeners []messaging.ConnectionListener
}

// Option configures a Connection or a ClientBus.
type Option func(*options)

func newOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
		o.loop = append(o.loop, reconnect.WithLogger(logger))
		o.bus = append(o.bus, messaging.WithLogger(logger))
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
		o.bus = append(o.bus, messaging.WithMetrics(m))
	}
}

// WithRetryDelay sets the pause between connection attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(o *options) {
		o.loop = append(o.loop, reconnect.WithRetryDelay(d))
	}
}

// WithDialTimeout bounds a single connection attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		o.loop = append(o.loop, reconnect.WithDialTimeout(d))
	}
}

// WithHeartbeat makes the bus send a heartbeat every interval while
// connected.
func WithHeartbeat(interval time.Duration) Option {
	return func(o *options) {
		o.heartbeat = interval
	}
}

// WithRetryPolicy replaces the policy used by RequestContext.WithRetry.
func WithRetryPolicy(policy messaging.RetryPolicy) Option {
	return func(o *options) {
		o.bus = append(o.bus, messaging.WithRetryPolicy(policy))
	}
}

// WithConnectionListener is told when the gateway connection is lost and
// restored.
func WithConnectionListener(l messaging.ConnectionListener) Option {
	return func(o *options) {
		o.listeners = append(o.listeners, l)
	}
}
