package gateway

import (
	"log/slog"
	"time"

	"github.com/antiduh/MiniBus/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/antiduh/MiniBus/gateway"

const (
	DefaultListenAddress = ":7410"
	DefaultWriteTimeout  = 10 * time.Second
)

type options struct {
	listenAddress string
	writeTimeout  time.Duration
	logger        *slog.Logger
	metrics       *metrics.Metrics
	tracer        trace.Tracer
}

// Option configures a Service.
type Option func(*options)

func newOptions(opts []Option) options {
	o := options{
		listenAddress: DefaultListenAddress,
		writeTimeout:  DefaultWriteTimeout,
		logger:        slog.Default(),
		tracer:        otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithListenAddress sets the TCP address clients connect to.
func WithListenAddress(addr string) Option {
	return func(o *options) {
		o.listenAddress = addr
	}
}

// WithWriteTimeout bounds a single socket write to a client. Zero disables
// the deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = d
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracer = tp.Tracer(instrumentationName)
	}
}
