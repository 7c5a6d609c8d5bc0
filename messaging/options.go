package messaging

import (
	"log/slog"
	"time"

	"github.com/antiduh/MiniBus/internal/reliability"
	"github.com/antiduh/MiniBus/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/antiduh/MiniBus/messaging"

// Retry defaults used by RequestContext.WithRetry.
const (
	DefaultRetryAttempts = 5
	DefaultRetryDelay    = time.Second
)

// RetryPolicy decides whether WithRetry tries again.
type RetryPolicy = reliability.RetryPolicy

// NewRetryPolicy returns a policy making up to attempts attempts, delay apart,
// retrying only delivery failures.
func NewRetryPolicy(attempts int, delay time.Duration) RetryPolicy {
	return reliability.NewFixedDelay(delay, attempts, IsDeliveryFailure)
}

type config struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	retry     RetryPolicy
	tracer    trace.Tracer
	listeners []ConnectionListener
}

// Option configures buses and correlators.
type Option func(*config)

func newConfig(opts []Option) config {
	cfg := config{
		logger: slog.Default(),
		retry:  NewRetryPolicy(DefaultRetryAttempts, DefaultRetryDelay),
		tracer: otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithMetrics records bus activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) {
		c.metrics = m
	}
}

// WithRetryPolicy replaces the policy used by RequestContext.WithRetry.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *config) {
		c.retry = policy
	}
}

// WithTracerProvider creates spans from tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) {
		c.tracer = tp.Tracer(instrumentationName)
	}
}

// WithConnectionListener is told when the bus loses and regains its broker
// connection, after the bus has handled the transition itself.
func WithConnectionListener(l ConnectionListener) Option {
	return func(c *config) {
		c.listeners = append(c.listeners, l)
	}
}
