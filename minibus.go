// Package minibus wires broker transports to a client bus and a server bus.
//
// Most programs need both halves: a ClientBus to start conversations with
// services, and a ServerBus to serve requests of their own. Each bus owns its
// own transport, as buses serialize publishes on their channel.
package minibus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/antiduh/MiniBus/contracts"
	"github.com/antiduh/MiniBus/messaging"
	"github.com/antiduh/MiniBus/metrics"
	"github.com/antiduh/MiniBus/tlv"
	"github.com/antiduh/MiniBus/transports/rabbitmq"
)

// TransportFactory opens a new broker transport.
type TransportFactory func(ctx context.Context) (messaging.Transport, error)

// Client provides the main entry point for MiniBus
type Client struct {
	clientTransport messaging.Transport
	serverTransport messaging.Transport
	clientBus       *messaging.ClientBus
	serverBus       *messaging.ServerBus
	logger          *slog.Logger
}

// NewClient connects to RabbitMQ at one of urls and creates both buses.
func NewClient(ctx context.Context, urls []string, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}

	if cfg.transportFactory == nil {
		cfg.transportFactory = func(ctx context.Context) (messaging.Transport, error) {
			return rabbitmq.NewTransport(ctx, urls, rabbitmq.WithLogger(cfg.logger))
		}
	}

	busOpts := []messaging.Option{messaging.WithLogger(cfg.logger)}
	if cfg.metrics != nil {
		busOpts = append(busOpts, messaging.WithMetrics(cfg.metrics))
	}
	if cfg.retryPolicy != nil {
		busOpts = append(busOpts, messaging.WithRetryPolicy(cfg.retryPolicy))
	}
	busOpts = append(busOpts, cfg.busOptions...)

	c := &Client{logger: cfg.logger}

	var err error
	if c.clientTransport, err = cfg.transportFactory(ctx); err != nil {
		return nil, fmt.Errorf("failed to create client transport: %w", err)
	}
	if c.clientBus, err = messaging.NewClientBus(ctx, c.clientTransport, busOpts...); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create client bus: %w", err)
	}

	if c.serverTransport, err = cfg.transportFactory(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create server transport: %w", err)
	}
	if c.serverBus, err = messaging.NewServerBus(ctx, c.serverTransport, busOpts...); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create server bus: %w", err)
	}

	cfg.logger.Info("minibus client ready",
		"clientQueue", c.clientBus.PrivateQueue(),
		"serverQueue", c.serverBus.PrivateQueue())
	return c, nil
}

// ClientBus returns the bus used to start conversations
func (c *Client) ClientBus() *messaging.ClientBus {
	return c.clientBus
}

// ServerBus returns the bus used to serve requests
func (c *Client) ServerBus() *messaging.ServerBus {
	return c.serverBus
}

// Request runs a single request/reply conversation. Replies of the expected
// type must have been declared on the client bus.
func (c *Client) Request(ctx context.Context, msg contracts.Message, timeout time.Duration) (tlv.Contract, error) {
	req, err := c.clientBus.StartRequest()
	if err != nil {
		return nil, err
	}
	defer req.Dispose()

	err = req.WithRetry(ctx, func() error {
		return req.SendRequest(ctx, msg)
	})
	if err != nil {
		return nil, err
	}
	return req.WaitResponse(ctx, timeout)
}

// Close closes all resources
func (c *Client) Close() error {
	if c.serverBus != nil {
		c.serverBus.Close()
	}
	if c.clientBus != nil {
		c.clientBus.Close()
	}

	var firstErr error
	for _, t := range []messaging.Transport{c.serverTransport, c.clientTransport} {
		if t == nil {
			continue
		}
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// clientConfig holds client configuration
type clientConfig struct {
	logger           *slog.Logger
	metrics          *metrics.Metrics
	retryPolicy      messaging.RetryPolicy
	transportFactory TransportFactory
	busOptions       []messaging.Option
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithMetrics records both buses' activity in m
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = m
	}
}

// WithRetryPolicy sets how RequestContext.WithRetry retries sends
func WithRetryPolicy(policy messaging.RetryPolicy) ClientOption {
	return func(cfg *clientConfig) {
		cfg.retryPolicy = policy
	}
}

// WithTransportFactory replaces the RabbitMQ transport, e.g. with the
// in-memory broker.
func WithTransportFactory(factory TransportFactory) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transportFactory = factory
	}
}

// WithBusOptions passes extra options to both buses
func WithBusOptions(opts ...messaging.Option) ClientOption {
	return func(cfg *clientConfig) {
		cfg.busOptions = append(cfg.busOptions, opts...)
	}
}
