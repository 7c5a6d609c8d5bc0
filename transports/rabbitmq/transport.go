// Package rabbitmq implements messaging.Transport over RabbitMQ.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/antiduh/MiniBus/contracts"
	"github.com/antiduh/MiniBus/internal/rabbitmq"
	"github.com/antiduh/MiniBus/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	manager *rabbitmq.ConnectionManager
	channel *rabbitmq.Channel
	logger  *slog.Logger
	cfg     TransportConfig

	mu        sync.Mutex
	consumers []context.CancelFunc
	listeners []messaging.ConnectionListener
	closed    bool
}

var _ messaging.Transport = (*Transport)(nil)

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PrefetchCount     int
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPrefetchCount limits unacknowledged deliveries per consumer
func WithPrefetchCount(n int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PrefetchCount = n
	}
}

// WithLogger sets the logger for the transport and its connection
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, rabbitmq.WithLogger(logger))
	}
}

// NewTransport connects to one of urls and returns the transport once the
// first connection is up.
func NewTransport(ctx context.Context, urls []string, options ...TransportOption) (*Transport, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: no broker urls", rabbitmq.ErrInvalidConfiguration)
	}

	cfg := TransportConfig{Logger: slog.Default()}
	for _, opt := range options {
		opt(&cfg)
	}

	manager := rabbitmq.NewConnectionManager(urls, cfg.ConnectionOptions...)
	t := &Transport{
		manager: manager,
		channel: rabbitmq.NewChannel(manager),
		logger:  cfg.Logger,
		cfg:     cfg,
	}
	manager.AddStateListener(t)

	if err := manager.Connect(ctx); err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return t, nil
}

// wrapErr marks errors caused by a lost connection or channel.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if rabbitmq.IsChannelDown(err) {
		return fmt.Errorf("%w: %w", messaging.ErrChannelDown, err)
	}
	return err
}

func (t *Transport) Publish(ctx context.Context, exchange, routingKey string, props messaging.Properties, body []byte) error {
	return wrapErr(t.channel.Execute(func(ch *amqp.Channel) error {
		return rabbitmq.Publish(ctx, ch, exchange, routingKey, toPublishing(props, body))
	}))
}

func (t *Transport) Consume(ctx context.Context, queue string, handler messaging.DeliveryHandler) error {
	consumeCtx, cancel := context.WithCancel(ctx)

	err := rabbitmq.Consume(consumeCtx, t.manager, queue,
		rabbitmq.ConsumerConfig{PrefetchCount: t.cfg.PrefetchCount, Logger: t.logger},
		func(d amqp.Delivery) { handler(toDelivery(queue, d)) })
	if err != nil {
		cancel()
		return wrapErr(err)
	}

	t.mu.Lock()
	t.consumers = append(t.consumers, cancel)
	t.mu.Unlock()
	return nil
}

func (t *Transport) DeclareExchange(ctx context.Context, name string, kind contracts.ExchangeType) error {
	return wrapErr(t.channel.Execute(func(ch *amqp.Channel) error {
		return rabbitmq.DeclareExchange(ch, rabbitmq.ExchangeDeclaration{
			Name:    name,
			Type:    kind.String(),
			Durable: true,
		})
	}))
}

func (t *Transport) DeclareQueue(ctx context.Context, name string, opts messaging.QueueOptions) (string, error) {
	var declared string
	err := t.channel.Execute(func(ch *amqp.Channel) error {
		q, err := rabbitmq.DeclareQueue(ch, rabbitmq.QueueDeclaration{
			Name:       name,
			Durable:    opts.Durable,
			AutoDelete: opts.AutoDelete,
			Exclusive:  opts.Exclusive,
		})
		declared = q.Name
		return err
	})
	return declared, wrapErr(err)
}

func (t *Transport) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	return wrapErr(t.channel.Execute(func(ch *amqp.Channel) error {
		return rabbitmq.BindQueue(ch, rabbitmq.Binding{
			Queue:      queue,
			Exchange:   exchange,
			RoutingKey: routingKey,
		})
	}))
}

func (t *Transport) AddConnectionListener(l messaging.ConnectionListener) {
	t.mu.Lock()
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// OnConnected implements rabbitmq.ConnectionStateListener.
func (t *Transport) OnConnected() {}

// OnDisconnected implements rabbitmq.ConnectionStateListener. Consumers
// stop with their channels; buses re-create them on restore.
func (t *Transport) OnDisconnected(err error) {
	t.mu.Lock()
	cancels := t.consumers
	t.consumers = nil
	listeners := append([]messaging.ConnectionListener(nil), t.listeners...)
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	t.channel.Reset()

	for _, l := range listeners {
		l.ConnectionLost(err)
	}
}

// OnRestored implements rabbitmq.ConnectionStateListener.
func (t *Transport) OnRestored() {
	t.mu.Lock()
	listeners := append([]messaging.ConnectionListener(nil), t.listeners...)
	t.mu.Unlock()

	for _, l := range listeners {
		l.ConnectionRestored()
	}
}

// Close closes all resources
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancels := t.consumers
	t.consumers = nil
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	t.channel.Reset()
	return t.manager.Close()
}
