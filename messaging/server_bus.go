package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/antiduh/MiniBus/contracts"
	"github.com/antiduh/MiniBus/metrics"
	"github.com/antiduh/MiniBus/tlv"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Handler processes one inbound message. cc is only valid until the handler
// returns.
type Handler func(ctx context.Context, msg tlv.Contract, cc *ConsumeContext)

type handlerEntry struct {
	def     contracts.MessageDef
	queue   string
	handler Handler
}

// ServerBus consumes requests from durable queues bound to topic exchanges
// and routes each one to the handler registered for its message name.
type ServerBus struct {
	transport Transport
	cfg       config
	logger    *slog.Logger
	contracts *tlv.Registry
	defs      *contracts.DefRegistry
	out       *outbox
	in        *inbox

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	handlers       map[string]*handlerEntry
	knownExchanges map[string]struct{}
	consuming      map[string]struct{}

	queueMu      sync.RWMutex
	privateQueue string

	poolMu sync.Mutex
	pool   []*ConsumeContext
}

// NewServerBus provisions the bus's private queue on transport.
func NewServerBus(ctx context.Context, transport Transport, opts ...Option) (*ServerBus, error) {
	cfg := newConfig(opts)
	reg := tlv.NewRegistry()

	b := &ServerBus{
		transport:      transport,
		cfg:            cfg,
		logger:         cfg.logger,
		contracts:      reg,
		defs:           contracts.NewDefRegistry(),
		out:            &outbox{transport: transport, metrics: cfg.metrics, component: "server"},
		in:             newInbox(reg),
		handlers:       make(map[string]*handlerEntry),
		knownExchanges: make(map[string]struct{}),
		consuming:      make(map[string]struct{}),
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())

	if err := b.provisionPrivateQueue(ctx); err != nil {
		b.cancel()
		return nil, err
	}
	transport.AddConnectionListener(b)

	return b, nil
}

func (b *ServerBus) provisionPrivateQueue(ctx context.Context) error {
	queue, err := b.transport.DeclareQueue(ctx, "", privateQueueOptions)
	if err != nil {
		return fmt.Errorf("failed to declare private queue: %w", err)
	}
	if err := b.transport.Consume(b.ctx, queue, b.handleDelivery); err != nil {
		return fmt.Errorf("failed to consume private queue %s: %w", queue, err)
	}

	b.queueMu.Lock()
	b.privateQueue = queue
	b.queueMu.Unlock()
	return nil
}

// PrivateQueue returns the queue redirected conversations send to.
func (b *ServerBus) PrivateQueue() string {
	b.queueMu.RLock()
	defer b.queueMu.RUnlock()
	return b.privateQueue
}

// RegisterHandler routes messages of factory's type, arriving on queueName,
// to handler. The queue is declared durable and bound to the message's
// exchange with the message name as routing key.
func (b *ServerBus) RegisterHandler(ctx context.Context, factory func() contracts.Message, queueName string, handler Handler) error {
	def, err := registerMessage(b.contracts, b.defs, factory)
	if err != nil {
		return err
	}

	entry := &handlerEntry{def: def, queue: queueName, handler: handler}

	b.mu.Lock()
	if _, exists := b.handlers[def.Name]; exists {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, def.Name)
	}
	b.handlers[def.Name] = entry
	b.mu.Unlock()

	if err := b.provisionHandler(ctx, entry); err != nil {
		b.mu.Lock()
		delete(b.handlers, def.Name)
		b.mu.Unlock()
		return err
	}

	b.logger.Info("registered handler",
		"messageName", def.Name,
		"exchange", def.Exchange,
		"queue", queueName)
	return nil
}

// Handle registers a handler for messages of type T.
func Handle[T any, PT interface {
	*T
	contracts.Message
}](ctx context.Context, b *ServerBus, queueName string, handler func(ctx context.Context, msg PT, cc *ConsumeContext)) error {
	return b.RegisterHandler(ctx, contracts.Factory[T, PT](), queueName, func(ctx context.Context, msg tlv.Contract, cc *ConsumeContext) {
		typed, ok := msg.(PT)
		if !ok {
			b.logger.Warn("handler received unexpected contract",
				"queue", queueName,
				"contract", describe(msg))
			return
		}
		handler(ctx, typed, cc)
	})
}

func (b *ServerBus) provisionHandler(ctx context.Context, e *handlerEntry) error {
	if err := b.ensureExchange(ctx, e.def); err != nil {
		return err
	}

	if _, err := b.transport.DeclareQueue(ctx, e.queue, QueueOptions{Durable: true}); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", e.queue, err)
	}
	if err := b.transport.BindQueue(ctx, e.queue, e.def.Exchange, e.def.RoutingKey); err != nil {
		return fmt.Errorf("failed to bind queue %s to %s: %w", e.queue, e.def.Exchange, err)
	}

	b.mu.Lock()
	_, consuming := b.consuming[e.queue]
	if !consuming {
		b.consuming[e.queue] = struct{}{}
	}
	b.mu.Unlock()
	if consuming {
		return nil
	}

	if err := b.transport.Consume(b.ctx, e.queue, b.handleDelivery); err != nil {
		b.mu.Lock()
		delete(b.consuming, e.queue)
		b.mu.Unlock()
		return fmt.Errorf("failed to consume queue %s: %w", e.queue, err)
	}
	return nil
}

func (b *ServerBus) ensureExchange(ctx context.Context, def contracts.MessageDef) error {
	b.mu.Lock()
	_, known := b.knownExchanges[def.Exchange]
	b.mu.Unlock()
	if known {
		return nil
	}

	if err := b.transport.DeclareExchange(ctx, def.Exchange, def.ExchangeType); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", def.Exchange, err)
	}

	b.mu.Lock()
	b.knownExchanges[def.Exchange] = struct{}{}
	b.mu.Unlock()
	return nil
}

// SendMessage publishes msg to its exchange.
func (b *ServerBus) SendMessage(ctx context.Context, env contracts.Envelope, msg contracts.Message) error {
	def, err := b.defs.Get(msg)
	if err != nil {
		return err
	}
	if err := b.ensureExchange(ctx, def); err != nil {
		return err
	}
	return b.out.publish(ctx, def.Exchange, def.RoutingKey, envelopeProperties(env, def), msg)
}

func (b *ServerBus) reply(ctx context.Context, env contracts.Envelope, replyTo string, msg contracts.Message) error {
	def, err := b.defs.Get(msg)
	if err != nil {
		return err
	}

	exchange, routingKey := def.Exchange, def.RoutingKey
	if replyTo != "" {
		exchange, routingKey = "", replyTo
	}
	return b.out.publish(ctx, exchange, routingKey, envelopeProperties(env, def), msg)
}

func (b *ServerBus) handleDelivery(d Delivery) {
	b.mu.Lock()
	entry := b.handlers[d.MessageID]
	b.mu.Unlock()

	if entry == nil {
		b.logger.Warn("no handler for message",
			"messageName", d.MessageID,
			"queue", d.Queue,
			"correlationId", d.CorrelationID)
		return
	}

	msg, err := b.in.decode(d.Body)
	if err != nil {
		b.logger.Warn("dropping undecodable message",
			"messageName", d.MessageID,
			"queue", d.Queue,
			"error", err)
		return
	}

	ctx, span := b.cfg.tracer.Start(b.ctx, "minibus.handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("minibus.message", entry.def.Name),
			attribute.String("minibus.queue", d.Queue),
			attribute.String("minibus.correlation_id", d.CorrelationID),
		))
	defer span.End()

	cc := b.acquireContext()
	cc.load(deliveryEnvelope(d))
	defer b.releaseContext(cc)

	start := time.Now()
	b.invoke(ctx, entry, msg, cc)
	b.cfg.metrics.HandlerObserved(entry.def.Name, time.Since(start))
}

func (b *ServerBus) invoke(ctx context.Context, e *handlerEntry, msg tlv.Contract, cc *ConsumeContext) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked",
				"messageName", e.def.Name,
				"correlationId", cc.correlationID,
				"panic", r)
		}
	}()
	e.handler(ctx, msg, cc)
}

func (b *ServerBus) acquireContext() *ConsumeContext {
	b.poolMu.Lock()
	defer b.poolMu.Unlock()

	if n := len(b.pool); n > 0 {
		cc := b.pool[n-1]
		b.pool[n-1] = nil
		b.pool = b.pool[:n-1]
		return cc
	}
	return &ConsumeContext{bus: b}
}

func (b *ServerBus) releaseContext(cc *ConsumeContext) {
	cc.unload()

	b.poolMu.Lock()
	b.pool = append(b.pool, cc)
	b.poolMu.Unlock()
}

// ConnectionLost implements ConnectionListener.
func (b *ServerBus) ConnectionLost(err error) {
	b.logger.Warn("server bus lost its broker channel", "error", err)
	b.cfg.metrics.ConnectionEvent("server", metrics.EventLost)

	b.mu.Lock()
	clear(b.consuming)
	b.mu.Unlock()

	for _, l := range b.cfg.listeners {
		l.ConnectionLost(err)
	}
}

// ConnectionRestored implements ConnectionListener. Consumers do not survive
// a channel failure, so the private queue and every handler queue are
// provisioned again.
func (b *ServerBus) ConnectionRestored() {
	if b.ctx.Err() != nil {
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, reprovisionTimeout)
	defer cancel()

	if err := b.provisionPrivateQueue(ctx); err != nil {
		b.logger.Error("failed to re-provision private queue", "error", err)
		return
	}

	b.mu.Lock()
	clear(b.consuming)
	entries := make([]*handlerEntry, 0, len(b.handlers))
	for _, e := range b.handlers {
		entries = append(entries, e)
	}
	b.mu.Unlock()

	for _, e := range entries {
		if err := b.provisionHandler(ctx, e); err != nil {
			b.logger.Error("failed to re-provision handler",
				"messageName", e.def.Name,
				"queue", e.queue,
				"error", err)
		}
	}

	b.logger.Info("server bus restored", "handlers", len(entries))
	b.cfg.metrics.ConnectionEvent("server", metrics.EventRestored)
	for _, l := range b.cfg.listeners {
		l.ConnectionRestored()
	}
}

// Close stops every consumer. The transport is left open.
func (b *ServerBus) Close() error {
	b.cancel()
	return nil
}
