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
)

const reprovisionTimeout = 30 * time.Second

// ClientBus issues requests through a broker transport and collects the
// replies sent to its private queue.
type ClientBus struct {
	transport  Transport
	cfg        config
	logger     *slog.Logger
	contracts  *tlv.Registry
	defs       *contracts.DefRegistry
	correlator *Correlator
	out        *outbox
	in         *inbox

	ctx    context.Context
	cancel context.CancelFunc

	queueMu      sync.RWMutex
	privateQueue string

	exchangeMu     sync.Mutex
	knownExchanges map[string]struct{}
}

var _ Bus = (*ClientBus)(nil)

// NewClientBus provisions the bus's private queue on transport and starts
// consuming it.
func NewClientBus(ctx context.Context, transport Transport, opts ...Option) (*ClientBus, error) {
	cfg := newConfig(opts)
	reg := tlv.NewRegistry()

	b := &ClientBus{
		transport: transport,
		cfg:       cfg,
		logger:    cfg.logger,
		contracts: reg,
		defs:      contracts.NewDefRegistry(),
		out:       &outbox{transport: transport, metrics: cfg.metrics, component: "client"},
		in:        newInbox(reg),

		knownExchanges: make(map[string]struct{}),
	}
	b.correlator = newCorrelator(b, cfg)
	b.ctx, b.cancel = context.WithCancel(context.Background())

	if err := b.provision(ctx); err != nil {
		b.cancel()
		return nil, err
	}
	transport.AddConnectionListener(b)

	return b, nil
}

func (b *ClientBus) provision(ctx context.Context) error {
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

	b.logger.Info("client bus listening", "queue", queue)
	return nil
}

// PrivateQueue returns the queue replies to this bus are sent to.
func (b *ClientBus) PrivateQueue() string {
	b.queueMu.RLock()
	defer b.queueMu.RUnlock()
	return b.privateQueue
}

// DeclareMessage registers a reply type the bus can decode.
func (b *ClientBus) DeclareMessage(factory func() contracts.Message) error {
	_, err := registerMessage(b.contracts, b.defs, factory)
	return err
}

func (b *ClientBus) StartRequest() (RequestContext, error) {
	return b.correlator.StartRequest()
}

func (b *ClientBus) StartRequestWithID(correlationID string) (RequestContext, error) {
	return b.correlator.StartRequestWithID(correlationID)
}

// SendMessage publishes msg to its exchange with the given correlation id.
func (b *ClientBus) SendMessage(ctx context.Context, correlationID string, msg contracts.Message) error {
	return b.SendRequest(ctx, contracts.Envelope{CorrelationID: correlationID}, msg, "")
}

// SendRequest implements RequestSender.
func (b *ClientBus) SendRequest(ctx context.Context, env contracts.Envelope, msg contracts.Message, redirect string) error {
	if b.ctx.Err() != nil {
		return ErrBusClosed
	}

	def, err := b.defs.Get(msg)
	if err != nil {
		return err
	}

	env.SendRepliesTo = b.PrivateQueue()

	exchange, routingKey := def.Exchange, def.RoutingKey
	if redirect != "" {
		exchange, routingKey = "", redirect
	} else if err := b.ensureExchange(ctx, def); err != nil {
		return err
	}

	return b.out.publish(ctx, exchange, routingKey, envelopeProperties(env, def), msg)
}

func (b *ClientBus) ensureExchange(ctx context.Context, def contracts.MessageDef) error {
	b.exchangeMu.Lock()
	_, known := b.knownExchanges[def.Exchange]
	b.exchangeMu.Unlock()
	if known {
		return nil
	}

	if err := b.transport.DeclareExchange(ctx, def.Exchange, def.ExchangeType); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", def.Exchange, err)
	}

	b.exchangeMu.Lock()
	b.knownExchanges[def.Exchange] = struct{}{}
	b.exchangeMu.Unlock()
	return nil
}

// Correlator returns the correlator conversations are tracked by.
func (b *ClientBus) Correlator() *Correlator {
	return b.correlator
}

func (b *ClientBus) handleDelivery(d Delivery) {
	msg, err := b.in.decode(d.Body)
	if err != nil {
		b.logger.Warn("dropping undecodable reply",
			"queue", d.Queue,
			"correlationId", d.CorrelationID,
			"error", err)
		b.cfg.metrics.Dispatched(metrics.OutcomeUnroutable)
		return
	}

	b.correlator.Dispatch(deliveryEnvelope(d), msg)
}

// ConnectionLost implements ConnectionListener.
func (b *ClientBus) ConnectionLost(err error) {
	b.logger.Warn("client bus lost its broker channel", "error", err)
	b.cfg.metrics.ConnectionEvent("client", metrics.EventLost)
	for _, l := range b.cfg.listeners {
		l.ConnectionLost(err)
	}
}

// ConnectionRestored implements ConnectionListener. The private queue does
// not survive a channel failure, so a new one is declared.
func (b *ClientBus) ConnectionRestored() {
	if b.ctx.Err() != nil {
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, reprovisionTimeout)
	defer cancel()

	if err := b.provision(ctx); err != nil {
		b.logger.Error("failed to re-provision client bus", "error", err)
		return
	}

	b.cfg.metrics.ConnectionEvent("client", metrics.EventRestored)
	for _, l := range b.cfg.listeners {
		l.ConnectionRestored()
	}
}

// Close stops consuming and rejects new conversations. The transport is
// left open.
func (b *ClientBus) Close() error {
	b.correlator.Close()
	b.cancel()
	return nil
}
