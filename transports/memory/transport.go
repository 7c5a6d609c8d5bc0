package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/antiduh/MiniBus/contracts"
	"github.com/antiduh/MiniBus/messaging"
)

// Transport is one channel onto a Broker. It implements messaging.Transport.
type Transport struct {
	broker *Broker

	mu        sync.Mutex
	down      error
	closed    bool
	nextID    int
	consumers map[int]context.CancelFunc
	listeners []messaging.ConnectionListener

	notifyMu sync.Mutex
}

var _ messaging.Transport = (*Transport)(nil)

func (t *Transport) usable() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("%w: transport closed", messaging.ErrChannelDown)
	}
	if t.down != nil {
		return fmt.Errorf("%w: %w", messaging.ErrChannelDown, t.down)
	}
	return nil
}

func (t *Transport) Publish(ctx context.Context, exchange, routingKey string, props messaging.Properties, body []byte) error {
	if err := t.usable(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	queues, err := t.broker.route(exchange, routingKey)
	if err != nil {
		return err
	}
	for _, q := range queues {
		if err := t.broker.deliver(q, props, body); err != nil {
			return fmt.Errorf("%w: %w", messaging.ErrChannelDown, err)
		}
	}
	return nil
}

// Consume starts a consumer on queueName. Consumers of one queue share its
// messages; each consumer handles its own deliveries one at a time.
func (t *Transport) Consume(ctx context.Context, queueName string, handler messaging.DeliveryHandler) error {
	if err := t.usable(); err != nil {
		return err
	}
	q, ok := t.broker.lookup(queueName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, queueName)
	}

	subCtx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.consumers[id] = cancel
	t.mu.Unlock()

	go func() {
		defer func() {
			t.mu.Lock()
			delete(t.consumers, id)
			t.mu.Unlock()
			cancel()
		}()

		for {
			msg, ok := q.take(subCtx)
			if !ok {
				return
			}
			if subCtx.Err() != nil {
				q.requeue(msg)
				return
			}
			handler(toDelivery(queueName, msg))
		}
	}()
	return nil
}

func (t *Transport) DeclareExchange(ctx context.Context, name string, kind contracts.ExchangeType) error {
	if err := t.usable(); err != nil {
		return err
	}
	return t.broker.declareExchange(name, kind)
}

func (t *Transport) DeclareQueue(ctx context.Context, name string, opts messaging.QueueOptions) (string, error) {
	if err := t.usable(); err != nil {
		return "", err
	}
	return t.broker.declareQueue(t, name, opts)
}

func (t *Transport) BindQueue(ctx context.Context, queueName, exchange, routingKey string) error {
	if err := t.usable(); err != nil {
		return err
	}
	return t.broker.bindQueue(queueName, exchange, routingKey)
}

func (t *Transport) AddConnectionListener(l messaging.ConnectionListener) {
	t.mu.Lock()
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()
}

// Fail simulates losing the broker channel: consumers stop, exclusive
// queues are deleted and every call fails with ErrChannelDown until Recover.
func (t *Transport) Fail(cause error) {
	t.mu.Lock()
	if t.down != nil || t.closed {
		t.mu.Unlock()
		return
	}
	t.down = cause
	cancels := t.takeConsumers()
	listeners := append([]messaging.ConnectionListener(nil), t.listeners...)
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	t.broker.dropExclusive(t)

	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()
	for _, l := range listeners {
		l.ConnectionLost(cause)
	}
}

// Recover ends a simulated failure and notifies listeners.
func (t *Transport) Recover() {
	t.mu.Lock()
	if t.down == nil || t.closed {
		t.mu.Unlock()
		return
	}
	t.down = nil
	listeners := append([]messaging.ConnectionListener(nil), t.listeners...)
	t.mu.Unlock()

	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()
	for _, l := range listeners {
		l.ConnectionRestored()
	}
}

// Close stops consumers and deletes the transport's exclusive queues.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancels := t.takeConsumers()
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	t.broker.dropExclusive(t)
	return nil
}

// takeConsumers must be called with t.mu held.
func (t *Transport) takeConsumers() []context.CancelFunc {
	cancels := make([]context.CancelFunc, 0, len(t.consumers))
	for id, cancel := range t.consumers {
		cancels = append(cancels, cancel)
		delete(t.consumers, id)
	}
	return cancels
}
