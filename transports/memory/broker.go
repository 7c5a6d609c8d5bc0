// Package memory is an in-process broker with AMQP routing semantics:
// topic and fanout exchanges, the default exchange, durable and exclusive
// queues. Queue delivery runs on Watermill's gochannel pub/sub.
//
// Each bus gets its own Transport from a shared Broker. Transport.Fail and
// Transport.Recover simulate a broker channel failure, which ends the
// transport's consumers and deletes its exclusive queues like a real broker
// does when a connection drops.
//
// A queue holds its messages until a consumer takes them. Consumers of one
// queue compete: each message goes to exactly one of them, oldest first.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/antiduh/MiniBus/contracts"
	"github.com/antiduh/MiniBus/messaging"
	"github.com/google/uuid"
)

var (
	ErrExchangeNotFound = errors.New("memory: exchange not found")
	ErrQueueNotFound    = errors.New("memory: queue not found")
	ErrQueueLocked      = errors.New("memory: queue is exclusive to another transport")
	ErrExchangeMismatch = errors.New("memory: exchange redeclared with a different type")
)

// watermill logs every subscription at info level.
var logLevelMapping = map[slog.Level]slog.Level{
	slog.LevelInfo: slog.LevelDebug,
}

type binding struct {
	queue string
	key   string
}

// Broker holds the exchanges, queues and bindings shared by its transports.
type Broker struct {
	logger *slog.Logger
	pubsub *gochannel.GoChannel

	mu        sync.RWMutex
	exchanges map[string]contracts.ExchangeType
	queues    map[string]*queue
	bindings  map[string][]binding
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// NewBroker creates an empty broker.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		logger:    slog.Default(),
		exchanges: make(map[string]contracts.ExchangeType),
		queues:    make(map[string]*queue),
		bindings:  make(map[string][]binding),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.pubsub = gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 256, BlockPublishUntilSubscriberAck: true},
		watermill.NewSlogLoggerWithLevelMapping(b.logger, logLevelMapping),
	)
	return b
}

// NewTransport returns a new channel onto the broker.
func (b *Broker) NewTransport() *Transport {
	return &Transport{
		broker:    b,
		consumers: make(map[int]context.CancelFunc),
	}
}

// QueueExists reports whether a queue is declared.
func (b *Broker) QueueExists(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.queues[name]
	return ok
}

// Close deletes every queue and shuts down delivery for every transport.
func (b *Broker) Close() error {
	b.mu.Lock()
	for name, q := range b.queues {
		q.delete()
		delete(b.queues, name)
	}
	b.mu.Unlock()
	return b.pubsub.Close()
}

func (b *Broker) declareExchange(name string, kind contracts.ExchangeType) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.exchanges[name]; ok && existing != kind {
		return fmt.Errorf("%w: %s is %s", ErrExchangeMismatch, name, existing)
	}
	b.exchanges[name] = kind
	return nil
}

func (b *Broker) declareQueue(owner *Transport, name string, opts messaging.QueueOptions) (string, error) {
	if name == "" {
		name = "amq.gen-" + uuid.NewString()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[name]; ok {
		if q.opts.Exclusive && q.owner != owner {
			return "", fmt.Errorf("%w: %s", ErrQueueLocked, name)
		}
		return name, nil
	}

	if !opts.Exclusive {
		owner = nil
	}
	q := newQueue(name, opts, owner)

	ctx, cancel := context.WithCancel(context.Background())
	messages, err := b.pubsub.Subscribe(ctx, queueTopic(name))
	if err != nil {
		cancel()
		return "", err
	}
	q.stop = cancel
	go q.pump(messages)

	b.queues[name] = q
	return name, nil
}

func (b *Broker) bindQueue(queueName, exchange, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.queues[queueName]; !ok {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, queueName)
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return fmt.Errorf("%w: %s", ErrExchangeNotFound, exchange)
	}
	for _, existing := range b.bindings[exchange] {
		if existing.queue == queueName && existing.key == key {
			return nil
		}
	}
	b.bindings[exchange] = append(b.bindings[exchange], binding{queue: queueName, key: key})
	return nil
}

// dropExclusive deletes the exclusive queues owned by t and their bindings.
func (b *Broker) dropExclusive(t *Transport) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := make(map[string]struct{})
	for name, q := range b.queues {
		if q.owner == t {
			q.delete()
			delete(b.queues, name)
			dropped[name] = struct{}{}
		}
	}
	if len(dropped) == 0 {
		return
	}

	for exchange, list := range b.bindings {
		kept := list[:0]
		for _, bnd := range list {
			if _, gone := dropped[bnd.queue]; !gone {
				kept = append(kept, bnd)
			}
		}
		b.bindings[exchange] = kept
	}
}

func (b *Broker) lookup(name string) (*queue, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.queues[name]
	return q, ok
}

// route returns the queues a message published to exchange with key reaches.
func (b *Broker) route(exchange, key string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if exchange == "" {
		if _, ok := b.queues[key]; ok {
			return []string{key}, nil
		}
		return nil, nil
	}

	kind, ok := b.exchanges[exchange]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExchangeNotFound, exchange)
	}

	var targets []string
	seen := make(map[string]struct{})
	for _, bnd := range b.bindings[exchange] {
		if kind == contracts.Topic && !topicMatch(bnd.key, key) {
			continue
		}
		if _, dup := seen[bnd.queue]; dup {
			continue
		}
		seen[bnd.queue] = struct{}{}
		targets = append(targets, bnd.queue)
	}
	return targets, nil
}

// deliver returns once the queue's pump has buffered the message. A queue
// deleted in the meantime silently loses it, as on a real broker.
func (b *Broker) deliver(queueName string, props messaging.Properties, body []byte) error {
	msg := message.NewMessage(watermill.NewUUID(), append([]byte(nil), body...))
	setMetadata(msg.Metadata, props)
	return b.pubsub.Publish(queueTopic(queueName), msg)
}

func queueTopic(name string) string {
	return "queue/" + name
}

// topicMatch applies AMQP topic rules: words are separated by dots, "*"
// matches exactly one word and "#" matches zero or more.
func topicMatch(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}
