package messaging

import (
	"context"

	"github.com/antiduh/MiniBus/contracts"
)

// ClientIDHeader is the message header carrying the gateway session id.
const ClientIDHeader = "clientId"

// Properties are the broker message properties MiniBus reads and writes.
type Properties struct {
	MessageID     string
	CorrelationID string
	ReplyTo       string
	Headers       map[string]any
}

// ClientID returns the clientId header, accepting byte or string values.
func (p Properties) ClientID() string {
	switch v := p.Headers[ClientIDHeader].(type) {
	case []byte:
		return string(v)
	case string:
		return v
	default:
		return ""
	}
}

// SetClientID stores id in the clientId header as UTF-8 bytes.
func (p *Properties) SetClientID(id string) {
	if p.Headers == nil {
		p.Headers = make(map[string]any, 1)
	}
	p.Headers[ClientIDHeader] = []byte(id)
}

// Delivery is a message received from a queue.
type Delivery struct {
	Properties
	Queue string
	Body  []byte
}

// DeliveryHandler receives the deliveries of one consumer, in queue order,
// on the consumer's goroutine.
type DeliveryHandler func(d Delivery)

// QueueOptions defines options for queue creation
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
}

// ConnectionListener is told when a transport loses and regains its broker
// channel. Calls for one transport are never concurrent.
type ConnectionListener interface {
	ConnectionLost(err error)
	ConnectionRestored()
}

// ConnectionListenerFuncs adapts plain functions to ConnectionListener.
// Nil fields are ignored.
type ConnectionListenerFuncs struct {
	OnLost     func(err error)
	OnRestored func()
}

func (f ConnectionListenerFuncs) ConnectionLost(err error) {
	if f.OnLost != nil {
		f.OnLost(err)
	}
}

func (f ConnectionListenerFuncs) ConnectionRestored() {
	if f.OnRestored != nil {
		f.OnRestored()
	}
}

// Transport is one broker channel. Buses own a Transport each and serialize
// their publishes on it.
//
// Failures are returned, never swallowed. Errors caused by the channel being
// unusable match ErrChannelDown. Publish does not retain body after it
// returns. A consumer runs until ctx is cancelled, the transport is closed or
// the channel fails; after ConnectionRestored consumers must be re-created.
type Transport interface {
	Publish(ctx context.Context, exchange, routingKey string, props Properties, body []byte) error
	Consume(ctx context.Context, queue string, handler DeliveryHandler) error

	DeclareExchange(ctx context.Context, name string, kind contracts.ExchangeType) error
	// DeclareQueue returns the queue name, which the broker picks when name is empty.
	DeclareQueue(ctx context.Context, name string, opts QueueOptions) (string, error)
	BindQueue(ctx context.Context, queue, exchange, routingKey string) error

	AddConnectionListener(l ConnectionListener)
	Close() error
}

// privateQueueOptions are used for every bus's private reply queue.
var privateQueueOptions = QueueOptions{Exclusive: true, AutoDelete: true}
