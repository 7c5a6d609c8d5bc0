package contracts

import (
	"github.com/antiduh/MiniBus/tlv"
)

// Message is a contract that can be routed through the broker.
type Message interface {
	tlv.Contract

	// MessageName is the globally unique name of the message type. It is used
	// as the default routing key and as the MessageId property on the wire.
	MessageName() string

	// Exchange is the exchange the message is published to.
	Exchange() string
}

// ExchangeKinder is implemented by messages published to a non-topic exchange.
type ExchangeKinder interface {
	ExchangeKind() ExchangeType
}

// ExchangeType is the routing type of a broker exchange.
type ExchangeType int

const (
	Topic ExchangeType = iota
	Fanout
)

func (t ExchangeType) String() string {
	switch t {
	case Fanout:
		return "fanout"
	default:
		return "topic"
	}
}

// Factory returns a constructor for the message type *T, suitable for
// registering with a bus.
func Factory[T any, PT interface {
	*T
	Message
}]() func() Message {
	return func() Message {
		return PT(new(T))
	}
}
