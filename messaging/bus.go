package messaging

import (
	"context"

	"github.com/antiduh/MiniBus/contracts"
)

// Bus is the client side of MiniBus, implemented over the broker by
// ClientBus and over a gateway connection by the gateway client package.
type Bus interface {
	// DeclareMessage registers a message type the bus may receive.
	DeclareMessage(factory func() contracts.Message) error

	StartRequest() (RequestContext, error)
	StartRequestWithID(correlationID string) (RequestContext, error)

	// SendMessage publishes msg outside of any conversation.
	SendMessage(ctx context.Context, correlationID string, msg contracts.Message) error

	Close() error
}
