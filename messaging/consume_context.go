package messaging

import (
	"context"

	"github.com/antiduh/MiniBus/contracts"
)

// ConsumeContext describes the message a handler is processing and lets it
// reply. It is pooled by the bus and must not be kept after the handler
// returns.
type ConsumeContext struct {
	bus           *ServerBus
	correlationID string
	replyTo       string
	clientID      string
}

func (c *ConsumeContext) load(env contracts.Envelope) {
	c.correlationID = env.CorrelationID
	c.replyTo = env.SendRepliesTo
	c.clientID = env.ClientID
}

func (c *ConsumeContext) unload() {
	c.correlationID = ""
	c.replyTo = ""
	c.clientID = ""
}

func (c *ConsumeContext) CorrelationID() string {
	return c.correlationID
}

// ReplyTo returns the queue the sender asked replies to go to, or "".
func (c *ConsumeContext) ReplyTo() string {
	return c.replyTo
}

// ClientID returns the gateway session the message came from, or "".
func (c *ConsumeContext) ClientID() string {
	return c.clientID
}

type replyOptions struct {
	redirect bool
}

// ReplyOption configures Reply.
type ReplyOption func(*replyOptions)

// RedirectReplies asks the caller to send the rest of the conversation
// directly to this bus's private queue.
func RedirectReplies() ReplyOption {
	return func(o *replyOptions) {
		o.redirect = true
	}
}

// Reply answers the message being handled. The reply carries the inbound
// correlation and client ids. It is sent to the sender's reply queue when
// there is one, and routed by its own exchange otherwise.
func (c *ConsumeContext) Reply(ctx context.Context, msg contracts.Message, opts ...ReplyOption) error {
	var o replyOptions
	for _, opt := range opts {
		opt(&o)
	}

	env := contracts.Envelope{
		CorrelationID: c.correlationID,
		ClientID:      c.clientID,
	}
	if o.redirect {
		env.SendRepliesTo = c.bus.PrivateQueue()
	}

	return c.bus.reply(ctx, env, c.replyTo, msg)
}
