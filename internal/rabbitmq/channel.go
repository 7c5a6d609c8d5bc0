package rabbitmq

import (
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is an AMQP channel on the manager's current connection. It is
// opened on first use and reopened after the broker closes it.
type Channel struct {
	manager *ConnectionManager

	mu sync.Mutex
	ch *amqp.Channel
}

// NewChannel returns a Channel bound to manager.
func NewChannel(manager *ConnectionManager) *Channel {
	return &Channel{manager: manager}
}

// Get returns an open channel.
func (c *Channel) Get() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch != nil && !c.ch.IsClosed() {
		return c.ch, nil
	}
	c.ch = nil

	conn, err := c.manager.GetConnection()
	if err != nil {
		return nil, &ChannelError{Op: "open", Err: err, Timestamp: time.Now()}
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", Err: err, Timestamp: time.Now()}
	}
	c.ch = ch
	return ch, nil
}

// Reset drops the current channel, for use after its connection was lost.
func (c *Channel) Reset() {
	c.mu.Lock()
	ch := c.ch
	c.ch = nil
	c.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
}

// Execute runs fn on the channel.
func (c *Channel) Execute(fn func(ch *amqp.Channel) error) error {
	ch, err := c.Get()
	if err != nil {
		return err
	}
	return fn(ch)
}
