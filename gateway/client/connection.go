package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/antiduh/MiniBus/messaging"
	"github.com/antiduh/MiniBus/reconnect"
	"github.com/antiduh/MiniBus/tlv"
)

// Receiver is handed every frame read from the gateway, on the
// connection's read goroutine.
type Receiver func(c tlv.Contract)

// Connection is a self-healing socket to one of a set of gateways.
type Connection struct {
	loop      *reconnect.Loop[net.Conn]
	reg       *tlv.Registry
	receive   Receiver
	logger    *slog.Logger
	listeners []messaging.ConnectionListener

	mu     sync.Mutex
	writer *tlv.StreamWriter
	epoch  uint64
	closed bool

	// writeMu serializes frames on the socket.
	writeMu sync.Mutex

	readers sync.WaitGroup
}

var _ reconnect.Handler[net.Conn] = (*Connection)(nil)

// NewConnection returns an unconnected Connection decoding inbound frames
// with reg.
func NewConnection(hosts *reconnect.HostList, reg *tlv.Registry, receive Receiver, opts ...Option) *Connection {
	o := newOptions(opts)

	c := &Connection{
		reg:       reg,
		receive:   receive,
		logger:    o.logger.With("component", "gateway-connection"),
		listeners: o.listeners,
	}
	loopOpts := append([]reconnect.Option{reconnect.WithName("gateway")}, o.loop...)
	c.loop = reconnect.New[net.Conn](hosts, dialTCP, c, loopOpts...)
	return c
}

func dialTCP(ctx context.Context, endpoint string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", endpoint)
}

// Connect starts the reconnect loop and waits for the first connection.
func (c *Connection) Connect(ctx context.Context) error {
	c.loop.Start()
	_, _, err := c.loop.WaitConnected(ctx)
	return err
}

// IsConnected reports whether a socket is currently installed.
func (c *Connection) IsConnected() bool {
	return c.loop.State() == reconnect.Connected
}

// Write sends one frame. It fails with messaging.ErrChannelDown while
// disconnected; a socket error also starts a reconnect.
func (c *Connection) Write(contract tlv.Contract) error {
	c.mu.Lock()
	w, epoch := c.writer, c.epoch
	c.mu.Unlock()

	if w == nil {
		return fmt.Errorf("%w: not connected to a gateway", messaging.ErrChannelDown)
	}

	c.writeMu.Lock()
	err := w.WriteContract(contract)
	c.writeMu.Unlock()

	if err != nil {
		c.loop.Fail(epoch, err)
		return fmt.Errorf("%w: %w", messaging.ErrChannelDown, err)
	}
	return nil
}

// Connected implements reconnect.Handler.
func (c *Connection) Connected(conn net.Conn, epoch uint64) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.writer = tlv.NewStreamWriter(conn)
	c.epoch = epoch
	c.readers.Add(1)
	c.mu.Unlock()

	c.logger.Info("connected to gateway", "remote", conn.RemoteAddr().String())
	go c.readLoop(conn, epoch)
}

func (c *Connection) readLoop(conn net.Conn, epoch uint64) {
	defer c.readers.Done()

	reader := tlv.NewStreamReader(conn, c.reg)
	for {
		contract, err := reader.ReadContract()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				c.logger.Warn("gateway read failed", "error", err)
			}
			c.loop.Fail(epoch, err)
			return
		}
		c.receive(contract)
	}
}

// ConnectionLost implements reconnect.Handler.
func (c *Connection) ConnectionLost(err error) {
	c.mu.Lock()
	c.writer = nil
	c.mu.Unlock()

	for _, l := range c.listeners {
		l.ConnectionLost(err)
	}
}

// ConnectionRestored implements reconnect.Handler.
func (c *Connection) ConnectionRestored() {
	for _, l := range c.listeners {
		l.ConnectionRestored()
	}
}

// Close disconnects and stops reconnecting.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.closed = true
	c.writer = nil
	c.mu.Unlock()

	err := c.loop.Close()
	c.readers.Wait()
	return err
}
