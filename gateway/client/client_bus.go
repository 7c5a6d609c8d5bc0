package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antiduh/MiniBus/contracts"
	"github.com/antiduh/MiniBus/gateway"
	"github.com/antiduh/MiniBus/messaging"
	"github.com/antiduh/MiniBus/metrics"
	"github.com/antiduh/MiniBus/reconnect"
	"github.com/antiduh/MiniBus/tlv"
)

// ErrNotStarted is returned when sending before Start.
var ErrNotStarted = errors.New("gateway client: bus not started")

// ClientBus is a messaging.Bus that reaches the broker through a gateway.
type ClientBus struct {
	opts       options
	logger     *slog.Logger
	contracts  *tlv.Registry
	defs       *contracts.DefRegistry
	conn       *Connection
	correlator *messaging.Correlator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool

	lastHeartbeat atomic.Int64
}

var (
	_ messaging.Bus                = (*ClientBus)(nil)
	_ messaging.RequestSender      = (*ClientBus)(nil)
	_ messaging.ConnectionListener = (*ClientBus)(nil)
)

// NewClientBus returns a bus that will connect to one of hosts on Start.
func NewClientBus(hosts *reconnect.HostList, opts ...Option) *ClientBus {
	o := newOptions(opts)

	reg := tlv.NewRegistry()
	if err := gateway.Register(reg); err != nil {
		panic(err)
	}

	b := &ClientBus{
		opts:      o,
		logger:    o.logger.With("component", "gateway-client"),
		contracts: reg,
		defs:      contracts.NewDefRegistry(),
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.correlator = messaging.NewCorrelator(b, o.bus...)

	// The bus forwards connection events to the caller's listeners itself.
	connOpts := append(append([]Option(nil), opts...), func(co *options) {
		co.listeners = []messaging.ConnectionListener{b}
	})
	b.conn = NewConnection(hosts, reg, b.receive, connOpts...)
	return b
}

// DeclareMessage registers a reply type. It must be called before Start.
func (b *ClientBus) DeclareMessage(factory func() contracts.Message) error {
	if _, err := b.defs.Get(factory()); err != nil {
		return err
	}
	return b.contracts.Register(func() tlv.Contract { return factory() })
}

// Start freezes the set of declared messages, connects and waits for the
// first connection.
func (b *ClientBus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return messaging.ErrBusClosed
	}
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.mu.Unlock()

	b.contracts.Freeze()
	if err := b.conn.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to gateway: %w", err)
	}

	if b.opts.heartbeat > 0 {
		b.wg.Add(1)
		go b.heartbeatLoop(b.opts.heartbeat)
	}
	return nil
}

func (b *ClientBus) StartRequest() (messaging.RequestContext, error) {
	return b.correlator.StartRequest()
}

func (b *ClientBus) StartRequestWithID(correlationID string) (messaging.RequestContext, error) {
	return b.correlator.StartRequestWithID(correlationID)
}

// SendMessage sends msg to its exchange through the gateway.
func (b *ClientBus) SendMessage(ctx context.Context, correlationID string, msg contracts.Message) error {
	return b.SendRequest(ctx, contracts.Envelope{CorrelationID: correlationID}, msg, "")
}

// SendRequest implements messaging.RequestSender. Redirected requests go
// straight to the redirect queue through the default exchange.
func (b *ClientBus) SendRequest(ctx context.Context, env contracts.Envelope, msg contracts.Message, redirect string) error {
	b.mu.Lock()
	started, closed := b.started, b.closed
	b.mu.Unlock()
	if closed {
		return messaging.ErrBusClosed
	}
	if !started {
		return ErrNotStarted
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	def, err := b.defs.Get(msg)
	if err != nil {
		return err
	}

	req := &gateway.RequestMsg{
		CorrelationID: env.CorrelationID,
		Exchange:      def.Exchange,
		RoutingKey:    def.RoutingKey,
		MessageName:   def.Name,
		Message:       msg,
	}
	if redirect != "" {
		req.Exchange, req.RoutingKey = "", redirect
	}

	err = b.conn.Write(req)
	b.opts.metrics.Published("gateway-client", err)
	if err != nil {
		return &messaging.PublishError{
			Exchange:   req.Exchange,
			RoutingKey: req.RoutingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	return nil
}

// Correlator returns the correlator conversations are tracked by.
func (b *ClientBus) Correlator() *messaging.Correlator {
	return b.correlator
}

// Connected reports whether the gateway socket is up.
func (b *ClientBus) Connected() bool {
	return b.conn.IsConnected()
}

// LastHeartbeat returns when the gateway last answered a heartbeat.
func (b *ClientBus) LastHeartbeat() time.Time {
	n := b.lastHeartbeat.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (b *ClientBus) receive(c tlv.Contract) {
	switch msg := c.(type) {
	case *gateway.ResponseMsg:
		inner, err := b.contracts.Resolve(msg.Message)
		if err != nil {
			b.logger.Warn("dropping undecodable reply",
				"messageName", msg.MessageName,
				"correlationId", msg.CorrelationID,
				"error", err)
			b.opts.metrics.Dispatched(metrics.OutcomeUnroutable)
			return
		}
		env := contracts.Envelope{
			CorrelationID: msg.CorrelationID,
			SendRepliesTo: msg.SendRepliesTo,
		}
		if !b.correlator.Dispatch(env, inner) {
			b.logger.Debug("reply matched no conversation",
				"messageName", msg.MessageName,
				"correlationId", msg.CorrelationID)
		}
	case *gateway.HeartbeatResponse:
		b.lastHeartbeat.Store(time.Now().UnixNano())
	default:
		b.logger.Warn("ignoring unexpected frame from gateway", "contractId", c.ContractID())
	}
}

func (b *ClientBus) heartbeatLoop(interval time.Duration) {
	defer b.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !b.conn.IsConnected() {
				continue
			}
			if err := b.conn.Write(&gateway.HeartbeatRequest{}); err != nil {
				b.logger.Debug("heartbeat failed", "error", err)
			}
		case <-b.ctx.Done():
			return
		}
	}
}

// ConnectionLost implements messaging.ConnectionListener.
func (b *ClientBus) ConnectionLost(err error) {
	b.logger.Warn("lost gateway connection", "error", err)
	b.opts.metrics.ConnectionEvent("gateway-client", metrics.EventLost)
	for _, l := range b.opts.listeners {
		l.ConnectionLost(err)
	}
}

// ConnectionRestored implements messaging.ConnectionListener.
func (b *ClientBus) ConnectionRestored() {
	b.logger.Info("gateway connection restored")
	b.opts.metrics.ConnectionEvent("gateway-client", metrics.EventRestored)
	for _, l := range b.opts.listeners {
		l.ConnectionRestored()
	}
}

// Close ends every conversation and disconnects.
func (b *ClientBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.correlator.Close()
	b.cancel()
	b.wg.Wait()
	return b.conn.Close()
}
