package client_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/antiduh/MiniBus/contracts"
	"github.com/antiduh/MiniBus/gateway"
	"github.com/antiduh/MiniBus/gateway/client"
	"github.com/antiduh/MiniBus/messaging"
	"github.com/antiduh/MiniBus/reconnect"
	"github.com/antiduh/MiniBus/tlv"
	"github.com/antiduh/MiniBus/transports/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type question struct{ Text string }

func (*question) ContractID() int           { return 9201 }
func (*question) MessageName() string       { return "test.client.Question" }
func (*question) Exchange() string          { return "test-client" }
func (m *question) Save(s *tlv.SaveContext) { s.String(1, m.Text) }
func (m *question) Parse(p *tlv.ParseContext) (err error) {
	m.Text, err = p.String(1)
	return err
}

type answer struct{ Text string }

func (*answer) ContractID() int           { return 9202 }
func (*answer) MessageName() string       { return "test.client.Answer" }
func (*answer) Exchange() string          { return "test-client" }
func (m *answer) Save(s *tlv.SaveContext) { s.String(1, m.Text) }
func (m *answer) Parse(p *tlv.ParseContext) (err error) {
	m.Text, err = p.String(1)
	return err
}

type backend struct {
	broker *memory.Broker
	server *messaging.ServerBus
}

func newBackend(t *testing.T, replyOpts ...messaging.ReplyOption) *backend {
	t.Helper()
	ctx := context.Background()

	b := &backend{broker: memory.NewBroker()}
	var err error
	b.server, err = messaging.NewServerBus(ctx, b.broker.NewTransport())
	require.NoError(t, err)
	require.NoError(t, messaging.Handle(ctx, b.server, "test.client",
		func(ctx context.Context, q *question, cc *messaging.ConsumeContext) {
			assert.NoError(t, cc.Reply(ctx, &answer{Text: "re: " + q.Text}, replyOpts...))
		}))

	t.Cleanup(func() {
		b.server.Close()
		b.broker.Close()
	})
	return b
}

func (b *backend) startGateway(t *testing.T, addr string) *gateway.Service {
	t.Helper()
	svc := gateway.NewService(b.broker.NewTransport(), gateway.WithListenAddress(addr))
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { svc.Close() })
	return svc
}

func newBus(t *testing.T, addr string, opts ...client.Option) *client.ClientBus {
	t.Helper()
	opts = append([]client.Option{client.WithRetryDelay(10 * time.Millisecond)}, opts...)
	bus := client.NewClientBus(reconnect.NewHostList(addr), opts...)
	require.NoError(t, bus.DeclareMessage(func() contracts.Message { return &answer{} }))
	t.Cleanup(func() { bus.Close() })
	return bus
}

func startBus(t *testing.T, bus *client.ClientBus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, bus.Start(ctx))
}

func ask(t *testing.T, rc messaging.RequestContext, text string) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, rc.SendRequest(ctx, &question{Text: text}))
	got, err := messaging.WaitResponseAs[*answer](ctx, rc, 2*time.Second)
	require.NoError(t, err)
	return got.Text
}

func TestClientBus(t *testing.T) {
	t.Run("conversations run through the gateway", func(t *testing.T) {
		be := newBackend(t)
		svc := be.startGateway(t, "127.0.0.1:0")
		bus := newBus(t, svc.Addr().String())
		startBus(t, bus)

		rc, err := bus.StartRequest()
		require.NoError(t, err)
		defer rc.Dispose()

		assert.Equal(t, "re: hello", ask(t, rc, "hello"))
		assert.Empty(t, rc.RedirectQueue())
	})

	t.Run("redirected conversations keep working", func(t *testing.T) {
		be := newBackend(t, messaging.RedirectReplies())
		svc := be.startGateway(t, "127.0.0.1:0")
		bus := newBus(t, svc.Addr().String())
		startBus(t, bus)

		rc, err := bus.StartRequest()
		require.NoError(t, err)
		defer rc.Dispose()

		assert.Equal(t, "re: one", ask(t, rc, "one"))
		assert.Equal(t, be.server.PrivateQueue(), rc.RedirectQueue())
		assert.Equal(t, "re: two", ask(t, rc, "two"))
	})

	t.Run("messages are declared before start", func(t *testing.T) {
		be := newBackend(t)
		svc := be.startGateway(t, "127.0.0.1:0")
		bus := newBus(t, svc.Addr().String())
		startBus(t, bus)

		err := bus.DeclareMessage(func() contracts.Message { return &question{} })
		assert.ErrorIs(t, err, tlv.ErrRegistryFrozen)
	})

	t.Run("sending before start fails", func(t *testing.T) {
		bus := newBus(t, "127.0.0.1:1")
		rc, err := bus.StartRequest()
		require.NoError(t, err)
		defer rc.Dispose()

		err = rc.SendRequest(context.Background(), &question{Text: "early"})
		assert.ErrorIs(t, err, client.ErrNotStarted)
	})

	t.Run("start gives up with its context", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		require.NoError(t, ln.Close())

		bus := newBus(t, addr)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, bus.Start(ctx), context.DeadlineExceeded)
	})

	t.Run("heartbeats are answered", func(t *testing.T) {
		be := newBackend(t)
		svc := be.startGateway(t, "127.0.0.1:0")
		bus := newBus(t, svc.Addr().String(), client.WithHeartbeat(10*time.Millisecond))
		startBus(t, bus)

		require.Eventually(t, func() bool { return !bus.LastHeartbeat().IsZero() }, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("the bus reports connected once started", func(t *testing.T) {
		be := newBackend(t)
		svc := be.startGateway(t, "127.0.0.1:0")
		bus := newBus(t, svc.Addr().String())
		assert.False(t, bus.Connected())

		startBus(t, bus)
		assert.True(t, bus.Connected())
	})

	t.Run("a closed bus rejects requests", func(t *testing.T) {
		be := newBackend(t)
		svc := be.startGateway(t, "127.0.0.1:0")
		bus := newBus(t, svc.Addr().String())
		startBus(t, bus)

		require.NoError(t, bus.Close())
		_, err := bus.StartRequest()
		assert.ErrorIs(t, err, messaging.ErrBusClosed)
	})

	t.Run("the bus reconnects when the gateway comes back", func(t *testing.T) {
		be := newBackend(t)
		first := gateway.NewService(be.broker.NewTransport(), gateway.WithListenAddress("127.0.0.1:0"))
		require.NoError(t, first.Start(context.Background()))
		addr := first.Addr().String()

		lost := make(chan struct{}, 1)
		restored := make(chan struct{}, 1)
		bus := newBus(t, addr, client.WithConnectionListener(messaging.ConnectionListenerFuncs{
			OnLost:     func(error) { lost <- struct{}{} },
			OnRestored: func() { restored <- struct{}{} },
		}))
		startBus(t, bus)

		rc, err := bus.StartRequest()
		require.NoError(t, err)
		defer rc.Dispose()
		assert.Equal(t, "re: before", ask(t, rc, "before"))

		require.NoError(t, first.Close())
		select {
		case <-lost:
		case <-time.After(2 * time.Second):
			t.Fatal("connection loss was not reported")
		}
		assert.False(t, bus.Connected())
		err = rc.SendRequest(context.Background(), &question{Text: "nobody home"})
		assert.ErrorIs(t, err, messaging.ErrChannelDown)

		be.startGateway(t, addr)
		select {
		case <-restored:
		case <-time.After(2 * time.Second):
			t.Fatal("connection was not restored")
		}
		assert.Equal(t, "re: after", ask(t, rc, "after"))
	})
}
