package messaging_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antiduh/MiniBus/contracts"
	"github.com/antiduh/MiniBus/messaging"
	"github.com/antiduh/MiniBus/transports/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pingQueue = "test.ping"

type publishRecord struct {
	exchange   string
	routingKey string
	props      messaging.Properties
}

// spyTransport records every publish and exchange declaration before
// passing it on. A non-nil publishErr is returned instead of publishing.
type spyTransport struct {
	messaging.Transport

	mu         sync.Mutex
	published  []publishRecord
	declared   []string
	publishErr error
}

func (s *spyTransport) Publish(ctx context.Context, exchange, routingKey string, props messaging.Properties, body []byte) error {
	s.mu.Lock()
	s.published = append(s.published, publishRecord{exchange: exchange, routingKey: routingKey, props: props})
	err := s.publishErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Transport.Publish(ctx, exchange, routingKey, props, body)
}

func (s *spyTransport) DeclareExchange(ctx context.Context, name string, kind contracts.ExchangeType) error {
	s.mu.Lock()
	s.declared = append(s.declared, name)
	s.mu.Unlock()
	return s.Transport.DeclareExchange(ctx, name, kind)
}

func (s *spyTransport) failPublishes(err error) {
	s.mu.Lock()
	s.publishErr = err
	s.mu.Unlock()
}

func (s *spyTransport) declarations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.declared...)
}

func (s *spyTransport) records() []publishRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]publishRecord(nil), s.published...)
}

type fixture struct {
	broker          *memory.Broker
	clientTransport *memory.Transport
	serverTransport *memory.Transport
	clientSpy       *spyTransport
	client          *messaging.ClientBus
	server          *messaging.ServerBus
}

func newFixture(t *testing.T, clientOpts ...messaging.Option) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{broker: memory.NewBroker()}
	f.clientTransport = f.broker.NewTransport()
	f.serverTransport = f.broker.NewTransport()
	f.clientSpy = &spyTransport{Transport: f.clientTransport}

	var err error
	f.server, err = messaging.NewServerBus(ctx, f.serverTransport)
	require.NoError(t, err)
	f.client, err = messaging.NewClientBus(ctx, f.clientSpy, clientOpts...)
	require.NoError(t, err)
	require.NoError(t, f.client.DeclareMessage(contracts.Factory[messaging.PingReply]()))

	t.Cleanup(func() {
		f.client.Close()
		f.server.Close()
		f.broker.Close()
	})
	return f
}

func (f *fixture) serveEcho(t *testing.T, opts ...messaging.ReplyOption) {
	t.Helper()
	err := messaging.Handle(context.Background(), f.server, pingQueue,
		func(ctx context.Context, req *messaging.PingRequest, cc *messaging.ConsumeContext) {
			err := cc.Reply(ctx, &messaging.PingReply{Text: req.Text}, opts...)
			assert.NoError(t, err)
		})
	require.NoError(t, err)
}

func roundTrip(t *testing.T, rc messaging.RequestContext, text string) *messaging.PingReply {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, rc.SendRequest(ctx, &messaging.PingRequest{Text: text}))
	got, err := messaging.WaitResponseAs[*messaging.PingReply](ctx, rc, 2*time.Second)
	require.NoError(t, err)
	return got
}

func TestRequestReply(t *testing.T) {
	t.Run("a request reaches its handler and the reply its conversation", func(t *testing.T) {
		f := newFixture(t)
		f.serveEcho(t)

		rc, err := f.client.StartRequest()
		require.NoError(t, err)
		defer rc.Dispose()

		assert.Equal(t, "hello", roundTrip(t, rc, "hello").Text)

		first := f.clientSpy.records()[0]
		assert.Equal(t, "test-core", first.exchange)
		assert.Equal(t, "test.ping.PingRequest", first.routingKey)
		assert.Equal(t, "test.ping.PingRequest", first.props.MessageID)
		assert.Equal(t, rc.CorrelationID(), first.props.CorrelationID)
		assert.Equal(t, f.client.PrivateQueue(), first.props.ReplyTo)
	})

	t.Run("redirected conversations bypass the exchange", func(t *testing.T) {
		f := newFixture(t)
		f.serveEcho(t, messaging.RedirectReplies())

		rc, err := f.client.StartRequest()
		require.NoError(t, err)
		defer rc.Dispose()

		for _, text := range []string{"one", "two", "three"} {
			assert.Equal(t, text, roundTrip(t, rc, text).Text)
		}
		assert.Equal(t, f.server.PrivateQueue(), rc.RedirectQueue())

		records := f.clientSpy.records()
		require.Len(t, records, 3)
		assert.Equal(t, "test-core", records[0].exchange)
		for _, r := range records[1:] {
			assert.Equal(t, "", r.exchange)
			assert.Equal(t, f.server.PrivateQueue(), r.routingKey)
		}
	})

	t.Run("concurrent conversations receive only their own replies", func(t *testing.T) {
		f := newFixture(t)
		f.serveEcho(t)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				rc, err := f.client.StartRequest()
				if !assert.NoError(t, err) {
					return
				}
				defer rc.Dispose()

				text := fmt.Sprintf("conversation-%d", i)
				assert.NoError(t, rc.SendRequest(context.Background(), &messaging.PingRequest{Text: text}))
				got, err := messaging.WaitResponseAs[*messaging.PingReply](context.Background(), rc, 2*time.Second)
				if assert.NoError(t, err) {
					assert.Equal(t, text, got.Text)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 0, f.client.Correlator().Active())
	})

	t.Run("replies without a reply queue follow their own routing", func(t *testing.T) {
		f := newFixture(t)
		f.serveEcho(t)
		ctx := context.Background()

		observer := f.broker.NewTransport()
		_, err := observer.DeclareQueue(ctx, "observer", messaging.QueueOptions{})
		require.NoError(t, err)
		require.NoError(t, observer.BindQueue(ctx, "observer", "test-core", "test.ping.PingReply"))
		seen := make(chan messaging.Delivery, 1)
		require.NoError(t, observer.Consume(ctx, "observer", func(d messaging.Delivery) { seen <- d }))

		require.NoError(t, f.server.SendMessage(ctx, contracts.Envelope{CorrelationID: "evt-1", ClientID: "client-9"}, &messaging.PingReply{Text: "event"}))

		select {
		case d := <-seen:
			assert.Equal(t, "evt-1", d.CorrelationID)
			assert.Equal(t, "client-9", d.ClientID())
			assert.Equal(t, "test.ping.PingReply", d.MessageID)
		case <-time.After(2 * time.Second):
			t.Fatal("reply was not routed through its exchange")
		}
	})

	t.Run("the client declares the exchange it sends to once", func(t *testing.T) {
		f := newFixture(t)
		f.serveEcho(t)

		rc, err := f.client.StartRequest()
		require.NoError(t, err)
		defer rc.Dispose()

		roundTrip(t, rc, "one")
		roundTrip(t, rc, "two")
		assert.Equal(t, []string{"test-core"}, f.clientSpy.declarations())
	})

	t.Run("a request with no service behind it times out", func(t *testing.T) {
		f := newFixture(t)
		rc, err := f.client.StartRequest()
		require.NoError(t, err)
		defer rc.Dispose()

		require.NoError(t, rc.SendRequest(context.Background(), &messaging.PingRequest{Text: "anyone?"}))
		_, err = rc.WaitResponse(context.Background(), 50*time.Millisecond)
		assert.ErrorIs(t, err, messaging.ErrTimeout)
		assert.NotErrorIs(t, err, messaging.ErrChannelDown)
	})

	t.Run("publish errors that are not channel faults keep their meaning", func(t *testing.T) {
		f := newFixture(t)
		refused := errors.New("message too large")
		f.clientSpy.failPublishes(refused)

		rc, err := f.client.StartRequest()
		require.NoError(t, err)
		defer rc.Dispose()

		err = rc.SendRequest(context.Background(), &messaging.PingRequest{Text: "huge"})
		require.ErrorIs(t, err, refused)
		var publishErr *messaging.PublishError
		assert.ErrorAs(t, err, &publishErr)
		assert.NotErrorIs(t, err, messaging.ErrChannelDown)
		assert.False(t, messaging.IsDeliveryFailure(err))
	})

	t.Run("two clients calling the same service never see each other's replies", func(t *testing.T) {
		f := newFixture(t)
		f.serveEcho(t)

		other, err := messaging.NewClientBus(context.Background(), f.broker.NewTransport())
		require.NoError(t, err)
		t.Cleanup(func() { other.Close() })
		require.NoError(t, other.DeclareMessage(contracts.Factory[messaging.PingReply]()))

		var crossed atomic.Int32
		call := func(bus *messaging.ClientBus, text string) {
			for i := 0; i < 100; i++ {
				rc, err := bus.StartRequest()
				if !assert.NoError(t, err) {
					return
				}
				if assert.NoError(t, rc.SendRequest(context.Background(), &messaging.PingRequest{Text: text})) {
					got, err := messaging.WaitResponseAs[*messaging.PingReply](context.Background(), rc, 2*time.Second)
					if assert.NoError(t, err) && got.Text != text {
						crossed.Add(1)
					}
				}
				rc.Dispose()
			}
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); call(f.client, "A") }()
		go func() { defer wg.Done(); call(other, "B") }()
		wg.Wait()

		assert.Equal(t, int32(0), crossed.Load())
	})

	t.Run("sending without a registered message name fails", func(t *testing.T) {
		f := newFixture(t)
		rc, err := f.client.StartRequest()
		require.NoError(t, err)
		defer rc.Dispose()

		err = rc.SendRequest(context.Background(), &namelessRequest{})
		assert.ErrorIs(t, err, contracts.ErrInvalidMessage)
	})
}

func TestServerBus(t *testing.T) {
	ctx := context.Background()

	t.Run("a message type can only have one handler", func(t *testing.T) {
		f := newFixture(t)
		f.serveEcho(t)

		err := messaging.Handle(ctx, f.server, "other-queue",
			func(context.Context, *messaging.PingRequest, *messaging.ConsumeContext) {})
		assert.ErrorIs(t, err, messaging.ErrDuplicateHandler)
	})

	t.Run("unknown messages are dropped and consumption continues", func(t *testing.T) {
		f := newFixture(t)
		f.serveEcho(t)

		props := messaging.Properties{MessageID: "test.ping.Unknown"}
		require.NoError(t, f.clientTransport.Publish(ctx, "", pingQueue, props, []byte{0x01}))

		rc, err := f.client.StartRequest()
		require.NoError(t, err)
		defer rc.Dispose()
		assert.Equal(t, "still alive", roundTrip(t, rc, "still alive").Text)
	})

	t.Run("a panicking handler does not stop the bus", func(t *testing.T) {
		f := newFixture(t)
		err := messaging.Handle(ctx, f.server, pingQueue,
			func(ctx context.Context, req *messaging.PingRequest, cc *messaging.ConsumeContext) {
				if req.Text == "boom" {
					panic("boom")
				}
				assert.NoError(t, cc.Reply(ctx, &messaging.PingReply{Text: req.Text}))
			})
		require.NoError(t, err)

		rc, err := f.client.StartRequest()
		require.NoError(t, err)
		defer rc.Dispose()

		require.NoError(t, rc.SendRequest(ctx, &messaging.PingRequest{Text: "boom"}))
		_, err = rc.WaitResponse(ctx, 100*time.Millisecond)
		require.ErrorIs(t, err, messaging.ErrTimeout)

		assert.Equal(t, "fine", roundTrip(t, rc, "fine").Text)
	})

	t.Run("the consume context carries the sender's ids", func(t *testing.T) {
		f := newFixture(t)
		got := make(chan [3]string, 1)
		err := messaging.Handle(ctx, f.server, pingQueue,
			func(ctx context.Context, req *messaging.PingRequest, cc *messaging.ConsumeContext) {
				got <- [3]string{cc.CorrelationID(), cc.ReplyTo(), cc.ClientID()}
			})
		require.NoError(t, err)

		props := messaging.Properties{
			MessageID:     "test.ping.PingRequest",
			CorrelationID: "corr-7",
			ReplyTo:       "reply-queue",
		}
		props.SetClientID("client-7")
		body := encode(&messaging.PingRequest{Text: "x"})
		require.NoError(t, f.clientTransport.Publish(ctx, "test-core", "test.ping.PingRequest", props, body))

		select {
		case ids := <-got:
			assert.Equal(t, [3]string{"corr-7", "reply-queue", "client-7"}, ids)
		case <-time.After(2 * time.Second):
			t.Fatal("handler was not called")
		}
	})
}

func TestConnectionRecovery(t *testing.T) {
	ctx := context.Background()

	t.Run("the client bus re-provisions its private queue", func(t *testing.T) {
		var events []string
		var mu sync.Mutex
		listener := messaging.ConnectionListenerFuncs{
			OnLost:     func(error) { mu.Lock(); events = append(events, "lost"); mu.Unlock() },
			OnRestored: func() { mu.Lock(); events = append(events, "restored"); mu.Unlock() },
		}
		f := newFixture(t, messaging.WithConnectionListener(listener))
		f.serveEcho(t)
		before := f.client.PrivateQueue()

		rc, err := f.client.StartRequest()
		require.NoError(t, err)
		defer rc.Dispose()
		assert.Equal(t, "before", roundTrip(t, rc, "before").Text)

		f.clientTransport.Fail(errors.New("connection reset"))

		err = rc.SendRequest(ctx, &messaging.PingRequest{Text: "during outage"})
		assert.ErrorIs(t, err, messaging.ErrChannelDown)
		var publishErr *messaging.PublishError
		assert.ErrorAs(t, err, &publishErr)

		f.clientTransport.Recover()

		after := f.client.PrivateQueue()
		assert.NotEqual(t, before, after)
		assert.False(t, f.broker.QueueExists(before))
		assert.Equal(t, "after", roundTrip(t, rc, "after").Text)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"lost", "restored"}, events)
	})

	t.Run("a conversation from before a failure gets no late reply", func(t *testing.T) {
		f := newFixture(t)
		release := make(chan struct{})
		handled := make(chan struct{}, 1)
		err := messaging.Handle(ctx, f.server, pingQueue,
			func(ctx context.Context, req *messaging.PingRequest, cc *messaging.ConsumeContext) {
				if req.Text == "slow" {
					handled <- struct{}{}
					<-release
				}
				_ = cc.Reply(ctx, &messaging.PingReply{Text: req.Text})
			})
		require.NoError(t, err)

		stale, err := f.client.StartRequest()
		require.NoError(t, err)
		defer stale.Dispose()
		require.NoError(t, stale.SendRequest(ctx, &messaging.PingRequest{Text: "slow"}))
		<-handled

		f.clientTransport.Fail(errors.New("connection reset"))
		f.clientTransport.Recover()
		close(release)

		_, err = stale.WaitResponse(ctx, 100*time.Millisecond)
		assert.ErrorIs(t, err, messaging.ErrTimeout)

		fresh, err := f.client.StartRequest()
		require.NoError(t, err)
		defer fresh.Dispose()
		assert.Equal(t, "fresh", roundTrip(t, fresh, "fresh").Text)
	})

	t.Run("retry carries a conversation across an outage", func(t *testing.T) {
		f := newFixture(t, messaging.WithRetryPolicy(messaging.NewRetryPolicy(20, 10*time.Millisecond)))
		f.serveEcho(t)

		f.clientTransport.Fail(errors.New("connection reset"))
		go func() {
			time.Sleep(50 * time.Millisecond)
			f.clientTransport.Recover()
		}()

		rc, err := f.client.StartRequest()
		require.NoError(t, err)
		defer rc.Dispose()

		var reply *messaging.PingReply
		err = rc.WithRetry(ctx, func() error {
			if err := rc.SendRequest(ctx, &messaging.PingRequest{Text: "persistent"}); err != nil {
				return err
			}
			reply, err = messaging.WaitResponseAs[*messaging.PingReply](ctx, rc, 2*time.Second)
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, "persistent", reply.Text)
	})

	t.Run("the server bus resumes its handlers", func(t *testing.T) {
		f := newFixture(t)
		f.serveEcho(t, messaging.RedirectReplies())
		oldPrivate := f.server.PrivateQueue()

		f.serverTransport.Fail(errors.New("connection reset"))
		f.serverTransport.Recover()

		assert.NotEqual(t, oldPrivate, f.server.PrivateQueue())

		rc, err := f.client.StartRequest()
		require.NoError(t, err)
		defer rc.Dispose()
		assert.Equal(t, "back", roundTrip(t, rc, "back").Text)
		assert.Equal(t, f.server.PrivateQueue(), rc.RedirectQueue())
	})
}
