package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antiduh/MiniBus/contracts"
	"github.com/antiduh/MiniBus/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	mu     sync.Mutex
	events []string
}

func (l *recordingListener) ConnectionLost(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "lost:"+err.Error())
}

func (l *recordingListener) ConnectionRestored() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "restored")
}

func (l *recordingListener) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func collect(t *testing.T, tr *Transport, queue string) <-chan messaging.Delivery {
	t.Helper()
	out := make(chan messaging.Delivery, 16)
	require.NoError(t, tr.Consume(context.Background(), queue, func(d messaging.Delivery) {
		out <- d
	}))
	return out
}

func receive(t *testing.T, ch <-chan messaging.Delivery) messaging.Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return messaging.Delivery{}
	}
}

func assertNothing(t *testing.T, ch <-chan messaging.Delivery) {
	t.Helper()
	select {
	case d := <-ch:
		t.Fatalf("unexpected delivery on %s", d.Queue)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTopicMatch(t *testing.T) {
	cases := []struct {
		pattern, key string
		want         bool
	}{
		{"voren.echo.EchoRequest", "voren.echo.EchoRequest", true},
		{"voren.echo.EchoRequest", "voren.echo.EchoReply", false},
		{"voren.*.EchoRequest", "voren.echo.EchoRequest", true},
		{"voren.*", "voren.echo.EchoRequest", false},
		{"voren.#", "voren.echo.EchoRequest", true},
		{"#", "anything.at.all", true},
		{"voren.#.EchoRequest", "voren.EchoRequest", true},
		{"*.echo.#", "voren.echo", true},
	}
	for _, tc := range cases {
		t.Run(tc.pattern+" vs "+tc.key, func(t *testing.T) {
			assert.Equal(t, tc.want, topicMatch(tc.pattern, tc.key))
		})
	}
}

func TestTransport(t *testing.T) {
	ctx := context.Background()

	t.Run("topic exchange routes by binding key", func(t *testing.T) {
		broker := NewBroker()
		defer broker.Close()
		tr := broker.NewTransport()

		require.NoError(t, tr.DeclareExchange(ctx, "voren-core", contracts.Topic))
		_, err := tr.DeclareQueue(ctx, "voren.echo", messaging.QueueOptions{Durable: true})
		require.NoError(t, err)
		require.NoError(t, tr.BindQueue(ctx, "voren.echo", "voren-core", "voren.echo.EchoRequest"))
		got := collect(t, tr, "voren.echo")

		props := messaging.Properties{MessageID: "voren.echo.EchoRequest", CorrelationID: "c1", ReplyTo: "amq.gen-x"}
		props.SetClientID("client-1")
		require.NoError(t, tr.Publish(ctx, "voren-core", "voren.echo.EchoRequest", props, []byte("body")))
		require.NoError(t, tr.Publish(ctx, "voren-core", "voren.echo.Other", messaging.Properties{}, []byte("ignored")))

		d := receive(t, got)
		assert.Equal(t, "voren.echo", d.Queue)
		assert.Equal(t, []byte("body"), d.Body)
		assert.Equal(t, "voren.echo.EchoRequest", d.MessageID)
		assert.Equal(t, "c1", d.CorrelationID)
		assert.Equal(t, "amq.gen-x", d.ReplyTo)
		assert.Equal(t, "client-1", d.ClientID())
		assertNothing(t, got)
	})

	t.Run("default exchange routes to the queue named by the key", func(t *testing.T) {
		broker := NewBroker()
		defer broker.Close()
		tr := broker.NewTransport()

		name, err := tr.DeclareQueue(ctx, "", messaging.QueueOptions{Exclusive: true, AutoDelete: true})
		require.NoError(t, err)
		assert.Contains(t, name, "amq.gen-")
		got := collect(t, tr, name)

		require.NoError(t, tr.Publish(ctx, "", name, messaging.Properties{}, []byte("direct")))
		require.NoError(t, tr.Publish(ctx, "", "no-such-queue", messaging.Properties{}, []byte("lost")))

		assert.Equal(t, []byte("direct"), receive(t, got).Body)
	})

	t.Run("fanout exchange copies to every bound queue", func(t *testing.T) {
		broker := NewBroker()
		defer broker.Close()
		tr := broker.NewTransport()

		require.NoError(t, tr.DeclareExchange(ctx, "events", contracts.Fanout))
		for _, q := range []string{"a", "b"} {
			_, err := tr.DeclareQueue(ctx, q, messaging.QueueOptions{})
			require.NoError(t, err)
			require.NoError(t, tr.BindQueue(ctx, q, "events", "ignored"))
		}
		gotA, gotB := collect(t, tr, "a"), collect(t, tr, "b")

		require.NoError(t, tr.Publish(ctx, "events", "x", messaging.Properties{}, []byte("e")))

		receive(t, gotA)
		receive(t, gotB)
	})

	t.Run("publishing to an unknown exchange fails", func(t *testing.T) {
		broker := NewBroker()
		defer broker.Close()

		err := broker.NewTransport().Publish(ctx, "missing", "k", messaging.Properties{}, nil)
		assert.ErrorIs(t, err, ErrExchangeNotFound)
	})

	t.Run("redeclaring an exchange with another type fails", func(t *testing.T) {
		broker := NewBroker()
		defer broker.Close()
		tr := broker.NewTransport()

		require.NoError(t, tr.DeclareExchange(ctx, "x", contracts.Topic))
		assert.ErrorIs(t, tr.DeclareExchange(ctx, "x", contracts.Fanout), ErrExchangeMismatch)
	})

	t.Run("exclusive queues belong to their transport", func(t *testing.T) {
		broker := NewBroker()
		defer broker.Close()
		owner, other := broker.NewTransport(), broker.NewTransport()

		name, err := owner.DeclareQueue(ctx, "", messaging.QueueOptions{Exclusive: true})
		require.NoError(t, err)

		_, err = other.DeclareQueue(ctx, name, messaging.QueueOptions{Exclusive: true})
		assert.ErrorIs(t, err, ErrQueueLocked)
	})

	t.Run("failure drops exclusive queues and notifies listeners", func(t *testing.T) {
		broker := NewBroker()
		defer broker.Close()
		tr := broker.NewTransport()
		listener := &recordingListener{}
		tr.AddConnectionListener(listener)

		name, err := tr.DeclareQueue(ctx, "", messaging.QueueOptions{Exclusive: true, AutoDelete: true})
		require.NoError(t, err)
		_, err = tr.DeclareQueue(ctx, "durable", messaging.QueueOptions{Durable: true})
		require.NoError(t, err)

		tr.Fail(errors.New("socket closed"))
		tr.Fail(errors.New("second failure is ignored"))

		assert.False(t, broker.QueueExists(name))
		assert.True(t, broker.QueueExists("durable"))

		err = tr.Publish(ctx, "", "durable", messaging.Properties{}, nil)
		assert.ErrorIs(t, err, messaging.ErrChannelDown)
		assert.ErrorIs(t, err, messaging.ErrDelivery)

		tr.Recover()
		assert.NoError(t, tr.Publish(ctx, "", "durable", messaging.Properties{}, nil))
		assert.Equal(t, []string{"lost:socket closed", "restored"}, listener.snapshot())
	})

	t.Run("each message goes to exactly one consumer", func(t *testing.T) {
		broker := NewBroker()
		defer broker.Close()
		first, second := broker.NewTransport(), broker.NewTransport()

		_, err := first.DeclareQueue(ctx, "work", messaging.QueueOptions{Durable: true})
		require.NoError(t, err)

		var handled atomic.Int32
		count := func(messaging.Delivery) { handled.Add(1) }
		require.NoError(t, first.Consume(ctx, "work", count))
		require.NoError(t, second.Consume(ctx, "work", count))

		for i := 0; i < 10; i++ {
			require.NoError(t, first.Publish(ctx, "", "work", messaging.Properties{}, []byte{byte(i)}))
		}

		require.Eventually(t, func() bool { return handled.Load() == 10 }, 2*time.Second, 5*time.Millisecond)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(10), handled.Load())
	})

	t.Run("messages wait in the queue until a consumer attaches", func(t *testing.T) {
		broker := NewBroker()
		defer broker.Close()
		tr := broker.NewTransport()

		_, err := tr.DeclareQueue(ctx, "later", messaging.QueueOptions{Durable: true})
		require.NoError(t, err)
		for _, body := range []string{"one", "two", "three"} {
			require.NoError(t, tr.Publish(ctx, "", "later", messaging.Properties{}, []byte(body)))
		}

		got := collect(t, tr, "later")
		assert.Equal(t, []byte("one"), receive(t, got).Body)
		assert.Equal(t, []byte("two"), receive(t, got).Body)
		assert.Equal(t, []byte("three"), receive(t, got).Body)
		assertNothing(t, got)
	})

	t.Run("a consumer sees its queue in publish order", func(t *testing.T) {
		broker := NewBroker()
		defer broker.Close()
		tr := broker.NewTransport()

		_, err := tr.DeclareQueue(ctx, "ordered", messaging.QueueOptions{})
		require.NoError(t, err)

		var mu sync.Mutex
		var order []byte
		require.NoError(t, tr.Consume(ctx, "ordered", func(d messaging.Delivery) {
			mu.Lock()
			order = append(order, d.Body[0])
			mu.Unlock()
		}))

		want := make([]byte, 100)
		for i := range want {
			want[i] = byte(i)
			require.NoError(t, tr.Publish(ctx, "", "ordered", messaging.Properties{}, []byte{byte(i)}))
		}

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(order) == len(want)
		}, 2*time.Second, 5*time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, want, order)
	})

	t.Run("a cancelled consumer leaves messages for the others", func(t *testing.T) {
		broker := NewBroker()
		defer broker.Close()
		tr := broker.NewTransport()

		_, err := tr.DeclareQueue(ctx, "shared", messaging.QueueOptions{})
		require.NoError(t, err)

		gone, cancel := context.WithCancel(ctx)
		var stolen atomic.Int32
		require.NoError(t, tr.Consume(gone, "shared", func(messaging.Delivery) { stolen.Add(1) }))
		cancel()
		got := collect(t, tr, "shared")

		for i := 0; i < 5; i++ {
			require.NoError(t, tr.Publish(ctx, "", "shared", messaging.Properties{}, []byte{byte(i)}))
		}
		for i := 0; i < 5; i++ {
			assert.Equal(t, []byte{byte(i)}, receive(t, got).Body)
		}
		assert.Equal(t, int32(0), stolen.Load())
	})

	t.Run("closed transports refuse work", func(t *testing.T) {
		broker := NewBroker()
		defer broker.Close()
		tr := broker.NewTransport()
		require.NoError(t, tr.Close())

		_, err := tr.DeclareQueue(ctx, "q", messaging.QueueOptions{})
		assert.ErrorIs(t, err, messaging.ErrChannelDown)
	})
}
