package rabbitmq

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closedPortURL(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return "amqp://guest:guest@" + addr + "/"
}

func TestConnectionManager(t *testing.T) {
	t.Run("NewConnectionManager applies options", func(t *testing.T) {
		logger := slog.Default()
		manager := NewConnectionManager(
			[]string{"amqp://a:5672", "amqp://b:5672"},
			WithReconnectDelay(10*time.Second),
			WithDialTimeout(3*time.Second),
			WithLogger(logger),
		)
		defer manager.Close()

		assert.Equal(t, 10*time.Second, manager.reconnectDelay)
		assert.Equal(t, 3*time.Second, manager.dialTimeout)
		assert.Equal(t, logger, manager.logger)
		assert.Equal(t, []string{"amqp://a:5672", "amqp://b:5672"}, manager.hosts.Hosts())
		assert.False(t, manager.IsConnected())
	})

	t.Run("GetConnection returns error when not connected", func(t *testing.T) {
		manager := NewConnectionManager([]string{"amqp://localhost:5672"})
		defer manager.Close()

		_, err := manager.GetConnection()
		assert.ErrorIs(t, err, ErrConnectionNotReady)
		assert.True(t, IsChannelDown(err))
	})

	t.Run("Connect keeps retrying until its context ends", func(t *testing.T) {
		manager := NewConnectionManager([]string{closedPortURL(t)},
			WithReconnectDelay(5*time.Millisecond),
			WithDialTimeout(time.Second))
		defer manager.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		err := manager.Connect(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.False(t, manager.IsConnected())
	})

	t.Run("Connect fails once the manager is closed", func(t *testing.T) {
		manager := NewConnectionManager([]string{closedPortURL(t)}, WithReconnectDelay(5*time.Millisecond))
		require.NoError(t, manager.Close())

		err := manager.Connect(context.Background())
		assert.ErrorIs(t, err, ErrConnectionClosed)
	})

	t.Run("channels cannot be opened without a connection", func(t *testing.T) {
		manager := NewConnectionManager([]string{"amqp://localhost:5672"})
		defer manager.Close()

		_, err := NewChannel(manager).Get()
		var chanErr *ChannelError
		require.ErrorAs(t, err, &chanErr)
		assert.Equal(t, "open", chanErr.Op)
		assert.ErrorIs(t, err, ErrConnectionNotReady)
	})
}
