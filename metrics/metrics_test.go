package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	t.Run("register is idempotent", func(t *testing.T) {
		m := New(prometheus.NewRegistry())
		require.NoError(t, m.Register())
		require.NoError(t, m.Register())
	})

	t.Run("conversation gauge tracks start and release", func(t *testing.T) {
		m := New(prometheus.NewRegistry())
		require.NoError(t, m.Register())

		m.ConversationStarted()
		m.ConversationStarted()
		m.ConversationReleased()

		assert.Equal(t, 1.0, testutil.ToFloat64(m.conversationsActive))
		assert.Equal(t, 2.0, testutil.ToFloat64(m.requestsStarted))
	})

	t.Run("publish results are labelled by outcome", func(t *testing.T) {
		m := New(prometheus.NewRegistry())

		m.Published("client", nil)
		m.Published("client", errors.New("channel down"))
		m.Published("client", nil)

		assert.Equal(t, 2.0, testutil.ToFloat64(m.publishTotal.WithLabelValues("client", "ok")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.publishTotal.WithLabelValues("client", "error")))
	})

	t.Run("gateway counters", func(t *testing.T) {
		m := New(prometheus.NewRegistry())

		m.SessionOpened()
		m.Relayed(RelayDelivered)
		m.Relayed(RelayUnknownClient)
		m.ConnectionEvent("gateway", EventLost)
		m.HandlerObserved("test.Ping", 5*time.Millisecond)

		assert.Equal(t, 1.0, testutil.ToFloat64(m.gatewaySessions))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.relayTotal.WithLabelValues(RelayUnknownClient)))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionEvents.WithLabelValues("gateway", EventLost)))
	})

	t.Run("nil metrics record nothing", func(t *testing.T) {
		var m *Metrics

		assert.NotPanics(t, func() {
			m.ConversationStarted()
			m.Dispatched(OutcomeStale)
			m.WaitTimedOut()
			m.Published("gateway", nil)
			m.SessionClosed()
		})
	})
}
