// Package metrics exposes Prometheus collectors for MiniBus buses and the
// gateway. A nil *Metrics is valid and records nothing.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Dispatch outcomes.
const (
	OutcomeDelivered  = "delivered"
	OutcomeUnroutable = "unroutable"
	OutcomeStale      = "stale"
)

// Relay outcomes.
const (
	RelayDelivered     = "relayed"
	RelayUnknownClient = "unknown_client"
	RelayDecodeFailed  = "decode_failed"
	RelayWriteFailed   = "write_failed"
)

// Connection events.
const (
	EventLost     = "lost"
	EventRestored = "restored"
)

const namespace = "minibus"

// Metrics holds every MiniBus collector.
type Metrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	conversationsActive prometheus.Gauge
	requestsStarted     prometheus.Counter
	dispatchTotal       *prometheus.CounterVec
	waitTimeouts        prometheus.Counter
	publishTotal        *prometheus.CounterVec
	handlerDuration     *prometheus.HistogramVec
	gatewaySessions     prometheus.Gauge
	relayTotal          *prometheus.CounterVec
	connectionEvents    *prometheus.CounterVec
}

// New creates the collectors. They are registered with registerer, or with
// prometheus.DefaultRegisterer when it is nil, by Register.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer: registerer,
		conversationsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "conversations_active",
			Help:      "Number of conversations currently registered with a correlator",
		}),
		requestsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "conversations_started_total",
			Help:      "Total number of conversations started",
		}),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "dispatch_total",
			Help:      "Inbound messages by dispatch outcome",
		}, []string{"outcome"}),
		waitTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "wait_timeouts_total",
			Help:      "Total number of WaitResponse calls that timed out",
		}),
		publishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_total",
			Help:      "Messages handed to the transport by component and result",
		}, []string{"component", "result"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "handler_duration_seconds",
			Help:      "Time spent in message handlers",
			Buckets:   prometheus.DefBuckets,
		}, []string{"message"}),
		gatewaySessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "sessions",
			Help:      "Number of connected gateway clients",
		}),
		relayTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "relay_total",
			Help:      "Broker deliveries relayed to gateway clients by outcome",
		}, []string{"outcome"}),
		connectionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_events_total",
			Help:      "Connection lost and restored transitions by component",
		}, []string{"component", "event"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.conversationsActive,
		m.requestsStarted,
		m.dispatchTotal,
		m.waitTimeouts,
		m.publishTotal,
		m.handlerDuration,
		m.gatewaySessions,
		m.relayTotal,
		m.connectionEvents,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			return err
		}
	}

	m.registered = true
	return nil
}

func (m *Metrics) ConversationStarted() {
	if m == nil {
		return
	}
	m.requestsStarted.Inc()
	m.conversationsActive.Inc()
}

func (m *Metrics) ConversationReleased() {
	if m == nil {
		return
	}
	m.conversationsActive.Dec()
}

// Dispatched counts an inbound message by outcome.
func (m *Metrics) Dispatched(outcome string) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) WaitTimedOut() {
	if m == nil {
		return
	}
	m.waitTimeouts.Inc()
}

// Published counts a publish attempt by component; err selects the result label.
func (m *Metrics) Published(component string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.publishTotal.WithLabelValues(component, result).Inc()
}

// HandlerObserved records how long a handler for message took.
func (m *Metrics) HandlerObserved(message string, d time.Duration) {
	if m == nil {
		return
	}
	m.handlerDuration.WithLabelValues(message).Observe(d.Seconds())
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.gatewaySessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.gatewaySessions.Dec()
}

// Relayed counts a broker delivery handled by the gateway relay path.
func (m *Metrics) Relayed(outcome string) {
	if m == nil {
		return
	}
	m.relayTotal.WithLabelValues(outcome).Inc()
}

// ConnectionEvent counts a lost or restored transition.
func (m *Metrics) ConnectionEvent(component, event string) {
	if m == nil {
		return
	}
	m.connectionEvents.WithLabelValues(component, event).Inc()
}
