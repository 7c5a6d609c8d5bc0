package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/antiduh/MiniBus/contracts"
	"github.com/antiduh/MiniBus/internal/ids"
	"github.com/antiduh/MiniBus/metrics"
	"github.com/antiduh/MiniBus/tlv"
	"go.opentelemetry.io/otel/trace"
)

// RequestSender publishes the requests of a conversation. When redirect is
// non-empty the message must bypass exchange routing and go straight to the
// named queue.
type RequestSender interface {
	SendRequest(ctx context.Context, env contracts.Envelope, msg contracts.Message, redirect string) error
}

type registration struct {
	conv *conversation
	gen  uint64
}

// Correlator routes inbound replies to the conversation that is waiting for
// them. Conversations are pooled and reused after Dispose.
type Correlator struct {
	sender  RequestSender
	logger  *slog.Logger
	metrics *metrics.Metrics
	retry   RetryPolicy
	tracer  trace.Tracer

	mu     sync.Mutex
	active map[string]registration
	free   []*conversation
	closed bool
}

// NewCorrelator creates a correlator whose conversations send through sender.
func NewCorrelator(sender RequestSender, opts ...Option) *Correlator {
	cfg := newConfig(opts)
	return newCorrelator(sender, cfg)
}

func newCorrelator(sender RequestSender, cfg config) *Correlator {
	return &Correlator{
		sender:  sender,
		logger:  cfg.logger,
		metrics: cfg.metrics,
		retry:   cfg.retry,
		tracer:  cfg.tracer,
		active:  make(map[string]registration),
	}
}

// StartRequest begins a conversation with a fresh correlation id.
func (c *Correlator) StartRequest() (RequestContext, error) {
	return c.StartRequestWithID(ids.NewCorrelationID())
}

// StartRequestWithID begins a conversation with the given correlation id.
// An empty id is replaced with a fresh one.
func (c *Correlator) StartRequestWithID(correlationID string) (RequestContext, error) {
	if correlationID == "" {
		correlationID = ids.NewCorrelationID()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return RequestContext{}, ErrBusClosed
	}
	if _, exists := c.active[correlationID]; exists {
		c.mu.Unlock()
		return RequestContext{}, fmt.Errorf("%w: %s", ErrDuplicateConversation, correlationID)
	}

	var conv *conversation
	if n := len(c.free); n > 0 {
		conv = c.free[n-1]
		c.free[n-1] = nil
		c.free = c.free[:n-1]
	} else {
		conv = newConversation(c)
	}

	conv.mu.Lock()
	conv.id = correlationID
	conv.live = true
	gen := conv.gen
	conv.mu.Unlock()

	c.active[correlationID] = registration{conv: conv, gen: gen}
	c.mu.Unlock()

	c.metrics.ConversationStarted()
	return RequestContext{conv: conv, gen: gen}, nil
}

// Dispatch hands an inbound message to the conversation named by
// env.CorrelationID. It never blocks; it returns false when no live
// conversation took the message.
func (c *Correlator) Dispatch(env contracts.Envelope, msg tlv.Contract) bool {
	c.mu.Lock()
	reg, ok := c.active[env.CorrelationID]
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("no conversation for inbound message",
			"correlationId", env.CorrelationID,
			"contract", describe(msg))
		c.metrics.Dispatched(metrics.OutcomeUnroutable)
		return false
	}

	if !reg.conv.deliver(reg.gen, inbound{env: env, msg: msg}) {
		c.logger.Debug("dropping message for disposed conversation",
			"correlationId", env.CorrelationID)
		c.metrics.Dispatched(metrics.OutcomeStale)
		return false
	}

	c.metrics.Dispatched(metrics.OutcomeDelivered)
	return true
}

// Active returns the number of live conversations.
func (c *Correlator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Close rejects new conversations. Live ones keep working until disposed.
func (c *Correlator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Correlator) release(conv *conversation, gen uint64) {
	c.mu.Lock()
	conv.mu.Lock()
	if !conv.live || conv.gen != gen {
		conv.mu.Unlock()
		c.mu.Unlock()
		return
	}
	delete(c.active, conv.id)
	conv.reset()
	conv.mu.Unlock()
	c.free = append(c.free, conv)
	c.mu.Unlock()

	c.metrics.ConversationReleased()
}

func describe(msg tlv.Contract) string {
	switch m := msg.(type) {
	case nil:
		return "<nil>"
	case contracts.Message:
		return m.MessageName()
	case *tlv.RawContract:
		return fmt.Sprintf("contract %d", m.ID)
	default:
		return fmt.Sprintf("%T", msg)
	}
}
