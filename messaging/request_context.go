package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/antiduh/MiniBus/contracts"
	"github.com/antiduh/MiniBus/tlv"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type inbound struct {
	env contracts.Envelope
	msg tlv.Contract
}

// conversation is the pooled state behind a RequestContext. gen changes on
// every release, so handles and in-flight deliveries from an earlier use
// cannot reach a later one.
type conversation struct {
	corr  *Correlator
	ready chan struct{}

	mu       sync.Mutex
	gen      uint64
	live     bool
	id       string
	redirect string
	inbox    []inbound
}

func newConversation(c *Correlator) *conversation {
	return &conversation{
		corr:  c,
		ready: make(chan struct{}, 1),
	}
}

func (v *conversation) deliver(gen uint64, in inbound) bool {
	v.mu.Lock()
	if !v.live || v.gen != gen {
		v.mu.Unlock()
		return false
	}
	v.inbox = append(v.inbox, in)
	v.mu.Unlock()

	select {
	case v.ready <- struct{}{}:
	default:
	}
	return true
}

// reset must be called with v.mu held.
func (v *conversation) reset() {
	v.gen++
	v.live = false
	v.id = ""
	v.redirect = ""
	clear(v.inbox)
	v.inbox = v.inbox[:0]
	select {
	case <-v.ready:
	default:
	}
}

// RequestContext is a handle on one conversation: a correlation id plus the
// mailbox its replies are delivered to. It is a small value and may be
// copied; every copy refers to the same conversation. After Dispose all
// methods fail with ErrConversationReleased.
type RequestContext struct {
	conv *conversation
	gen  uint64
}

func (r RequestContext) snapshot() (id, redirect string, err error) {
	if r.conv == nil {
		return "", "", ErrConversationReleased
	}
	r.conv.mu.Lock()
	defer r.conv.mu.Unlock()
	if !r.conv.live || r.conv.gen != r.gen {
		return "", "", ErrConversationReleased
	}
	return r.conv.id, r.conv.redirect, nil
}

// CorrelationID returns the conversation's id, or "" once disposed.
func (r RequestContext) CorrelationID() string {
	id, _, _ := r.snapshot()
	return id
}

// RedirectQueue returns the queue learned from the first reply that carried
// one, or "".
func (r RequestContext) RedirectQueue() string {
	_, redirect, _ := r.snapshot()
	return redirect
}

// SendRequest publishes msg as part of the conversation. Once a redirect
// queue is known, msg is sent directly to it instead of to its exchange.
func (r RequestContext) SendRequest(ctx context.Context, msg contracts.Message) error {
	id, redirect, err := r.snapshot()
	if err != nil {
		return err
	}

	ctx, span := r.conv.corr.tracer.Start(ctx, "minibus.send_request",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("minibus.correlation_id", id),
			attribute.String("minibus.message", msg.MessageName()),
			attribute.String("minibus.redirect", redirect),
		))
	defer span.End()

	env := contracts.Envelope{CorrelationID: id}
	if err := r.conv.corr.sender.SendRequest(ctx, env, msg, redirect); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return err
	}
	return nil
}

// WaitResponse blocks until the next reply arrives, timeout elapses or ctx
// is done. Replies are returned in the order the transport delivered them.
func (r RequestContext) WaitResponse(ctx context.Context, timeout time.Duration) (tlv.Contract, error) {
	if r.conv == nil {
		return nil, ErrConversationReleased
	}
	v := r.conv

	_, span := v.corr.tracer.Start(ctx, "minibus.wait_response", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	var timer *time.Timer
	for {
		v.mu.Lock()
		if !v.live || v.gen != r.gen {
			v.mu.Unlock()
			return nil, ErrConversationReleased
		}
		id := v.id
		if len(v.inbox) > 0 {
			in := v.inbox[0]
			v.inbox[0] = inbound{}
			v.inbox = v.inbox[1:]
			if v.redirect == "" && in.env.SendRepliesTo != "" {
				v.redirect = in.env.SendRepliesTo
			}
			v.mu.Unlock()
			span.SetAttributes(attribute.String("minibus.correlation_id", id))
			return in.msg, nil
		}
		v.mu.Unlock()

		if timer == nil {
			timer = time.NewTimer(timeout)
			defer timer.Stop()
		}

		select {
		case <-v.ready:
		case <-timer.C:
			v.corr.metrics.WaitTimedOut()
			err := &TimeoutError{CorrelationID: id, Timeout: timeout}
			span.RecordError(err)
			span.SetStatus(codes.Error, "timeout")
			return nil, err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// WaitResponseAs waits like WaitResponse and asserts the reply is a T.
// A reply of another type is consumed and reported as an
// UnexpectedMessageError.
func WaitResponseAs[T tlv.Contract](ctx context.Context, r RequestContext, timeout time.Duration) (T, error) {
	var zero T

	msg, err := r.WaitResponse(ctx, timeout)
	if err != nil {
		return zero, err
	}

	typed, ok := msg.(T)
	if !ok {
		return zero, &UnexpectedMessageError{
			Want: fmt.Sprintf("%T", zero),
			Got:  describe(msg),
		}
	}
	return typed, nil
}

// WithRetry runs action under the bus's retry policy, retrying only
// delivery failures and returning the last error.
func (r RequestContext) WithRetry(ctx context.Context, action func() error) error {
	if r.conv == nil {
		return ErrConversationReleased
	}
	return WithRetry(ctx, r.conv.corr.retry, action)
}

// Dispose ends the conversation and returns it to the pool. Messages that
// arrive afterwards are dropped. Calling Dispose more than once is harmless.
func (r RequestContext) Dispose() {
	if r.conv == nil {
		return
	}
	r.conv.corr.release(r.conv, r.gen)
}
