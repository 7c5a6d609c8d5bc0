package memory

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/antiduh/MiniBus/messaging"
)

// queue buffers the messages routed to it until a consumer takes them.
// A single pump moves messages from the queue's gochannel topic into
// pending, so pending holds them in publish order.
type queue struct {
	name  string
	opts  messaging.QueueOptions
	owner *Transport

	stop context.CancelFunc

	mu      sync.Mutex
	pending []*message.Message
	arrived chan struct{}
	deleted chan struct{}
}

func newQueue(name string, opts messaging.QueueOptions, owner *Transport) *queue {
	return &queue{
		name:    name,
		opts:    opts,
		owner:   owner,
		arrived: make(chan struct{}),
		deleted: make(chan struct{}),
	}
}

// pump runs until the topic subscription ends. Each message is acked only
// once it is buffered, so a blocking publisher sees it in order.
func (q *queue) pump(messages <-chan *message.Message) {
	for msg := range messages {
		q.push(msg)
		msg.Ack()
	}
}

func (q *queue) push(msg *message.Message) {
	q.mu.Lock()
	q.pending = append(q.pending, msg)
	close(q.arrived)
	q.arrived = make(chan struct{})
	q.mu.Unlock()
}

// requeue puts a message a consumer gave up on back at the head.
func (q *queue) requeue(msg *message.Message) {
	q.mu.Lock()
	q.pending = append([]*message.Message{msg}, q.pending...)
	close(q.arrived)
	q.arrived = make(chan struct{})
	q.mu.Unlock()
}

// take removes the oldest message, waiting for one to arrive. It returns
// false once ctx ends or the queue is deleted.
func (q *queue) take(ctx context.Context) (*message.Message, bool) {
	for {
		q.mu.Lock()
		if ctx.Err() != nil {
			q.mu.Unlock()
			return nil, false
		}
		if len(q.pending) > 0 {
			msg := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return msg, true
		}
		arrived := q.arrived
		q.mu.Unlock()

		select {
		case <-arrived:
		case <-ctx.Done():
			return nil, false
		case <-q.deleted:
			return nil, false
		}
	}
}

func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// delete stops the pump and releases waiting consumers. Buffered messages
// are discarded.
func (q *queue) delete() {
	q.stop()
	q.mu.Lock()
	select {
	case <-q.deleted:
	default:
		close(q.deleted)
	}
	q.pending = nil
	q.mu.Unlock()
}
