package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes incoming messages
type MessageHandler func(delivery amqp.Delivery)

// ConsumerConfig configures Consume
type ConsumerConfig struct {
	PrefetchCount int
	Logger        *slog.Logger
}

// Consume starts consuming queue on a channel of its own. Deliveries are
// auto-acknowledged and handled in order on one goroutine, which stops when
// ctx is cancelled or the channel closes.
func Consume(ctx context.Context, manager *ConnectionManager, queue string, cfg ConsumerConfig, handler MessageHandler) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := manager.GetConnection()
	if err != nil {
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}
	ch, err := conn.Channel()
	if err != nil {
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}

	if cfg.PrefetchCount > 0 {
		if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
			_ = ch.Close()
			return &ConsumerError{Queue: queue, Op: "qos", Err: err, Timestamp: time.Now()}
		}
	}

	deliveries, err := ch.Consume(
		queue,
		"",    // consumer tag chosen by the library
		true,  // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return &ConsumerError{Queue: queue, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	logger.Info("subscribed to queue", "queue", queue, "prefetchCount", cfg.PrefetchCount)

	go func() {
		defer func() { _ = ch.Close() }()

		if err := drain(ctx, queue, deliveries, handler); err != nil {
			logger.Warn("consumer stopped", "queue", queue, "error", err)
			return
		}
		logger.Info("consumer stopped", "queue", queue)
	}()

	return nil
}

// drain hands deliveries to handler until ctx ends, which returns nil, or
// the broker closes the delivery channel, which returns ErrConsumerCancelled.
func drain(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handler MessageHandler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return &ConsumerError{Queue: queue, Op: "consume", Err: ErrConsumerCancelled, Timestamp: time.Now()}
			}
			handler(delivery)
		}
	}
}
