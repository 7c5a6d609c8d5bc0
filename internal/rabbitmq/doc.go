// Package rabbitmq wraps github.com/rabbitmq/amqp091-go for the MiniBus
// RabbitMQ transport.
//
// This package includes:
//   - ConnectionManager: keeps one AMQP connection alive across a list of
//     broker URLs using a reconnect.Loop
//   - Channel: a lazily reopened AMQP channel bound to the manager's current
//     connection
//   - Topology helpers for exchanges, queues and bindings
//   - Publish and Consume helpers translating failures into typed errors
//
// Errors caused by a closed connection or channel match ErrConnectionClosed
// or ErrChannelClosed; IsChannelDown reports either.
package rabbitmq
