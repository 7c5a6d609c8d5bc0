package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDelivery is the root of every failure to get a message to or from
	// the broker. Only errors matching it are retried by WithRetry.
	ErrDelivery = errors.New("minibus: delivery failed")

	// ErrChannelDown means the transport cannot carry messages right now.
	ErrChannelDown = fmt.Errorf("%w: channel is down", ErrDelivery)

	// ErrTimeout means no message arrived within the allowed time.
	ErrTimeout = fmt.Errorf("%w: timed out waiting for a message", ErrDelivery)

	// ErrUnexpectedMessage means a message arrived but had the wrong type.
	ErrUnexpectedMessage = errors.New("minibus: unexpected message")

	ErrConversationReleased  = errors.New("minibus: conversation has been disposed")
	ErrDuplicateConversation = errors.New("minibus: correlation id already active")
	ErrDuplicateHandler      = errors.New("minibus: handler already registered")
	ErrBusClosed             = errors.New("minibus: bus is closed")
)

// PublishError reports a message the transport refused.
type PublishError struct {
	Exchange   string
	RoutingKey string
	Err        error
	Timestamp  time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("minibus: publish to %q with key %q failed: %v", e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// TimeoutError reports a WaitResponse that expired.
type TimeoutError struct {
	CorrelationID string
	Timeout       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("minibus: no response for conversation %s within %s", e.CorrelationID, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// UnexpectedMessageError reports a response of the wrong type.
type UnexpectedMessageError struct {
	Want string
	Got  string
}

func (e *UnexpectedMessageError) Error() string {
	return fmt.Sprintf("minibus: expected %s, received %s", e.Want, e.Got)
}

func (e *UnexpectedMessageError) Unwrap() error {
	return ErrUnexpectedMessage
}

// IsDeliveryFailure reports whether err is retryable by WithRetry.
func IsDeliveryFailure(err error) bool {
	return errors.Is(err, ErrDelivery)
}
