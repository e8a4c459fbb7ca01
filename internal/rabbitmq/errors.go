package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-relay/internal/reliability"
)

var (
	// Connection errors
	ErrConnectionClosed   = errors.New("rabbitmq: connection is closed")
	ErrConnectionNotReady = errors.New("rabbitmq: connection not ready")
	ErrMaxRetriesExceeded = reliability.ErrMaxRetriesExceeded
	ErrNoNodes            = errors.New("rabbitmq: no broker nodes configured")
	ErrManagerClosed      = errors.New("rabbitmq: connection manager is closed")

	// Channel errors
	ErrChannelNotReady       = errors.New("rabbitmq: channel not ready")
	ErrChannelCreationFailed = errors.New("rabbitmq: failed to create channel")

	// Publisher errors
	ErrPublishNotConfirmed = errors.New("rabbitmq: publish not confirmed")
	ErrPublishTimeout      = errors.New("rabbitmq: publish timeout")

	// Consumer errors
	ErrConsumerClosed  = errors.New("rabbitmq: consumer is closed")
	ErrAlreadyConsumed = errors.New("rabbitmq: queue already has an active consumer")
	ErrPoisonMessage   = errors.New("rabbitmq: poison message")

	// Topology errors
	ErrInvalidTopology = errors.New("rabbitmq: invalid topology configuration")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq connection error: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *ConnectionError) Category() reliability.Category {
	return reliability.CategoryConnectivity
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// Category distinguishes protocol faults from a channel that is merely gone
func (e *ChannelError) Category() reliability.Category {
	if IsPreconditionFailed(e.Err) {
		return reliability.CategoryChannelProtocol
	}
	return reliability.CategoryConnectivity
}

// PublishError represents a publish operation error
type PublishError struct {
	Queue     string    // Target queue
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %s: %v", e.Queue, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

func (e *PublishError) Category() reliability.Category {
	if c := reliability.CategoryOf(e.Err); c != reliability.CategoryUnknown {
		return c
	}
	return reliability.CategoryConnectivity
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue       string    // Queue name
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

func (e *ConsumerError) Category() reliability.Category {
	switch {
	case errors.Is(e.Err, ErrPoisonMessage):
		return reliability.CategoryPoisonMessage
	case e.Op == "handle":
		return reliability.CategoryProcessing
	}
	if c := reliability.CategoryOf(e.Err); c != reliability.CategoryUnknown {
		return c
	}
	return reliability.CategoryConnectivity
}

// TopologyError represents a topology-related error
type TopologyError struct {
	Component string    // Component type (exchange, queue, binding)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

func (e *TopologyError) Category() reliability.Category {
	if IsPreconditionFailed(e.Err) || errors.Is(e.Err, ErrInvalidTopology) {
		return reliability.CategoryChannelProtocol
	}
	return reliability.CategoryConnectivity
}

// IsPreconditionFailed reports whether err is a PRECONDITION_FAILED channel
// exception, typically a queue redeclared with different arguments.
func IsPreconditionFailed(err error) bool {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Code == amqp.PreconditionFailed
	}
	return false
}

// IsRetryable determines if a broker error is worth another attempt.
// Argument mismatches keep failing until the queue or the spec changes.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrInvalidTopology):
		return false
	case errors.Is(err, ErrManagerClosed):
		return false
	case errors.Is(err, ErrPoisonMessage):
		return false
	case errors.Is(err, context.Canceled):
		return false
	case IsPreconditionFailed(err):
		return false
	}

	return reliability.IsRetryable(err)
}

// SanitizeURL removes the password from a connection URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	return u.String()
}
