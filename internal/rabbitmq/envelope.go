package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RetryCountHeader carries the number of failed handler attempts. It travels
// with the message so the count survives restarts and channel changes.
const RetryCountHeader = "x-retry-count"

// Envelope is a delivered message as handlers see it
type Envelope struct {
	Queue         string
	Body          []byte
	Headers       amqp.Table
	RetryCount    int
	MessageID     string
	CorrelationID string
	ContentType   string
	Redelivered   bool
}

// Decode unmarshals the JSON body into v
func (e *Envelope) Decode(v any) error {
	return json.Unmarshal(e.Body, v)
}

// Handler processes one message. Returning an error wrapping
// ErrPoisonMessage rejects it without retry.
type Handler func(ctx context.Context, env *Envelope) error

// Typed adapts a handler for a concrete payload type. A body that does not
// decode into T is poison.
func Typed[T any](fn func(ctx context.Context, payload T, env *Envelope) error) Handler {
	return func(ctx context.Context, env *Envelope) error {
		var payload T
		if err := env.Decode(&payload); err != nil {
			return fmt.Errorf("%w: %w", ErrPoisonMessage, err)
		}
		return fn(ctx, payload, env)
	}
}

func newEnvelope(queue string, d amqp.Delivery) *Envelope {
	return &Envelope{
		Queue:         queue,
		Body:          d.Body,
		Headers:       d.Headers,
		RetryCount:    retryCount(d.Headers),
		MessageID:     d.MessageId,
		CorrelationID: d.CorrelationId,
		ContentType:   d.ContentType,
		Redelivered:   d.Redelivered,
	}
}

// retryCount reads the retry header, tolerating the integer types other
// clients encode it with. Absent or unreadable means 0.
func retryCount(headers amqp.Table) int {
	raw, ok := headers[RetryCountHeader]
	if !ok {
		return 0
	}

	var n int64
	switch v := raw.(type) {
	case int:
		n = int64(v)
	case int8:
		n = int64(v)
	case int16:
		n = int64(v)
	case int32:
		n = int64(v)
	case int64:
		n = v
	case uint8:
		n = int64(v)
	case uint16:
		n = int64(v)
	case uint32:
		n = int64(v)
	case float32:
		n = int64(v)
	case float64:
		n = int64(v)
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0
		}
		n = parsed
	default:
		return 0
	}

	if n < 0 {
		return 0
	}
	return int(n)
}

// withRetryCount copies headers and sets the retry count
func withRetryCount(headers amqp.Table, count int) amqp.Table {
	out := make(amqp.Table, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	out[RetryCountHeader] = int32(count)
	return out
}
