package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"

	"github.com/glimte/mmate-relay/internal/reliability"
)

// PublishOptions are the per-message properties callers may set
type PublishOptions struct {
	Priority      uint8
	Expiration    time.Duration
	CorrelationID string
	MessageID     string
	ContentType   string
	Headers       amqp.Table
	// Transient publishes with non-persistent delivery mode
	Transient bool
}

func (o PublishOptions) publishing(body []byte, now time.Time) amqp.Publishing {
	msg := amqp.Publishing{
		Headers:       amqp.Table{},
		ContentType:   o.ContentType,
		DeliveryMode:  amqp.Persistent,
		Priority:      o.Priority,
		CorrelationId: o.CorrelationID,
		MessageId:     o.MessageID,
		Timestamp:     now,
		Body:          body,
	}

	for k, v := range o.Headers {
		msg.Headers[k] = v
	}
	if o.Transient {
		msg.DeliveryMode = amqp.Transient
	}
	if msg.MessageId == "" {
		msg.MessageId = uuid.New().String()
	}
	if msg.ContentType == "" {
		msg.ContentType = "application/json"
	}
	if o.Expiration > 0 {
		msg.Expiration = strconv.FormatInt(o.Expiration.Milliseconds(), 10)
	}
	return msg
}

// Publisher sends messages to queues through the default exchange and
// waits for broker confirms.
type Publisher struct {
	conn           *ConnectionManager
	topology       *TopologyManager
	logger         *slog.Logger
	metrics        *Metrics
	clock          clock.Clock
	confirmTimeout time.Duration
	maxRetries     int
	retryDelay     time.Duration
	retryFactor    float64
	maxRetryDelay  time.Duration
	breaker        *gobreaker.CircuitBreaker
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long to wait for a broker confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishRetries sets the attempt budget and base delay for publishing
func WithPublishRetries(retries int, delay time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.maxRetries = retries
		p.retryDelay = delay
	}
}

// WithPublishBackoff makes publish retry delays grow by factor up to max
func WithPublishBackoff(factor float64, max time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.retryFactor = factor
		p.maxRetryDelay = max
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithPublisherMetrics sets the metrics collectors
func WithPublisherMetrics(m *Metrics) PublisherOption {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// WithPublisherClock sets the clock used for retry delays
func WithPublisherClock(c clock.Clock) PublisherOption {
	return func(p *Publisher) {
		p.clock = c
	}
}

// WithCircuitBreaker fails publishes fast after consecutive failures until
// timeout has passed
func WithCircuitBreaker(failures uint32, timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		if failures == 0 {
			p.breaker = nil
			return
		}
		p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "publisher",
			MaxRequests: 1,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				p.logger.Warn("publisher circuit breaker state changed",
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}
}

// NewPublisher creates a new publisher
func NewPublisher(conn *ConnectionManager, topology *TopologyManager, options ...PublisherOption) *Publisher {
	p := &Publisher{
		conn:           conn,
		topology:       topology,
		logger:         slog.Default(),
		clock:          clock.New(),
		confirmTimeout: 5 * time.Second,
		maxRetries:     3,
		retryDelay:     time.Second,
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// SendMessage serialises payload and publishes it to queue, declaring the
// queue first if needed. It returns once the broker confirmed the message.
func (p *Publisher) SendMessage(ctx context.Context, queue string, payload any, opts PublishOptions) error {
	body, contentType, err := encodePayload(payload)
	if err != nil {
		return &PublishError{Queue: queue, Err: reliability.NonRetryable(err), Timestamp: time.Now()}
	}
	if opts.ContentType == "" {
		opts.ContentType = contentType
	}

	return p.PublishTo(ctx, p.topology.Lookup(queue), body, opts)
}

// PublishTo publishes body to the queue described by spec
func (p *Publisher) PublishTo(ctx context.Context, spec QueueSpec, body []byte, opts PublishOptions) error {
	msg := opts.publishing(body, p.clock.Now())

	retrier := reliability.NewRetrier(p.maxRetries, p.retryDelay,
		reliability.WithBackoffFactor(p.retryFactor),
		reliability.WithMaxDelay(p.maxRetryDelay),
		reliability.WithClock(p.clock),
		reliability.WithOperation("publish "+spec.Name),
		reliability.WithRetryable(IsRetryable),
		reliability.WithRetryHook(func(rc reliability.RetryContext) {
			p.logger.Warn("publish failed, retrying",
				"queue", spec.Name,
				"attempt", rc.Attempt,
				"nextRetryIn", rc.Delay,
				"error", rc.Err)
		}),
	)

	err := retrier.Do(ctx, func(ctx context.Context) error {
		return p.attempt(ctx, spec, msg)
	})
	p.metrics.publish(spec.Name, err)
	if err != nil {
		p.logger.Error("failed to publish message",
			"queue", spec.Name,
			"messageId", msg.MessageId,
			"error", err)
		return &PublishError{Queue: spec.Name, Err: err, Timestamp: time.Now()}
	}

	p.logger.Debug("message published", "queue", spec.Name, "messageId", msg.MessageId)
	return nil
}

// attempt publishes once, re-sending once on a fresh channel after a
// precondition fault
func (p *Publisher) attempt(ctx context.Context, spec QueueSpec, msg amqp.Publishing) error {
	gen, err := p.guarded(ctx, spec, msg)
	if err == nil || !IsPreconditionFailed(err) {
		return err
	}

	p.logger.Warn("channel precondition failure while publishing, recreating channel",
		"queue", spec.Name,
		"error", err)
	if rerr := p.conn.RecreateChannel(ctx, gen); rerr != nil {
		return rerr
	}

	_, err = p.guarded(ctx, spec, msg)
	return err
}

func (p *Publisher) guarded(ctx context.Context, spec QueueSpec, msg amqp.Publishing) (uint64, error) {
	if p.breaker == nil {
		return p.publishOnce(ctx, spec, msg)
	}

	var gen uint64
	_, err := p.breaker.Execute(func() (interface{}, error) {
		g, err := p.publishOnce(ctx, spec, msg)
		gen = g
		return nil, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return gen, reliability.NonRetryable(err)
	}
	return gen, err
}

func (p *Publisher) publishOnce(ctx context.Context, spec QueueSpec, msg amqp.Publishing) (uint64, error) {
	ch, gen, err := p.conn.ChannelWithGeneration()
	if err != nil {
		return gen, err
	}

	if err := p.topology.DeclareOn(ch, gen, spec); err != nil {
		return gen, err
	}

	confirm, err := ch.Publish(ctx, "", spec.Name, msg)
	if err != nil {
		return gen, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	acked, err := confirm.WaitContext(waitCtx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return gen, ErrPublishTimeout
		}
		return gen, err
	}
	if !acked {
		return gen, ErrPublishNotConfirmed
	}
	return gen, nil
}

func encodePayload(payload any) ([]byte, string, error) {
	switch v := payload.(type) {
	case json.RawMessage:
		return v, "application/json", nil
	case []byte:
		return v, "application/octet-stream", nil
	case string:
		return []byte(v), "text/plain", nil
	case nil:
		return nil, "", fmt.Errorf("nil payload")
	default:
		body, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("failed to serialize payload: %w", err)
		}
		return body, "application/json", nil
	}
}
