package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"

	"github.com/glimte/mmate-relay/internal/reliability"
	"github.com/glimte/mmate-relay/internal/telemetry"
)

// ConsumeOptions configure one subscription
type ConsumeOptions struct {
	// Prefetch bounds unacknowledged deliveries and is the worker count
	Prefetch int
	// ConsumerTag identifies the subscription; defaults to <queue>-<uuid>
	ConsumerTag string
	// MaxRetries is how many times a failed message is rescheduled before
	// it is parked. The handler runs at most MaxRetries+1 times.
	MaxRetries int
	// RetryBackoff gives the delay before retry n
	RetryBackoff reliability.Backoff
}

// DefaultConsumeOptions returns prefetch 1 and three retries at 2s, 4s, 8s
func DefaultConsumeOptions() ConsumeOptions {
	return ConsumeOptions{
		Prefetch:     1,
		MaxRetries:   3,
		RetryBackoff: reliability.NewExponentialBackoff(2*time.Second, 5*time.Minute, 2),
	}
}

// subscription outlives channels; attachment is its consumer on one channel
type subscription struct {
	queue   string
	handler Handler
	opts    ConsumeOptions
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	current *attachment
	workers sync.WaitGroup
}

type attachment struct {
	ch      Channel
	gen     uint64
	tag     string
	stopped atomic.Bool
}

// Consumer runs subscriptions and re-attaches them after every link-up
type Consumer struct {
	conn      *ConnectionManager
	topology  *TopologyManager
	publisher *Publisher
	logger    *slog.Logger
	metrics   *Metrics
	defaults  ConsumeOptions

	subscribeRetries int
	subscribeDelay   time.Duration

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool

	// delay queues that cannot take messages, by name, with the time the
	// failure was seen
	brokenMu sync.Mutex
	broken   map[string]time.Time
}

// brokenDelayQueueHold is how long a delay queue that failed permanently is
// bypassed before scheduling through it is tried again
const brokenDelayQueueHold = time.Minute

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithConsumerMetrics sets the metrics collectors
func WithConsumerMetrics(m *Metrics) ConsumerOption {
	return func(c *Consumer) {
		c.metrics = m
	}
}

// WithConsumeDefaults sets the options used for zero fields of ConsumeOptions
func WithConsumeDefaults(opts ConsumeOptions) ConsumerOption {
	return func(c *Consumer) {
		c.defaults = opts
	}
}

// WithSubscribeRetries sets the retry budget of the initial subscribe
func WithSubscribeRetries(retries int, delay time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.subscribeRetries = retries
		c.subscribeDelay = delay
	}
}

// NewConsumer creates a consumer. Retries are scheduled through publisher.
func NewConsumer(conn *ConnectionManager, topology *TopologyManager, publisher *Publisher, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		conn:             conn,
		topology:         topology,
		publisher:        publisher,
		logger:           slog.Default(),
		defaults:         DefaultConsumeOptions(),
		subscribeRetries: 3,
		subscribeDelay:   time.Second,
		subs:             make(map[string]*subscription),
		broken:           make(map[string]time.Time),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// RunConsumer subscribes handler to queue and returns once the consumer is
// attached. The subscription lasts until ctx is cancelled, Stop or Close,
// and is re-established automatically on every new channel.
func (c *Consumer) RunConsumer(ctx context.Context, queue string, handler Handler, opts ConsumeOptions) error {
	opts = c.withDefaults(queue, opts)
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		queue:   queue,
		handler: handler,
		opts:    opts,
		ctx:     subCtx,
		cancel:  cancel,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return ErrConsumerClosed
	}
	if _, exists := c.subs[queue]; exists {
		c.mu.Unlock()
		cancel()
		return &ConsumerError{Queue: queue, ConsumerTag: opts.ConsumerTag, Op: "subscribe", Err: ErrAlreadyConsumed, Timestamp: time.Now()}
	}
	c.subs[queue] = sub
	c.mu.Unlock()

	// the queue must come back on every new channel before the consumer does
	if err := c.topology.Register(c.topology.Lookup(queue)); err != nil {
		c.stop(sub)
		return &ConsumerError{Queue: queue, ConsumerTag: opts.ConsumerTag, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}

	err := reliability.WithRetry(ctx, c.subscribeRetries, c.subscribeDelay,
		func(ctx context.Context) error {
			ch, gen, err := c.conn.ChannelWithGeneration()
			if err != nil {
				return err
			}
			sub.mu.Lock()
			defer sub.mu.Unlock()
			return c.attach(sub, ch, gen)
		},
		reliability.WithOperation("subscribe "+queue),
		reliability.WithRetryable(IsRetryable),
	)
	if err != nil {
		c.stop(sub)
		return &ConsumerError{Queue: queue, ConsumerTag: opts.ConsumerTag, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}

	context.AfterFunc(subCtx, func() { c.stop(sub) })

	c.logger.Info("consumer started",
		"queue", queue,
		"consumerTag", opts.ConsumerTag,
		"prefetch", opts.Prefetch,
		"maxRetries", opts.MaxRetries)
	return nil
}

// OnLinkUp moves every subscription onto the new channel. The old consumer
// is cancelled best effort; its workers finish in-flight messages on their
// own.
func (c *Consumer) OnLinkUp(ctx context.Context, ch Channel) error {
	gen := c.conn.Generation()

	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	var errs error
	for _, sub := range subs {
		if ctx.Err() != nil {
			return multierr.Append(errs, ctx.Err())
		}

		sub.mu.Lock()
		c.detach(sub)
		err := c.attach(sub, ch, gen)
		sub.mu.Unlock()

		if err == nil {
			c.logger.Info("consumer re-subscribed", "queue", sub.queue, "consumerTag", sub.opts.ConsumerTag)
			continue
		}
		if IsPreconditionFailed(err) {
			c.logger.Error("queue arguments conflict, dropping subscription",
				"queue", sub.queue,
				"error", err)
			go c.stop(sub)
		}
		errs = multierr.Append(errs, err)
	}
	return errs
}

// Stop cancels the subscription on queue and waits for its workers
func (c *Consumer) Stop(queue string) error {
	c.mu.Lock()
	sub, ok := c.subs[queue]
	c.mu.Unlock()

	if !ok {
		return &ConsumerError{Queue: queue, Op: "stop", Err: ErrConsumerClosed, Timestamp: time.Now()}
	}

	c.stop(sub)
	sub.workers.Wait()
	return nil
}

// Close stops every subscription and waits for all workers
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		c.stop(sub)
	}
	for _, sub := range subs {
		sub.workers.Wait()
	}
	return nil
}

// ActiveQueues returns the queues with a live subscription
func (c *Consumer) ActiveQueues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	queues := make([]string, 0, len(c.subs))
	for q := range c.subs {
		queues = append(queues, q)
	}
	sort.Strings(queues)
	return queues
}

func (c *Consumer) withDefaults(queue string, opts ConsumeOptions) ConsumeOptions {
	if opts.Prefetch <= 0 {
		opts.Prefetch = c.defaults.Prefetch
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = c.defaults.MaxRetries
	}
	if opts.RetryBackoff == nil {
		opts.RetryBackoff = c.defaults.RetryBackoff
	}
	if opts.RetryBackoff == nil {
		opts.RetryBackoff = DefaultConsumeOptions().RetryBackoff
	}
	if opts.ConsumerTag == "" {
		opts.ConsumerTag = queue + "-" + uuid.New().String()
	}
	return opts
}

// attach subscribes on ch. Must be called with sub.mu held.
func (c *Consumer) attach(sub *subscription, ch Channel, gen uint64) error {
	if sub.ctx.Err() != nil {
		return ErrConsumerClosed
	}
	if sub.current != nil && sub.current.gen == gen && !sub.current.stopped.Load() {
		return nil
	}

	if err := c.topology.DeclareOn(ch, gen, c.topology.Lookup(sub.queue)); err != nil {
		return err
	}

	if err := ch.Qos(sub.opts.Prefetch, 0, false); err != nil {
		return &ChannelError{Op: "qos", Err: err, Timestamp: time.Now()}
	}

	deliveries, err := ch.Consume(
		sub.queue,
		sub.opts.ConsumerTag,
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return &ConsumerError{Queue: sub.queue, ConsumerTag: sub.opts.ConsumerTag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	a := &attachment{ch: ch, gen: gen, tag: sub.opts.ConsumerTag}
	sub.current = a
	for i := 0; i < sub.opts.Prefetch; i++ {
		sub.workers.Add(1)
		go c.work(sub, a, deliveries)
	}
	return nil
}

// detach cancels the current consumer. Must be called with sub.mu held.
func (c *Consumer) detach(sub *subscription) {
	a := sub.current
	if a == nil {
		return
	}
	sub.current = nil
	a.stopped.Store(true)

	if a.ch.IsClosed() {
		return
	}
	if err := a.ch.Cancel(a.tag, false); err != nil {
		c.logger.Debug("failed to cancel consumer", "queue", sub.queue, "consumerTag", a.tag, "error", err)
	}
}

func (c *Consumer) stop(sub *subscription) {
	c.mu.Lock()
	if c.subs[sub.queue] == sub {
		delete(c.subs, sub.queue)
	}
	c.mu.Unlock()

	sub.cancel()

	sub.mu.Lock()
	c.detach(sub)
	sub.mu.Unlock()
}

// work drains deliveries until the consumer is cancelled or the channel
// closes. Deliveries that arrive after a detach go back to the queue.
func (c *Consumer) work(sub *subscription, a *attachment, deliveries <-chan amqp.Delivery) {
	defer sub.workers.Done()

	for d := range deliveries {
		if a.stopped.Load() {
			if err := d.Nack(false, true); err != nil {
				c.logger.Debug("failed to requeue delivery", "queue", sub.queue, "error", err)
			}
			continue
		}
		c.handle(sub, d)
	}
}

func (c *Consumer) handle(sub *subscription, d amqp.Delivery) {
	if !json.Valid(d.Body) {
		c.logger.Warn("rejecting message with invalid payload",
			"queue", sub.queue,
			"messageId", d.MessageId)
		c.settle(sub, d, OutcomePoison, d.Reject(false))
		return
	}

	env := newEnvelope(sub.queue, d)
	ctx := telemetry.WithLogger(sub.ctx, c.logger.With("queue", sub.queue, "messageId", d.MessageId))
	err := sub.handler(ctx, env)
	switch {
	case err == nil:
		c.settle(sub, d, OutcomeAcked, d.Ack(false))

	case errors.Is(err, ErrPoisonMessage):
		c.logger.Warn("handler rejected poison message",
			"queue", sub.queue,
			"messageId", d.MessageId,
			"error", err)
		c.settle(sub, d, OutcomePoison, d.Reject(false))

	default:
		c.retry(sub, d, env, err)
	}
}

// retry reschedules a failed message through a delay queue, or parks it
// once the retry budget is spent
func (c *Consumer) retry(sub *subscription, d amqp.Delivery, env *Envelope, cause error) {
	next := env.RetryCount + 1

	if next > sub.opts.MaxRetries {
		c.logger.Error("message exceeded max retries, dead-lettering",
			"queue", sub.queue,
			"messageId", d.MessageId,
			"retryCount", env.RetryCount,
			"error", cause)
		c.settle(sub, d, OutcomeParked, d.Nack(false, false))
		return
	}

	delay := sub.opts.RetryBackoff.Delay(next)
	spec := c.topology.RetryQueueSpec(sub.queue, delay)
	if c.isBroken(spec.Name) {
		c.logger.Error("delay queue unusable, dead-lettering",
			"queue", sub.queue,
			"messageId", d.MessageId,
			"delayQueue", spec.Name,
			"retryCount", env.RetryCount,
			"error", cause)
		c.settle(sub, d, OutcomeParked, d.Nack(false, false))
		return
	}

	opts := PublishOptions{
		Priority:      d.Priority,
		CorrelationID: d.CorrelationId,
		MessageID:     d.MessageId,
		ContentType:   d.ContentType,
		Headers:       withRetryCount(d.Headers, next),
		Transient:     d.DeliveryMode == amqp.Transient,
	}

	if err := c.publisher.PublishTo(sub.ctx, spec, d.Body, opts); err != nil {
		if schedulingBroken(err) {
			if IsPreconditionFailed(err) {
				// the conflict closed the delivery's channel, so the nack
				// below may fail and the redelivered copy is parked instead
				c.markBroken(spec.Name)
			}
			c.logger.Error("failed to schedule retry permanently, dead-lettering",
				"queue", sub.queue,
				"messageId", d.MessageId,
				"delayQueue", spec.Name,
				"retryCount", env.RetryCount,
				"error", err)
			c.settle(sub, d, OutcomeParked, d.Nack(false, false))
			return
		}
		c.logger.Error("failed to schedule retry, requeueing",
			"queue", sub.queue,
			"messageId", d.MessageId,
			"error", err)
		c.settle(sub, d, OutcomeFailed, d.Nack(false, true))
		return
	}

	c.logger.Warn("message processing failed, retry scheduled",
		"queue", sub.queue,
		"messageId", d.MessageId,
		"retryCount", next,
		"delay", delay,
		"error", cause)
	c.settle(sub, d, OutcomeRetried, d.Ack(false))
}

func (c *Consumer) markBroken(name string) {
	c.brokenMu.Lock()
	defer c.brokenMu.Unlock()
	c.broken[name] = time.Now()
}

func (c *Consumer) isBroken(name string) bool {
	c.brokenMu.Lock()
	defer c.brokenMu.Unlock()

	since, ok := c.broken[name]
	if !ok {
		return false
	}
	if time.Since(since) > brokenDelayQueueHold {
		delete(c.broken, name)
		return false
	}
	return true
}

// schedulingBroken reports whether a failed retry publish will keep failing.
// Link loss and shutdown are transient; argument conflicts and an open
// breaker are not.
func schedulingBroken(err error) bool {
	var re *reliability.RetryError
	if errors.As(err, &re) {
		err = re.LastError
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrManagerClosed) {
		return false
	}
	return !IsRetryable(err)
}

func (c *Consumer) settle(sub *subscription, d amqp.Delivery, outcome string, err error) {
	if err != nil {
		c.logger.Error("failed to settle delivery",
			"queue", sub.queue,
			"messageId", d.MessageId,
			"outcome", outcome,
			"error", err)
		return
	}
	c.metrics.delivery(sub.queue, outcome)
}
