package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeBroker is an in-memory cluster: every node shares the same queues.
// Messages published to a queue with a TTL expire immediately.
type fakeBroker struct {
	mu        sync.Mutex
	queues    map[string]*fakeQueue
	exchanges map[string]string
	bindings  map[string]map[string]string
	refuse    map[string]bool
	dials     []string
	conns     []*fakeConnection
	nextTag   uint64

	failChannels bool
	nackConfirms bool
	published    map[string]int
	deadLetters  map[string]int
	acks         map[string]int
	rejects      map[string]int
}

type fakeQueue struct {
	name      string
	durable   bool
	args      amqp.Table
	messages  []fakeMessage
	consumers []*fakeConsumer
}

type fakeMessage struct {
	msg         amqp.Publishing
	routingKey  string
	redelivered bool
}

type fakeConsumer struct {
	tag        string
	ch         *fakeChannel
	queue      string
	prefetch   int
	unacked    int
	deliveries chan amqp.Delivery
}

type inflight struct {
	queue    string
	consumer *fakeConsumer
	message  fakeMessage
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		queues:      make(map[string]*fakeQueue),
		exchanges:   make(map[string]string),
		bindings:    make(map[string]map[string]string),
		refuse:      make(map[string]bool),
		published:   make(map[string]int),
		deadLetters: make(map[string]int),
		acks:        make(map[string]int),
		rejects:     make(map[string]int),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (b *fakeBroker) Refuse(url string, refuse bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refuse[url] = refuse
}

func (b *fakeBroker) Dials() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.dials...)
}

func (b *fakeBroker) FailChannels(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failChannels = fail
}

// SeedQueue creates a queue as if another client declared it earlier
func (b *fakeBroker) SeedQueue(name string, args amqp.Table) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[name] = &fakeQueue{name: name, durable: true, args: args}
}

func (b *fakeBroker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

func (b *fakeBroker) QueueArgs(name string) amqp.Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.args
	}
	return nil
}

func (b *fakeBroker) Depth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.messages)
	}
	return 0
}

func (b *fakeBroker) Messages(name string) []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []amqp.Publishing
	if q, ok := b.queues[name]; ok {
		for _, m := range q.messages {
			out = append(out, m.msg)
		}
	}
	return out
}

func (b *fakeBroker) Consumers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

func (b *fakeBroker) Count(m map[string]int, queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return m[queue]
}

// LastConnection returns the most recently opened connection
func (b *fakeBroker) LastConnection() *fakeConnection {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

// Dial implements Dialer
func (b *fakeBroker) Dial(ctx context.Context, url string) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials = append(b.dials, url)
	if b.refuse[url] {
		return nil, fmt.Errorf("dial tcp %s: connection refused", url)
	}

	conn := &fakeConnection{broker: b, url: url}
	b.conns = append(b.conns, conn)
	return conn, nil
}

// publishLocked routes through the default exchange or a direct exchange
func (b *fakeBroker) publishLocked(exchange, key string, m fakeMessage) {
	queue := key
	if exchange != "" {
		q, ok := b.bindings[exchange][key]
		if !ok {
			return
		}
		queue = q
	}

	q, ok := b.queues[queue]
	if !ok {
		return
	}
	b.published[queue]++
	m.routingKey = key

	if _, hasTTL := q.args["x-message-ttl"]; hasTTL {
		b.deadLetterLocked(q, m)
		return
	}

	q.messages = append(q.messages, m)
	b.dispatchLocked(q)
}

func (b *fakeBroker) deadLetterLocked(q *fakeQueue, m fakeMessage) {
	exchange, ok := q.args["x-dead-letter-exchange"].(string)
	if !ok {
		return
	}
	key := m.routingKey
	if rk, ok := q.args["x-dead-letter-routing-key"].(string); ok && rk != "" {
		key = rk
	}

	b.deadLetters[q.name]++
	m.redelivered = false
	b.publishLocked(exchange, key, m)
}

func (b *fakeBroker) requeueLocked(queue string, m fakeMessage) {
	q, ok := b.queues[queue]
	if !ok {
		return
	}
	m.redelivered = true
	q.messages = append([]fakeMessage{m}, q.messages...)
	b.dispatchLocked(q)
}

func (b *fakeBroker) dispatchLocked(q *fakeQueue) {
	for len(q.messages) > 0 {
		var target *fakeConsumer
		for _, c := range q.consumers {
			if c.prefetch == 0 || c.unacked < c.prefetch {
				target = c
				break
			}
		}
		if target == nil {
			return
		}

		m := q.messages[0]
		q.messages = q.messages[1:]

		b.nextTag++
		tag := b.nextTag
		target.unacked++
		target.ch.unacked[tag] = &inflight{queue: q.name, consumer: target, message: m}

		target.deliveries <- amqp.Delivery{
			Acknowledger:  target.ch,
			Headers:       m.msg.Headers,
			ContentType:   m.msg.ContentType,
			DeliveryMode:  m.msg.DeliveryMode,
			Priority:      m.msg.Priority,
			CorrelationId: m.msg.CorrelationId,
			MessageId:     m.msg.MessageId,
			Timestamp:     m.msg.Timestamp,
			ConsumerTag:   target.tag,
			DeliveryTag:   tag,
			Redelivered:   m.redelivered,
			RoutingKey:    m.routingKey,
			Body:          m.msg.Body,
		}
	}
}

type fakeConnection struct {
	broker   *fakeBroker
	url      string
	closed   bool
	notify   []chan *amqp.Error
	channels []*fakeChannel
}

func (c *fakeConnection) Channel() (Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	if b.failChannels {
		return nil, &amqp.Error{Code: amqp.ChannelError, Reason: "CHANNEL_ERROR - no free channels"}
	}

	ch := &fakeChannel{broker: b, conn: c, unacked: make(map[uint64]*inflight)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *fakeConnection) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	c.closeLocked(nil)
	return nil
}

// Break simulates the broker dropping the connection
func (c *fakeConnection) Break(err *amqp.Error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if !c.closed {
		c.closeLocked(err)
	}
}

// CurrentChannel returns the newest open channel
func (c *fakeConnection) CurrentChannel() *fakeChannel {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	for i := len(c.channels) - 1; i >= 0; i-- {
		if !c.channels[i].closed {
			return c.channels[i]
		}
	}
	return nil
}

func (c *fakeConnection) closeLocked(err *amqp.Error) {
	c.closed = true
	for _, ch := range c.channels {
		if !ch.closed {
			ch.closeLocked(err)
		}
	}
	for _, n := range c.notify {
		if err != nil {
			n <- err
		}
		close(n)
	}
	c.notify = nil
}

type fakeChannel struct {
	broker        *fakeBroker
	conn          *fakeConnection
	closed        bool
	confirm       bool
	prefetch      int
	notify        []chan *amqp.Error
	cancelNotify  []chan string
	consumers     map[string]*fakeConsumer
	unacked       map[uint64]*inflight
	publishCalls  int
	declareCalls  int
	exchangeCalls int
}

func (ch *fakeChannel) Confirm(noWait bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirm = true
	return nil
}

func (ch *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.exchangeCalls++
	if existing, ok := b.exchanges[name]; ok && existing != kind {
		err := &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent arg 'type' for exchange '" + name + "'"}
		ch.closeLocked(err)
		return err
	}
	b.exchanges[name] = kind
	return nil
}

func (ch *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	ch.declareCalls++

	if q, ok := b.queues[name]; ok {
		if q.durable != durable || !reflect.DeepEqual(normalizeArgs(q.args), normalizeArgs(args)) {
			err := &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent arg for queue '" + name + "'"}
			ch.closeLocked(err)
			return amqp.Queue{}, err
		}
		return amqp.Queue{Name: name, Messages: len(q.messages), Consumers: len(q.consumers)}, nil
	}

	b.queues[name] = &fakeQueue{name: name, durable: durable, args: args}
	return amqp.Queue{Name: name}, nil
}

func (ch *fakeChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		err := &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + name + "'"}
		ch.closeLocked(err)
		return amqp.Queue{}, err
	}
	return amqp.Queue{Name: name, Messages: len(q.messages), Consumers: len(q.consumers)}, nil
}

func (ch *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if b.bindings[exchange] == nil {
		b.bindings[exchange] = make(map[string]string)
	}
	b.bindings[exchange][key] = name
	return nil
}

func (ch *fakeChannel) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	ch.publishCalls++
	b.publishLocked(exchange, key, fakeMessage{msg: msg})
	return fakeConfirmation(!b.nackConfirms), nil
}

func (ch *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[queue]
	if !ok {
		err := &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + queue + "'"}
		ch.closeLocked(err)
		return nil, err
	}
	if ch.consumers == nil {
		ch.consumers = make(map[string]*fakeConsumer)
	}
	if _, exists := ch.consumers[consumer]; exists {
		err := &amqp.Error{Code: amqp.NotAllowed, Reason: "NOT_ALLOWED - attempt to reuse consumer tag '" + consumer + "'"}
		ch.closeLocked(err)
		return nil, err
	}

	c := &fakeConsumer{
		tag:        consumer,
		ch:         ch,
		queue:      queue,
		prefetch:   ch.prefetch,
		deliveries: make(chan amqp.Delivery, 1024),
	}
	ch.consumers[consumer] = c
	q.consumers = append(q.consumers, c)
	b.dispatchLocked(q)
	return c.deliveries, nil
}

func (ch *fakeChannel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Delivery{}, false, amqp.ErrClosed
	}
	q, ok := b.queues[queue]
	if !ok {
		err := &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + queue + "'"}
		ch.closeLocked(err)
		return amqp.Delivery{}, false, err
	}
	if len(q.messages) == 0 {
		return amqp.Delivery{}, false, nil
	}

	m := q.messages[0]
	q.messages = q.messages[1:]
	b.nextTag++
	tag := b.nextTag
	if !autoAck {
		ch.unacked[tag] = &inflight{queue: q.name, message: m}
	}

	return amqp.Delivery{
		Acknowledger:  ch,
		Headers:       m.msg.Headers,
		ContentType:   m.msg.ContentType,
		DeliveryMode:  m.msg.DeliveryMode,
		Priority:      m.msg.Priority,
		CorrelationId: m.msg.CorrelationId,
		MessageId:     m.msg.MessageId,
		Timestamp:     m.msg.Timestamp,
		DeliveryTag:   tag,
		Redelivered:   m.redelivered,
		RoutingKey:    m.routingKey,
		Body:          m.msg.Body,
	}, true, nil
}

func (ch *fakeChannel) Cancel(consumer string, noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	c, ok := ch.consumers[consumer]
	if !ok {
		return nil
	}
	ch.removeConsumerLocked(c)
	return nil
}

func (ch *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

func (ch *fakeChannel) NotifyCancel(receiver chan string) chan string {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.cancelNotify = append(ch.cancelNotify, receiver)
	return receiver
}

func (ch *fakeChannel) IsClosed() bool {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.closed
}

func (ch *fakeChannel) Close() error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked(nil)
	return nil
}

// Break simulates a channel exception raised by the broker
func (ch *fakeChannel) Break(err *amqp.Error) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if !ch.closed {
		ch.closeLocked(err)
	}
}

func (ch *fakeChannel) closeLocked(err *amqp.Error) {
	b := ch.broker
	ch.closed = true

	for _, c := range ch.consumers {
		ch.removeConsumerLocked(c)
	}
	for tag, in := range ch.unacked {
		delete(ch.unacked, tag)
		b.requeueLocked(in.queue, in.message)
	}
	for _, n := range ch.notify {
		if err != nil {
			n <- err
		}
		close(n)
	}
	ch.notify = nil
	for _, n := range ch.cancelNotify {
		close(n)
	}
	ch.cancelNotify = nil
}

func (ch *fakeChannel) removeConsumerLocked(c *fakeConsumer) {
	delete(ch.consumers, c.tag)
	if q, ok := ch.broker.queues[c.queue]; ok {
		for i, existing := range q.consumers {
			if existing == c {
				q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
				break
			}
		}
	}
	close(c.deliveries)
}

// Ack implements amqp.Acknowledger
func (ch *fakeChannel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, func(b *fakeBroker, in *inflight) {
		b.acks[in.queue]++
	})
}

// Nack implements amqp.Acknowledger
func (ch *fakeChannel) Nack(tag uint64, multiple bool, requeue bool) error {
	return ch.settle(tag, func(b *fakeBroker, in *inflight) {
		if requeue {
			b.requeueLocked(in.queue, in.message)
			return
		}
		b.rejects[in.queue]++
		if q, ok := b.queues[in.queue]; ok {
			b.deadLetterLocked(q, in.message)
		}
	})
}

// Reject implements amqp.Acknowledger
func (ch *fakeChannel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *fakeChannel) settle(tag uint64, fn func(b *fakeBroker, in *inflight)) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	in, ok := ch.unacked[tag]
	if !ok {
		return errors.New("unknown delivery tag")
	}
	delete(ch.unacked, tag)
	if in.consumer != nil {
		in.consumer.unacked--
	}

	fn(b, in)
	if q, ok := b.queues[in.queue]; ok {
		b.dispatchLocked(q)
	}
	return nil
}

type fakeConfirmation bool

func (c fakeConfirmation) WaitContext(ctx context.Context) (bool, error) {
	return bool(c), nil
}

// normalizeArgs makes integer argument types comparable
func normalizeArgs(args amqp.Table) map[string]interface{} {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		switch n := v.(type) {
		case int:
			out[k] = int64(n)
		case int32:
			out[k] = int64(n)
		default:
			out[k] = v
		}
	}
	return out
}
