package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// BrokerNode is one candidate broker endpoint.
type BrokerNode struct {
	URL string
}

// String returns the node URL with credentials masked
func (n BrokerNode) String() string {
	return SanitizeURL(n.URL)
}

// Nodes builds a node list from connection URLs
func Nodes(urls ...string) []BrokerNode {
	nodes := make([]BrokerNode, 0, len(urls))
	for _, u := range urls {
		nodes = append(nodes, BrokerNode{URL: u})
	}
	return nodes
}

// Dialer opens connections to broker nodes
type Dialer interface {
	Dial(ctx context.Context, url string) (Connection, error)
}

// Connection is the subset of an AMQP connection the core uses
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Confirmation is a pending publisher confirm
type Confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// Channel is the subset of an AMQP channel the core uses.
// Handles are borrowed per operation and may go stale at any time.
type Channel interface {
	Confirm(noWait bool) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Cancel(consumer string, noWait bool) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	NotifyCancel(receiver chan string) chan string
	IsClosed() bool
	Close() error
}

// AMQPDialer dials real brokers with amqp091-go
type AMQPDialer struct {
	Config amqp.Config
}

// NewAMQPDialer returns a dialer with amqp091-go's usual defaults
func NewAMQPDialer() AMQPDialer {
	return AMQPDialer{
		Config: amqp.Config{
			Heartbeat: 10 * time.Second,
			Locale:    "en_US",
		},
	}
}

// Dial implements Dialer. The context bounds the TCP dial and handshake.
func (d AMQPDialer) Dial(ctx context.Context, url string) (Connection, error) {
	cfg := d.Config
	if deadline, ok := ctx.Deadline(); ok && cfg.Dial == nil {
		cfg.Dial = amqp.DefaultDial(time.Until(deadline))
	}

	type result struct {
		conn *amqp.Connection
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := amqp.DialConfig(url, cfg)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return &amqpConnection{conn: r.conn}, nil
	case <-ctx.Done():
		// close whatever the dial eventually produces
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &amqpChannel{Channel: ch}, nil
}

func (c *amqpConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c *amqpConnection) IsClosed() bool {
	return c.conn.IsClosed()
}

func (c *amqpConnection) Close() error {
	return c.conn.Close()
}

type amqpChannel struct {
	*amqp.Channel
}

func (c *amqpChannel) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error) {
	dc, err := c.Channel.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return nil, err
	}
	if dc == nil {
		// channel is not in confirm mode
		return settled(true), nil
	}
	return dc, nil
}

type settled bool

func (s settled) WaitContext(context.Context) (bool, error) {
	return bool(s), nil
}
