// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/glimte/mmate-relay/internal/config"
	"github.com/glimte/mmate-relay/internal/rabbitmq"
)

// Client wires the connection manager, topology, publisher and consumer
// from a single configuration.
type Client struct {
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *rabbitmq.Metrics
	conn      *rabbitmq.ConnectionManager
	topology  *rabbitmq.TopologyManager
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	inspector *rabbitmq.QueueInspector
	replayer  *rabbitmq.Replayer
}

// clientConfig holds client configuration
type clientConfig struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
	dialer     rabbitmq.Dialer
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithRegisterer sets the registry metrics are registered with
func WithRegisterer(reg prometheus.Registerer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.registerer = reg
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(d rabbitmq.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = d
	}
}

// NewClient builds a client from cfg. It does not contact the broker; call
// Start to connect. A nil cfg means config.Default, which fails validation
// until brokers are set.
func NewClient(cfg *config.Config, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cc := &clientConfig{
		logger:     slog.Default(),
		registerer: prometheus.DefaultRegisterer,
	}
	for _, opt := range options {
		opt(cc)
	}

	var metrics *rabbitmq.Metrics
	if cfg.Metrics.Enabled {
		metrics = rabbitmq.NewMetrics(cc.registerer)
	}

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(cc.logger),
		rabbitmq.WithMetrics(metrics),
		rabbitmq.WithMaxRetries(cfg.Connection.MaxRetries),
		rabbitmq.WithRetryBackoff(cfg.Connection.ConnectBackoff()),
		rabbitmq.WithChannelRetries(cfg.Connection.ChannelRetries, nil),
		rabbitmq.WithDialTimeout(cfg.Connection.DialTimeout),
	}
	if cfg.Connection.FailoverRate > 0 {
		limiter := rate.NewLimiter(rate.Limit(cfg.Connection.FailoverRate), cfg.Connection.FailoverBurst)
		connOpts = append(connOpts, rabbitmq.WithFailoverLimiter(limiter))
	}
	if cc.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(cc.dialer))
	}
	conn := rabbitmq.NewConnectionManager(rabbitmq.Nodes(cfg.Brokers...), connOpts...)

	topology := rabbitmq.NewTopologyManager(conn,
		rabbitmq.WithTopologyLogger(cc.logger),
		rabbitmq.WithDeadLetterExchange(cfg.Topology.DeadLetterExchange),
		rabbitmq.WithQueueType(rabbitmq.QueueType(cfg.Topology.QueueType), cfg.Topology.QuorumGroupSize),
	)

	// configured queues are declared on every connect, before any subscribe
	for _, queue := range cfg.Consumer.Queues {
		if err := topology.Register(topology.DefaultSpec(queue)); err != nil {
			return nil, err
		}
	}

	pubOpts := []rabbitmq.PublisherOption{
		rabbitmq.WithPublisherLogger(cc.logger),
		rabbitmq.WithPublisherMetrics(metrics),
		rabbitmq.WithConfirmTimeout(cfg.Publisher.ConfirmTimeout),
		rabbitmq.WithPublishRetries(cfg.Publisher.MaxRetries, cfg.Publisher.RetryDelay),
	}
	if cfg.Publisher.BreakerFailures > 0 {
		pubOpts = append(pubOpts, rabbitmq.WithCircuitBreaker(cfg.Publisher.BreakerFailures, cfg.Publisher.BreakerTimeout))
	}
	publisher := rabbitmq.NewPublisher(conn, topology, pubOpts...)

	consumer := rabbitmq.NewConsumer(conn, topology, publisher,
		rabbitmq.WithConsumerLogger(cc.logger),
		rabbitmq.WithConsumerMetrics(metrics),
		rabbitmq.WithConsumeDefaults(rabbitmq.ConsumeOptions{
			Prefetch:     cfg.Consumer.Prefetch,
			MaxRetries:   cfg.Consumer.MaxRetries,
			RetryBackoff: cfg.Consumer.RetryBackoff(),
		}),
	)

	// Topology must be restored before consumers re-attach
	conn.AddLinkListener(topology)
	conn.AddLinkListener(consumer)

	return &Client{
		cfg:       cfg,
		logger:    cc.logger,
		metrics:   metrics,
		conn:      conn,
		topology:  topology,
		publisher: publisher,
		consumer:  consumer,
		inspector: rabbitmq.NewQueueInspector(conn),
		replayer:  rabbitmq.NewReplayer(conn, topology, publisher, cc.logger, metrics),
	}, nil
}

// Start connects to the first reachable broker node
func (c *Client) Start(ctx context.Context) error {
	if err := c.conn.Connect(ctx); err != nil {
		return err
	}
	idx, node := c.conn.CurrentNode()
	c.logger.Info("relay client started", "node", node.String(), "index", idx, "nodes", len(c.cfg.Brokers))
	return nil
}

// Publish sends payload to queue with publisher confirms
func (c *Client) Publish(ctx context.Context, queue string, payload any, opts rabbitmq.PublishOptions) error {
	return c.publisher.SendMessage(ctx, queue, payload, opts)
}

// Subscribe runs handler on queue with the configured consumer defaults
func (c *Client) Subscribe(ctx context.Context, queue string, handler rabbitmq.Handler) error {
	return c.consumer.RunConsumer(ctx, queue, handler, rabbitmq.ConsumeOptions{})
}

// ReplayParked moves up to limit parked messages of queue back onto it.
// A limit of 0 moves everything currently parked.
func (c *Client) ReplayParked(ctx context.Context, queue string, limit int) (int, error) {
	return c.replayer.Replay(ctx, queue, limit)
}

// Config returns the configuration the client was built from
func (c *Client) Config() *config.Config {
	return c.cfg
}

// Connection returns the connection manager
func (c *Client) Connection() *rabbitmq.ConnectionManager {
	return c.conn
}

// Topology returns the topology manager
func (c *Client) Topology() *rabbitmq.TopologyManager {
	return c.topology
}

// Publisher returns the publisher
func (c *Client) Publisher() *rabbitmq.Publisher {
	return c.publisher
}

// Consumer returns the consumer runtime
func (c *Client) Consumer() *rabbitmq.Consumer {
	return c.consumer
}

// Inspector returns the queue inspector
func (c *Client) Inspector() *rabbitmq.QueueInspector {
	return c.inspector
}

// Metrics returns the collectors, or nil when metrics are disabled
func (c *Client) Metrics() *rabbitmq.Metrics {
	return c.metrics
}

// Close stops all subscriptions and closes the connection
func (c *Client) Close() error {
	return multierr.Combine(
		c.consumer.Close(),
		c.conn.Close(),
	)
}
