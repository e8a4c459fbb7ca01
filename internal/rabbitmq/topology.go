package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueType selects the broker queue implementation
type QueueType string

const (
	QueueTypeClassic QueueType = "classic"
	QueueTypeQuorum  QueueType = "quorum"
)

const (
	// DefaultDeadLetterExchange receives messages rejected or expired out of
	// primary queues
	DefaultDeadLetterExchange = "dlx"

	parkingSuffix = ".dlq"
)

// QueueSpec describes a queue and its arguments. Queue arguments are
// immutable once the broker has the queue.
type QueueSpec struct {
	Name                 string
	Durable              bool
	Type                 QueueType
	QuorumGroupSize      int
	DeadLetterExchange   string
	DeadLetterRoutingKey string
	MessageTTL           time.Duration
	// NoDeadLetter leaves the dead-letter arguments out entirely
	NoDeadLetter bool
}

// Arguments returns the x-arguments for the queue declaration
func (s QueueSpec) Arguments() amqp.Table {
	args := amqp.Table{}

	if s.Type != "" {
		args["x-queue-type"] = string(s.Type)
	}
	if s.Type == QueueTypeQuorum && s.QuorumGroupSize > 0 {
		args["x-quorum-initial-group-size"] = s.QuorumGroupSize
	}
	if !s.NoDeadLetter {
		// an empty exchange is the default exchange, which is meaningful
		args["x-dead-letter-exchange"] = s.DeadLetterExchange
		if s.DeadLetterRoutingKey != "" {
			args["x-dead-letter-routing-key"] = s.DeadLetterRoutingKey
		}
	}
	if s.MessageTTL > 0 {
		args["x-message-ttl"] = s.MessageTTL.Milliseconds()
	}

	if len(args) == 0 {
		return nil
	}
	return args
}

// Validate checks the spec for combinations the broker would refuse
func (s QueueSpec) Validate() error {
	switch {
	case s.Name == "":
		return fmt.Errorf("%w: queue name is required", ErrInvalidTopology)
	case s.Type != "" && s.Type != QueueTypeClassic && s.Type != QueueTypeQuorum:
		return fmt.Errorf("%w: unknown queue type %q", ErrInvalidTopology, s.Type)
	case s.Type == QueueTypeQuorum && !s.Durable:
		return fmt.Errorf("%w: quorum queue %s must be durable", ErrInvalidTopology, s.Name)
	case s.QuorumGroupSize < 0:
		return fmt.Errorf("%w: negative quorum group size", ErrInvalidTopology)
	}
	return nil
}

// parksMessages reports whether dead-lettered messages land in a parking
// queue this manager owns
func (s QueueSpec) parksMessages() bool {
	return !s.NoDeadLetter && s.DeadLetterExchange != "" && s.DeadLetterRoutingKey != ""
}

// ParkingQueueName returns the parking queue for a primary queue
func ParkingQueueName(queue string) string {
	return queue + parkingSuffix
}

// RetryQueueName returns the delay queue for a primary queue and delay
func RetryQueueName(queue string, delay time.Duration) string {
	return fmt.Sprintf("%s.retry.%dms", queue, delay.Milliseconds())
}

type channelSource interface {
	ChannelWithGeneration() (Channel, uint64, error)
	Generation() uint64
}

// TopologyManager declares queues idempotently and re-declares the
// registered ones after every link-up.
type TopologyManager struct {
	source             channelSource
	logger             *slog.Logger
	deadLetterExchange string
	queueType          QueueType
	quorumGroupSize    int

	mu         sync.Mutex
	gen        uint64
	declared   map[string]bool
	exchanges  map[string]bool
	registered map[string]QueueSpec
	order      []string
}

// TopologyOption configures the TopologyManager
type TopologyOption func(*TopologyManager)

// WithTopologyLogger sets the logger
func WithTopologyLogger(logger *slog.Logger) TopologyOption {
	return func(tm *TopologyManager) {
		tm.logger = logger
	}
}

// WithDeadLetterExchange sets the exchange default specs dead-letter to
func WithDeadLetterExchange(name string) TopologyOption {
	return func(tm *TopologyManager) {
		tm.deadLetterExchange = name
	}
}

// WithQueueType sets the queue type of default specs
func WithQueueType(t QueueType, quorumGroupSize int) TopologyOption {
	return func(tm *TopologyManager) {
		tm.queueType = t
		tm.quorumGroupSize = quorumGroupSize
	}
}

// NewTopologyManager creates a topology manager on top of the connection
func NewTopologyManager(cm *ConnectionManager, options ...TopologyOption) *TopologyManager {
	return newTopologyManager(cm, options...)
}

func newTopologyManager(source channelSource, options ...TopologyOption) *TopologyManager {
	tm := &TopologyManager{
		source:             source,
		logger:             slog.Default(),
		deadLetterExchange: DefaultDeadLetterExchange,
		queueType:          QueueTypeClassic,
		declared:           make(map[string]bool),
		exchanges:          make(map[string]bool),
		registered:         make(map[string]QueueSpec),
	}

	for _, opt := range options {
		opt(tm)
	}
	return tm
}

// DefaultSpec returns the spec used for a queue nobody registered
func (tm *TopologyManager) DefaultSpec(name string) QueueSpec {
	return QueueSpec{
		Name:                 name,
		Durable:              true,
		Type:                 tm.queueType,
		QuorumGroupSize:      tm.quorumGroupSize,
		DeadLetterExchange:   tm.deadLetterExchange,
		DeadLetterRoutingKey: ParkingQueueName(name),
	}
}

// RetryQueueSpec returns the delay queue for queue. Messages expire after
// delay and dead-letter back to queue through the default exchange.
func (tm *TopologyManager) RetryQueueSpec(queue string, delay time.Duration) QueueSpec {
	return QueueSpec{
		Name:                 RetryQueueName(queue, delay),
		Durable:              true,
		Type:                 QueueTypeClassic,
		DeadLetterExchange:   "",
		DeadLetterRoutingKey: queue,
		MessageTTL:           delay,
	}
}

// Register adds a spec that must exist after every link-up
func (tm *TopologyManager) Register(spec QueueSpec) error {
	if err := spec.Validate(); err != nil {
		return &TopologyError{Component: "queue", Name: spec.Name, Op: "register", Err: err, Timestamp: time.Now()}
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	if _, ok := tm.registered[spec.Name]; !ok {
		tm.order = append(tm.order, spec.Name)
	}
	tm.registered[spec.Name] = spec
	return nil
}

// Lookup returns the registered spec for name, or the default spec
func (tm *TopologyManager) Lookup(name string) QueueSpec {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if spec, ok := tm.registered[name]; ok {
		return spec
	}
	return tm.DefaultSpec(name)
}

// Declare makes sure the queue described by spec exists. Declaring an
// identical spec again is a no-op; a spec that conflicts with the existing
// queue fails with a precondition error and closes the channel.
func (tm *TopologyManager) Declare(ctx context.Context, spec QueueSpec) error {
	if err := spec.Validate(); err != nil {
		return &TopologyError{Component: "queue", Name: spec.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ch, gen, err := tm.source.ChannelWithGeneration()
	if err != nil {
		return &TopologyError{Component: "queue", Name: spec.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.declareLocked(ch, gen, spec)
}

// DeclareOn declares spec on a channel the caller already borrowed
func (tm *TopologyManager) DeclareOn(ch Channel, gen uint64, spec QueueSpec) error {
	if err := spec.Validate(); err != nil {
		return &TopologyError{Component: "queue", Name: spec.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.declareLocked(ch, gen, spec)
}

// IsDeclared reports whether the queue was declared on the current channel
func (tm *TopologyManager) IsDeclared(name string) bool {
	gen := tm.source.Generation()

	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.gen == gen && tm.declared[name]
}

// OnLinkUp re-declares every registered spec on the new channel. A spec
// the broker refuses with a precondition failure is dropped so it cannot
// cause another channel recreation.
func (tm *TopologyManager) OnLinkUp(ctx context.Context, ch Channel) error {
	gen := tm.source.Generation()

	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.reset(gen)
	for _, name := range append([]string(nil), tm.order...) {
		if err := ctx.Err(); err != nil {
			return err
		}

		spec := tm.registered[name]
		err := tm.declareLocked(ch, gen, spec)
		if err == nil {
			continue
		}
		if IsPreconditionFailed(err) {
			tm.logger.Error("queue arguments conflict with existing queue, not re-declaring",
				"queue", spec.Name,
				"error", err)
			tm.unregisterLocked(name)
		}
		// the channel is unusable after a declare failure
		return err
	}

	if len(tm.order) > 0 {
		tm.logger.Info("topology re-declared", "queues", len(tm.order))
	}
	return nil
}

func (tm *TopologyManager) declareLocked(ch Channel, gen uint64, spec QueueSpec) error {
	switch {
	case gen < tm.gen:
		// a channel that was already replaced must not touch the newer cache
		return tm.declare(ch, spec, make(map[string]bool), make(map[string]bool))
	case gen > tm.gen:
		tm.reset(gen)
	}
	return tm.declare(ch, spec, tm.declared, tm.exchanges)
}

// declare issues the declarations for spec that are not in declared and
// exchanges yet, and records what succeeded there
func (tm *TopologyManager) declare(ch Channel, spec QueueSpec, declared, exchanges map[string]bool) error {
	if declared[spec.Name] {
		return nil
	}

	if spec.parksMessages() {
		if err := tm.declareDeadLetter(ch, spec, declared, exchanges); err != nil {
			return err
		}
	}

	_, err := ch.QueueDeclare(
		spec.Name,
		spec.Durable,
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		spec.Arguments(),
	)
	if err != nil {
		return &TopologyError{Component: "queue", Name: spec.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}

	declared[spec.Name] = true
	tm.logger.Debug("queue declared", "queue", spec.Name, "type", spec.Type)
	return nil
}

// declareDeadLetter declares the dead-letter exchange and binds the
// parking queue to it
func (tm *TopologyManager) declareDeadLetter(ch Channel, spec QueueSpec, declared, exchanges map[string]bool) error {
	exchange := spec.DeadLetterExchange
	if !exchanges[exchange] {
		err := ch.ExchangeDeclare(
			exchange,
			"direct",
			true,  // durable
			false, // auto-delete
			false, // internal
			false, // no-wait
			nil,
		)
		if err != nil {
			return &TopologyError{Component: "exchange", Name: exchange, Op: "declare", Err: err, Timestamp: time.Now()}
		}
		exchanges[exchange] = true
	}

	parking := spec.DeadLetterRoutingKey
	if declared[parking] {
		return nil
	}

	parkingType := spec.Type
	if parkingType == "" {
		parkingType = QueueTypeClassic
	}
	parkingSpec := QueueSpec{
		Name:            parking,
		Durable:         true,
		Type:            parkingType,
		QuorumGroupSize: spec.QuorumGroupSize,
		NoDeadLetter:    true,
	}
	if _, err := ch.QueueDeclare(parking, true, false, false, false, parkingSpec.Arguments()); err != nil {
		return &TopologyError{Component: "queue", Name: parking, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	if err := ch.QueueBind(parking, parking, exchange, false, nil); err != nil {
		return &TopologyError{Component: "binding", Name: parking, Op: "bind", Err: err, Timestamp: time.Now()}
	}

	declared[parking] = true
	return nil
}

func (tm *TopologyManager) reset(gen uint64) {
	tm.gen = gen
	tm.declared = make(map[string]bool)
	tm.exchanges = make(map[string]bool)
}

func (tm *TopologyManager) unregisterLocked(name string) {
	delete(tm.registered, name)
	for i, n := range tm.order {
		if n == name {
			tm.order = append(tm.order[:i], tm.order[i+1:]...)
			break
		}
	}
}
