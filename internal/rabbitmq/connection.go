package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/glimte/mmate-relay/internal/reliability"
)

// State is the connection manager's view of the broker link
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateDegraded means the connection is alive but the channel is being replaced
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// LinkListener is notified every time a fresh channel becomes active, after
// a connect, a failover or a channel recreation. Listeners run in
// registration order and must not hold the channel beyond their own calls.
type LinkListener interface {
	OnLinkUp(ctx context.Context, ch Channel) error
}

// LinkListenerFunc adapts a function to LinkListener
type LinkListenerFunc func(ctx context.Context, ch Channel) error

func (f LinkListenerFunc) OnLinkUp(ctx context.Context, ch Channel) error {
	return f(ctx, ch)
}

// Stats is a snapshot of failover activity
type Stats struct {
	State              State
	Node               int
	Switches           int64
	ConnectAttempts    int64
	ChannelRecreations int64
}

type faultKind int

const (
	connectionFault faultKind = iota
	channelFault
)

type fault struct {
	kind faultKind
	gen  uint64
	err  *amqp.Error
}

type link struct {
	node int
	conn Connection
	ch   Channel
}

// ConnectionManager owns the broker connection and its confirm channel,
// failing over between nodes and replacing faulted channels.
type ConnectionManager struct {
	nodes          []BrokerNode
	dialer         Dialer
	logger         *slog.Logger
	metrics        *Metrics
	clock          clock.Clock
	maxRetries     int
	retryBackoff   reliability.Backoff
	channelRetries int
	channelBackoff reliability.Backoff
	dialTimeout    time.Duration
	limiter        *rate.Limiter

	// lifecycle serialises connect, failover and channel recreation;
	// it is the single writer of link and selector.
	lifecycle sync.Mutex
	selector  *nodeSelector

	mu      sync.RWMutex
	link    *link
	connGen uint64
	chanGen uint64

	state atomic.Int32

	listenersMu sync.RWMutex
	listeners   []LinkListener

	faults         chan fault
	ctx            context.Context
	cancel         context.CancelFunc
	done           chan struct{}
	supervisorOnce sync.Once
	closed         atomic.Bool

	switches        atomic.Int64
	connectAttempts atomic.Int64
	recreations     atomic.Int64
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(d Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialer = d
	}
}

// WithMaxRetries sets the number of connect attempts per failover cycle
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithRetryBackoff sets the delay policy between connect attempts
func WithRetryBackoff(b reliability.Backoff) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.retryBackoff = b
	}
}

// WithChannelRetries sets the channel recreation budget, independent of the
// connection budget
func WithChannelRetries(retries int, b reliability.Backoff) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.channelRetries = retries
		if b != nil {
			cm.channelBackoff = b
		}
	}
}

// WithDialTimeout bounds a single dial
func WithDialTimeout(d time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = d
	}
}

// WithMetrics sets the metrics collectors
func WithMetrics(m *Metrics) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.metrics = m
	}
}

// WithClock sets the clock used for retry delays
func WithClock(c clock.Clock) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.clock = c
	}
}

// WithFailoverLimiter throttles how often failover cycles may start
func WithFailoverLimiter(l *rate.Limiter) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.limiter = l
	}
}

// NewConnectionManager creates a manager for the given ordered node list
func NewConnectionManager(nodes []BrokerNode, options ...ConnectionOption) *ConnectionManager {
	ctx, cancel := context.WithCancel(context.Background())

	cm := &ConnectionManager{
		nodes:          append([]BrokerNode(nil), nodes...),
		dialer:         NewAMQPDialer(),
		logger:         slog.Default(),
		clock:          clock.New(),
		maxRetries:     5,
		retryBackoff:   reliability.ConstantBackoff{Interval: 5 * time.Second},
		channelRetries: 3,
		channelBackoff: reliability.NewExponentialBackoff(500*time.Millisecond, 5*time.Second, 2),
		dialTimeout:    30 * time.Second,
		selector:       newNodeSelector(len(nodes)),
		faults:         make(chan fault, 16),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	cm.state.Store(int32(StateDisconnected))
	return cm
}

// Connect establishes the link, failing over to other nodes when the current
// one is unreachable.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	if cm.closed.Load() {
		return ErrManagerClosed
	}
	if len(cm.nodes) == 0 {
		return ErrNoNodes
	}
	cm.supervisorOnce.Do(func() { go cm.supervise() })

	ctx, release := cm.bind(ctx)
	defer release()

	cm.lifecycle.Lock()
	defer cm.lifecycle.Unlock()

	if cm.State() == StateConnected {
		return nil
	}

	err := cm.connect(ctx)
	if err == nil {
		return nil
	}
	cm.logger.Error("RabbitMQ connection error", "node", cm.nodeName(cm.selector.Current()), "error", err)
	return cm.switchConnection(ctx, err)
}

// Reconnect starts a new failover cycle unless the link is already up.
// It is the external retrigger after a cycle exhausted its retries.
func (cm *ConnectionManager) Reconnect(ctx context.Context) error {
	if cm.closed.Load() {
		return ErrManagerClosed
	}
	cm.supervisorOnce.Do(func() { go cm.supervise() })

	ctx, release := cm.bind(ctx)
	defer release()

	cm.lifecycle.Lock()
	defer cm.lifecycle.Unlock()

	if cm.State() == StateConnected {
		return nil
	}
	return cm.switchConnection(ctx, nil)
}

// RecreateChannel replaces the channel if it is still the one of generation
// gen. Callers that saw a channel fault pass the generation they used so
// concurrent callers recreate it only once.
func (cm *ConnectionManager) RecreateChannel(ctx context.Context, gen uint64) error {
	if cm.closed.Load() {
		return ErrManagerClosed
	}

	ctx, release := cm.bind(ctx)
	defer release()

	cm.lifecycle.Lock()
	defer cm.lifecycle.Unlock()

	if cm.Generation() != gen {
		return nil
	}
	return cm.recreateChannel(ctx)
}

// Channel returns the active channel. Callers must not keep it beyond a
// single operation.
func (cm *ConnectionManager) Channel() (Channel, error) {
	ch, _, err := cm.ChannelWithGeneration()
	return ch, err
}

// ChannelWithGeneration returns the active channel with its generation
func (cm *ConnectionManager) ChannelWithGeneration() (Channel, uint64, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.link == nil || cm.link.ch == nil || cm.link.ch.IsClosed() {
		return nil, cm.chanGen, ErrChannelNotReady
	}
	return cm.link.ch, cm.chanGen, nil
}

// Connection returns the active connection
func (cm *ConnectionManager) Connection() (Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.link == nil || cm.link.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.link.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.link.conn, nil
}

// Generation changes every time the active channel is replaced
func (cm *ConnectionManager) Generation() uint64 {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.chanGen
}

// State returns the current connection state
func (cm *ConnectionManager) State() State {
	return State(cm.state.Load())
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	return cm.State() == StateConnected
}

// CurrentNode returns the index and node of the active link, or -1
func (cm *ConnectionManager) CurrentNode() (int, BrokerNode) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.link == nil {
		return -1, BrokerNode{}
	}
	return cm.link.node, cm.nodes[cm.link.node]
}

// Stats returns failover counters
func (cm *ConnectionManager) Stats() Stats {
	idx, _ := cm.CurrentNode()
	return Stats{
		State:              cm.State(),
		Node:               idx,
		Switches:           cm.switches.Load(),
		ConnectAttempts:    cm.connectAttempts.Load(),
		ChannelRecreations: cm.recreations.Load(),
	}
}

// AddLinkListener registers a post-connect hook
func (cm *ConnectionManager) AddLinkListener(l LinkListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.listeners = append(cm.listeners, l)
}

// Close aborts any failover in progress and closes the link
func (cm *ConnectionManager) Close() error {
	if !cm.closed.CompareAndSwap(false, true) {
		return nil
	}

	cm.cancel()
	close(cm.done)

	cm.lifecycle.Lock()
	defer cm.lifecycle.Unlock()

	err := cm.teardown()
	cm.logger.Info("connection manager shut down")
	return err
}

// bind derives a context that is also cancelled when the manager closes
func (cm *ConnectionManager) bind(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(cm.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// connect opens a connection and confirm channel to the selected node.
// Must be called with lifecycle held.
func (cm *ConnectionManager) connect(ctx context.Context) error {
	if cm.closed.Load() {
		return ErrManagerClosed
	}

	idx := cm.selector.Current()
	node := cm.nodes[idx]
	cm.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	conn, err := cm.dialer.Dial(dialCtx, node.URL)
	cancel()

	cm.connectAttempts.Add(1)
	cm.metrics.connectAttempt(err)
	if err != nil {
		cm.setState(StateDisconnected)
		return &ConnectionError{
			Op:        "connect",
			URL:       node.String(),
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	ch, err := cm.openChannel(conn)
	if err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			cm.logger.Warn("failed to close connection", "node", node.String(), "error", closeErr)
		}
		cm.setState(StateDisconnected)
		return &ConnectionError{
			Op:        "open channel",
			URL:       node.String(),
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	cm.mu.Lock()
	cm.link = &link{node: idx, conn: conn, ch: ch}
	cm.connGen++
	cm.chanGen++
	connGen, chanGen := cm.connGen, cm.chanGen
	cm.mu.Unlock()

	cm.watchConnection(conn, connGen)
	cm.watchChannel(ch, chanGen)
	cm.setState(StateConnected)

	cm.logger.Info("connected to RabbitMQ", "node", node.String(), "index", idx)
	cm.runHooks(ctx, ch)
	return nil
}

// switchConnection tears the link down and runs a failover cycle once the
// limiter admits one.
// Must be called with lifecycle held.
func (cm *ConnectionManager) switchConnection(ctx context.Context, cause error) error {
	if err := cm.teardown(); err != nil {
		cm.logger.Warn("failed to close broker link", "error", err)
	}

	if cm.limiter != nil {
		if err := cm.limiter.Wait(ctx); err != nil {
			return &ConnectionError{Op: "failover", Err: err, Timestamp: time.Now()}
		}
	}

	if cause != nil {
		cm.logger.Warn("switching broker node", "cause", cause)
	}
	return cm.retryConnection(ctx)
}

// retryConnection tries up to maxRetries nodes, advancing the selector
// before each attempt. Must be called with lifecycle held.
func (cm *ConnectionManager) retryConnection(ctx context.Context) error {
	retrier := reliability.NewRetrier(cm.maxRetries, 0,
		reliability.WithBackoff(cm.retryBackoff),
		reliability.WithClock(cm.clock),
		reliability.WithOperation("reconnect"),
		reliability.WithRetryable(func(err error) bool {
			return !errors.Is(err, ErrManagerClosed)
		}),
		reliability.WithRetryHook(func(rc reliability.RetryContext) {
			cm.logger.Info("retrying connection",
				"attempt", rc.Attempt,
				"maxRetries", cm.maxRetries,
				"nextRetryIn", rc.Delay,
				"error", rc.Err)
		}),
	)

	attempts := 0
	err := retrier.Do(ctx, func(ctx context.Context) error {
		attempts++
		idx := cm.selector.Next()
		cm.switches.Add(1)
		cm.metrics.failover()
		cm.logger.Info("attempting broker node", "node", cm.nodeName(idx), "index", idx, "attempt", attempts)
		return cm.connect(ctx)
	})
	if err == nil {
		return nil
	}

	cm.setState(StateDisconnected)
	cm.logger.Error("failed to connect to RabbitMQ after maximum retries",
		"attempts", attempts,
		"error", err)

	return &ConnectionError{
		Op:        "reconnect",
		URL:       cm.nodeName(cm.selector.Current()),
		Err:       err,
		Timestamp: time.Now(),
		Attempts:  attempts,
	}
}

// recreateChannel opens a fresh channel on the live connection, falling
// back to a full failover when that is impossible.
// Must be called with lifecycle held.
func (cm *ConnectionManager) recreateChannel(ctx context.Context) error {
	cm.mu.RLock()
	l := cm.link
	cm.mu.RUnlock()

	if l == nil || l.conn == nil || l.conn.IsClosed() {
		return cm.switchConnection(ctx, ErrConnectionClosed)
	}

	cm.setState(StateDegraded)
	if l.ch != nil {
		if err := l.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			cm.logger.Warn("failed to close channel", "error", err)
		}
	}

	var ch Channel
	retrier := reliability.NewRetrier(cm.channelRetries, 0,
		reliability.WithBackoff(cm.channelBackoff),
		reliability.WithClock(cm.clock),
		reliability.WithOperation("recreate channel"),
		reliability.WithRetryable(reliability.IsRetryable),
	)
	err := retrier.Do(ctx, func(ctx context.Context) error {
		if l.conn.IsClosed() {
			return reliability.NonRetryable(ErrConnectionClosed)
		}
		opened, err := cm.openChannel(l.conn)
		if err != nil {
			return err
		}
		ch = opened
		return nil
	})
	if err != nil {
		cm.logger.Error("failed to recreate channel", "error", err)
		cm.setState(StateDisconnected)
		return cm.switchConnection(ctx, err)
	}

	cm.mu.Lock()
	cm.link = &link{node: l.node, conn: l.conn, ch: ch}
	cm.chanGen++
	gen := cm.chanGen
	cm.mu.Unlock()

	cm.watchChannel(ch, gen)
	cm.recreations.Add(1)
	cm.metrics.channelRecreated()
	cm.setState(StateConnected)

	cm.logger.Info("RabbitMQ channel recreated successfully", "node", cm.nodeName(l.node))
	cm.runHooks(ctx, ch)
	return nil
}

func (cm *ConnectionManager) openChannel(conn Connection) (Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			Err:       fmt.Errorf("%w: %w", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, &ChannelError{
			Op:        "enable confirms",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return ch, nil
}

// teardown closes channel and connection, best effort.
// Must be called with lifecycle held.
func (cm *ConnectionManager) teardown() error {
	cm.mu.Lock()
	l := cm.link
	cm.link = nil
	cm.connGen++
	cm.chanGen++
	cm.mu.Unlock()

	cm.setState(StateDisconnected)
	if l == nil {
		return nil
	}

	var err error
	if l.ch != nil && !l.ch.IsClosed() {
		err = multierr.Append(err, l.ch.Close())
	}
	if l.conn != nil && !l.conn.IsClosed() {
		err = multierr.Append(err, l.conn.Close())
	}
	return err
}

func (cm *ConnectionManager) watchConnection(conn Connection, gen uint64) {
	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		select {
		case err := <-notify:
			cm.report(fault{kind: connectionFault, gen: gen, err: err})
		case <-cm.done:
		}
	}()
}

func (cm *ConnectionManager) watchChannel(ch Channel, gen uint64) {
	notify := ch.NotifyClose(make(chan *amqp.Error, 1))
	cancels := ch.NotifyCancel(make(chan string, 4))
	go func() {
		for {
			select {
			case tag, ok := <-cancels:
				if !ok {
					cancels = nil
					continue
				}
				cm.logger.Warn("consumer cancelled by broker", "consumerTag", tag)
			case err := <-notify:
				cm.report(fault{kind: channelFault, gen: gen, err: err})
				return
			case <-cm.done:
				return
			}
		}
	}()
}

func (cm *ConnectionManager) report(f fault) {
	select {
	case cm.faults <- f:
	case <-cm.done:
	}
}

// supervise is the only consumer of fault events
func (cm *ConnectionManager) supervise() {
	for {
		select {
		case <-cm.done:
			return
		case f := <-cm.faults:
			cm.handleFault(f)
		}
	}
}

func (cm *ConnectionManager) handleFault(f fault) {
	cm.lifecycle.Lock()
	defer cm.lifecycle.Unlock()

	if cm.closed.Load() {
		return
	}

	cm.mu.RLock()
	current := cm.connGen
	if f.kind == channelFault {
		current = cm.chanGen
	}
	cm.mu.RUnlock()

	if f.gen != current {
		cm.logger.Debug("ignoring stale broker fault", "generation", f.gen)
		return
	}

	switch f.kind {
	case connectionFault:
		cm.logger.Warn("RabbitMQ connection closed", "error", f.err)
		if err := cm.switchConnection(cm.ctx, f.err); err != nil {
			cm.logger.Error("failover cycle failed", "error", err)
		}

	case channelFault:
		if IsPreconditionFailed(f.err) {
			cm.logger.Warn("RabbitMQ channel closed by precondition failure", "error", f.err)
		} else {
			cm.logger.Warn("RabbitMQ channel closed", "error", f.err)
		}
		if err := cm.recreateChannel(cm.ctx); err != nil {
			cm.logger.Error("channel recovery failed", "error", err)
		}
	}
}

func (cm *ConnectionManager) runHooks(ctx context.Context, ch Channel) {
	cm.listenersMu.RLock()
	listeners := append([]LinkListener(nil), cm.listeners...)
	cm.listenersMu.RUnlock()

	for _, l := range listeners {
		if err := l.OnLinkUp(ctx, ch); err != nil {
			cm.logger.Error("post-connect hook failed", "error", err)
		}
	}
}

func (cm *ConnectionManager) setState(s State) {
	cm.state.Store(int32(s))
	cm.metrics.setState(s)
}

func (cm *ConnectionManager) nodeName(idx int) string {
	if idx < 0 || idx >= len(cm.nodes) {
		return ""
	}
	return cm.nodes[idx].String()
}
