package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/mmate-relay/internal/rabbitmq"
)

// LinkStats reports the broker link. *rabbitmq.ConnectionManager implements it.
type LinkStats interface {
	Stats() rabbitmq.Stats
}

// ConnectionChecker maps the link state to a health status. A link that is
// recreating its channel or failing over is degraded, not down.
type ConnectionChecker struct {
	link LinkStats
}

// NewConnectionChecker creates a connection checker
func NewConnectionChecker(link LinkStats) *ConnectionChecker {
	return &ConnectionChecker{link: link}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	stats := c.link.Stats()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"state":               stats.State.String(),
			"node":                stats.Node,
			"switches":            stats.Switches,
			"connect_attempts":    stats.ConnectAttempts,
			"channel_recreations": stats.ChannelRecreations,
		},
	}

	switch stats.State {
	case rabbitmq.StateConnected:
		result.Status = StatusHealthy
		result.Message = "connected"
	case rabbitmq.StateDegraded, rabbitmq.StateConnecting:
		result.Status = StatusDegraded
		result.Message = "link is recovering"
	default:
		result.Status = StatusUnhealthy
		result.Message = "disconnected"
	}

	result.Duration = time.Since(start)
	return result
}

// ActiveQueues lists running subscriptions. *rabbitmq.Consumer implements it.
type ActiveQueues interface {
	ActiveQueues() []string
}

// ConsumerChecker verifies every expected queue has a running subscription
type ConsumerChecker struct {
	consumer ActiveQueues
	expected []string
}

// NewConsumerChecker creates a checker expecting subscriptions on queues
func NewConsumerChecker(consumer ActiveQueues, queues []string) *ConsumerChecker {
	return &ConsumerChecker{consumer: consumer, expected: append([]string(nil), queues...)}
}

func (c *ConsumerChecker) Name() string {
	return "consumers"
}

func (c *ConsumerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	active := make(map[string]bool)
	for _, q := range c.consumer.ActiveQueues() {
		active[q] = true
	}
	var missing []string
	for _, q := range c.expected {
		if !active[q] {
			missing = append(missing, q)
		}
	}

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"active":  len(active),
			"missing": missing,
		},
	}

	switch {
	case len(missing) == 0:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("%d subscriptions running", len(active))
	case len(missing) < len(c.expected):
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d of %d subscriptions missing", len(missing), len(c.expected))
	default:
		result.Status = StatusUnhealthy
		result.Message = "no subscriptions running"
	}

	result.Duration = time.Since(start)
	return result
}

// DeclaredQueues reports topology state. *rabbitmq.TopologyManager implements it.
type DeclaredQueues interface {
	IsDeclared(name string) bool
}

// TopologyChecker verifies the expected queues were declared on the current
// channel. It lags a channel recreation until the topology is restored.
type TopologyChecker struct {
	topology DeclaredQueues
	expected []string
}

// NewTopologyChecker creates a checker expecting queues to be declared
func NewTopologyChecker(topology DeclaredQueues, queues []string) *TopologyChecker {
	return &TopologyChecker{topology: topology, expected: append([]string(nil), queues...)}
}

func (c *TopologyChecker) Name() string {
	return "topology"
}

func (c *TopologyChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	var pending []string
	for _, q := range c.expected {
		if !c.topology.IsDeclared(q) {
			pending = append(pending, q)
		}
	}

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"pending": pending},
	}
	if len(pending) == 0 {
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("%d queues declared", len(c.expected))
	} else {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d queues not declared on the current channel", len(pending))
	}

	result.Duration = time.Since(start)
	return result
}

// GoroutineChecker flags runaway goroutine counts
type GoroutineChecker struct {
	warning  int
	critical int
}

// NewGoroutineChecker creates a checker with the given thresholds
func NewGoroutineChecker(warning, critical int) *GoroutineChecker {
	return &GoroutineChecker{warning: warning, critical: critical}
}

func (c *GoroutineChecker) Name() string {
	return "runtime"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"goroutines":     goroutines,
			"memory_used_mb": float64(m.Sys) / 1024 / 1024,
			"gc_runs":        m.NumGC,
		},
	}

	switch {
	case goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case goroutines > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "normal"
	}

	result.Duration = time.Since(start)
	return result
}

// Inspector reads queue depths. *rabbitmq.QueueInspector implements it.
type Inspector interface {
	InspectParked(ctx context.Context, queue string) (primary, parked rabbitmq.QueueInfo, err error)
}

// QueueChecker reports a queue degraded when it has parked messages or a
// backlog nobody consumes
type QueueChecker struct {
	inspector Inspector
	queue     string
}

// NewQueueChecker creates a checker for queue and its parking queue
func NewQueueChecker(inspector Inspector, queue string) *QueueChecker {
	return &QueueChecker{inspector: inspector, queue: queue}
}

func (c *QueueChecker) Name() string {
	return "queue_" + c.queue
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start}

	primary, parked, err := c.inspector.InspectParked(ctx, c.queue)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Details = map[string]any{
		"messages":  primary.Messages,
		"consumers": primary.Consumers,
		"parked":    parked.Messages,
	}

	switch {
	case !primary.Exists:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("queue %s does not exist", c.queue)
	case parked.Messages > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d parked messages", parked.Messages)
	case primary.Consumers == 0 && primary.Messages > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("no consumers for %d messages", primary.Messages)
	default:
		result.Status = StatusHealthy
		result.Message = "queue is healthy"
	}

	result.Duration = time.Since(start)
	return result
}
