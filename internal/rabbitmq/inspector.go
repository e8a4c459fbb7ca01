package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueInfo is a point-in-time view of a queue
type QueueInfo struct {
	Name      string `json:"name"`
	Exists    bool   `json:"exists"`
	Messages  int    `json:"messages"`
	Consumers int    `json:"consumers"`
}

// QueueInspector reads queue depths with passive declares. Each inspection
// uses its own short-lived channel because a passive declare of a missing
// queue closes the channel it ran on.
type QueueInspector struct {
	conn *ConnectionManager
}

// NewQueueInspector creates an inspector on top of the connection
func NewQueueInspector(cm *ConnectionManager) *QueueInspector {
	return &QueueInspector{conn: cm}
}

// Inspect returns the depth and consumer count of queue. A missing queue is
// reported with Exists false, not as an error.
func (qi *QueueInspector) Inspect(ctx context.Context, queue string) (QueueInfo, error) {
	if err := ctx.Err(); err != nil {
		return QueueInfo{}, err
	}

	conn, err := qi.conn.Connection()
	if err != nil {
		return QueueInfo{}, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return QueueInfo{}, &ChannelError{Op: "inspect", Err: err, Timestamp: time.Now()}
	}
	defer func() {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			qi.conn.logger.Debug("failed to close inspection channel", "error", err)
		}
	}()

	q, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound {
			return QueueInfo{Name: queue}, nil
		}
		return QueueInfo{}, fmt.Errorf("failed to inspect queue %s: %w", queue, err)
	}

	return QueueInfo{Name: q.Name, Exists: true, Messages: q.Messages, Consumers: q.Consumers}, nil
}

// InspectParked returns queue and its parking queue
func (qi *QueueInspector) InspectParked(ctx context.Context, queue string) (primary, parked QueueInfo, err error) {
	if primary, err = qi.Inspect(ctx, queue); err != nil {
		return QueueInfo{}, QueueInfo{}, err
	}
	if parked, err = qi.Inspect(ctx, ParkingQueueName(queue)); err != nil {
		return QueueInfo{}, QueueInfo{}, err
	}
	return primary, parked, nil
}
