package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// OutcomeReplayed is recorded for parked messages moved back to their queue
const OutcomeReplayed = "replayed"

// Replayer moves parked messages back onto their source queue with a fresh
// retry budget.
type Replayer struct {
	conn      *ConnectionManager
	topology  *TopologyManager
	publisher *Publisher
	logger    *slog.Logger
	metrics   *Metrics
}

// NewReplayer creates a replayer. A nil logger means slog.Default.
func NewReplayer(cm *ConnectionManager, topology *TopologyManager, publisher *Publisher, logger *slog.Logger, metrics *Metrics) *Replayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replayer{
		conn:      cm,
		topology:  topology,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
	}
}

// Replay republishes up to limit messages from the parking queue of queue.
// A limit of 0 replays everything parked when the call starts; messages
// parked again while replaying are left alone. It returns how many messages
// were moved. A message whose republish fails stays parked.
func (r *Replayer) Replay(ctx context.Context, queue string, limit int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	conn, err := r.conn.Connection()
	if err != nil {
		return 0, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return 0, &ChannelError{Op: "replay", Err: err, Timestamp: time.Now()}
	}
	defer func() {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			r.logger.Debug("failed to close replay channel", "error", err)
		}
	}()

	parking := ParkingQueueName(queue)
	q, err := ch.QueueDeclarePassive(parking, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect parking queue %s: %w", parking, err)
	}

	pending := q.Messages
	if limit > 0 && limit < pending {
		pending = limit
	}

	spec := r.topology.Lookup(queue)
	moved := 0
	for moved < pending {
		if err := ctx.Err(); err != nil {
			return moved, err
		}

		d, ok, err := ch.Get(parking, false)
		if err != nil {
			return moved, fmt.Errorf("failed to fetch parked message: %w", err)
		}
		if !ok {
			break
		}

		opts := PublishOptions{
			Priority:      d.Priority,
			CorrelationID: d.CorrelationId,
			MessageID:     d.MessageId,
			ContentType:   d.ContentType,
			Headers:       replayHeaders(d.Headers),
			Transient:     d.DeliveryMode == amqp.Transient,
		}
		if err := r.publisher.PublishTo(ctx, spec, d.Body, opts); err != nil {
			if nerr := d.Nack(false, true); nerr != nil {
				r.logger.Error("failed to return message to parking queue",
					"queue", parking,
					"messageId", d.MessageId,
					"error", nerr)
			}
			return moved, err
		}
		if err := d.Ack(false); err != nil {
			// already republished, the broker will redeliver the parked copy
			return moved, fmt.Errorf("failed to remove replayed message from %s: %w", parking, err)
		}

		moved++
		r.metrics.delivery(queue, OutcomeReplayed)
		r.logger.Info("parked message replayed",
			"queue", queue,
			"messageId", d.MessageId,
			"retryCount", retryCount(d.Headers))
	}

	return moved, nil
}

// replayHeaders resets the retry count and drops the broker's dead-letter
// bookkeeping
func replayHeaders(headers amqp.Table) amqp.Table {
	out := withRetryCount(headers, 0)
	for _, k := range []string{"x-death", "x-first-death-queue", "x-first-death-reason", "x-first-death-exchange", "x-last-death-queue", "x-last-death-reason", "x-last-death-exchange"} {
		delete(out, k)
	}
	return out
}
