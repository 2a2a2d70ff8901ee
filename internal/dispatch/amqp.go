package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"loom/internal/logging"
)

// AMQPBackend delivers messages through a durable broker queue. Consumption
// uses manual acknowledgement: a message is acked only after the worker has
// finished its lease attempt, and anything unacked when the connection drops
// is redelivered by the broker.
type AMQPBackend struct {
	queue  string
	logger *slog.Logger

	mu         sync.Mutex
	conn       *amqp.Connection
	channel    *amqp.Channel
	deliveries <-chan amqp.Delivery
	closed     bool
}

// NewAMQPBackend dials the broker and declares the durable queue.
func NewAMQPBackend(url, queue string, logger *slog.Logger) (*AMQPBackend, error) {
	b := &AMQPBackend{
		queue:  queue,
		logger: logging.NewComponentLogger(logger, "dispatch.amqp"),
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := channel.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	b.conn = conn
	b.channel = channel
	return b, nil
}

// Publish sends a persistent message to the queue.
func (b *AMQPBackend) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	b.mu.Lock()
	channel := b.channel
	closed := b.closed
	b.mu.Unlock()
	if closed || channel == nil {
		return ErrClosed
	}

	err = channel.PublishWithContext(
		ctx,
		"",      // default exchange
		b.queue, // routing key
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.JobID,
			Timestamp:    msg.EnqueuedAt,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", b.queue, err)
	}
	return nil
}

// Receive waits up to the given duration for the next delivery. Malformed
// bodies are dropped without requeue so a poison message cannot wedge the
// queue.
func (b *AMQPBackend) Receive(ctx context.Context, wait time.Duration) (*Delivery, bool, error) {
	deliveries, err := b.consume()
	if err != nil {
		return nil, false, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-timer.C:
			return nil, false, nil
		case raw, ok := <-deliveries:
			if !ok {
				b.resetConsumer()
				return nil, false, fmt.Errorf("consume %s: delivery channel closed", b.queue)
			}
			var msg Message
			if err := json.Unmarshal(raw.Body, &msg); err != nil {
				b.logger.Error("dropping malformed message", logging.Error(err), slog.String("body", string(raw.Body)))
				_ = raw.Nack(false, false)
				continue
			}
			return &Delivery{
				Message: msg,
				ack:     func() error { return raw.Ack(false) },
				requeue: func() error { return raw.Nack(false, true) },
			}, true, nil
		}
	}
}

// consume lazily starts the manual-ack consumer with a prefetch of one so a
// worker never holds more than the message it is processing.
func (b *AMQPBackend) consume() (<-chan amqp.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.deliveries != nil {
		return b.deliveries, nil
	}
	if err := b.channel.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := b.channel.Consume(
		b.queue,
		"",    // consumer tag
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", b.queue, err)
	}
	b.deliveries = deliveries
	return deliveries, nil
}

func (b *AMQPBackend) resetConsumer() {
	b.mu.Lock()
	b.deliveries = nil
	b.mu.Unlock()
}

// Close tears the consumer down. Unacked deliveries return to the queue.
func (b *AMQPBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var firstErr error
	if b.channel != nil {
		if err := b.channel.Close(); err != nil {
			firstErr = fmt.Errorf("close channel: %w", err)
		}
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close connection: %w", err)
		}
	}
	return firstErr
}
