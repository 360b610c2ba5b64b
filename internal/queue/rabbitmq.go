package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/abkawan/approval-ledger/internal/models"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const (
	// queue for user notifications
	NotificationQueue = "notifications"
)

// handles RabbitMQ operations
type RabbitMQ struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   amqp.Queue
	logger  *zap.Logger
}

func NewRabbitMQ(uri string, logger *zap.Logger) (*RabbitMQ, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	q, err := ch.QueueDeclare(
		NotificationQueue, // name
		true,              // durable
		false,             // delete when unused
		false,             // exclusive
		false,             // no-wait
		nil,               // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare a queue: %w", err)
	}

	return &RabbitMQ{
		conn:    conn,
		channel: ch,
		queue:   q,
		logger:  logger,
	}, nil
}

func (r *RabbitMQ) Close() error {
	if err := r.channel.Close(); err != nil {
		return err
	}
	return r.conn.Close()
}

// publishes a notification to the queue
func (r *RabbitMQ) PublishNotification(ctx context.Context, n models.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	err = r.channel.Publish(
		"",                // exchange
		NotificationQueue, // routing key
		false,             // mandatory
		false,             // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    n.ID,
			Body:         body,
			DeliveryMode: amqp.Persistent, // make message persistent
		})
	if err != nil {
		return fmt.Errorf("failed to publish a message: %w", err)
	}

	return nil
}

func (r *RabbitMQ) Name() string { return "rabbitmq" }

// Deliver hands the notification to the queue for the notifier worker.
func (r *RabbitMQ) Deliver(ctx context.Context, n models.Notification) error {
	return r.PublishNotification(ctx, n)
}

// Delivery is a decoded notification still owned by the broker until it is
// acked or rejected.
type Delivery struct {
	Notification models.Notification
	msg          amqp.Delivery
}

func (d Delivery) Ack() error {
	return d.msg.Ack(false)
}

// Reject returns the message to the queue when requeue is true, otherwise
// drops it.
func (d Delivery) Reject(requeue bool) error {
	return d.msg.Reject(requeue)
}

// consumes notifications from the queue
func (r *RabbitMQ) ConsumeNotifications(ctx context.Context) (<-chan Delivery, error) {
	msgs, err := r.channel.Consume(
		NotificationQueue, // queue
		"",                // consumer
		false,             // auto-ack
		false,             // exclusive
		false,             // no-local
		false,             // no-wait
		nil,               // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register a consumer: %w", err)
	}

	out := make(chan Delivery)

	go func() {
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}

				var n models.Notification
				if err := json.Unmarshal(msg.Body, &n); err != nil {
					r.logger.Warn("dropping malformed notification", zap.Error(err))
					msg.Reject(false) // Don't requeue
					continue
				}

				select {
				case out <- Delivery{Notification: n, msg: msg}:
				case <-ctx.Done():
					msg.Reject(true)
					return
				}
			}
		}
	}()

	return out, nil
}
