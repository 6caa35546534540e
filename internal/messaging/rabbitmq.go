package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"emoji-chat/internal/domain"
	"emoji-chat/internal/observability"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	EventsExchange         = "chat.events"
	PushNotificationsQueue = "push.notifications"

	initialRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 8 * time.Second
)

type RabbitMQ struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	now     func() time.Time
}

func NewRabbitMQ(url string) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	rmq := &RabbitMQ{
		conn:    conn,
		channel: ch,
		now:     time.Now,
	}

	if err := rmq.Setup(); err != nil {
		rmq.Close()
		return nil, err
	}

	return rmq, nil
}

// NewRabbitMQWithRetry dials until the broker accepts the connection or ctx is
// done. The delay doubles after each failure, capped at maxRetryDelay.
func NewRabbitMQWithRetry(ctx context.Context, url string) (*RabbitMQ, error) {
	delay := initialRetryDelay
	for attempt := 1; ; attempt++ {
		rmq, err := NewRabbitMQ(url)
		if err == nil {
			return rmq, nil
		}
		slog.Warn("rabbitmq not ready, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("gave up connecting to RabbitMQ after %d attempts: %w", attempt, err)
		case <-time.After(delay):
		}
		delay = min(delay*2, maxRetryDelay)
	}
}

// Setup declares the events exchange and the durable push queue bound to it
func (r *RabbitMQ) Setup() error {
	if err := r.channel.ExchangeDeclare(
		EventsExchange, // name
		"fanout",       // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	); err != nil {
		return fmt.Errorf("failed to declare events exchange: %w", err)
	}

	if _, err := r.channel.QueueDeclare(
		PushNotificationsQueue, // name
		true,                   // durable
		false,                  // delete when unused
		false,                  // exclusive
		false,                  // no-wait
		nil,                    // arguments
	); err != nil {
		return fmt.Errorf("failed to declare %s queue: %w", PushNotificationsQueue, err)
	}

	if err := r.channel.QueueBind(
		PushNotificationsQueue, // queue name
		"",                     // routing key
		EventsExchange,         // exchange
		false,
		nil,
	); err != nil {
		return fmt.Errorf("failed to bind %s queue: %w", PushNotificationsQueue, err)
	}

	slog.Info("rabbitmq setup completed successfully")
	return nil
}

// PublishMessageCreated announces a written message on the events exchange
func (r *RabbitMQ) PublishMessageCreated(ctx context.Context, msg *domain.Message) error {
	event := &domain.MessageEvent{
		Type:      domain.EventMessageCreated,
		Message:   msg,
		Timestamp: r.now().UnixMilli(),
	}
	return r.PublishEvent(ctx, event)
}

func (r *RabbitMQ) PublishEvent(ctx context.Context, event *domain.MessageEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		observability.EventsPublished.WithLabelValues(event.Type, "error").Inc()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = r.channel.PublishWithContext(
		ctx,
		EventsExchange,
		"",
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Type:         event.Type,
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.UnixMilli(event.Timestamp),
		},
	)
	if err != nil {
		observability.EventsPublished.WithLabelValues(event.Type, "error").Inc()
		return fmt.Errorf("failed to publish event: %w", err)
	}

	observability.EventsPublished.WithLabelValues(event.Type, "ok").Inc()
	slog.Debug("published chat event",
		slog.String("type", event.Type),
		slog.String("room_id", event.Message.RoomID),
		slog.String("message_id", event.Message.ID))
	return nil
}

// ConsumePushNotifications returns deliveries from the durable push queue.
// Deliveries must be acked by the caller.
func (r *RabbitMQ) ConsumePushNotifications() (<-chan amqp.Delivery, error) {
	if err := r.channel.Qos(10, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	msgs, err := r.channel.Consume(
		PushNotificationsQueue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}

	slog.Info("started consuming push notifications",
		slog.String("queue", PushNotificationsQueue))
	return msgs, nil
}

func (r *RabbitMQ) IsClosed() bool {
	return r.conn == nil || r.conn.IsClosed()
}

func (r *RabbitMQ) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

// DecodeMessageEvent parses an events exchange payload
func DecodeMessageEvent(body []byte) (*domain.MessageEvent, error) {
	var event domain.MessageEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if event.Type != domain.EventMessageCreated {
		return nil, fmt.Errorf("unsupported event type %q: %w", event.Type, domain.ErrInvalidInput)
	}
	if event.Message == nil || event.Message.RoomID == "" || event.Message.ID == "" {
		return nil, fmt.Errorf("event without message: %w", domain.ErrInvalidInput)
	}
	return &event, nil
}
