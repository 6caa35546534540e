package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"emoji-chat/internal/domain"
)

// EventConsumer relays message events from the broker to a local sink, the
// WebSocket hub in the chat server
type EventConsumer struct {
	rmq  *RabbitMQ
	sink domain.MessagePublisher
}

func NewEventConsumer(rmq *RabbitMQ, sink domain.MessagePublisher) *EventConsumer {
	return &EventConsumer{
		rmq:  rmq,
		sink: sink,
	}
}

// Start binds a private queue to the events exchange and relays until ctx is
// done or the channel closes
func (c *EventConsumer) Start(ctx context.Context) error {
	queue, err := c.rmq.channel.QueueDeclare(
		"",    // auto-generated name
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare event queue: %w", err)
	}

	if err := c.rmq.channel.QueueBind(
		queue.Name,     // queue name
		"",             // routing key
		EventsExchange, // exchange
		false,
		nil,
	); err != nil {
		return fmt.Errorf("failed to bind event queue: %w", err)
	}

	msgs, err := c.rmq.channel.Consume(
		queue.Name, // queue
		"",         // consumer
		true,       // auto-ack
		false,      // exclusive
		false,      // no-local
		false,      // no-wait
		nil,        // args
	)
	if err != nil {
		return fmt.Errorf("failed to consume event queue: %w", err)
	}

	slog.Info("started consuming chat events",
		slog.String("queue", queue.Name),
		slog.String("exchange", EventsExchange))

	go func() {
		for {
			select {
			case <-ctx.Done():
				slog.Info("stopping event consumer")
				return
			case msg, ok := <-msgs:
				if !ok {
					slog.Warn("event consumer channel closed")
					return
				}
				c.handle(ctx, msg.Body)
			}
		}
	}()

	return nil
}

func (c *EventConsumer) handle(ctx context.Context, body []byte) {
	event, err := DecodeMessageEvent(body)
	if err != nil {
		slog.Error("dropping chat event",
			slog.String("error", err.Error()),
			slog.Int("body_size", len(body)))
		return
	}

	if err := c.sink.PublishMessageCreated(ctx, event.Message); err != nil {
		slog.Warn("failed to relay chat event",
			slog.String("error", err.Error()),
			slog.String("room_id", event.Message.RoomID))
	}
}
