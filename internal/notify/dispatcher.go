package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"emoji-chat/internal/domain"
	"emoji-chat/internal/messaging"

	amqp "github.com/rabbitmq/amqp091-go"
)

const handleTimeout = 30 * time.Second

// RoomReader looks up the room a message was written to
type RoomReader interface {
	GetRoom(ctx context.Context, roomID string) (*domain.Room, error)
}

// Dispatcher fans a message out to the push endpoints of every participant
// except the sender
type Dispatcher struct {
	rooms    RoomReader
	registry *Registry
	sender   Sender
}

func NewDispatcher(rooms RoomReader, registry *Registry, sender Sender) *Dispatcher {
	return &Dispatcher{
		rooms:    rooms,
		registry: registry,
		sender:   sender,
	}
}

// Notify delivers msg and returns how many endpoints accepted it. Endpoints
// reported gone are unregistered. Individual delivery failures are logged,
// not returned.
func (d *Dispatcher) Notify(ctx context.Context, msg *domain.Message) (int, error) {
	room, err := d.rooms.GetRoom(ctx, msg.RoomID)
	if errors.Is(err, domain.ErrRoomNotFound) {
		slog.Warn("dropping notification for missing room",
			slog.String("room_id", msg.RoomID),
			slog.String("message_id", msg.ID))
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read room: %w", err)
	}

	payload := NewPayload(msg)
	delivered := 0
	for _, userID := range room.ParticipantIDs() {
		if userID == msg.SenderID {
			continue
		}

		subs, err := d.registry.List(ctx, userID)
		if err != nil {
			return delivered, err
		}

		for _, sub := range subs {
			err := d.sender.Send(ctx, sub, payload)
			switch {
			case err == nil:
				delivered++
			case errors.Is(err, ErrEndpointGone):
				slog.Info("removing expired push subscription",
					slog.String("user_id", userID),
					slog.String("subscription_id", sub.ID))
				if err := d.registry.Unregister(ctx, userID, sub.ID); err != nil && !errors.Is(err, domain.ErrSubscriptionNotFound) {
					slog.Warn("failed to remove push subscription",
						slog.String("error", err.Error()),
						slog.String("subscription_id", sub.ID))
				}
			default:
				slog.Warn("push delivery failed",
					slog.String("error", err.Error()),
					slog.String("user_id", userID),
					slog.String("subscription_id", sub.ID))
			}
		}
	}
	return delivered, nil
}

// Run handles deliveries from the push queue until ctx is done or the channel
// closes. Malformed events are dropped; events that fail on a backend error
// are requeued once.
func (d *Dispatcher) Run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			slog.Info("stopping push dispatcher")
			return
		case delivery, ok := <-deliveries:
			if !ok {
				slog.Info("push queue channel closed")
				return
			}
			d.handle(ctx, delivery)
		}
	}
}

// acknowledger is the part of amqp.Delivery handle needs
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func (d *Dispatcher) handle(ctx context.Context, delivery amqp.Delivery) {
	d.process(ctx, delivery.Body, delivery.Redelivered, &delivery)
}

func (d *Dispatcher) process(ctx context.Context, body []byte, redelivered bool, ack acknowledger) {
	event, err := messaging.DecodeMessageEvent(body)
	if err != nil {
		slog.Error("dropping push event",
			slog.String("error", err.Error()))
		_ = ack.Ack(false)
		return
	}

	msgCtx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	delivered, err := d.Notify(msgCtx, event.Message)
	if err != nil {
		slog.Error("push dispatch failed",
			slog.String("error", err.Error()),
			slog.String("room_id", event.Message.RoomID),
			slog.Bool("redelivered", redelivered))
		_ = ack.Nack(false, !redelivered)
		return
	}

	slog.Debug("push dispatch complete",
		slog.String("message_id", event.Message.ID),
		slog.Int("delivered", delivered))
	_ = ack.Ack(false)
}
