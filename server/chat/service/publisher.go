package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"bizchat/server/chat/domain"
)

const eventsExchange = "chat.events"

// AMQPPublisher writes chat events to the topic exchange for downstream
// consumers such as audit and notification workers.
type AMQPPublisher struct {
	mu      sync.Mutex
	channel *amqp.Channel
	now     func() time.Time
}

func NewAMQPPublisher(conn *amqp.Connection) (*AMQPPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(eventsExchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &AMQPPublisher{channel: ch, now: time.Now}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, key string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel == nil {
		return errors.New("amqp publisher is closed")
	}
	return p.channel.PublishWithContext(ctx, eventsExchange, key, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   p.now(),
	})
}

func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
		p.channel = nil
	}
}

type eventPublisher interface {
	Publish(ctx context.Context, key string, payload any) error
}

// PresenceFanout is the presence broadcaster of every session: the hub
// keeps live sessions in sync and the event bus gets a copy.
type PresenceFanout struct {
	hub    *Hub
	events eventPublisher
}

func NewPresenceFanout(hub *Hub, events eventPublisher) *PresenceFanout {
	return &PresenceFanout{hub: hub, events: events}
}

func (f *PresenceFanout) PublishPresence(ctx context.Context, update domain.PresenceUpdate) error {
	var errs []error
	if f.hub != nil {
		if err := f.hub.PublishPresence(ctx, update); err != nil {
			errs = append(errs, err)
		}
	}
	if f.events != nil {
		if err := f.events.Publish(ctx, "presence."+string(update.Status), update); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MessageEvents reports stored messages to the event bus.
type MessageEvents struct {
	events eventPublisher
}

func NewMessageEvents(events eventPublisher) *MessageEvents {
	return &MessageEvents{events: events}
}

func (m *MessageEvents) MessageCreated(ctx context.Context, msg domain.Message) error {
	if m == nil || m.events == nil {
		return nil
	}
	return m.events.Publish(ctx, "message.created", map[string]any{
		"event":        "message.created",
		"message_id":   msg.ID,
		"sender_id":    msg.SenderID,
		"recipient_id": msg.RecipientID,
		"topic":        msg.Topic,
		"created_at":   msg.Timestamp,
	})
}
