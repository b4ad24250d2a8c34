// Package messaging mirrors in-process events onto a RabbitMQ topic exchange
// so external consumers can follow stock and document activity.
package messaging

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"inventory-backoffice/internal/core"
)

const defaultExchange = "backoffice.events"

// Publisher is a core.EventSink backed by an AMQP topic exchange. Events are
// routed as tenant.<tenant_id>.<event_type> so consumers can bind per tenant,
// per event type, or both.
type Publisher struct {
	exchange string
	log      *zap.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// Connect dials the broker and declares the durable topic exchange.
func Connect(url string, log *zap.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := channel.ExchangeDeclare(defaultExchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", defaultExchange, err)
	}

	return &Publisher{exchange: defaultExchange, log: log, conn: conn, channel: channel}, nil
}

// Publish serializes the event and publishes it persistently. The event bus
// treats sink failures as non-fatal; in-process delivery still happens.
func (p *Publisher) Publish(evt core.Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to serialize event %s: %w", evt.ID, err)
	}

	routingKey := fmt.Sprintf("tenant.%d.%s", evt.TenantID, evt.Type)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel == nil {
		return fmt.Errorf("publisher is closed")
	}

	err = p.channel.Publish(p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    evt.ID.String(),
		Timestamp:    evt.OccurredAt,
		Headers: amqp.Table{
			"tenant_id":  evt.TenantID,
			"event_type": string(evt.Type),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", routingKey, err)
	}

	p.log.Debug("event mirrored to broker",
		zap.String("routing_key", routingKey),
		zap.String("event_id", evt.ID.String()))
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var closeErr error
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			closeErr = fmt.Errorf("channel close: %w", err)
		}
		p.channel = nil
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && closeErr == nil {
			closeErr = fmt.Errorf("connection close: %w", err)
		}
		p.conn = nil
	}
	return closeErr
}
