package notification

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ehr/fhirrepo/internal/platform/fhir"
)

// DefaultExchange is the topic exchange used when none is configured.
const DefaultExchange = "fhir.changes"

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPNotifier publishes each change as a persistent JSON message on a topic
// exchange, routed by "<resourceType>.<id>".
type AMQPNotifier struct {
	ch       publisher
	exchange string
}

// NewAMQPNotifier opens a channel on conn and declares the durable topic
// exchange.
func NewAMQPNotifier(conn *amqp.Connection, exchange string) (*AMQPNotifier, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPNotifier{ch: ch, exchange: exchange}, nil
}

func (n *AMQPNotifier) Notify(ctx context.Context, r fhir.Resource) error {
	body, err := json.Marshal(NewMessage(r))
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    r.VersionID(),
		Timestamp:    r.LastUpdated(),
		Type:         r.ResourceType(),
	}
	if err := n.ch.PublishWithContext(ctx, n.exchange, RoutingKey(r), false, false, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", n.exchange, err)
	}
	return nil
}

// RoutingKey is the topic key a change to r is published under.
func RoutingKey(r fhir.Resource) string {
	return r.ResourceType() + "." + r.ID()
}
