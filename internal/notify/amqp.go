package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/rideflow/internal/ride/domain"
)

type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPNotifier publishes to a topic exchange with routing key
// notification.<type>, e.g. notification.ride_timeout.
type AMQPNotifier struct {
	ch       amqpPublisher
	exchange string
}

// NewAMQPNotifier declares the exchange on ch and returns a notifier using it.
func NewAMQPNotifier(ch *amqp.Channel, exchange string) (*AMQPNotifier, error) {
	if exchange == "" {
		exchange = "notifications"
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPNotifier{ch: ch, exchange: exchange}, nil
}

func (a *AMQPNotifier) Send(ctx context.Context, n domain.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("%w: marshal: %w", domain.ErrNotification, err)
	}
	routingKey := "notification." + strings.ToLower(string(n.Type))
	err = a.ch.PublishWithContext(ctx, a.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{"x-trace-id": traceIDFromContext(ctx)},
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("%w: amqp publish: %w", domain.ErrNotification, err)
	}
	return nil
}
