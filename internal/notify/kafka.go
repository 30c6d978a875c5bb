package notify

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/example/rideflow/internal/ride/domain"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier writes one message per notification keyed by recipient, so a
// recipient's notifications stay ordered within a partition.
type KafkaNotifier struct {
	writer kafkaWriter
}

func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{writer: &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}}
}

func (k *KafkaNotifier) Send(ctx context.Context, n domain.Notification) error {
	value, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("%w: marshal: %w", domain.ErrNotification, err)
	}
	msg := kafka.Message{
		Key:   []byte(string(n.RecipientType) + ":" + n.RecipientID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "notification-type", Value: []byte(n.Type)},
		},
	}
	if traceID := traceIDFromContext(ctx); traceID != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "x-trace-id", Value: []byte(traceID)})
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%w: kafka write: %w", domain.ErrNotification, err)
	}
	return nil
}

func (k *KafkaNotifier) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
