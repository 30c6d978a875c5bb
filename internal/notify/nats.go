package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/rideflow/internal/ride/domain"
)

type natsPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// NATSNotifier publishes notifications to <prefix>.<user|driver>.
type NATSNotifier struct {
	conn   natsPublisher
	prefix string
}

// NewNATSNotifier builds a NATSNotifier using the provided NATS connection.
func NewNATSNotifier(conn *nats.Conn, prefix string) *NATSNotifier {
	return newNATSNotifier(conn, prefix)
}

func newNATSNotifier(conn natsPublisher, prefix string) *NATSNotifier {
	if prefix == "" {
		prefix = "notifications"
	}
	return &NATSNotifier{conn: conn, prefix: prefix}
}

func (p *NATSNotifier) Send(ctx context.Context, n domain.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("%w: marshal: %w", domain.ErrNotification, err)
	}
	msg := &nats.Msg{
		Subject: p.prefix + "." + strings.ToLower(string(n.RecipientType)),
		Data:    payload,
		Header: nats.Header{
			"x-trace-id":          {traceIDFromContext(ctx)},
			"x-notification-type": {string(n.Type)},
		},
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("%w: nats publish: %w", domain.ErrNotification, err)
	}
	return nil
}

func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
