package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/rideflow/internal/ride/domain"
)

func sample() domain.Notification {
	return domain.Notification{
		RecipientID:   "d-1",
		RecipientType: domain.RecipientDriver,
		Type:          domain.NotifyRideTimeout,
		Message:       "You missed the 30-second window to respond.",
		RideID:        uuid.New(),
	}
}

type recordingNATS struct {
	msgs []*nats.Msg
	err  error
}

func (r *recordingNATS) PublishMsg(msg *nats.Msg) error {
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

type recordingKafka struct {
	msgs []kafka.Message
	err  error
}

func (r *recordingKafka) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, msgs...)
	return nil
}

func (r *recordingKafka) Close() error { return nil }

type recordingAMQP struct {
	exchange, key string
	msg           amqp.Publishing
	err           error
}

func (r *recordingAMQP) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	r.exchange, r.key, r.msg = exchange, key, msg
	return r.err
}

func TestHTTPNotifierPostsNotification(t *testing.T) {
	var got notificationRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/notifications", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	n := sample()
	require.NoError(t, NewHTTPNotifier(srv.URL, nil).Send(context.Background(), n))
	require.Equal(t, "d-1", got.RecipientID)
	require.Equal(t, "DRIVER", got.RecipientType)
	require.Equal(t, "RIDE_TIMEOUT", got.NotificationType)
	require.Equal(t, n.Message, got.MessageContent)
}

func TestHTTPNotifierWrapsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewHTTPNotifier(srv.URL, nil).Send(context.Background(), sample())
	require.ErrorIs(t, err, domain.ErrNotification)
}

func TestNATSNotifierSubjectAndHeaders(t *testing.T) {
	pub := &recordingNATS{}
	n := sample()
	require.NoError(t, newNATSNotifier(pub, "").Send(context.Background(), n))
	require.Len(t, pub.msgs, 1)
	require.Equal(t, "notifications.driver", pub.msgs[0].Subject)
	require.Equal(t, "RIDE_TIMEOUT", pub.msgs[0].Header.Get("x-notification-type"))

	var decoded domain.Notification
	require.NoError(t, json.Unmarshal(pub.msgs[0].Data, &decoded))
	require.Equal(t, n, decoded)

	pub.err = errors.New("nats down")
	require.ErrorIs(t, newNATSNotifier(pub, "rides").Send(context.Background(), n), domain.ErrNotification)
}

func TestKafkaNotifierKeysByRecipient(t *testing.T) {
	w := &recordingKafka{}
	k := &KafkaNotifier{writer: w}
	require.NoError(t, k.Send(context.Background(), sample()))
	require.Len(t, w.msgs, 1)
	require.Equal(t, "DRIVER:d-1", string(w.msgs[0].Key))
	require.Equal(t, "notification-type", w.msgs[0].Headers[0].Key)

	w.err = errors.New("broker unavailable")
	require.ErrorIs(t, k.Send(context.Background(), sample()), domain.ErrNotification)
	require.NoError(t, k.Close())
}

func TestAMQPNotifierRoutingKey(t *testing.T) {
	ch := &recordingAMQP{}
	a := &AMQPNotifier{ch: ch, exchange: "notifications"}
	require.NoError(t, a.Send(context.Background(), sample()))
	require.Equal(t, "notifications", ch.exchange)
	require.Equal(t, "notification.ride_timeout", ch.key)
	require.Equal(t, "application/json", ch.msg.ContentType)

	ch.err = errors.New("channel closed")
	require.ErrorIs(t, a.Send(context.Background(), sample()), domain.ErrNotification)
}

func TestLogNotifierWritesEntry(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := sample()
	require.NoError(t, NewLogNotifier(zap.New(core)).Send(context.Background(), n))
	entries := logs.FilterMessage("notification").All()
	require.Len(t, entries, 1)
	require.Equal(t, "RIDE_TIMEOUT", entries[0].ContextMap()["type"])
}
