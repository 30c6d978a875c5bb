package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/example/rideflow/internal/ride/domain"
)

// LogNotifier writes notifications to the logger instead of delivering them.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Send(_ context.Context, n domain.Notification) error {
	l.logger.Info("notification",
		zap.String("ride_id", n.RideID.String()),
		zap.String("recipient_id", n.RecipientID),
		zap.String("recipient_type", string(n.RecipientType)),
		zap.String("type", string(n.Type)),
		zap.String("message", n.Message),
	)
	return nil
}
