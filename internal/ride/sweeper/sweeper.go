package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/rideflow/internal/ride/domain"
	"github.com/example/rideflow/internal/ride/service"
)

var (
	sweepReleasedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ride_sweeper_timeouts_total",
		Help: "Rides returned to REQUESTED by the timeout sweeper.",
	})
	sweepErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ride_sweeper_errors_total",
		Help: "Timeout checks that failed and will be retried on the next sweep.",
	})
	sweepLagSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ride_sweeper_lag_seconds",
		Help: "How long the oldest expired offer in the last batch had been overdue.",
	})
	sweepBackoffRides = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ride_sweeper_backoff_rides",
		Help: "Expired offers skipped until their retry backoff elapses.",
	})
)

// WorkerConfig defines tunables for the sweeper.
type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// MaxBackoff caps the delay before a ride whose timeout failed is
	// retried. The delay doubles from PollInterval on each failure.
	MaxBackoff time.Duration
}

type retryState struct {
	attempts int
	next     time.Time
}

type expiredOfferLister interface {
	ListExpiredOffers(ctx context.Context, before time.Time, limit int) ([]domain.Ride, error)
}

type timeoutHandler interface {
	HandleTimeout(ctx context.Context, rideID uuid.UUID) (service.Result, error)
}

// Worker finds rides stuck in DRIVER_RESERVED past their window and runs the
// timeout path on each.
type Worker struct {
	rides   expiredOfferLister
	handler timeoutHandler
	clock   domain.Clock
	logger  *zap.Logger
	cfg     WorkerConfig
	tracer  trace.Tracer

	mu      sync.Mutex
	retries map[uuid.UUID]retryState
}

// NewWorker constructs a sweeper worker.
func NewWorker(rides expiredOfferLister, handler timeoutHandler, clock domain.Clock, logger *zap.Logger, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		rides:   rides,
		handler: handler,
		clock:   clock,
		logger:  logger,
		cfg:     cfg,
		tracer:  otel.Tracer("ride.sweeper"),
		retries: make(map[uuid.UUID]retryState),
	}
}

// Run sweeps on every tick until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.rides == nil || w.handler == nil {
		return errors.New("sweeper requires a ride lister and a timeout handler")
	}
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := w.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce processes one batch and returns how many rides were released. A
// failure on one ride does not stop the batch. Rides that failed recently are
// skipped until their backoff elapses so they cannot hold the head of the
// batch.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	ctx, span := w.tracer.Start(ctx, "sweeper.batch")
	defer span.End()

	now := w.clock.Now()
	waiting := w.waiting(now)
	limit := w.cfg.BatchSize + waiting
	rides, err := w.rides.ListExpiredOffers(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("list expired offers: %w", err)
	}
	span.SetAttributes(attribute.Int("sweeper.candidates", len(rides)), attribute.Int("sweeper.backoff", waiting))
	sweepBackoffRides.Set(float64(waiting))
	if len(rides) < limit {
		w.forgetUnlisted(rides)
	}
	if len(rides) == 0 {
		sweepLagSeconds.Set(0)
		return 0, nil
	}
	if oldest := rides[0].OfferExpiresAt; oldest != nil {
		sweepLagSeconds.Set(now.Sub(*oldest).Seconds())
	}

	released, handled := 0, 0
	for _, ride := range rides {
		if handled == w.cfg.BatchSize {
			break
		}
		if err := ctx.Err(); err != nil {
			return released, err
		}
		if w.backingOff(ride.ID, now) {
			continue
		}
		handled++
		res, err := w.handler.HandleTimeout(ctx, ride.ID)
		if err != nil {
			sweepErrorsTotal.Inc()
			delay := w.recordFailure(ride.ID, now)
			w.logger.Warn("timeout handling failed",
				zap.String("ride_id", ride.ID.String()), zap.Duration("retry_in", delay), zap.Error(err))
			continue
		}
		w.forget(ride.ID)
		if res.Stale != nil {
			w.logger.Debug("expired offer already settled", zap.String("ride_id", ride.ID.String()), zap.String("reason", res.Message))
			continue
		}
		released++
		sweepReleasedTotal.Inc()
	}
	return released, nil
}

// waiting counts rides whose retry is not due yet.
func (w *Worker) waiting(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, st := range w.retries {
		if now.Before(st.next) {
			n++
		}
	}
	return n
}

func (w *Worker) backingOff(id uuid.UUID, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.retries[id]
	return ok && now.Before(st.next)
}

func (w *Worker) recordFailure(id uuid.UUID, now time.Time) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := w.retries[id]
	st.attempts++
	delay := w.cfg.MaxBackoff
	if st.attempts < 16 {
		if d := w.cfg.PollInterval << st.attempts; d < delay {
			delay = d
		}
	}
	st.next = now.Add(delay)
	w.retries[id] = st
	return delay
}

func (w *Worker) forget(id uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.retries, id)
}

// forgetUnlisted drops retry state for rides that no longer hold an expired
// offer. Only valid when the listing was not truncated.
func (w *Worker) forgetUnlisted(rides []domain.Ride) {
	listed := make(map[uuid.UUID]struct{}, len(rides))
	for _, r := range rides {
		listed[r.ID] = struct{}{}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for id := range w.retries {
		if _, ok := listed[id]; !ok {
			delete(w.retries, id)
		}
	}
}
