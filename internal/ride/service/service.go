package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/rideflow/internal/ride/domain"
)

// Deps are the collaborators the orchestrator needs. All but Logger, Fare and
// Clock are required.
type Deps struct {
	Repo         domain.Repository
	Reservations domain.ReservationStore
	Directory    domain.DriverDirectory
	Notifier     domain.Notifier
	Fare         domain.FareEstimator
	Clock        domain.Clock
	Logger       *zap.Logger
}

// Config holds orchestrator tunables.
type Config struct {
	AcceptanceWindow time.Duration
	CandidateLimit   int
}

// Service owns the ride state machine and the driver reservation protocol.
type Service struct {
	repo         domain.Repository
	reservations domain.ReservationStore
	directory    domain.DriverDirectory
	notifier     domain.Notifier
	fare         domain.FareEstimator
	clock        domain.Clock
	logger       *zap.Logger
	tracer       trace.Tracer
	cfg          Config

	// Mutations of one ride are serialized within the process; across
	// replicas the version check in commit decides.
	rideLocks [64]sync.Mutex
}

// New constructs a Service, filling optional collaborators and config defaults.
func New(deps Deps, cfg Config) *Service {
	if cfg.AcceptanceWindow <= 0 {
		cfg.AcceptanceWindow = 30 * time.Second
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = 5
	}
	if deps.Fare == nil {
		deps.Fare = domain.FlatFare(15)
	}
	if deps.Clock == nil {
		deps.Clock = domain.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Service{
		repo:         deps.Repo,
		reservations: deps.Reservations,
		directory:    deps.Directory,
		notifier:     deps.Notifier,
		fare:         deps.Fare,
		clock:        deps.Clock,
		logger:       deps.Logger,
		tracer:       otel.Tracer("ride.service"),
		cfg:          cfg,
	}
}

// Result is the authoritative ride after an operation plus what the caller
// should show. Stale is non-nil (wrapping domain.ErrStaleOffer) when the call
// was discarded as a no-op.
type Result struct {
	Ride          domain.Ride
	NearbyDrivers []domain.DriverSummary
	Message       string
	Stale         error
}

// InitializeRideRequest contains the request payload for creating a ride.
type InitializeRideRequest struct {
	RequesterID string
	Pickup      domain.Location
	Drop        domain.Location
}

func (r InitializeRideRequest) validate() error {
	var problems []string
	if strings.TrimSpace(r.RequesterID) == "" {
		problems = append(problems, "requester id is required")
	}
	if strings.TrimSpace(r.Pickup.Address) == "" {
		problems = append(problems, "pickup address is required")
	}
	if strings.TrimSpace(r.Drop.Address) == "" {
		problems = append(problems, "drop address is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrValidation, strings.Join(problems, "; "))
	}
	if err := domain.ValidateCoordinates(r.Pickup.Lat, r.Pickup.Lng); err != nil {
		return fmt.Errorf("pickup: %w", err)
	}
	if err := domain.ValidateCoordinates(r.Drop.Lat, r.Drop.Lng); err != nil {
		return fmt.Errorf("drop: %w", err)
	}
	return nil
}

// InitializeRide creates a ride in REQUESTED and returns candidate drivers near
// the pickup. A failing candidate lookup does not fail the call.
func (s *Service) InitializeRide(ctx context.Context, req InitializeRideRequest) (res Result, err error) {
	ctx, done := s.begin(ctx, "initialize", uuid.Nil)
	defer func() { done(res, err) }()

	if err := req.validate(); err != nil {
		return Result{}, err
	}

	now := s.clock.Now()
	ride := domain.Ride{
		ID:           uuid.New(),
		RequesterID:  strings.TrimSpace(req.RequesterID),
		Pickup:       req.Pickup,
		Drop:         req.Drop,
		FareEstimate: s.fare.Estimate(req.Pickup, req.Drop),
		Status:       domain.StatusRequested,
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}
	created, err := s.repo.CreateRide(ctx, ride)
	if err != nil {
		return Result{}, fmt.Errorf("create ride: %w: %w", domain.ErrDependency, err)
	}

	drivers, ok := s.nearby(ctx, created)
	msg := "Ride request initialized. Please select a driver."
	if !ok {
		msg = "Ride request initialized. Nearby drivers are unavailable right now, please retry the search."
	}
	return Result{Ride: created, NearbyDrivers: drivers, Message: msg}, nil
}

// GetRide retrieves a ride by identifier.
func (s *Service) GetRide(ctx context.Context, id uuid.UUID) (domain.Ride, error) {
	return s.load(ctx, id)
}

// ListRidesByRequester returns the requester's rides, optionally filtered by status.
func (s *Service) ListRidesByRequester(ctx context.Context, requesterID string, statuses ...domain.RideStatus) ([]domain.Ride, error) {
	if strings.TrimSpace(requesterID) == "" {
		return nil, fmt.Errorf("%w: requester id is required", domain.ErrValidation)
	}
	rides, err := s.repo.ListRidesByRequester(ctx, requesterID, statuses...)
	if err != nil {
		return nil, fmt.Errorf("list rides: %w: %w", domain.ErrDependency, err)
	}
	return rides, nil
}

// ListRidesByDriver returns rides the driver is or was attached to.
func (s *Service) ListRidesByDriver(ctx context.Context, driverID string, statuses ...domain.RideStatus) ([]domain.Ride, error) {
	if strings.TrimSpace(driverID) == "" {
		return nil, fmt.Errorf("%w: driver id is required", domain.ErrValidation)
	}
	rides, err := s.repo.ListRidesByDriver(ctx, driverID, statuses...)
	if err != nil {
		return nil, fmt.Errorf("list rides: %w: %w", domain.ErrDependency, err)
	}
	return rides, nil
}

// StartRide transitions CONFIRMED -> IN_PROGRESS and re-asserts the driver as busy.
func (s *Service) StartRide(ctx context.Context, rideID uuid.UUID) (res Result, err error) {
	ctx, done := s.begin(ctx, "start", rideID)
	defer func() { done(res, err) }()

	ride, err := s.load(ctx, rideID)
	if err != nil {
		return Result{}, err
	}
	next := ride
	next.Status = domain.StatusInProgress
	next.UpdatedAt = s.clock.Now()
	updated, err := s.commit(ctx, "start ride", ride, next)
	if err != nil {
		return Result{}, err
	}
	if err := s.markDriver(ctx, "start", updated, ride, ride.DriverID, domain.DriverBusy, nil); err != nil {
		return Result{}, err
	}

	s.notify(ctx, updated, updated.RequesterID, domain.RecipientUser, domain.NotifyRideStarted,
		"Your ride has started. Enjoy your trip!")
	return Result{Ride: updated, Message: "Ride started successfully."}, nil
}

// CompleteRide transitions IN_PROGRESS -> COMPLETED. The driver stays on the
// record and is made available again.
func (s *Service) CompleteRide(ctx context.Context, rideID uuid.UUID) (res Result, err error) {
	ctx, done := s.begin(ctx, "complete", rideID)
	defer func() { done(res, err) }()

	ride, err := s.load(ctx, rideID)
	if err != nil {
		return Result{}, err
	}
	next := ride
	next.Status = domain.StatusCompleted
	next.UpdatedAt = s.clock.Now()
	updated, err := s.commit(ctx, "complete ride", ride, next)
	if err != nil {
		return Result{}, err
	}
	if err := s.markDriver(ctx, "complete", updated, ride, ride.DriverID, domain.DriverAvailable, nil); err != nil {
		return Result{}, err
	}

	s.notify(ctx, updated, updated.RequesterID, domain.RecipientUser, domain.NotifyRideCompleted,
		"Your ride is complete. Please rate your driver.")
	s.notify(ctx, updated, updated.DriverID, domain.RecipientDriver, domain.NotifyRideCompleted,
		"Ride completed. Please rate your passenger.")
	return Result{Ride: updated, Message: "Ride completed successfully. Please provide your rating."}, nil
}

// CancelRide moves any non-terminal ride to CANCELLED, withdrawing an open
// offer and releasing an attached driver.
func (s *Service) CancelRide(ctx context.Context, rideID uuid.UUID) (res Result, err error) {
	ctx, done := s.begin(ctx, "cancel", rideID)
	defer func() { done(res, err) }()

	ride, err := s.load(ctx, rideID)
	if err != nil {
		return Result{}, err
	}
	next := ride
	next.Status = domain.StatusCancelled
	next.DriverID = ""
	next.OfferExpiresAt = nil
	next.UpdatedAt = s.clock.Now()
	updated, err := s.commit(ctx, "cancel ride", ride, next)
	if err != nil {
		return Result{}, err
	}

	var withdrawn *domain.ReservationKey
	if ride.Status == domain.StatusDriverReserved {
		key := domain.ReservationKey{RideID: ride.ID, DriverID: ride.DriverID}
		deleted, err := s.reservations.DeleteIfExists(ctx, key)
		if err != nil {
			s.logger.Warn("withdraw reservation failed", zap.String("ride_id", ride.ID.String()), zap.Error(err))
		}
		if deleted {
			withdrawn = &key
		}
	}
	if ride.HasDriver() {
		if err := s.markDriver(ctx, "cancel", updated, ride, ride.DriverID, domain.DriverAvailable, withdrawn); err != nil {
			return Result{}, err
		}
		s.notify(ctx, updated, ride.DriverID, domain.RecipientDriver, domain.NotifyRideCancelled,
			fmt.Sprintf("Ride %s has been cancelled by the passenger.", ride.ID))
	}
	s.notify(ctx, updated, updated.RequesterID, domain.RecipientUser, domain.NotifyRideCancelled,
		fmt.Sprintf("Your ride %s has been cancelled.", ride.ID))
	return Result{Ride: updated, Message: "Ride cancelled."}, nil
}

// begin opens the operation span and, for an existing ride, takes its lock.
// The returned func releases both.
func (s *Service) begin(ctx context.Context, op string, rideID uuid.UUID) (context.Context, func(Result, error)) {
	ctx, span := s.tracer.Start(ctx, "ride."+op)
	unlock := func() {}
	if rideID != uuid.Nil {
		span.SetAttributes(attribute.String("ride.id", rideID.String()))
		mu := &s.rideLocks[int(rideID[len(rideID)-1])%len(s.rideLocks)]
		mu.Lock()
		unlock = mu.Unlock
	}
	start := time.Now()
	return ctx, func(res Result, err error) {
		unlock()
		outcome := "ok"
		switch {
		case err != nil:
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case res.Stale != nil:
			outcome = "stale"
		}
		transitions.WithLabelValues(op, outcome).Inc()
		operationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		span.End()
	}
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (domain.Ride, error) {
	ride, err := s.repo.GetRideByID(ctx, id)
	if errors.Is(err, domain.ErrRideNotFound) {
		return domain.Ride{}, err
	}
	if err != nil {
		return domain.Ride{}, fmt.Errorf("load ride %s: %w: %w", id, domain.ErrDependency, err)
	}
	return ride, nil
}

// commit checks prev -> next against the transition table and writes next
// with a compare-and-swap on its version.
func (s *Service) commit(ctx context.Context, op string, prev, next domain.Ride) (domain.Ride, error) {
	if err := domain.CheckTransition(prev.Status, next.Status, op); err != nil {
		return domain.Ride{}, err
	}
	updated, err := s.repo.UpdateRide(ctx, next)
	switch {
	case err == nil:
		return updated, nil
	case errors.Is(err, domain.ErrConcurrentUpdate), errors.Is(err, domain.ErrRideNotFound):
		return domain.Ride{}, fmt.Errorf("%s: %w", op, err)
	default:
		return domain.Ride{}, fmt.Errorf("%s: %w: %w", op, domain.ErrDependency, err)
	}
}

// markDriver writes the driver status. On failure the committed ride is rolled
// back to previous and a consumed reservation is reopened for whatever is left
// of its window.
func (s *Service) markDriver(ctx context.Context, op string, committed, previous domain.Ride, driverID string, status domain.DriverStatus, consumed *domain.ReservationKey) error {
	err := s.directory.SetDriverStatus(ctx, driverID, status)
	if err == nil {
		return nil
	}
	s.rollback(ctx, op, committed, previous, consumed)
	return fmt.Errorf("%s: set driver %s %s: %w: %w", op, driverID, status, domain.ErrDependency, err)
}

func (s *Service) rollback(ctx context.Context, op string, committed, previous domain.Ride, consumed *domain.ReservationKey) {
	ctx = context.WithoutCancel(ctx)
	compensations.WithLabelValues(op).Inc()
	log := s.logger.With(zap.String("ride_id", previous.ID.String()), zap.String("operation", op))

	restore := previous
	restore.Version = committed.Version
	if _, err := s.repo.UpdateRide(ctx, restore); err != nil {
		log.Error("ride rollback failed", zap.String("stuck_status", string(committed.Status)), zap.Error(err))
		return
	}
	log.Warn("ride rolled back", zap.String("status", string(previous.Status)))
	s.reopen(ctx, previous, consumed)
}

// reopen puts back a reservation this call consumed, for whatever is left of
// the ride's recorded window.
func (s *Service) reopen(ctx context.Context, ride domain.Ride, consumed *domain.ReservationKey) {
	if consumed == nil || ride.OfferExpiresAt == nil {
		return
	}
	remaining := ride.OfferExpiresAt.Sub(s.clock.Now())
	if remaining <= 0 {
		return
	}
	if err := s.reservations.PutWithTTL(context.WithoutCancel(ctx), *consumed, remaining); err != nil {
		s.logger.Error("reservation restore failed", zap.String("ride_id", ride.ID.String()), zap.Error(err))
	}
}

func (s *Service) nearby(ctx context.Context, ride domain.Ride) ([]domain.DriverSummary, bool) {
	drivers, err := s.directory.FindNearby(ctx, ride.Pickup.Lat, ride.Pickup.Lng, s.cfg.CandidateLimit)
	if err != nil {
		s.logger.Warn("nearby driver lookup failed", zap.String("ride_id", ride.ID.String()), zap.Error(err))
		return []domain.DriverSummary{}, false
	}
	if drivers == nil {
		drivers = []domain.DriverSummary{}
	}
	return drivers, true
}

// notify is best effort: failures are logged and counted only.
func (s *Service) notify(ctx context.Context, ride domain.Ride, recipientID string, recipient domain.RecipientType, typ domain.NotificationType, message string) {
	if recipientID == "" {
		return
	}
	err := s.notifier.Send(ctx, domain.Notification{
		RecipientID:   recipientID,
		RecipientType: recipient,
		Type:          typ,
		Message:       message,
		RideID:        ride.ID,
	})
	if err != nil {
		notificationFailures.WithLabelValues(string(typ)).Inc()
		s.logger.Warn("notification failed",
			zap.String("ride_id", ride.ID.String()),
			zap.String("recipient_id", recipientID),
			zap.String("type", string(typ)),
			zap.Error(err))
	}
}
