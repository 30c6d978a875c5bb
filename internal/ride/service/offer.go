package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/rideflow/internal/ride/domain"
)

// ReleaseReason selects how a driver's offer ended when the ride falls back to
// REQUESTED.
type ReleaseReason int

const (
	ReleaseRejected ReleaseReason = iota + 1
	ReleaseTimedOut
)

func (r ReleaseReason) String() string {
	switch r {
	case ReleaseRejected:
		return "rejected"
	case ReleaseTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

type releaseNotice struct {
	driverType    domain.NotificationType
	driverMsg     string
	requesterType domain.NotificationType
	requesterMsg  string
	result        string
}

func (s *Service) releaseNotice(r ReleaseReason, ride domain.Ride) releaseNotice {
	if r == ReleaseTimedOut {
		return releaseNotice{
			driverType: domain.NotifyRideTimeout,
			driverMsg: fmt.Sprintf("You missed the %d-second window to respond to ride %s.",
				int(s.cfg.AcceptanceWindow.Seconds()), ride.ID),
			requesterType: domain.NotifyDriverTimeout,
			requesterMsg:  fmt.Sprintf("Driver %s did not respond in time. Please select another driver.", ride.DriverID),
			result:        "Driver did not respond in time. Please select another driver.",
		}
	}
	return releaseNotice{
		driverType:    domain.NotifyRideCancelled,
		driverMsg:     fmt.Sprintf("You have rejected ride %s.", ride.ID),
		requesterType: domain.NotifyDriverRejected,
		requesterMsg:  fmt.Sprintf("Driver %s declined your ride. Please select another driver.", ride.DriverID),
		result:        "Driver rejected the ride. Please select another driver.",
	}
}

// SelectDriver offers the ride to driverID for the acceptance window. An offer
// open for a different driver is superseded; re-selecting the driver whose
// offer is still open changes nothing and does not extend the window.
func (s *Service) SelectDriver(ctx context.Context, rideID uuid.UUID, driverID string) (res Result, err error) {
	ctx, done := s.begin(ctx, "select_driver", rideID)
	defer func() { done(res, err) }()

	driverID = strings.TrimSpace(driverID)
	if driverID == "" {
		return Result{}, fmt.Errorf("%w: driver id is required", domain.ErrValidation)
	}
	ride, err := s.load(ctx, rideID)
	if err != nil {
		return Result{}, err
	}
	if err := domain.CheckTransition(ride.Status, domain.StatusDriverReserved, "select driver"); err != nil {
		return Result{}, err
	}

	now := s.clock.Now()
	if ride.DriverID == driverID && ride.OfferOpen(now) {
		return Result{Ride: ride, Message: fmt.Sprintf("Driver %s has already been notified.", driverID)}, nil
	}

	key := domain.ReservationKey{RideID: ride.ID, DriverID: driverID}
	if err := s.reservations.PutWithTTL(ctx, key, s.cfg.AcceptanceWindow); err != nil {
		return Result{}, fmt.Errorf("open reservation: %w: %w", domain.ErrDependency, err)
	}

	expires := now.Add(s.cfg.AcceptanceWindow)
	next := ride
	next.Status = domain.StatusDriverReserved
	next.DriverID = driverID
	next.OfferExpiresAt = &expires
	next.UpdatedAt = now
	updated, err := s.commit(ctx, "select driver", ride, next)
	if err != nil {
		if _, derr := s.reservations.DeleteIfExists(context.WithoutCancel(ctx), key); derr != nil {
			s.logger.Warn("orphan reservation left to expire", zap.String("ride_id", ride.ID.String()), zap.Error(derr))
		}
		return Result{}, err
	}

	if ride.Status == domain.StatusDriverReserved && ride.DriverID != driverID {
		s.supersede(ctx, ride)
	}

	s.notify(ctx, updated, driverID, domain.RecipientDriver, domain.NotifyRideRequest,
		fmt.Sprintf("New ride request %s: %s to %s, fare %.2f. You have %d seconds to respond.",
			updated.ID, updated.Pickup.Address, updated.Drop.Address, updated.FareEstimate, int(s.cfg.AcceptanceWindow.Seconds())))
	return Result{
		Ride:    updated,
		Message: fmt.Sprintf("Driver %s has been notified and has %d seconds to respond.", driverID, int(s.cfg.AcceptanceWindow.Seconds())),
	}, nil
}

// supersede withdraws the previous driver's offer. The ride record already
// names the new driver, so a late response from the old one is discarded even
// if the delete fails.
func (s *Service) supersede(ctx context.Context, previous domain.Ride) {
	key := domain.ReservationKey{RideID: previous.ID, DriverID: previous.DriverID}
	deleted, err := s.reservations.DeleteIfExists(ctx, key)
	if err != nil {
		s.logger.Warn("withdraw superseded reservation failed", zap.String("ride_id", previous.ID.String()), zap.Error(err))
	}
	if deleted {
		s.notify(ctx, previous, previous.DriverID, domain.RecipientDriver, domain.NotifyRideCancelled,
			fmt.Sprintf("Ride %s was offered to another driver.", previous.ID))
	}
}

// HandleDriverResponse applies an accept or reject from the driver currently
// holding the offer. Responses from other drivers and duplicates are no-ops
// reported through Result.Stale. A response that finds the reservation gone is
// handled as a timeout and also reported as stale.
func (s *Service) HandleDriverResponse(ctx context.Context, rideID uuid.UUID, driverID string, accepted bool) (res Result, err error) {
	ctx, done := s.begin(ctx, "driver_response", rideID)
	defer func() { done(res, err) }()

	ride, err := s.load(ctx, rideID)
	if err != nil {
		return Result{}, err
	}
	if ride.DriverID != driverID {
		return s.stale(ride, fmt.Sprintf("Response from driver %s ignored: the offer was superseded.", driverID)), nil
	}
	if ride.Status != domain.StatusDriverReserved {
		return s.stale(ride, fmt.Sprintf("Response ignored: ride is already %s.", ride.Status)), nil
	}

	key := domain.ReservationKey{RideID: ride.ID, DriverID: driverID}
	deleted, err := s.reservations.DeleteIfExists(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("consume reservation: %w: %w", domain.ErrDependency, err)
	}
	if !deleted {
		timeout, err := s.expireOffer(ctx, ride)
		if err != nil {
			return Result{}, err
		}
		if timeout.Stale == nil {
			timeout.Stale = fmt.Errorf("%w: response arrived after the acceptance window", domain.ErrStaleOffer)
			staleResponses.Inc()
		}
		return timeout, nil
	}

	if !accepted {
		return s.release(ctx, ride, ReleaseRejected, &key)
	}
	return s.confirm(ctx, ride, key)
}

func (s *Service) confirm(ctx context.Context, ride domain.Ride, consumed domain.ReservationKey) (Result, error) {
	next := ride
	next.Status = domain.StatusConfirmed
	next.OfferExpiresAt = nil
	next.UpdatedAt = s.clock.Now()
	updated, err := s.commit(ctx, "accept offer", ride, next)
	if err != nil {
		s.restoreAfterFailedCommit(ctx, ride, &consumed, err)
		return Result{}, err
	}
	if err := s.markDriver(ctx, "accept", updated, ride, ride.DriverID, domain.DriverBusy, &consumed); err != nil {
		return Result{}, err
	}

	s.notify(ctx, updated, updated.RequesterID, domain.RecipientUser, domain.NotifyRideAccepted,
		fmt.Sprintf("Driver %s accepted your ride and is on the way.", updated.DriverID))
	return Result{Ride: updated, Message: "Ride confirmed by driver."}, nil
}

// HandleTimeout releases the driver if the ride's offer lapsed without a
// response. It is safe to call any number of times, from the sweeper or from
// a late response.
func (s *Service) HandleTimeout(ctx context.Context, rideID uuid.UUID) (res Result, err error) {
	ctx, done := s.begin(ctx, "timeout", rideID)
	defer func() { done(res, err) }()

	ride, err := s.load(ctx, rideID)
	if err != nil {
		return Result{}, err
	}
	return s.expireOffer(ctx, ride)
}

// expireOffer releases a reserved ride whose reservation is gone. If another
// replica settled the ride first the version check fails and the call reports
// the settled ride as stale.
func (s *Service) expireOffer(ctx context.Context, ride domain.Ride) (Result, error) {
	if ride.Status != domain.StatusDriverReserved {
		return s.stale(ride, fmt.Sprintf("No open offer: ride is %s.", ride.Status)), nil
	}
	key := domain.ReservationKey{RideID: ride.ID, DriverID: ride.DriverID}
	open, err := s.reservations.Exists(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("check reservation: %w: %w", domain.ErrDependency, err)
	}
	if open {
		return s.stale(ride, fmt.Sprintf("Driver %s still has time to respond.", ride.DriverID)), nil
	}
	res, err := s.release(ctx, ride, ReleaseTimedOut, nil)
	if errors.Is(err, domain.ErrConcurrentUpdate) {
		current, lerr := s.load(ctx, ride.ID)
		if lerr != nil {
			return Result{}, lerr
		}
		return s.stale(current, fmt.Sprintf("Offer already settled: ride is %s.", current.Status)), nil
	}
	return res, err
}

// release returns a reserved ride to REQUESTED and frees its driver. consumed
// is the reservation this call deleted, reopened if the driver cannot be freed.
func (s *Service) release(ctx context.Context, ride domain.Ride, reason ReleaseReason, consumed *domain.ReservationKey) (Result, error) {
	next := ride
	next.Status = domain.StatusRequested
	next.DriverID = ""
	next.OfferExpiresAt = nil
	next.UpdatedAt = s.clock.Now()
	updated, err := s.commit(ctx, "release offer ("+reason.String()+")", ride, next)
	if err != nil {
		s.restoreAfterFailedCommit(ctx, ride, consumed, err)
		return Result{}, err
	}
	if err := s.markDriver(ctx, "release_"+reason.String(), updated, ride, ride.DriverID, domain.DriverAvailable, consumed); err != nil {
		return Result{}, err
	}

	s.logger.Info("offer released",
		zap.String("ride_id", ride.ID.String()),
		zap.String("driver_id", ride.DriverID),
		zap.Stringer("reason", reason))

	notice := s.releaseNotice(reason, ride)
	s.notify(ctx, updated, ride.DriverID, domain.RecipientDriver, notice.driverType, notice.driverMsg)
	s.notify(ctx, updated, updated.RequesterID, domain.RecipientUser, notice.requesterType, notice.requesterMsg)

	drivers, ok := s.nearby(ctx, updated)
	msg := notice.result
	if !ok {
		msg += " Nearby drivers are unavailable right now, please retry the search."
	}
	return Result{Ride: updated, NearbyDrivers: drivers, Message: msg}, nil
}

// restoreAfterFailedCommit reopens a consumed reservation when the ride write
// failed for a dependency reason, so the driver can repeat the response. A lost
// version race means the ride moved on and the offer stays closed.
func (s *Service) restoreAfterFailedCommit(ctx context.Context, ride domain.Ride, consumed *domain.ReservationKey, err error) {
	if consumed == nil || !errors.Is(err, domain.ErrDependency) {
		return
	}
	compensations.WithLabelValues("reopen_reservation").Inc()
	s.logger.Warn("ride write failed, reopening reservation",
		zap.String("ride_id", ride.ID.String()), zap.String("driver_id", consumed.DriverID), zap.Error(err))
	s.reopen(ctx, ride, consumed)
}

func (s *Service) stale(ride domain.Ride, reason string) Result {
	staleResponses.Inc()
	s.logger.Info("stale offer ignored", zap.String("ride_id", ride.ID.String()), zap.String("reason", reason))
	return Result{Ride: ride, Message: reason, Stale: fmt.Errorf("%w: %s", domain.ErrStaleOffer, reason)}
}
