package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type RideStatus string

const (
	StatusRequested      RideStatus = "REQUESTED"
	StatusDriverReserved RideStatus = "DRIVER_RESERVED"
	StatusConfirmed      RideStatus = "CONFIRMED"
	StatusInProgress     RideStatus = "IN_PROGRESS"
	StatusCompleted      RideStatus = "COMPLETED"
	StatusCancelled      RideStatus = "CANCELLED"
)

// DRIVER_RESERVED -> REQUESTED is the only backwards edge (rejection or timeout).
var allowedTransitions = map[RideStatus][]RideStatus{
	StatusRequested:      {StatusDriverReserved, StatusCancelled},
	StatusDriverReserved: {StatusDriverReserved, StatusConfirmed, StatusRequested, StatusCancelled},
	StatusConfirmed:      {StatusInProgress, StatusCancelled},
	StatusInProgress:     {StatusCompleted, StatusCancelled},
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s RideStatus) CanTransitionTo(next RideStatus) bool {
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// CheckTransition returns a *TransitionError when to is not reachable from
// from in one step.
func CheckTransition(from, to RideStatus, op string) error {
	if from.CanTransitionTo(to) {
		return nil
	}
	return &TransitionError{From: from, To: to, Op: op}
}

// Terminal reports whether no further transitions are possible.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// HoldsDriver reports whether a ride in this status must reference a driver.
func (s RideStatus) HoldsDriver() bool {
	switch s {
	case StatusDriverReserved, StatusConfirmed, StatusInProgress:
		return true
	default:
		return false
	}
}

// ParseRideStatus validates a wire representation of a status.
func ParseRideStatus(raw string) (RideStatus, error) {
	switch s := RideStatus(raw); s {
	case StatusRequested, StatusDriverReserved, StatusConfirmed, StatusInProgress, StatusCompleted, StatusCancelled:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown ride status %q", ErrValidation, raw)
	}
}

type Location struct {
	Address string  `json:"address"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
}

type Ride struct {
	ID             uuid.UUID
	RequesterID    string
	DriverID       string
	Pickup         Location
	Drop           Location
	FareEstimate   float64
	Status         RideStatus
	OfferExpiresAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Version        int64
}

// HasDriver reports whether a driver is currently attached to the ride.
func (r Ride) HasDriver() bool { return r.DriverID != "" }

// OfferOpen reports whether the acceptance window is still running at now.
func (r Ride) OfferOpen(now time.Time) bool {
	return r.Status == StatusDriverReserved && r.OfferExpiresAt != nil && now.Before(*r.OfferExpiresAt)
}

// DriverSummary is a candidate returned by the driver directory.
type DriverSummary struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Phone string  `json:"phone"`
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
}

type DriverStatus string

const (
	DriverAvailable DriverStatus = "ONLINE"
	DriverBusy      DriverStatus = "BUSY"
)

type RecipientType string

const (
	RecipientUser   RecipientType = "USER"
	RecipientDriver RecipientType = "DRIVER"
)

type NotificationType string

const (
	NotifyRideRequest    NotificationType = "RIDE_REQUEST"
	NotifyRideAccepted   NotificationType = "RIDE_ACCEPTED"
	NotifyRideStarted    NotificationType = "RIDE_STARTED"
	NotifyRideCompleted  NotificationType = "RIDE_COMPLETED"
	NotifyRideTimeout    NotificationType = "RIDE_TIMEOUT"
	NotifyDriverTimeout  NotificationType = "DRIVER_TIMEOUT"
	NotifyDriverRejected NotificationType = "DRIVER_REJECTED"
	NotifyRideCancelled  NotificationType = "RIDE_CANCELLED"
)

type Notification struct {
	RecipientID   string           `json:"recipient_id"`
	RecipientType RecipientType    `json:"recipient_type"`
	Type          NotificationType `json:"notification_type"`
	Message       string           `json:"message"`
	RideID        uuid.UUID        `json:"ride_id"`
}

// ReservationKey identifies the pending offer of one ride to one driver.
type ReservationKey struct {
	RideID   uuid.UUID
	DriverID string
}

func (k ReservationKey) String() string {
	return k.RideID.String() + ":" + k.DriverID
}

type Repository interface {
	CreateRide(ctx context.Context, ride Ride) (Ride, error)
	GetRideByID(ctx context.Context, id uuid.UUID) (Ride, error)
	// UpdateRide is a compare-and-swap on ride.Version. The stored version is
	// incremented and the new record returned.
	UpdateRide(ctx context.Context, ride Ride) (Ride, error)
	ListRidesByRequester(ctx context.Context, requesterID string, statuses ...RideStatus) ([]Ride, error)
	ListRidesByDriver(ctx context.Context, driverID string, statuses ...RideStatus) ([]Ride, error)
	ListExpiredOffers(ctx context.Context, before time.Time, limit int) ([]Ride, error)
}

type ReservationStore interface {
	PutWithTTL(ctx context.Context, key ReservationKey, ttl time.Duration) error
	Exists(ctx context.Context, key ReservationKey) (bool, error)
	// DeleteIfExists removes the key atomically and reports whether it was present.
	DeleteIfExists(ctx context.Context, key ReservationKey) (bool, error)
}

type DriverDirectory interface {
	FindNearby(ctx context.Context, lat, lng float64, limit int) ([]DriverSummary, error)
	SetDriverStatus(ctx context.Context, driverID string, status DriverStatus) error
}

type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

type FareEstimator interface {
	Estimate(pickup, drop Location) float64
}

// FlatFare charges the same amount for every ride.
type FlatFare float64

func (f FlatFare) Estimate(_, _ Location) float64 { return float64(f) }

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
