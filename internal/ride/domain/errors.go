package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrRideNotFound      = errors.New("ride not found")
	ErrInvalidTransition = errors.New("invalid ride state transition")
	ErrStaleOffer        = errors.New("stale driver offer")
	ErrDependency        = errors.New("dependency failure")
	ErrNotification      = errors.New("notification failure")
	ErrConcurrentUpdate  = errors.New("ride modified concurrently")
)

// TransitionError records the rejected move for callers that want more than errors.Is.
type TransitionError struct {
	From RideStatus
	To   RideStatus
	Op   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: cannot move ride from %s to %s", e.Op, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ValidateCoordinates checks that lat/lng fall inside the WGS84 ranges.
func ValidateCoordinates(lat, lng float64) error {
	if lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range [-90, 90]", ErrValidation, lat)
	}
	if lng < -180 || lng > 180 {
		return fmt.Errorf("%w: longitude %v out of range [-180, 180]", ErrValidation, lng)
	}
	return nil
}
