package repository

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/rideflow/internal/ride/domain"
)

// MemoryRepository provides an in-memory implementation suitable for tests and local demos.
type MemoryRepository struct {
	mu    sync.RWMutex
	rides map[uuid.UUID]domain.Ride
}

// NewMemoryRepository constructs an empty memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rides: make(map[uuid.UUID]domain.Ride)}
}

// CreateRide stores the ride and returns it.
func (m *MemoryRepository) CreateRide(_ context.Context, ride domain.Ride) (domain.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[ride.ID]; ok {
		return domain.Ride{}, fmt.Errorf("ride %s already exists", ride.ID)
	}
	if ride.Version == 0 {
		ride.Version = 1
	}
	m.rides[ride.ID] = cloneRide(ride)
	return cloneRide(ride), nil
}

// GetRideByID retrieves a ride.
func (m *MemoryRepository) GetRideByID(_ context.Context, id uuid.UUID) (domain.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ride, ok := m.rides[id]
	if !ok {
		return domain.Ride{}, fmt.Errorf("ride %s: %w", id, domain.ErrRideNotFound)
	}
	return cloneRide(ride), nil
}

// UpdateRide replaces the stored ride, performing optimistic locking on version.
func (m *MemoryRepository) UpdateRide(_ context.Context, ride domain.Ride) (domain.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.rides[ride.ID]
	if !ok {
		return domain.Ride{}, fmt.Errorf("ride %s: %w", ride.ID, domain.ErrRideNotFound)
	}
	if existing.Version != ride.Version {
		return domain.Ride{}, fmt.Errorf("ride %s at version %d, have %d: %w", ride.ID, existing.Version, ride.Version, domain.ErrConcurrentUpdate)
	}
	ride.Version = existing.Version + 1
	m.rides[ride.ID] = cloneRide(ride)
	return cloneRide(ride), nil
}

func (m *MemoryRepository) ListRidesByRequester(_ context.Context, requesterID string, statuses ...domain.RideStatus) ([]domain.Ride, error) {
	return m.filter(func(r domain.Ride) bool {
		return r.RequesterID == requesterID && statusIn(r.Status, statuses)
	}), nil
}

func (m *MemoryRepository) ListRidesByDriver(_ context.Context, driverID string, statuses ...domain.RideStatus) ([]domain.Ride, error) {
	return m.filter(func(r domain.Ride) bool {
		return r.DriverID == driverID && statusIn(r.Status, statuses)
	}), nil
}

// ListExpiredOffers returns reserved rides whose window closed at or before the
// given instant, oldest deadline first.
func (m *MemoryRepository) ListExpiredOffers(_ context.Context, before time.Time, limit int) ([]domain.Ride, error) {
	out := m.filter(func(r domain.Ride) bool {
		return r.Status == domain.StatusDriverReserved && r.OfferExpiresAt != nil && !r.OfferExpiresAt.After(before)
	})
	slices.SortFunc(out, func(a, b domain.Ride) int {
		return a.OfferExpiresAt.Compare(*b.OfferExpiresAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) filter(keep func(domain.Ride) bool) []domain.Ride {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Ride, 0)
	for _, ride := range m.rides {
		if keep(ride) {
			out = append(out, cloneRide(ride))
		}
	}
	slices.SortFunc(out, func(a, b domain.Ride) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

func statusIn(s domain.RideStatus, statuses []domain.RideStatus) bool {
	return len(statuses) == 0 || slices.Contains(statuses, s)
}

// cloneRide detaches the pointer field so callers cannot mutate stored state.
func cloneRide(r domain.Ride) domain.Ride {
	if r.OfferExpiresAt != nil {
		t := *r.OfferExpiresAt
		r.OfferExpiresAt = &t
	}
	return r
}
