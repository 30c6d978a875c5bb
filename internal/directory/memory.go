package directory

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync"

	"github.com/example/rideflow/internal/ride/domain"
)

// MemoryDirectory keeps driver positions and statuses in process. Used for
// local runs and tests.
type MemoryDirectory struct {
	mu       sync.RWMutex
	drivers  map[string]domain.DriverSummary
	statuses map[string]domain.DriverStatus
}

// NewMemoryDirectory constructs MemoryDirectory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		drivers:  make(map[string]domain.DriverSummary),
		statuses: make(map[string]domain.DriverStatus),
	}
}

// UpsertDriver registers or moves a driver.
func (m *MemoryDirectory) UpsertDriver(driver domain.DriverSummary, status domain.DriverStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[driver.ID] = driver
	m.statuses[driver.ID] = status
}

// Status returns the last status written for a driver.
func (m *MemoryDirectory) Status(driverID string) domain.DriverStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statuses[driverID]
}

// FindNearby returns available drivers ordered by great-circle distance.
func (m *MemoryDirectory) FindNearby(_ context.Context, lat, lng float64, limit int) ([]domain.DriverSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type candidate struct {
		driver domain.DriverSummary
		dist   float64
	}
	origin := domain.Location{Lat: lat, Lng: lng}
	candidates := make([]candidate, 0, len(m.drivers))
	for id, d := range m.drivers {
		if m.statuses[id] != domain.DriverAvailable {
			continue
		}
		candidates = append(candidates, candidate{driver: d, dist: haversine(origin, domain.Location{Lat: d.Lat, Lng: d.Lng})})
	}
	slices.SortFunc(candidates, func(a, b candidate) int {
		switch {
		case a.dist < b.dist:
			return -1
		case a.dist > b.dist:
			return 1
		default:
			return 0
		}
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]domain.DriverSummary, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.driver)
	}
	return out, nil
}

// SetDriverStatus records the status. A driver without a known position keeps
// the status but is not returned by FindNearby until UpsertDriver places it.
func (m *MemoryDirectory) SetDriverStatus(_ context.Context, driverID string, status domain.DriverStatus) error {
	if driverID == "" {
		return errors.New("driver id is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[driverID] = status
	return nil
}

// haversine returns the distance in meters.
func haversine(a, b domain.Location) float64 {
	const earthRadius = 6371000.0
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dlat := toRadians(b.Lat - a.Lat)
	dlon := toRadians(b.Lng - a.Lng)

	sinDlat := math.Sin(dlat / 2)
	sinDlon := math.Sin(dlon / 2)
	aa := sinDlat*sinDlat + math.Cos(lat1)*math.Cos(lat2)*sinDlon*sinDlon
	return earthRadius * 2 * math.Atan2(math.Sqrt(aa), math.Sqrt(1-aa))
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
