package reservation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/rideflow/internal/ride/domain"
)

// MemoryStore is a process-local store whose entries expire lazily against the
// injected clock.
type MemoryStore struct {
	mu      sync.Mutex
	clock   domain.Clock
	expires map[domain.ReservationKey]time.Time
}

// NewMemoryStore constructs MemoryStore.
func NewMemoryStore(clock domain.Clock) *MemoryStore {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &MemoryStore{clock: clock, expires: make(map[domain.ReservationKey]time.Time)}
}

func (m *MemoryStore) PutWithTTL(_ context.Context, key domain.ReservationKey, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("%w: reservation ttl must be positive", domain.ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expires[key] = m.clock.Now().Add(ttl)
	return nil
}

func (m *MemoryStore) Exists(_ context.Context, key domain.ReservationKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveLocked(key), nil
}

func (m *MemoryStore) DeleteIfExists(_ context.Context, key domain.ReservationKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := m.liveLocked(key)
	delete(m.expires, key)
	return live, nil
}

// Len returns the number of live reservations (for tests).
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key := range m.expires {
		if m.liveLocked(key) {
			n++
		}
	}
	return n
}

func (m *MemoryStore) liveLocked(key domain.ReservationKey) bool {
	deadline, ok := m.expires[key]
	if !ok {
		return false
	}
	if !m.clock.Now().Before(deadline) {
		delete(m.expires, key)
		return false
	}
	return true
}
