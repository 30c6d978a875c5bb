package reservation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/rideflow/internal/ride/domain"
	"github.com/example/rideflow/internal/ride/reservation"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

func TestRedisStoreLifecycle(t *testing.T) {
	mr, client := newRedis(t)
	store := reservation.NewRedisStore(client, "")
	ctx := context.Background()
	key := domain.ReservationKey{RideID: uuid.New(), DriverID: "driver-7"}

	require.NoError(t, store.PutWithTTL(ctx, key, 30*time.Second))
	require.True(t, mr.Exists("ride:driver:reservation:"+key.RideID.String()+":driver-7"))

	val, err := mr.Get("ride:driver:reservation:" + key.String())
	require.NoError(t, err)
	require.Equal(t, "pending", val)

	ok, err := store.Exists(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	deleted, err := store.DeleteIfExists(ctx, key)
	require.NoError(t, err)
	require.True(t, deleted)

	deleted, err = store.DeleteIfExists(ctx, key)
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestRedisStoreExpiry(t *testing.T) {
	mr, client := newRedis(t)
	store := reservation.NewRedisStore(client, "test:")
	ctx := context.Background()
	key := domain.ReservationKey{RideID: uuid.New(), DriverID: "d1"}

	require.NoError(t, store.PutWithTTL(ctx, key, 30*time.Second))
	mr.FastForward(29 * time.Second)
	ok, err := store.Exists(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	ok, err = store.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)

	deleted, err := store.DeleteIfExists(ctx, key)
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestRedisStoreRejectsNonPositiveTTL(t *testing.T) {
	_, client := newRedis(t)
	store := reservation.NewRedisStore(client, "")
	err := store.PutWithTTL(context.Background(), domain.ReservationKey{RideID: uuid.New(), DriverID: "d"}, 0)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestRedisStoreSurfacesConnectionErrors(t *testing.T) {
	mr, client := newRedis(t)
	store := reservation.NewRedisStore(client, "")
	mr.Close()

	_, err := store.Exists(context.Background(), domain.ReservationKey{RideID: uuid.New(), DriverID: "d"})
	require.Error(t, err)
}

func TestMemoryStoreExpiresAgainstClock(t *testing.T) {
	clock := &manualClock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	store := reservation.NewMemoryStore(clock)
	ctx := context.Background()
	key := domain.ReservationKey{RideID: uuid.New(), DriverID: "d1"}

	require.NoError(t, store.PutWithTTL(ctx, key, 30*time.Second))
	require.Equal(t, 1, store.Len())

	clock.Advance(30 * time.Second)
	ok, err := store.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 0, store.Len())
}

func TestMemoryStoreDeleteIfExistsHasSingleWinner(t *testing.T) {
	store := reservation.NewMemoryStore(nil)
	ctx := context.Background()
	key := domain.ReservationKey{RideID: uuid.New(), DriverID: "d1"}
	require.NoError(t, store.PutWithTTL(ctx, key, time.Minute))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			deleted, err := store.DeleteIfExists(ctx, key)
			require.NoError(t, err)
			if deleted {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
}
