package sweeper_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/rideflow/internal/directory"
	"github.com/example/rideflow/internal/notify"
	"github.com/example/rideflow/internal/ride/domain"
	"github.com/example/rideflow/internal/ride/repository"
	"github.com/example/rideflow/internal/ride/reservation"
	"github.com/example/rideflow/internal/ride/service"
	"github.com/example/rideflow/internal/ride/sweeper"
)

type stubClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type env struct {
	svc   *service.Service
	repo  *repository.MemoryRepository
	dir   *directory.MemoryDirectory
	clock *stubClock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clock := &stubClock{t: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	dir := directory.NewMemoryDirectory()
	for _, id := range []string{"d-1", "d-2", "d-3"} {
		dir.UpsertDriver(domain.DriverSummary{ID: id, Lat: 43.24, Lng: 76.89}, domain.DriverAvailable)
	}
	repo := repository.NewMemoryRepository()
	svc := service.New(service.Deps{
		Repo:         repo,
		Reservations: reservation.NewMemoryStore(clock),
		Directory:    dir,
		Notifier:     notify.NewLogNotifier(zap.NewNop()),
		Clock:        clock,
	}, service.Config{AcceptanceWindow: 30 * time.Second})
	return &env{svc: svc, repo: repo, dir: dir, clock: clock}
}

func (e *env) reserve(t *testing.T, driverID string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	res, err := e.svc.InitializeRide(ctx, service.InitializeRideRequest{
		RequesterID: "u-1",
		Pickup:      domain.Location{Address: "a", Lat: 43.24, Lng: 76.89},
		Drop:        domain.Location{Address: "b", Lat: 43.25, Lng: 76.95},
	})
	require.NoError(t, err)
	_, err = e.svc.SelectDriver(ctx, res.Ride.ID, driverID)
	require.NoError(t, err)
	return res.Ride.ID
}

func TestRunOnceReleasesOnlyExpiredOffers(t *testing.T) {
	e := newEnv(t)
	expired := e.reserve(t, "d-1")
	e.clock.Advance(20 * time.Second)
	fresh := e.reserve(t, "d-2")
	e.clock.Advance(10 * time.Second)

	w := sweeper.NewWorker(e.repo, e.svc, e.clock, zap.NewNop(), sweeper.WorkerConfig{BatchSize: 10})
	released, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, released)

	ride, err := e.repo.GetRideByID(context.Background(), expired)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRequested, ride.Status)
	require.Empty(t, ride.DriverID)
	require.Equal(t, domain.DriverAvailable, e.dir.Status("d-1"))

	ride, err = e.repo.GetRideByID(context.Background(), fresh)
	require.NoError(t, err)
	require.Equal(t, domain.StatusDriverReserved, ride.Status)

	released, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, released)
}

type failingHandler struct {
	calls int
	fail  uuid.UUID
	next  interface {
		HandleTimeout(ctx context.Context, rideID uuid.UUID) (service.Result, error)
	}
}

func (f *failingHandler) HandleTimeout(ctx context.Context, rideID uuid.UUID) (service.Result, error) {
	f.calls++
	if rideID == f.fail {
		return service.Result{}, errors.New("driver service down")
	}
	return f.next.HandleTimeout(ctx, rideID)
}

func TestRunOnceContinuesPastFailures(t *testing.T) {
	e := newEnv(t)
	first := e.reserve(t, "d-1")
	e.reserve(t, "d-2")
	e.clock.Advance(time.Minute)

	h := &failingHandler{fail: first, next: e.svc}
	w := sweeper.NewWorker(e.repo, h, e.clock, nil, sweeper.WorkerConfig{})
	released, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, h.calls)
	require.Equal(t, 1, released)
}

func TestFailingRideDoesNotStarveNewerOffers(t *testing.T) {
	e := newEnv(t)
	stuck := e.reserve(t, "d-1")
	e.clock.Advance(time.Second)
	newer := e.reserve(t, "d-2")
	e.clock.Advance(time.Minute)

	h := &failingHandler{fail: stuck, next: e.svc}
	w := sweeper.NewWorker(e.repo, h, e.clock, nil, sweeper.WorkerConfig{PollInterval: 5 * time.Second, BatchSize: 1})
	ctx := context.Background()

	released, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, released)
	require.Equal(t, 1, h.calls)

	// the stuck ride is backing off, so the next sweep reaches the newer one
	released, err = w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, released)
	require.Equal(t, 2, h.calls)
	ride, err := e.repo.GetRideByID(ctx, newer)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRequested, ride.Status)

	released, err = w.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, released)
	require.Equal(t, 2, h.calls)

	e.clock.Advance(10 * time.Second)
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, h.calls)

	// a second failure doubles the delay
	e.clock.Advance(10 * time.Second)
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, h.calls)
	e.clock.Advance(10 * time.Second)
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, h.calls)

	h.fail = uuid.Nil
	e.clock.Advance(time.Minute)
	released, err = w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, released)
	ride, err = e.repo.GetRideByID(ctx, stuck)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRequested, ride.Status)
}

type brokenLister struct{}

func (brokenLister) ListExpiredOffers(context.Context, time.Time, int) ([]domain.Ride, error) {
	return nil, errors.New("db unavailable")
}

func TestRunOnceSurfacesListErrors(t *testing.T) {
	e := newEnv(t)
	w := sweeper.NewWorker(brokenLister{}, e.svc, e.clock, nil, sweeper.WorkerConfig{})
	_, err := w.RunOnce(context.Background())
	require.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	e := newEnv(t)
	id := e.reserve(t, "d-3")
	e.clock.Advance(time.Minute)

	w := sweeper.NewWorker(e.repo, e.svc, e.clock, nil, sweeper.WorkerConfig{PollInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		ride, err := e.repo.GetRideByID(context.Background(), id)
		return err == nil && ride.Status == domain.StatusRequested
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
