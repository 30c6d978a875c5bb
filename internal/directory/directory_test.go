package directory_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/rideflow/internal/directory"
	"github.com/example/rideflow/internal/ride/domain"
)

var (
	near = domain.DriverSummary{ID: "d-near", Name: "Aibek", Phone: "+7700", Lat: 43.2380, Lng: 76.8890}
	mid  = domain.DriverSummary{ID: "d-mid", Name: "Dana", Phone: "+7701", Lat: 43.2450, Lng: 76.8990}
	busy = domain.DriverSummary{ID: "d-busy", Name: "Erlan", Phone: "+7702", Lat: 43.2381, Lng: 76.8891}
)

func TestMemoryDirectoryOrdersByDistanceAndSkipsBusy(t *testing.T) {
	dir := directory.NewMemoryDirectory()
	dir.UpsertDriver(mid, domain.DriverAvailable)
	dir.UpsertDriver(near, domain.DriverAvailable)
	dir.UpsertDriver(busy, domain.DriverBusy)

	got, err := dir.FindNearby(context.Background(), 43.2379, 76.8889, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "d-near", got[0].ID)
	require.Equal(t, "d-mid", got[1].ID)

	got, err = dir.FindNearby(context.Background(), 43.2379, 76.8889, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestMemoryDirectorySetStatus(t *testing.T) {
	dir := directory.NewMemoryDirectory()
	dir.UpsertDriver(near, domain.DriverAvailable)

	require.NoError(t, dir.SetDriverStatus(context.Background(), near.ID, domain.DriverBusy))
	require.NoError(t, dir.SetDriverStatus(context.Background(), near.ID, domain.DriverBusy))
	require.Equal(t, domain.DriverBusy, dir.Status(near.ID))
	require.Error(t, dir.SetDriverStatus(context.Background(), "", domain.DriverBusy))
}

func TestMemoryDirectoryAcceptsStatusForUnplacedDriver(t *testing.T) {
	dir := directory.NewMemoryDirectory()
	ctx := context.Background()

	require.NoError(t, dir.SetDriverStatus(ctx, "d-new", domain.DriverBusy))
	require.Equal(t, domain.DriverBusy, dir.Status("d-new"))
	require.NoError(t, dir.SetDriverStatus(ctx, "d-new", domain.DriverAvailable))

	got, err := dir.FindNearby(ctx, 43.2379, 76.8889, 5)
	require.NoError(t, err)
	require.Empty(t, got)

	placed := domain.DriverSummary{ID: "d-new", Lat: 43.2380, Lng: 76.8890}
	dir.UpsertDriver(placed, dir.Status("d-new"))
	got, err = dir.FindNearby(ctx, 43.2379, 76.8889, 5)
	require.NoError(t, err)
	require.Equal(t, []domain.DriverSummary{placed}, got)
}

func TestRedisDirectory(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	dir := directory.NewRedisDirectory(client, directory.RedisConfig{RadiusKM: 10})
	require.NoError(t, dir.UpsertDriver(ctx, mid, domain.DriverAvailable))
	require.NoError(t, dir.UpsertDriver(ctx, near, domain.DriverAvailable))
	require.NoError(t, dir.UpsertDriver(ctx, busy, domain.DriverBusy))

	got, err := dir.FindNearby(ctx, 43.2379, 76.8889, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "d-near", got[0].ID)
	require.Equal(t, "Aibek", got[0].Name)
	require.Equal(t, "+7700", got[0].Phone)
	require.Equal(t, "d-mid", got[1].ID)

	require.NoError(t, dir.SetDriverStatus(ctx, near.ID, domain.DriverBusy))
	require.Equal(t, "BUSY", mr.HGet("drivers:status", near.ID))

	got, err = dir.FindNearby(ctx, 43.2379, 76.8889, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "d-mid", got[0].ID)

	empty, err := dir.FindNearby(ctx, 0, 0, 5)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestHTTPClientFindNearby(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/drivers/nearby", r.URL.Path)
		require.Equal(t, "43.238", r.URL.Query().Get("latitude"))
		require.Equal(t, "76.889", r.URL.Query().Get("longitude"))
		require.Equal(t, "5", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":42,"username":"aibek","phone":"+7700","latitude":43.2,"longitude":76.9},{"id":"d-7","username":"dana"}]`))
	}))
	defer srv.Close()

	client := directory.NewHTTPClient(srv.URL+"/", nil)
	got, err := client.FindNearby(context.Background(), 43.238, 76.889, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "42", got[0].ID)
	require.Equal(t, "aibek", got[0].Name)
	require.InDelta(t, 43.2, got[0].Lat, 1e-9)
	require.Equal(t, "d-7", got[1].ID)
}

func TestHTTPClientSetDriverStatus(t *testing.T) {
	var gotPath, gotStatus string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		gotPath = r.URL.Path
		gotStatus = r.URL.Query().Get("status")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := directory.NewHTTPClient(srv.URL, srv.Client())
	require.NoError(t, client.SetDriverStatus(context.Background(), "42", domain.DriverBusy))
	require.Equal(t, "/api/drivers/42/status", gotPath)
	require.Equal(t, "BUSY", gotStatus)
}

func TestHTTPClientSurfacesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "driver service down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := directory.NewHTTPClient(srv.URL, nil)
	err := client.SetDriverStatus(context.Background(), "42", domain.DriverAvailable)
	require.Error(t, err)
	require.Contains(t, err.Error(), "503")

	_, err = client.FindNearby(context.Background(), 0, 0, 5)
	require.Error(t, err)
}
