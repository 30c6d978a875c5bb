package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/rideflow/internal/ride/domain"
)

const (
	defaultGeoKey    = "drivers:locations"
	defaultStatusKey = "drivers:status"
	profilePrefix    = "driver:profile:"
)

// RedisConfig controls key names and the search radius.
type RedisConfig struct {
	GeoKey    string
	StatusKey string
	RadiusKM  float64
}

// RedisDirectory serves nearby lookups from a GEO set and keeps driver
// statuses in a hash. Profiles (name, phone) live in one hash per driver.
type RedisDirectory struct {
	client redis.Cmdable
	cfg    RedisConfig
}

// NewRedisDirectory constructs a Redis-backed directory.
func NewRedisDirectory(client redis.Cmdable, cfg RedisConfig) *RedisDirectory {
	if cfg.GeoKey == "" {
		cfg.GeoKey = defaultGeoKey
	}
	if cfg.StatusKey == "" {
		cfg.StatusKey = defaultStatusKey
	}
	if cfg.RadiusKM <= 0 {
		cfg.RadiusKM = 5
	}
	return &RedisDirectory{client: client, cfg: cfg}
}

// UpsertDriver writes position, profile and status in one pipeline.
func (r *RedisDirectory) UpsertDriver(ctx context.Context, driver domain.DriverSummary, status domain.DriverStatus) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.GeoAdd(ctx, r.cfg.GeoKey, &redis.GeoLocation{Name: driver.ID, Longitude: driver.Lng, Latitude: driver.Lat})
		pipe.HSet(ctx, profilePrefix+driver.ID, "name", driver.Name, "phone", driver.Phone)
		pipe.HSet(ctx, r.cfg.StatusKey, driver.ID, string(status))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis upsert driver: %w", err)
	}
	return nil
}

// FindNearby returns up to limit ONLINE drivers sorted by distance. The radius
// query over-fetches because busy drivers are filtered afterwards.
func (r *RedisDirectory) FindNearby(ctx context.Context, lat, lng float64, limit int) ([]domain.DriverSummary, error) {
	if r == nil || r.client == nil {
		return nil, errors.New("redis directory not configured")
	}
	if limit <= 0 {
		limit = 5
	}
	locs, err := r.client.GeoRadius(ctx, r.cfg.GeoKey, lng, lat, &redis.GeoRadiusQuery{
		Radius:    r.cfg.RadiusKM,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Count:     limit * 4,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis georadius: %w", err)
	}
	if len(locs) == 0 {
		return []domain.DriverSummary{}, nil
	}

	ids := make([]string, len(locs))
	for i, loc := range locs {
		ids[i] = loc.Name
	}
	statuses, err := r.client.HMGet(ctx, r.cfg.StatusKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hmget status: %w", err)
	}

	out := make([]domain.DriverSummary, 0, limit)
	for i, loc := range locs {
		if s, _ := statuses[i].(string); domain.DriverStatus(s) != domain.DriverAvailable {
			continue
		}
		driver := domain.DriverSummary{ID: loc.Name, Lat: loc.Latitude, Lng: loc.Longitude}
		profile, err := r.client.HGetAll(ctx, profilePrefix+loc.Name).Result()
		if err != nil {
			return nil, fmt.Errorf("redis hgetall profile: %w", err)
		}
		driver.Name = profile["name"]
		driver.Phone = profile["phone"]
		out = append(out, driver)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// SetDriverStatus overwrites the status field; repeating a write is harmless.
func (r *RedisDirectory) SetDriverStatus(ctx context.Context, driverID string, status domain.DriverStatus) error {
	if err := r.client.HSet(ctx, r.cfg.StatusKey, driverID, string(status)).Err(); err != nil {
		return fmt.Errorf("redis hset status: %w", err)
	}
	return nil
}
