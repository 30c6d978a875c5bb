package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/example/rideflow/internal/ride/domain"
)

// Schema creates the rides table and the indexes used by the list and sweep queries.
const Schema = `
CREATE TABLE IF NOT EXISTS rides (
	id               UUID PRIMARY KEY,
	requester_id     TEXT NOT NULL,
	driver_id        TEXT,
	pickup_address   TEXT NOT NULL,
	pickup_lat       DOUBLE PRECISION NOT NULL,
	pickup_lng       DOUBLE PRECISION NOT NULL,
	drop_address     TEXT NOT NULL,
	drop_lat         DOUBLE PRECISION NOT NULL,
	drop_lng         DOUBLE PRECISION NOT NULL,
	fare_estimate    DOUBLE PRECISION NOT NULL,
	status           TEXT NOT NULL,
	offer_expires_at TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	version          BIGINT NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS rides_requester_idx ON rides (requester_id, created_at);
CREATE INDEX IF NOT EXISTS rides_driver_idx ON rides (driver_id, created_at);
CREATE INDEX IF NOT EXISTS rides_offer_expiry_idx ON rides (offer_expires_at) WHERE status = 'DRIVER_RESERVED';
`

// PostgresRepository stores rides in PostgreSQL. UpdateRide is a conditional
// UPDATE on (id, version).
type PostgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Migrate applies Schema.
func (p *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate rides: %w", err)
	}
	return nil
}

type rideRow struct {
	ID             uuid.UUID      `db:"id"`
	RequesterID    string         `db:"requester_id"`
	DriverID       sql.NullString `db:"driver_id"`
	PickupAddress  string         `db:"pickup_address"`
	PickupLat      float64        `db:"pickup_lat"`
	PickupLng      float64        `db:"pickup_lng"`
	DropAddress    string         `db:"drop_address"`
	DropLat        float64        `db:"drop_lat"`
	DropLng        float64        `db:"drop_lng"`
	FareEstimate   float64        `db:"fare_estimate"`
	Status         string         `db:"status"`
	OfferExpiresAt sql.NullTime   `db:"offer_expires_at"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
	Version        int64          `db:"version"`
}

func toRow(r domain.Ride) rideRow {
	row := rideRow{
		ID:            r.ID,
		RequesterID:   r.RequesterID,
		DriverID:      sql.NullString{String: r.DriverID, Valid: r.DriverID != ""},
		PickupAddress: r.Pickup.Address,
		PickupLat:     r.Pickup.Lat,
		PickupLng:     r.Pickup.Lng,
		DropAddress:   r.Drop.Address,
		DropLat:       r.Drop.Lat,
		DropLng:       r.Drop.Lng,
		FareEstimate:  r.FareEstimate,
		Status:        string(r.Status),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		Version:       r.Version,
	}
	if r.OfferExpiresAt != nil {
		row.OfferExpiresAt = sql.NullTime{Time: *r.OfferExpiresAt, Valid: true}
	}
	return row
}

func (row rideRow) toDomain() domain.Ride {
	r := domain.Ride{
		ID:           row.ID,
		RequesterID:  row.RequesterID,
		DriverID:     row.DriverID.String,
		Pickup:       domain.Location{Address: row.PickupAddress, Lat: row.PickupLat, Lng: row.PickupLng},
		Drop:         domain.Location{Address: row.DropAddress, Lat: row.DropLat, Lng: row.DropLng},
		FareEstimate: row.FareEstimate,
		Status:       domain.RideStatus(row.Status),
		CreatedAt:    row.CreatedAt.UTC(),
		UpdatedAt:    row.UpdatedAt.UTC(),
		Version:      row.Version,
	}
	if row.OfferExpiresAt.Valid {
		t := row.OfferExpiresAt.Time.UTC()
		r.OfferExpiresAt = &t
	}
	return r
}

const insertRideQuery = `
INSERT INTO rides (id, requester_id, driver_id, pickup_address, pickup_lat, pickup_lng,
	drop_address, drop_lat, drop_lng, fare_estimate, status, offer_expires_at, created_at, updated_at, version)
VALUES (:id, :requester_id, :driver_id, :pickup_address, :pickup_lat, :pickup_lng,
	:drop_address, :drop_lat, :drop_lng, :fare_estimate, :status, :offer_expires_at, :created_at, :updated_at, :version)
`

func (p *PostgresRepository) CreateRide(ctx context.Context, ride domain.Ride) (domain.Ride, error) {
	if ride.Version == 0 {
		ride.Version = 1
	}
	if _, err := p.db.NamedExecContext(ctx, insertRideQuery, toRow(ride)); err != nil {
		return domain.Ride{}, fmt.Errorf("insert ride: %w", err)
	}
	return ride, nil
}

const selectRideQuery = `SELECT * FROM rides WHERE id = $1`

func (p *PostgresRepository) GetRideByID(ctx context.Context, id uuid.UUID) (domain.Ride, error) {
	var row rideRow
	err := p.db.GetContext(ctx, &row, selectRideQuery, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Ride{}, fmt.Errorf("ride %s: %w", id, domain.ErrRideNotFound)
	}
	if err != nil {
		return domain.Ride{}, fmt.Errorf("select ride: %w", err)
	}
	return row.toDomain(), nil
}

const updateRideQuery = `
UPDATE rides SET driver_id = :driver_id, status = :status, offer_expires_at = :offer_expires_at,
	updated_at = :updated_at, version = version + 1
WHERE id = :id AND version = :version
RETURNING *
`

func (p *PostgresRepository) UpdateRide(ctx context.Context, ride domain.Ride) (domain.Ride, error) {
	query, args, err := p.db.BindNamed(updateRideQuery, toRow(ride))
	if err != nil {
		return domain.Ride{}, fmt.Errorf("bind update: %w", err)
	}
	var row rideRow
	err = p.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := p.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM rides WHERE id = $1)`, ride.ID); err != nil {
			return domain.Ride{}, fmt.Errorf("check ride: %w", err)
		}
		if !exists {
			return domain.Ride{}, fmt.Errorf("ride %s: %w", ride.ID, domain.ErrRideNotFound)
		}
		return domain.Ride{}, fmt.Errorf("ride %s version %d: %w", ride.ID, ride.Version, domain.ErrConcurrentUpdate)
	}
	if err != nil {
		return domain.Ride{}, fmt.Errorf("update ride: %w", err)
	}
	return row.toDomain(), nil
}

func (p *PostgresRepository) ListRidesByRequester(ctx context.Context, requesterID string, statuses ...domain.RideStatus) ([]domain.Ride, error) {
	return p.list(ctx, "requester_id", requesterID, statuses)
}

func (p *PostgresRepository) ListRidesByDriver(ctx context.Context, driverID string, statuses ...domain.RideStatus) ([]domain.Ride, error) {
	return p.list(ctx, "driver_id", driverID, statuses)
}

// column is always one of the two literals above.
func (p *PostgresRepository) list(ctx context.Context, column, value string, statuses []domain.RideStatus) ([]domain.Ride, error) {
	query := `SELECT * FROM rides WHERE ` + column + ` = ?`
	args := []any{value}
	if len(statuses) > 0 {
		raw := make([]string, len(statuses))
		for i, s := range statuses {
			raw[i] = string(s)
		}
		query += ` AND status IN (?)`
		args = append(args, raw)
	}
	query += ` ORDER BY created_at`

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("expand list query: %w", err)
	}
	var rows []rideRow
	if err := p.db.SelectContext(ctx, &rows, p.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list rides by %s: %w", column, err)
	}
	return toDomainRides(rows), nil
}

const expiredOffersQuery = `
SELECT * FROM rides
WHERE status = 'DRIVER_RESERVED' AND offer_expires_at <= $1
ORDER BY offer_expires_at
LIMIT $2
`

func (p *PostgresRepository) ListExpiredOffers(ctx context.Context, before time.Time, limit int) ([]domain.Ride, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []rideRow
	if err := p.db.SelectContext(ctx, &rows, expiredOffersQuery, before, limit); err != nil {
		return nil, fmt.Errorf("list expired offers: %w", err)
	}
	return toDomainRides(rows), nil
}

func toDomainRides(rows []rideRow) []domain.Ride {
	out := make([]domain.Ride, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out
}
