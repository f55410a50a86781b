package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	_ "github.com/lib/pq"

	"github.com/example/ambulance-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies the embedded schema files in name order.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) StartRide(ctx context.Context, id string, s models.RideStart) (models.Ride, error) {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(id, requester_id, driver_id, ambulance_type, pickup_lat, pickup_lon, status, started_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,now()) ON CONFLICT (id) DO NOTHING`,
		id, s.RequesterID, s.DriverID, s.AmbulanceType, s.Pickup.Lat, s.Pickup.Lon, models.RideStarted, s.StartedAt)
	if err != nil {
		return models.Ride{}, fmt.Errorf("start ride %s: %w", id, err)
	}
	return p.GetRide(ctx, id)
}

func (p *PostgresStore) CompleteRide(ctx context.Context, id string, c models.RideCompletion) (models.Ride, error) {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(id, requester_id, driver_id, ambulance_type, pickup_lat, pickup_lon,
			dropoff_lat, dropoff_lon, distance_km, duration_min, fare, status, started_at, completed_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,now())
		ON CONFLICT (id) DO UPDATE SET dropoff_lat=EXCLUDED.dropoff_lat, dropoff_lon=EXCLUDED.dropoff_lon,
			distance_km=EXCLUDED.distance_km, duration_min=EXCLUDED.duration_min, fare=EXCLUDED.fare,
			status=EXCLUDED.status, completed_at=EXCLUDED.completed_at, updated_at=now()
		WHERE rides.status <> $12`,
		id, c.RequesterID, c.DriverID, c.AmbulanceType, c.Pickup.Lat, c.Pickup.Lon,
		c.Dropoff.Lat, c.Dropoff.Lon, c.DistanceKm, c.DurationMin, c.Fare, models.RideCompleted, c.StartedAt, c.CompletedAt)
	if err != nil {
		return models.Ride{}, fmt.Errorf("complete ride %s: %w", id, err)
	}
	return p.GetRide(ctx, id)
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (models.Ride, error) {
	var (
		r                models.Ride
		dropLat, dropLon sql.NullFloat64
		completedAt      sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `SELECT id, requester_id, driver_id, ambulance_type, pickup_lat, pickup_lon,
			dropoff_lat, dropoff_lon, distance_km, duration_min, fare, status, started_at, completed_at, updated_at
		FROM rides WHERE id=$1`, id).Scan(
		&r.ID, &r.RequesterID, &r.DriverID, &r.AmbulanceType, &r.Pickup.Lat, &r.Pickup.Lon,
		&dropLat, &dropLon, &r.DistanceKm, &r.DurationMin, &r.Fare, &r.Status, &r.StartedAt, &completedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Ride{}, ErrNotFound
	}
	if err != nil {
		return models.Ride{}, fmt.Errorf("get ride %s: %w", id, err)
	}
	if dropLat.Valid && dropLon.Valid {
		r.Dropoff = &models.Coord{Lat: dropLat.Float64, Lon: dropLon.Float64}
	}
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	return r, nil
}
