package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) SaveRide(ctx context.Context, r models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(id, rider_id, driver_id, origin_lat, origin_lon, dest_lat, dest_lon, status, reason, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.RiderID, nullString(r.DriverID), r.Origin.Lat, r.Origin.Lon, r.Destination.Lat, r.Destination.Lon, string(r.Status), r.Reason, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert ride %s: %w", r.ID, err)
	}
	return nil
}

func (p *PostgresStore) UpdateRide(ctx context.Context, r models.Ride) error {
	_, err := p.db.ExecContext(ctx, `UPDATE rides SET driver_id=$1, status=$2, reason=$3, updated_at=$4, completed_at=$5 WHERE id=$6`,
		nullString(r.DriverID), string(r.Status), r.Reason, r.UpdatedAt, nullTime(r.CompletedAt), r.ID)
	if err != nil {
		return fmt.Errorf("update ride %s: %w", r.ID, err)
	}
	return nil
}

func (p *PostgresStore) LoadDrivers(ctx context.Context) ([]models.Driver, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, status, verification_status, is_location_active, lat, lon, last_location_update, capabilities FROM drivers`)
	if err != nil {
		return nil, fmt.Errorf("query drivers: %w", err)
	}
	defer rows.Close()
	var out []models.Driver
	for rows.Next() {
		var (
			d      models.Driver
			status string
			verif  string
			lat    sql.NullFloat64
			lon    sql.NullFloat64
			last   sql.NullTime
			caps   []string
		)
		if err := rows.Scan(&d.ID, &status, &verif, &d.IsLocationActive, &lat, &lon, &last, pq.Array(&caps)); err != nil {
			return nil, fmt.Errorf("scan driver: %w", err)
		}
		d.Status = models.DriverStatus(status)
		d.VerificationStatus = models.VerificationStatus(verif)
		if lat.Valid && lon.Valid && last.Valid {
			d.Loc = models.Coord{Lat: lat.Float64, Lon: lon.Float64}
			d.LastLocationUpdate = last.Time
		}
		d.Capabilities = caps
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveDriver(ctx context.Context, d models.Driver) error {
	var last any
	if !d.LastLocationUpdate.IsZero() {
		last = d.LastLocationUpdate
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO drivers(id, status, verification_status, is_location_active, lat, lon, last_location_update, capabilities, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,now())
		ON CONFLICT (id) DO UPDATE SET
			status=EXCLUDED.status,
			verification_status=EXCLUDED.verification_status,
			is_location_active=EXCLUDED.is_location_active,
			lat=EXCLUDED.lat,
			lon=EXCLUDED.lon,
			last_location_update=EXCLUDED.last_location_update,
			capabilities=EXCLUDED.capabilities,
			updated_at=now()`,
		d.ID, string(d.Status), string(d.VerificationStatus), d.IsLocationActive, d.Loc.Lat, d.Loc.Lon, last, pq.Array(d.Capabilities))
	if err != nil {
		return fmt.Errorf("upsert driver %s: %w", d.ID, err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
