package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/lib/pq"

	"github.com/example/ride-watch/internal/models"
)

type PostgresStore struct {
	db       *sql.DB
	maxTrack int
}

func NewPostgresStore(ctx context.Context, dsn string, maxTrack int) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if maxTrack <= 0 {
		maxTrack = 500
	}
	return &PostgresStore{db: db, maxTrack: maxTrack}, nil
}

// Migrate applies the schema in sqlText.
func (p *PostgresStore) Migrate(ctx context.Context, sqlText string) error {
	_, err := p.db.ExecContext(ctx, sqlText)
	return err
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) SaveRide(ctx context.Context, r *models.RideState) error {
	g, err := json.Marshal(r.Geometry)
	if err != nil {
		return err
	}
	contacts := r.Contacts
	if contacts == nil {
		contacts = []string{}
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO rides(id, rider_id, status, geometry, contacts, created_at, ended_at) VALUES($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, ended_at=EXCLUDED.ended_at`,
		r.ID, r.RiderID, string(r.Status), g, pq.Array(contacts), r.CreatedAt, r.EndedAt)
	return err
}

func (p *PostgresStore) UpdateRide(ctx context.Context, r *models.RideState) error {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET status=$1, ended_at=$2 WHERE id=$3`, string(r.Status), r.EndedAt, r.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", models.ErrNotFound, r.ID)
	}
	return nil
}

func (p *PostgresStore) SaveSample(ctx context.Context, rideID string, s models.Sample) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_samples(ride_id, seq, source, lat, lon, captured_at) VALUES($1,$2,$3,$4,$5,$6)`,
		rideID, s.Sequence, s.Source, s.Coord.Lat, s.Coord.Lon, s.CapturedAt)
	return err
}

func (p *PostgresStore) SaveAlert(ctx context.Context, rideID string, a models.AlertRecord) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_alerts(ride_id, kind, triggered_at, distance_m, lat, lon) VALUES($1,$2,$3,$4,$5,$6)`,
		rideID, string(a.Kind), a.TriggeredAt, a.DistanceMeters, a.Coord.Lat, a.Coord.Lon)
	return err
}

func (p *PostgresStore) LoadRide(ctx context.Context, rideID string) (*models.RideState, error) {
	var (
		r        models.RideState
		status   string
		geometry []byte
		endedAt  sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `SELECT id, rider_id, status, geometry, contacts, created_at, ended_at FROM rides WHERE id=$1`, rideID).
		Scan(&r.ID, &r.RiderID, &status, &geometry, pq.Array(&r.Contacts), &r.CreatedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, rideID)
	}
	if err != nil {
		return nil, err
	}
	r.Status = models.Status(status)
	if endedAt.Valid {
		t := endedAt.Time
		r.EndedAt = &t
	}
	if err := json.Unmarshal(geometry, &r.Geometry); err != nil {
		return nil, fmt.Errorf("decode geometry of %s: %w", rideID, err)
	}

	r.Track, err = p.loadTrack(ctx, rideID)
	if err != nil {
		return nil, err
	}

	arows, err := p.db.QueryContext(ctx, `SELECT kind, triggered_at, distance_m, lat, lon FROM ride_alerts WHERE ride_id=$1 ORDER BY triggered_at`, rideID)
	if err != nil {
		return nil, err
	}
	defer arows.Close()
	for arows.Next() {
		a := models.AlertRecord{RideID: rideID}
		var kind string
		if err := arows.Scan(&kind, &a.TriggeredAt, &a.DistanceMeters, &a.Coord.Lat, &a.Coord.Lon); err != nil {
			return nil, err
		}
		a.Kind = models.AlertKind(kind)
		r.Alerts = append(r.Alerts, a)
	}
	if err := arows.Err(); err != nil {
		return nil, err
	}
	Reconcile(&r)
	return &r, nil
}

// loadTrack returns the newest maxTrack samples in arrival order. The
// serial id is the arrival order; client timestamps are not.
func (p *PostgresStore) loadTrack(ctx context.Context, rideID string) ([]models.Sample, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT seq, source, lat, lon, captured_at FROM ride_samples WHERE ride_id=$1 ORDER BY id DESC LIMIT $2`, rideID, p.maxTrack)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var track []models.Sample
	for rows.Next() {
		var s models.Sample
		if err := rows.Scan(&s.Sequence, &s.Source, &s.Coord.Lat, &s.Coord.Lon, &s.CapturedAt); err != nil {
			return nil, err
		}
		track = append(track, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(track)
	return track, nil
}
