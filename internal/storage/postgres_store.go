package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-realtime/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	phone         TEXT NOT NULL,
	role          TEXT NOT NULL CHECK (role IN ('rider', 'driver')),
	password_hash TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	UNIQUE (phone, role)
);

CREATE TABLE IF NOT EXISTS rides (
	id               TEXT PRIMARY KEY,
	rider_id         TEXT NOT NULL,
	driver_id        TEXT,
	origin_lat       DOUBLE PRECISION NOT NULL,
	origin_lng       DOUBLE PRECISION NOT NULL,
	origin_address   TEXT NOT NULL DEFAULT '',
	dest_lat         DOUBLE PRECISION NOT NULL,
	dest_lng         DOUBLE PRECISION NOT NULL,
	dest_address     TEXT NOT NULL DEFAULT '',
	price            DOUBLE PRECISION NOT NULL,
	distance         DOUBLE PRECISION NOT NULL,
	duration         DOUBLE PRECISION NOT NULL,
	payment_method   TEXT NOT NULL,
	status           TEXT NOT NULL,
	driver_lat       DOUBLE PRECISION,
	driver_lng       DOUBLE PRECISION,
	cancel_reason    TEXT NOT NULL DEFAULT '',
	cancelled_by     TEXT NOT NULL DEFAULT '',
	cancelled_at     TIMESTAMPTZ,
	rating_passenger INTEGER,
	rating_driver    INTEGER,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS rides_driver_status_idx ON rides (driver_id, status);
CREATE INDEX IF NOT EXISTS rides_rider_created_idx ON rides (rider_id, created_at DESC);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	ride_id    TEXT NOT NULL,
	sender_id  TEXT NOT NULL,
	text       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_ride_idx ON messages (ride_id, created_at);
`

const rideColumns = `id, rider_id, driver_id, origin_lat, origin_lng, origin_address, dest_lat, dest_lng, dest_address,
	price, distance, duration, payment_method, status, driver_lat, driver_lng, cancel_reason, cancelled_by,
	cancelled_at, rating_passenger, rating_driver, created_at, updated_at`

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

// Migrate creates tables and indexes if they are missing.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

func (p *PostgresStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`, tripArgs(t)...)
	return err
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	t, err := scanTrip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (p *PostgresStore) SwapTrip(ctx context.Context, t *models.Trip, expected models.TripStatus) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET driver_id=$2, status=$3, driver_lat=$4, driver_lng=$5,
		cancel_reason=$6, cancelled_by=$7, cancelled_at=$8, rating_passenger=$9, rating_driver=$10, updated_at=$11
		WHERE id=$1 AND status=$12`,
		t.ID, nullString(t.DriverID), string(t.Status), latOf(t.DriverLocation), lngOf(t.DriverLocation),
		t.CancelReason, t.CancelledBy, nullTime(t.CancelledAt), nullInt(t.Rating.Passenger), nullInt(t.Rating.Driver),
		t.UpdatedAt, string(expected))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	// distinguish a lost race from a missing row
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rides WHERE id=$1)`, t.ID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (p *PostgresStore) ActiveTripForDriver(ctx context.Context, driverID string) (*models.Trip, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE driver_id=$1 AND status = ANY($2) ORDER BY created_at DESC LIMIT 1`,
		driverID, pq.Array([]string{string(models.TripAccepted), string(models.TripCollecting), string(models.TripInProgress)}))
	t, err := scanTrip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (p *PostgresStore) ListTrips(ctx context.Context, f TripFilter) ([]*models.Trip, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.RiderID != "" {
		add("rider_id=$%d", f.RiderID)
	}
	if f.DriverID != "" {
		add("driver_id=$%d", f.DriverID)
	}
	if len(f.Statuses) > 0 {
		add("status = ANY($%d)", pq.Array(statusStrings(f.Statuses)))
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at < $%d", f.Until)
	}
	q := `SELECT ` + rideColumns + ` FROM rides`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.Trip, 0)
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AppendMessage(ctx context.Context, m *models.ChatMessage) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO messages(id, ride_id, sender_id, text, created_at) VALUES($1,$2,$3,$4,$5)`,
		m.ID, m.RideID, m.SenderID, m.Text, m.CreatedAt)
	return err
}

func (p *PostgresStore) ListMessages(ctx context.Context, rideID string) ([]*models.ChatMessage, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, ride_id, sender_id, text, created_at FROM messages
		WHERE ride_id=$1 ORDER BY created_at`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.ChatMessage, 0)
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.RideID, &m.SenderID, &m.Text, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateUser(ctx context.Context, u *models.User) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO users(id, name, phone, role, password_hash, created_at) VALUES($1,$2,$3,$4,$5,$6)`,
		u.ID, u.Name, u.Phone, string(u.Role), u.PasswordHash, u.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) UserByPhone(ctx context.Context, phone string, role models.Role) (*models.User, error) {
	return p.queryUser(ctx, `SELECT id, name, phone, role, password_hash, created_at FROM users WHERE phone=$1 AND role=$2`, phone, string(role))
}

func (p *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	return p.queryUser(ctx, `SELECT id, name, phone, role, password_hash, created_at FROM users WHERE id=$1`, id)
}

func (p *PostgresStore) queryUser(ctx context.Context, q string, args ...any) (*models.User, error) {
	var (
		u    models.User
		role string
	)
	err := p.db.QueryRowContext(ctx, q, args...).Scan(&u.ID, &u.Name, &u.Phone, &role, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Role = models.Role(role)
	return &u, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrip(row rowScanner) (*models.Trip, error) {
	var (
		t                     models.Trip
		driverID              sql.NullString
		driverLat, driverLng  sql.NullFloat64
		cancelledAt           sql.NullTime
		ratingPass, ratingDrv sql.NullInt64
		payment, status       string
	)
	err := row.Scan(&t.ID, &t.RiderID, &driverID,
		&t.Origin.Lat, &t.Origin.Lng, &t.Origin.Address,
		&t.Destination.Lat, &t.Destination.Lng, &t.Destination.Address,
		&t.Price, &t.Distance, &t.Duration, &payment, &status,
		&driverLat, &driverLng, &t.CancelReason, &t.CancelledBy, &cancelledAt,
		&ratingPass, &ratingDrv, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.DriverID = driverID.String
	t.PaymentMethod = models.PaymentMethod(payment)
	t.Status = models.TripStatus(status)
	if driverLat.Valid && driverLng.Valid {
		t.DriverLocation = &models.Coord{Lat: driverLat.Float64, Lng: driverLng.Float64}
	}
	if cancelledAt.Valid {
		at := cancelledAt.Time
		t.CancelledAt = &at
	}
	if ratingPass.Valid {
		v := int(ratingPass.Int64)
		t.Rating.Passenger = &v
	}
	if ratingDrv.Valid {
		v := int(ratingDrv.Int64)
		t.Rating.Driver = &v
	}
	return &t, nil
}

func tripArgs(t *models.Trip) []any {
	return []any{
		t.ID, t.RiderID, nullString(t.DriverID),
		t.Origin.Lat, t.Origin.Lng, t.Origin.Address,
		t.Destination.Lat, t.Destination.Lng, t.Destination.Address,
		t.Price, t.Distance, t.Duration, string(t.PaymentMethod), string(t.Status),
		latOf(t.DriverLocation), lngOf(t.DriverLocation), t.CancelReason, t.CancelledBy, nullTime(t.CancelledAt),
		nullInt(t.Rating.Passenger), nullInt(t.Rating.Driver), t.CreatedAt, t.UpdatedAt,
	}
}

func nullString(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func latOf(c *models.Coord) sql.NullFloat64 {
	if c == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: c.Lat, Valid: true}
}

func lngOf(c *models.Coord) sql.NullFloat64 {
	if c == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: c.Lng, Valid: true}
}
