// README: Trip offer store backed by PostgreSQL.
package trip

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"campool/internal/types"
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db Querier
}

func NewStore(db Querier) *Store {
	return &Store{db: db}
}

func (s *Store) WithTx(tx pgx.Tx) *Store {
	return &Store{db: tx}
}

func (s *Store) Create(ctx context.Context, o *Offer) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO trip_offers (
			id, driver_id, vehicle_id,
			origin_text, origin_lat, origin_lng,
			destination_text, destination_lat, destination_lng,
			departure_at, estimated_arrival_at,
			price_per_seat, currency, total_seats,
			status, status_version, notes, created_at
		) VALUES (
			$1, $2, $3,
			$4, $5, $6,
			$7, $8, $9,
			$10, $11,
			$12, $13, $14,
			$15, $16, $17, $18
		)`,
		string(o.ID), string(o.DriverID), string(o.VehicleID),
		o.Origin.Text, o.Origin.Point.Lat, o.Origin.Point.Lng,
		o.Destination.Text, o.Destination.Point.Lat, o.Destination.Point.Lng,
		o.DepartureAt, o.EstimatedArrivalAt,
		o.PricePerSeat.Amount, o.PricePerSeat.Currency, o.TotalSeats,
		string(o.Status), o.StatusVersion, o.Notes, o.CreatedAt,
	)
	return err
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Offer, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, driver_id, vehicle_id,
		       origin_text, origin_lat, origin_lng,
		       destination_text, destination_lat, destination_lng,
		       departure_at, estimated_arrival_at,
		       price_per_seat, currency, total_seats,
		       status, status_version, notes,
		       created_at, canceled_at, completed_at
		FROM trip_offers
		WHERE id = $1`, string(id),
	)
	return scanOffer(row)
}

func (s *Store) ListByDriver(ctx context.Context, driverID types.ID) ([]*Offer, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, driver_id, vehicle_id,
		       origin_text, origin_lat, origin_lng,
		       destination_text, destination_lat, destination_lng,
		       departure_at, estimated_arrival_at,
		       price_per_seat, currency, total_seats,
		       status, status_version, notes,
		       created_at, canceled_at, completed_at
		FROM trip_offers
		WHERE driver_id = $1
		ORDER BY departure_at`, string(driverID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var offers []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

// LockStatus reads the trip's status under a shared row lock. Status
// transitions update the trip row, so a transaction holding the share lock
// is serialized against concurrent cancels and completions until it commits.
func (s *Store) LockStatus(ctx context.Context, id types.ID) (Status, error) {
	row := s.db.QueryRow(ctx, `
		SELECT status FROM trip_offers WHERE id = $1 FOR SHARE`, string(id),
	)
	var st Status
	err := row.Scan(&st)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return st, nil
}

// UpdateStatus moves a trip between states only when the stored status and
// version still match what the caller observed.
func (s *Store) UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE trip_offers
		SET status = $1,
		    status_version = status_version + 1,
		    canceled_at = CASE WHEN $1 = 'canceled' THEN now() ELSE canceled_at END,
		    completed_at = CASE WHEN $1 = 'completed' THEN now() ELSE completed_at END
		WHERE id = $2 AND status = $3 AND status_version = $4`,
		string(to), string(id), string(from), version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateFields persists mutable offer fields (see the field policy in
// service.go). Conditioned on status_version: a status transition that landed
// after the caller's read bumps the version, so stale field writes affect
// zero rows instead of mutating a now-terminal trip.
func (s *Store) UpdateFields(ctx context.Context, o *Offer) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE trip_offers
		SET origin_text = $2, origin_lat = $3, origin_lng = $4,
		    destination_text = $5, destination_lat = $6, destination_lng = $7,
		    departure_at = $8, estimated_arrival_at = $9,
		    price_per_seat = $10, notes = $11
		WHERE id = $1 AND status_version = $12`,
		string(o.ID),
		o.Origin.Text, o.Origin.Point.Lat, o.Origin.Point.Lng,
		o.Destination.Text, o.Destination.Point.Lat, o.Destination.Point.Lng,
		o.DepartureAt, o.EstimatedArrivalAt,
		o.PricePerSeat.Amount, o.Notes,
		o.StatusVersion,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CompletePast bulk-completes published trips whose departure already passed.
// Each row is conditioned on its own status, so the sweep is re-run safe.
func (s *Store) CompletePast(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE trip_offers
		SET status = 'completed',
		    status_version = status_version + 1,
		    completed_at = now()
		WHERE status = 'published' AND departure_at < $1`,
		now,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOffer(row rowScanner) (*Offer, error) {
	var o Offer
	var canceledAt, completedAt *time.Time

	err := row.Scan(
		&o.ID, &o.DriverID, &o.VehicleID,
		&o.Origin.Text, &o.Origin.Point.Lat, &o.Origin.Point.Lng,
		&o.Destination.Text, &o.Destination.Point.Lat, &o.Destination.Point.Lng,
		&o.DepartureAt, &o.EstimatedArrivalAt,
		&o.PricePerSeat.Amount, &o.PricePerSeat.Currency, &o.TotalSeats,
		&o.Status, &o.StatusVersion, &o.Notes,
		&o.CreatedAt, &canceledAt, &completedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.CanceledAt = canceledAt
	o.CompletedAt = completedAt
	return &o, nil
}
