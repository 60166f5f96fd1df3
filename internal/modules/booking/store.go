// README: Booking request store backed by PostgreSQL; conditional single-row and bulk transitions.
package booking

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"campool/internal/types"
)

var (
	ErrNotFound = errors.New("booking not found")
	// ErrDuplicateActive means the passenger already has a pending or
	// accepted booking on the trip.
	ErrDuplicateActive = errors.New("duplicate active booking")
)

// uniqueViolation is the SQLSTATE raised by the uniq_booking_active index.
const uniqueViolation = "23505"

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

func (s *Store) Create(ctx context.Context, r *Request) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO booking_requests (
			id, trip_id, passenger_id, seats, note,
			status, status_version, refund_needed, is_paid, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		string(r.ID), string(r.TripID), string(r.PassengerID), r.Seats, r.Note,
		string(r.Status), r.StatusVersion, r.RefundNeeded, r.IsPaid, r.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicateActive
	}
	return err
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Request, error) {
	row := s.db.QueryRow(ctx, selectColumns+` WHERE id = $1`, string(id))
	return scanRequest(row)
}

func (s *Store) ListByTrip(ctx context.Context, tripID types.ID) ([]*Request, error) {
	rows, err := s.db.Query(ctx, selectColumns+` WHERE trip_id = $1 ORDER BY created_at`, string(tripID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}

func (s *Store) HasActive(ctx context.Context, tripID, passengerID types.ID) (bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM booking_requests
			WHERE trip_id = $1 AND passenger_id = $2
			  AND status IN ('pending', 'accepted')
		)`, string(tripID), string(passengerID),
	)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// UpdateStatus moves one booking between states only when the stored status
// and version still match what the caller observed. Timestamp and actor
// columns are filled per target status.
func (s *Store) UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int, actorID *types.ID, reason *string, refundNeeded bool) (bool, error) {
	var actor *string
	if actorID != nil {
		v := string(*actorID)
		actor = &v
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE booking_requests
		SET status = $1,
		    status_version = status_version + 1,
		    accepted_at = CASE WHEN $1 = 'accepted' THEN now() ELSE accepted_at END,
		    accepted_by = CASE WHEN $1 = 'accepted' THEN $2 ELSE accepted_by END,
		    declined_at = CASE WHEN $1 IN ('declined', 'declined_auto') THEN now() ELSE declined_at END,
		    declined_by = CASE WHEN $1 = 'declined' THEN $2 ELSE declined_by END,
		    decline_reason = CASE WHEN $1 IN ('declined', 'declined_auto') THEN $3 ELSE decline_reason END,
		    canceled_at = CASE WHEN $1 IN ('canceled_by_passenger', 'canceled_by_platform') THEN now() ELSE canceled_at END,
		    cancellation_reason = CASE WHEN $1 IN ('canceled_by_passenger', 'canceled_by_platform') THEN $3 ELSE cancellation_reason END,
		    refund_needed = refund_needed OR $4
		WHERE id = $5 AND status = $6 AND status_version = $7`,
		string(to), actor, reason, refundNeeded,
		string(id), string(from), version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// BulkTransition moves every booking on a trip from one status to another.
// Rows are conditioned on their current status, so replays touch nothing.
func (s *Store) BulkTransition(ctx context.Context, tripID types.ID, from, to Status, reason string, refundNeeded bool) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE booking_requests
		SET status = $1,
		    status_version = status_version + 1,
		    declined_at = CASE WHEN $1 IN ('declined', 'declined_auto') THEN now() ELSE declined_at END,
		    decline_reason = CASE WHEN $1 IN ('declined', 'declined_auto') THEN $2 ELSE decline_reason END,
		    canceled_at = CASE WHEN $1 IN ('canceled_by_passenger', 'canceled_by_platform') THEN now() ELSE canceled_at END,
		    cancellation_reason = CASE WHEN $1 IN ('canceled_by_passenger', 'canceled_by_platform') THEN $2 ELSE cancellation_reason END,
		    refund_needed = refund_needed OR $3
		WHERE trip_id = $4 AND status = $5`,
		string(to), reason, refundNeeded,
		string(tripID), string(from),
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ExpiredAllocation reports the seats an expired booking was holding and who
// held them.
type ExpiredAllocation struct {
	BookingID   types.ID
	TripID      types.ID
	PassengerID types.ID
	Seats       int
}

// ExpirePendingBefore flips stale pending bookings to expired and returns the
// seat allocations they held, so the caller can release them from the ledger
// in the same transaction.
func (s *Store) ExpirePendingBefore(ctx context.Context, cutoff time.Time) ([]ExpiredAllocation, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE booking_requests
		SET status = 'expired',
		    status_version = status_version + 1
		WHERE status = 'pending' AND created_at < $1
		RETURNING id, trip_id, passenger_id, seats`,
		cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExpiredAllocation
	for rows.Next() {
		var a ExpiredAllocation
		if err := rows.Scan(&a.BookingID, &a.TripID, &a.PassengerID, &a.Seats); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkPaid flips is_paid unconditionally; calling it again is a no-op, which
// keeps webhook retries safe.
func (s *Store) MarkPaid(ctx context.Context, id types.ID) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE booking_requests SET is_paid = TRUE WHERE id = $1`,
		string(id),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	var actor *string
	if e.ActorID != nil {
		v := string(*e.ActorID)
		actor = &v
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO booking_state_events (
			booking_id, from_status, to_status, actor_type, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.BookingID), string(e.FromStatus), string(e.ToStatus),
		e.ActorType, actor, e.CreatedAt,
	)
	return err
}

const selectColumns = `
	SELECT id, trip_id, passenger_id, seats, note,
	       status, status_version,
	       accepted_at, accepted_by,
	       declined_at, declined_by, decline_reason,
	       canceled_at, cancellation_reason,
	       refund_needed, is_paid, created_at
	FROM booking_requests`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var r Request
	var acceptedBy, declinedBy *string
	var acceptedAt, declinedAt, canceledAt *time.Time
	var declineReason, cancellationReason *string

	err := row.Scan(
		&r.ID, &r.TripID, &r.PassengerID, &r.Seats, &r.Note,
		&r.Status, &r.StatusVersion,
		&acceptedAt, &acceptedBy,
		&declinedAt, &declinedBy, &declineReason,
		&canceledAt, &cancellationReason,
		&r.RefundNeeded, &r.IsPaid, &r.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	r.AcceptedAt = acceptedAt
	r.DeclinedAt = declinedAt
	r.CanceledAt = canceledAt
	r.DeclineReason = declineReason
	r.CancellationReason = cancellationReason
	if acceptedBy != nil {
		v := types.ID(*acceptedBy)
		r.AcceptedBy = &v
	}
	if declinedBy != nil {
		v := types.ID(*declinedBy)
		r.DeclinedBy = &v
	}
	return &r, nil
}
