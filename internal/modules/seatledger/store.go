// README: Seat ledger store backed by PostgreSQL; all mutations are single conditional updates.
package seatledger

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"campool/internal/types"
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx, so ledger mutations can
// run standalone or inside a caller-owned transaction.
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

// WithTx returns a store bound to the given transaction.
func (s *Store) WithTx(tx pgx.Tx) *Store {
	return &Store{db: tx}
}

func (s *Store) Create(ctx context.Context, tripID types.ID, totalSeats int) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO seat_ledgers (trip_id, total_seats, allocated_seats)
		VALUES ($1, $2, 0)`,
		string(tripID), totalSeats,
	)
	return err
}

func (s *Store) Get(ctx context.Context, tripID types.ID) (*Ledger, error) {
	row := s.db.QueryRow(ctx, `
		SELECT trip_id, total_seats, allocated_seats
		FROM seat_ledgers
		WHERE trip_id = $1`, string(tripID),
	)
	var l Ledger
	err := row.Scan(&l.TripID, &l.TotalSeats, &l.AllocatedSeats)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// Allocate increments the allocation by n only while it stays within capacity.
// The capacity check is part of the UPDATE predicate, so concurrent passengers
// racing for the last seat serialize on the row and exactly one wins.
func (s *Store) Allocate(ctx context.Context, tripID types.ID, n int) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE seat_ledgers
		SET allocated_seats = allocated_seats + $2
		WHERE trip_id = $1 AND allocated_seats + $2 <= total_seats`,
		string(tripID), n,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Deallocate decrements the allocation by n only while it stays non-negative.
// A zero-row result means the ledger no longer covers a booking that holds
// seats, which callers must treat as corruption.
func (s *Store) Deallocate(ctx context.Context, tripID types.ID, n int) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE seat_ledgers
		SET allocated_seats = allocated_seats - $2
		WHERE trip_id = $1 AND allocated_seats - $2 >= 0`,
		string(tripID), n,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Release zeroes the allocation and returns how many seats were held. The
// self-join exposes the pre-update value so the caller gets the released
// count from a single statement.
func (s *Store) Release(ctx context.Context, tripID types.ID) (int, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE seat_ledgers AS l
		SET allocated_seats = 0
		FROM (SELECT trip_id, allocated_seats FROM seat_ledgers WHERE trip_id = $1) AS prev
		WHERE l.trip_id = prev.trip_id
		RETURNING prev.allocated_seats`,
		string(tripID),
	)
	var released int
	err := row.Scan(&released)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return released, nil
}
