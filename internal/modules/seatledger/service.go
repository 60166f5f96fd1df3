// README: Seat ledger service wraps the store with the error taxonomy.
package seatledger

import (
	"context"
	"errors"
	"fmt"

	"campool/internal/types"
)

var (
	ErrNotFound = errors.New("seat ledger not found")
	// ErrUnavailable means an allocation lost the capacity race; recoverable.
	ErrUnavailable = errors.New("seat unavailable")
	// ErrCorrupt means a deallocation would drive the ledger negative.
	// Should never happen while booking invariants hold; fatal.
	ErrCorrupt = errors.New("seat ledger corruption")
)

type Service struct {
	store *Store
}

func NewService(store *Store) *Service {
	return &Service{store: store}
}

func (s *Service) Get(ctx context.Context, tripID types.ID) (*Ledger, error) {
	return s.store.Get(ctx, tripID)
}

func (s *Service) Allocate(ctx context.Context, tripID types.ID, n int) error {
	return Allocate(ctx, s.store, tripID, n)
}

func (s *Service) Deallocate(ctx context.Context, tripID types.ID, n int) error {
	return Deallocate(ctx, s.store, tripID, n)
}

// Allocate and Deallocate are exposed as functions over a store so lifecycle
// orchestration can run them against a transaction-bound store.

func Allocate(ctx context.Context, store *Store, tripID types.ID, n int) error {
	if n < 1 {
		return fmt.Errorf("%w: allocation of %d seats", ErrUnavailable, n)
	}
	ok, err := store.Allocate(ctx, tripID, n)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: trip %s", ErrUnavailable, tripID)
	}
	return nil
}

func Deallocate(ctx context.Context, store *Store, tripID types.ID, n int) error {
	ok, err := store.Deallocate(ctx, tripID, n)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: trip %s releasing %d seats", ErrCorrupt, tripID, n)
	}
	return nil
}
