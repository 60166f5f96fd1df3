// README: Trip offer service: creation with seat ledger provisioning, publish, updates.
package trip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"campool/internal/modules/seatledger"
	"campool/internal/types"
)

var (
	ErrNotFound     = errors.New("trip not found")
	ErrBadRequest   = errors.New("bad request")
	ErrInvalidState = errors.New("invalid trip state transition")
	ErrConflict     = errors.New("trip state conflict")
	ErrForbidden    = errors.New("trip belongs to another driver")
)

// FieldClass classifies an update-request field for the HTTP update handler.
type FieldClass string

const (
	FieldAllowed   FieldClass = "allowed"
	FieldImmutable FieldClass = "immutable"
)

// FieldPolicy is the declarative field-classification table consulted on
// updates. Fields absent from the table are unknown and rejected. The table
// is plain data handed to whoever validates updates; nothing mutates it.
type FieldPolicy map[string]FieldClass

func DefaultFieldPolicy() FieldPolicy {
	return FieldPolicy{
		"origin":               FieldAllowed,
		"destination":          FieldAllowed,
		"departure_at":         FieldAllowed,
		"estimated_arrival_at": FieldAllowed,
		"price_per_seat":       FieldAllowed,
		"notes":                FieldAllowed,
		"driver_id":            FieldImmutable,
		"vehicle_id":           FieldImmutable,
		"total_seats":          FieldImmutable,
		"status":               FieldImmutable,
	}
}

// Classify returns the class for a field name and whether it is known at all.
func (p FieldPolicy) Classify(field string) (FieldClass, bool) {
	c, ok := p[field]
	return c, ok
}

// RouteEstimator supplies a travel-time estimate between two points. Wired to
// the Google Maps directions client; nil when no API key is configured.
type RouteEstimator interface {
	TravelTime(ctx context.Context, from, to types.Point) (time.Duration, error)
}

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Service struct {
	db     TxBeginner
	store  *Store
	ledger *seatledger.Store
	routes RouteEstimator
}

func NewService(db TxBeginner, store *Store, ledger *seatledger.Store, routes RouteEstimator) *Service {
	return &Service{db: db, store: store, ledger: ledger, routes: routes}
}

type CreateCommand struct {
	DriverID           types.ID
	VehicleID          types.ID
	Origin             Place
	Destination        Place
	DepartureAt        time.Time
	EstimatedArrivalAt time.Time
	PricePerSeat       types.Money
	TotalSeats         int
	Notes              string
	Publish            bool
}

type UpdateCommand struct {
	TripID             types.ID
	DriverID           types.ID
	Origin             *Place
	Destination        *Place
	DepartureAt        *time.Time
	EstimatedArrivalAt *time.Time
	PricePerSeat       *types.Money
	Notes              *string
}

// Create validates the offer invariants and persists the trip together with
// its seat ledger row in one transaction.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (types.ID, error) {
	if cmd.DriverID == "" || cmd.VehicleID == "" {
		return "", fmt.Errorf("%w: driver and vehicle are required", ErrBadRequest)
	}
	if cmd.TotalSeats < 1 {
		return "", fmt.Errorf("%w: total seats must be at least 1", ErrBadRequest)
	}
	if cmd.DepartureAt.IsZero() {
		return "", fmt.Errorf("%w: departure time is required", ErrBadRequest)
	}

	arrival := cmd.EstimatedArrivalAt
	if arrival.IsZero() && s.routes != nil {
		d, err := s.routes.TravelTime(ctx, cmd.Origin.Point, cmd.Destination.Point)
		if err == nil {
			arrival = cmd.DepartureAt.Add(d)
		}
	}
	if !arrival.After(cmd.DepartureAt) {
		return "", fmt.Errorf("%w: estimated arrival must be after departure", ErrBadRequest)
	}

	status := StatusDraft
	if cmd.Publish {
		status = StatusPublished
	}
	o := &Offer{
		ID:                 types.NewID(),
		DriverID:           cmd.DriverID,
		VehicleID:          cmd.VehicleID,
		Origin:             cmd.Origin,
		Destination:        cmd.Destination,
		DepartureAt:        cmd.DepartureAt,
		EstimatedArrivalAt: arrival,
		PricePerSeat:       cmd.PricePerSeat,
		TotalSeats:         cmd.TotalSeats,
		Status:             status,
		StatusVersion:      0,
		Notes:              cmd.Notes,
		CreatedAt:          time.Now(),
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	if err := s.store.WithTx(tx).Create(ctx, o); err != nil {
		return "", err
	}
	if err := s.ledger.WithTx(tx).Create(ctx, o.ID, o.TotalSeats); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return o.ID, nil
}

func (s *Service) Publish(ctx context.Context, tripID, driverID types.ID) error {
	o, err := s.store.Get(ctx, tripID)
	if err != nil {
		return err
	}
	if o.DriverID != driverID {
		return ErrForbidden
	}
	if !CanTransition(o.Status, StatusPublished) {
		return fmt.Errorf("%w: %s -> published", ErrInvalidState, o.Status)
	}
	ok, err := s.store.UpdateStatus(ctx, o.ID, o.Status, StatusPublished, o.StatusVersion)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

// Update applies mutable fields to a non-terminal trip. Field classification
// (allowed / immutable / unknown) happens at the HTTP boundary against
// FieldPolicy; here only typed, allowed fields arrive.
func (s *Service) Update(ctx context.Context, cmd UpdateCommand) (*Offer, error) {
	o, err := s.store.Get(ctx, cmd.TripID)
	if err != nil {
		return nil, err
	}
	if o.DriverID != cmd.DriverID {
		return nil, ErrForbidden
	}
	if IsTerminal(o.Status) {
		return nil, fmt.Errorf("%w: trip is %s", ErrInvalidState, o.Status)
	}

	if cmd.Origin != nil {
		o.Origin = *cmd.Origin
	}
	if cmd.Destination != nil {
		o.Destination = *cmd.Destination
	}
	if cmd.DepartureAt != nil {
		o.DepartureAt = *cmd.DepartureAt
	}
	if cmd.EstimatedArrivalAt != nil {
		o.EstimatedArrivalAt = *cmd.EstimatedArrivalAt
	}
	if cmd.PricePerSeat != nil {
		o.PricePerSeat.Amount = cmd.PricePerSeat.Amount
	}
	if cmd.Notes != nil {
		o.Notes = *cmd.Notes
	}
	if !o.EstimatedArrivalAt.After(o.DepartureAt) {
		return nil, fmt.Errorf("%w: estimated arrival must be after departure", ErrBadRequest)
	}

	ok, err := s.store.UpdateFields(ctx, o)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: trip changed state concurrently", ErrConflict)
	}
	return o, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Offer, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListByDriver(ctx context.Context, driverID types.ID) ([]*Offer, error) {
	return s.store.ListByDriver(ctx, driverID)
}
