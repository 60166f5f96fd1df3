// README: Booking lifecycle service: creation, accept/decline, cancellation, trip-cancel cascade.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"campool/internal/modules/booking"
	"campool/internal/modules/notify"
	"campool/internal/modules/seatledger"
	"campool/internal/modules/trip"
	"campool/internal/types"
)

var (
	ErrBadRequest   = errors.New("bad request")
	ErrInvalidState = errors.New("invalid state transition")
	ErrForbidden    = errors.New("actor does not own this resource")
	// ErrConflict covers lost optimistic races and aborted transactions;
	// the whole operation is safe to retry from scratch.
	ErrConflict = errors.New("state conflict")
)

const maxNoteLen = 500

// Notifier hands transition outcomes to the external dispatcher.
type Notifier interface {
	Publish(ctx context.Context, e notify.Event) error
}

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Service struct {
	db       TxBeginner
	trips    *trip.Store
	bookings *booking.Store
	ledger   *seatledger.Store
	notify   Notifier
	log      *zap.Logger
}

func NewService(db TxBeginner, trips *trip.Store, bookings *booking.Store, ledger *seatledger.Store, notifier Notifier, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{db: db, trips: trips, bookings: bookings, ledger: ledger, notify: notifier, log: log}
}

type CreateBookingCommand struct {
	TripID      types.ID
	PassengerID types.ID
	Seats       int
	Note        string
}

type AcceptCommand struct {
	BookingID types.ID
	DriverID  types.ID
}

type DeclineCommand struct {
	BookingID types.ID
	DriverID  types.ID
	Reason    string
}

type CancelByPassengerCommand struct {
	BookingID   types.ID
	PassengerID types.ID
	Reason      string
}

type CancelTripCommand struct {
	TripID   types.ID
	DriverID types.ID
	Reason   string
}

// CreateBooking allocates seats and persists a pending booking in one
// transaction. Allocation runs first: when the trip is out of capacity no
// booking row ever exists, and when the insert fails the allocation rolls
// back with it.
func (s *Service) CreateBooking(ctx context.Context, cmd CreateBookingCommand) (*booking.Request, error) {
	if cmd.Seats < 1 {
		return nil, fmt.Errorf("%w: seats must be at least 1", ErrBadRequest)
	}
	if len(cmd.Note) > maxNoteLen {
		return nil, fmt.Errorf("%w: note exceeds %d characters", ErrBadRequest, maxNoteLen)
	}

	t, err := s.trips.Get(ctx, cmd.TripID)
	if err != nil {
		return nil, err
	}
	if t.Status != trip.StatusPublished {
		return nil, fmt.Errorf("%w: trip is %s, not open for booking", ErrInvalidState, t.Status)
	}

	active, err := s.bookings.HasActive(ctx, cmd.TripID, cmd.PassengerID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, booking.ErrDuplicateActive
	}

	r := &booking.Request{
		ID:          types.NewID(),
		TripID:      cmd.TripID,
		PassengerID: cmd.PassengerID,
		Seats:       cmd.Seats,
		Note:        cmd.Note,
		Status:      booking.StatusPending,
		CreatedAt:   time.Now(),
	}

	err = s.withTx(ctx, func(tx pgx.Tx) error {
		// Re-check the trip under a share lock: a cancellation cascade that
		// committed after the read above must not gain a fresh pending
		// booking, and one still in flight is serialized against this lock.
		status, err := s.trips.WithTx(tx).LockStatus(ctx, cmd.TripID)
		if err != nil {
			return err
		}
		if status != trip.StatusPublished {
			return fmt.Errorf("%w: trip is %s, not open for booking", ErrInvalidState, status)
		}
		if err := seatledger.Allocate(ctx, s.ledger.WithTx(tx), cmd.TripID, cmd.Seats); err != nil {
			return err
		}
		return s.bookings.WithTx(tx).Create(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	s.recordTransition(ctx, r.ID, booking.StatusNone, booking.StatusPending, "passenger", &cmd.PassengerID)
	s.publish(ctx, notify.Event{
		Type:      notify.EventBookingCreated,
		Recipient: t.DriverID,
		TripID:    t.ID,
		BookingID: r.ID,
		Variables: map[string]string{"seats": fmt.Sprint(cmd.Seats)},
		CreatedAt: time.Now(),
	})
	return r, nil
}

// Accept moves a pending booking to accepted. Seats were allocated at
// creation time, so the ledger is untouched.
func (s *Service) Accept(ctx context.Context, cmd AcceptCommand) (*booking.Request, error) {
	r, t, err := s.bookingWithTrip(ctx, cmd.BookingID)
	if err != nil {
		return nil, err
	}
	if t.DriverID != cmd.DriverID {
		return nil, ErrForbidden
	}
	if !booking.CanTransition(r.Status, booking.StatusAccepted) {
		return nil, fmt.Errorf("%w: %s -> accepted", ErrInvalidState, r.Status)
	}

	ok, err := s.bookings.UpdateStatus(ctx, r.ID, r.Status, booking.StatusAccepted, r.StatusVersion, &cmd.DriverID, nil, false)
	if err != nil {
		return nil, classify(err)
	}
	if !ok {
		return nil, ErrConflict
	}

	s.recordTransition(ctx, r.ID, r.Status, booking.StatusAccepted, "driver", &cmd.DriverID)
	s.publish(ctx, notify.Event{
		Type:      notify.EventBookingAccepted,
		Recipient: r.PassengerID,
		TripID:    r.TripID,
		BookingID: r.ID,
		CreatedAt: time.Now(),
	})
	return s.bookings.Get(ctx, r.ID)
}

// Decline moves a pending booking to declined and returns its seats to the
// ledger; both writes share one transaction.
func (s *Service) Decline(ctx context.Context, cmd DeclineCommand) (*booking.Request, error) {
	if len(cmd.Reason) > maxNoteLen {
		return nil, fmt.Errorf("%w: reason exceeds %d characters", ErrBadRequest, maxNoteLen)
	}
	r, t, err := s.bookingWithTrip(ctx, cmd.BookingID)
	if err != nil {
		return nil, err
	}
	if t.DriverID != cmd.DriverID {
		return nil, ErrForbidden
	}
	if !booking.CanTransition(r.Status, booking.StatusDeclined) {
		return nil, fmt.Errorf("%w: %s -> declined", ErrInvalidState, r.Status)
	}

	var reason *string
	if cmd.Reason != "" {
		reason = &cmd.Reason
	}
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		ok, err := s.bookings.WithTx(tx).UpdateStatus(ctx, r.ID, r.Status, booking.StatusDeclined, r.StatusVersion, &cmd.DriverID, reason, false)
		if err != nil {
			return err
		}
		if !ok {
			return ErrConflict
		}
		return s.deallocate(ctx, s.ledger.WithTx(tx), r.TripID, r.Seats)
	})
	if err != nil {
		return nil, err
	}

	s.recordTransition(ctx, r.ID, r.Status, booking.StatusDeclined, "driver", &cmd.DriverID)
	s.publish(ctx, notify.Event{
		Type:      notify.EventBookingDeclined,
		Recipient: r.PassengerID,
		TripID:    r.TripID,
		BookingID: r.ID,
		Variables: map[string]string{"reason": cmd.Reason},
		CreatedAt: time.Now(),
	})
	return s.bookings.Get(ctx, r.ID)
}

// CancelByPassenger cancels a pending or accepted booking and returns its
// seats. An accepted booking already had its payment captured, so it is
// flagged refund_needed; a pending one is not.
func (s *Service) CancelByPassenger(ctx context.Context, cmd CancelByPassengerCommand) (*booking.Request, error) {
	if len(cmd.Reason) > maxNoteLen {
		return nil, fmt.Errorf("%w: reason exceeds %d characters", ErrBadRequest, maxNoteLen)
	}
	r, t, err := s.bookingWithTrip(ctx, cmd.BookingID)
	if err != nil {
		return nil, err
	}
	if r.PassengerID != cmd.PassengerID {
		return nil, ErrForbidden
	}
	if !booking.CanTransition(r.Status, booking.StatusCanceledByPassenger) {
		return nil, fmt.Errorf("%w: %s -> canceled_by_passenger", ErrInvalidState, r.Status)
	}
	refundNeeded := r.Status == booking.StatusAccepted

	var reason *string
	if cmd.Reason != "" {
		reason = &cmd.Reason
	}
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		ok, err := s.bookings.WithTx(tx).UpdateStatus(ctx, r.ID, r.Status, booking.StatusCanceledByPassenger, r.StatusVersion, nil, reason, refundNeeded)
		if err != nil {
			return err
		}
		if !ok {
			return ErrConflict
		}
		return s.deallocate(ctx, s.ledger.WithTx(tx), r.TripID, r.Seats)
	})
	if err != nil {
		return nil, err
	}

	s.recordTransition(ctx, r.ID, r.Status, booking.StatusCanceledByPassenger, "passenger", &cmd.PassengerID)
	s.publish(ctx, notify.Event{
		Type:      notify.EventBookingCanceled,
		Recipient: t.DriverID,
		TripID:    r.TripID,
		BookingID: r.ID,
		Variables: map[string]string{"reason": cmd.Reason},
		CreatedAt: time.Now(),
	})
	if refundNeeded {
		s.publish(ctx, notify.Event{
			Type:      notify.EventRefundPending,
			Recipient: r.PassengerID,
			TripID:    r.TripID,
			BookingID: r.ID,
			CreatedAt: time.Now(),
		})
	}
	return s.bookings.Get(ctx, r.ID)
}

// MarkPaid flips is_paid on a booking. Idempotent: webhook retries land on
// the same terminal value with no further side effects.
func (s *Service) MarkPaid(ctx context.Context, bookingID types.ID) error {
	found, err := s.bookings.MarkPaid(ctx, bookingID)
	if err != nil {
		return err
	}
	if !found {
		return booking.ErrNotFound
	}
	return nil
}

// CancelTrip cancels a driver's trip and resolves every dependent booking
// inside one transaction, following tripCancelPlan. A failure anywhere rolls
// back the trip status, every bulk transition, and the ledger release.
func (s *Service) CancelTrip(ctx context.Context, cmd CancelTripCommand) (Effects, error) {
	t, err := s.trips.Get(ctx, cmd.TripID)
	if err != nil {
		return Effects{}, err
	}
	if t.DriverID != cmd.DriverID {
		return Effects{}, ErrForbidden
	}
	if !trip.CanTransition(t.Status, trip.StatusCanceled) {
		return Effects{}, fmt.Errorf("%w: %s -> canceled", ErrInvalidState, t.Status)
	}

	// Snapshot affected passengers before the cascade so notifications can
	// name recipients; the bulk updates only report counts.
	affected, err := s.bookings.ListByTrip(ctx, cmd.TripID)
	if err != nil {
		return Effects{}, err
	}

	var effects Effects
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		ok, err := s.trips.WithTx(tx).UpdateStatus(ctx, t.ID, t.Status, trip.StatusCanceled, t.StatusVersion)
		if err != nil {
			return err
		}
		if !ok {
			return ErrConflict
		}

		bookings := s.bookings.WithTx(tx)
		for _, step := range tripCancelPlan {
			n, err := bookings.BulkTransition(ctx, t.ID, step.From, step.To, step.Reason, step.RefundNeeded)
			if err != nil {
				return err
			}
			switch step.To {
			case booking.StatusDeclinedAuto:
				effects.DeclinedAuto = n
			case booking.StatusCanceledByPlatform:
				effects.CanceledByPlatform = n
				effects.RefundsCreated = n
			}
		}

		released, err := s.ledger.WithTx(tx).Release(ctx, t.ID)
		if err != nil {
			return err
		}
		effects.LedgerReleased = released
		return nil
	})
	if err != nil {
		return Effects{}, err
	}

	for _, r := range affected {
		if !booking.IsActive(r.Status) {
			continue
		}
		to := booking.StatusDeclinedAuto
		if r.Status == booking.StatusAccepted {
			to = booking.StatusCanceledByPlatform
		}
		s.recordTransition(ctx, r.ID, r.Status, to, "platform", nil)
		s.publish(ctx, notify.Event{
			Type:      notify.EventTripCanceled,
			Recipient: r.PassengerID,
			TripID:    t.ID,
			BookingID: r.ID,
			Variables: map[string]string{"reason": cmd.Reason},
			CreatedAt: time.Now(),
		})
		if r.Status == booking.StatusAccepted {
			s.publish(ctx, notify.Event{
				Type:      notify.EventRefundPending,
				Recipient: r.PassengerID,
				TripID:    t.ID,
				BookingID: r.ID,
				CreatedAt: time.Now(),
			})
		}
	}
	return effects, nil
}

func (s *Service) GetBooking(ctx context.Context, id types.ID) (*booking.Request, error) {
	return s.bookings.Get(ctx, id)
}

// GetBookingFor returns the booking only to its passenger or the trip's
// driver; anyone else is forbidden.
func (s *Service) GetBookingFor(ctx context.Context, id, actorID types.ID) (*booking.Request, error) {
	r, t, err := s.bookingWithTrip(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.PassengerID != actorID && t.DriverID != actorID {
		return nil, ErrForbidden
	}
	return r, nil
}

func (s *Service) ListTripBookings(ctx context.Context, tripID types.ID) ([]*booking.Request, error) {
	return s.bookings.ListByTrip(ctx, tripID)
}

// deallocate returns seats to the ledger and reports corruption loudly; a
// failed deallocation means the ledger no longer covers live bookings.
func (s *Service) deallocate(ctx context.Context, store *seatledger.Store, tripID types.ID, seats int) error {
	err := seatledger.Deallocate(ctx, store, tripID, seats)
	if errors.Is(err, seatledger.ErrCorrupt) {
		s.log.Error("seat ledger corruption detected",
			zap.String("trip_id", string(tripID)),
			zap.Int("seats", seats),
		)
	}
	return err
}

func (s *Service) bookingWithTrip(ctx context.Context, bookingID types.ID) (*booking.Request, *trip.Offer, error) {
	r, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, nil, err
	}
	t, err := s.trips.Get(ctx, r.TripID)
	if err != nil {
		return nil, nil, err
	}
	return r, t, nil
}

func (s *Service) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return classify(err)
	}
	return classify(tx.Commit(ctx))
}

// recordTransition appends to the audit log; advisory, never fails the caller.
func (s *Service) recordTransition(ctx context.Context, id types.ID, from, to booking.Status, actorType string, actorID *types.ID) {
	_ = s.bookings.AppendEvent(ctx, &booking.Event{
		BookingID:  id,
		FromStatus: from,
		ToStatus:   to,
		ActorType:  actorType,
		ActorID:    actorID,
		CreatedAt:  time.Now(),
	})
}

func (s *Service) publish(ctx context.Context, e notify.Event) {
	if s.notify == nil {
		return
	}
	if err := s.notify.Publish(ctx, e); err != nil {
		s.log.Warn("notification publish failed", zap.String("type", e.Type), zap.Error(err))
	}
}

// Serialization failures and deadlocks abort the transaction with no partial
// effects; callers may retry the whole operation.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Code)
		}
	}
	return err
}
