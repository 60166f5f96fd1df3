// README: Scheduled lifecycle sweeps: expire stale pending bookings, complete past trips.
package lifecycle

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"campool/internal/config"
	"campool/internal/modules/booking"
	"campool/internal/modules/notify"
	"campool/internal/modules/seatledger"
	"campool/internal/modules/trip"
	"campool/internal/types"
)

// JobService runs the time-based sweeps. Every bulk update conditions on the
// row's current status, so sweeps are idempotent and safe under concurrent
// schedulers.
type JobService struct {
	db       TxBeginner
	trips    *trip.Store
	bookings *booking.Store
	ledger   *seatledger.Store
	notify   Notifier
	cfg      config.JobsConfig
	log      *zap.Logger
}

func NewJobService(db TxBeginner, trips *trip.Store, bookings *booking.Store, ledger *seatledger.Store, notifier Notifier, cfg config.JobsConfig, log *zap.Logger) *JobService {
	if log == nil {
		log = zap.NewNop()
	}
	return &JobService{db: db, trips: trips, bookings: bookings, ledger: ledger, notify: notifier, cfg: cfg, log: log}
}

type SweepResult struct {
	ExpiredBookings int `json:"expired_bookings"`
	SeatsReleased   int `json:"seats_released"`
	CompletedTrips  int `json:"completed_trips"`
}

// ExpirePendingBookings flips pending bookings created before the cutoff to
// expired and returns their seats to the ledger in the same transaction.
// Pending bookings always hold exactly their allocation, so skipping the
// release would overcount the ledger for the remaining life of the trip.
func (s *JobService) ExpirePendingBookings(ctx context.Context, cutoff time.Time) (expired, seatsReleased int, err error) {
	var allocations []booking.ExpiredAllocation
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		allocations, err = s.bookings.WithTx(tx).ExpirePendingBefore(ctx, cutoff)
		if err != nil {
			return err
		}
		expired = len(allocations)

		// Collapse per-booking allocations into one release per trip.
		perTrip := make(map[types.ID]int)
		for _, a := range allocations {
			perTrip[a.TripID] += a.Seats
		}
		ledger := s.ledger.WithTx(tx)
		for tripID, seats := range perTrip {
			if err := seatledger.Deallocate(ctx, ledger, tripID, seats); err != nil {
				return err
			}
			seatsReleased += seats
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	for _, a := range allocations {
		// audit is advisory; a failed append never fails the sweep
		_ = s.bookings.AppendEvent(ctx, &booking.Event{
			BookingID:  a.BookingID,
			FromStatus: booking.StatusPending,
			ToStatus:   booking.StatusExpired,
			ActorType:  "platform",
			CreatedAt:  time.Now(),
		})
		if s.notify == nil {
			continue
		}
		e := notify.Event{
			Type:      notify.EventBookingExpired,
			Recipient: a.PassengerID,
			TripID:    a.TripID,
			BookingID: a.BookingID,
			CreatedAt: time.Now(),
		}
		if err := s.notify.Publish(ctx, e); err != nil {
			s.log.Warn("notification publish failed", zap.String("type", e.Type), zap.Error(err))
		}
	}
	return expired, seatsReleased, nil
}

// CompletePastTrips bulk-completes published trips whose departure passed.
func (s *JobService) CompletePastTrips(ctx context.Context, now time.Time) (int, error) {
	n, err := s.trips.CompletePast(ctx, now)
	return n, classify(err)
}

// Sweep runs both sweeps once. Each is independently atomic; re-running
// after a partial failure is safe.
func (s *JobService) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult
	expired, released, err := s.ExpirePendingBookings(ctx, now.Add(-s.cfg.PendingTTL))
	if err != nil {
		return res, err
	}
	res.ExpiredBookings = expired
	res.SeatsReleased = released

	completed, err := s.CompletePastTrips(ctx, now)
	if err != nil {
		return res, err
	}
	res.CompletedTrips = completed
	return res, nil
}

// RunSweeper runs Sweep on a ticker until the context is canceled.
func (s *JobService) RunSweeper(ctx context.Context) {
	tick := time.Duration(s.cfg.TickSeconds) * time.Second
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.Sweep(ctx, time.Now())
			if err != nil {
				s.log.Error("lifecycle sweep failed", zap.Error(err))
				continue
			}
			if res.ExpiredBookings > 0 || res.CompletedTrips > 0 {
				s.log.Info("lifecycle sweep",
					zap.Int("expired_bookings", res.ExpiredBookings),
					zap.Int("seats_released", res.SeatsReleased),
					zap.Int("completed_trips", res.CompletedTrips),
				)
			}
		}
	}
}

func (s *JobService) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
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
