// README: Lifecycle flow tests against a real database (skip without CAMPOOL_TEST_DSN).
package lifecycle

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"campool/internal/config"
	"campool/internal/modules/booking"
	"campool/internal/modules/seatledger"
	"campool/internal/modules/trip"
	"campool/internal/types"
)

type testEnv struct {
	pool     *pgxpool.Pool
	trips    *trip.Store
	bookings *booking.Store
	ledger   *seatledger.Store
	tripSvc  *trip.Service
	svc      *Service
	jobs     *JobService
}

func TestBookingFlowHappyPath(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	driverID := types.NewID()
	passengerID := types.NewID()
	tripID := mustCreateTrip(t, env, driverID, 4, time.Now().Add(24*time.Hour))

	r, err := env.svc.CreateBooking(ctx, CreateBookingCommand{
		TripID: tripID, PassengerID: passengerID, Seats: 2, Note: "two of us",
	})
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}
	if r.Status != booking.StatusPending {
		t.Fatalf("expected pending, got %s", r.Status)
	}
	assertAllocated(t, env, tripID, 2)

	accepted, err := env.svc.Accept(ctx, AcceptCommand{BookingID: r.ID, DriverID: driverID})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != booking.StatusAccepted {
		t.Fatalf("expected accepted, got %s", accepted.Status)
	}
	if accepted.AcceptedBy == nil || *accepted.AcceptedBy != driverID {
		t.Fatal("expected accepted_by to record the driver")
	}
	assertAllocated(t, env, tripID, 2)

	// markPaid is idempotent under webhook retries
	if err := env.svc.MarkPaid(ctx, r.ID); err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if err := env.svc.MarkPaid(ctx, r.ID); err != nil {
		t.Fatalf("mark paid retry: %v", err)
	}
	got, err := env.svc.GetBooking(ctx, r.ID)
	if err != nil {
		t.Fatalf("get booking: %v", err)
	}
	if !got.IsPaid {
		t.Fatal("expected is_paid after markPaid")
	}

	canceled, err := env.svc.CancelByPassenger(ctx, CancelByPassengerCommand{
		BookingID: r.ID, PassengerID: passengerID, Reason: "plans changed",
	})
	if err != nil {
		t.Fatalf("cancel by passenger: %v", err)
	}
	if canceled.Status != booking.StatusCanceledByPassenger {
		t.Fatalf("expected canceled_by_passenger, got %s", canceled.Status)
	}
	if !canceled.RefundNeeded {
		t.Fatal("canceling an accepted booking must flag a refund")
	}
	assertAllocated(t, env, tripID, 0)
}

func TestBookingLastSeatLost(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	tripID := mustCreateTrip(t, env, types.NewID(), 1, time.Now().Add(24*time.Hour))

	if _, err := env.svc.CreateBooking(ctx, CreateBookingCommand{
		TripID: tripID, PassengerID: types.NewID(), Seats: 1,
	}); err != nil {
		t.Fatalf("first booking: %v", err)
	}
	_, err := env.svc.CreateBooking(ctx, CreateBookingCommand{
		TripID: tripID, PassengerID: types.NewID(), Seats: 1,
	})
	if !errors.Is(err, seatledger.ErrUnavailable) {
		t.Fatalf("expected seat unavailable, got %v", err)
	}
	assertAllocated(t, env, tripID, 1)
}

func TestBookingDuplicateActive(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	tripID := mustCreateTrip(t, env, types.NewID(), 4, time.Now().Add(24*time.Hour))
	passengerID := types.NewID()

	if _, err := env.svc.CreateBooking(ctx, CreateBookingCommand{
		TripID: tripID, PassengerID: passengerID, Seats: 1,
	}); err != nil {
		t.Fatalf("first booking: %v", err)
	}
	_, err := env.svc.CreateBooking(ctx, CreateBookingCommand{
		TripID: tripID, PassengerID: passengerID, Seats: 2,
	})
	if !errors.Is(err, booking.ErrDuplicateActive) {
		t.Fatalf("expected duplicate active booking, got %v", err)
	}
	// the losing attempt must not burn an allocation
	assertAllocated(t, env, tripID, 1)
}

func TestAcceptTwice(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	driverID := types.NewID()
	tripID := mustCreateTrip(t, env, driverID, 2, time.Now().Add(24*time.Hour))
	r := mustCreateBooking(t, env, tripID, types.NewID(), 1)

	if _, err := env.svc.Accept(ctx, AcceptCommand{BookingID: r.ID, DriverID: driverID}); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	_, err := env.svc.Accept(ctx, AcceptCommand{BookingID: r.ID, DriverID: driverID})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state on second accept, got %v", err)
	}
}

func TestDeclineReleasesSeats(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	driverID := types.NewID()
	tripID := mustCreateTrip(t, env, driverID, 3, time.Now().Add(24*time.Hour))
	r := mustCreateBooking(t, env, tripID, types.NewID(), 2)
	assertAllocated(t, env, tripID, 2)

	declined, err := env.svc.Decline(ctx, DeclineCommand{BookingID: r.ID, DriverID: driverID, Reason: "full car"})
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if declined.Status != booking.StatusDeclined {
		t.Fatalf("expected declined, got %s", declined.Status)
	}
	if declined.RefundNeeded {
		t.Fatal("declined pending booking must not need a refund")
	}
	if declined.DeclineReason == nil || *declined.DeclineReason != "full car" {
		t.Fatal("expected decline reason to persist")
	}
	assertAllocated(t, env, tripID, 0)
}

func TestCancelPendingNoRefund(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	tripID := mustCreateTrip(t, env, types.NewID(), 2, time.Now().Add(24*time.Hour))
	passengerID := types.NewID()
	r := mustCreateBooking(t, env, tripID, passengerID, 1)

	canceled, err := env.svc.CancelByPassenger(ctx, CancelByPassengerCommand{
		BookingID: r.ID, PassengerID: passengerID,
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.Status != booking.StatusCanceledByPassenger {
		t.Fatalf("expected canceled_by_passenger, got %s", canceled.Status)
	}
	if canceled.RefundNeeded {
		t.Fatal("pending cancel must not flag a refund: nothing was captured")
	}
	assertAllocated(t, env, tripID, 0)
}

func TestTripCancelCascade(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	driverID := types.NewID()
	tripID := mustCreateTrip(t, env, driverID, 4, time.Now().Add(24*time.Hour))

	accepted := mustCreateBooking(t, env, tripID, types.NewID(), 2)
	if _, err := env.svc.Accept(ctx, AcceptCommand{BookingID: accepted.ID, DriverID: driverID}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	pending := mustCreateBooking(t, env, tripID, types.NewID(), 1)

	effects, err := env.svc.CancelTrip(ctx, CancelTripCommand{TripID: tripID, DriverID: driverID, Reason: "car broke down"})
	if err != nil {
		t.Fatalf("cancel trip: %v", err)
	}
	if effects.DeclinedAuto != 1 {
		t.Errorf("declined_auto = %d, want 1", effects.DeclinedAuto)
	}
	if effects.CanceledByPlatform != 1 {
		t.Errorf("canceled_by_platform = %d, want 1", effects.CanceledByPlatform)
	}
	if effects.RefundsCreated != 1 {
		t.Errorf("refunds_created = %d, want 1", effects.RefundsCreated)
	}
	if effects.LedgerReleased != 3 {
		t.Errorf("ledger_released = %d, want 3", effects.LedgerReleased)
	}

	o, err := env.trips.Get(ctx, tripID)
	if err != nil {
		t.Fatalf("get trip: %v", err)
	}
	if o.Status != trip.StatusCanceled {
		t.Fatalf("expected canceled trip, got %s", o.Status)
	}

	// cascade completeness: nothing on the trip may remain active
	all, err := env.bookings.ListByTrip(ctx, tripID)
	if err != nil {
		t.Fatalf("list bookings: %v", err)
	}
	for _, r := range all {
		if booking.IsActive(r.Status) {
			t.Errorf("booking %s still %s after cascade", r.ID, r.Status)
		}
	}

	gotAccepted, _ := env.bookings.Get(ctx, accepted.ID)
	if gotAccepted.Status != booking.StatusCanceledByPlatform || !gotAccepted.RefundNeeded {
		t.Errorf("accepted booking: status=%s refund=%v, want canceled_by_platform with refund", gotAccepted.Status, gotAccepted.RefundNeeded)
	}
	gotPending, _ := env.bookings.Get(ctx, pending.ID)
	if gotPending.Status != booking.StatusDeclinedAuto || gotPending.RefundNeeded {
		t.Errorf("pending booking: status=%s refund=%v, want declined_auto without refund", gotPending.Status, gotPending.RefundNeeded)
	}
	assertAllocated(t, env, tripID, 0)

	// the cascade's bulk transitions land in the audit log too
	if n := countAuditEvents(t, env, accepted.ID, booking.StatusCanceledByPlatform); n != 1 {
		t.Errorf("audit events for accepted booking = %d, want 1", n)
	}
	if n := countAuditEvents(t, env, pending.ID, booking.StatusDeclinedAuto); n != 1 {
		t.Errorf("audit events for pending booking = %d, want 1", n)
	}

	// trip is terminal now; a second cancel is a state error
	if _, err := env.svc.CancelTrip(ctx, CancelTripCommand{TripID: tripID, DriverID: driverID}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state on second cancel, got %v", err)
	}
}

func TestCancelTripForbidden(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	tripID := mustCreateTrip(t, env, types.NewID(), 2, time.Now().Add(24*time.Hour))
	_, err := env.svc.CancelTrip(ctx, CancelTripCommand{TripID: tripID, DriverID: types.NewID()})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestExpireSweepReleasesSeatsAndIsIdempotent(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	tripID := mustCreateTrip(t, env, types.NewID(), 3, time.Now().Add(72*time.Hour))
	r := mustCreateBooking(t, env, tripID, types.NewID(), 2)
	assertAllocated(t, env, tripID, 2)

	cutoff := time.Now().Add(time.Hour)
	expired, released, err := env.jobs.ExpirePendingBookings(ctx, cutoff)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if expired != 1 || released != 2 {
		t.Fatalf("expire = (%d, %d), want (1, 2)", expired, released)
	}
	assertAllocated(t, env, tripID, 0)
	if n := countAuditEvents(t, env, r.ID, booking.StatusExpired); n != 1 {
		t.Errorf("audit events for expired booking = %d, want 1", n)
	}

	expired, released, err = env.jobs.ExpirePendingBookings(ctx, cutoff)
	if err != nil {
		t.Fatalf("expire rerun: %v", err)
	}
	if expired != 0 || released != 0 {
		t.Fatalf("expire rerun = (%d, %d), want (0, 0)", expired, released)
	}
	if n := countAuditEvents(t, env, r.ID, booking.StatusExpired); n != 1 {
		t.Errorf("audit events after rerun = %d, want 1", n)
	}
}

func TestCreateBookingOnCanceledTrip(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	driverID := types.NewID()
	tripID := mustCreateTrip(t, env, driverID, 2, time.Now().Add(24*time.Hour))
	if _, err := env.svc.CancelTrip(ctx, CancelTripCommand{TripID: tripID, DriverID: driverID}); err != nil {
		t.Fatalf("cancel trip: %v", err)
	}

	_, err := env.svc.CreateBooking(ctx, CreateBookingCommand{
		TripID: tripID, PassengerID: types.NewID(), Seats: 1,
	})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	// the lost attempt must not leave an allocation behind
	assertAllocated(t, env, tripID, 0)
}

func TestGetBookingOwnership(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	driverID := types.NewID()
	passengerID := types.NewID()
	tripID := mustCreateTrip(t, env, driverID, 2, time.Now().Add(24*time.Hour))
	r := mustCreateBooking(t, env, tripID, passengerID, 1)

	if _, err := env.svc.GetBookingFor(ctx, r.ID, passengerID); err != nil {
		t.Fatalf("passenger read: %v", err)
	}
	if _, err := env.svc.GetBookingFor(ctx, r.ID, driverID); err != nil {
		t.Fatalf("driver read: %v", err)
	}
	if _, err := env.svc.GetBookingFor(ctx, r.ID, types.NewID()); !errors.Is(err, ErrForbidden) {
		t.Fatalf("stranger read: got %v, want forbidden", err)
	}
}

func TestUpdateFieldsStaleVersion(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	driverID := types.NewID()
	tripID := mustCreateTrip(t, env, driverID, 2, time.Now().Add(24*time.Hour))

	stale, err := env.trips.Get(ctx, tripID)
	if err != nil {
		t.Fatalf("get trip: %v", err)
	}

	// a cancel lands after the read and bumps the status version
	if _, err := env.svc.CancelTrip(ctx, CancelTripCommand{TripID: tripID, DriverID: driverID}); err != nil {
		t.Fatalf("cancel trip: %v", err)
	}

	stale.Notes = "edited after cancel"
	ok, err := env.trips.UpdateFields(ctx, stale)
	if err != nil {
		t.Fatalf("update fields: %v", err)
	}
	if ok {
		t.Fatal("stale field write must not land after a status transition")
	}
}

func TestCompletePastTrips(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	departed := time.Now().Add(-2 * time.Hour)
	tripID := mustCreateTrip(t, env, types.NewID(), 2, departed)
	mustCreateTrip(t, env, types.NewID(), 2, time.Now().Add(24*time.Hour))

	n, err := env.jobs.CompletePastTrips(ctx, time.Now())
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if n != 1 {
		t.Fatalf("completed %d trips, want 1", n)
	}
	o, err := env.trips.Get(ctx, tripID)
	if err != nil {
		t.Fatalf("get trip: %v", err)
	}
	if o.Status != trip.StatusCompleted {
		t.Fatalf("expected completed, got %s", o.Status)
	}

	n, err = env.jobs.CompletePastTrips(ctx, time.Now())
	if err != nil {
		t.Fatalf("complete rerun: %v", err)
	}
	if n != 0 {
		t.Fatalf("rerun completed %d trips, want 0", n)
	}
}

// TestDeclineRollsBackOnLedgerCorruption tampers with the ledger so the
// deallocation inside Decline fails, then verifies the already-applied status
// write rolled back with it: no committed state may pair a declined booking
// with unreleased seats or vice versa.
func TestDeclineRollsBackOnLedgerCorruption(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	driverID := types.NewID()
	tripID := mustCreateTrip(t, env, driverID, 2, time.Now().Add(24*time.Hour))
	r := mustCreateBooking(t, env, tripID, types.NewID(), 2)

	if _, err := env.pool.Exec(ctx, `UPDATE seat_ledgers SET allocated_seats = 0 WHERE trip_id = $1`, string(tripID)); err != nil {
		t.Fatalf("tamper ledger: %v", err)
	}

	_, err := env.svc.Decline(ctx, DeclineCommand{BookingID: r.ID, DriverID: driverID})
	if !errors.Is(err, seatledger.ErrCorrupt) {
		t.Fatalf("expected ledger corruption, got %v", err)
	}

	got, err := env.bookings.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("get booking: %v", err)
	}
	if got.Status != booking.StatusPending {
		t.Fatalf("status write must roll back with the failed deallocation, got %s", got.Status)
	}
}

func TestMarkPaidUnknownBooking(t *testing.T) {
	env := setupTestEnv(t)

	err := env.svc.MarkPaid(context.Background(), types.NewID())
	if !errors.Is(err, booking.ErrNotFound) {
		t.Fatalf("expected booking not found, got %v", err)
	}
}

// --- helpers ---

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := os.Getenv("CAMPOOL_TEST_DSN")
	if dsn == "" {
		t.Skip("CAMPOOL_TEST_DSN not set; skipping DB-backed lifecycle tests")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := applyMigration(ctx, pool); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	if _, err := pool.Exec(ctx, "TRUNCATE TABLE booking_state_events, booking_requests, seat_ledgers, trip_offers"); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}

	trips := trip.NewStore(pool)
	bookings := booking.NewStore(pool)
	ledger := seatledger.NewStore(pool)
	jobsCfg := config.JobsConfig{TickSeconds: 60, PendingTTL: 48 * time.Hour}

	return &testEnv{
		pool:     pool,
		trips:    trips,
		bookings: bookings,
		ledger:   ledger,
		tripSvc:  trip.NewService(pool, trips, ledger, nil),
		svc:      NewService(pool, trips, bookings, ledger, nil, nil),
		jobs:     NewJobService(pool, trips, bookings, ledger, nil, jobsCfg, nil),
	}
}

func mustCreateTrip(t *testing.T, env *testEnv, driverID types.ID, seats int, departureAt time.Time) types.ID {
	t.Helper()
	id, err := env.tripSvc.Create(context.Background(), trip.CreateCommand{
		DriverID:           driverID,
		VehicleID:          types.NewID(),
		Origin:             trip.Place{Text: "campus north", Point: types.Point{Lat: 48.265, Lng: 11.671}},
		Destination:        trip.Place{Text: "city center", Point: types.Point{Lat: 48.137, Lng: 11.575}},
		DepartureAt:        departureAt,
		EstimatedArrivalAt: departureAt.Add(45 * time.Minute),
		PricePerSeat:       types.Money{Amount: 500, Currency: "EUR"},
		TotalSeats:         seats,
		Publish:            true,
	})
	if err != nil {
		t.Fatalf("create trip: %v", err)
	}
	return id
}

func mustCreateBooking(t *testing.T, env *testEnv, tripID, passengerID types.ID, seats int) *booking.Request {
	t.Helper()
	r, err := env.svc.CreateBooking(context.Background(), CreateBookingCommand{
		TripID: tripID, PassengerID: passengerID, Seats: seats,
	})
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}
	return r
}

func countAuditEvents(t *testing.T, env *testEnv, bookingID types.ID, to booking.Status) int {
	t.Helper()
	var n int
	err := env.pool.QueryRow(context.Background(), `
		SELECT count(*) FROM booking_state_events
		WHERE booking_id = $1 AND to_status = $2`,
		string(bookingID), string(to),
	).Scan(&n)
	if err != nil {
		t.Fatalf("count audit events: %v", err)
	}
	return n
}

func assertAllocated(t *testing.T, env *testEnv, tripID types.ID, want int) {
	t.Helper()
	l, err := env.ledger.Get(context.Background(), tripID)
	if err != nil {
		t.Fatalf("get ledger: %v", err)
	}
	if l.AllocatedSeats != want {
		t.Fatalf("allocated_seats = %d, want %d", l.AllocatedSeats, want)
	}
}

func applyMigration(ctx context.Context, pool *pgxpool.Pool) error {
	root, err := repoRoot()
	if err != nil {
		return err
	}
	content, err := os.ReadFile(filepath.Join(root, "migrations", "0001_init.sql"))
	if err != nil {
		return err
	}
	for _, stmt := range splitSQL(stripSQLComments(string(content))) {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for i := 0; i < 6; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", os.ErrNotExist
}

func stripSQLComments(input string) string {
	var b strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(input))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		b.WriteString(scanner.Text())
		b.WriteString("\n")
	}
	return b.String()
}

func splitSQL(input string) []string {
	parts := strings.Split(input, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		stmt := strings.TrimSpace(p)
		if stmt == "" {
			continue
		}
		out = append(out, stmt)
	}
	return out
}
