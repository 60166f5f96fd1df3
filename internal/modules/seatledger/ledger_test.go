// README: Seat ledger store tests against a real database (skip without CAMPOOL_TEST_DSN).
package seatledger

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

	"campool/internal/types"
)

func TestAllocateWithinCapacity(t *testing.T) {
	store, pool := setupLedgerStore(t)
	ctx := context.Background()
	tripID := seedTrip(t, pool)

	if err := store.Create(ctx, tripID, 3); err != nil {
		t.Fatalf("create ledger: %v", err)
	}

	ok, err := store.Allocate(ctx, tripID, 2)
	if err != nil || !ok {
		t.Fatalf("allocate 2 = (%v, %v), want success", ok, err)
	}
	ok, err = store.Allocate(ctx, tripID, 1)
	if err != nil || !ok {
		t.Fatalf("allocate last seat = (%v, %v), want success", ok, err)
	}

	// full: any further allocation must be refused without error
	ok, err = store.Allocate(ctx, tripID, 1)
	if err != nil {
		t.Fatalf("allocate over capacity: %v", err)
	}
	if ok {
		t.Fatal("allocation over capacity must not succeed")
	}

	l, err := store.Get(ctx, tripID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if l.AllocatedSeats != 3 || l.TotalSeats != 3 {
		t.Fatalf("ledger = %d/%d, want 3/3", l.AllocatedSeats, l.TotalSeats)
	}
}

func TestAllocateOversizedRequest(t *testing.T) {
	store, pool := setupLedgerStore(t)
	ctx := context.Background()
	tripID := seedTrip(t, pool)

	if err := store.Create(ctx, tripID, 2); err != nil {
		t.Fatalf("create ledger: %v", err)
	}
	ok, err := store.Allocate(ctx, tripID, 3)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if ok {
		t.Fatal("request larger than capacity must not succeed")
	}
}

func TestDeallocateBelowZero(t *testing.T) {
	store, pool := setupLedgerStore(t)
	ctx := context.Background()
	tripID := seedTrip(t, pool)

	if err := store.Create(ctx, tripID, 4); err != nil {
		t.Fatalf("create ledger: %v", err)
	}
	if ok, err := store.Allocate(ctx, tripID, 1); err != nil || !ok {
		t.Fatalf("allocate = (%v, %v), want success", ok, err)
	}

	ok, err := store.Deallocate(ctx, tripID, 2)
	if err != nil {
		t.Fatalf("deallocate: %v", err)
	}
	if ok {
		t.Fatal("deallocating below zero must not succeed")
	}

	ok, err = store.Deallocate(ctx, tripID, 1)
	if err != nil || !ok {
		t.Fatalf("deallocate 1 = (%v, %v), want success", ok, err)
	}
}

func TestReleaseReturnsPriorAllocation(t *testing.T) {
	store, pool := setupLedgerStore(t)
	ctx := context.Background()
	tripID := seedTrip(t, pool)

	if err := store.Create(ctx, tripID, 5); err != nil {
		t.Fatalf("create ledger: %v", err)
	}
	if ok, err := store.Allocate(ctx, tripID, 3); err != nil || !ok {
		t.Fatalf("allocate = (%v, %v), want success", ok, err)
	}

	released, err := store.Release(ctx, tripID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released != 3 {
		t.Fatalf("released = %d, want 3", released)
	}

	l, err := store.Get(ctx, tripID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if l.AllocatedSeats != 0 {
		t.Fatalf("allocated_seats = %d after release, want 0", l.AllocatedSeats)
	}

	// empty ledgers release zero; the call stays idempotent
	released, err = store.Release(ctx, tripID)
	if err != nil {
		t.Fatalf("release rerun: %v", err)
	}
	if released != 0 {
		t.Fatalf("rerun released = %d, want 0", released)
	}
}

func TestGetUnknownTrip(t *testing.T) {
	store, _ := setupLedgerStore(t)

	_, err := store.Get(context.Background(), types.NewID())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

// --- helpers ---

func setupLedgerStore(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()

	dsn := os.Getenv("CAMPOOL_TEST_DSN")
	if dsn == "" {
		t.Skip("CAMPOOL_TEST_DSN not set; skipping DB-backed ledger tests")
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
	return NewStore(pool), pool
}

// seedTrip inserts the trip row the ledger's foreign key points at.
func seedTrip(t *testing.T, pool *pgxpool.Pool) types.ID {
	t.Helper()
	id := types.NewID()
	departure := time.Now().Add(24 * time.Hour)
	_, err := pool.Exec(context.Background(), `
		INSERT INTO trip_offers (
			id, driver_id, vehicle_id,
			origin_text, origin_lat, origin_lng,
			destination_text, destination_lat, destination_lng,
			departure_at, estimated_arrival_at,
			price_per_seat, currency,
			total_seats, status, status_version
		) VALUES ($1, $2, $3, 'a', 0, 0, 'b', 1, 1, $4, $5, 500, 'EUR', 4, 'published', 1)`,
		string(id), string(types.NewID()), string(types.NewID()),
		departure, departure.Add(time.Hour),
	)
	if err != nil {
		t.Fatalf("seed trip: %v", err)
	}
	return id
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
