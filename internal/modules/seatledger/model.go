// README: Seat ledger aggregate: allocated vs. total seats per trip.
package seatledger

import "campool/internal/types"

type Ledger struct {
	TripID         types.ID
	TotalSeats     int
	AllocatedSeats int
}
