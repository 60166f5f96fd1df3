// README: Booking request aggregate and status definitions.
package booking

import (
	"time"

	"campool/internal/types"
)

type Status string

const (
	StatusNone                Status = "none"
	StatusPending             Status = "pending"
	StatusAccepted            Status = "accepted"
	StatusDeclined            Status = "declined"
	StatusDeclinedAuto        Status = "declined_auto"
	StatusCanceledByPassenger Status = "canceled_by_passenger"
	StatusCanceledByPlatform  Status = "canceled_by_platform"
	StatusExpired             Status = "expired"
)

type Request struct {
	ID                 types.ID
	TripID             types.ID
	PassengerID        types.ID
	Seats              int
	Note               string
	Status             Status
	StatusVersion      int
	AcceptedAt         *time.Time
	AcceptedBy         *types.ID
	DeclinedAt         *time.Time
	DeclinedBy         *types.ID
	DeclineReason      *string
	CanceledAt         *time.Time
	CancellationReason *string
	RefundNeeded       bool
	IsPaid             bool
	CreatedAt          time.Time
}

// Event is one row of the append-only transition audit.
type Event struct {
	ID         int64
	BookingID  types.ID
	FromStatus Status
	ToStatus   Status
	ActorType  string
	ActorID    *types.ID
	CreatedAt  time.Time
}

// AllowedTransitions represents the booking state flow as code. Statuses with
// no outgoing edges are terminal.
var AllowedTransitions = map[Status][]Status{
	StatusPending: {
		StatusAccepted,
		StatusDeclined,
		StatusDeclinedAuto,
		StatusExpired,
		StatusCanceledByPassenger,
	},
	StatusAccepted: {
		StatusCanceledByPassenger,
		StatusCanceledByPlatform,
	},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

func IsTerminal(s Status) bool {
	return len(AllowedTransitions[s]) == 0
}

// IsActive reports whether the booking still holds seats against the ledger.
func IsActive(s Status) bool {
	return s == StatusPending || s == StatusAccepted
}
