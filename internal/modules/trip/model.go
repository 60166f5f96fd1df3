// README: Trip offer aggregate and status definitions.
package trip

import (
	"time"

	"campool/internal/types"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
	StatusCanceled  Status = "canceled"
	StatusCompleted Status = "completed"
)

type Place struct {
	Text  string
	Point types.Point
}

type Offer struct {
	ID                 types.ID
	DriverID           types.ID
	VehicleID          types.ID
	Origin             Place
	Destination        Place
	DepartureAt        time.Time
	EstimatedArrivalAt time.Time
	PricePerSeat       types.Money
	TotalSeats         int
	Status             Status
	StatusVersion      int
	Notes              string
	CreatedAt          time.Time
	CanceledAt         *time.Time
	CompletedAt        *time.Time
}

// AllowedTransitions represents the trip offer state flow as code.
var AllowedTransitions = map[Status][]Status{
	StatusDraft:     {StatusPublished, StatusCanceled},
	StatusPublished: {StatusCanceled, StatusCompleted},
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
