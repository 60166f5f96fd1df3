// README: Transition-outcome events handed to the external notification dispatcher.
package notify

import (
	"time"

	"campool/internal/types"
)

// Event types consumed by the dispatcher. Each names a booking or trip
// transition the recipient should hear about.
const (
	EventBookingCreated    = "booking_created"
	EventBookingAccepted   = "booking_accepted"
	EventBookingDeclined   = "booking_declined"
	EventBookingCanceled   = "booking_canceled"
	EventBookingExpired    = "booking_expired"
	EventTripCanceled      = "trip_canceled"
	EventRefundPending     = "refund_pending"
)

type Event struct {
	Type      string            `json:"type"`
	Recipient types.ID          `json:"recipient"`
	TripID    types.ID          `json:"trip_id,omitempty"`
	BookingID types.ID          `json:"booking_id,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
