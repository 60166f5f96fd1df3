// README: Declarative cascade plan for trip cancellation and its effects summary.
package lifecycle

import "campool/internal/modules/booking"

// Effects summarizes what a trip-cancellation cascade did, for the HTTP layer
// and the payment/notification collaborators.
type Effects struct {
	DeclinedAuto       int `json:"declined_auto"`
	CanceledByPlatform int `json:"canceled_by_platform"`
	RefundsCreated     int `json:"refunds_created"`
	LedgerReleased     int `json:"ledger_released"`
}

// bulkStep is one bulk transition of the cascade. Each step conditions on the
// source status, so the plan is idempotent row by row and safe to replay
// inside a retried transaction.
type bulkStep struct {
	From booking.Status
	To   booking.Status
	// Reason lands in decline_reason or cancellation_reason per target status.
	Reason string
	// RefundNeeded marks bookings whose payment was already captured.
	RefundNeeded bool
}

// tripCancelPlan is the ordered set of bulk transitions applied when a driver
// cancels a trip. Pending bookings never had a capture, so they decline
// without a refund; accepted ones are canceled by the platform and flagged.
var tripCancelPlan = []bulkStep{
	{From: booking.StatusPending, To: booking.StatusDeclinedAuto, Reason: "trip_canceled"},
	{From: booking.StatusAccepted, To: booking.StatusCanceledByPlatform, Reason: "trip_canceled", RefundNeeded: true},
}
