// README: Base handler utilities (JSON helpers, error mapping, snapshots).
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"campool/internal/modules/booking"
	"campool/internal/modules/lifecycle"
	"campool/internal/modules/seatledger"
	"campool/internal/modules/trip"
	"campool/internal/types"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(c *gin.Context, status int, msg string) {
	c.JSON(status, errorResponse{Error: msg})
}

// writeServiceError maps the core error taxonomy onto HTTP statuses.
func writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, trip.ErrBadRequest), errors.Is(err, lifecycle.ErrBadRequest):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, trip.ErrNotFound), errors.Is(err, booking.ErrNotFound), errors.Is(err, seatledger.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, trip.ErrForbidden), errors.Is(err, lifecycle.ErrForbidden):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, seatledger.ErrUnavailable),
		errors.Is(err, booking.ErrDuplicateActive),
		errors.Is(err, trip.ErrInvalidState),
		errors.Is(err, lifecycle.ErrInvalidState),
		errors.Is(err, trip.ErrConflict),
		errors.Is(err, lifecycle.ErrConflict):
		writeError(c, http.StatusConflict, err.Error())
	default:
		// seatledger.ErrCorrupt and unexpected storage failures land here;
		// details stay in the logs.
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

// pathID validates :id route params as the opaque 24-char hex identifiers the
// core issues.
func pathID(c *gin.Context, name string) (types.ID, bool) {
	id := types.ID(c.Param(name))
	if !id.Valid() {
		writeError(c, http.StatusBadRequest, "invalid "+name)
		return "", false
	}
	return id, true
}

type placeDTO struct {
	Text string  `json:"text" binding:"required"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

func (p placeDTO) toPlace() trip.Place {
	return trip.Place{Text: p.Text, Point: types.Point{Lat: p.Lat, Lng: p.Lng}}
}

func placeToDTO(p trip.Place) placeDTO {
	return placeDTO{Text: p.Text, Lat: p.Point.Lat, Lng: p.Point.Lng}
}

type tripResponse struct {
	ID                 types.ID   `json:"id"`
	DriverID           types.ID   `json:"driver_id"`
	VehicleID          types.ID   `json:"vehicle_id"`
	Origin             placeDTO   `json:"origin"`
	Destination        placeDTO   `json:"destination"`
	DepartureAt        time.Time  `json:"departure_at"`
	EstimatedArrivalAt time.Time  `json:"estimated_arrival_at"`
	PricePerSeat       int64      `json:"price_per_seat"`
	Currency           string     `json:"currency"`
	TotalSeats         int        `json:"total_seats"`
	Status             string     `json:"status"`
	Notes              string     `json:"notes"`
	SeatsAvailable     *int       `json:"seats_available,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	CanceledAt         *time.Time `json:"canceled_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

func tripToResponse(o *trip.Offer) tripResponse {
	return tripResponse{
		ID:                 o.ID,
		DriverID:           o.DriverID,
		VehicleID:          o.VehicleID,
		Origin:             placeToDTO(o.Origin),
		Destination:        placeToDTO(o.Destination),
		DepartureAt:        o.DepartureAt,
		EstimatedArrivalAt: o.EstimatedArrivalAt,
		PricePerSeat:       o.PricePerSeat.Amount,
		Currency:           o.PricePerSeat.Currency,
		TotalSeats:         o.TotalSeats,
		Status:             string(o.Status),
		Notes:              o.Notes,
		CreatedAt:          o.CreatedAt,
		CanceledAt:         o.CanceledAt,
		CompletedAt:        o.CompletedAt,
	}
}

type bookingResponse struct {
	ID                 types.ID   `json:"id"`
	TripID             types.ID   `json:"trip_id"`
	PassengerID        types.ID   `json:"passenger_id"`
	Seats              int        `json:"seats"`
	Note               string     `json:"note"`
	Status             string     `json:"status"`
	AcceptedAt         *time.Time `json:"accepted_at,omitempty"`
	AcceptedBy         *types.ID  `json:"accepted_by,omitempty"`
	DeclinedAt         *time.Time `json:"declined_at,omitempty"`
	DeclineReason      *string    `json:"decline_reason,omitempty"`
	CanceledAt         *time.Time `json:"canceled_at,omitempty"`
	CancellationReason *string    `json:"cancellation_reason,omitempty"`
	RefundNeeded       bool       `json:"refund_needed"`
	IsPaid             bool       `json:"is_paid"`
	CreatedAt          time.Time  `json:"created_at"`
}

func bookingToResponse(r *booking.Request) bookingResponse {
	return bookingResponse{
		ID:                 r.ID,
		TripID:             r.TripID,
		PassengerID:        r.PassengerID,
		Seats:              r.Seats,
		Note:               r.Note,
		Status:             string(r.Status),
		AcceptedAt:         r.AcceptedAt,
		AcceptedBy:         r.AcceptedBy,
		DeclinedAt:         r.DeclinedAt,
		DeclineReason:      r.DeclineReason,
		CanceledAt:         r.CanceledAt,
		CancellationReason: r.CancellationReason,
		RefundNeeded:       r.RefundNeeded,
		IsPaid:             r.IsPaid,
		CreatedAt:          r.CreatedAt,
	}
}
