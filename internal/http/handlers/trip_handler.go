// README: Trip offer handlers: create/publish/update/cancel/get/list.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"campool/internal/http/middleware"
	"campool/internal/modules/lifecycle"
	"campool/internal/modules/seatledger"
	"campool/internal/modules/trip"
	"campool/internal/types"
)

type TripHandler struct {
	trips     *trip.Service
	lifecycle *lifecycle.Service
	ledger    *seatledger.Service
	policy    trip.FieldPolicy
}

func NewTripHandler(trips *trip.Service, lc *lifecycle.Service, ledger *seatledger.Service, policy trip.FieldPolicy) *TripHandler {
	return &TripHandler{trips: trips, lifecycle: lc, ledger: ledger, policy: policy}
}

type createTripReq struct {
	VehicleID          string    `json:"vehicle_id" binding:"required"`
	Origin             placeDTO  `json:"origin" binding:"required"`
	Destination        placeDTO  `json:"destination" binding:"required"`
	DepartureAt        time.Time `json:"departure_at" binding:"required"`
	EstimatedArrivalAt time.Time `json:"estimated_arrival_at"`
	PricePerSeat       int64     `json:"price_per_seat" binding:"gte=0"`
	Currency           string    `json:"currency"`
	TotalSeats         int       `json:"total_seats" binding:"required,gte=1"`
	Notes              string    `json:"notes" binding:"max=500"`
	Publish            bool      `json:"publish"`
}

func (h *TripHandler) Create(c *gin.Context) {
	var req createTripReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	currency := req.Currency
	if currency == "" {
		currency = "EUR"
	}
	id, err := h.trips.Create(c.Request.Context(), trip.CreateCommand{
		DriverID:           middleware.ActorID(c),
		VehicleID:          types.ID(req.VehicleID),
		Origin:             req.Origin.toPlace(),
		Destination:        req.Destination.toPlace(),
		DepartureAt:        req.DepartureAt,
		EstimatedArrivalAt: req.EstimatedArrivalAt,
		PricePerSeat:       types.Money{Amount: req.PricePerSeat, Currency: currency},
		TotalSeats:         req.TotalSeats,
		Notes:              req.Notes,
		Publish:            req.Publish,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	o, err := h.trips.Get(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tripToResponse(o))
}

func (h *TripHandler) Publish(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.trips.Publish(c.Request.Context(), id, middleware.ActorID(c)); err != nil {
		writeServiceError(c, err)
		return
	}
	o, err := h.trips.Get(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, tripToResponse(o))
}

// Update consults the field-classification policy against the raw request
// keys before anything is decoded into the typed command: immutable and
// unknown fields are rejected at the boundary.
func (h *TripHandler) Update(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var raw map[string]json.RawMessage
	if err := c.ShouldBindJSON(&raw); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	for field := range raw {
		class, known := h.policy.Classify(field)
		if !known {
			writeError(c, http.StatusBadRequest, "unknown field: "+field)
			return
		}
		if class == trip.FieldImmutable {
			writeError(c, http.StatusBadRequest, "immutable field: "+field)
			return
		}
	}

	cmd := trip.UpdateCommand{TripID: id, DriverID: middleware.ActorID(c)}
	if err := decodeTripUpdate(raw, &cmd); err != nil {
		writeError(c, http.StatusBadRequest, "invalid field value")
		return
	}

	o, err := h.trips.Update(c.Request.Context(), cmd)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, tripToResponse(o))
}

func decodeTripUpdate(raw map[string]json.RawMessage, cmd *trip.UpdateCommand) error {
	if v, ok := raw["origin"]; ok {
		var p placeDTO
		if err := json.Unmarshal(v, &p); err != nil {
			return err
		}
		place := p.toPlace()
		cmd.Origin = &place
	}
	if v, ok := raw["destination"]; ok {
		var p placeDTO
		if err := json.Unmarshal(v, &p); err != nil {
			return err
		}
		place := p.toPlace()
		cmd.Destination = &place
	}
	if v, ok := raw["departure_at"]; ok {
		var t time.Time
		if err := json.Unmarshal(v, &t); err != nil {
			return err
		}
		cmd.DepartureAt = &t
	}
	if v, ok := raw["estimated_arrival_at"]; ok {
		var t time.Time
		if err := json.Unmarshal(v, &t); err != nil {
			return err
		}
		cmd.EstimatedArrivalAt = &t
	}
	if v, ok := raw["price_per_seat"]; ok {
		var amount int64
		if err := json.Unmarshal(v, &amount); err != nil {
			return err
		}
		// currency is preserved; only the amount is updatable
		cmd.PricePerSeat = &types.Money{Amount: amount}
	}
	if v, ok := raw["notes"]; ok {
		var notes string
		if err := json.Unmarshal(v, &notes); err != nil {
			return err
		}
		cmd.Notes = &notes
	}
	return nil
}

type cancelTripReq struct {
	Reason string `json:"reason" binding:"max=500"`
}

// Cancel runs the trip-cancellation cascade and returns its effects summary.
func (h *TripHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req cancelTripReq
	// an empty body means cancellation without a reason
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, http.StatusBadRequest, "invalid request")
		return
	}
	effects, err := h.lifecycle.CancelTrip(c.Request.Context(), lifecycle.CancelTripCommand{
		TripID:   id,
		DriverID: middleware.ActorID(c),
		Reason:   req.Reason,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": trip.StatusCanceled, "effects": effects})
}

func (h *TripHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	o, err := h.trips.Get(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	resp := tripToResponse(o)
	if l, err := h.ledger.Get(c.Request.Context(), id); err == nil {
		avail := l.TotalSeats - l.AllocatedSeats
		resp.SeatsAvailable = &avail
	}
	c.JSON(http.StatusOK, resp)
}

func (h *TripHandler) ListMine(c *gin.Context) {
	offers, err := h.trips.ListByDriver(c.Request.Context(), middleware.ActorID(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	out := make([]tripResponse, 0, len(offers))
	for _, o := range offers {
		out = append(out, tripToResponse(o))
	}
	c.JSON(http.StatusOK, out)
}

// ListBookings returns every booking on one of the driver's trips.
func (h *TripHandler) ListBookings(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	o, err := h.trips.Get(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if o.DriverID != middleware.ActorID(c) {
		writeError(c, http.StatusForbidden, "trip belongs to another driver")
		return
	}
	reqs, err := h.lifecycle.ListTripBookings(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	out := make([]bookingResponse, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, bookingToResponse(r))
	}
	c.JSON(http.StatusOK, out)
}
