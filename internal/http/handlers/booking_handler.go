// README: Booking handlers: create/accept/decline/cancel/paid/get.
package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"campool/internal/http/middleware"
	"campool/internal/modules/lifecycle"
	"campool/internal/types"
)

type BookingHandler struct {
	lifecycle *lifecycle.Service
}

func NewBookingHandler(lc *lifecycle.Service) *BookingHandler {
	return &BookingHandler{lifecycle: lc}
}

type createBookingReq struct {
	TripID string `json:"trip_id" binding:"required,len=24,hexadecimal"`
	Seats  int    `json:"seats" binding:"required,gte=1"`
	Note   string `json:"note" binding:"max=500"`
}

func (h *BookingHandler) Create(c *gin.Context) {
	var req createBookingReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	r, err := h.lifecycle.CreateBooking(c.Request.Context(), lifecycle.CreateBookingCommand{
		TripID:      types.ID(req.TripID),
		PassengerID: middleware.ActorID(c),
		Seats:       req.Seats,
		Note:        req.Note,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, bookingToResponse(r))
}

func (h *BookingHandler) Accept(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	r, err := h.lifecycle.Accept(c.Request.Context(), lifecycle.AcceptCommand{
		BookingID: id,
		DriverID:  middleware.ActorID(c),
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, bookingToResponse(r))
}

type declineReq struct {
	Reason string `json:"reason" binding:"max=500"`
}

func (h *BookingHandler) Decline(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req declineReq
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, http.StatusBadRequest, "invalid request")
		return
	}
	r, err := h.lifecycle.Decline(c.Request.Context(), lifecycle.DeclineCommand{
		BookingID: id,
		DriverID:  middleware.ActorID(c),
		Reason:    req.Reason,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, bookingToResponse(r))
}

type cancelBookingReq struct {
	Reason string `json:"reason" binding:"max=500"`
}

func (h *BookingHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req cancelBookingReq
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, http.StatusBadRequest, "invalid request")
		return
	}
	r, err := h.lifecycle.CancelByPassenger(c.Request.Context(), lifecycle.CancelByPassengerCommand{
		BookingID:   id,
		PassengerID: middleware.ActorID(c),
		Reason:      req.Reason,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, bookingToResponse(r))
}

// MarkPaid is called by the payment collaborator when a capture succeeds.
// Safe under webhook retries.
func (h *BookingHandler) MarkPaid(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.lifecycle.MarkPaid(c.Request.Context(), id); err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"is_paid": true})
}

func (h *BookingHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	r, err := h.lifecycle.GetBookingFor(c.Request.Context(), id, middleware.ActorID(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, bookingToResponse(r))
}
