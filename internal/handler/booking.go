package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/marlowbooks/shop-backend/internal/model"
	"github.com/marlowbooks/shop-backend/internal/repository"
)

// BookingReader is the authenticated booking surface.  Implemented by
// repository.BookingRepo.
type BookingReader interface {
	ListByUser(ctx context.Context, userID uint64) ([]model.EventBooking, error)
	RequestCancellation(ctx context.Context, bookingID, userID uint64) error
}

// BookingHandler serves a signed-in user's own bookings.
type BookingHandler struct {
	Bookings BookingReader
}

// MyBookings handles GET /v1/my-bookings.
func (h *BookingHandler) MyBookings(c echo.Context) error {
	userID, ok := currentUserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "NOT_AUTHENTICATED"})
	}
	bookings, err := h.Bookings.ListByUser(c.Request().Context(), userID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"bookings": bookings})
}

// RequestCancellation handles POST /v1/bookings/:id/cancel-request.  It only
// flags the booking; the money moves when an admin runs the refund.
func (h *BookingHandler) RequestCancellation(c echo.Context) error {
	userID, ok := currentUserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "NOT_AUTHENTICATED"})
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "INVALID_ID"})
	}
	err = h.Bookings.RequestCancellation(c.Request().Context(), id, userID)
	if errors.Is(err, repository.ErrNotFound) {
		// Covers missing, already-cancelled and other users' bookings alike.
		return c.JSON(http.StatusNotFound, echo.Map{"error": "BOOKING_NOT_FOUND"})
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"requested": true})
}
