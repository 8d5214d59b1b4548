package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/marlowbooks/shop-backend/internal/payment"
	"github.com/marlowbooks/shop-backend/internal/reconcile"
	"github.com/marlowbooks/shop-backend/internal/repository"
)

// RefundRunner performs refunds.  Implemented by reconcile.Refunder.
type RefundRunner interface {
	RefundOrder(ctx context.Context, orderID, actorUserID uint64) (string, error)
	RefundSeat(ctx context.Context, bookingID, actorUserID uint64) (string, error)
}

// RefundHandler exposes the admin refund surface.
type RefundHandler struct {
	Refunder RefundRunner
}

type refundRequest struct {
	OrderID   uint64 `json:"order_id,omitempty"`
	BookingID uint64 `json:"booking_id,omitempty"`
}

// Refund handles POST /v1/admin/refunds.  The body names exactly one target:
// an order id for a full refund or a booking id for a single seat.
func (h *RefundHandler) Refund(c echo.Context) error {
	actorID, _ := currentUserID(c)

	var req refundRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "INVALID_BODY"})
	}
	if (req.OrderID == 0) == (req.BookingID == 0) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "EXACTLY_ONE_TARGET"})
	}

	ctx := c.Request().Context()
	var (
		refundID string
		err      error
	)
	if req.OrderID != 0 {
		refundID, err = h.Refunder.RefundOrder(ctx, req.OrderID, actorID)
	} else {
		refundID, err = h.Refunder.RefundSeat(ctx, req.BookingID, actorID)
	}
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return c.JSON(http.StatusNotFound, echo.Map{"error": "NOT_FOUND"})
		case errors.Is(err, reconcile.ErrOrderNotRefundable),
			errors.Is(err, reconcile.ErrNothingToRefund),
			errors.Is(err, reconcile.ErrNoRefundableSeats):
			return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
		default:
			var apiErr *payment.APIError
			if errors.As(err, &apiErr) {
				log.WithError(err).Error("provider rejected refund")
				return c.JSON(http.StatusBadGateway, echo.Map{"error": "PAYMENT_PROVIDER_ERROR"})
			}
			return err
		}
	}
	return c.JSON(http.StatusOK, echo.Map{"ok": true, "refund_id": refundID})
}
