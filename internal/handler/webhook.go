package handler

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/marlowbooks/shop-backend/internal/payment"
	"github.com/marlowbooks/shop-backend/internal/reconcile"
)

// maxWebhookBody bounds how much of a webhook payload is read.  Provider
// events are small; anything past this is hostile.
const maxWebhookBody = 1 << 20

// WebhookHandler receives payment provider events.  The raw body must reach
// signature verification untouched, so this route is mounted outside any
// middleware that consumes or rewrites the request body.
type WebhookHandler struct {
	Secret     string
	Tolerance  time.Duration
	Reconciler *reconcile.Reconciler
}

// Receive handles POST /v1/webhooks/payment.
//
// Response codes steer the provider's redelivery: 2xx acknowledges, 4xx
// marks the delivery permanently failed, 5xx asks for a retry.  A bad
// signature or a malformed intent can never succeed on redelivery, so both
// are 400; transient store failures are 500 so the event comes back.
func (h *WebhookHandler) Receive(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unreadable body"})
	}

	tolerance := h.Tolerance
	if tolerance == 0 {
		tolerance = payment.DefaultTolerance
	}
	ev, err := payment.ParseEvent(body, c.Request().Header.Get(payment.SignatureHeader), h.Secret, tolerance)
	if err != nil {
		log.WithError(err).Warn("webhook rejected")
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid signature"})
	}

	ctx := c.Request().Context()
	switch ev.Type {
	case payment.EventCheckoutCompleted:
		sess, err := ev.Session()
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "malformed event"})
		}
		if err := h.Reconciler.HandleCompleted(ctx, sess); err != nil {
			if errors.Is(err, payment.ErrBadIntent) {
				return c.JSON(http.StatusBadRequest, echo.Map{"error": "malformed intent"})
			}
			log.WithError(err).WithField("event_id", ev.ID).Error("completion reconciliation failed")
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "reconciliation failed"})
		}
	case payment.EventCheckoutExpired:
		sess, err := ev.Session()
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "malformed event"})
		}
		if err := h.Reconciler.HandleSessionReversal(ctx, sess); err != nil {
			log.WithError(err).WithField("event_id", ev.ID).Error("reversal reconciliation failed")
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "reconciliation failed"})
		}
	case payment.EventPaymentIntentCancel:
		// The inner object is a payment intent, not a session; the order is
		// resolved through the intent id.
		pi, err := ev.IntentObject()
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "malformed event"})
		}
		if err := h.Reconciler.HandleIntentCanceled(ctx, pi.ID); err != nil {
			log.WithError(err).WithField("event_id", ev.ID).Error("reversal reconciliation failed")
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "reconciliation failed"})
		}
	case payment.EventChargeRefunded:
		ch, err := ev.ChargeObject()
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "malformed event"})
		}
		if err := h.Reconciler.HandleChargeRefunded(ctx, ch); err != nil {
			log.WithError(err).WithField("event_id", ev.ID).Error("refund reconciliation failed")
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "reconciliation failed"})
		}
	default:
		// Unhandled types are acknowledged so the provider stops resending.
		log.WithField("type", ev.Type).Debug("ignoring webhook event type")
	}
	return c.JSON(http.StatusOK, echo.Map{"received": true})
}
