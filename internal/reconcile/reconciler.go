// Package reconcile turns verified payment-provider events into durable
// orders, order lines, bookings and inventory movements.  It is the one part
// of the system that must stay correct under duplicated, reordered and
// concurrent webhook deliveries: everything here is written so that
// redelivering any event is at worst a no-op.
package reconcile

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/marlowbooks/shop-backend/internal/model"
	"github.com/marlowbooks/shop-backend/internal/payment"
	"github.com/marlowbooks/shop-backend/internal/queue"
	"github.com/marlowbooks/shop-backend/internal/repository"
)

// OrderStore is the slice of order persistence reconciliation needs.
// Implemented by repository.OrderRepo.
type OrderStore interface {
	Create(ctx context.Context, o *model.Order) error
	GetBySessionID(ctx context.Context, sessionID string) (*model.Order, error)
	GetByPaymentIntentID(ctx context.Context, paymentIntentID string) (*model.Order, error)
	AddItem(ctx context.Context, it *model.OrderItem) error
	SetPaymentDetails(ctx context.Context, orderID uint64, brand, last4, receiptURL string) error
	ItemsByOrder(ctx context.Context, orderID uint64) ([]model.OrderItem, error)
	MarkItemRefunded(ctx context.Context, itemID uint64, qty int) (bool, error)
	UpdateStatus(ctx context.Context, orderID uint64, to model.OrderStatus) (bool, error)
}

// InventoryStore is the inventory ledger surface.  Implemented by
// repository.ProductRepo.
type InventoryStore interface {
	Decrement(ctx context.Context, productID uint64, qty int, reason string, actorUserID uint64) error
	Restock(ctx context.Context, productID uint64, qty int, reason string, actorUserID uint64) error
}

// BookingStore creates seat rows for event purchases and releases them when
// the money behind them comes back.  Implemented by repository.BookingRepo.
type BookingStore interface {
	CreateSeatsForSession(ctx context.Context, eventID, userID uint64, sessionID string, qty int, orderItemID uint64) (bool, error)
	CancelAndRefundBySession(ctx context.Context, sessionID, refundID string) (int64, error)
}

// PaymentReader fetches payment-intent details for order enrichment.
type PaymentReader interface {
	GetPaymentIntent(ctx context.Context, id string) (*payment.PaymentIntent, error)
}

// Notifier publishes a confirmation event.  Failures are logged, never
// propagated: by the time email matters the order is durable and a webhook
// retry would be absorbed by dedup, so mail has its own retry path.
type Notifier func(ctx context.Context, ev queue.OrderConfirmedEvent) error

// Reconciler applies completion and reversal events.  All dependencies are
// narrow interfaces so the invariants can be tested against in-memory fakes.
type Reconciler struct {
	Orders    OrderStore
	Inventory InventoryStore
	Bookings  BookingStore
	Payments  PaymentReader
	Notify    Notifier
}

// anomaly logs a reconciliation anomaly: a state where money has moved but
// local bookkeeping could not follow.  There is no automated compensation —
// these entries exist so a human can reconcile manually, and they must carry
// enough context to do so.
func anomaly(fields log.Fields) *log.Entry {
	fields["anomaly"] = true
	return log.WithFields(fields)
}

// HandleCompleted reconciles a checkout.session.completed event.  The order
// insert is the first durable write; its unique session-id key is the dedup
// guard, so a redelivered or concurrently delivered event either sees the
// existing order (no-op) or loses the insert race (also a no-op).  Failures
// before the order exists are returned so the provider redelivers; failures
// after it exists are logged anomalies because redelivery would stop at
// dedup and never reach them again.
func (r *Reconciler) HandleCompleted(ctx context.Context, sess *payment.CheckoutSession) error {
	intent, err := payment.IntentFromMetadata(sess.Metadata)
	if err != nil {
		// Terminal: the payload will be identical on every redelivery.
		log.WithError(err).WithField("session_id", sess.ID).Error("completion event with malformed intent")
		return err
	}

	if _, err := r.Orders.GetBySessionID(ctx, sess.ID); err == nil {
		log.WithField("session_id", sess.ID).Debug("session already reconciled, ignoring redelivery")
		return nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return err
	}

	switch intent.Kind {
	case payment.IntentKindProduct, payment.IntentKindCart:
		return r.reconcileProducts(ctx, sess, intent)
	case payment.IntentKindEvent:
		return r.reconcileEvent(ctx, sess, intent)
	default:
		return payment.ErrBadIntent
	}
}

func (r *Reconciler) reconcileProducts(ctx context.Context, sess *payment.CheckoutSession, intent payment.CheckoutIntent) error {
	order := &model.Order{
		UserID:            intent.UserID,
		Email:             customerEmail(sess),
		TotalPence:        uint32(sess.AmountTotal),
		Status:            model.OrderStatusCompleted,
		CheckoutSessionID: sess.ID,
		PaymentIntentID:   sess.PaymentIntentID,
	}
	if err := r.Orders.Create(ctx, order); err != nil {
		if errors.Is(err, repository.ErrDuplicateOrder) {
			// Lost the insert race against a concurrent delivery.
			return nil
		}
		return err
	}

	r.enrichPaymentDetails(ctx, order)

	for _, it := range intent.Items {
		productID := it.ProductID
		line := &model.OrderItem{
			OrderID:        order.ID,
			Kind:           model.OrderItemKindProduct,
			ProductID:      &productID,
			Quantity:       it.Qty,
			UnitPricePence: it.UnitPricePence,
		}
		if err := r.Orders.AddItem(ctx, line); err != nil {
			anomaly(log.Fields{
				"session_id": sess.ID,
				"order_id":   order.ID,
				"product_id": it.ProductID,
			}).WithError(err).Error("order line insert failed after payment capture")
			continue
		}
		// The line exists before the decrement so a later refund has
		// something to reverse even when stock runs short here.
		if err := r.Inventory.Decrement(ctx, it.ProductID, it.Qty, "purchase", intent.UserID); err != nil {
			anomaly(log.Fields{
				"session_id": sess.ID,
				"order_id":   order.ID,
				"product_id": it.ProductID,
				"qty":        it.Qty,
			}).WithError(err).Error("inventory decrement failed after payment capture; fulfilment needs manual review")
		}
	}

	r.notifyConfirmed(ctx, order, string(intent.Kind), len(intent.Items), 0)
	return nil
}

func (r *Reconciler) reconcileEvent(ctx context.Context, sess *payment.CheckoutSession, intent payment.CheckoutIntent) error {
	qty := intent.Quantity
	if qty < 1 {
		qty = 1
	}
	order := &model.Order{
		UserID:            intent.UserID,
		Email:             customerEmail(sess),
		TotalPence:        uint32(sess.AmountTotal),
		Status:            model.OrderStatusCompleted,
		CheckoutSessionID: sess.ID,
		PaymentIntentID:   sess.PaymentIntentID,
	}
	if err := r.Orders.Create(ctx, order); err != nil {
		if errors.Is(err, repository.ErrDuplicateOrder) {
			return nil
		}
		return err
	}

	r.enrichPaymentDetails(ctx, order)

	eventID := intent.EventID
	line := &model.OrderItem{
		OrderID:        order.ID,
		Kind:           model.OrderItemKindEvent,
		EventID:        &eventID,
		Quantity:       qty,
		UnitPricePence: uint32(sess.AmountTotal) / uint32(qty),
	}
	if err := r.Orders.AddItem(ctx, line); err != nil {
		anomaly(log.Fields{
			"session_id": sess.ID,
			"order_id":   order.ID,
			"event_id":   eventID,
		}).WithError(err).Error("event order line insert failed after payment capture")
		return nil
	}

	created, err := r.Bookings.CreateSeatsForSession(ctx, eventID, intent.UserID, sess.ID, qty, line.ID)
	if err != nil {
		// Payment is captured either way.  A capacity shortfall here means
		// the advisory checkout check raced another buyer; the money has to
		// be handed back by a human, not by this code path.
		anomaly(log.Fields{
			"session_id": sess.ID,
			"order_id":   order.ID,
			"event_id":   eventID,
			"qty":        qty,
		}).WithError(err).Error("seat creation failed after payment capture; booking needs manual review")
		return nil
	}
	if !created {
		log.WithField("session_id", sess.ID).Debug("seats already present for session")
	}

	r.notifyConfirmed(ctx, order, string(payment.IntentKindEvent), 1, qty)
	return nil
}

// enrichPaymentDetails copies card brand, last4 and receipt URL from the
// provider onto the order.  Best-effort: the order is already correct
// without it.
func (r *Reconciler) enrichPaymentDetails(ctx context.Context, order *model.Order) {
	if order.PaymentIntentID == "" || r.Payments == nil {
		return
	}
	pi, err := r.Payments.GetPaymentIntent(ctx, order.PaymentIntentID)
	if err != nil {
		log.WithError(err).WithField("order_id", order.ID).Warn("payment detail enrichment failed")
		return
	}
	card := pi.LatestCharge.PaymentMethodDetails.Card
	if err := r.Orders.SetPaymentDetails(ctx, order.ID, card.Brand, card.Last4, pi.LatestCharge.ReceiptURL); err != nil {
		log.WithError(err).WithField("order_id", order.ID).Warn("storing payment details failed")
	}
}

func (r *Reconciler) notifyConfirmed(ctx context.Context, order *model.Order, kind string, itemCount, seatCount int) {
	if r.Notify == nil {
		return
	}
	ev := queue.OrderConfirmedEvent{
		OrderID:     order.ID,
		UserID:      order.UserID,
		Email:       order.Email,
		SessionID:   order.CheckoutSessionID,
		Kind:        kind,
		TotalPence:  order.TotalPence,
		ItemCount:   itemCount,
		SeatCount:   seatCount,
		ConfirmedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.Notify(ctx, ev); err != nil {
		log.WithError(err).WithField("order_id", order.ID).Warn("confirmation publish failed; email will not be sent")
	}
}

// HandleSessionReversal processes checkout.session.expired deliveries.
// Event-kind intents are excluded by design; seats stay with the refund
// engine and the provider refund path.  For product and cart intents nothing
// was debited unless the session completed first, so restock only applies
// when a completed order exists for the session; an expired never-completed
// session is acknowledged as a no-op.
func (r *Reconciler) HandleSessionReversal(ctx context.Context, sess *payment.CheckoutSession) error {
	intent, err := payment.IntentFromMetadata(sess.Metadata)
	if err != nil {
		log.WithError(err).WithField("session_id", sess.ID).Warn("reversal event with unreadable intent, ignoring")
		return nil
	}
	if intent.Kind == payment.IntentKindEvent {
		return nil
	}
	order, err := r.Orders.GetBySessionID(ctx, sess.ID)
	if errors.Is(err, repository.ErrNotFound) {
		// Session never completed; no stock was taken.
		return nil
	}
	if err != nil {
		return err
	}
	return r.restockOrder(ctx, order, "session reversal")
}

// HandleChargeRefunded processes a charge.refunded delivery, a refund
// initiated on the provider side rather than through the refund engine.
// Product lines are restocked and event seats are released; the money is
// gone, so nothing the order bought may stay held.  Orders whose status has
// already moved past completed were reversed locally first (the refund
// engine updates status before the provider emits its echo), so those
// deliveries are absorbed as no-ops and nothing is double-credited.
func (r *Reconciler) HandleChargeRefunded(ctx context.Context, ch *payment.Charge) error {
	if ch.PaymentIntentID == "" {
		return nil
	}
	order, err := r.Orders.GetByPaymentIntentID(ctx, ch.PaymentIntentID)
	if errors.Is(err, repository.ErrNotFound) {
		log.WithField("payment_intent_id", ch.PaymentIntentID).Warn("charge.refunded for unknown order")
		return nil
	}
	if err != nil {
		return err
	}
	if order.Status != model.OrderStatusCompleted {
		// Reversed locally first; this delivery is the provider's echo.
		return nil
	}
	if err := r.restockOrder(ctx, order, "provider refund"); err != nil {
		return err
	}
	return r.releaseRefundedSeats(ctx, order, ch.ID)
}

// HandleIntentCanceled processes a payment_intent.canceled delivery.  A
// canceled intent was never captured, so no order should exist for it and
// the usual outcome is a no-op; when one does exist the cancellation
// reverses its product lines like a session reversal.
func (r *Reconciler) HandleIntentCanceled(ctx context.Context, paymentIntentID string) error {
	if paymentIntentID == "" {
		return nil
	}
	order, err := r.Orders.GetByPaymentIntentID(ctx, paymentIntentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return r.restockOrder(ctx, order, "intent canceled")
}

// releaseRefundedSeats marks an order's event lines refunded and cancels the
// bookings under its checkout session.  Both writes are guarded, so a
// redelivered charge.refunded finds nothing left to release.
func (r *Reconciler) releaseRefundedSeats(ctx context.Context, order *model.Order, chargeID string) error {
	items, err := r.Orders.ItemsByOrder(ctx, order.ID)
	if err != nil {
		return err
	}
	hasEventLines := false
	for _, it := range items {
		if it.Kind != model.OrderItemKindEvent {
			continue
		}
		hasEventLines = true
		remaining := it.Quantity - it.RefundedQuantity
		if remaining <= 0 {
			continue
		}
		if _, err := r.Orders.MarkItemRefunded(ctx, it.ID, remaining); err != nil {
			anomaly(log.Fields{
				"order_id":  order.ID,
				"item_id":   it.ID,
				"charge_id": chargeID,
			}).WithError(err).Error("marking event line refunded failed during provider refund")
		}
	}
	if !hasEventLines {
		return nil
	}
	if _, err := r.Bookings.CancelAndRefundBySession(ctx, order.CheckoutSessionID, chargeID); err != nil {
		anomaly(log.Fields{
			"order_id":   order.ID,
			"session_id": order.CheckoutSessionID,
			"charge_id":  chargeID,
		}).WithError(err).Error("cancelling bookings failed during provider refund")
	}
	return nil
}

// restockOrder returns every not-yet-refunded product unit of a completed
// order to stock and marks the order refunded.  The forward-only status
// update doubles as the idempotency guard: once the order has left
// completed, a second reversal finds nothing to do.
func (r *Reconciler) restockOrder(ctx context.Context, order *model.Order, reason string) error {
	if order.Status != model.OrderStatusCompleted {
		return nil
	}
	items, err := r.Orders.ItemsByOrder(ctx, order.ID)
	if err != nil {
		return err
	}
	moved, err := r.Orders.UpdateStatus(ctx, order.ID, model.OrderStatusRefunded)
	if err != nil {
		return err
	}
	if !moved {
		// Another reversal got here first.
		return nil
	}
	for _, it := range items {
		if it.Kind != model.OrderItemKindProduct || it.ProductID == nil {
			continue
		}
		remaining := it.Quantity - it.RefundedQuantity
		if remaining <= 0 {
			continue
		}
		if _, err := r.Orders.MarkItemRefunded(ctx, it.ID, remaining); err != nil {
			anomaly(log.Fields{
				"order_id": order.ID,
				"item_id":  it.ID,
				"reason":   reason,
			}).WithError(err).Error("marking line refunded failed during reversal")
			continue
		}
		if err := r.Inventory.Restock(ctx, *it.ProductID, remaining, "restock: "+reason, order.UserID); err != nil {
			anomaly(log.Fields{
				"order_id":   order.ID,
				"product_id": *it.ProductID,
				"qty":        remaining,
				"reason":     reason,
			}).WithError(err).Error("restock failed during reversal")
		}
	}
	return nil
}

// customerEmail prefers the address the buyer confirmed on the hosted page
// over the one the session was opened with.
func customerEmail(sess *payment.CheckoutSession) string {
	if sess.CustomerDetails.Email != "" {
		return sess.CustomerDetails.Email
	}
	return sess.CustomerEmail
}
