package reconcile

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/marlowbooks/shop-backend/internal/model"
	"github.com/marlowbooks/shop-backend/internal/payment"
)

// Refund business errors, surfaced to the admin performing the action.
var (
	// ErrOrderNotRefundable means the order's status does not admit a
	// refund (already fully refunded).
	ErrOrderNotRefundable = errors.New("order not refundable")
	// ErrNothingToRefund means the refundable amount across all lines is
	// zero.
	ErrNothingToRefund = errors.New("nothing left to refund")
	// ErrNoRefundableSeats means the booking is already cancelled or its
	// order line has no unrefunded units left.
	ErrNoRefundableSeats = errors.New("no refundable seats remaining")
)

// RefundIssuer issues refunds against the payment provider.
type RefundIssuer interface {
	CreateRefund(ctx context.Context, p payment.RefundParams) (*payment.Refund, error)
}

// RefundOrderStore extends OrderStore with the lookups refunds need.
type RefundOrderStore interface {
	OrderStore
	GetByID(ctx context.Context, id uint64) (*model.Order, error)
	GetItem(ctx context.Context, itemID uint64) (*model.OrderItem, error)
	FindEventItem(ctx context.Context, sessionID string, eventID uint64) (*model.OrderItem, error)
}

// RefundBookingStore extends seat creation with cancellation flags.
type RefundBookingStore interface {
	GetByID(ctx context.Context, id uint64) (*model.EventBooking, error)
	CancelAndRefund(ctx context.Context, bookingID uint64, refundID string) (bool, error)
	CancelAndRefundBySession(ctx context.Context, sessionID, refundID string) (int64, error)
}

// Refunder reverses orders and single booking seats.  Both paths are
// irreversible once the provider refund succeeds: local bookkeeping failures
// after that point are logged as anomalies for manual correction, because
// there is no compensating un-refund.
type Refunder struct {
	Orders    RefundOrderStore
	Bookings  RefundBookingStore
	Inventory InventoryStore
	Payments  RefundIssuer
}

// RefundOrder refunds everything still refundable on an order: issues one
// provider refund for the aggregate amount, marks every line fully refunded,
// cancels any bookings under the order's session, restocks product lines and
// moves the order to refunded.
func (r *Refunder) RefundOrder(ctx context.Context, orderID, actorUserID uint64) (string, error) {
	order, err := r.Orders.GetByID(ctx, orderID)
	if err != nil {
		return "", err
	}
	if order.Status != model.OrderStatusCompleted && order.Status != model.OrderStatusPartiallyRefunded {
		return "", ErrOrderNotRefundable
	}
	items, err := r.Orders.ItemsByOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	var amount uint32
	for _, it := range items {
		amount += it.RefundableAmountPence()
	}
	if amount == 0 {
		return "", ErrNothingToRefund
	}

	// The key is derived from the order and the amount still owed, so a
	// retry after a lost response replays the same provider refund instead
	// of issuing a second one.
	refund, err := r.Payments.CreateRefund(ctx, payment.RefundParams{
		PaymentIntentID: order.PaymentIntentID,
		AmountPence:     int64(amount),
		Reason:          "requested_by_customer",
		IdempotencyKey:  fmt.Sprintf("refund-order-%d-%d", orderID, amount),
	})
	if err != nil {
		return "", err
	}

	// Money has moved.  Everything below is bookkeeping; failures are
	// anomalies, not reasons to report the refund as failed.
	for _, it := range items {
		remaining := it.Quantity - it.RefundedQuantity
		if remaining <= 0 {
			continue
		}
		if _, err := r.Orders.MarkItemRefunded(ctx, it.ID, remaining); err != nil {
			anomaly(log.Fields{
				"order_id":  orderID,
				"item_id":   it.ID,
				"refund_id": refund.ID,
				"amount":    amount,
			}).WithError(err).Error("marking line refunded failed after provider refund")
			continue
		}
		if it.Kind == model.OrderItemKindProduct && it.ProductID != nil {
			if err := r.Inventory.Restock(ctx, *it.ProductID, remaining, "refund", actorUserID); err != nil {
				anomaly(log.Fields{
					"order_id":   orderID,
					"product_id": *it.ProductID,
					"qty":        remaining,
					"refund_id":  refund.ID,
				}).WithError(err).Error("restock failed after provider refund")
			}
		}
	}
	if _, err := r.Bookings.CancelAndRefundBySession(ctx, order.CheckoutSessionID, refund.ID); err != nil {
		anomaly(log.Fields{
			"order_id":   orderID,
			"session_id": order.CheckoutSessionID,
			"refund_id":  refund.ID,
		}).WithError(err).Error("cancelling bookings failed after provider refund")
	}
	if _, err := r.Orders.UpdateStatus(ctx, orderID, model.OrderStatusRefunded); err != nil {
		anomaly(log.Fields{
			"order_id":  orderID,
			"refund_id": refund.ID,
		}).WithError(err).Error("order status update failed after provider refund")
	}

	log.WithFields(log.Fields{
		"order_id":  orderID,
		"refund_id": refund.ID,
		"amount":    amount,
		"actor":     actorUserID,
	}).Info("order refunded")
	return refund.ID, nil
}

// RefundSeat refunds a single booking seat: one unit of the backing order
// line.  The line is resolved through the booking's explicit order_item_id
// link; bookings from before that column existed fall back to the event line
// under the same checkout session, which is unambiguous because the lookup
// never leaves the session.
func (r *Refunder) RefundSeat(ctx context.Context, bookingID, actorUserID uint64) (string, error) {
	booking, err := r.Bookings.GetByID(ctx, bookingID)
	if err != nil {
		return "", err
	}
	if booking.Cancelled || booking.Refunded {
		return "", ErrNoRefundableSeats
	}

	var item *model.OrderItem
	if booking.OrderItemID != nil {
		item, err = r.Orders.GetItem(ctx, *booking.OrderItemID)
	} else {
		item, err = r.Orders.FindEventItem(ctx, booking.StripeCheckoutSessionID, booking.EventID)
	}
	if err != nil {
		return "", err
	}
	if item.Quantity-item.RefundedQuantity <= 0 {
		return "", ErrNoRefundableSeats
	}
	order, err := r.Orders.GetByID(ctx, item.OrderID)
	if err != nil {
		return "", err
	}
	if order.Status == model.OrderStatusRefunded {
		return "", ErrOrderNotRefundable
	}

	// A booking is refunded at most once, so the booking id alone keys the
	// provider call; a retried request replays rather than double-refunds.
	refund, err := r.Payments.CreateRefund(ctx, payment.RefundParams{
		PaymentIntentID: order.PaymentIntentID,
		AmountPence:     int64(item.UnitPricePence),
		Reason:          "requested_by_customer",
		IdempotencyKey:  fmt.Sprintf("refund-booking-%d", bookingID),
	})
	if err != nil {
		return "", err
	}

	if ok, err := r.Orders.MarkItemRefunded(ctx, item.ID, 1); err != nil || !ok {
		anomaly(log.Fields{
			"booking_id": bookingID,
			"item_id":    item.ID,
			"refund_id":  refund.ID,
		}).WithError(err).Error("incrementing refunded quantity failed after provider refund")
	}
	if ok, err := r.Bookings.CancelAndRefund(ctx, bookingID, refund.ID); err != nil || !ok {
		anomaly(log.Fields{
			"booking_id": bookingID,
			"refund_id":  refund.ID,
		}).WithError(err).Error("flagging booking refunded failed after provider refund")
	}
	// Partial by definition; the guard in UpdateStatus keeps an already
	// fully refunded order from moving backwards.
	if _, err := r.Orders.UpdateStatus(ctx, order.ID, model.OrderStatusPartiallyRefunded); err != nil {
		anomaly(log.Fields{
			"order_id":  order.ID,
			"refund_id": refund.ID,
		}).WithError(err).Error("order status update failed after provider refund")
	}

	log.WithFields(log.Fields{
		"booking_id": bookingID,
		"order_id":   order.ID,
		"refund_id":  refund.ID,
		"amount":     item.UnitPricePence,
		"actor":      actorUserID,
	}).Info("booking seat refunded")
	return refund.ID, nil
}
