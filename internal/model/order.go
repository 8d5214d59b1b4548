package model

import "time"

// OrderStatus is the lifecycle state of an order.  Transitions only move
// forward: completed -> partially_refunded -> refunded.  An order is created
// directly in the completed state because it only exists once payment has
// been captured.
type OrderStatus string

const (
	OrderStatusCompleted         OrderStatus = "completed"
	OrderStatusPartiallyRefunded OrderStatus = "partially_refunded"
	OrderStatusRefunded          OrderStatus = "refunded"
)

// OrderItemKind distinguishes goods from event tickets on an order line.
type OrderItemKind string

const (
	OrderItemKindProduct OrderItemKind = "product"
	OrderItemKindEvent   OrderItemKind = "event"
)

// Order records a captured payment.  CheckoutSessionID is the provider's
// checkout session identifier and is unique per order; it is the dedup key
// that makes webhook reconciliation at-most-once.
type Order struct {
	ID                uint64      `json:"id"`                  // orders.id
	UserID            uint64      `json:"user_id"`             // orders.user_id
	Email             string      `json:"email"`               // orders.email
	TotalPence        uint32      `json:"total_pence"`         // orders.total_pence
	Status            OrderStatus `json:"status"`              // orders.status
	CheckoutSessionID string      `json:"-"`                   // orders.stripe_checkout_session_id (unique)
	PaymentIntentID   string      `json:"-"`                   // orders.payment_intent_id
	PaymentBrand      *string     `json:"payment_brand,omitempty"` // orders.payment_method_brand
	PaymentLast4      *string     `json:"payment_last4,omitempty"` // orders.payment_method_last4
	ReceiptURL        *string     `json:"receipt_url,omitempty"`   // orders.receipt_url
	CreatedAt         time.Time   `json:"created_at"`          // orders.created_at
	UpdatedAt         time.Time   `json:"updated_at"`          // orders.updated_at
}

// OrderItem is one line of an order.  Exactly one of ProductID/EventID is set
// depending on Kind.  RefundedQuantity never exceeds Quantity; the repository
// enforces this with a guarded update.  RefundedAmountPence is an audit
// mirror of refunded_quantity times the unit price, not independently
// trusted.
type OrderItem struct {
	ID                  uint64        `json:"id"`                    // order_items.id
	OrderID             uint64        `json:"order_id"`              // order_items.order_id
	Kind                OrderItemKind `json:"kind"`                  // order_items.kind
	ProductID           *uint64       `json:"product_id,omitempty"`  // order_items.product_id
	EventID             *uint64       `json:"event_id,omitempty"`    // order_items.event_id
	Quantity            int           `json:"quantity"`              // order_items.quantity
	UnitPricePence      uint32        `json:"unit_price_pence"`      // order_items.unit_price_pence
	RefundedQuantity    int           `json:"refunded_quantity"`     // order_items.refunded_quantity
	RefundedAmountPence uint32        `json:"refunded_amount_pence"` // order_items.refunded_amount_pence
}

// RefundableAmountPence returns the value of the not-yet-refunded units on
// this line.
func (it OrderItem) RefundableAmountPence() uint32 {
	remaining := it.Quantity - it.RefundedQuantity
	if remaining <= 0 {
		return 0
	}
	return uint32(remaining) * it.UnitPricePence
}
