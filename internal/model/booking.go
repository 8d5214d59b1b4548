package model

import "time"

// EventBooking is one seat at an event.  A purchase of N tickets produces N
// rows sharing the same checkout session id; the first row carries no name
// (the purchaser), later rows are labelled "Guest 2", "Guest 3" and so on.
// Bookings are never deleted: cancellation and refund are flags so the audit
// history survives.
type EventBooking struct {
	ID                      uint64     `json:"id"`                        // event_bookings.id
	EventID                 uint64     `json:"event_id"`                  // event_bookings.event_id
	UserID                  uint64     `json:"user_id"`                   // event_bookings.user_id
	Name                    *string    `json:"name,omitempty"`            // event_bookings.name (nullable)
	StripeCheckoutSessionID string     `json:"-"`                         // event_bookings.stripe_checkout_session_id
	OrderItemID             *uint64    `json:"order_item_id,omitempty"`   // event_bookings.order_item_id (refund link)
	Cancelled               bool       `json:"cancelled"`                 // event_bookings.cancelled
	Refunded                bool       `json:"refunded"`                  // event_bookings.refunded
	CancellationRequested   bool       `json:"cancellation_requested"`    // event_bookings.cancellation_requested
	RefundID                *string    `json:"refund_id,omitempty"`       // event_bookings.refund_id
	RefundProcessedAt       *time.Time `json:"refund_processed_at,omitempty"` // event_bookings.refund_processed_at
	CreatedAt               time.Time  `json:"created_at"`                // event_bookings.created_at
}
