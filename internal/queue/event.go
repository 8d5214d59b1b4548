// Package queue defines message payloads exchanged over the message broker
// and the background consumer that turns them into outbound email.
package queue

// OrderConfirmedQueue is the durable queue carrying confirmation events.
const OrderConfirmedQueue = "order.confirmed"

// OrderConfirmedEvent is published once reconciliation has durably created
// an order.  It carries everything the mail consumer needs to send the
// confirmation without querying the primary database.
type OrderConfirmedEvent struct {
	OrderID     uint64 `json:"order_id"`
	UserID      uint64 `json:"user_id"`
	Email       string `json:"email"`
	SessionID   string `json:"session_id"`
	Kind        string `json:"kind"` // product | cart | event
	TotalPence  uint32 `json:"total_pence"`
	ItemCount   int    `json:"item_count"`
	SeatCount   int    `json:"seat_count,omitempty"`
	ConfirmedAt string `json:"confirmed_at"`
}
