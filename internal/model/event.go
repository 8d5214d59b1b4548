package model

import "time"

// Event is a ticketed happening (reading, tasting, signing) with a fixed
// seat capacity.  Capacity is set at creation and never changes; the number
// of remaining seats is always derived as capacity minus the count of
// non-cancelled bookings, never stored.  Each event owns exactly one shadow
// product (ProductID) so tickets share the order pipeline with goods.
type Event struct {
	ID         uint64    `json:"id"`          // events.id
	Slug       string    `json:"slug"`        // events.slug
	Title      string    `json:"title"`       // events.title
	StartsAt   time.Time `json:"starts_at"`   // events.starts_at
	Capacity   int       `json:"capacity"`    // events.capacity
	PricePence uint32    `json:"price_pence"` // events.price_pence
	ProductID  uint64    `json:"product_id"`  // events.product_id (shadow product)
	CreatedAt  time.Time `json:"created_at"`  // events.created_at
}
