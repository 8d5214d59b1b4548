// Package repository implements persistence for products, events, bookings
// and orders over MySQL.  Sentinel errors defined here let handlers and the
// reconciliation core distinguish conflict conditions from infrastructure
// failures without inspecting driver errors.
package repository

import "errors"

// ErrInsufficientStock is returned by the conditional inventory decrement
// when the requested quantity exceeds the current count.  The count is never
// driven negative; concurrent decrements race on the guarded UPDATE and the
// loser receives this error.
var ErrInsufficientStock = errors.New("insufficient stock")

// ErrNotEnoughSeats is returned when an event cannot accommodate the
// requested number of seats, either at checkout time (advisory) or at
// reconciliation time (authoritative, under the event row lock).
var ErrNotEnoughSeats = errors.New("not enough seats")

// ErrDuplicateOrder is returned when an order insert hits the unique key on
// the checkout session id.  Callers treat it as the dedup signal for webhook
// redelivery rather than a failure.
var ErrDuplicateOrder = errors.New("order already exists for session")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")
