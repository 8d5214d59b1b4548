package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/marlowbooks/shop-backend/internal/model"
)

// BookingRepo provides persistence for event_bookings.  One row is one seat.
// Rows are never deleted; cancellation and refund are flags so the booking
// history stays auditable.
type BookingRepo struct {
	db *sql.DB
}

// NewBookingRepo returns a BookingRepo bound to the given database.
func NewBookingRepo(db *sql.DB) *BookingRepo { return &BookingRepo{db: db} }

const bookingColumns = `id, event_id, user_id, name, stripe_checkout_session_id, order_item_id,
	cancelled, refunded, cancellation_requested, refund_id, refund_processed_at, created_at`

func scanBooking(row interface{ Scan(...interface{}) error }) (*model.EventBooking, error) {
	var b model.EventBooking
	var name, refundID sql.NullString
	var itemID sql.NullInt64
	var processedAt sql.NullTime
	err := row.Scan(&b.ID, &b.EventID, &b.UserID, &name, &b.StripeCheckoutSessionID, &itemID,
		&b.Cancelled, &b.Refunded, &b.CancellationRequested, &refundID, &processedAt, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	if name.Valid {
		b.Name = &name.String
	}
	if itemID.Valid {
		id := uint64(itemID.Int64)
		b.OrderItemID = &id
	}
	if refundID.Valid {
		b.RefundID = &refundID.String
	}
	if processedAt.Valid {
		t := processedAt.Time
		b.RefundProcessedAt = &t
	}
	return &b, nil
}

// GetByID returns one booking or ErrNotFound.
func (r *BookingRepo) GetByID(ctx context.Context, id uint64) (*model.EventBooking, error) {
	b, err := scanBooking(r.db.QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM event_bookings WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

// ListByUser returns all bookings made by a user, newest first.
func (r *BookingRepo) ListByUser(ctx context.Context, userID uint64) ([]model.EventBooking, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+bookingColumns+` FROM event_bookings WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	bookings := make([]model.EventBooking, 0)
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, *b)
	}
	return bookings, rows.Err()
}

// ListBySession returns all seats purchased under one checkout session.
func (r *BookingRepo) ListBySession(ctx context.Context, sessionID string) ([]model.EventBooking, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+bookingColumns+` FROM event_bookings WHERE stripe_checkout_session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	bookings := make([]model.EventBooking, 0)
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, *b)
	}
	return bookings, rows.Err()
}

// CreateSeatsForSession inserts qty seat rows for a completed checkout
// session.  The whole operation runs in one transaction:
//
//  1. the event row is locked (SELECT ... FOR UPDATE) so concurrent
//     reconciliations for the same event serialise,
//  2. existing seats under the session id are counted — if any exist this is
//     a webhook redelivery and the call is a no-op returning created=false,
//  3. the active booking count is recomputed and checked against capacity;
//     the checkout-time check was only advisory, this one is authoritative,
//  4. qty rows are bulk inserted, the first unnamed, the rest "Guest 2"...
//
// ErrNotEnoughSeats is returned when step 3 fails.
func (r *BookingRepo) CreateSeatsForSession(ctx context.Context, eventID, userID uint64, sessionID string, qty int, orderItemID uint64) (created bool, err error) {
	if qty <= 0 {
		return false, fmt.Errorf("invalid seat quantity %d", qty)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	var capacity int
	err = tx.QueryRowContext(ctx, `SELECT capacity FROM events WHERE id = ? FOR UPDATE`, eventID).Scan(&capacity)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	var existing int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM event_bookings WHERE stripe_checkout_session_id = ?`, sessionID).Scan(&existing); err != nil {
		return false, err
	}
	if existing > 0 {
		// Seats already reconciled for this session; redelivery is a no-op.
		if err := tx.Commit(); err != nil {
			return false, err
		}
		committed = true
		return false, nil
	}
	var active int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM event_bookings WHERE event_id = ? AND cancelled = 0`, eventID).Scan(&active); err != nil {
		return false, err
	}
	if capacity-active < qty {
		return false, ErrNotEnoughSeats
	}
	query := `INSERT INTO event_bookings (event_id, user_id, name, stripe_checkout_session_id, order_item_id) VALUES `
	args := make([]interface{}, 0, qty*5)
	for i := 0; i < qty; i++ {
		if i > 0 {
			query += ","
		}
		query += "(?, ?, ?, ?, ?)"
		var name interface{}
		if i > 0 {
			name = fmt.Sprintf("Guest %d", i+1)
		}
		args = append(args, eventID, userID, name, sessionID, orderItemID)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	committed = true
	return true, nil
}

// CancelAndRefund flags one booking cancelled and refunded, recording the
// provider refund id and processing time.  The guard on cancelled/refunded
// makes repeated attempts a no-op: zero rows affected means the seat was
// already dealt with.
func (r *BookingRepo) CancelAndRefund(ctx context.Context, bookingID uint64, refundID string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE event_bookings
		 SET cancelled = 1, refunded = 1, refund_id = ?, refund_processed_at = UTC_TIMESTAMP()
		 WHERE id = ? AND cancelled = 0 AND refunded = 0`,
		refundID, bookingID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// CancelAndRefundBySession flags every still-active seat under a checkout
// session, returning how many were newly flagged.  Used by whole-order
// refunds.
func (r *BookingRepo) CancelAndRefundBySession(ctx context.Context, sessionID, refundID string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE event_bookings
		 SET cancelled = 1, refunded = 1, refund_id = ?, refund_processed_at = UTC_TIMESTAMP()
		 WHERE stripe_checkout_session_id = ? AND cancelled = 0`,
		refundID, sessionID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RequestCancellation marks a booking as cancellation-requested on behalf of
// its owner.  The flag is advisory: an admin performs the actual refund.
func (r *BookingRepo) RequestCancellation(ctx context.Context, bookingID, userID uint64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE event_bookings SET cancellation_requested = 1 WHERE id = ? AND user_id = ? AND cancelled = 0`,
		bookingID, userID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
