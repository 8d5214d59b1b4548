package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/marlowbooks/shop-backend/internal/model"
)

// mysqlDuplicateEntry is the server error number for a unique key violation.
const mysqlDuplicateEntry = 1062

// OrderRepo provides persistence for orders and order_items.  The unique key
// on stripe_checkout_session_id is the storage-level dedup guarantee: the
// webhook pipeline relies on Create returning ErrDuplicateOrder rather than
// on a prior SELECT, so concurrent redeliveries cannot both insert.
type OrderRepo struct {
	db *sql.DB
}

// NewOrderRepo returns an OrderRepo bound to the given database.
func NewOrderRepo(db *sql.DB) *OrderRepo { return &OrderRepo{db: db} }

const orderColumns = `id, user_id, email, total_pence, status, stripe_checkout_session_id, payment_intent_id,
	payment_method_brand, payment_method_last4, receipt_url, created_at, updated_at`

func scanOrder(row interface{ Scan(...interface{}) error }) (*model.Order, error) {
	var o model.Order
	var brand, last4, receipt sql.NullString
	err := row.Scan(&o.ID, &o.UserID, &o.Email, &o.TotalPence, &o.Status, &o.CheckoutSessionID,
		&o.PaymentIntentID, &brand, &last4, &receipt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if brand.Valid {
		o.PaymentBrand = &brand.String
	}
	if last4.Valid {
		o.PaymentLast4 = &last4.String
	}
	if receipt.Valid {
		o.ReceiptURL = &receipt.String
	}
	return &o, nil
}

// Create inserts a new order in status completed and populates its id.  A
// unique key violation on the session id maps to ErrDuplicateOrder, which
// reconciliation treats as the redelivery signal.
func (r *OrderRepo) Create(ctx context.Context, o *model.Order) error {
	if o.Status == "" {
		o.Status = model.OrderStatusCompleted
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO orders (user_id, email, total_pence, status, stripe_checkout_session_id, payment_intent_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		o.UserID, o.Email, o.TotalPence, o.Status, o.CheckoutSessionID, o.PaymentIntentID)
	if err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == mysqlDuplicateEntry {
			return ErrDuplicateOrder
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	o.ID = uint64(id)
	return nil
}

// GetByID returns one order or ErrNotFound.
func (r *OrderRepo) GetByID(ctx context.Context, id uint64) (*model.Order, error) {
	o, err := scanOrder(r.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

// GetBySessionID looks an order up by its provider checkout session id, the
// dedup key.  ErrNotFound means the session has not been reconciled yet.
func (r *OrderRepo) GetBySessionID(ctx context.Context, sessionID string) (*model.Order, error) {
	o, err := scanOrder(r.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE stripe_checkout_session_id = ?`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

// GetByPaymentIntentID looks an order up by the provider payment intent.
// Used by the charge.refunded reversal path, where the webhook object is a
// charge rather than a session.
func (r *OrderRepo) GetByPaymentIntentID(ctx context.Context, paymentIntentID string) (*model.Order, error) {
	o, err := scanOrder(r.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE payment_intent_id = ?`, paymentIntentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

// SetPaymentDetails records payment-method and receipt metadata fetched from
// the provider.  Enrichment is best-effort; missing values stay NULL.
func (r *OrderRepo) SetPaymentDetails(ctx context.Context, orderID uint64, brand, last4, receiptURL string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE orders SET payment_method_brand = NULLIF(?, ''), payment_method_last4 = NULLIF(?, ''), receipt_url = NULLIF(?, '') WHERE id = ?`,
		brand, last4, receiptURL, orderID)
	return err
}

// statusPredecessors lists which states may transition into each status.
// Orders only move forward: completed -> partially_refunded -> refunded.
var statusPredecessors = map[model.OrderStatus][]model.OrderStatus{
	model.OrderStatusPartiallyRefunded: {model.OrderStatusCompleted, model.OrderStatusPartiallyRefunded},
	model.OrderStatusRefunded:          {model.OrderStatusCompleted, model.OrderStatusPartiallyRefunded, model.OrderStatusRefunded},
}

// UpdateStatus moves an order to the given status, enforcing forward-only
// transitions in the WHERE clause.  An update from a disallowed predecessor
// affects zero rows and is reported as no change, not an error, so repeated
// refund bookkeeping stays idempotent.
func (r *OrderRepo) UpdateStatus(ctx context.Context, orderID uint64, to model.OrderStatus) (bool, error) {
	preds, ok := statusPredecessors[to]
	if !ok {
		return false, errors.New("invalid target status")
	}
	placeholders := strings.Repeat("?,", len(preds))
	placeholders = placeholders[:len(placeholders)-1]
	args := []interface{}{to}
	for _, p := range preds {
		args = append(args, p)
	}
	args = append(args, orderID)
	res, err := r.db.ExecContext(ctx,
		`UPDATE orders SET status = ? WHERE status IN (`+placeholders+`) AND id = ?`, args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// AddItem inserts one order line and populates its id.
func (r *OrderRepo) AddItem(ctx context.Context, it *model.OrderItem) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO order_items (order_id, kind, product_id, event_id, quantity, unit_price_pence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		it.OrderID, it.Kind, it.ProductID, it.EventID, it.Quantity, it.UnitPricePence)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	it.ID = uint64(id)
	return nil
}

// ItemsByOrder returns all lines of an order in insertion order.
func (r *OrderRepo) ItemsByOrder(ctx context.Context, orderID uint64) ([]model.OrderItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, order_id, kind, product_id, event_id, quantity, unit_price_pence, refunded_quantity, refunded_amount_pence
		 FROM order_items WHERE order_id = ? ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]model.OrderItem, 0)
	for rows.Next() {
		var it model.OrderItem
		var productID, eventID sql.NullInt64
		if err := rows.Scan(&it.ID, &it.OrderID, &it.Kind, &productID, &eventID,
			&it.Quantity, &it.UnitPricePence, &it.RefundedQuantity, &it.RefundedAmountPence); err != nil {
			return nil, err
		}
		if productID.Valid {
			id := uint64(productID.Int64)
			it.ProductID = &id
		}
		if eventID.Valid {
			id := uint64(eventID.Int64)
			it.EventID = &id
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// GetItem returns one order line or ErrNotFound.
func (r *OrderRepo) GetItem(ctx context.Context, itemID uint64) (*model.OrderItem, error) {
	var it model.OrderItem
	var productID, eventID sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT id, order_id, kind, product_id, event_id, quantity, unit_price_pence, refunded_quantity, refunded_amount_pence
		 FROM order_items WHERE id = ?`, itemID).
		Scan(&it.ID, &it.OrderID, &it.Kind, &productID, &eventID,
			&it.Quantity, &it.UnitPricePence, &it.RefundedQuantity, &it.RefundedAmountPence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if productID.Valid {
		id := uint64(productID.Int64)
		it.ProductID = &id
	}
	if eventID.Valid {
		id := uint64(eventID.Int64)
		it.EventID = &id
	}
	return &it, nil
}

// FindEventItem resolves the event order line under a checkout session.
// This is the single-seat refund fallback for legacy bookings created before
// bookings carried an explicit order_item_id link; scoping the lookup to the
// session keeps it unambiguous even when an event has order items from many
// purchases.
func (r *OrderRepo) FindEventItem(ctx context.Context, sessionID string, eventID uint64) (*model.OrderItem, error) {
	var itemID uint64
	err := r.db.QueryRowContext(ctx,
		`SELECT oi.id FROM order_items oi
		 JOIN orders o ON o.id = oi.order_id
		 WHERE o.stripe_checkout_session_id = ? AND oi.kind = ? AND oi.event_id = ?
		 ORDER BY oi.id LIMIT 1`,
		sessionID, model.OrderItemKindEvent, eventID).Scan(&itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.GetItem(ctx, itemID)
}

// MarkItemRefunded increments a line's refunded quantity by qty and mirrors
// the refunded amount.  The guard `refunded_quantity + ? <= quantity` keeps
// refunded_quantity from ever exceeding quantity under concurrent or
// repeated refund attempts; zero rows affected means nothing was left to
// refund.
func (r *OrderRepo) MarkItemRefunded(ctx context.Context, itemID uint64, qty int) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE order_items
		 SET refunded_quantity = refunded_quantity + ?,
		     refunded_amount_pence = refunded_amount_pence + (? * unit_price_pence)
		 WHERE id = ? AND refunded_quantity + ? <= quantity`,
		qty, qty, itemID, qty)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}
