package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/marlowbooks/shop-backend/internal/model"
)

// ProductRepo provides persistence for products and the inventory ledger.
// The decrement and restock operations are the only writers of
// inventory_count; each one appends an audit row to inventory_ledger within
// the same transaction.
type ProductRepo struct {
	db *sql.DB
}

// NewProductRepo returns a ProductRepo bound to the given database.
func NewProductRepo(db *sql.DB) *ProductRepo { return &ProductRepo{db: db} }

// DB exposes the underlying handle so callers can open transactions that
// span repositories.
func (r *ProductRepo) DB() *sql.DB { return r.db }

const productColumns = `id, slug, name, price_pence, inventory_count, product_type, created_at, updated_at`

func scanProduct(row interface{ Scan(...interface{}) error }) (*model.Product, error) {
	var p model.Product
	err := row.Scan(&p.ID, &p.Slug, &p.Name, &p.PricePence, &p.InventoryCount, &p.Type, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetByID returns one product or ErrNotFound.
func (r *ProductRepo) GetByID(ctx context.Context, id uint64) (*model.Product, error) {
	p, err := scanProduct(r.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// ListStorefront returns all products visible in the shop, ordered by name.
// Event-type shadow products are excluded: tickets are sold through the
// events surface, not the catalogue.
func (r *ProductRepo) ListStorefront(ctx context.Context) ([]model.Product, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE product_type <> ? ORDER BY name`,
		model.ProductTypeEvent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	products := make([]model.Product, 0)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

// Create inserts a product and populates its generated id.
func (r *ProductRepo) Create(ctx context.Context, p *model.Product) error {
	return r.CreateTx(ctx, nil, p)
}

// CreateTx is Create within an optional transaction; pass nil to use the
// pool directly.  Used by the event repository to insert an event and its
// shadow product atomically.
func (r *ProductRepo) CreateTx(ctx context.Context, tx *sql.Tx, p *model.Product) error {
	const q = `INSERT INTO products (slug, name, price_pence, inventory_count, product_type) VALUES (?, ?, ?, ?, ?)`
	var (
		res sql.Result
		err error
	)
	if tx != nil {
		res, err = tx.ExecContext(ctx, q, p.Slug, p.Name, p.PricePence, p.InventoryCount, p.Type)
	} else {
		res, err = r.db.ExecContext(ctx, q, p.Slug, p.Name, p.PricePence, p.InventoryCount, p.Type)
	}
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	p.ID = uint64(id)
	return nil
}

// StockByIDs returns the current inventory count for each requested product
// id.  Unknown ids are simply absent from the result; the storefront uses
// this to warn about short stock before checkout, it is not authoritative.
func (r *ProductRepo) StockByIDs(ctx context.Context, ids []uint64) (map[uint64]int, error) {
	out := make(map[uint64]int, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, inventory_count FROM products WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id uint64
		var count int
		if err := rows.Scan(&id, &count); err != nil {
			return nil, err
		}
		out[id] = count
	}
	return out, rows.Err()
}

// LedgerByProduct returns the audit trail for one product, newest first.
func (r *ProductRepo) LedgerByProduct(ctx context.Context, productID uint64, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, entry_id, product_id, delta, reason, actor_user_id, created_at
		 FROM inventory_ledger WHERE product_id = ? ORDER BY id DESC LIMIT ?`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := make([]model.LedgerEntry, 0)
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(&e.ID, &e.EntryID, &e.ProductID, &e.Delta, &e.Reason, &e.ActorUserID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Decrement atomically subtracts qty from a product's inventory and appends
// a ledger entry, or fails with ErrInsufficientStock when qty exceeds the
// current count.  The guarded UPDATE makes concurrent decrements safe: two
// callers cannot both succeed past zero.
func (r *ProductRepo) Decrement(ctx context.Context, productID uint64, qty int, reason string, actorUserID uint64) error {
	return r.adjust(ctx, productID, -qty, reason, actorUserID)
}

// Restock atomically adds qty back and appends a ledger entry.  There is no
// upper bound: restock only ever restores previously decremented stock and
// is trusted.
func (r *ProductRepo) Restock(ctx context.Context, productID uint64, qty int, reason string, actorUserID uint64) error {
	return r.adjust(ctx, productID, qty, reason, actorUserID)
}

func (r *ProductRepo) adjust(ctx context.Context, productID uint64, delta int, reason string, actorUserID uint64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	var res sql.Result
	if delta < 0 {
		// Conditional decrement: refuses to go negative.
		res, err = tx.ExecContext(ctx,
			`UPDATE products SET inventory_count = inventory_count - ? WHERE id = ? AND inventory_count >= ?`,
			-delta, productID, -delta)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE products SET inventory_count = inventory_count + ? WHERE id = ?`,
			delta, productID)
	}
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Distinguish a missing product from a failed stock guard.
		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM products WHERE id = ?`, productID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrInsufficientStock
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO inventory_ledger (entry_id, product_id, delta, reason, actor_user_id) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), productID, delta, reason, actorUserID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}
