package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/marlowbooks/shop-backend/internal/model"
)

// EventRepo provides persistence for events.  Capacity is fixed at creation;
// remaining seats are always derived by counting non-cancelled bookings, so
// there is no stored "seats left" column to drift out of sync.
type EventRepo struct {
	db       *sql.DB
	products *ProductRepo
}

// NewEventRepo returns an EventRepo.  The product repository is needed to
// create the event's shadow product in the same transaction.
func NewEventRepo(db *sql.DB, products *ProductRepo) *EventRepo {
	return &EventRepo{db: db, products: products}
}

const eventColumns = `id, slug, title, starts_at, capacity, price_pence, product_id, created_at`

func scanEvent(row interface{ Scan(...interface{}) error }) (*model.Event, error) {
	var ev model.Event
	err := row.Scan(&ev.ID, &ev.Slug, &ev.Title, &ev.StartsAt, &ev.Capacity, &ev.PricePence, &ev.ProductID, &ev.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// GetByID returns one event or ErrNotFound.
func (r *EventRepo) GetByID(ctx context.Context, id uint64) (*model.Event, error) {
	ev, err := scanEvent(r.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ev, err
}

// List returns all events ordered by start time ascending.
func (r *EventRepo) List(ctx context.Context) ([]model.Event, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events ORDER BY starts_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	events := make([]model.Event, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

// Create inserts an event together with its shadow product in a single
// transaction.  The shadow product mirrors the event's title and price with
// type "event" and a zero inventory count; it exists so tickets can share
// the order pipeline and is never listed on the storefront.
func (r *EventRepo) Create(ctx context.Context, ev *model.Event) error {
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
	shadow := &model.Product{
		Slug:       "event-" + ev.Slug,
		Name:       ev.Title,
		PricePence: ev.PricePence,
		Type:       model.ProductTypeEvent,
	}
	if err := r.products.CreateTx(ctx, tx, shadow); err != nil {
		return err
	}
	ev.ProductID = shadow.ID
	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (slug, title, starts_at, capacity, price_pence, product_id) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.Slug, ev.Title, ev.StartsAt.UTC().Format("2006-01-02 15:04:05"), ev.Capacity, ev.PricePence, ev.ProductID)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	ev.ID = uint64(id)
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// ActiveBookingCount counts non-cancelled seats for the event.
func (r *EventRepo) ActiveBookingCount(ctx context.Context, eventID uint64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM event_bookings WHERE event_id = ? AND cancelled = 0`, eventID).Scan(&n)
	return n, err
}

// RemainingSeats derives the number of free seats.
func (r *EventRepo) RemainingSeats(ctx context.Context, ev *model.Event) (int, error) {
	active, err := r.ActiveBookingCount(ctx, ev.ID)
	if err != nil {
		return 0, err
	}
	return ev.Capacity - active, nil
}

// CheckCapacity verifies that the event can still seat qty more people and
// returns ErrNotEnoughSeats otherwise.  This read-then-decide check is
// advisory: it can race with a concurrent buyer, so reconciliation repeats
// it under the event row lock before inserting seats.
func (r *EventRepo) CheckCapacity(ctx context.Context, eventID uint64, qty int) error {
	ev, err := r.GetByID(ctx, eventID)
	if err != nil {
		return err
	}
	remaining, err := r.RemainingSeats(ctx, ev)
	if err != nil {
		return err
	}
	if remaining < qty {
		return ErrNotEnoughSeats
	}
	return nil
}
