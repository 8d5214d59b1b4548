package handler

import (
	"context"

	"github.com/marlowbooks/shop-backend/internal/model"
	"github.com/marlowbooks/shop-backend/internal/payment"
	"github.com/marlowbooks/shop-backend/internal/repository"
)

// stubOrders is the minimal order store behind webhook tests: dedup by
// session id, everything kept in maps.
type stubOrders struct {
	nextID uint64
	orders map[string]*model.Order
	items  []model.OrderItem
}

func newStubOrders() *stubOrders {
	return &stubOrders{nextID: 1, orders: make(map[string]*model.Order)}
}

func (s *stubOrders) Create(_ context.Context, o *model.Order) error {
	if _, ok := s.orders[o.CheckoutSessionID]; ok {
		return repository.ErrDuplicateOrder
	}
	o.ID = s.nextID
	s.nextID++
	cp := *o
	s.orders[o.CheckoutSessionID] = &cp
	return nil
}

func (s *stubOrders) GetBySessionID(_ context.Context, sessionID string) (*model.Order, error) {
	o, ok := s.orders[sessionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *stubOrders) GetByPaymentIntentID(_ context.Context, piID string) (*model.Order, error) {
	for _, o := range s.orders {
		if o.PaymentIntentID == piID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *stubOrders) AddItem(_ context.Context, it *model.OrderItem) error {
	it.ID = s.nextID
	s.nextID++
	s.items = append(s.items, *it)
	return nil
}

func (s *stubOrders) SetPaymentDetails(context.Context, uint64, string, string, string) error {
	return nil
}

func (s *stubOrders) ItemsByOrder(_ context.Context, orderID uint64) ([]model.OrderItem, error) {
	var out []model.OrderItem
	for _, it := range s.items {
		if it.OrderID == orderID {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *stubOrders) MarkItemRefunded(context.Context, uint64, int) (bool, error) { return true, nil }

func (s *stubOrders) UpdateStatus(_ context.Context, orderID uint64, to model.OrderStatus) (bool, error) {
	for _, o := range s.orders {
		if o.ID == orderID {
			o.Status = to
			return true, nil
		}
	}
	return false, nil
}

// stubInventory counts decrements per product.
type stubInventory struct {
	decremented map[uint64]int
}

func newStubInventory() *stubInventory { return &stubInventory{decremented: make(map[uint64]int)} }

func (s *stubInventory) Decrement(_ context.Context, productID uint64, qty int, _ string, _ uint64) error {
	s.decremented[productID] += qty
	return nil
}

func (s *stubInventory) Restock(_ context.Context, productID uint64, qty int, _ string, _ uint64) error {
	s.decremented[productID] -= qty
	return nil
}

// stubBookings accepts every seat request and counts releases.
type stubBookings struct {
	created  int
	released int64
}

func (s *stubBookings) CreateSeatsForSession(_ context.Context, _, _ uint64, _ string, qty int, _ uint64) (bool, error) {
	s.created += qty
	return true, nil
}

func (s *stubBookings) CancelAndRefundBySession(_ context.Context, _, _ string) (int64, error) {
	n := int64(s.created) - s.released
	s.released += n
	return n, nil
}

// stubSessionCreator captures the params of the session it opens.
type stubSessionCreator struct {
	params *payment.CheckoutSessionParams
	err    error
}

func (s *stubSessionCreator) CreateCheckoutSession(_ context.Context, p payment.CheckoutSessionParams) (*payment.CheckoutSession, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.params = &p
	return &payment.CheckoutSession{ID: "cs_test", URL: "https://pay.example.com/cs_test"}, nil
}

// stubProducts serves a fixed product map.
type stubProducts struct {
	byID map[uint64]*model.Product
}

func (s *stubProducts) GetByID(_ context.Context, id uint64) (*model.Product, error) {
	p, ok := s.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *stubProducts) StockByIDs(_ context.Context, ids []uint64) (map[uint64]int, error) {
	out := make(map[uint64]int)
	for _, id := range ids {
		if p, ok := s.byID[id]; ok {
			out[id] = p.InventoryCount
		}
	}
	return out, nil
}

// stubEvents serves a fixed event with adjustable free seats.
type stubEvents struct {
	event     *model.Event
	remaining int
}

func (s *stubEvents) GetByID(_ context.Context, id uint64) (*model.Event, error) {
	if s.event == nil || s.event.ID != id {
		return nil, repository.ErrNotFound
	}
	cp := *s.event
	return &cp, nil
}

func (s *stubEvents) CheckCapacity(_ context.Context, _ uint64, qty int) error {
	if s.remaining < qty {
		return repository.ErrNotEnoughSeats
	}
	return nil
}

// stubRefunder records refund calls.
type stubRefunder struct {
	orderCalls   []uint64
	bookingCalls []uint64
	err          error
}

func (s *stubRefunder) RefundOrder(_ context.Context, orderID, _ uint64) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.orderCalls = append(s.orderCalls, orderID)
	return "re_order", nil
}

func (s *stubRefunder) RefundSeat(_ context.Context, bookingID, _ uint64) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.bookingCalls = append(s.bookingCalls, bookingID)
	return "re_seat", nil
}
