package reconcile

import (
	"context"
	"sync"

	"github.com/marlowbooks/shop-backend/internal/model"
	"github.com/marlowbooks/shop-backend/internal/payment"
	"github.com/marlowbooks/shop-backend/internal/repository"
)

// fakeOrderStore is an in-memory OrderStore/RefundOrderStore with the same
// dedup and guard semantics as the MySQL implementation.
type fakeOrderStore struct {
	mu     sync.Mutex
	nextID uint64
	orders map[uint64]*model.Order
	items  map[uint64]*model.OrderItem

	failCreate  error
	failAddItem error
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{
		nextID: 1,
		orders: make(map[uint64]*model.Order),
		items:  make(map[uint64]*model.OrderItem),
	}
}

func (f *fakeOrderStore) Create(_ context.Context, o *model.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate != nil {
		return f.failCreate
	}
	for _, existing := range f.orders {
		if existing.CheckoutSessionID == o.CheckoutSessionID {
			return repository.ErrDuplicateOrder
		}
	}
	o.ID = f.nextID
	f.nextID++
	if o.Status == "" {
		o.Status = model.OrderStatusCompleted
	}
	cp := *o
	f.orders[o.ID] = &cp
	return nil
}

func (f *fakeOrderStore) GetByID(_ context.Context, id uint64) (*model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (f *fakeOrderStore) GetBySessionID(_ context.Context, sessionID string) (*model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.CheckoutSessionID == sessionID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeOrderStore) GetByPaymentIntentID(_ context.Context, piID string) (*model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.PaymentIntentID == piID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeOrderStore) AddItem(_ context.Context, it *model.OrderItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAddItem != nil {
		return f.failAddItem
	}
	it.ID = f.nextID
	f.nextID++
	cp := *it
	f.items[it.ID] = &cp
	return nil
}

func (f *fakeOrderStore) SetPaymentDetails(_ context.Context, orderID uint64, brand, last4, receiptURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return repository.ErrNotFound
	}
	if brand != "" {
		o.PaymentBrand = &brand
	}
	if last4 != "" {
		o.PaymentLast4 = &last4
	}
	if receiptURL != "" {
		o.ReceiptURL = &receiptURL
	}
	return nil
}

func (f *fakeOrderStore) ItemsByOrder(_ context.Context, orderID uint64) ([]model.OrderItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.OrderItem
	for id := uint64(1); id < f.nextID; id++ {
		if it, ok := f.items[id]; ok && it.OrderID == orderID {
			out = append(out, *it)
		}
	}
	return out, nil
}

func (f *fakeOrderStore) GetItem(_ context.Context, itemID uint64) (*model.OrderItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[itemID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *it
	return &cp, nil
}

func (f *fakeOrderStore) FindEventItem(_ context.Context, sessionID string, eventID uint64) (*model.OrderItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := uint64(1); id < f.nextID; id++ {
		it, ok := f.items[id]
		if !ok || it.Kind != model.OrderItemKindEvent || it.EventID == nil || *it.EventID != eventID {
			continue
		}
		if o, ok := f.orders[it.OrderID]; ok && o.CheckoutSessionID == sessionID {
			cp := *it
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeOrderStore) MarkItemRefunded(_ context.Context, itemID uint64, qty int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[itemID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if it.RefundedQuantity+qty > it.Quantity {
		return false, nil
	}
	it.RefundedQuantity += qty
	it.RefundedAmountPence += uint32(qty) * it.UnitPricePence
	return true, nil
}

func (f *fakeOrderStore) UpdateStatus(_ context.Context, orderID uint64, to model.OrderStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return false, nil
	}
	switch to {
	case model.OrderStatusPartiallyRefunded:
		if o.Status != model.OrderStatusCompleted && o.Status != model.OrderStatusPartiallyRefunded {
			return false, nil
		}
	case model.OrderStatusRefunded:
	default:
		return false, nil
	}
	o.Status = to
	return true, nil
}

// fakeInventory records decrements and restocks against per-product counts.
type fakeInventory struct {
	mu      sync.Mutex
	stock   map[uint64]int
	moves   []string
	failAll error
}

func newFakeInventory(stock map[uint64]int) *fakeInventory {
	if stock == nil {
		stock = make(map[uint64]int)
	}
	return &fakeInventory{stock: stock}
}

func (f *fakeInventory) Decrement(_ context.Context, productID uint64, qty int, reason string, _ uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return f.failAll
	}
	if f.stock[productID] < qty {
		return repository.ErrInsufficientStock
	}
	f.stock[productID] -= qty
	f.moves = append(f.moves, reason)
	return nil
}

func (f *fakeInventory) Restock(_ context.Context, productID uint64, qty int, reason string, _ uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return f.failAll
	}
	f.stock[productID] += qty
	f.moves = append(f.moves, reason)
	return nil
}

// fakeBookingStore implements seat creation with the same session dedup and
// capacity recheck as the real repository, plus the refund surfaces.
type fakeBookingStore struct {
	mu       sync.Mutex
	nextID   uint64
	capacity map[uint64]int
	bookings map[uint64]*model.EventBooking
}

func newFakeBookingStore(capacity map[uint64]int) *fakeBookingStore {
	if capacity == nil {
		capacity = make(map[uint64]int)
	}
	return &fakeBookingStore{nextID: 1, capacity: capacity, bookings: make(map[uint64]*model.EventBooking)}
}

func (f *fakeBookingStore) CreateSeatsForSession(_ context.Context, eventID, userID uint64, sessionID string, qty int, orderItemID uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	capacity, ok := f.capacity[eventID]
	if !ok {
		return false, repository.ErrNotFound
	}
	active := 0
	for _, b := range f.bookings {
		if b.StripeCheckoutSessionID == sessionID {
			return false, nil
		}
		if b.EventID == eventID && !b.Cancelled {
			active++
		}
	}
	if capacity-active < qty {
		return false, repository.ErrNotEnoughSeats
	}
	for i := 0; i < qty; i++ {
		id := f.nextID
		f.nextID++
		itemID := orderItemID
		f.bookings[id] = &model.EventBooking{
			ID:                      id,
			EventID:                 eventID,
			UserID:                  userID,
			StripeCheckoutSessionID: sessionID,
			OrderItemID:             &itemID,
		}
	}
	return true, nil
}

func (f *fakeBookingStore) GetByID(_ context.Context, id uint64) (*model.EventBooking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bookings[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (f *fakeBookingStore) CancelAndRefund(_ context.Context, bookingID uint64, refundID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bookings[bookingID]
	if !ok || b.Cancelled || b.Refunded {
		return false, nil
	}
	b.Cancelled = true
	b.Refunded = true
	b.RefundID = &refundID
	return true, nil
}

func (f *fakeBookingStore) CancelAndRefundBySession(_ context.Context, sessionID, refundID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, b := range f.bookings {
		if b.StripeCheckoutSessionID == sessionID && !b.Cancelled {
			b.Cancelled = true
			b.Refunded = true
			b.RefundID = &refundID
			n++
		}
	}
	return n, nil
}

func (f *fakeBookingStore) activeSeats(eventID uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.bookings {
		if b.EventID == eventID && !b.Cancelled {
			n++
		}
	}
	return n
}

// fakePaymentReader serves canned payment intents.
type fakePaymentReader struct {
	intents map[string]*payment.PaymentIntent
}

func (f *fakePaymentReader) GetPaymentIntent(_ context.Context, id string) (*payment.PaymentIntent, error) {
	pi, ok := f.intents[id]
	if !ok {
		return nil, &payment.APIError{StatusCode: 404, Message: "no such payment_intent"}
	}
	return pi, nil
}

// fakeRefundIssuer records issued refunds and can be set to fail.
type fakeRefundIssuer struct {
	mu      sync.Mutex
	nextID  int
	refunds []payment.RefundParams
	fail    error
}

func (f *fakeRefundIssuer) CreateRefund(_ context.Context, p payment.RefundParams) (*payment.Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.nextID++
	f.refunds = append(f.refunds, p)
	return &payment.Refund{ID: "re_" + string(rune('a'+f.nextID-1)), Status: "succeeded", Amount: p.AmountPence}, nil
}
