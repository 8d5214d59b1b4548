package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/marlowbooks/shop-backend/internal/model"
	"github.com/marlowbooks/shop-backend/internal/payment"
	"github.com/marlowbooks/shop-backend/internal/queue"
)

func sessionFor(t *testing.T, intent payment.CheckoutIntent, sessionID, piID string, total int64) *payment.CheckoutSession {
	t.Helper()
	md, err := intent.Metadata()
	if err != nil {
		t.Fatalf("encode intent: %v", err)
	}
	return &payment.CheckoutSession{
		ID:              sessionID,
		Status:          "complete",
		PaymentIntentID: piID,
		AmountTotal:     total,
		CustomerEmail:   "buyer@example.com",
		Metadata:        md,
	}
}

func cartIntent(userID uint64) payment.CheckoutIntent {
	return payment.CheckoutIntent{
		Kind:   payment.IntentKindCart,
		UserID: userID,
		Items: []payment.IntentItem{
			{ProductID: 1, Qty: 2, UnitPricePence: 1200},
			{ProductID: 2, Qty: 1, UnitPricePence: 850},
		},
	}
}

func TestHandleCompletedCartPurchase(t *testing.T) {
	orders := newFakeOrderStore()
	inventory := newFakeInventory(map[uint64]int{1: 10, 2: 5})
	var published []queue.OrderConfirmedEvent

	r := &Reconciler{
		Orders:    orders,
		Inventory: inventory,
		Bookings:  newFakeBookingStore(nil),
		Notify: func(_ context.Context, ev queue.OrderConfirmedEvent) error {
			published = append(published, ev)
			return nil
		},
	}

	sess := sessionFor(t, cartIntent(7), "cs_1", "pi_1", 3250)
	if err := r.HandleCompleted(context.Background(), sess); err != nil {
		t.Fatalf("HandleCompleted: %v", err)
	}

	order, err := orders.GetBySessionID(context.Background(), "cs_1")
	if err != nil {
		t.Fatalf("order not created: %v", err)
	}
	if order.UserID != 7 || order.TotalPence != 3250 || order.Status != model.OrderStatusCompleted {
		t.Errorf("order = %+v", order)
	}
	if order.Email != "buyer@example.com" {
		t.Errorf("email = %q", order.Email)
	}

	items, _ := orders.ItemsByOrder(context.Background(), order.ID)
	if len(items) != 2 {
		t.Fatalf("want 2 order lines, got %d", len(items))
	}
	if items[0].UnitPricePence != 1200 || items[0].Quantity != 2 {
		t.Errorf("first line = %+v", items[0])
	}

	if inventory.stock[1] != 8 || inventory.stock[2] != 4 {
		t.Errorf("stock after purchase = %v", inventory.stock)
	}

	if len(published) != 1 || published[0].Kind != "cart" || published[0].OrderID != order.ID {
		t.Errorf("published = %+v", published)
	}
}

func TestHandleCompletedRedelivery(t *testing.T) {
	orders := newFakeOrderStore()
	inventory := newFakeInventory(map[uint64]int{1: 10, 2: 5})
	r := &Reconciler{Orders: orders, Inventory: inventory, Bookings: newFakeBookingStore(nil)}

	sess := sessionFor(t, cartIntent(7), "cs_dup", "pi_dup", 3250)
	for i := 0; i < 3; i++ {
		if err := r.HandleCompleted(context.Background(), sess); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	if len(orders.orders) != 1 {
		t.Errorf("want exactly one order, got %d", len(orders.orders))
	}
	if inventory.stock[1] != 8 {
		t.Errorf("stock debited more than once: %v", inventory.stock)
	}
}

func TestHandleCompletedMalformedIntent(t *testing.T) {
	r := &Reconciler{Orders: newFakeOrderStore(), Inventory: newFakeInventory(nil), Bookings: newFakeBookingStore(nil)}
	sess := &payment.CheckoutSession{
		ID:       "cs_bad",
		Metadata: map[string]string{"intent": `{"kind":"mystery"}`},
	}
	err := r.HandleCompleted(context.Background(), sess)
	if !errors.Is(err, payment.ErrBadIntent) {
		t.Fatalf("want ErrBadIntent, got %v", err)
	}
}

func TestHandleCompletedInsufficientStock(t *testing.T) {
	orders := newFakeOrderStore()
	inventory := newFakeInventory(map[uint64]int{1: 1, 2: 5})
	r := &Reconciler{Orders: orders, Inventory: inventory, Bookings: newFakeBookingStore(nil)}

	// Item 1 wants 2 units but only 1 is left.  Payment is captured, so the
	// order and its lines must exist regardless; the shortfall is an anomaly.
	sess := sessionFor(t, cartIntent(7), "cs_short", "pi_short", 3250)
	if err := r.HandleCompleted(context.Background(), sess); err != nil {
		t.Fatalf("HandleCompleted: %v", err)
	}

	order, err := orders.GetBySessionID(context.Background(), "cs_short")
	if err != nil {
		t.Fatalf("order must exist: %v", err)
	}
	items, _ := orders.ItemsByOrder(context.Background(), order.ID)
	if len(items) != 2 {
		t.Fatalf("want both order lines recorded, got %d", len(items))
	}
	if inventory.stock[1] != 1 {
		t.Errorf("failed decrement must not partially apply: %v", inventory.stock)
	}
	if inventory.stock[2] != 4 {
		t.Errorf("other lines still settle: %v", inventory.stock)
	}
}

func TestHandleCompletedEventPurchase(t *testing.T) {
	orders := newFakeOrderStore()
	bookings := newFakeBookingStore(map[uint64]int{42: 10})
	r := &Reconciler{Orders: orders, Inventory: newFakeInventory(nil), Bookings: bookings}

	intent := payment.CheckoutIntent{Kind: payment.IntentKindEvent, UserID: 9, EventID: 42, Quantity: 3}
	sess := sessionFor(t, intent, "cs_ev", "pi_ev", 4500)
	if err := r.HandleCompleted(context.Background(), sess); err != nil {
		t.Fatalf("HandleCompleted: %v", err)
	}

	if got := bookings.activeSeats(42); got != 3 {
		t.Errorf("active seats = %d, want 3", got)
	}
	order, _ := orders.GetBySessionID(context.Background(), "cs_ev")
	items, _ := orders.ItemsByOrder(context.Background(), order.ID)
	if len(items) != 1 || items[0].Kind != model.OrderItemKindEvent {
		t.Fatalf("items = %+v", items)
	}
	if items[0].UnitPricePence != 1500 {
		t.Errorf("unit price = %d, want 4500/3", items[0].UnitPricePence)
	}
	for _, b := range bookings.bookings {
		if b.OrderItemID == nil || *b.OrderItemID != items[0].ID {
			t.Errorf("booking not linked to order line: %+v", b)
		}
	}
}

func TestHandleCompletedEventCapacityRace(t *testing.T) {
	orders := newFakeOrderStore()
	bookings := newFakeBookingStore(map[uint64]int{42: 5})
	r := &Reconciler{Orders: orders, Inventory: newFakeInventory(nil), Bookings: bookings}

	first := payment.CheckoutIntent{Kind: payment.IntentKindEvent, UserID: 1, EventID: 42, Quantity: 3}
	second := payment.CheckoutIntent{Kind: payment.IntentKindEvent, UserID: 2, EventID: 42, Quantity: 3}

	if err := r.HandleCompleted(context.Background(), sessionFor(t, first, "cs_a", "pi_a", 4500)); err != nil {
		t.Fatalf("first: %v", err)
	}
	// Both buyers passed the advisory check; the second loses at the
	// authoritative recheck.  Payment is already captured, so the event must
	// still be acknowledged.
	if err := r.HandleCompleted(context.Background(), sessionFor(t, second, "cs_b", "pi_b", 4500)); err != nil {
		t.Fatalf("second must be absorbed, got %v", err)
	}

	if got := bookings.activeSeats(42); got != 3 {
		t.Errorf("active seats = %d, capacity must not be oversold", got)
	}
	if _, err := orders.GetBySessionID(context.Background(), "cs_b"); err != nil {
		t.Errorf("losing order still exists for manual review: %v", err)
	}
}

func TestHandleCompletedEnrichesPaymentDetails(t *testing.T) {
	orders := newFakeOrderStore()
	pi := &payment.PaymentIntent{ID: "pi_rich", Status: "succeeded"}
	pi.LatestCharge.ReceiptURL = "https://pay.example.com/r/1"
	pi.LatestCharge.PaymentMethodDetails.Card.Brand = "visa"
	pi.LatestCharge.PaymentMethodDetails.Card.Last4 = "4242"

	r := &Reconciler{
		Orders:    orders,
		Inventory: newFakeInventory(map[uint64]int{1: 10, 2: 10}),
		Bookings:  newFakeBookingStore(nil),
		Payments:  &fakePaymentReader{intents: map[string]*payment.PaymentIntent{"pi_rich": pi}},
	}
	if err := r.HandleCompleted(context.Background(), sessionFor(t, cartIntent(7), "cs_rich", "pi_rich", 3250)); err != nil {
		t.Fatalf("HandleCompleted: %v", err)
	}
	order, _ := orders.GetBySessionID(context.Background(), "cs_rich")
	if order.PaymentBrand == nil || *order.PaymentBrand != "visa" {
		t.Errorf("brand = %v", order.PaymentBrand)
	}
	if order.ReceiptURL == nil || *order.ReceiptURL != "https://pay.example.com/r/1" {
		t.Errorf("receipt = %v", order.ReceiptURL)
	}
}

func TestNotifyFailureDoesNotFailReconciliation(t *testing.T) {
	orders := newFakeOrderStore()
	r := &Reconciler{
		Orders:    orders,
		Inventory: newFakeInventory(map[uint64]int{1: 10, 2: 10}),
		Bookings:  newFakeBookingStore(nil),
		Notify: func(context.Context, queue.OrderConfirmedEvent) error {
			return errors.New("broker down")
		},
	}
	if err := r.HandleCompleted(context.Background(), sessionFor(t, cartIntent(7), "cs_n", "pi_n", 3250)); err != nil {
		t.Fatalf("publish failure must not fail the webhook: %v", err)
	}
}

func TestHandleSessionReversal(t *testing.T) {
	t.Run("completed product order restocks", func(t *testing.T) {
		orders := newFakeOrderStore()
		inventory := newFakeInventory(map[uint64]int{1: 10, 2: 5})
		r := &Reconciler{Orders: orders, Inventory: inventory, Bookings: newFakeBookingStore(nil)}

		sess := sessionFor(t, cartIntent(7), "cs_rev", "pi_rev", 3250)
		if err := r.HandleCompleted(context.Background(), sess); err != nil {
			t.Fatalf("complete: %v", err)
		}
		if err := r.HandleSessionReversal(context.Background(), sess); err != nil {
			t.Fatalf("reversal: %v", err)
		}
		if inventory.stock[1] != 10 || inventory.stock[2] != 5 {
			t.Errorf("stock not restored: %v", inventory.stock)
		}
		order, _ := orders.GetBySessionID(context.Background(), "cs_rev")
		if order.Status != model.OrderStatusRefunded {
			t.Errorf("status = %s", order.Status)
		}

		// Second reversal must not double-credit stock.
		if err := r.HandleSessionReversal(context.Background(), sess); err != nil {
			t.Fatalf("repeat reversal: %v", err)
		}
		if inventory.stock[1] != 10 {
			t.Errorf("stock double-credited: %v", inventory.stock)
		}
	})

	t.Run("never-completed session is a no-op", func(t *testing.T) {
		inventory := newFakeInventory(map[uint64]int{1: 10})
		r := &Reconciler{Orders: newFakeOrderStore(), Inventory: inventory, Bookings: newFakeBookingStore(nil)}
		sess := sessionFor(t, cartIntent(7), "cs_exp", "pi_exp", 3250)
		if err := r.HandleSessionReversal(context.Background(), sess); err != nil {
			t.Fatalf("reversal: %v", err)
		}
		if inventory.stock[1] != 10 {
			t.Errorf("no-op reversal moved stock: %v", inventory.stock)
		}
	})

	t.Run("event intents are excluded", func(t *testing.T) {
		orders := newFakeOrderStore()
		bookings := newFakeBookingStore(map[uint64]int{42: 10})
		r := &Reconciler{Orders: orders, Inventory: newFakeInventory(nil), Bookings: bookings}

		intent := payment.CheckoutIntent{Kind: payment.IntentKindEvent, UserID: 9, EventID: 42, Quantity: 2}
		sess := sessionFor(t, intent, "cs_evr", "pi_evr", 3000)
		if err := r.HandleCompleted(context.Background(), sess); err != nil {
			t.Fatalf("complete: %v", err)
		}
		if err := r.HandleSessionReversal(context.Background(), sess); err != nil {
			t.Fatalf("reversal: %v", err)
		}
		if got := bookings.activeSeats(42); got != 2 {
			t.Errorf("seats must only be released by refunds, active = %d", got)
		}
		order, _ := orders.GetBySessionID(context.Background(), "cs_evr")
		if order.Status != model.OrderStatusCompleted {
			t.Errorf("event order status moved: %s", order.Status)
		}
	})
}

func TestHandleChargeRefunded(t *testing.T) {
	orders := newFakeOrderStore()
	inventory := newFakeInventory(map[uint64]int{1: 10, 2: 5})
	r := &Reconciler{Orders: orders, Inventory: inventory, Bookings: newFakeBookingStore(nil)}

	sess := sessionFor(t, cartIntent(7), "cs_cr", "pi_cr", 3250)
	if err := r.HandleCompleted(context.Background(), sess); err != nil {
		t.Fatalf("complete: %v", err)
	}

	ch := &payment.Charge{ID: "ch_1", PaymentIntentID: "pi_cr", Refunded: true}
	if err := r.HandleChargeRefunded(context.Background(), ch); err != nil {
		t.Fatalf("charge refunded: %v", err)
	}
	if inventory.stock[1] != 10 || inventory.stock[2] != 5 {
		t.Errorf("stock not restored: %v", inventory.stock)
	}

	// Redelivery finds the order already refunded.
	if err := r.HandleChargeRefunded(context.Background(), ch); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if inventory.stock[1] != 10 {
		t.Errorf("stock double-credited on redelivery: %v", inventory.stock)
	}

	t.Run("unknown payment intent is acknowledged", func(t *testing.T) {
		if err := r.HandleChargeRefunded(context.Background(), &payment.Charge{ID: "ch_x", PaymentIntentID: "pi_missing"}); err != nil {
			t.Fatalf("unknown charge must be absorbed: %v", err)
		}
	})
}

func TestHandleChargeRefundedEventOrder(t *testing.T) {
	orders := newFakeOrderStore()
	bookings := newFakeBookingStore(map[uint64]int{42: 10})
	r := &Reconciler{Orders: orders, Inventory: newFakeInventory(nil), Bookings: bookings}

	intent := payment.CheckoutIntent{Kind: payment.IntentKindEvent, UserID: 9, EventID: 42, Quantity: 3}
	sess := sessionFor(t, intent, "cs_evref", "pi_evref", 4500)
	if err := r.HandleCompleted(context.Background(), sess); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// A provider-side refund must release the seats; the money is gone, so
	// the capacity cannot stay held with no path left to cancel it.
	ch := &payment.Charge{ID: "ch_ev", PaymentIntentID: "pi_evref", Refunded: true}
	if err := r.HandleChargeRefunded(context.Background(), ch); err != nil {
		t.Fatalf("charge refunded: %v", err)
	}
	if got := bookings.activeSeats(42); got != 0 {
		t.Errorf("active seats = %d, want 0", got)
	}
	order, _ := orders.GetBySessionID(context.Background(), "cs_evref")
	if order.Status != model.OrderStatusRefunded {
		t.Errorf("status = %s", order.Status)
	}
	items, _ := orders.ItemsByOrder(context.Background(), order.ID)
	if len(items) != 1 || items[0].RefundedQuantity != 3 {
		t.Errorf("event line = %+v", items)
	}

	t.Run("redelivery releases nothing further", func(t *testing.T) {
		if err := r.HandleChargeRefunded(context.Background(), ch); err != nil {
			t.Fatalf("redelivery: %v", err)
		}
		if got := bookings.activeSeats(42); got != 0 {
			t.Errorf("active seats = %d", got)
		}
	})
}

func TestHandleChargeRefundedSeatRefundEcho(t *testing.T) {
	orders := newFakeOrderStore()
	bookings := newFakeBookingStore(map[uint64]int{42: 10})
	issuer := &fakeRefundIssuer{}
	r := &Reconciler{Orders: orders, Inventory: newFakeInventory(nil), Bookings: bookings}
	rf := &Refunder{Orders: orders, Bookings: bookings, Inventory: newFakeInventory(nil), Payments: issuer}

	intent := payment.CheckoutIntent{Kind: payment.IntentKindEvent, UserID: 9, EventID: 42, Quantity: 3}
	if err := r.HandleCompleted(context.Background(), sessionFor(t, intent, "cs_echo", "pi_echo", 4500)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	var bookingID uint64
	for id := range bookings.bookings {
		bookingID = id
		break
	}
	if _, err := rf.RefundSeat(context.Background(), bookingID, 99); err != nil {
		t.Fatalf("seat refund: %v", err)
	}

	// The provider echoes every refund back as charge.refunded.  The order
	// has already left completed, so the echo must not touch the two seats
	// the buyer still holds.
	ch := &payment.Charge{ID: "ch_echo", PaymentIntentID: "pi_echo"}
	if err := r.HandleChargeRefunded(context.Background(), ch); err != nil {
		t.Fatalf("echo: %v", err)
	}
	if got := bookings.activeSeats(42); got != 2 {
		t.Errorf("active seats = %d, want 2", got)
	}
}

func TestHandleIntentCanceled(t *testing.T) {
	t.Run("unknown intent is a no-op", func(t *testing.T) {
		r := &Reconciler{Orders: newFakeOrderStore(), Inventory: newFakeInventory(nil), Bookings: newFakeBookingStore(nil)}
		if err := r.HandleIntentCanceled(context.Background(), "pi_nobody"); err != nil {
			t.Fatalf("HandleIntentCanceled: %v", err)
		}
	})

	t.Run("completed order is reversed", func(t *testing.T) {
		orders := newFakeOrderStore()
		inventory := newFakeInventory(map[uint64]int{1: 10, 2: 5})
		r := &Reconciler{Orders: orders, Inventory: inventory, Bookings: newFakeBookingStore(nil)}

		sess := sessionFor(t, cartIntent(7), "cs_pic", "pi_pic", 3250)
		if err := r.HandleCompleted(context.Background(), sess); err != nil {
			t.Fatalf("complete: %v", err)
		}
		if err := r.HandleIntentCanceled(context.Background(), "pi_pic"); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if inventory.stock[1] != 10 || inventory.stock[2] != 5 {
			t.Errorf("stock not restored: %v", inventory.stock)
		}
	})
}
