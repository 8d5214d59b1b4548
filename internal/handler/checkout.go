package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/marlowbooks/shop-backend/internal/model"
	"github.com/marlowbooks/shop-backend/internal/payment"
	"github.com/marlowbooks/shop-backend/internal/repository"
)

// SessionCreator opens hosted checkout sessions.  Implemented by
// payment.Client.
type SessionCreator interface {
	CreateCheckoutSession(ctx context.Context, p payment.CheckoutSessionParams) (*payment.CheckoutSession, error)
}

// CheckoutProducts is the product surface checkout needs: price resolution
// and the advisory stock snapshot.  Implemented by repository.ProductRepo.
type CheckoutProducts interface {
	GetByID(ctx context.Context, id uint64) (*model.Product, error)
	StockByIDs(ctx context.Context, ids []uint64) (map[uint64]int, error)
}

// CheckoutEvents is the event surface checkout needs.  Implemented by
// repository.EventRepo.
type CheckoutEvents interface {
	GetByID(ctx context.Context, id uint64) (*model.Event, error)
	CheckCapacity(ctx context.Context, eventID uint64, qty int) error
}

// CheckoutHandler opens payment sessions for carts, single products and event
// tickets.  Prices always come from the database, never from the request:
// the client only ever names what it wants and how many.
type CheckoutHandler struct {
	Products   CheckoutProducts
	Events     CheckoutEvents
	Payments   SessionCreator
	SuccessURL string
	CancelURL  string
}

type cartItemRequest struct {
	ProductID uint64 `json:"product_id"`
	Qty       int    `json:"qty"`
}

type cartCheckoutRequest struct {
	Items []cartItemRequest `json:"items"`
}

type productCheckoutRequest struct {
	ProductID uint64 `json:"product_id"`
	Qty       int    `json:"qty"`
}

type eventCheckoutRequest struct {
	EventID  uint64 `json:"event_id"`
	Quantity int    `json:"quantity"`
}

// maxCartLines bounds a cart so the encoded intent fits in session metadata.
const maxCartLines = 10

// CheckoutCart handles POST /v1/checkout/cart.
func (h *CheckoutHandler) CheckoutCart(c echo.Context) error {
	userID, ok := currentUserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "NOT_AUTHENTICATED"})
	}
	var req cartCheckoutRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "INVALID_BODY"})
	}
	if len(req.Items) == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "NO_ITEMS"})
	}
	if len(req.Items) > maxCartLines {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "TOO_MANY_ITEMS"})
	}
	return h.openProductSession(c, userID, payment.IntentKindCart, req.Items)
}

// CheckoutProduct handles POST /v1/checkout/product, a one-line convenience
// over the cart flow.
func (h *CheckoutHandler) CheckoutProduct(c echo.Context) error {
	userID, ok := currentUserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "NOT_AUTHENTICATED"})
	}
	var req productCheckoutRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "INVALID_BODY"})
	}
	if req.ProductID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "NO_ITEMS"})
	}
	items := []cartItemRequest{{ProductID: req.ProductID, Qty: req.Qty}}
	return h.openProductSession(c, userID, payment.IntentKindProduct, items)
}

func (h *CheckoutHandler) openProductSession(c echo.Context, userID uint64, kind payment.IntentKind, items []cartItemRequest) error {
	ctx := c.Request().Context()

	intent := payment.CheckoutIntent{Kind: kind, UserID: userID}
	lines := make([]payment.LineItem, 0, len(items))
	for _, it := range items {
		if it.Qty <= 0 || it.Qty > 100 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "INVALID_QUANTITY"})
		}
		p, err := h.Products.GetByID(ctx, it.ProductID)
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "PRODUCT_NOT_FOUND", "product_id": it.ProductID})
		}
		if err != nil {
			return err
		}
		if p.Type == model.ProductTypeEvent {
			// Tickets go through the event flow so capacity is checked.
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "INVALID_BODY"})
		}
		intent.Items = append(intent.Items, payment.IntentItem{
			ProductID:      p.ID,
			Qty:            it.Qty,
			UnitPricePence: p.PricePence,
		})
		lines = append(lines, payment.LineItem{
			Name:       p.Name,
			UnitAmount: int64(p.PricePence),
			Quantity:   int64(it.Qty),
		})
	}

	md, err := intent.Metadata()
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "INVALID_BODY"})
	}
	sess, err := h.Payments.CreateCheckoutSession(ctx, payment.CheckoutSessionParams{
		SuccessURL:    h.SuccessURL,
		CancelURL:     h.CancelURL,
		CustomerEmail: currentEmail(c),
		LineItems:     lines,
		Metadata:      md,
	})
	if err != nil {
		log.WithError(err).Error("opening checkout session failed")
		return c.JSON(http.StatusBadGateway, echo.Map{"error": "PAYMENT_PROVIDER_ERROR"})
	}
	return c.JSON(http.StatusOK, echo.Map{"session_id": sess.ID, "url": sess.URL})
}

// CheckoutEvent handles POST /v1/checkout/event.  Capacity is checked here
// so buyers are not sent to the payment page for a sold-out event; the
// authoritative check happens again at reconciliation under the event lock.
func (h *CheckoutHandler) CheckoutEvent(c echo.Context) error {
	userID, ok := currentUserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "NOT_AUTHENTICATED"})
	}
	var req eventCheckoutRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "INVALID_BODY"})
	}
	if req.Quantity <= 0 || req.Quantity > 20 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "INVALID_QUANTITY"})
	}
	ctx := c.Request().Context()

	ev, err := h.Events.GetByID(ctx, req.EventID)
	if errors.Is(err, repository.ErrNotFound) {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "EVENT_NOT_FOUND"})
	}
	if err != nil {
		return err
	}
	if err := h.Events.CheckCapacity(ctx, ev.ID, req.Quantity); err != nil {
		if errors.Is(err, repository.ErrNotEnoughSeats) {
			return c.JSON(http.StatusConflict, echo.Map{"error": "NOT_ENOUGH_SEATS"})
		}
		return err
	}

	intent := payment.CheckoutIntent{
		Kind:     payment.IntentKindEvent,
		UserID:   userID,
		EventID:  ev.ID,
		Quantity: req.Quantity,
	}
	md, err := intent.Metadata()
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "INVALID_BODY"})
	}
	sess, err := h.Payments.CreateCheckoutSession(ctx, payment.CheckoutSessionParams{
		SuccessURL:    h.SuccessURL,
		CancelURL:     h.CancelURL,
		CustomerEmail: currentEmail(c),
		LineItems: []payment.LineItem{{
			Name:       ev.Title,
			UnitAmount: int64(ev.PricePence),
			Quantity:   int64(req.Quantity),
		}},
		Metadata: md,
	})
	if err != nil {
		log.WithError(err).Error("opening event checkout session failed")
		return c.JSON(http.StatusBadGateway, echo.Map{"error": "PAYMENT_PROVIDER_ERROR"})
	}
	return c.JSON(http.StatusOK, echo.Map{"session_id": sess.ID, "url": sess.URL})
}

type stockCheckRequest struct {
	ProductIDs []uint64 `json:"product_ids"`
}

// StockCheck handles POST /v1/stock-check.  The storefront calls this before
// redirecting to checkout to warn about short stock.  The snapshot is
// advisory only; the sale is settled at reconciliation.
func (h *CheckoutHandler) StockCheck(c echo.Context) error {
	var req stockCheckRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "INVALID_BODY"})
	}
	if len(req.ProductIDs) == 0 || len(req.ProductIDs) > 100 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "NO_ITEMS"})
	}
	stock, err := h.Products.StockByIDs(c.Request().Context(), req.ProductIDs)
	if err != nil {
		return err
	}
	// JSON object keys must be strings.
	out := make(map[string]int, len(stock))
	for id, n := range stock {
		out[strconv.FormatUint(id, 10)] = n
	}
	return c.JSON(http.StatusOK, out)
}
