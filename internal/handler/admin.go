package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/marlowbooks/shop-backend/internal/model"
)

// AdminProducts is the product surface for the dashboard.
type AdminProducts interface {
	Create(ctx context.Context, p *model.Product) error
	LedgerByProduct(ctx context.Context, productID uint64, limit int) ([]model.LedgerEntry, error)
}

// AdminEvents is the event write surface for the dashboard.
type AdminEvents interface {
	Create(ctx context.Context, ev *model.Event) error
}

// AdminHandler serves the dashboard's catalogue management routes.
type AdminHandler struct {
	Products AdminProducts
	Events   AdminEvents
}

type createProductRequest struct {
	Slug           string `json:"slug"`
	Name           string `json:"name"`
	PricePence     uint32 `json:"price_pence"`
	InventoryCount int    `json:"inventory_count"`
	Type           string `json:"product_type"`
}

// CreateProduct handles POST /v1/admin/products.
func (h *AdminHandler) CreateProduct(c echo.Context) error {
	var req createProductRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "INVALID_BODY"})
	}
	if req.Slug == "" || req.Name == "" || req.PricePence == 0 || req.InventoryCount < 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "INVALID_BODY"})
	}
	pt := model.ProductType(req.Type)
	if !pt.Valid() || pt == model.ProductTypeEvent {
		// Event shadow products are created through the events route only.
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "INVALID_PRODUCT_TYPE"})
	}
	p := &model.Product{
		Slug:           req.Slug,
		Name:           req.Name,
		PricePence:     req.PricePence,
		InventoryCount: req.InventoryCount,
		Type:           pt,
	}
	if err := h.Products.Create(c.Request().Context(), p); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

// ProductLedger handles GET /v1/admin/products/:id/ledger, the inventory
// audit trail behind a product's current count.
func (h *AdminHandler) ProductLedger(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "INVALID_ID"})
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	entries, err := h.Products.LedgerByProduct(c.Request().Context(), id, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"entries": entries})
}

type createEventRequest struct {
	Slug       string    `json:"slug"`
	Title      string    `json:"title"`
	StartsAt   time.Time `json:"starts_at"`
	Capacity   int       `json:"capacity"`
	PricePence uint32    `json:"price_pence"`
}

// CreateEvent handles POST /v1/admin/events.  The shadow product is created
// in the same transaction as the event row.
func (h *AdminHandler) CreateEvent(c echo.Context) error {
	var req createEventRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "INVALID_BODY"})
	}
	if req.Slug == "" || req.Title == "" || req.Capacity <= 0 || req.PricePence == 0 || req.StartsAt.IsZero() {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "INVALID_BODY"})
	}
	ev := &model.Event{
		Slug:       req.Slug,
		Title:      req.Title,
		StartsAt:   req.StartsAt.UTC(),
		Capacity:   req.Capacity,
		PricePence: req.PricePence,
	}
	if err := h.Events.Create(c.Request().Context(), ev); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, ev)
}
