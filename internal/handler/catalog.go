package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/marlowbooks/shop-backend/internal/model"
	"github.com/marlowbooks/shop-backend/internal/repository"
)

// CatalogProducts is the read surface of the public product catalogue.
type CatalogProducts interface {
	GetByID(ctx context.Context, id uint64) (*model.Product, error)
	ListStorefront(ctx context.Context) ([]model.Product, error)
}

// CatalogEvents is the read surface of the public events listing.
type CatalogEvents interface {
	GetByID(ctx context.Context, id uint64) (*model.Event, error)
	List(ctx context.Context) ([]model.Event, error)
	RemainingSeats(ctx context.Context, ev *model.Event) (int, error)
}

// CatalogHandler serves the anonymous storefront reads.  These routes sit
// behind the response cache.
type CatalogHandler struct {
	Products CatalogProducts
	Events   CatalogEvents
}

// eventView is an event plus its derived seat availability.  Remaining seats
// are computed per request, never stored.
type eventView struct {
	model.Event
	RemainingSeats int  `json:"remaining_seats"`
	SoldOut        bool `json:"sold_out"`
}

// ListProducts handles GET /v1/products.
func (h *CatalogHandler) ListProducts(c echo.Context) error {
	products, err := h.Products.ListStorefront(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"products": products})
}

// GetProduct handles GET /v1/products/:id.
func (h *CatalogHandler) GetProduct(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "INVALID_ID"})
	}
	p, err := h.Products.GetByID(c.Request().Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "PRODUCT_NOT_FOUND"})
	}
	if err != nil {
		return err
	}
	if p.Type == model.ProductTypeEvent {
		// Shadow products back event tickets and are not part of the shop.
		return c.JSON(http.StatusNotFound, echo.Map{"error": "PRODUCT_NOT_FOUND"})
	}
	return c.JSON(http.StatusOK, p)
}

// ListEvents handles GET /v1/events.
func (h *CatalogHandler) ListEvents(c echo.Context) error {
	ctx := c.Request().Context()
	events, err := h.Events.List(ctx)
	if err != nil {
		return err
	}
	views := make([]eventView, 0, len(events))
	for i := range events {
		remaining, err := h.Events.RemainingSeats(ctx, &events[i])
		if err != nil {
			return err
		}
		views = append(views, eventView{Event: events[i], RemainingSeats: remaining, SoldOut: remaining <= 0})
	}
	return c.JSON(http.StatusOK, echo.Map{"events": views})
}

// GetEvent handles GET /v1/events/:id.
func (h *CatalogHandler) GetEvent(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "INVALID_ID"})
	}
	ctx := c.Request().Context()
	ev, err := h.Events.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "EVENT_NOT_FOUND"})
	}
	if err != nil {
		return err
	}
	remaining, err := h.Events.RemainingSeats(ctx, ev)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, eventView{Event: *ev, RemainingSeats: remaining, SoldOut: remaining <= 0})
}
