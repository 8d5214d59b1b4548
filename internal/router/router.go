// Package router wires handlers, auth and the Redis-backed middleware onto
// the Echo instance.
package router

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/marlowbooks/shop-backend/internal/config"
	"github.com/marlowbooks/shop-backend/internal/handler"
	"github.com/marlowbooks/shop-backend/internal/middleware"
)

// Handlers groups everything the router mounts.
type Handlers struct {
	Health   *handler.HealthHandler
	Catalog  *handler.CatalogHandler
	Checkout *handler.CheckoutHandler
	Booking  *handler.BookingHandler
	Webhook  *handler.WebhookHandler
	Refund   *handler.RefundHandler
	Admin    *handler.AdminHandler
}

// Register mounts all routes.
//
// The webhook route is registered on the bare group: it must see the raw
// request body for signature verification and must never be rate limited,
// since the provider's redelivery schedule is not a client to throttle.
func Register(e *echo.Echo, h Handlers, cfg config.Config, rdb *redis.Client) {
	e.Use(echomw.Recover())

	e.GET("/healthz", h.Health.Health)

	v1 := e.Group("/v1")

	v1.POST("/webhooks/payment", h.Webhook.Receive)

	limited := v1.Group("", middleware.RateLimit(config.LoadRateLimitConfig(), rdb))

	// Public catalogue, cached.
	cached := limited.Group("", middleware.CatalogCache(config.LoadCacheConfig(), rdb))
	cached.GET("/products", h.Catalog.ListProducts)
	cached.GET("/products/:id", h.Catalog.GetProduct)
	cached.GET("/events", h.Catalog.ListEvents)
	cached.GET("/events/:id", h.Catalog.GetEvent)

	limited.POST("/stock-check", h.Checkout.StockCheck)

	// Signed-in storefront.
	authed := limited.Group("", middleware.JWTAuth(cfg.JWTSecret))
	authed.POST("/checkout/cart", h.Checkout.CheckoutCart)
	authed.POST("/checkout/product", h.Checkout.CheckoutProduct)
	authed.POST("/checkout/event", h.Checkout.CheckoutEvent)
	authed.GET("/my-bookings", h.Booking.MyBookings)
	authed.POST("/bookings/:id/cancel-request", h.Booking.RequestCancellation)

	// Dashboard.  Reachable with an ADMIN role token or the service key.
	admin := v1.Group("/admin", middleware.AdminAuth(cfg.JWTSecret, cfg.AdminKeyHash))
	admin.POST("/products", h.Admin.CreateProduct)
	admin.GET("/products/:id/ledger", h.Admin.ProductLedger)
	admin.POST("/events", h.Admin.CreateEvent)
	admin.POST("/refunds", h.Refund.Refund)
}
