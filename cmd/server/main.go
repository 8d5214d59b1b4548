package main

import (
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/marlowbooks/shop-backend/internal/config"
	"github.com/marlowbooks/shop-backend/internal/database"
	"github.com/marlowbooks/shop-backend/internal/handler"
	"github.com/marlowbooks/shop-backend/internal/mail"
	"github.com/marlowbooks/shop-backend/internal/payment"
	"github.com/marlowbooks/shop-backend/internal/queue"
	"github.com/marlowbooks/shop-backend/internal/reconcile"
	"github.com/marlowbooks/shop-backend/internal/repository"
	"github.com/marlowbooks/shop-backend/internal/router"
	queue_publisher "github.com/marlowbooks/shop-backend/internal/service"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	if cfg.Env == "prod" {
		log.SetFormatter(&log.JSONFormatter{})
	}

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.WithError(err).Fatal("database connection failed")
	}
	if err := database.Migrate(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName); err != nil {
		log.WithError(err).Fatal("database migration failed")
	}

	rdb := config.NewRedisClient()
	if rdb == nil {
		log.Warn("redis unavailable; rate limiting and response cache disabled")
	}

	products := repository.NewProductRepo(db)
	events := repository.NewEventRepo(db, products)
	bookings := repository.NewBookingRepo(db)
	orders := repository.NewOrderRepo(db)

	payments := payment.NewClient(cfg.StripeKey)

	reconciler := &reconcile.Reconciler{
		Orders:    orders,
		Inventory: products,
		Bookings:  bookings,
		Payments:  payments,
		Notify:    queue_publisher.PublishOrderConfirmed,
	}
	refunder := &reconcile.Refunder{
		Orders:    orders,
		Bookings:  bookings,
		Inventory: products,
		Payments:  payments,
	}

	if cfg.SMTPHost != "" {
		sender := mail.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.MailFrom)
		go func() {
			if err := queue.StartOrderMailConsumer(sender); err != nil {
				log.WithError(err).Error("order mail consumer stopped")
			}
		}()
	} else {
		log.Warn("SMTP not configured; confirmation emails disabled")
	}

	h := router.Handlers{
		Health:  &handler.HealthHandler{DB: db},
		Catalog: &handler.CatalogHandler{Products: products, Events: events},
		Checkout: &handler.CheckoutHandler{
			Products:   products,
			Events:     events,
			Payments:   payments,
			SuccessURL: cfg.SuccessURL,
			CancelURL:  cfg.CancelURL,
		},
		Booking: &handler.BookingHandler{Bookings: bookings},
		Webhook: &handler.WebhookHandler{Secret: cfg.WebhookSecret, Reconciler: reconciler},
		Refund:  &handler.RefundHandler{Refunder: refunder},
		Admin:   &handler.AdminHandler{Products: products, Events: events},
	}

	e := echo.New()
	e.HideBanner = true
	router.Register(e, h, cfg, rdb)

	addr := ":" + cfg.Port
	log.WithFields(log.Fields{"addr": addr, "env": cfg.Env}).Info("listening")
	if err := e.Start(addr); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}
