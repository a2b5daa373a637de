package http

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lnurl-bridge/backend/internal/config"
	"github.com/lnurl-bridge/backend/internal/http/handlers"
	"github.com/lnurl-bridge/backend/internal/middleware"
)

type Handlers struct {
	Lnurl       *handlers.LnurlHandler
	Withdraw    *handlers.WithdrawHandler
	Address     *handlers.AddressHandler
	Payment     *handlers.PaymentHandler
	Transaction *handlers.TransactionHandler
	WSHub       *handlers.WSHub
}

func SetupRouter(app *fiber.App, cfg *config.Config, log *zap.Logger, rdb *redis.Client, h Handlers) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware(log))
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Wallet-facing LNURL endpoints (public, rate limited)
	limit := middleware.RateLimitMiddleware(rdb, cfg.PublicRateLimitPerMin, time.Minute)
	app.Get("/.well-known/lnurlp/:address", limit, h.Lnurl.PayRequest)
	app.Get("/lnurl/callback/:address", limit, h.Lnurl.PayCallback)
	app.Get("/lnurl/withdraw/callback", limit, h.Lnurl.WithdrawCallback)

	api := app.Group("/api/v1", middleware.AuthMiddleware(cfg.JWTSecret, log))

	// Withdraw links
	api.Post("/withdraw-links", h.Withdraw.CreateLink)
	api.Get("/withdraw-links", h.Withdraw.ListLinks)
	api.Get("/withdraw-links/:id", h.Withdraw.GetLink)
	api.Post("/withdraw-links/:id/cancel", h.Withdraw.CancelLink)

	// Lightning addresses
	api.Get("/addresses/availability", h.Address.Availability)
	api.Post("/addresses", h.Address.Claim)
	api.Get("/addresses", h.Address.List)
	api.Get("/addresses/:id", h.Address.Get)
	api.Put("/addresses/:id", h.Address.Update)
	api.Delete("/addresses/:id", h.Address.Disable)

	// External payments and saved targets
	api.Post("/payments/external", h.Payment.PayExternal)
	api.Get("/payment-targets", h.Payment.ListTargets)
	api.Get("/payment-targets/:id", h.Payment.GetTarget)
	api.Put("/payment-targets/:id", h.Payment.UpdateTarget)
	api.Delete("/payment-targets/:id", h.Payment.DeleteTarget)

	// History
	api.Get("/transactions", h.Transaction.List)
	api.Get("/transactions/:id", h.Transaction.Get)
	api.Get("/transactions/:id/events", h.Transaction.GetEvents)

	// WebSocket
	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws", websocket.New(h.WSHub.HandleWS))
}
