package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/lnurl-bridge/backend/internal/config"
	"github.com/lnurl-bridge/backend/internal/db"
	"github.com/lnurl-bridge/backend/internal/events"
	apphttp "github.com/lnurl-bridge/backend/internal/http"
	"github.com/lnurl-bridge/backend/internal/http/handlers"
	"github.com/lnurl-bridge/backend/internal/mint"
	"github.com/lnurl-bridge/backend/internal/repositories"
	"github.com/lnurl-bridge/backend/internal/services"
	"github.com/lnurl-bridge/backend/migrations"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: cfg.PostgresMaxConns}, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	// Run migrations
	if err := db.RunMigrations(ctx, pool, migrations.FS, log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repositories
	txRepo := repositories.NewTransactionRepo(pool)
	addressRepo := repositories.NewAddressRepo(pool)
	targetRepo := repositories.NewPaymentTargetRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)

	// Events
	publisher := events.NewRedisPublisher(rdb, log)
	subscriber := events.NewRedisSubscriber(rdb, log)

	// Collaborators
	gateway := mint.NewClient(mint.Options{
		BaseURL:       cfg.MintGatewayURL,
		Token:         cfg.MintGatewayToken,
		FederationID:  cfg.MintFederationID,
		GatewayID:     cfg.MintGatewayID,
		PublicBaseURL: cfg.PublicBaseURL,
	}, publisher, log)
	wallets := services.NewWalletClient(cfg.WalletServiceURL, log)
	groups := services.NewGroupClient(cfg.GroupServiceURL)
	rates := services.NewRatesClient(cfg.RatesServiceURL, rdb, log)

	// Services
	addressService := services.NewAddressService(addressRepo, groups, auditRepo, cfg.Domain, services.AddressDefaults{
		MinSendable:    cfg.AddressMinSendableMsats,
		MaxSendable:    cfg.AddressMaxSendableMsats,
		CommentAllowed: cfg.AddressCommentAllowed,
	}, log)
	payInService := services.NewPayInService(txRepo, auditRepo, publisher, subscriber, addressService, addressRepo, gateway, wallets, rates, services.PayInOptions{
		PublicBaseURL:     cfg.PublicBaseURL,
		CompletionTimeout: cfg.PayInCompletionTimeout,
		InvoiceExpiry:     cfg.InvoiceExpiry,
		SettleLease:       cfg.ReconcileProcessingWindow,
		Currency:          cfg.DefaultCurrency,
	}, log)
	withdrawService := services.NewWithdrawService(txRepo, auditRepo, publisher, gateway, groups, rates, services.WithdrawOptions{
		DefaultExpiry: cfg.WithdrawDefaultExpiry,
		ClaimTimeout:  cfg.ReconcileProcessingWindow,
		Currency:      cfg.DefaultCurrency,
	}, log)
	resolver := services.NewExternalResolver(rdb, services.ExternalResolverOptions{
		Timeout:          cfg.ExternalFetchTimeout,
		MaxResponseBytes: cfg.ExternalMaxResponseBytes,
		CacheTTL:         cfg.ExternalCacheTTL,
		UserAgent:        cfg.ExternalUserAgent,
	}, log)
	paymentService := services.NewExternalPaymentService(txRepo, auditRepo, publisher, targetRepo, resolver, gateway, wallets, groups, rates, services.ExternalPaymentOptions{
		PendingTimeout:    cfg.ReconcilePendingWindow,
		ProcessingTimeout: cfg.ReconcileProcessingWindow,
		Currency:          cfg.DefaultCurrency,
	}, log)
	historyService := services.NewHistoryService(txRepo, auditRepo, groups)

	// Handlers
	wsHub := handlers.NewWSHub(cfg.JWTSecret, subscriber, log)
	h := apphttp.Handlers{
		Lnurl:       handlers.NewLnurlHandler(payInService, withdrawService, log),
		Withdraw:    handlers.NewWithdrawHandler(withdrawService, log),
		Address:     handlers.NewAddressHandler(addressService, log),
		Payment:     handlers.NewPaymentHandler(paymentService, log),
		Transaction: handlers.NewTransactionHandler(historyService, log),
		WSHub:       wsHub,
	}

	// Start WS hub
	if err := wsHub.Start(ctx); err != nil {
		log.Fatal("failed to start ws hub", zap.Error(err))
	}

	// Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, h)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr), zap.String("domain", cfg.Domain))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
