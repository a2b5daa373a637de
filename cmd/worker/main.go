// Command worker runs the transaction reconciler: it re-checks stuck pay-ins,
// withdrawals and external payments against the mint gateway.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/lnurl-bridge/backend/internal/config"
	"github.com/lnurl-bridge/backend/internal/db"
	"github.com/lnurl-bridge/backend/internal/events"
	"github.com/lnurl-bridge/backend/internal/mint"
	"github.com/lnurl-bridge/backend/internal/repositories"
	"github.com/lnurl-bridge/backend/internal/services"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: cfg.PostgresMaxConns}, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repos
	txRepo := repositories.NewTransactionRepo(pool)
	addressRepo := repositories.NewAddressRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)

	// Services
	publisher := events.NewRedisPublisher(rdb, log)
	subscriber := events.NewRedisSubscriber(rdb, log)
	gateway := mint.NewClient(mint.Options{
		BaseURL:       cfg.MintGatewayURL,
		Token:         cfg.MintGatewayToken,
		FederationID:  cfg.MintFederationID,
		GatewayID:     cfg.MintGatewayID,
		PublicBaseURL: cfg.PublicBaseURL,
	}, publisher, log)
	groups := services.NewGroupClient(cfg.GroupServiceURL)
	rates := services.NewRatesClient(cfg.RatesServiceURL, rdb, log)

	// Pay-ins the gateway reports completed are settled through the same
	// routine the API uses.
	addressService := services.NewAddressService(addressRepo, groups, auditRepo, cfg.Domain, services.AddressDefaults{
		MinSendable:    cfg.AddressMinSendableMsats,
		MaxSendable:    cfg.AddressMaxSendableMsats,
		CommentAllowed: cfg.AddressCommentAllowed,
	}, log)
	settler := services.NewPayInService(txRepo, auditRepo, publisher, subscriber, addressService, addressRepo, gateway,
		services.NewWalletClient(cfg.WalletServiceURL, log), rates, services.PayInOptions{
			PublicBaseURL:     cfg.PublicBaseURL,
			CompletionTimeout: cfg.PayInCompletionTimeout,
			InvoiceExpiry:     cfg.InvoiceExpiry,
			SettleLease:       cfg.ReconcileProcessingWindow,
			Currency:          cfg.DefaultCurrency,
		}, log)

	reconciler := services.NewReconciler(txRepo, auditRepo, publisher, gateway, settler, services.ReconcilerOptions{
		Interval:         cfg.ReconcileInterval,
		MaxRetries:       cfg.ReconcileMaxRetries,
		PendingWindow:    cfg.ReconcilePendingWindow,
		ProcessingWindow: cfg.ReconcileProcessingWindow,
		BatchSize:        cfg.ReconcileBatchSize,
	}, log)

	log.Info("worker started", zap.Duration("interval", cfg.ReconcileInterval))
	reconciler.Run(ctx)
	log.Info("shutting down worker")
}
