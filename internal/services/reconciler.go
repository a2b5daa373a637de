package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lnurl-bridge/backend/internal/events"
	"github.com/lnurl-bridge/backend/internal/mint"
	"github.com/lnurl-bridge/backend/internal/models"
	"github.com/lnurl-bridge/backend/internal/repositories"
)

const maxRetryWindow = time.Hour

// Settler finishes a pay-in the gateway reports paid.
type Settler interface {
	Settle(ctx context.Context, txID uuid.UUID) error
}

type ReconcilerOptions struct {
	Interval         time.Duration
	MaxRetries       int
	PendingWindow    time.Duration
	ProcessingWindow time.Duration
	BatchSize        int
}

// SweepStats counts what one pass did, per outcome.
type SweepStats struct {
	Scanned   int
	Completed int
	Failed    int
	Extended  int
	Review    int
	Skipped   int
	Errors    int
}

func (s *SweepStats) add(o SweepStats) {
	s.Scanned += o.Scanned
	s.Completed += o.Completed
	s.Failed += o.Failed
	s.Extended += o.Extended
	s.Review += o.Review
	s.Skipped += o.Skipped
	s.Errors += o.Errors
}

// Reconciler resolves transactions stuck in pending or processing past their
// deadline by asking the gateway what actually happened.
type Reconciler struct {
	life    *txLifecycle
	gateway Gateway
	settler Settler
	opts    ReconcilerOptions
	log     *zap.Logger
}

func NewReconciler(txs TransactionStore, audit AuditStore, publisher events.Publisher, gateway Gateway, settler Settler, opts ReconcilerOptions, log *zap.Logger) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.PendingWindow <= 0 {
		opts.PendingWindow = 5 * time.Minute
	}
	if opts.ProcessingWindow <= 0 {
		opts.ProcessingWindow = 2 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Reconciler{
		life:    newTxLifecycle(txs, audit, publisher, log),
		gateway: gateway,
		settler: settler,
		opts:    opts,
		log:     log,
	}
}

// Run sweeps until ctx is cancelled. The next pass is scheduled only after
// the previous one returns, so passes never overlap.
func (r *Reconciler) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			start := time.Now()
			stats, err := r.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				r.log.Error("reconcile pass failed", zap.Error(err))
			}
			if stats.Scanned > 0 {
				r.log.Info("reconcile pass",
					zap.Int("scanned", stats.Scanned),
					zap.Int("completed", stats.Completed),
					zap.Int("failed", stats.Failed),
					zap.Int("extended", stats.Extended),
					zap.Int("manual_review", stats.Review),
					zap.Int("skipped", stats.Skipped),
					zap.Int("errors", stats.Errors),
					zap.Duration("took", time.Since(start)),
				)
			}
			timer.Reset(r.opts.Interval)
		}
	}
}

// RunOnce sweeps every wallet kind in parallel.
func (r *Reconciler) RunOnce(ctx context.Context) (SweepStats, error) {
	kinds := []string{models.WalletPersonal, models.WalletGroup}
	results := make([]SweepStats, len(kinds))

	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range kinds {
		g.Go(func() error {
			stats, err := r.sweep(gctx, kind)
			results[i] = stats
			return err
		})
	}
	err := g.Wait()

	var total SweepStats
	for _, s := range results {
		total.add(s)
	}
	return total, err
}

func (r *Reconciler) sweep(ctx context.Context, walletKind string) (SweepStats, error) {
	var stats SweepStats
	stuck, err := r.life.txs.ListStuck(ctx, walletKind, r.life.now(), r.opts.BatchSize)
	if err != nil {
		return stats, err
	}

	for i := range stuck {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		tx := &stuck[i]
		stats.Scanned++

		outcome, err := r.reconcile(ctx, tx)
		switch {
		case errors.Is(err, repositories.ErrVersionConflict):
			r.log.Debug("transaction changed during reconcile, skipping", zap.String("tx_id", tx.ID.String()))
			stats.Skipped++
		case err != nil:
			r.log.Error("reconcile transaction failed", zap.String("tx_id", tx.ID.String()), zap.Error(err))
			stats.Errors++
		default:
			switch outcome {
			case models.TxStatusComplete:
				stats.Completed++
			case models.TxStatusFailed:
				stats.Failed++
			case models.TxStatusManualReview:
				stats.Review++
			case "extended":
				stats.Extended++
			}
		}
	}
	return stats, nil
}

// reconcile applies the timeout state machine to one transaction and returns
// the resulting status, or "extended" after a retry extension.
func (r *Reconciler) reconcile(ctx context.Context, tx *models.LnurlTransaction) (string, error) {
	log := r.log.With(zap.String("tx_id", tx.ID.String()), zap.String("type", tx.Type), zap.String("status", tx.Status))

	operationID := tx.OperationID()
	if operationID == "" {
		return r.expire(ctx, tx, log)
	}

	status, err := r.gateway.OperationStatus(ctx, operationID)
	if err != nil {
		log.Warn("gateway status lookup failed", zap.String("operation_id", operationID), zap.Error(err))
		status = mint.StatusUnknown
	}

	switch status {
	case mint.StatusCompleted:
		if tx.Type == models.TxTypePayIn && r.settler != nil {
			if err := r.settler.Settle(ctx, tx.ID); err != nil {
				return "", err
			}
			log.Info("pay-in settled by reconciler")
			return models.TxStatusComplete, nil
		}
		if err := r.life.transition(ctx, tx, models.TxStatusComplete, "", reconcilerActor, nil); err != nil {
			return "", err
		}
		if tx.Type == models.TxTypeWithdraw {
			r.life.withdrawCompleted(ctx, tx)
		}
		log.Info("transaction completed by reconciler")
		return models.TxStatusComplete, nil

	case mint.StatusFailed:
		if err := r.life.transition(ctx, tx, models.TxStatusFailed, "gateway reported failure", reconcilerActor, nil); err != nil {
			return "", err
		}
		if tx.Type == models.TxTypeWithdraw {
			if err := r.life.releaseWithdrawUse(ctx, tx, reconcilerActor); err != nil {
				log.Warn("release withdraw link use", zap.Error(err))
			}
		}
		log.Info("transaction failed by reconciler")
		return models.TxStatusFailed, nil

	case mint.StatusPending, mint.StatusProcessing:
		if tx.RetryCount >= r.opts.MaxRetries {
			if err := r.life.transition(ctx, tx, models.TxStatusFailed, "retries exhausted", reconcilerActor, nil); err != nil {
				return "", err
			}
			log.Info("transaction failed after retries", zap.Int("retries", tx.RetryCount))
			return models.TxStatusFailed, nil
		}
		return r.extend(ctx, tx, log)

	default:
		if err := r.life.transition(ctx, tx, models.TxStatusManualReview, "gateway status unknown", reconcilerActor, nil); err != nil {
			return "", err
		}
		log.Warn("transaction sent to manual review", zap.String("operation_id", operationID))
		return models.TxStatusManualReview, nil
	}
}

// extend keeps the status and pushes the deadline out by the retry window.
func (r *Reconciler) extend(ctx context.Context, tx *models.LnurlTransaction, log *zap.Logger) (string, error) {
	window := r.retryWindow(tx.Status, tx.RetryCount)
	deadline := r.life.now().Add(window)
	tx.RetryCount++
	tx.TimeoutAt = &deadline

	if err := r.life.txs.Update(ctx, tx); err != nil {
		return "", err
	}
	r.life.record(ctx, tx, "tx.retry", reconcilerActor, map[string]any{
		"retry_count": tx.RetryCount,
		"timeout_at":  deadline,
	})
	log.Info("transaction deadline extended", zap.Int("retry_count", tx.RetryCount), zap.Duration("window", window))
	return "extended", nil
}

// retryWindow is the status window doubled per retry already taken, capped at an hour.
func (r *Reconciler) retryWindow(status string, retries int) time.Duration {
	window := r.opts.PendingWindow
	if status == models.TxStatusProcessing {
		window = r.opts.ProcessingWindow
	}
	for i := 0; i < retries && window < maxRetryWindow; i++ {
		window *= 2
	}
	return min(window, maxRetryWindow)
}

// expire handles records past their deadline that never got a gateway handle.
// A reusable withdraw link that paid out at least once completes instead of failing.
// A processing record without a handle may have paid; an operator decides.
func (r *Reconciler) expire(ctx context.Context, tx *models.LnurlTransaction, log *zap.Logger) (string, error) {
	if tx.Status == models.TxStatusProcessing {
		if err := r.life.transition(ctx, tx, models.TxStatusManualReview, "processing without gateway handle", reconcilerActor, nil); err != nil {
			return "", err
		}
		log.Warn("transaction sent to manual review")
		return models.TxStatusManualReview, nil
	}
	if w := tx.ProtocolData.Withdraw; w != nil && w.K1 != "" && !w.SingleUse && w.Uses > 0 {
		if err := r.life.transition(ctx, tx, models.TxStatusComplete, "", reconcilerActor, nil); err != nil {
			return "", err
		}
		log.Info("reusable withdraw link closed", zap.Int("uses", w.Uses))
		return models.TxStatusComplete, nil
	}

	if err := r.life.transition(ctx, tx, models.TxStatusFailed, "expired", reconcilerActor, nil); err != nil {
		return "", err
	}
	log.Info("transaction expired")
	return models.TxStatusFailed, nil
}
