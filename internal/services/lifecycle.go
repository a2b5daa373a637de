package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lnurl-bridge/backend/internal/apperr"
	"github.com/lnurl-bridge/backend/internal/events"
	"github.com/lnurl-bridge/backend/internal/models"
	"github.com/lnurl-bridge/backend/internal/repositories"
)

const maxReleaseAttempts = 5

type actor struct {
	kind string
	id   *uuid.UUID
}

var (
	systemActor     = actor{kind: models.ActorSystem}
	reconcilerActor = actor{kind: models.ActorReconciler}
)

func userActor(id uuid.UUID) actor {
	return actor{kind: models.ActorUser, id: &id}
}

// txLifecycle applies status transitions to transactions with the version
// CAS, then records them in the audit trail and on events:lnurl. Every flow
// and the reconciler share it.
type txLifecycle struct {
	txs       TransactionStore
	audit     AuditStore
	publisher events.Publisher
	log       *zap.Logger
	now       func() time.Time
}

func newTxLifecycle(txs TransactionStore, audit AuditStore, publisher events.Publisher, log *zap.Logger) *txLifecycle {
	return &txLifecycle{txs: txs, audit: audit, publisher: publisher, log: log, now: time.Now}
}

// transition moves tx to status, applying mutate to the record before the
// write. Terminal statuses clear the deadline. On error tx must be reloaded
// before reuse; a lost CAS returns repositories.ErrVersionConflict.
func (l *txLifecycle) transition(ctx context.Context, tx *models.LnurlTransaction, status, reason string, by actor, mutate func(*models.LnurlTransaction)) error {
	if !models.IsValidTxTransition(tx.Status, status) {
		return apperr.Conflict("transaction cannot move from %s to %s", tx.Status, status)
	}

	oldStatus := tx.Status
	tx.Status = status
	if mutate != nil {
		mutate(tx)
	}
	if models.IsTerminalTxStatus(status) {
		tx.TimeoutAt = nil
	}
	switch status {
	case models.TxStatusComplete:
		now := l.now()
		tx.CompletedAt = &now
	case models.TxStatusFailed, models.TxStatusManualReview:
		if reason != "" {
			tx.FailureReason = reason
		}
	}

	if err := l.txs.Update(ctx, tx); err != nil {
		return err
	}

	l.record(ctx, tx, fmt.Sprintf("tx.%s->%s", oldStatus, status), by, map[string]any{
		"old_status": oldStatus,
		"new_status": status,
		"reason":     reason,
	})

	payload := map[string]any{
		"tx_id":        tx.ID.String(),
		"user_id":      tx.UserID.String(),
		"type":         tx.Type,
		"wallet_kind":  tx.WalletKind,
		"old_status":   oldStatus,
		"new_status":   status,
		"amount_msats": tx.AmountMsats,
	}
	if tx.GroupID != nil {
		payload["group_id"] = tx.GroupID.String()
	}
	if reason != "" {
		payload["reason"] = reason
	}
	_ = l.publisher.Publish(ctx, events.StreamLnurl, events.Event{Type: events.EventTxStatusChanged, Payload: payload})

	return nil
}

// record writes an audit entry. Failures are logged and swallowed.
func (l *txLifecycle) record(ctx context.Context, tx *models.LnurlTransaction, action string, by actor, meta map[string]any) {
	err := l.audit.Log(ctx, models.AuditLog{
		ActorUserID: by.id,
		ActorType:   by.kind,
		Action:      action,
		EntityType:  models.AuditEntityTransaction,
		EntityID:    &tx.ID,
		Meta:        meta,
	})
	if err != nil {
		l.log.Warn("audit log failed", zap.String("tx_id", tx.ID.String()), zap.String("action", action), zap.Error(err))
	}
}

func (l *txLifecycle) publish(ctx context.Context, stream string, event events.Event) {
	_ = l.publisher.Publish(ctx, stream, event)
}

// withdrawCompleted publishes the debit signal for a paid-out withdrawal.
// Claims against a reusable link name the parent link.
func (l *txLifecycle) withdrawCompleted(ctx context.Context, tx *models.LnurlTransaction) {
	linkID := tx.ID
	if w := tx.ProtocolData.Withdraw; w != nil && w.LinkID != nil {
		linkID = *w.LinkID
	}
	payload := map[string]any{
		"tx_id":        tx.ID.String(),
		"link_id":      linkID.String(),
		"user_id":      tx.UserID.String(),
		"wallet_kind":  tx.WalletKind,
		"amount_msats": tx.AmountMsats,
	}
	if ln := tx.Lightning; ln != nil {
		payload["fee_msats"] = ln.FeeMsats
		payload["operation_id"] = ln.OperationID
	}
	if tx.GroupID != nil {
		payload["group_id"] = tx.GroupID.String()
	}
	l.publish(ctx, events.StreamLnurl, events.Event{Type: events.EventWithdrawCompleted, Payload: payload})
}

// releaseWithdrawUse returns the use a failed claim took from its reusable
// link. Single-use links and closed links are left alone.
func (l *txLifecycle) releaseWithdrawUse(ctx context.Context, claim *models.LnurlTransaction, by actor) error {
	w := claim.ProtocolData.Withdraw
	if w == nil || w.LinkID == nil {
		return nil
	}

	for range maxReleaseAttempts {
		link, err := l.txs.GetByID(ctx, *w.LinkID)
		if err != nil {
			return fmt.Errorf("load withdraw link: %w", err)
		}
		lw := link.ProtocolData.Withdraw
		if lw == nil || lw.Uses == 0 || models.IsTerminalTxStatus(link.Status) {
			return nil
		}
		lw.Uses--
		if lw.Uses == 0 {
			lw.ClaimedAt = nil
		}

		err = l.txs.Update(ctx, link)
		if errors.Is(err, repositories.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return err
		}
		l.record(ctx, link, "withdraw.use_released", by, map[string]any{"claim_id": claim.ID.String(), "uses": lw.Uses})
		return nil
	}
	return fmt.Errorf("release withdraw use: %w", repositories.ErrVersionConflict)
}
