package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lnurl-bridge/backend/internal/apperr"
	"github.com/lnurl-bridge/backend/internal/events"
	"github.com/lnurl-bridge/backend/internal/lnurl"
	"github.com/lnurl-bridge/backend/internal/mint"
	"github.com/lnurl-bridge/backend/internal/models"
	"github.com/lnurl-bridge/backend/internal/rbac"
	"github.com/lnurl-bridge/backend/internal/repositories"
)

type WithdrawOptions struct {
	DefaultExpiry time.Duration
	// ClaimTimeout is the reconciler deadline for a claim whose payment is in flight.
	ClaimTimeout time.Duration
	Currency     string
}

// WithdrawService implements LNURL-withdraw: link creation, the query step
// and the invoice callback.
type WithdrawService struct {
	life    *txLifecycle
	gateway Gateway
	groups  Groups
	rates   RateProvider
	opts    WithdrawOptions
	log     *zap.Logger
}

func NewWithdrawService(
	txs TransactionStore,
	audit AuditStore,
	publisher events.Publisher,
	gateway Gateway,
	groups Groups,
	rates RateProvider,
	opts WithdrawOptions,
	log *zap.Logger,
) *WithdrawService {
	if opts.DefaultExpiry <= 0 {
		opts.DefaultExpiry = time.Hour
	}
	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = 2 * time.Minute
	}
	return &WithdrawService{
		life:    newTxLifecycle(txs, audit, publisher, log),
		gateway: gateway,
		groups:  groups,
		rates:   rates,
		opts:    opts,
		log:     log,
	}
}

type CreateLinkInput struct {
	AmountMsats     int64
	Description     string
	ExpiryMinutes   int
	SingleUse       bool
	MaxUses         int
	MinWithdrawable *int64
	MaxWithdrawable *int64
	WalletKind      string
	GroupID         *uuid.UUID
}

type WithdrawLink struct {
	Transaction *models.LnurlTransaction `json:"transaction"`
	LNURL       string                   `json:"lnurl"`
	QRCode      string                   `json:"qr_code"`
	ExpiresAt   time.Time                `json:"expires_at"`
}

func (s *WithdrawService) CreateLink(ctx context.Context, userID uuid.UUID, in CreateLinkInput) (*WithdrawLink, error) {
	if in.AmountMsats <= 0 {
		return nil, apperr.Validation("amount must be positive")
	}
	if in.WalletKind == "" {
		in.WalletKind = models.WalletPersonal
	}
	switch in.WalletKind {
	case models.WalletPersonal:
		in.GroupID = nil
	case models.WalletGroup:
		if in.GroupID == nil {
			return nil, apperr.Validation("group_id is required for group wallets")
		}
		if err := requireGroupPerm(ctx, s.groups, *in.GroupID, userID, rbac.PermWithdrawGroupWallet); err != nil {
			return nil, err
		}
	default:
		return nil, apperr.Validation("unknown wallet kind %q", in.WalletKind)
	}

	minW := min(int64(1000), in.AmountMsats)
	if in.MinWithdrawable != nil {
		minW = *in.MinWithdrawable
	}
	maxW := in.AmountMsats
	if in.MaxWithdrawable != nil {
		maxW = *in.MaxWithdrawable
	}
	if minW <= 0 || maxW < minW {
		return nil, apperr.Validation("invalid withdrawable range %d..%d", minW, maxW)
	}
	if in.MaxUses < 0 {
		return nil, apperr.Validation("max_uses cannot be negative")
	}

	expiry := s.opts.DefaultExpiry
	if in.ExpiryMinutes > 0 {
		expiry = time.Duration(in.ExpiryMinutes) * time.Minute
	}
	description := strings.TrimSpace(in.Description)
	if description == "" {
		description = "Withdraw"
	}

	k1, err := lnurl.GenerateK1()
	if err != nil {
		return nil, fmt.Errorf("generate k1: %w", err)
	}
	point, err := s.gateway.CreateWithdrawPoint(mint.WithdrawPointRequest{
		K1:              k1,
		Description:     description,
		MinWithdrawable: minW,
		MaxWithdrawable: maxW,
	})
	if err != nil {
		return nil, fmt.Errorf("build withdraw point: %w", err)
	}

	expiresAt := s.life.now().Add(expiry)
	params := models.WithdrawParams{
		K1:                 k1,
		Callback:           point.Callback,
		LNURL:              point.LNURL,
		MinWithdrawable:    minW,
		MaxWithdrawable:    maxW,
		DefaultDescription: description,
		ExpiresAt:          expiresAt,
		SingleUse:          in.SingleUse,
		MaxUses:            in.MaxUses,
	}
	if in.SingleUse {
		params.MaxUses = 1
	}

	tx := &models.LnurlTransaction{
		Type:         models.TxTypeWithdraw,
		SubType:      models.TxSubTypeLnurlWithdraw,
		Status:       models.TxStatusPending,
		UserID:       userID,
		GroupID:      in.GroupID,
		WalletKind:   in.WalletKind,
		AmountMsats:  in.AmountMsats,
		Currency:     s.opts.Currency,
		ProtocolData: models.WithdrawData(params),
		TimeoutAt:    &expiresAt,
	}
	if s.rates != nil && s.opts.Currency != "" {
		if rate, err := s.rates.Rate(ctx, s.opts.Currency); err == nil {
			tx.AmountFiat = lnurl.MsatsToFiat(in.AmountMsats, rate)
		} else {
			s.log.Warn("fx rate unavailable", zap.Error(err))
		}
	}

	if err := s.life.txs.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("save withdraw link: %w", err)
	}
	s.life.record(ctx, tx, "withdraw.link_created", userActor(userID), map[string]any{
		"single_use": in.SingleUse,
		"expires_at": expiresAt,
	})

	s.log.Info("withdraw link created",
		zap.String("tx_id", tx.ID.String()),
		zap.String("user_id", userID.String()),
		zap.Int64("max_withdrawable", maxW),
	)
	return &WithdrawLink{Transaction: tx, LNURL: point.LNURL, QRCode: point.QRCode, ExpiresAt: expiresAt}, nil
}

// link loads the withdraw link for k1.
func (s *WithdrawService) link(ctx context.Context, k1 string) (*models.LnurlTransaction, error) {
	if !lnurl.ValidK1(k1) {
		return nil, apperr.Validation("invalid k1")
	}
	tx, err := s.life.txs.GetByK1(ctx, k1)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, apperr.NotFound("withdraw link not found")
	}
	if err != nil {
		return nil, err
	}
	if tx.ProtocolData.Withdraw == nil {
		return nil, apperr.NotFound("withdraw link not found")
	}
	return tx, nil
}

// checkActive rejects links that can no longer be claimed. An expired link
// is failed as a side effect.
func (s *WithdrawService) checkActive(ctx context.Context, tx *models.LnurlTransaction) error {
	w := tx.ProtocolData.Withdraw
	if w.SingleUse && w.ClaimedAt != nil {
		return apperr.Conflict("withdraw link already claimed")
	}
	if tx.Status != models.TxStatusPending {
		if tx.FailureReason == "expired" {
			return apperr.Expired("withdraw link expired")
		}
		return apperr.Conflict("withdraw link is no longer active")
	}
	if w.Expired(s.life.now()) {
		if err := s.life.transition(ctx, tx, models.TxStatusFailed, "expired", systemActor, nil); err != nil &&
			!errors.Is(err, repositories.ErrVersionConflict) {
			s.log.Warn("expire withdraw link", zap.String("tx_id", tx.ID.String()), zap.Error(err))
		}
		return apperr.Expired("withdraw link expired")
	}
	if w.MaxUses > 0 && w.Uses >= w.MaxUses {
		return apperr.Conflict("withdraw link has no uses left")
	}
	return nil
}

// HandleQuery is the first LNURL-withdraw step.
func (s *WithdrawService) HandleQuery(ctx context.Context, k1 string) (*lnurl.WithdrawResponse, error) {
	tx, err := s.link(ctx, k1)
	if err != nil {
		return nil, err
	}
	if err := s.checkActive(ctx, tx); err != nil {
		return nil, err
	}
	w := tx.ProtocolData.Withdraw
	return &lnurl.WithdrawResponse{
		Tag:                lnurl.TagWithdrawRequest,
		Callback:           w.Callback,
		K1:                 w.K1,
		DefaultDescription: w.DefaultDescription,
		MinWithdrawable:    w.MinWithdrawable,
		MaxWithdrawable:    w.MaxWithdrawable,
	}, nil
}

// ProcessCallback is the second LNURL-withdraw step. It always answers with
// an LNURL status envelope.
func (s *WithdrawService) ProcessCallback(ctx context.Context, k1, invoice string) lnurl.ErrorResponse {
	if err := s.claim(ctx, k1, invoice); err != nil {
		if !apperr.IsDomain(err) {
			s.log.Error("withdraw callback failed", zap.Error(err))
		}
		return lnurl.Error(apperr.Reason(err))
	}
	return lnurl.OK()
}

func (s *WithdrawService) claim(ctx context.Context, k1, invoice string) error {
	invoice = strings.TrimSpace(invoice)
	if invoice == "" {
		return apperr.Validation("pr is required")
	}

	link, err := s.link(ctx, k1)
	if err != nil {
		return err
	}
	if err := s.checkActive(ctx, link); err != nil {
		return err
	}
	w := link.ProtocolData.Withdraw

	decoded, err := s.gateway.DecodeInvoice(invoice)
	if err != nil {
		return apperr.Validation("invalid invoice")
	}
	now := s.life.now()
	if decoded.AmountMsats <= 0 {
		return apperr.Validation("invoice must carry an amount")
	}
	if !lnurl.ValidateAmount(decoded.AmountMsats, w.MinWithdrawable, w.MaxWithdrawable) {
		return apperr.Validation("amount must be between %d and %d msats", w.MinWithdrawable, w.MaxWithdrawable)
	}
	if !decoded.ExpiresAt().After(now) {
		return apperr.Validation("invoice expired")
	}

	deadline := now.Add(s.opts.ClaimTimeout)
	lightning := &models.LightningInfo{Invoice: invoice, PaymentHash: decoded.PaymentHash}

	var payTx *models.LnurlTransaction
	if w.SingleUse {
		err := s.life.transition(ctx, link, models.TxStatusProcessing, "", systemActor, func(t *models.LnurlTransaction) {
			claimed := now
			t.ProtocolData.Withdraw.ClaimedAt = &claimed
			t.ProtocolData.Withdraw.ClaimingWallet = decoded.Payee
			t.ProtocolData.Withdraw.Uses++
			t.AmountMsats = decoded.AmountMsats
			t.Lightning = lightning
			t.TimeoutAt = &deadline
		})
		if errors.Is(err, repositories.ErrVersionConflict) {
			return apperr.Conflict("withdraw link already claimed")
		}
		if err != nil {
			return err
		}
		payTx = link
	} else {
		payTx, err = s.claimReusable(ctx, link, decoded, lightning, now, deadline)
		if err != nil {
			return err
		}
	}

	return s.pay(ctx, payTx, invoice)
}

// claimReusable takes one use of a reusable link with a CAS on the parent,
// then records the claim as its own transaction.
func (s *WithdrawService) claimReusable(ctx context.Context, link *models.LnurlTransaction, decoded *mint.DecodedInvoice, lightning *models.LightningInfo, now, deadline time.Time) (*models.LnurlTransaction, error) {
	w := link.ProtocolData.Withdraw
	w.Uses++
	claimedAt := now
	w.ClaimedAt = &claimedAt
	if err := s.life.txs.Update(ctx, link); err != nil {
		if errors.Is(err, repositories.ErrVersionConflict) {
			return nil, apperr.Conflict("withdraw link is being claimed, try again")
		}
		return nil, err
	}

	linkID := link.ID
	child := &models.LnurlTransaction{
		Type:        models.TxTypeWithdraw,
		SubType:     models.TxSubTypeLnurlWithdraw,
		Status:      models.TxStatusProcessing,
		UserID:      link.UserID,
		GroupID:     link.GroupID,
		WalletKind:  link.WalletKind,
		AmountMsats: decoded.AmountMsats,
		Currency:    link.Currency,
		ProtocolData: models.WithdrawData(models.WithdrawParams{
			Callback:           w.Callback,
			MinWithdrawable:    w.MinWithdrawable,
			MaxWithdrawable:    w.MaxWithdrawable,
			DefaultDescription: w.DefaultDescription,
			ExpiresAt:          w.ExpiresAt,
			ClaimedAt:          &claimedAt,
			ClaimingWallet:     decoded.Payee,
			Uses:               1,
			LinkID:             &linkID,
		}),
		Lightning: lightning,
		Reference: "lnurl-withdraw:" + link.ID.String(),
		Metadata:  map[string]any{"link_id": link.ID.String()},
		TimeoutAt: &deadline,
	}
	if err := s.life.txs.Create(ctx, child); err != nil {
		return nil, fmt.Errorf("save withdraw claim: %w", err)
	}
	s.life.record(ctx, child, "withdraw.claimed", systemActor, map[string]any{"link_id": link.ID.String(), "use": w.Uses})
	return child, nil
}

func (s *WithdrawService) pay(ctx context.Context, tx *models.LnurlTransaction, invoice string) error {
	log := s.log.With(zap.String("tx_id", tx.ID.String()))

	payment, err := s.gateway.Pay(ctx, invoice)
	if err != nil {
		log.Warn("withdraw payment failed", zap.Error(err))
		if terr := s.life.transition(ctx, tx, models.TxStatusFailed, "payment failed: "+err.Error(), systemActor, func(t *models.LnurlTransaction) {
			if payment != nil {
				t.Lightning.OperationID = payment.OperationID
			}
		}); terr != nil {
			log.Error("record withdraw failure", zap.Error(terr))
		} else if rerr := s.life.releaseWithdrawUse(ctx, tx, systemActor); rerr != nil {
			log.Error("release withdraw link use", zap.Error(rerr))
		}
		return apperr.External(err, "payment failed")
	}

	setPayment := func(t *models.LnurlTransaction) {
		t.Lightning.OperationID = payment.OperationID
		t.Lightning.FeeMsats = payment.FeeMsats
	}

	if !strings.EqualFold(payment.Status, mint.StatusCompleted) {
		// In flight: keep PROCESSING with the handle so the reconciler can finish it.
		setPayment(tx)
		if err := s.life.txs.Update(ctx, tx); err != nil {
			log.Error("save withdraw operation", zap.Error(err))
		}
		log.Info("withdraw payment in flight", zap.String("operation_id", payment.OperationID))
		return nil
	}

	if err := s.life.transition(ctx, tx, models.TxStatusComplete, "", systemActor, setPayment); err != nil {
		log.Error("record withdraw completion", zap.Error(err))
		return nil
	}

	s.life.withdrawCompleted(ctx, tx)

	log.Info("withdraw completed", zap.Int64("amount_msats", tx.AmountMsats), zap.String("operation_id", payment.OperationID))
	return nil
}

// Cancel fails a link that has not been claimed yet.
func (s *WithdrawService) Cancel(ctx context.Context, userID, id uuid.UUID) (*models.LnurlTransaction, error) {
	tx, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if tx.ProtocolData.Withdraw.K1 == "" {
		return nil, apperr.Validation("only withdraw links can be cancelled")
	}
	if tx.Status != models.TxStatusPending {
		return nil, apperr.Conflict("only pending withdraw links can be cancelled")
	}
	err = s.life.transition(ctx, tx, models.TxStatusFailed, "cancelled", userActor(userID), nil)
	if errors.Is(err, repositories.ErrVersionConflict) {
		return nil, apperr.Conflict("withdraw link changed, try again")
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *WithdrawService) Get(ctx context.Context, userID, id uuid.UUID) (*models.LnurlTransaction, error) {
	tx, err := s.life.txs.GetByID(ctx, id)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, apperr.NotFound("withdraw link not found")
	}
	if err != nil {
		return nil, err
	}
	if tx.UserID != userID || tx.Type != models.TxTypeWithdraw || tx.ProtocolData.Withdraw == nil {
		return nil, apperr.NotFound("withdraw link not found")
	}
	return tx, nil
}

func (s *WithdrawService) List(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.LnurlTransaction, error) {
	return s.life.txs.ListWithdrawLinks(ctx, userID, limit, offset)
}

func requireGroupPerm(ctx context.Context, groups Groups, groupID, userID uuid.UUID, perm string) error {
	m, err := groups.Membership(ctx, groupID, userID)
	if err != nil {
		return apperr.External(err, "group membership check failed")
	}
	if !m.Active || !rbac.HasPermission(m.Role, perm) {
		return apperr.Forbidden("missing group permission %s", perm)
	}
	return nil
}
