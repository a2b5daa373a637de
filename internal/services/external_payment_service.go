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
	"github.com/lnurl-bridge/backend/internal/models"
	"github.com/lnurl-bridge/backend/internal/rbac"
	"github.com/lnurl-bridge/backend/internal/repositories"
)

// TargetResolver is the external side of a pay-out: metadata lookup and the
// invoice request to the target's callback.
type TargetResolver interface {
	Resolve(ctx context.Context, input string) (*ResolvedTarget, error)
	RequestInvoice(ctx context.Context, pay lnurl.PayResponse, amountMsats int64, comment, nostr string) (*lnurl.InvoiceResponse, error)
	CacheTTL() time.Duration
}

var _ TargetResolver = (*ExternalResolver)(nil)

type ExternalPaymentOptions struct {
	// PendingTimeout is the reconciler deadline before the wallet accepts the payment.
	PendingTimeout time.Duration
	// ProcessingTimeout is the reconciler deadline once the wallet is paying.
	ProcessingTimeout time.Duration
	Currency          string
}

// ExternalPaymentService pays addresses and LNURLs outside this system from a
// user's personal wallet or a group wallet.
type ExternalPaymentService struct {
	life     *txLifecycle
	targets  PaymentTargetStore
	resolver TargetResolver
	gateway  Gateway
	wallets  Wallets
	groups   Groups
	rates    RateProvider
	opts     ExternalPaymentOptions
	log      *zap.Logger
}

func NewExternalPaymentService(
	txs TransactionStore,
	audit AuditStore,
	publisher events.Publisher,
	targets PaymentTargetStore,
	resolver TargetResolver,
	gateway Gateway,
	wallets Wallets,
	groups Groups,
	rates RateProvider,
	opts ExternalPaymentOptions,
	log *zap.Logger,
) *ExternalPaymentService {
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = 5 * time.Minute
	}
	if opts.ProcessingTimeout <= 0 {
		opts.ProcessingTimeout = 2 * time.Minute
	}
	return &ExternalPaymentService{
		life:     newTxLifecycle(txs, audit, publisher, log),
		targets:  targets,
		resolver: resolver,
		gateway:  gateway,
		wallets:  wallets,
		groups:   groups,
		rates:    rates,
		opts:     opts,
		log:      log,
	}
}

type PayExternalInput struct {
	UserID       uuid.UUID
	WalletKind   string
	GroupID      *uuid.UUID
	Target       string
	AmountSats   int64
	Comment      string
	Reference    string
	ExistingTxID *uuid.UUID
	SaveTarget   bool
}

type PayExternalResult struct {
	Success bool      `json:"success"`
	TxID    uuid.UUID `json:"tx_id"`
	Status  string    `json:"status,omitempty"`
	Message string    `json:"message"`
}

// PayExternal resolves the target, fetches an invoice from its callback and
// hands payment to the owning wallet. Classified errors are returned as
// errors; anything else becomes an unsuccessful result.
func (s *ExternalPaymentService) PayExternal(ctx context.Context, in PayExternalInput) (*PayExternalResult, error) {
	res, err := s.payExternal(ctx, in)
	if err == nil {
		return res, nil
	}
	if apperr.IsDomain(err) {
		return nil, err
	}
	s.log.Error("external payment failed", zap.String("user_id", in.UserID.String()), zap.String("target", in.Target), zap.Error(err))
	out := &PayExternalResult{Success: false, Message: "payment could not be completed"}
	if res != nil {
		out.TxID = res.TxID
		out.Status = res.Status
	}
	return out, nil
}

func (s *ExternalPaymentService) payExternal(ctx context.Context, in PayExternalInput) (*PayExternalResult, error) {
	if in.AmountSats <= 0 {
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
		if err := requireGroupPerm(ctx, s.groups, *in.GroupID, in.UserID, rbac.PermWithdrawGroupWallet); err != nil {
			return nil, err
		}
	default:
		return nil, apperr.Validation("unknown wallet kind %q", in.WalletKind)
	}

	comment := strings.TrimSpace(in.Comment)
	amountMsats := lnurl.SatsToMsats(in.AmountSats)

	target, err := s.resolver.Resolve(ctx, in.Target)
	if err != nil {
		return nil, err
	}
	if err := ValidatePayment(target.PayRequest, amountMsats, comment); err != nil {
		return nil, err
	}

	inv, err := s.resolver.RequestInvoice(ctx, target.PayRequest, amountMsats, comment, "")
	if err != nil {
		return nil, err
	}
	decoded, err := s.gateway.DecodeInvoice(inv.PR)
	if err != nil {
		return nil, apperr.BadExternalResponse("callback returned an invalid invoice")
	}
	if decoded.AmountMsats != 0 && decoded.AmountMsats != amountMsats {
		return nil, apperr.BadExternalResponse("invoice amount %d does not match requested %d msats", decoded.AmountMsats, amountMsats)
	}

	var savedID *uuid.UUID
	if in.SaveTarget {
		saved := &models.ExternalPaymentTarget{
			UserID:     in.UserID,
			TargetType: target.Type,
			Address:    target.Target,
			Domain:     target.Domain,
			Metadata: &models.CachedPayMetadata{
				PayRequest: target.PayRequest,
				FetchedAt:  target.FetchedAt,
				TTLSeconds: int(s.resolver.CacheTTL() / time.Second),
			},
		}
		if err := s.targets.Upsert(ctx, saved); err != nil {
			s.log.Warn("save payment target failed", zap.String("target", target.Target), zap.Error(err))
		} else {
			savedID = &saved.ID
		}
	}

	lightning := &models.LightningInfo{Invoice: inv.PR, PaymentHash: decoded.PaymentHash}
	tx, walletTxID, err := s.prepareTx(ctx, in, target, comment, amountMsats, lightning, savedID)
	if err != nil {
		return nil, err
	}
	result := &PayExternalResult{TxID: tx.ID, Status: tx.Status}

	wres, err := s.wallets.Withdraw(ctx, WalletWithdrawRequest{
		TxID:         tx.ID,
		WalletKind:   tx.WalletKind,
		UserID:       tx.UserID,
		GroupID:      tx.GroupID,
		AmountMsats:  amountMsats,
		Invoice:      inv.PR,
		Reference:    tx.Reference,
		ExistingTxID: walletTxID,
	})
	if err != nil {
		reason := "wallet withdraw failed: " + err.Error()
		if terr := s.life.transition(ctx, tx, models.TxStatusFailed, reason, userActor(in.UserID), nil); terr != nil {
			s.log.Error("record pay-out failure", zap.String("tx_id", tx.ID.String()), zap.Error(terr))
		}
		result.Status = tx.Status
		if wres != nil {
			result.Message = wres.Message
			if result.Message == "" {
				result.Message = "wallet rejected the payment"
			}
			return result, nil
		}
		return result, apperr.External(err, "wallet service unavailable")
	}

	apply := func(t *models.LnurlTransaction) {
		t.Lightning.OperationID = wres.OperationID
		t.Lightning.FeeMsats = wres.FeeMsats
		if t.Metadata == nil {
			t.Metadata = map[string]any{}
		}
		t.Metadata["wallet_tx_id"] = wres.TxID
	}

	if wres.Status == WalletStatusComplete {
		err = s.life.transition(ctx, tx, models.TxStatusComplete, "", userActor(in.UserID), apply)
		result.Message = "payment sent"
	} else {
		deadline := s.life.now().Add(s.opts.ProcessingTimeout)
		err = s.life.transition(ctx, tx, models.TxStatusProcessing, "", userActor(in.UserID), func(t *models.LnurlTransaction) {
			apply(t)
			t.TimeoutAt = &deadline
		})
		result.Message = "payment in progress"
	}
	if err != nil {
		return result, fmt.Errorf("record pay-out: %w", err)
	}
	result.Success = true
	result.Status = tx.Status

	if savedID != nil {
		if err := s.targets.RecordUse(ctx, *savedID, amountMsats, s.life.now()); err != nil {
			s.log.Warn("payment target stats update failed", zap.Error(err))
		}
	}

	s.log.Info("external payment submitted",
		zap.String("tx_id", tx.ID.String()),
		zap.String("target", target.Target),
		zap.Int64("amount_msats", amountMsats),
		zap.String("status", tx.Status),
	)
	return result, nil
}

// prepareTx creates the PAY_OUT record, or reuses the one named by
// ExistingTxID. It returns the wallet-side id of a continued withdrawal.
func (s *ExternalPaymentService) prepareTx(ctx context.Context, in PayExternalInput, target *ResolvedTarget, comment string, amountMsats int64, lightning *models.LightningInfo, savedID *uuid.UUID) (*models.LnurlTransaction, string, error) {
	params := models.ExternalPaymentParams{
		Target:     target.Target,
		TargetType: target.Type,
		Domain:     target.Domain,
		Comment:    comment,
		Callback:   target.PayRequest.Callback,
		TargetID:   savedID,
	}
	deadline := s.life.now().Add(s.opts.PendingTimeout)

	if in.ExistingTxID != nil {
		tx, err := s.life.txs.GetByID(ctx, *in.ExistingTxID)
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, "", apperr.NotFound("transaction not found")
		}
		if err != nil {
			return nil, "", err
		}
		if tx.UserID != in.UserID || tx.Type != models.TxTypePayOut {
			return nil, "", apperr.NotFound("transaction not found")
		}
		if tx.Status != models.TxStatusPending {
			return nil, "", apperr.Conflict("transaction is already %s", tx.Status)
		}
		tx.ProtocolData = models.ExternalData(params)
		tx.AmountMsats = amountMsats
		tx.Lightning = lightning
		tx.TimeoutAt = &deadline
		if err := s.life.txs.Update(ctx, tx); err != nil {
			if errors.Is(err, repositories.ErrVersionConflict) {
				return nil, "", apperr.Conflict("transaction changed, try again")
			}
			return nil, "", err
		}
		walletTxID, _ := tx.Metadata["wallet_tx_id"].(string)
		return tx, walletTxID, nil
	}

	subType := models.TxSubTypeExternalLnurl
	if target.Type == models.TargetLightningAddress {
		subType = models.TxSubTypeExternalAddress
	}
	reference := in.Reference
	if reference == "" {
		reference = "lnurl-pay-out:" + target.Target
	}
	tx := &models.LnurlTransaction{
		Type:         models.TxTypePayOut,
		SubType:      subType,
		Status:       models.TxStatusPending,
		UserID:       in.UserID,
		GroupID:      in.GroupID,
		WalletKind:   in.WalletKind,
		AmountMsats:  amountMsats,
		Currency:     s.opts.Currency,
		ProtocolData: models.ExternalData(params),
		Lightning:    lightning,
		Reference:    reference,
		TimeoutAt:    &deadline,
	}
	if s.rates != nil && s.opts.Currency != "" {
		if rate, err := s.rates.Rate(ctx, s.opts.Currency); err == nil {
			tx.AmountFiat = lnurl.MsatsToFiat(amountMsats, rate)
		}
	}
	if err := s.life.txs.Create(ctx, tx); err != nil {
		return nil, "", fmt.Errorf("save pay-out: %w", err)
	}
	return tx, "", nil
}

// --- saved targets ---

func (s *ExternalPaymentService) ListTargets(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.ExternalPaymentTarget, error) {
	return s.targets.ListByUser(ctx, userID, limit, offset)
}

func (s *ExternalPaymentService) GetTarget(ctx context.Context, userID, id uuid.UUID) (*models.ExternalPaymentTarget, error) {
	t, err := s.targets.GetByID(ctx, id)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, apperr.NotFound("payment target not found")
	}
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, apperr.NotFound("payment target not found")
	}
	return t, nil
}

type TargetPreferencesUpdate struct {
	Nickname       *string
	IsFavorite     *bool
	DefaultComment *string
}

func (s *ExternalPaymentService) UpdateTarget(ctx context.Context, userID, id uuid.UUID, patch TargetPreferencesUpdate) (*models.ExternalPaymentTarget, error) {
	t, err := s.GetTarget(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if patch.Nickname != nil {
		t.Preferences.Nickname = strings.TrimSpace(*patch.Nickname)
	}
	if patch.IsFavorite != nil {
		t.Preferences.IsFavorite = *patch.IsFavorite
	}
	if patch.DefaultComment != nil {
		t.Preferences.DefaultComment = *patch.DefaultComment
	}
	if err := s.targets.UpdatePreferences(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *ExternalPaymentService) DeleteTarget(ctx context.Context, userID, id uuid.UUID) error {
	if _, err := s.GetTarget(ctx, userID, id); err != nil {
		return err
	}
	return s.targets.Delete(ctx, id)
}
