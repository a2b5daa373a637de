package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lnurl-bridge/backend/internal/apperr"
	"github.com/lnurl-bridge/backend/internal/events"
	"github.com/lnurl-bridge/backend/internal/lnurl"
	"github.com/lnurl-bridge/backend/internal/mint"
	"github.com/lnurl-bridge/backend/internal/models"
	"github.com/lnurl-bridge/backend/internal/repositories"
)

const PayCallbackPath = "/lnurl/callback/"

type PayInOptions struct {
	PublicBaseURL     string
	CompletionTimeout time.Duration
	InvoiceExpiry     time.Duration
	// SettleLease is how long a settler owns a processing pay-in before
	// another settler may retry the credit.
	SettleLease time.Duration
	Currency    string
}

// errSettleInProgress means another settler holds the pay-in's lease.
var errSettleInProgress = fmt.Errorf("%w: settlement in progress", repositories.ErrVersionConflict)

// PayInService receives payments to Lightning Addresses: it serves the
// LNURL-pay metadata and callback, then settles into the owner's wallet once
// the gateway reports the invoice paid.
type PayInService struct {
	life       *txLifecycle
	addresses  *AddressService
	addrs      AddressStore
	gateway    Gateway
	subscriber events.Subscriber
	wallets    Wallets
	rates      RateProvider
	opts       PayInOptions
	log        *zap.Logger
}

func NewPayInService(
	txs TransactionStore,
	audit AuditStore,
	publisher events.Publisher,
	subscriber events.Subscriber,
	addresses *AddressService,
	addrs AddressStore,
	gateway Gateway,
	wallets Wallets,
	rates RateProvider,
	opts PayInOptions,
	log *zap.Logger,
) *PayInService {
	if opts.CompletionTimeout <= 0 {
		opts.CompletionTimeout = 5 * time.Minute
	}
	if opts.InvoiceExpiry <= 0 {
		opts.InvoiceExpiry = time.Hour
	}
	if opts.SettleLease <= 0 {
		opts.SettleLease = 2 * time.Minute
	}
	return &PayInService{
		life:       newTxLifecycle(txs, audit, publisher, log),
		addresses:  addresses,
		addrs:      addrs,
		gateway:    gateway,
		subscriber: subscriber,
		wallets:    wallets,
		rates:      rates,
		opts:       opts,
		log:        log,
	}
}

func (s *PayInService) description(a *models.Address) string {
	if a.Metadata.Description != "" {
		return a.Metadata.Description
	}
	return "Pay to " + a.FullAddress()
}

func commentAllowed(a *models.Address) int {
	if !a.Settings.AllowComments {
		return 0
	}
	return a.Metadata.CommentAllowed
}

// GeneratePayResponse builds the LUD-06 payRequest for a local address.
func (s *PayInService) GeneratePayResponse(ctx context.Context, localPart string) (*lnurl.PayResponse, error) {
	resolved, err := s.addresses.ResolveLocal(ctx, localPart)
	if err != nil {
		return nil, err
	}
	a := resolved.Address

	return &lnurl.PayResponse{
		Callback:       s.opts.PublicBaseURL + PayCallbackPath + a.LocalPart,
		MinSendable:    a.Metadata.MinSendable,
		MaxSendable:    a.Metadata.MaxSendable,
		Metadata:       lnurl.FormatMetadata(s.description(a), a.FullAddress(), a.Metadata.ImageBase64),
		Tag:            lnurl.TagPayRequest,
		CommentAllowed: commentAllowed(a),
	}, nil
}

type PayCallbackParams struct {
	Comment string
	Nostr   string
}

// ProcessCallback issues an invoice for a payment to localPart and starts
// watching the gateway for its settlement.
func (s *PayInService) ProcessCallback(ctx context.Context, localPart string, amountMsats int64, params PayCallbackParams) (*lnurl.InvoiceResponse, error) {
	resolved, err := s.addresses.ResolveLocal(ctx, localPart)
	if err != nil {
		return nil, err
	}
	a := resolved.Address

	if !lnurl.ValidateAmount(amountMsats, a.Metadata.MinSendable, a.Metadata.MaxSendable) {
		return nil, apperr.Validation("amount must be between %d and %d msats", a.Metadata.MinSendable, a.Metadata.MaxSendable)
	}
	comment := strings.TrimSpace(params.Comment)
	if limit := commentAllowed(a); len([]rune(comment)) > limit {
		return nil, apperr.Validation("comment longer than %d characters", limit)
	}

	description := s.description(a)
	if comment != "" {
		description += ": " + comment
	}

	invoice, err := s.gateway.CreateInvoice(ctx, mint.InvoiceRequest{
		AmountMsats:   amountMsats,
		Description:   description,
		ExpirySeconds: int(s.opts.InvoiceExpiry / time.Second),
	})
	if err != nil {
		return nil, apperr.External(err, "could not create invoice")
	}

	now := s.life.now()
	deadline := now.Add(s.opts.CompletionTimeout)
	tx := &models.LnurlTransaction{
		Type:        models.TxTypePayIn,
		SubType:     models.TxSubTypeLightningAddress,
		Status:      models.TxStatusPending,
		UserID:      resolved.UserID,
		GroupID:     resolved.GroupID,
		WalletKind:  resolved.WalletKind,
		AmountMsats: amountMsats,
		Currency:    s.opts.Currency,
		ProtocolData: models.AddressData(models.AddressPaymentParams{
			AddressID: a.ID,
			Address:   a.FullAddress(),
			Comment:   comment,
			Nostr:     params.Nostr,
		}),
		Lightning: &models.LightningInfo{Invoice: invoice.Invoice, OperationID: invoice.OperationID},
		Reference: "lnurl-pay:" + invoice.OperationID,
		Metadata:  map[string]any{"notify": a.Settings.NotifyOnPayment},
		TimeoutAt: &deadline,
	}
	if resolved.MemberID != nil {
		tx.Metadata["member_id"] = resolved.MemberID.String()
	}
	if decoded, err := s.gateway.DecodeInvoice(invoice.Invoice); err == nil {
		tx.Lightning.PaymentHash = decoded.PaymentHash
	}
	tx.AmountFiat = s.fiat(ctx, amountMsats)

	if err := s.life.txs.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("save pay-in: %w", err)
	}

	s.watch(tx.ID, invoice.OperationID)

	s.log.Info("pay-in invoice issued",
		zap.String("tx_id", tx.ID.String()),
		zap.String("address", a.FullAddress()),
		zap.Int64("amount_msats", amountMsats),
		zap.String("operation_id", invoice.OperationID),
	)

	return &lnurl.InvoiceResponse{
		PR:            invoice.Invoice,
		Routes:        []any{},
		SuccessAction: lnurl.MessageAction(successMessage(a, amountMsats, comment)),
	}, nil
}

func (s *PayInService) fiat(ctx context.Context, amountMsats int64) decimal.Decimal {
	if s.rates == nil || s.opts.Currency == "" {
		return decimal.Zero
	}
	rate, err := s.rates.Rate(ctx, s.opts.Currency)
	if err != nil {
		s.log.Warn("fx rate unavailable", zap.String("currency", s.opts.Currency), zap.Error(err))
		return decimal.Zero
	}
	return lnurl.MsatsToFiat(amountMsats, rate)
}

// successMessage renders the owner's custom message. Supported placeholders:
// {address}, {amount_sats}, {comment}.
func successMessage(a *models.Address, amountMsats int64, comment string) string {
	tmpl := a.Settings.CustomSuccessMessage
	if tmpl == "" {
		return "Payment received by " + a.FullAddress()
	}
	return strings.NewReplacer(
		"{address}", a.FullAddress(),
		"{amount_sats}", strconv.FormatInt(lnurl.MsatsToSats(amountMsats), 10),
		"{comment}", comment,
	).Replace(tmpl)
}

// watch listens for the await loop's result until the completion timeout.
// No event by then fails the pay-in.
func (s *PayInService) watch(txID uuid.UUID, operationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.CompletionTimeout)
	log := s.log.With(zap.String("tx_id", txID.String()), zap.String("operation_id", operationID))

	var once sync.Once
	finish := func(fn func(context.Context)) {
		once.Do(func() {
			cancel()
			opCtx, opCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer opCancel()
			fn(opCtx)
		})
	}

	handler := func(ev events.Event) {
		switch ev.Type {
		case events.EventInvoicePaid:
			go finish(func(c context.Context) {
				if err := s.Settle(c, txID); err != nil && !errors.Is(err, repositories.ErrVersionConflict) {
					log.Error("pay-in settlement failed", zap.Error(err))
				}
			})
		case events.EventInvoiceFailed:
			reason, _ := ev.Payload["reason"].(string)
			go finish(func(c context.Context) {
				s.Fail(c, txID, "invoice failed: "+reason)
			})
		}
	}

	if err := s.subscriber.Subscribe(ctx, events.InvoiceStream(operationID), handler); err != nil {
		log.Warn("invoice subscription failed; leaving pay-in to the reconciler", zap.Error(err))
		cancel()
		return
	}
	s.gateway.AwaitInvoice(ctx, operationID)

	go func() {
		<-ctx.Done()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			finish(func(c context.Context) {
				s.Fail(c, txID, "payment not received in time")
			})
		}
	}()
}

// Settle credits a paid pay-in to its owner. Only the caller that wins the
// settlement lease by CAS deposits; a concurrent caller gets an error wrapping
// repositories.ErrVersionConflict. A completed pay-in is left alone, and
// wallet deposits are keyed by transaction id. A failed credit parks the
// transaction in manual review.
func (s *PayInService) Settle(ctx context.Context, txID uuid.UUID) error {
	tx, err := s.life.txs.GetByID(ctx, txID)
	if err != nil {
		return fmt.Errorf("load pay-in: %w", err)
	}
	if tx.Type != models.TxTypePayIn {
		return apperr.Validation("transaction %s is not a pay-in", tx.ID)
	}
	if models.IsTerminalTxStatus(tx.Status) {
		return nil
	}
	if err := s.acquireSettleLease(ctx, tx); err != nil {
		return err
	}

	req := DepositRequest{
		TxID:        tx.ID,
		WalletKind:  tx.WalletKind,
		UserID:      tx.UserID,
		GroupID:     tx.GroupID,
		AmountMsats: tx.AmountMsats,
		AmountFiat:  tx.AmountFiat,
		Currency:    tx.Currency,
		OperationID: tx.OperationID(),
		Reference:   tx.Reference,
	}
	if raw, ok := tx.Metadata["member_id"].(string); ok {
		if id, err := uuid.Parse(raw); err == nil {
			req.MemberID = &id
		}
	}

	res, err := s.wallets.Deposit(ctx, req)
	if err != nil {
		s.log.Error("wallet credit failed", zap.String("tx_id", tx.ID.String()), zap.Error(err))
		if terr := s.life.transition(ctx, tx, models.TxStatusManualReview, "wallet credit failed: "+err.Error(), systemActor, nil); terr != nil {
			return terr
		}
		return apperr.External(err, "wallet credit failed")
	}

	if err := s.life.transition(ctx, tx, models.TxStatusComplete, "", systemActor, func(t *models.LnurlTransaction) {
		if t.Metadata == nil {
			t.Metadata = map[string]any{}
		}
		t.Metadata["wallet_tx_id"] = res.TxID
	}); err != nil {
		return err
	}

	params := tx.ProtocolData.Address
	if err := s.addrs.RecordPayment(ctx, params.AddressID, tx.AmountMsats, *tx.CompletedAt); err != nil {
		s.log.Warn("address stats update failed", zap.String("address_id", params.AddressID.String()), zap.Error(err))
	}

	if notify, _ := tx.Metadata["notify"].(bool); notify {
		payload := map[string]any{
			"tx_id":        tx.ID.String(),
			"user_id":      tx.UserID.String(),
			"address":      params.Address,
			"amount_msats": tx.AmountMsats,
			"amount_fiat":  tx.AmountFiat.StringFixed(2),
			"currency":     tx.Currency,
			"comment":      params.Comment,
		}
		if tx.GroupID != nil {
			payload["group_id"] = tx.GroupID.String()
		}
		if params.Nostr != "" {
			payload["nostr"] = params.Nostr
		}
		s.life.publish(ctx, events.StreamNotify, events.Event{Type: events.EventPaymentReceived, Payload: payload})
	}

	s.log.Info("pay-in settled",
		zap.String("tx_id", tx.ID.String()),
		zap.String("address", params.Address),
		zap.Int64("amount_msats", tx.AmountMsats),
	)
	return nil
}

// acquireSettleLease moves a pending pay-in to processing, or takes over a
// processing one whose lease ran out. Either write bumps settle_attempt and
// the deadline, so of two racing settlers only one passes the CAS.
func (s *PayInService) acquireSettleLease(ctx context.Context, tx *models.LnurlTransaction) error {
	now := s.life.now()
	lease := now.Add(s.opts.SettleLease)
	take := func(t *models.LnurlTransaction) {
		if t.Metadata == nil {
			t.Metadata = map[string]any{}
		}
		t.Metadata["settle_attempt"] = settleAttempt(t) + 1
		t.TimeoutAt = &lease
	}

	if tx.Status == models.TxStatusPending {
		return s.life.transition(ctx, tx, models.TxStatusProcessing, "", systemActor, take)
	}

	if tx.TimeoutAt != nil && now.Before(*tx.TimeoutAt) {
		return fmt.Errorf("pay-in %s: %w", tx.ID, errSettleInProgress)
	}
	take(tx)
	if err := s.life.txs.Update(ctx, tx); err != nil {
		return err
	}
	s.life.record(ctx, tx, "tx.settle_retry", systemActor, map[string]any{"settle_attempt": tx.Metadata["settle_attempt"]})
	return nil
}

// settleAttempt reads the counter whether it came back from JSON or not.
func settleAttempt(tx *models.LnurlTransaction) int {
	switch v := tx.Metadata["settle_attempt"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// Fail marks a still-pending pay-in as failed. Pay-ins already being settled
// are left to the settlement path.
func (s *PayInService) Fail(ctx context.Context, txID uuid.UUID, reason string) {
	tx, err := s.life.txs.GetByID(ctx, txID)
	if err != nil {
		s.log.Warn("load pay-in failed", zap.String("tx_id", txID.String()), zap.Error(err))
		return
	}
	if tx.Status != models.TxStatusPending {
		return
	}
	if err := s.life.transition(ctx, tx, models.TxStatusFailed, reason, systemActor, nil); err != nil {
		if errors.Is(err, repositories.ErrVersionConflict) {
			return
		}
		s.log.Warn("fail pay-in", zap.String("tx_id", txID.String()), zap.Error(err))
		return
	}
	s.log.Info("pay-in failed", zap.String("tx_id", txID.String()), zap.String("reason", reason))
}
