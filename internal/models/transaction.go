package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction types
const (
	TxTypePayIn    = "pay_in"
	TxTypePayOut   = "pay_out"
	TxTypeWithdraw = "withdraw"
)

// Transaction sub types
const (
	TxSubTypeLightningAddress = "lightning_address"
	TxSubTypeLnurlWithdraw    = "lnurl_withdraw"
	TxSubTypeExternalAddress  = "external_address"
	TxSubTypeExternalLnurl    = "external_lnurl"
)

// Transaction statuses
const (
	TxStatusPending      = "pending"
	TxStatusProcessing   = "processing"
	TxStatusComplete     = "complete"
	TxStatusFailed       = "failed"
	TxStatusManualReview = "manual_review"
)

// Wallet kinds
const (
	WalletPersonal = "personal"
	WalletGroup    = "group"
)

// Valid state transitions: from -> []to.
// Retry extension keeps the status and is not a transition.
var ValidTxTransitions = map[string][]string{
	TxStatusPending:      {TxStatusProcessing, TxStatusComplete, TxStatusFailed, TxStatusManualReview},
	TxStatusProcessing:   {TxStatusComplete, TxStatusFailed, TxStatusManualReview},
	TxStatusComplete:     {},
	TxStatusFailed:       {},
	TxStatusManualReview: {},
}

func IsValidTxTransition(from, to string) bool {
	allowed, ok := ValidTxTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

func IsTerminalTxStatus(status string) bool {
	allowed, ok := ValidTxTransitions[status]
	return ok && len(allowed) == 0
}

// Protocol data kinds
const (
	ProtocolWithdraw         = "withdraw"
	ProtocolLightningAddress = "lightning_address"
	ProtocolExternal         = "external"
)

var ErrInvalidProtocolData = errors.New("protocol data must hold exactly one variant matching its kind")

// ProtocolData holds exactly one of the variants, named by Kind.
type ProtocolData struct {
	Kind     string                 `json:"kind"`
	Withdraw *WithdrawParams        `json:"withdraw,omitempty"`
	Address  *AddressPaymentParams  `json:"address,omitempty"`
	External *ExternalPaymentParams `json:"external,omitempty"`
}

func (p ProtocolData) Validate() error {
	set := 0
	var kind string
	if p.Withdraw != nil {
		set++
		kind = ProtocolWithdraw
	}
	if p.Address != nil {
		set++
		kind = ProtocolLightningAddress
	}
	if p.External != nil {
		set++
		kind = ProtocolExternal
	}
	if set != 1 || kind != p.Kind {
		return ErrInvalidProtocolData
	}
	return nil
}

func WithdrawData(w WithdrawParams) ProtocolData {
	return ProtocolData{Kind: ProtocolWithdraw, Withdraw: &w}
}

func AddressData(a AddressPaymentParams) ProtocolData {
	return ProtocolData{Kind: ProtocolLightningAddress, Address: &a}
}

func ExternalData(e ExternalPaymentParams) ProtocolData {
	return ProtocolData{Kind: ProtocolExternal, External: &e}
}

// WithdrawParams describes a withdraw link. Claims against a reusable link
// carry LinkID pointing at the parent link transaction and no K1.
type WithdrawParams struct {
	K1                 string     `json:"k1,omitempty"`
	Callback           string     `json:"callback"`
	LNURL              string     `json:"lnurl,omitempty"`
	MinWithdrawable    int64      `json:"min_withdrawable"`
	MaxWithdrawable    int64      `json:"max_withdrawable"`
	DefaultDescription string     `json:"default_description"`
	ExpiresAt          time.Time  `json:"expires_at"`
	SingleUse          bool       `json:"single_use"`
	MaxUses            int        `json:"max_uses,omitempty"` // 0 = unlimited until expiry
	Uses               int        `json:"uses"`
	ClaimedAt          *time.Time `json:"claimed_at,omitempty"`
	ClaimingWallet     string     `json:"claiming_wallet,omitempty"` // payee pubkey of the submitted invoice
	LinkID             *uuid.UUID `json:"link_id,omitempty"`
}

func (w WithdrawParams) Expired(now time.Time) bool {
	return !now.Before(w.ExpiresAt)
}

type AddressPaymentParams struct {
	AddressID uuid.UUID `json:"address_id"`
	Address   string    `json:"address"`
	Comment   string    `json:"comment,omitempty"`
	Nostr     string    `json:"nostr,omitempty"` // NIP-57 zap request
}

type ExternalPaymentParams struct {
	Target     string     `json:"target"`
	TargetType string     `json:"target_type"` // lightning_address / lnurl / url
	Domain     string     `json:"domain"`
	Comment    string     `json:"comment,omitempty"`
	Callback   string     `json:"callback,omitempty"`
	TargetID   *uuid.UUID `json:"target_id,omitempty"`
}

type LightningInfo struct {
	Invoice     string `json:"invoice,omitempty"`
	OperationID string `json:"operation_id,omitempty"`
	PaymentHash string `json:"payment_hash,omitempty"`
	FeeMsats    int64  `json:"fee_msats,omitempty"`
}

type LnurlTransaction struct {
	ID            uuid.UUID       `json:"id"`
	Type          string          `json:"type"`
	SubType       string          `json:"sub_type"`
	Status        string          `json:"status"`
	UserID        uuid.UUID       `json:"user_id"`
	GroupID       *uuid.UUID      `json:"group_id,omitempty"`
	WalletKind    string          `json:"wallet_kind"`
	AmountMsats   int64           `json:"amount_msats"`
	AmountFiat    decimal.Decimal `json:"amount_fiat"` // advisory
	Currency      string          `json:"currency,omitempty"`
	ProtocolData  ProtocolData    `json:"protocol_data"`
	Lightning     *LightningInfo  `json:"lightning,omitempty"`
	Reference     string          `json:"reference,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Refunded      bool            `json:"refunded"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	RetryCount    int             `json:"retry_count"`
	TimeoutAt     *time.Time      `json:"timeout_at,omitempty"`
	Version       int             `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// OperationID is the gateway handle, empty until an invoice or payment exists.
func (t *LnurlTransaction) OperationID() string {
	if t.Lightning == nil {
		return ""
	}
	return t.Lightning.OperationID
}

// TxFilter narrows history listings. Zero values match everything.
type TxFilter struct {
	UserID  uuid.UUID
	Type    string
	Status  string
	GroupID *uuid.UUID
	Limit   int
	Offset  int
}
