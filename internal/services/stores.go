package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lnurl-bridge/backend/internal/mint"
	"github.com/lnurl-bridge/backend/internal/models"
	"github.com/lnurl-bridge/backend/internal/repositories"
)

// Services depend on these narrow views of storage and collaborators so the
// flows can be exercised against in-memory fakes.

type TransactionStore interface {
	Create(ctx context.Context, t *models.LnurlTransaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.LnurlTransaction, error)
	GetByK1(ctx context.Context, k1 string) (*models.LnurlTransaction, error)
	GetByOperationID(ctx context.Context, operationID string) (*models.LnurlTransaction, error)
	Update(ctx context.Context, t *models.LnurlTransaction) error
	ListStuck(ctx context.Context, walletKind string, now time.Time, limit int) ([]models.LnurlTransaction, error)
	List(ctx context.Context, f models.TxFilter) ([]models.LnurlTransaction, int, error)
	ListWithdrawLinks(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.LnurlTransaction, error)
}

type AddressStore interface {
	Create(ctx context.Context, a *models.Address) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Address, error)
	GetByLocalPart(ctx context.Context, localPart, domain string) (*models.Address, error)
	GetPersonalByOwner(ctx context.Context, ownerID uuid.UUID) (*models.Address, error)
	GetGroupAddress(ctx context.Context, groupID uuid.UUID) (*models.Address, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.Address, error)
	Update(ctx context.Context, a *models.Address) error
	RecordPayment(ctx context.Context, id uuid.UUID, amountMsats int64, at time.Time) error
	LocalPartTaken(ctx context.Context, localPart, domain string) (bool, error)
}

type PaymentTargetStore interface {
	Upsert(ctx context.Context, t *models.ExternalPaymentTarget) error
	RecordUse(ctx context.Context, id uuid.UUID, amountMsats int64, at time.Time) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ExternalPaymentTarget, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.ExternalPaymentTarget, error)
	UpdatePreferences(ctx context.Context, t *models.ExternalPaymentTarget) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type AuditStore interface {
	Log(ctx context.Context, entry models.AuditLog) error
}

type AuditReader interface {
	GetByEntity(ctx context.Context, entityType string, entityID uuid.UUID, limit, offset int) ([]models.AuditLog, error)
}

// Gateway is the mint gateway as the flows see it.
type Gateway interface {
	CreateInvoice(ctx context.Context, req mint.InvoiceRequest) (*mint.Invoice, error)
	Pay(ctx context.Context, invoice string) (*mint.Payment, error)
	AwaitInvoice(ctx context.Context, operationID string)
	OperationStatus(ctx context.Context, operationID string) (string, error)
	DecodeInvoice(invoice string) (*mint.DecodedInvoice, error)
	CreateWithdrawPoint(req mint.WithdrawPointRequest) (*mint.WithdrawPoint, error)
}

// Wallets credits and debits the personal and group wallets that own the funds.
type Wallets interface {
	Deposit(ctx context.Context, req DepositRequest) (*WalletResult, error)
	Withdraw(ctx context.Context, req WalletWithdrawRequest) (*WalletResult, error)
}

// Groups answers live membership questions. It is never cached.
type Groups interface {
	Membership(ctx context.Context, groupID, userID uuid.UUID) (*Membership, error)
}

type RateProvider interface {
	Rate(ctx context.Context, currency string) (decimal.Decimal, error)
}

var (
	_ TransactionStore   = (*repositories.TransactionRepo)(nil)
	_ AddressStore       = (*repositories.AddressRepo)(nil)
	_ PaymentTargetStore = (*repositories.PaymentTargetRepo)(nil)
	_ AuditStore         = (*repositories.AuditRepo)(nil)
	_ AuditReader        = (*repositories.AuditRepo)(nil)
	_ Gateway            = (*mint.Client)(nil)
	_ Wallets            = (*WalletClient)(nil)
	_ Groups             = (*GroupClient)(nil)
	_ RateProvider       = (*RatesClient)(nil)
)
