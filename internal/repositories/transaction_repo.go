package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/lnurl-bridge/backend/internal/models"
)

type TransactionRepo struct {
	pool *pgxpool.Pool
}

func NewTransactionRepo(pool *pgxpool.Pool) *TransactionRepo {
	return &TransactionRepo{pool: pool}
}

const txColumns = `id, type, sub_type, status, user_id, group_id, wallet_kind, amount_msats,
	amount_fiat::text, currency, protocol_data, invoice, operation_id, payment_hash, fee_msats,
	reference, completed_at, failure_reason, refunded, metadata, retry_count, timeout_at,
	version, created_at, updated_at`

func scanTx(row rowScanner) (*models.LnurlTransaction, error) {
	var (
		t                             models.LnurlTransaction
		fiat                          string
		invoice, operationID, payHash *string
		feeMsats                      int64
	)
	err := row.Scan(&t.ID, &t.Type, &t.SubType, &t.Status, &t.UserID, &t.GroupID, &t.WalletKind, &t.AmountMsats,
		&fiat, &t.Currency, &t.ProtocolData, &invoice, &operationID, &payHash, &feeMsats,
		&t.Reference, &t.CompletedAt, &t.FailureReason, &t.Refunded, &t.Metadata, &t.RetryCount, &t.TimeoutAt,
		&t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}

	if t.AmountFiat, err = decimal.NewFromString(fiat); err != nil {
		return nil, fmt.Errorf("parse amount_fiat %q: %w", fiat, err)
	}
	if invoice != nil || operationID != nil {
		t.Lightning = &models.LightningInfo{
			Invoice:     derefString(invoice),
			OperationID: derefString(operationID),
			PaymentHash: derefString(payHash),
			FeeMsats:    feeMsats,
		}
	}
	return &t, nil
}

// lightningCols flattens the optional lightning info into nullable columns.
func lightningCols(t *models.LnurlTransaction) (invoice, operationID, payHash *string, fee int64) {
	if t.Lightning == nil {
		return nil, nil, nil, 0
	}
	return nullString(t.Lightning.Invoice), nullString(t.Lightning.OperationID),
		nullString(t.Lightning.PaymentHash), t.Lightning.FeeMsats
}

// k1Col indexes the k1 of a withdraw link so it can be looked up and kept
// unique. Claims against reusable links carry no k1.
func k1Col(t *models.LnurlTransaction) *string {
	if t.ProtocolData.Withdraw == nil {
		return nil
	}
	return nullString(t.ProtocolData.Withdraw.K1)
}

func (r *TransactionRepo) Create(ctx context.Context, t *models.LnurlTransaction) error {
	if err := t.ProtocolData.Validate(); err != nil {
		return err
	}
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}
	invoice, operationID, payHash, fee := lightningCols(t)

	err := r.pool.QueryRow(ctx, `
		INSERT INTO lnurl_transactions (type, sub_type, status, user_id, group_id, wallet_kind, amount_msats,
			amount_fiat, currency, protocol_data, k1, invoice, operation_id, payment_hash, fee_msats,
			reference, metadata, timeout_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::text::numeric, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING id, version, created_at, updated_at
	`, t.Type, t.SubType, t.Status, t.UserID, t.GroupID, t.WalletKind, t.AmountMsats,
		t.AmountFiat.StringFixed(2), t.Currency, t.ProtocolData, k1Col(t), invoice, operationID, payHash, fee,
		t.Reference, t.Metadata, t.TimeoutAt,
	).Scan(&t.ID, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	return mapErr(err)
}

func (r *TransactionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.LnurlTransaction, error) {
	return scanTx(r.pool.QueryRow(ctx, `SELECT `+txColumns+` FROM lnurl_transactions WHERE id = $1`, id))
}

func (r *TransactionRepo) GetByK1(ctx context.Context, k1 string) (*models.LnurlTransaction, error) {
	return scanTx(r.pool.QueryRow(ctx, `SELECT `+txColumns+` FROM lnurl_transactions WHERE k1 = $1`, k1))
}

func (r *TransactionRepo) GetByOperationID(ctx context.Context, operationID string) (*models.LnurlTransaction, error) {
	return scanTx(r.pool.QueryRow(ctx, `
		SELECT `+txColumns+` FROM lnurl_transactions
		WHERE operation_id = $1 ORDER BY created_at DESC LIMIT 1
	`, operationID))
}

// Update writes every mutable field if the stored version still equals
// t.Version, then bumps t.Version. A stale version yields ErrVersionConflict.
func (r *TransactionRepo) Update(ctx context.Context, t *models.LnurlTransaction) error {
	if err := t.ProtocolData.Validate(); err != nil {
		return err
	}
	invoice, operationID, payHash, fee := lightningCols(t)

	err := r.pool.QueryRow(ctx, `
		UPDATE lnurl_transactions SET
			status = $3, amount_msats = $4, amount_fiat = $5::text::numeric, currency = $6,
			protocol_data = $7, invoice = $8, operation_id = $9, payment_hash = $10, fee_msats = $11,
			reference = $12, completed_at = $13, failure_reason = $14, refunded = $15, metadata = $16,
			retry_count = $17, timeout_at = $18, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`, t.ID, t.Version, t.Status, t.AmountMsats, t.AmountFiat.StringFixed(2), t.Currency,
		t.ProtocolData, invoice, operationID, payHash, fee,
		t.Reference, t.CompletedAt, t.FailureReason, t.Refunded, t.Metadata,
		t.RetryCount, t.TimeoutAt,
	).Scan(&t.Version, &t.UpdatedAt)

	err = mapErr(err)
	if err == ErrNotFound {
		return ErrVersionConflict
	}
	return err
}

// ListStuck returns pending/processing rows of one wallet kind whose deadline
// has passed, oldest deadline first.
func (r *TransactionRepo) ListStuck(ctx context.Context, walletKind string, now time.Time, limit int) ([]models.LnurlTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+txColumns+` FROM lnurl_transactions
		WHERE wallet_kind = $1 AND status IN ('pending', 'processing') AND timeout_at <= $2
		ORDER BY timeout_at ASC LIMIT $3
	`, walletKind, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []models.LnurlTransaction
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *t)
	}
	return txs, rows.Err()
}

func (r *TransactionRepo) List(ctx context.Context, f models.TxFilter) ([]models.LnurlTransaction, int, error) {
	var where []string
	var args []any
	if f.UserID != uuid.Nil {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.GroupID != nil {
		args = append(args, *f.GroupID)
		where = append(where, fmt.Sprintf("group_id = $%d", len(args)))
	}
	if len(where) == 0 {
		return nil, 0, errors.New("transaction listing needs a user or group filter")
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM lnurl_transactions WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	args = append(args, limit, f.Offset)
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM lnurl_transactions WHERE %s
		ORDER BY created_at DESC LIMIT $%d OFFSET $%d
	`, txColumns, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var txs []models.LnurlTransaction
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, 0, err
		}
		txs = append(txs, *t)
	}
	return txs, total, rows.Err()
}

// ListWithdrawLinks returns the user's link records (not reusable-link claims).
func (r *TransactionRepo) ListWithdrawLinks(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.LnurlTransaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+txColumns+` FROM lnurl_transactions
		WHERE user_id = $1 AND type = 'withdraw' AND k1 IS NOT NULL
		ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []models.LnurlTransaction
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *t)
	}
	return txs, rows.Err()
}
