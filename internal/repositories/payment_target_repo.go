package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lnurl-bridge/backend/internal/models"
)

type PaymentTargetRepo struct {
	pool *pgxpool.Pool
}

func NewPaymentTargetRepo(pool *pgxpool.Pool) *PaymentTargetRepo {
	return &PaymentTargetRepo{pool: pool}
}

const targetColumns = `id, user_id, target_type, address, domain, metadata, last_used_at, total_sent_msats,
	payment_count, nickname, is_favorite, default_comment, created_at, updated_at`

func scanTarget(row rowScanner) (*models.ExternalPaymentTarget, error) {
	var t models.ExternalPaymentTarget
	err := row.Scan(&t.ID, &t.UserID, &t.TargetType, &t.Address, &t.Domain, &t.Metadata,
		&t.Stats.LastUsedAt, &t.Stats.TotalSentMsats, &t.Stats.PaymentCount,
		&t.Preferences.Nickname, &t.Preferences.IsFavorite, &t.Preferences.DefaultComment,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &t, nil
}

// Upsert saves a target keyed by (user_id, address). An existing record keeps
// its stats and preferences; the cached metadata is refreshed.
func (r *PaymentTargetRepo) Upsert(ctx context.Context, t *models.ExternalPaymentTarget) error {
	return scanInto(t, r.pool.QueryRow(ctx, `
		INSERT INTO payment_targets (user_id, target_type, address, domain, metadata, nickname, is_favorite, default_comment)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, address) DO UPDATE SET
			target_type = EXCLUDED.target_type,
			domain = EXCLUDED.domain,
			metadata = COALESCE(EXCLUDED.metadata, payment_targets.metadata),
			updated_at = now()
		RETURNING `+targetColumns,
		t.UserID, t.TargetType, t.Address, t.Domain, t.Metadata,
		t.Preferences.Nickname, t.Preferences.IsFavorite, t.Preferences.DefaultComment))
}

func scanInto(dst *models.ExternalPaymentTarget, row rowScanner) error {
	t, err := scanTarget(row)
	if err != nil {
		return err
	}
	*dst = *t
	return nil
}

func (r *PaymentTargetRepo) RecordUse(ctx context.Context, id uuid.UUID, amountMsats int64, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE payment_targets SET
			total_sent_msats = total_sent_msats + $2,
			payment_count = payment_count + 1,
			last_used_at = $3,
			updated_at = now()
		WHERE id = $1
	`, id, amountMsats, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PaymentTargetRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.ExternalPaymentTarget, error) {
	return scanTarget(r.pool.QueryRow(ctx, `SELECT `+targetColumns+` FROM payment_targets WHERE id = $1`, id))
}

// ListByUser puts favorites first, then most recently used.
func (r *PaymentTargetRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.ExternalPaymentTarget, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+targetColumns+` FROM payment_targets WHERE user_id = $1
		ORDER BY is_favorite DESC, last_used_at DESC NULLS LAST, created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ExternalPaymentTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (r *PaymentTargetRepo) UpdatePreferences(ctx context.Context, t *models.ExternalPaymentTarget) error {
	err := r.pool.QueryRow(ctx, `
		UPDATE payment_targets SET nickname = $2, is_favorite = $3, default_comment = $4, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, t.ID, t.Preferences.Nickname, t.Preferences.IsFavorite, t.Preferences.DefaultComment).Scan(&t.UpdatedAt)
	return mapErr(err)
}

func (r *PaymentTargetRepo) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM payment_targets WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
