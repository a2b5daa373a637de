package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lnurl-bridge/backend/internal/models"
)

const maxAuditPage = 200

// AuditRepo is the append-only trail of transaction transitions, reconciler
// retries and address changes.
type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

func (r *AuditRepo) Log(ctx context.Context, entry models.AuditLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_log (actor_user_id, actor_type, action, entity_type, entity_id, meta)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ActorUserID, entry.ActorType, entry.Action, entry.EntityType, entry.EntityID, entry.Meta)
	if err != nil {
		return fmt.Errorf("audit %s %s: %w", entry.EntityType, entry.Action, err)
	}
	return nil
}

// GetByEntity pages one entity's trail, newest first. It is served by
// idx_audit_log_entity.
func (r *AuditRepo) GetByEntity(ctx context.Context, entityType string, entityID uuid.UUID, limit, offset int) ([]models.AuditLog, error) {
	if limit <= 0 || limit > maxAuditPage {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, actor_user_id, actor_type, action, entity_type, entity_id, meta, created_at
		FROM audit_log WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at DESC, id DESC LIMIT $3 OFFSET $4
	`, entityType, entityID, limit, max(offset, 0))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trail []models.AuditLog
	for rows.Next() {
		var (
			entry models.AuditLog
			meta  map[string]any
		)
		if err := rows.Scan(&entry.ID, &entry.ActorUserID, &entry.ActorType, &entry.Action, &entry.EntityType, &entry.EntityID, &meta, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if meta != nil {
			entry.Meta = meta
		}
		trail = append(trail, entry)
	}
	return trail, rows.Err()
}
