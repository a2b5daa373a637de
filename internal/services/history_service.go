package services

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/lnurl-bridge/backend/internal/apperr"
	"github.com/lnurl-bridge/backend/internal/models"
	"github.com/lnurl-bridge/backend/internal/rbac"
	"github.com/lnurl-bridge/backend/internal/repositories"
)

// HistoryService serves paginated transaction history across all flows.
type HistoryService struct {
	txs    TransactionStore
	audit  AuditReader
	groups Groups
}

func NewHistoryService(txs TransactionStore, audit AuditReader, groups Groups) *HistoryService {
	return &HistoryService{txs: txs, audit: audit, groups: groups}
}

// List returns the caller's transactions, or a group's when GroupID is set
// and the caller may view group history.
func (s *HistoryService) List(ctx context.Context, userID uuid.UUID, f models.TxFilter) ([]models.LnurlTransaction, int, error) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 20
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.GroupID != nil {
		if err := requireGroupPerm(ctx, s.groups, *f.GroupID, userID, rbac.PermViewGroupHistory); err != nil {
			return nil, 0, err
		}
		f.UserID = uuid.Nil
	} else {
		f.UserID = userID
	}
	return s.txs.List(ctx, f)
}

func (s *HistoryService) Get(ctx context.Context, userID, id uuid.UUID) (*models.LnurlTransaction, error) {
	tx, err := s.txs.GetByID(ctx, id)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, apperr.NotFound("transaction not found")
	}
	if err != nil {
		return nil, err
	}
	if tx.UserID == userID {
		return tx, nil
	}
	if tx.GroupID != nil {
		if err := requireGroupPerm(ctx, s.groups, *tx.GroupID, userID, rbac.PermViewGroupHistory); err == nil {
			return tx, nil
		}
	}
	return nil, apperr.NotFound("transaction not found")
}

// Events returns the audit trail of a transaction the caller may see.
func (s *HistoryService) Events(ctx context.Context, userID, id uuid.UUID, limit, offset int) ([]models.AuditLog, error) {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return nil, err
	}
	return s.audit.GetByEntity(ctx, models.AuditEntityTransaction, id, limit, offset)
}
