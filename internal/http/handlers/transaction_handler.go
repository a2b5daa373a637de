package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lnurl-bridge/backend/internal/http/dto"
	"github.com/lnurl-bridge/backend/internal/middleware"
	"github.com/lnurl-bridge/backend/internal/models"
)

type History interface {
	List(ctx context.Context, userID uuid.UUID, f models.TxFilter) ([]models.LnurlTransaction, int, error)
	Get(ctx context.Context, userID, id uuid.UUID) (*models.LnurlTransaction, error)
	Events(ctx context.Context, userID, id uuid.UUID, limit, offset int) ([]models.AuditLog, error)
}

type TransactionHandler struct {
	history History
	log     *zap.Logger
}

func NewTransactionHandler(history History, log *zap.Logger) *TransactionHandler {
	return &TransactionHandler{history: history, log: log}
}

// GET /transactions?type=&status=&group_id=&limit=&offset=
func (h *TransactionHandler) List(c *fiber.Ctx) error {
	limit, offset := page(c)
	filter := models.TxFilter{
		Type:   c.Query("type"),
		Status: c.Query("status"),
		Limit:  limit,
		Offset: offset,
	}
	if v := c.Query("group_id"); v != "" {
		groupID, err := uuid.Parse(v)
		if err != nil {
			return badRequest(c, "invalid group_id")
		}
		filter.GroupID = &groupID
	}

	txs, total, err := h.history.List(c.Context(), middleware.GetUserID(c), filter)
	if err != nil {
		return fail(c, h.log, err)
	}
	if txs == nil {
		txs = []models.LnurlTransaction{}
	}
	return c.JSON(dto.PageResponse{OK: true, Data: txs, Total: total, Limit: limit, Offset: offset})
}

func (h *TransactionHandler) Get(c *fiber.Ctx) error {
	id, ok := paramID(c)
	if !ok {
		return badRequest(c, "invalid transaction id")
	}
	tx, err := h.history.Get(c.Context(), middleware.GetUserID(c), id)
	if err != nil {
		return fail(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: tx})
}

func (h *TransactionHandler) GetEvents(c *fiber.Ctx) error {
	id, ok := paramID(c)
	if !ok {
		return badRequest(c, "invalid transaction id")
	}
	limit, offset := page(c)
	trail, err := h.history.Events(c.Context(), middleware.GetUserID(c), id, limit, offset)
	if err != nil {
		return fail(c, h.log, err)
	}
	if trail == nil {
		trail = []models.AuditLog{}
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: trail})
}
