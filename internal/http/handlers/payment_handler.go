package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lnurl-bridge/backend/internal/http/dto"
	"github.com/lnurl-bridge/backend/internal/middleware"
	"github.com/lnurl-bridge/backend/internal/models"
	"github.com/lnurl-bridge/backend/internal/services"
)

type ExternalPayments interface {
	PayExternal(ctx context.Context, in services.PayExternalInput) (*services.PayExternalResult, error)
	ListTargets(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.ExternalPaymentTarget, error)
	GetTarget(ctx context.Context, userID, id uuid.UUID) (*models.ExternalPaymentTarget, error)
	UpdateTarget(ctx context.Context, userID, id uuid.UUID, patch services.TargetPreferencesUpdate) (*models.ExternalPaymentTarget, error)
	DeleteTarget(ctx context.Context, userID, id uuid.UUID) error
}

type PaymentHandler struct {
	payments ExternalPayments
	log      *zap.Logger
}

func NewPaymentHandler(payments ExternalPayments, log *zap.Logger) *PaymentHandler {
	return &PaymentHandler{payments: payments, log: log}
}

// PayExternal answers 200 with the result body for both completed and
// unsuccessful payments. Only classified errors map to error statuses.
func (h *PaymentHandler) PayExternal(c *fiber.Ctx) error {
	var req dto.PayExternalRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	if err := dto.Validate(req); err != nil {
		return badRequest(c, err.Error())
	}
	groupID, err := parseOptionalUUID(req.GroupID)
	if err != nil {
		return badRequest(c, "invalid group_id")
	}
	txID, err := parseOptionalUUID(req.TxID)
	if err != nil {
		return badRequest(c, "invalid tx_id")
	}

	res, err := h.payments.PayExternal(c.Context(), services.PayExternalInput{
		UserID:       middleware.GetUserID(c),
		WalletKind:   req.WalletKind,
		GroupID:      groupID,
		Target:       req.Target,
		AmountSats:   req.AmountSats,
		Comment:      req.Comment,
		Reference:    req.Reference,
		ExistingTxID: txID,
		SaveTarget:   req.SaveTarget,
	})
	if err != nil {
		return fail(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: res.Success, Data: res})
}

func (h *PaymentHandler) ListTargets(c *fiber.Ctx) error {
	limit, offset := page(c)
	targets, err := h.payments.ListTargets(c.Context(), middleware.GetUserID(c), limit, offset)
	if err != nil {
		return fail(c, h.log, err)
	}
	if targets == nil {
		targets = []models.ExternalPaymentTarget{}
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: targets})
}

func (h *PaymentHandler) GetTarget(c *fiber.Ctx) error {
	id, ok := paramID(c)
	if !ok {
		return badRequest(c, "invalid payment target id")
	}
	target, err := h.payments.GetTarget(c.Context(), middleware.GetUserID(c), id)
	if err != nil {
		return fail(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: target})
}

func (h *PaymentHandler) UpdateTarget(c *fiber.Ctx) error {
	id, ok := paramID(c)
	if !ok {
		return badRequest(c, "invalid payment target id")
	}
	var req dto.UpdatePaymentTargetRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	if err := dto.Validate(req); err != nil {
		return badRequest(c, err.Error())
	}

	target, err := h.payments.UpdateTarget(c.Context(), middleware.GetUserID(c), id, services.TargetPreferencesUpdate{
		Nickname:       req.Nickname,
		IsFavorite:     req.IsFavorite,
		DefaultComment: req.DefaultComment,
	})
	if err != nil {
		return fail(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: target})
}

func (h *PaymentHandler) DeleteTarget(c *fiber.Ctx) error {
	id, ok := paramID(c)
	if !ok {
		return badRequest(c, "invalid payment target id")
	}
	if err := h.payments.DeleteTarget(c.Context(), middleware.GetUserID(c), id); err != nil {
		return fail(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}
