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

type WithdrawLinks interface {
	CreateLink(ctx context.Context, userID uuid.UUID, in services.CreateLinkInput) (*services.WithdrawLink, error)
	Cancel(ctx context.Context, userID, id uuid.UUID) (*models.LnurlTransaction, error)
	Get(ctx context.Context, userID, id uuid.UUID) (*models.LnurlTransaction, error)
	List(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.LnurlTransaction, error)
}

type WithdrawHandler struct {
	links WithdrawLinks
	log   *zap.Logger
}

func NewWithdrawHandler(links WithdrawLinks, log *zap.Logger) *WithdrawHandler {
	return &WithdrawHandler{links: links, log: log}
}

func (h *WithdrawHandler) CreateLink(c *fiber.Ctx) error {
	var req dto.CreateWithdrawLinkRequest
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

	singleUse := true
	if req.SingleUse != nil {
		singleUse = *req.SingleUse
	}

	link, err := h.links.CreateLink(c.Context(), middleware.GetUserID(c), services.CreateLinkInput{
		AmountMsats:     req.AmountMsats,
		Description:     req.Description,
		ExpiryMinutes:   req.ExpiryMinutes,
		SingleUse:       singleUse,
		MaxUses:         req.MaxUses,
		MinWithdrawable: req.MinWithdrawable,
		MaxWithdrawable: req.MaxWithdrawable,
		WalletKind:      req.WalletKind,
		GroupID:         groupID,
	})
	if err != nil {
		return fail(c, h.log, err)
	}

	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: link})
}

func (h *WithdrawHandler) ListLinks(c *fiber.Ctx) error {
	limit, offset := page(c)
	links, err := h.links.List(c.Context(), middleware.GetUserID(c), limit, offset)
	if err != nil {
		return fail(c, h.log, err)
	}
	if links == nil {
		links = []models.LnurlTransaction{}
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: links})
}

func (h *WithdrawHandler) GetLink(c *fiber.Ctx) error {
	id, ok := paramID(c)
	if !ok {
		return badRequest(c, "invalid withdraw link id")
	}
	link, err := h.links.Get(c.Context(), middleware.GetUserID(c), id)
	if err != nil {
		return fail(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: link})
}

func (h *WithdrawHandler) CancelLink(c *fiber.Ctx) error {
	id, ok := paramID(c)
	if !ok {
		return badRequest(c, "invalid withdraw link id")
	}
	link, err := h.links.Cancel(c.Context(), middleware.GetUserID(c), id)
	if err != nil {
		return fail(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: link})
}
