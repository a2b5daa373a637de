package handlers

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lnurl-bridge/backend/internal/http/dto"
	"github.com/lnurl-bridge/backend/internal/middleware"
	"github.com/lnurl-bridge/backend/internal/models"
	"github.com/lnurl-bridge/backend/internal/services"
)

type Addresses interface {
	Domain() string
	IsAddressAvailable(ctx context.Context, candidate string) (bool, error)
	Claim(ctx context.Context, userID uuid.UUID, in services.ClaimAddressInput) (*models.Address, error)
	Update(ctx context.Context, userID, id uuid.UUID, patch services.AddressUpdate) (*models.Address, error)
	Disable(ctx context.Context, userID, id uuid.UUID) error
	Get(ctx context.Context, userID, id uuid.UUID) (*models.Address, error)
	List(ctx context.Context, userID uuid.UUID) ([]models.Address, error)
}

type AddressHandler struct {
	addresses Addresses
	log       *zap.Logger
}

func NewAddressHandler(addresses Addresses, log *zap.Logger) *AddressHandler {
	return &AddressHandler{addresses: addresses, log: log}
}

// GET /addresses/availability?local_part=
func (h *AddressHandler) Availability(c *fiber.Ctx) error {
	local := strings.ToLower(strings.TrimSpace(c.Query("local_part")))
	if local == "" {
		return badRequest(c, "local_part is required")
	}
	ok, err := h.addresses.IsAddressAvailable(c.Context(), local)
	if err != nil {
		return fail(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.AvailabilityResponse{
		LocalPart: local,
		Address:   local + "@" + h.addresses.Domain(),
		Available: ok,
	}})
}

func (h *AddressHandler) Claim(c *fiber.Ctx) error {
	var req dto.ClaimAddressRequest
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

	in := services.ClaimAddressInput{LocalPart: req.LocalPart, Type: req.Type, GroupID: groupID}
	if req.Description != nil || req.MinSendable != nil || req.MaxSendable != nil || req.CommentAllowed != nil {
		in.Overrides = &services.AddressUpdate{
			Description:    req.Description,
			MinSendable:    req.MinSendable,
			MaxSendable:    req.MaxSendable,
			CommentAllowed: req.CommentAllowed,
		}
	}

	addr, err := h.addresses.Claim(c.Context(), middleware.GetUserID(c), in)
	if err != nil {
		return fail(c, h.log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: addr})
}

func (h *AddressHandler) List(c *fiber.Ctx) error {
	addrs, err := h.addresses.List(c.Context(), middleware.GetUserID(c))
	if err != nil {
		return fail(c, h.log, err)
	}
	if addrs == nil {
		addrs = []models.Address{}
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: addrs})
}

func (h *AddressHandler) Get(c *fiber.Ctx) error {
	id, ok := paramID(c)
	if !ok {
		return badRequest(c, "invalid address id")
	}
	addr, err := h.addresses.Get(c.Context(), middleware.GetUserID(c), id)
	if err != nil {
		return fail(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: addr})
}

func (h *AddressHandler) Update(c *fiber.Ctx) error {
	id, ok := paramID(c)
	if !ok {
		return badRequest(c, "invalid address id")
	}
	var req dto.UpdateAddressRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	if err := dto.Validate(req); err != nil {
		return badRequest(c, err.Error())
	}

	addr, err := h.addresses.Update(c.Context(), middleware.GetUserID(c), id, services.AddressUpdate{
		Description:          req.Description,
		Image:                req.Image,
		MinSendable:          req.MinSendable,
		MaxSendable:          req.MaxSendable,
		CommentAllowed:       req.CommentAllowed,
		AllowComments:        req.AllowComments,
		NotifyOnPayment:      req.NotifyOnPayment,
		CustomSuccessMessage: req.CustomSuccessMessage,
		Enabled:              req.Enabled,
	})
	if err != nil {
		return fail(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: addr})
}

func (h *AddressHandler) Disable(c *fiber.Ctx) error {
	id, ok := paramID(c)
	if !ok {
		return badRequest(c, "invalid address id")
	}
	if err := h.addresses.Disable(c.Context(), middleware.GetUserID(c), id); err != nil {
		return fail(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}
