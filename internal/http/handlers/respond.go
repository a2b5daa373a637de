package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lnurl-bridge/backend/internal/apperr"
	"github.com/lnurl-bridge/backend/internal/http/dto"
	"github.com/lnurl-bridge/backend/internal/lnurl"
	"github.com/lnurl-bridge/backend/internal/middleware"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// fail writes the management API error body. Unclassified errors are
// logged and reported as internal.
func fail(c *fiber.Ctx, log *zap.Logger, err error) error {
	if !apperr.IsDomain(err) || apperr.IsKind(err, apperr.KindInternal) {
		middleware.Logger(c, log).Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	reqID, _ := c.Locals(middleware.CtxRequestID).(string)
	return c.Status(apperr.HTTPStatus(err)).JSON(dto.ErrorResponse{Error: apperr.Reason(err), RequestID: reqID})
}

func badRequest(c *fiber.Ctx, msg string) error {
	reqID, _ := c.Locals(middleware.CtxRequestID).(string)
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: msg, RequestID: reqID})
}

// lnurlFail writes the wallet-facing {status: ERROR} envelope.
func lnurlFail(c *fiber.Ctx, log *zap.Logger, err error) error {
	if !apperr.IsDomain(err) || apperr.IsKind(err, apperr.KindInternal) {
		middleware.Logger(c, log).Error("lnurl request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.Status(apperr.HTTPStatus(err)).JSON(lnurl.Error(apperr.Reason(err)))
}

func paramID(c *fiber.Ctx) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Params("id"))
	return id, err == nil
}

func parseOptionalUUID(s *string) (*uuid.UUID, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	id, err := uuid.Parse(*s)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// page reads limit/offset query parameters, clamping limit to
// [1, maxPageLimit].
func page(c *fiber.Ctx) (limit, offset int) {
	limit = defaultPageLimit
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, maxPageLimit)
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
