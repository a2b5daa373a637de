package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	CtxRequestID = "request_id"
	ctxLogger    = "logger"
)

// RequestIDMiddleware tags the request and stores a logger carrying the id
// for handlers to pick up with Logger.
func RequestIDMiddleware(log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		reqID := c.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Locals(CtxRequestID, reqID)
		c.Locals(ctxLogger, log.With(zap.String("request_id", reqID)))
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// Logger returns the request-scoped logger, or fallback outside a request
// chain.
func Logger(c *fiber.Ctx, fallback *zap.Logger) *zap.Logger {
	if l, ok := c.Locals(ctxLogger).(*zap.Logger); ok {
		return l
	}
	return fallback
}

func LoggerMiddleware(log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		fields := []zap.Field{
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.IP()),
		}
		if userID := GetUserID(c); userID != uuid.Nil {
			fields = append(fields, zap.String("user_id", userID.String()))
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		Logger(c, log).Info("request", fields...)

		return err
	}
}
