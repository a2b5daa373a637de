package handlers

import (
	"context"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/lnurl-bridge/backend/internal/lnurl"
	"github.com/lnurl-bridge/backend/internal/services"
)

type PayInFlow interface {
	GeneratePayResponse(ctx context.Context, localPart string) (*lnurl.PayResponse, error)
	ProcessCallback(ctx context.Context, localPart string, amountMsats int64, params services.PayCallbackParams) (*lnurl.InvoiceResponse, error)
}

type WithdrawFlow interface {
	HandleQuery(ctx context.Context, k1 string) (*lnurl.WithdrawResponse, error)
	ProcessCallback(ctx context.Context, k1, invoice string) lnurl.ErrorResponse
}

// LnurlHandler serves the wallet-facing LNURL endpoints. Every answer is
// either the protocol payload or the {status, reason} envelope.
type LnurlHandler struct {
	payIn    PayInFlow
	withdraw WithdrawFlow
	log      *zap.Logger
}

func NewLnurlHandler(payIn PayInFlow, withdraw WithdrawFlow, log *zap.Logger) *LnurlHandler {
	return &LnurlHandler{payIn: payIn, withdraw: withdraw, log: log}
}

// localPart accepts both "alice" and "alice@domain" in the path.
func localPart(c *fiber.Ctx) string {
	p := strings.TrimSpace(c.Params("address"))
	if at := strings.IndexByte(p, '@'); at >= 0 {
		p = p[:at]
	}
	return strings.ToLower(p)
}

// GET /.well-known/lnurlp/:address
func (h *LnurlHandler) PayRequest(c *fiber.Ctx) error {
	local := localPart(c)
	if local == "" {
		return c.Status(fiber.StatusBadRequest).JSON(lnurl.Error("address is required"))
	}

	resp, err := h.payIn.GeneratePayResponse(c.Context(), local)
	if err != nil {
		return lnurlFail(c, h.log, err)
	}
	return c.JSON(resp)
}

// GET /lnurl/callback/:address?amount=&comment=&nostr=
func (h *LnurlHandler) PayCallback(c *fiber.Ctx) error {
	amount, err := strconv.ParseInt(c.Query("amount"), 10, 64)
	if err != nil || amount <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(lnurl.Error("amount must be a positive number of millisatoshis"))
	}

	resp, err := h.payIn.ProcessCallback(c.Context(), localPart(c), amount, services.PayCallbackParams{
		Comment: c.Query("comment"),
		Nostr:   c.Query("nostr"),
	})
	if err != nil {
		return lnurlFail(c, h.log, err)
	}
	return c.JSON(resp)
}

// GET /lnurl/withdraw/callback?k1=[&pr=]
//
// Without pr this is the first LUD-03 step and answers the withdrawRequest.
// With pr the invoice is paid; the outcome always comes back as HTTP 200.
func (h *LnurlHandler) WithdrawCallback(c *fiber.Ctx) error {
	k1 := c.Query("k1")
	if k1 == "" {
		return c.Status(fiber.StatusBadRequest).JSON(lnurl.Error("k1 is required"))
	}

	pr := c.Query("pr")
	if pr == "" {
		resp, err := h.withdraw.HandleQuery(c.Context(), k1)
		if err != nil {
			return lnurlFail(c, h.log, err)
		}
		return c.JSON(resp)
	}

	return c.JSON(h.withdraw.ProcessCallback(c.Context(), k1, pr))
}
