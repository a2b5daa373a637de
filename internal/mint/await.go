package mint

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lnurl-bridge/backend/internal/events"
)

const publishTimeout = 5 * time.Second

// AwaitInvoice starts a background long-poll loop for operationID and
// returns immediately. Only a terminal gateway answer publishes an event on
// events.InvoiceStream(operationID); when ctx ends first the loop stops
// silently and the caller's own timeout path takes over.
func (c *Client) AwaitInvoice(ctx context.Context, operationID string) {
	go c.awaitLoop(ctx, operationID)
}

func (c *Client) awaitLoop(ctx context.Context, operationID string) {
	log := c.log.With(zap.String("operation_id", operationID))
	failures := 0

	for {
		status, amount, err := c.awaitOnce(ctx, operationID)
		if ctx.Err() != nil {
			log.Debug("await invoice stopped", zap.Error(ctx.Err()))
			return
		}

		switch {
		case err != nil:
			wait := c.backoff.delay(failures)
			failures++
			log.Warn("await invoice poll failed", zap.Error(err), zap.Duration("retry_in", wait))
			if !sleepCtx(ctx, wait) {
				return
			}
			continue
		case status == StatusCompleted:
			c.publishResult(ctx, operationID, events.Event{
				Type:    events.EventInvoicePaid,
				Payload: map[string]any{"operation_id": operationID, "amount_msats": amount},
			})
			return
		case status == StatusFailed:
			c.publishResult(ctx, operationID, events.Event{
				Type:    events.EventInvoiceFailed,
				Payload: map[string]any{"operation_id": operationID, "reason": "invoice failed at gateway"},
			})
			return
		}

		// still waiting: the gateway answered, so re-poll after the base delay
		failures = 0
		if !sleepCtx(ctx, c.backoff.Base) {
			return
		}
	}
}

func (c *Client) awaitOnce(ctx context.Context, operationID string) (string, int64, error) {
	body := map[string]any{
		"operationId":  operationID,
		"federationId": c.federationID,
	}

	var resp struct {
		Status     string `json:"status"`
		AmountMsat int64  `json:"amountMsat"`
	}
	if err := c.post(ctx, c.pollClient, "/v2/ln/await-invoice", body, &resp); err != nil {
		return "", 0, err
	}
	return normalizeStatus(resp.Status), resp.AmountMsat, nil
}

func (c *Client) publishResult(ctx context.Context, operationID string, event events.Event) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := c.publisher.Publish(pctx, events.InvoiceStream(operationID), event); err != nil {
		c.log.Error("failed to publish invoice result",
			zap.String("operation_id", operationID),
			zap.String("type", event.Type),
			zap.Error(err),
		)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
