package events

import "context"

// Event types
const (
	EventInvoicePaid       = "invoice_paid"
	EventInvoiceFailed     = "invoice_failed"
	EventPaymentReceived   = "payment_received"
	EventWithdrawCompleted = "withdraw_completed"
	EventTxStatusChanged   = "tx_status_changed"
)

// Streams
const (
	StreamLnurl  = "events:lnurl"  // transaction lifecycle, consumed by the WS hub and wallet subsystem
	StreamNotify = "events:notify" // notification requests for the notify bridge
)

// InvoiceStream is the keyed stream on which the await loop for one gateway
// operation reports its terminal result.
func InvoiceStream(operationID string) string {
	return "mint:invoice:" + operationID
}

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

// Subscriber delivers events to handler until ctx is cancelled. Subscribe
// returns once the subscription is live.
type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}
