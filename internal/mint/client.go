// Package mint talks to the custodial Lightning gateway that issues and pays
// invoices on behalf of the federation.
package mint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lnurl-bridge/backend/internal/events"
)

// Operation statuses as seen by the reconciler.
const (
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusUnknown    = "unknown"
)

type Options struct {
	BaseURL       string
	Token         string
	FederationID  string
	GatewayID     string
	PublicBaseURL string
	Timeout       time.Duration
}

type Client struct {
	baseURL       string
	token         string
	federationID  string
	gatewayID     string
	publicBaseURL string
	httpClient    *http.Client
	pollClient    *http.Client
	publisher     events.Publisher
	backoff       backoff
	log           *zap.Logger
}

func NewClient(opts Options, publisher events.Publisher, log *zap.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		token:         opts.Token,
		federationID:  opts.FederationID,
		gatewayID:     opts.GatewayID,
		publicBaseURL: strings.TrimRight(opts.PublicBaseURL, "/"),
		httpClient:    &http.Client{Timeout: timeout},
		// long polls are bounded by the caller's context instead
		pollClient: &http.Client{},
		publisher:  publisher,
		backoff:    defaultBackoff(),
		log:        log,
	}
}

type InvoiceRequest struct {
	AmountMsats   int64
	Description   string
	ExpirySeconds int
}

type Invoice struct {
	OperationID string `json:"operationId"`
	Invoice     string `json:"invoice"`
}

func (c *Client) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	body := map[string]any{
		"amountMsat":   req.AmountMsats,
		"description":  req.Description,
		"expiryTime":   req.ExpirySeconds,
		"gatewayId":    c.gatewayID,
		"federationId": c.federationID,
	}

	var inv Invoice
	if err := c.post(ctx, c.httpClient, "/v2/ln/invoice", body, &inv); err != nil {
		return nil, err
	}
	if inv.OperationID == "" || inv.Invoice == "" {
		return nil, fmt.Errorf("mint gateway returned incomplete invoice")
	}
	return &inv, nil
}

type Payment struct {
	OperationID string `json:"operationId"`
	Status      string `json:"status"`
	FeeMsats    int64  `json:"fee"`
}

func (c *Client) Pay(ctx context.Context, invoice string) (*Payment, error) {
	body := map[string]any{
		"paymentInfo":  invoice,
		"gatewayId":    c.gatewayID,
		"federationId": c.federationID,
	}

	var p Payment
	if err := c.post(ctx, c.httpClient, "/v2/ln/pay", body, &p); err != nil {
		return nil, err
	}
	if p.OperationID == "" {
		return nil, fmt.Errorf("mint gateway returned no operation id")
	}
	if strings.EqualFold(p.Status, StatusFailed) {
		return &p, fmt.Errorf("mint gateway payment failed")
	}
	return &p, nil
}

// OperationStatus asks the gateway for ground truth. Any failure to get a
// usable answer is reported as StatusUnknown together with the error.
func (c *Client) OperationStatus(ctx context.Context, operationID string) (string, error) {
	body := map[string]any{
		"operationId":  operationID,
		"federationId": c.federationID,
	}

	var resp struct {
		Status string `json:"status"`
	}
	if err := c.post(ctx, c.httpClient, "/v2/ln/operation-status", body, &resp); err != nil {
		return StatusUnknown, err
	}
	return normalizeStatus(resp.Status), nil
}

func normalizeStatus(s string) string {
	switch strings.ToLower(s) {
	case "completed", "complete", "paid", "success", "succeeded", "claimed":
		return StatusCompleted
	case "failed", "canceled", "cancelled", "expired", "refunded":
		return StatusFailed
	case "pending", "created", "waiting", "awaiting_funds":
		return StatusPending
	case "processing", "funded", "in_flight", "awaiting_change":
		return StatusProcessing
	default:
		return StatusUnknown
	}
}

func (c *Client) post(ctx context.Context, hc *http.Client, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("mint gateway unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("mint gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode mint gateway response: %w", err)
	}
	return nil
}
