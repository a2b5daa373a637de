package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lnurl-bridge/backend/internal/models"
)

var errNotFoundUpstream = errors.New("not found")

// collaboratorClient is the shared plumbing for the internal HTTP services
// this one depends on (wallets, groups, rates).
type collaboratorClient struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

func newCollaboratorClient(name, baseURL string, timeout time.Duration) collaboratorClient {
	return collaboratorClient{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c collaboratorClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s service unavailable: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFoundUpstream
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s service returned %d: %s", c.name, resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// --- wallets ---

type DepositRequest struct {
	TxID        uuid.UUID       `json:"tx_id"`
	WalletKind  string          `json:"wallet_kind"`
	UserID      uuid.UUID       `json:"user_id"`
	GroupID     *uuid.UUID      `json:"group_id,omitempty"`
	MemberID    *uuid.UUID      `json:"member_id,omitempty"`
	AmountMsats int64           `json:"amount_msats"`
	AmountFiat  decimal.Decimal `json:"amount_fiat"`
	Currency    string          `json:"currency,omitempty"`
	OperationID string          `json:"operation_id"`
	Reference   string          `json:"reference"`
}

type WalletWithdrawRequest struct {
	TxID        uuid.UUID  `json:"tx_id"`
	WalletKind  string     `json:"wallet_kind"`
	UserID      uuid.UUID  `json:"user_id"`
	GroupID     *uuid.UUID `json:"group_id,omitempty"`
	AmountMsats int64      `json:"amount_msats"`
	Invoice     string     `json:"invoice"`
	Reference   string     `json:"reference"`
	// ExistingTxID continues a withdrawal the wallet already knows about.
	ExistingTxID string `json:"existing_tx_id,omitempty"`
}

// Wallet-side statuses.
const (
	WalletStatusPending    = "pending"
	WalletStatusProcessing = "processing"
	WalletStatusComplete   = "complete"
	WalletStatusFailed     = "failed"
)

type WalletResult struct {
	TxID        string `json:"tx_id"`
	OperationID string `json:"operation_id,omitempty"`
	Status      string `json:"status"`
	FeeMsats    int64  `json:"fee_msats,omitempty"`
	Message     string `json:"message,omitempty"`
}

// WalletClient calls the personal and group wallet services.
type WalletClient struct {
	client collaboratorClient
	log    *zap.Logger
}

func NewWalletClient(baseURL string, log *zap.Logger) *WalletClient {
	return &WalletClient{client: newCollaboratorClient("wallet", baseURL, 15*time.Second), log: log}
}

func walletPath(kind, op string) string {
	if kind == models.WalletGroup {
		return "/internal/group-wallets/" + op
	}
	return "/internal/wallets/" + op
}

func (c *WalletClient) Deposit(ctx context.Context, req DepositRequest) (*WalletResult, error) {
	var res WalletResult
	if err := c.client.do(ctx, http.MethodPost, walletPath(req.WalletKind, "deposit"), req, &res); err != nil {
		return nil, err
	}
	c.log.Info("wallet credited",
		zap.String("tx_id", req.TxID.String()),
		zap.String("wallet_kind", req.WalletKind),
		zap.Int64("amount_msats", req.AmountMsats),
	)
	return &res, nil
}

func (c *WalletClient) Withdraw(ctx context.Context, req WalletWithdrawRequest) (*WalletResult, error) {
	var res WalletResult
	if err := c.client.do(ctx, http.MethodPost, walletPath(req.WalletKind, "withdraw"), req, &res); err != nil {
		return nil, err
	}
	if res.Status == WalletStatusFailed {
		return &res, fmt.Errorf("wallet withdraw failed: %s", res.Message)
	}
	return &res, nil
}

// --- groups ---

type Membership struct {
	Role   string `json:"role"`
	Active bool   `json:"active"`
}

// GroupClient asks the group service about memberships.
type GroupClient struct {
	client collaboratorClient
}

func NewGroupClient(baseURL string) *GroupClient {
	return &GroupClient{client: newCollaboratorClient("group", baseURL, 10*time.Second)}
}

// Membership returns an inactive membership when the user is not in the group.
func (c *GroupClient) Membership(ctx context.Context, groupID, userID uuid.UUID) (*Membership, error) {
	var m Membership
	err := c.client.do(ctx, http.MethodGet, fmt.Sprintf("/internal/groups/%s/members/%s", groupID, userID), nil, &m)
	if errors.Is(err, errNotFoundUpstream) {
		return &Membership{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// --- rates ---

const rateCacheTTL = time.Minute

// RatesClient looks up BTC→fiat rates, caching each currency in Redis for a minute.
type RatesClient struct {
	client collaboratorClient
	rdb    *redis.Client
	log    *zap.Logger
}

func NewRatesClient(baseURL string, rdb *redis.Client, log *zap.Logger) *RatesClient {
	return &RatesClient{client: newCollaboratorClient("rates", baseURL, 5*time.Second), rdb: rdb, log: log}
}

func (c *RatesClient) Rate(ctx context.Context, currency string) (decimal.Decimal, error) {
	currency = strings.ToUpper(currency)
	key := "fx:btc:" + currency

	if c.rdb != nil {
		if cached, err := c.rdb.Get(ctx, key).Result(); err == nil {
			if rate, err := decimal.NewFromString(cached); err == nil {
				return rate, nil
			}
		} else if err != redis.Nil {
			c.log.Warn("rate cache read failed", zap.Error(err))
		}
	}

	var res struct {
		Rate decimal.Decimal `json:"rate"`
	}
	if err := c.client.do(ctx, http.MethodGet, "/internal/rates/btc/"+currency, nil, &res); err != nil {
		return decimal.Zero, err
	}
	if !res.Rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("rates service returned non-positive rate for %s", currency)
	}

	if c.rdb != nil {
		if err := c.rdb.Set(ctx, key, res.Rate.String(), rateCacheTTL).Err(); err != nil {
			c.log.Warn("rate cache write failed", zap.Error(err))
		}
	}
	return res.Rate, nil
}
