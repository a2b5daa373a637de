package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/lnurl-bridge/backend/internal/lnurl"
)

// External target types
const (
	TargetLightningAddress = "lightning_address"
	TargetLnurl            = "lnurl"
	TargetURL              = "url"
)

// CachedPayMetadata is the last fetched payRequest for a saved target. It
// expires on its own schedule, independent of the target record.
type CachedPayMetadata struct {
	PayRequest lnurl.PayResponse `json:"pay_request"`
	FetchedAt  time.Time         `json:"fetched_at"`
	TTLSeconds int               `json:"ttl_seconds"`
}

func (c *CachedPayMetadata) Fresh(now time.Time) bool {
	if c == nil {
		return false
	}
	return now.Before(c.FetchedAt.Add(time.Duration(c.TTLSeconds) * time.Second))
}

type PaymentTargetStats struct {
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	TotalSentMsats int64      `json:"total_sent_msats"`
	PaymentCount   int64      `json:"payment_count"`
}

type PaymentTargetPreferences struct {
	Nickname       string `json:"nickname,omitempty"`
	IsFavorite     bool   `json:"is_favorite"`
	DefaultComment string `json:"default_comment,omitempty"`
}

type ExternalPaymentTarget struct {
	ID          uuid.UUID                `json:"id"`
	UserID      uuid.UUID                `json:"user_id"`
	TargetType  string                   `json:"target_type"`
	Address     string                   `json:"address"`
	Domain      string                   `json:"domain"`
	Metadata    *CachedPayMetadata       `json:"metadata,omitempty"`
	Stats       PaymentTargetStats       `json:"stats"`
	Preferences PaymentTargetPreferences `json:"preferences"`
	CreatedAt   time.Time                `json:"created_at"`
	UpdatedAt   time.Time                `json:"updated_at"`
}
