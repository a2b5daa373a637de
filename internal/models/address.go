package models

import (
	"time"

	"github.com/google/uuid"
)

// Address types
const (
	AddressPersonal      = "personal"
	AddressGroup         = "group"
	AddressMemberOfGroup = "member_of_group"
)

type AddressMetadata struct {
	Description    string `json:"description"`
	ImageBase64    string `json:"image,omitempty"`
	MinSendable    int64  `json:"min_sendable"`
	MaxSendable    int64  `json:"max_sendable"`
	CommentAllowed int    `json:"comment_allowed"`
}

type AddressSettings struct {
	Enabled              bool   `json:"enabled"`
	AllowComments        bool   `json:"allow_comments"`
	NotifyOnPayment      bool   `json:"notify_on_payment"`
	CustomSuccessMessage string `json:"custom_success_message,omitempty"`
}

type AddressStats struct {
	TotalReceivedMsats int64      `json:"total_received_msats"`
	PaymentCount       int64      `json:"payment_count"`
	LastPaymentAt      *time.Time `json:"last_payment_at,omitempty"`
}

// Address is a Lightning Address registration. Group addresses carry the
// group id; member-of-group addresses also point at the member's personal
// address.
type Address struct {
	ID              uuid.UUID       `json:"id"`
	LocalPart       string          `json:"local_part"`
	Domain          string          `json:"domain"`
	Type            string          `json:"type"`
	OwnerID         uuid.UUID       `json:"owner_id"`
	GroupID         *uuid.UUID      `json:"group_id,omitempty"`
	MemberAddressID *uuid.UUID      `json:"member_address_id,omitempty"`
	Metadata        AddressMetadata `json:"metadata"`
	Settings        AddressSettings `json:"settings"`
	Stats           AddressStats    `json:"stats"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (a *Address) FullAddress() string {
	return a.LocalPart + "@" + a.Domain
}

// ResolvedAddress is an internal address plus the wallet a payment to it credits.
type ResolvedAddress struct {
	Address    *Address   `json:"address"`
	WalletKind string     `json:"wallet_kind"`
	UserID     uuid.UUID  `json:"user_id"`
	GroupID    *uuid.UUID `json:"group_id,omitempty"`
	MemberID   *uuid.UUID `json:"member_id,omitempty"`
}
