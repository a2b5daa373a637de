package dto

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks the struct tags of a request and flattens the first
// failures into one readable message.
func Validate(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", field, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// Withdraw links

type CreateWithdrawLinkRequest struct {
	AmountMsats     int64   `json:"amount_msats" validate:"required,gt=0"`
	Description     string  `json:"description" validate:"max=200"`
	ExpiryMinutes   int     `json:"expiry_minutes" validate:"gte=0,lte=10080"`
	SingleUse       *bool   `json:"single_use,omitempty"`
	MaxUses         int     `json:"max_uses" validate:"gte=0,lte=1000"`
	MinWithdrawable *int64  `json:"min_withdrawable,omitempty" validate:"omitempty,gt=0"`
	MaxWithdrawable *int64  `json:"max_withdrawable,omitempty" validate:"omitempty,gt=0"`
	WalletKind      string  `json:"wallet_kind" validate:"omitempty,oneof=personal group"`
	GroupID         *string `json:"group_id,omitempty" validate:"omitempty,uuid"`
}

// Addresses

type ClaimAddressRequest struct {
	LocalPart      string  `json:"local_part" validate:"omitempty,min=3,max=32"`
	Type           string  `json:"type" validate:"omitempty,oneof=personal group member_of_group"`
	GroupID        *string `json:"group_id,omitempty" validate:"omitempty,uuid"`
	Description    *string `json:"description,omitempty" validate:"omitempty,max=500"`
	MinSendable    *int64  `json:"min_sendable,omitempty" validate:"omitempty,gt=0"`
	MaxSendable    *int64  `json:"max_sendable,omitempty" validate:"omitempty,gt=0"`
	CommentAllowed *int    `json:"comment_allowed,omitempty" validate:"omitempty,gte=0,lte=2000"`
}

type UpdateAddressRequest struct {
	Description          *string `json:"description,omitempty" validate:"omitempty,max=500"`
	Image                *string `json:"image,omitempty"`
	MinSendable          *int64  `json:"min_sendable,omitempty" validate:"omitempty,gt=0"`
	MaxSendable          *int64  `json:"max_sendable,omitempty" validate:"omitempty,gt=0"`
	CommentAllowed       *int    `json:"comment_allowed,omitempty" validate:"omitempty,gte=0,lte=2000"`
	AllowComments        *bool   `json:"allow_comments,omitempty"`
	NotifyOnPayment      *bool   `json:"notify_on_payment,omitempty"`
	CustomSuccessMessage *string `json:"custom_success_message,omitempty" validate:"omitempty,max=144"`
	Enabled              *bool   `json:"enabled,omitempty"`
}

// External payments

type PayExternalRequest struct {
	Target     string  `json:"target" validate:"required,max=2048"`
	AmountSats int64   `json:"amount_sats" validate:"required,gt=0"`
	Comment    string  `json:"comment" validate:"max=2000"`
	WalletKind string  `json:"wallet_kind" validate:"omitempty,oneof=personal group"`
	GroupID    *string `json:"group_id,omitempty" validate:"omitempty,uuid"`
	Reference  string  `json:"reference" validate:"max=200"`
	TxID       *string `json:"tx_id,omitempty" validate:"omitempty,uuid"`
	SaveTarget bool    `json:"save_target"`
}

type UpdatePaymentTargetRequest struct {
	Nickname       *string `json:"nickname,omitempty" validate:"omitempty,max=100"`
	IsFavorite     *bool   `json:"is_favorite,omitempty"`
	DefaultComment *string `json:"default_comment,omitempty" validate:"omitempty,max=2000"`
}
