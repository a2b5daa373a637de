package mint

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

var ErrInvalidInvoice = errors.New("invalid bolt11 invoice")

const (
	defaultInvoiceExpiry = 3600 * time.Second
	signatureGroups      = 104 // 65 bytes
	timestampGroups      = 7
)

// BOLT11 tag types (bech32 charset positions).
const (
	tagPaymentHash     = 1  // p
	tagDescription     = 13 // d
	tagExpiry          = 6  // x
	tagPayee           = 19 // n
	tagDescriptionHash = 23 // h
)

type DecodedInvoice struct {
	Network         string        `json:"network"`
	AmountMsats     int64         `json:"amount_msats"` // 0 when the invoice has no amount
	Timestamp       time.Time     `json:"timestamp"`
	Expiry          time.Duration `json:"expiry"`
	PaymentHash     string        `json:"payment_hash"`
	Description     string        `json:"description,omitempty"`
	DescriptionHash string        `json:"description_hash,omitempty"`
	Payee           string        `json:"payee,omitempty"`
}

func (d *DecodedInvoice) ExpiresAt() time.Time {
	return d.Timestamp.Add(d.Expiry)
}

// DecodeInvoice parses the fields of a BOLT11 invoice that the flows need.
// The signature is not verified; the gateway does that when paying.
func (c *Client) DecodeInvoice(invoice string) (*DecodedInvoice, error) {
	return DecodeInvoice(invoice)
}

func DecodeInvoice(invoice string) (*DecodedInvoice, error) {
	invoice = strings.ToLower(strings.TrimSpace(invoice))
	invoice = strings.TrimPrefix(invoice, "lightning:")

	hrp, data, err := bech32.DecodeNoLimit(invoice)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInvoice, err)
	}
	if !strings.HasPrefix(hrp, "ln") {
		return nil, fmt.Errorf("%w: prefix %q", ErrInvalidInvoice, hrp)
	}
	if len(data) < timestampGroups+signatureGroups {
		return nil, fmt.Errorf("%w: too short", ErrInvalidInvoice)
	}

	network, amount, err := parseHRP(hrp[2:])
	if err != nil {
		return nil, err
	}

	out := &DecodedInvoice{
		Network:     network,
		AmountMsats: amount,
		Expiry:      defaultInvoiceExpiry,
		Timestamp:   time.Unix(int64(groupsToUint(data[:timestampGroups])), 0).UTC(),
	}

	fields := data[timestampGroups : len(data)-signatureGroups]
	for len(fields) >= 3 {
		tag := fields[0]
		length := int(fields[1])<<5 | int(fields[2])
		fields = fields[3:]
		if length > len(fields) {
			return nil, fmt.Errorf("%w: truncated tagged field", ErrInvalidInvoice)
		}
		value := fields[:length]
		fields = fields[length:]

		switch tag {
		case tagPaymentHash:
			if length != 52 {
				continue
			}
			b, err := bech32.ConvertBits(value, 5, 8, false)
			if err != nil {
				return nil, fmt.Errorf("%w: payment hash: %v", ErrInvalidInvoice, err)
			}
			out.PaymentHash = hex.EncodeToString(b)
		case tagDescription:
			b, err := bech32.ConvertBits(value, 5, 8, false)
			if err != nil {
				return nil, fmt.Errorf("%w: description: %v", ErrInvalidInvoice, err)
			}
			out.Description = string(b)
		case tagDescriptionHash:
			if length != 52 {
				continue
			}
			b, err := bech32.ConvertBits(value, 5, 8, false)
			if err != nil {
				return nil, fmt.Errorf("%w: description hash: %v", ErrInvalidInvoice, err)
			}
			out.DescriptionHash = hex.EncodeToString(b)
		case tagExpiry:
			out.Expiry = time.Duration(groupsToUint(value)) * time.Second
		case tagPayee:
			if length != 53 {
				continue
			}
			b, err := bech32.ConvertBits(value, 5, 8, false)
			if err != nil {
				return nil, fmt.Errorf("%w: payee: %v", ErrInvalidInvoice, err)
			}
			out.Payee = hex.EncodeToString(b)
		}
	}

	if out.PaymentHash == "" {
		return nil, fmt.Errorf("%w: missing payment hash", ErrInvalidInvoice)
	}
	return out, nil
}

// parseHRP splits "bc2500u" into network and amount in msats.
func parseHRP(s string) (string, int64, error) {
	i := strings.IndexAny(s, "0123456789")
	if i < 0 {
		return s, 0, nil
	}
	network, amountPart := s[:i], s[i:]
	if network == "" {
		return "", 0, fmt.Errorf("%w: missing network", ErrInvalidInvoice)
	}

	multiplier := amountPart[len(amountPart)-1]
	digits := amountPart
	if multiplier < '0' || multiplier > '9' {
		digits = amountPart[:len(amountPart)-1]
	} else {
		multiplier = 0
	}

	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n <= 0 {
		return "", 0, fmt.Errorf("%w: amount %q", ErrInvalidInvoice, amountPart)
	}

	// 1 BTC = 1e11 msats
	switch multiplier {
	case 0:
		return network, n * 100_000_000_000, nil
	case 'm':
		return network, n * 100_000_000, nil
	case 'u':
		return network, n * 100_000, nil
	case 'n':
		return network, n * 100, nil
	case 'p':
		if n%10 != 0 {
			return "", 0, fmt.Errorf("%w: sub-millisatoshi amount", ErrInvalidInvoice)
		}
		return network, n / 10, nil
	default:
		return "", 0, fmt.Errorf("%w: multiplier %q", ErrInvalidInvoice, multiplier)
	}
}

func groupsToUint(groups []byte) uint64 {
	var v uint64
	for _, g := range groups {
		v = v<<5 | uint64(g)
	}
	return v
}
