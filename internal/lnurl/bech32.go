// Package lnurl holds the protocol primitives shared by every LNURL flow:
// bech32 LNURL strings, Lightning Address syntax, k1 nonces, LUD-06
// metadata and amount conversions.
package lnurl

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

const (
	HRP = "lnurl"

	// MaxURLLength is the longest URL Encode accepts. Longer payloads must
	// have their query shrunk by the caller before re-encoding.
	MaxURLLength = 1000

	lightningScheme = "lightning:"
)

var (
	ErrInvalidEncoding = errors.New("invalid lnurl encoding")
	ErrPayloadTooLarge = errors.New("lnurl payload too large")
)

// Encode bech32-encodes rawURL with the "lnurl" prefix. The result is upper
// case so it packs into the QR alphanumeric mode.
func Encode(rawURL string) (string, error) {
	if rawURL == "" {
		return "", fmt.Errorf("%w: empty url", ErrInvalidEncoding)
	}
	if len(rawURL) > MaxURLLength {
		return "", fmt.Errorf("%w: %d > %d characters", ErrPayloadTooLarge, len(rawURL), MaxURLLength)
	}

	encoded, err := bech32.EncodeFromBase256(HRP, []byte(rawURL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return strings.ToUpper(encoded), nil
}

// Decode reverses Encode. It accepts either case and an optional
// "lightning:" scheme. Bech32 normally caps strings at 90 characters; LNURLs
// routinely exceed that, so the length limit is lifted.
func Decode(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(strings.ToLower(s), lightningScheme) {
		s = s[len(lightningScheme):]
	}
	if s == "" {
		return "", fmt.Errorf("%w: empty input", ErrInvalidEncoding)
	}
	s = strings.ToLower(s)

	hrp, data, err := bech32.DecodeNoLimit(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	if hrp != HRP {
		return "", fmt.Errorf("%w: unexpected prefix %q", ErrInvalidEncoding, hrp)
	}

	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return string(raw), nil
}

// IsLNURL reports whether s looks like a bech32 LNURL. It does not verify
// the checksum.
func IsLNURL(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, lightningScheme)
	return strings.HasPrefix(s, HRP+"1")
}

// QRCode is the payload wallets scan for an encoded LNURL.
func QRCode(encoded string) string {
	return strings.ToUpper(lightningScheme) + strings.ToUpper(encoded)
}
