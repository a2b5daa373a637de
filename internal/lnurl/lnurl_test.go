package lnurl

import (
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	urls := []string{
		"https://x.io/a",
		"https://api.example.com/lnurl/withdraw/callback?k1=" + strings.Repeat("ab", 32),
		"https://service.com/api?q=3fc3645b439ce8e7f2553a69e5267081d96dcd340693afabe04be7b0ccd178df",
		"https://example.com/" + strings.Repeat("p", MaxURLLength-len("https://example.com/")),
	}

	for _, u := range urls {
		encoded, err := Encode(u)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(encoded, "LNURL1"))
		assert.Equal(t, strings.ToUpper(encoded), encoded)

		decoded, err := Decode(encoded)
		require.NoError(t, err)
		assert.Equal(t, u, decoded)

		decoded, err = Decode(strings.ToLower(encoded))
		require.NoError(t, err)
		assert.Equal(t, u, decoded)

		decoded, err = Decode("lightning:" + encoded)
		require.NoError(t, err)
		assert.Equal(t, u, decoded)
	}
}

func TestEncodeTooLarge(t *testing.T) {
	_, err := Encode("https://example.com/" + strings.Repeat("p", MaxURLLength))
	assert.True(t, errors.Is(err, ErrPayloadTooLarge))
}

func TestDecodeInvalid(t *testing.T) {
	encoded, err := Encode("https://x.io/a")
	require.NoError(t, err)

	// flip the last checksum character to another charset member
	last := encoded[len(encoded)-1]
	replacement := byte('Q')
	if last == 'Q' {
		replacement = 'P'
	}
	corrupted := encoded[:len(encoded)-1] + string(replacement)

	tests := []string{"", "not bech32", "hello world", corrupted}
	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			_, err := Decode(in)
			assert.True(t, errors.Is(err, ErrInvalidEncoding))
		})
	}
}

func TestDecodeWrongPrefix(t *testing.T) {
	_, err := Decode("bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4")
	assert.True(t, errors.Is(err, ErrInvalidEncoding))
}

func TestParseLightningAddress(t *testing.T) {
	tests := []struct {
		in        string
		valid     bool
		user      string
		domain    string
		composite bool
		member    string
		group     string
	}{
		{"alice@bitsacco.com", true, "alice", "bitsacco.com", false, "", ""},
		{"Alice@BitSacco.com", true, "alice", "bitsacco.com", false, "", ""},
		{"alice-savers@bitsacco.com", true, "alice-savers", "bitsacco.com", true, "alice", "savers"},
		{"a-b-c@bitsacco.com", true, "a-b-c", "bitsacco.com", false, "", ""},
		{"-savers@bitsacco.com", true, "-savers", "bitsacco.com", false, "", ""},
		{"alice@localhost", false, "", "", false, "", ""},
		{"alice", false, "", "", false, "", ""},
		{"@bitsacco.com", false, "", "", false, "", ""},
		{"al ice@bitsacco.com", false, "", "", false, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			addr, err := ParseLightningAddress(tt.in)
			if !tt.valid {
				assert.True(t, errors.Is(err, ErrInvalidAddress))
				assert.False(t, IsLightningAddress(tt.in))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.user, addr.User)
			assert.Equal(t, tt.domain, addr.Domain)
			assert.Equal(t, tt.composite, addr.Composite)
			assert.Equal(t, tt.member, addr.Member)
			assert.Equal(t, tt.group, addr.Group)
		})
	}
}

func TestWellKnownURL(t *testing.T) {
	addr, err := ParseLightningAddress("bob@wallet.example.org")
	require.NoError(t, err)
	assert.Equal(t, "https://wallet.example.org/.well-known/lnurlp/bob", addr.WellKnownURL())
}

func TestValidLocalPart(t *testing.T) {
	tests := []struct {
		in    string
		valid bool
	}{
		{"abc", true},
		{"alice.w_1-x", true},
		{strings.Repeat("a", 32), true},
		{"ab", false},
		{strings.Repeat("a", 33), false},
		{"al!ce", false},
		{"alice@x", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidLocalPart(tt.in))
		})
	}

	assert.True(t, IsReserved("Admin"))
	assert.True(t, IsReserved("support"))
	assert.False(t, IsReserved("alice"))
}

func TestGenerateK1(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		k1, err := GenerateK1()
		require.NoError(t, err)
		assert.Len(t, k1, 64)
		assert.True(t, ValidK1(k1))
		_, dup := seen[k1]
		assert.False(t, dup)
		seen[k1] = struct{}{}
	}
	assert.False(t, ValidK1("zz"))
	assert.False(t, ValidK1(strings.Repeat("g", 64)))
}

func TestFormatMetadata(t *testing.T) {
	md := FormatMetadata("Pay alice", "alice@bitsacco.com", "")
	assert.Equal(t, `[["text/plain","Pay alice"],["text/identifier","alice@bitsacco.com"]]`, md)
	assert.Equal(t, "Pay alice", MetadataDescription(md))

	md = FormatMetadata("x", "", "data:image/png;base64,AAAA")
	assert.Equal(t, `[["text/plain","x"],["image/png;base64","AAAA"]]`, md)

	assert.Equal(t, "", MetadataDescription("not json"))
}

func TestValidateAmount(t *testing.T) {
	tests := []struct {
		amount, min, max int64
		expected         bool
	}{
		{1000, 1000, 5000, true},
		{5000, 1000, 5000, true},
		{3000, 1000, 5000, true},
		{999, 1000, 5000, false},
		{5001, 1000, 5000, false},
		{0, 1000, 5000, false},
		{1000, 1000, 1000, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, ValidateAmount(tt.amount, tt.min, tt.max), "%d in [%d,%d]", tt.amount, tt.min, tt.max)
	}
}

func TestFiatRoundTripDrift(t *testing.T) {
	amounts := []string{"100", "100.01", "250.5", "999.99", "1234.56", "50000", "1000000.75"}
	rates := []string{"14000000", "9876543.21", "65000", "150000000", "27.5"}

	cent := decimal.RequireFromString("0.01")
	for _, a := range amounts {
		for _, r := range rates {
			amount := decimal.RequireFromString(a)
			rate := decimal.RequireFromString(r)

			msats := FiatToMsats(amount, rate)
			back := MsatsToFiat(msats, rate)

			drift := back.Sub(amount).Abs()
			assert.True(t, drift.LessThan(cent), "a=%s r=%s msats=%d back=%s", a, r, msats, back)
		}
	}
}

func TestFiatToMsats(t *testing.T) {
	// 1 BTC worth of fiat is 1e11 msats
	assert.Equal(t, int64(MsatsPerBTC), FiatToMsats(decimal.NewFromInt(65000), decimal.NewFromInt(65000)))
	assert.Equal(t, int64(0), FiatToMsats(decimal.NewFromInt(10), decimal.Zero))
	assert.Equal(t, int64(21000), SatsToMsats(21))
	assert.Equal(t, int64(21), MsatsToSats(21999))
}

func TestIsCompositeLocalPart(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"alice-savers", true},
		{"Alice-Savers", true},
		{"alice", false},
		{"a-b-c", false},
		{"-savers", false},
		{"alice-", false},
		{"alice_savers", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, IsCompositeLocalPart(tt.in))
		})
	}
}
