package lnurl

import "github.com/shopspring/decimal"

// MsatsPerBTC is 1e8 sats times 1e3 msats.
const MsatsPerBTC = 100_000_000_000

var msatsPerBTC = decimal.NewFromInt(MsatsPerBTC)

// ValidateAmount is an inclusive range check.
func ValidateAmount(amountMsats, minMsats, maxMsats int64) bool {
	return amountMsats >= minMsats && amountMsats <= maxMsats
}

// FiatToMsats converts using rate = fiat units per whole BTC.
// amountMsats = round(amountFiat / rate * 1e11).
func FiatToMsats(amountFiat, rate decimal.Decimal) int64 {
	if rate.Sign() <= 0 {
		return 0
	}
	return amountFiat.Mul(msatsPerBTC).Div(rate).Round(0).IntPart()
}

// MsatsToFiat is the inverse of FiatToMsats rounded to two decimals.
func MsatsToFiat(amountMsats int64, rate decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(amountMsats).Mul(rate).Div(msatsPerBTC).Round(2)
}

func SatsToMsats(sats int64) int64 {
	return sats * 1000
}

// MsatsToSats rounds down.
func MsatsToSats(msats int64) int64 {
	return msats / 1000
}
