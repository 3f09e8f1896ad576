// Package money provides integer minor-unit arithmetic for balances and fees.
//
// Every amount in the system is an int64 count of the currency's minor unit
// (cents for USD). Decimal strings only appear at the API edge.
package money

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Decimals is the number of minor-unit digits for supported currencies.
const Decimals = 2

// MaxBPS is 100% expressed in basis points.
const MaxBPS = 10_000

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrInvalidBPS    = errors.New("basis points must be between 0 and 10000")
)

// Percent returns amount*bps/10000 rounded half-up. amount must be
// non-negative. The computation never overflows for any int64 amount.
func Percent(amount, bps int64) (int64, error) {
	if amount < 0 {
		return 0, ErrInvalidAmount
	}
	if bps < 0 || bps > MaxBPS {
		return 0, ErrInvalidBPS
	}
	q, r := amount/MaxBPS, amount%MaxBPS
	return q*bps + (r*bps+MaxBPS/2)/MaxBPS, nil
}

// SplitFee divides amount into the platform fee and the payee's share.
// fee + payout == amount for every input.
func SplitFee(amount, feeBPS int64) (fee, payout int64, err error) {
	fee, err = Percent(amount, feeBPS)
	if err != nil {
		return 0, 0, err
	}
	return fee, amount - fee, nil
}

// Format renders minor units as a fixed two-decimal string ("50.00").
func Format(minor int64) string {
	return decimal.New(minor, -Decimals).StringFixed(Decimals)
}
