// Package money holds USDC amount helpers. Amounts are decimals in the major
// unit; persistence uses integer micro-USDC so that totals sum exactly.
package money

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// USDCDecimals is the number of fractional digits USDC carries.
const USDCDecimals = 6

var (
	// ErrInvalidAmount is returned when an amount string cannot be parsed.
	ErrInvalidAmount = errors.New("money: invalid amount")
	// ErrTooPrecise is returned when an amount has more than six decimal places.
	ErrTooPrecise = errors.New("money: amount finer than 1 micro-USDC")
	// ErrOverflow is returned when an amount does not fit into int64 micro units.
	ErrOverflow = errors.New("money: amount overflows micro-USDC range")
)

// ParseUSDC parses a major-unit string such as "0.001".
func ParseUSDC(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return d, nil
}

// ToMicros converts a USDC amount into integer micro-USDC. Amounts that would
// need rounding are rejected.
func ToMicros(amount decimal.Decimal) (int64, error) {
	shifted := amount.Shift(USDCDecimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s", ErrTooPrecise, amount.String())
	}
	v := shifted.BigInt()
	if !v.IsInt64() {
		return 0, fmt.Errorf("%w: %s", ErrOverflow, amount.String())
	}
	return v.Int64(), nil
}

// FromMicros converts integer micro-USDC back into a decimal amount.
func FromMicros(micros int64) decimal.Decimal {
	return decimal.New(micros, -USDCDecimals)
}

// ToBaseUnits converts an amount into the integer base units of a token with
// the given number of decimals (18 for native EVM value).
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	shifted := amount.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("%w: %s has more than %d decimals", ErrTooPrecise, amount.String(), decimals)
	}
	return shifted.BigInt(), nil
}

// FromBaseUnits converts integer base units back into a decimal amount.
func FromBaseUnits(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

// Format renders an amount for display with a fixed number of places.
func Format(amount decimal.Decimal, places int32) string {
	if places < 0 {
		places = 0
	}
	if places > math.MaxInt8 {
		places = math.MaxInt8
	}
	return amount.StringFixed(places)
}
