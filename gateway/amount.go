package gateway

import (
	"fmt"
	"math"
	"strconv"

	"github.com/shopspring/decimal"
)

// VNPay carries amounts multiplied by 100; PayOS carries whole VND.
const vnpayAmountScale = 100

func scaleVNPay(amount int64) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	if amount > math.MaxInt64/vnpayAmountScale {
		return "", fmt.Errorf("%w: %d overflows wire unit", ErrInvalidAmount, amount)
	}
	return strconv.FormatInt(amount*vnpayAmountScale, 10), nil
}

func unscaleVNPay(wire string) (int64, error) {
	d, err := decimal.NewFromString(wire)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, wire)
	}
	return wholeAmount(d.Shift(-2), wire)
}

func parseWholeAmount(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return wholeAmount(d, s)
}

func wholeAmount(d decimal.Decimal, raw string) (int64, error) {
	if !d.IsInteger() || d.IsNegative() {
		return 0, fmt.Errorf("%w: %q is not a whole amount", ErrInvalidAmount, raw)
	}
	if !d.LessThanOrEqual(decimal.NewFromInt(math.MaxInt64)) {
		return 0, fmt.Errorf("%w: %q out of range", ErrInvalidAmount, raw)
	}
	return d.IntPart(), nil
}
