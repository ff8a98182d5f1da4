// Package money provides exact integer arithmetic for micro-USD amounts and
// basis-point math. All ledger math in the system goes through this package;
// nothing here uses floating point.
package money

import (
	"errors"
	"fmt"
	"math"
	"math/big"
)

// Micro is a monetary amount in micro-USD. 1 USD = 1,000,000 micro-USD.
type Micro = int64

const (
	// MicroPerUSD is the number of micro-USD units in one USD.
	MicroPerUSD Micro = 1_000_000

	// FullShareBps is the basis-point value representing 100%.
	FullShareBps int64 = 10_000
)

var (
	ErrOverflow     = errors.New("arithmetic overflow")
	ErrDivideByZero = errors.New("divide by zero")
	ErrNegative     = errors.New("amount must not be negative")
)

// Add returns a+b, or ErrOverflow if the sum does not fit in int64.
func Add(a, b Micro) (Micro, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, fmt.Errorf("%d + %d: %w", a, b, ErrOverflow)
	}
	return sum, nil
}

// Sub returns a-b, or ErrOverflow on underflow/overflow.
func Sub(a, b Micro) (Micro, error) {
	diff := a - b
	if (b < 0 && diff < a) || (b > 0 && diff > a) {
		return 0, fmt.Errorf("%d - %d: %w", a, b, ErrOverflow)
	}
	return diff, nil
}

// Sum adds all amounts, failing on overflow at any partial sum.
func Sum(amounts ...Micro) (Micro, error) {
	var total Micro
	for _, a := range amounts {
		var err error
		total, err = Add(total, a)
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}

// MulDiv returns floor(a*num/den) computed exactly, without intermediate
// overflow. All three operands must be non-negative; den must be positive.
func MulDiv(a Micro, num, den int64) (Micro, error) {
	if den == 0 {
		return 0, ErrDivideByZero
	}
	if a < 0 || num < 0 || den < 0 {
		return 0, fmt.Errorf("MulDiv(%d, %d, %d): %w", a, num, den, ErrNegative)
	}
	result := new(big.Int).Mul(big.NewInt(a), big.NewInt(num))
	result.Div(result, big.NewInt(den))
	if !result.IsInt64() {
		return 0, fmt.Errorf("MulDiv(%d, %d, %d): %w", a, num, den, ErrOverflow)
	}
	return result.Int64(), nil
}

// ApplyBps returns amount*bps/10000 truncated toward zero.
//
// Deliberately permissive: negative and >10000 basis-point values pass
// through unguarded, matching the behavior callers of the original helper
// rely on. Range validation belongs to the governance boundary where rules
// are accepted, not here. The only failure mode is a result that does not
// fit in int64.
func ApplyBps(amount Micro, bps int64) (Micro, error) {
	result := new(big.Int).Mul(big.NewInt(amount), big.NewInt(bps))
	result.Quo(result, big.NewInt(FullShareBps))
	if !result.IsInt64() {
		return 0, fmt.Errorf("ApplyBps(%d, %d): %w", amount, bps, ErrOverflow)
	}
	return result.Int64(), nil
}

// ValidBpsSplit reports whether the given basis-point fields are each in
// [0, 10000] and sum to exactly 10000.
func ValidBpsSplit(fields ...int64) bool {
	var sum int64
	for _, f := range fields {
		if f < 0 || f > FullShareBps {
			return false
		}
		sum += f
	}
	return sum == FullShareBps
}

// FormatUSD renders a micro-USD amount as a dollar string for logs.
func FormatUSD(m Micro) string {
	sign := ""
	if m < 0 {
		sign = "-"
		if m == math.MinInt64 {
			// Avoid negation overflow for the minimum value.
			return "-9223372036854.775808"
		}
		m = -m
	}
	return fmt.Sprintf("%s%d.%06d", sign, m/MicroPerUSD, m%MicroPerUSD)
}
