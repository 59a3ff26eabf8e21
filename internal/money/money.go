// Package money provides fixed-point monetary amounts.
//
// Amounts are stored as int64 minor units (1 unit = 0.01 of the display
// currency). All ledger arithmetic is integer arithmetic; decimal strings
// exist only at the API boundary. This removes any reconciliation epsilon:
// two amounts are equal iff their minor units are equal.
package money

import (
	"fmt"
	"strconv"
	"strings"
)

// Decimals is the number of decimal places in the display form.
const Decimals = 2

// Amount is a signed quantity of minor currency units.
type Amount int64

// Parse converts a decimal string (e.g. "12.50") to minor units (1250).
// Returns (0, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - A single leading "-" is allowed
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 2 decimal places
func Parse(s string) (Amount, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, true
	}

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" && frac == "" {
		return 0, false
	}
	if whole == "" {
		whole = "0"
	}

	// Pad or trim to 2 decimals.
	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	v, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, false
	}
	if neg {
		v = -v
	}
	return Amount(v), true
}

// MustParse is Parse for trusted literals; it panics on invalid input.
func MustParse(s string) Amount {
	a, ok := Parse(s)
	if !ok {
		panic("money: invalid amount literal " + strconv.Quote(s))
	}
	return a
}

// Format converts minor units to a decimal string with exactly two
// decimal places (1250 -> "12.50").
func Format(a Amount) string {
	neg := a < 0
	abs := int64(a)
	if neg {
		abs = -abs
	}
	s := fmt.Sprintf("%d.%02d", abs/100, abs%100)
	if neg {
		s = "-" + s
	}
	return s
}

// String implements fmt.Stringer.
func (a Amount) String() string { return Format(a) }

// Abs returns the absolute value of a.
func (a Amount) Abs() Amount {
	if a < 0 {
		return -a
	}
	return a
}
