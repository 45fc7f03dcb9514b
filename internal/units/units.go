// Package units converts between decimal token amounts ("1.5") and the
// integer base units the ledger stores (1500000 at 6 decimals).
package units

import (
	"errors"
	"math"
	"math/big"
	"strings"
)

// MaxDecimals bounds the decimal places a mint may use.
const MaxDecimals = 18

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrTooManyDecimals = errors.New("amount has more decimal places than the mint")
	ErrOverflow        = errors.New("amount exceeds the largest storable value")
)

// Parse converts a decimal string to base units.
//
// Rules:
//   - Negative amounts and empty strings are rejected
//   - Multiple decimal points are rejected
//   - Extra fractional digits are accepted only when they are zeros
//   - The result must fit in a signed 64-bit integer
func Parse(s string, decimals int) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return 0, ErrInvalidAmount
	}
	if decimals < 0 || decimals > MaxDecimals {
		return 0, ErrInvalidAmount
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, ErrInvalidAmount
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" && frac == "" {
		return 0, ErrInvalidAmount
	}
	if whole == "" {
		whole = "0"
	}
	if !isDigits(whole) || !isDigits(frac) {
		return 0, ErrInvalidAmount
	}

	if len(frac) > decimals {
		if strings.Trim(frac[decimals:], "0") != "" {
			return 0, ErrTooManyDecimals
		}
		frac = frac[:decimals]
	}
	frac += strings.Repeat("0", decimals-len(frac))

	n, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return 0, ErrInvalidAmount
	}
	if !n.IsInt64() {
		return 0, ErrOverflow
	}
	return n.Uint64(), nil
}

// Format renders base units with exactly decimals fractional digits.
func Format(amount uint64, decimals int) string {
	if decimals <= 0 {
		return new(big.Int).SetUint64(amount).String()
	}
	s := new(big.Int).SetUint64(amount).String()
	if len(s) <= decimals {
		s = strings.Repeat("0", decimals-len(s)+1) + s
	}
	point := len(s) - decimals
	return s[:point] + "." + s[point:]
}

// Max returns the largest amount the ledger can hold, formatted.
func Max(decimals int) string {
	return Format(math.MaxInt64, decimals)
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
