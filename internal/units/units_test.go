package units

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		input    string
		decimals int
		want     uint64
	}{
		{"1", 6, 1_000_000},
		{"1.5", 6, 1_500_000},
		{"1.50", 6, 1_500_000},
		{"0.000001", 6, 1},
		{".25", 6, 250_000},
		{"3.", 6, 3_000_000},
		{"1000000", 6, 1_000_000_000_000},
		{"7", 0, 7},
		{"0.1", 9, 100_000_000},
		{" 2.5 ", 2, 250},
		{"1.500000000", 6, 1_500_000},
	}
	for _, tt := range tests {
		got, err := Parse(tt.input, tt.decimals)
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.want, got, tt.input)
	}
}

func TestParse_ZeroVariants(t *testing.T) {
	for _, s := range []string{"0", "0.0", "0.000000", ".0", "00"} {
		got, err := Parse(s, 6)
		require.NoError(t, err, s)
		assert.Equal(t, uint64(0), got, s)
	}
}

func TestParse_InvalidInputs(t *testing.T) {
	for _, s := range []string{"", "-1", "+1", "1.2.3", "abc", "1e6", "1,5", ".", "0x10"} {
		_, err := Parse(s, 6)
		assert.ErrorIs(t, err, ErrInvalidAmount, "%q", s)
	}
}

func TestParse_TooManyDecimals(t *testing.T) {
	_, err := Parse("1.0000001", 6)
	assert.ErrorIs(t, err, ErrTooManyDecimals)

	_, err = Parse("0.5", 0)
	assert.ErrorIs(t, err, ErrTooManyDecimals)
}

func TestParse_Overflow(t *testing.T) {
	_, err := Parse("9223372036854.775807", 6)
	require.NoError(t, err)

	_, err = Parse("9223372036854.775808", 6)
	assert.ErrorIs(t, err, ErrOverflow)

	_, err = Parse("100000000000000000000", 0)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestParse_BadDecimals(t *testing.T) {
	_, err := Parse("1", -1)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = Parse("1", MaxDecimals+1)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestFormat(t *testing.T) {
	tests := []struct {
		amount   uint64
		decimals int
		want     string
	}{
		{0, 6, "0.000000"},
		{1, 6, "0.000001"},
		{1_500_000, 6, "1.500000"},
		{123_456_789, 6, "123.456789"},
		{42, 0, "42"},
		{5, 2, "0.05"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Format(tt.amount, tt.decimals))
	}
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []string{"0.000000", "1.000000", "999.999999", "0.100000"} {
		n, err := Parse(s, 6)
		require.NoError(t, err)
		assert.Equal(t, s, Format(n, 6))
	}
}

func TestMax(t *testing.T) {
	assert.Equal(t, "9223372036854.775807", Max(6))
	n, err := Parse(Max(6), 6)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxInt64), n)
}
