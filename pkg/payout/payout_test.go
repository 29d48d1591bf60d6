package payout

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeeRoundsHalfUp(t *testing.T) {
	tests := []struct {
		name   string
		amount int64
		rate   string
		want   int64
	}{
		{"Exact", 10000, "0.03", 300},
		{"Round down", 1001, "0.03", 30},  // 30.03
		{"Half rounds up", 1050, "0.03", 32}, // 31.5
		{"Zero", 0, "0.03", 0},
		{"Custom rate", 12345, "0.025", 309}, // 308.625
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Fee(tt.amount, decimal.RequireFromString(tt.rate)))
		})
	}
}

func TestExponent(t *testing.T) {
	assert.Equal(t, int32(2), Exponent("usd"))
	assert.Equal(t, int32(0), Exponent("JPY"))
	assert.Equal(t, int32(0), Exponent("krw"))
}

func TestConvert(t *testing.T) {
	rates, err := NewRates("USD", map[string]string{"EUR": "0.92", "JPY": "151.5", "gbp": "0.79"})
	require.NoError(t, err)

	tests := []struct {
		name     string
		amount   int64
		from, to string
		want     int64
	}{
		{"Same currency", 1234, "USD", "usd", 1234},
		{"Base to quote", 10000, "USD", "EUR", 9200},
		{"Into zero-decimal", 10000, "USD", "JPY", 15150},
		{"From zero-decimal", 15150, "JPY", "USD", 10000},
		{"Cross rate", 9200, "EUR", "GBP", 7900},
		{"Rounds half up", 1, "USD", "EUR", 1}, // 0.92 cents
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rates.Convert(tt.amount, tt.from, tt.to)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err = rates.Convert(100, "USD", "CHF")
	assert.ErrorIs(t, err, ErrUnknownRate)

	var none *Rates
	_, err = none.Convert(100, "USD", "EUR")
	assert.ErrorIs(t, err, ErrUnknownRate)
	got, err := none.Convert(100, "USD", "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(100), got)
}

func TestNewRatesRejectsBadQuotes(t *testing.T) {
	_, err := NewRates("USD", map[string]string{"EUR": "abc"})
	assert.Error(t, err)
	_, err = NewRates("USD", map[string]string{"EUR": "0"})
	assert.Error(t, err)
}

func TestCalculate(t *testing.T) {
	rates, err := NewRates("USD", map[string]string{"EUR": "0.5"})
	require.NoError(t, err)

	q, err := Calculate(2000, "usd", "eur", DefaultFeeRate, rates)
	require.NoError(t, err)
	assert.Equal(t, int64(60), q.Fee)
	assert.Equal(t, int64(2060), q.Total)
	assert.Equal(t, int64(1000), q.PayoutAmount)
	assert.Equal(t, "EUR", q.PayoutCurrency)

	q, err = Calculate(2000, "USD", "", DefaultFeeRate, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), q.PayoutAmount)
	assert.Equal(t, "USD", q.PayoutCurrency)

	_, err = Calculate(-1, "USD", "", DefaultFeeRate, nil)
	assert.Error(t, err)
}
