// Package payout computes payout fees and currency conversion in minor units.
package payout

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultFeeRate is charged on top of each payout
var DefaultFeeRate = decimal.RequireFromString("0.03")

var ErrUnknownRate = errors.New("no exchange rate for currency pair")

// zeroDecimal lists currencies without a minor unit
var zeroDecimal = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true,
	"KMF": true, "KRW": true, "MGA": true, "PYG": true, "RWF": true,
	"UGX": true, "VND": true, "VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

// Exponent returns the number of minor-unit digits for a currency
func Exponent(currency string) int32 {
	if zeroDecimal[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// ToMajor converts minor units to a decimal amount in major units
func ToMajor(amount int64, currency string) decimal.Decimal {
	return decimal.New(amount, -Exponent(currency))
}

// ToMinor rounds a major-unit amount half away from zero into minor units
func ToMinor(amount decimal.Decimal, currency string) int64 {
	return amount.Shift(Exponent(currency)).Round(0).IntPart()
}

// Fee returns the fee on amount (minor units) at rate, rounded half up
func Fee(amount int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(rate).Round(0).IntPart()
}

// Rates converts between currencies. Rates are quoted as units of the key
// currency per one unit of the base currency.
type Rates struct {
	Base  string
	Quote map[string]decimal.Decimal
}

// NewRates builds a rate table from string quotes, e.g. {"EUR": "0.92"}
func NewRates(base string, quotes map[string]string) (*Rates, error) {
	r := &Rates{Base: strings.ToUpper(base), Quote: make(map[string]decimal.Decimal, len(quotes))}
	for cur, q := range quotes {
		d, err := decimal.NewFromString(q)
		if err != nil {
			return nil, fmt.Errorf("invalid rate for %s: %w", cur, err)
		}
		if !d.IsPositive() {
			return nil, fmt.Errorf("rate for %s must be positive", cur)
		}
		r.Quote[strings.ToUpper(cur)] = d
	}
	return r, nil
}

func (r *Rates) rate(currency string) (decimal.Decimal, bool) {
	currency = strings.ToUpper(currency)
	if currency == r.Base {
		return decimal.NewFromInt(1), true
	}
	d, ok := r.Quote[currency]
	return d, ok
}

// Convert converts amount in minor units of from into minor units of to
func (r *Rates) Convert(amount int64, from, to string) (int64, error) {
	if strings.EqualFold(from, to) {
		return amount, nil
	}
	if r == nil {
		return 0, fmt.Errorf("%w: %s/%s", ErrUnknownRate, from, to)
	}
	fromRate, ok := r.rate(from)
	if !ok {
		return 0, fmt.Errorf("%w: %s/%s", ErrUnknownRate, from, to)
	}
	toRate, ok := r.rate(to)
	if !ok {
		return 0, fmt.Errorf("%w: %s/%s", ErrUnknownRate, from, to)
	}

	major := ToMajor(amount, from)
	converted := major.Div(fromRate).Mul(toRate)
	return ToMinor(converted, to), nil
}

// Quote is the amount a payout transfers and what the program is charged
type Quote struct {
	Amount         int64 // minor units of Currency
	Fee            int64
	Total          int64
	Currency       string
	PayoutAmount   int64 // minor units of PayoutCurrency
	PayoutCurrency string
}

// Calculate prices a payout, converting into the partner's currency when it
// differs from the program's.
func Calculate(amount int64, currency, payoutCurrency string, feeRate decimal.Decimal, rates *Rates) (*Quote, error) {
	if amount < 0 {
		return nil, fmt.Errorf("negative payout amount %d", amount)
	}
	if payoutCurrency == "" {
		payoutCurrency = currency
	}
	fee := Fee(amount, feeRate)
	converted, err := rates.Convert(amount, currency, payoutCurrency)
	if err != nil {
		return nil, err
	}
	return &Quote{
		Amount:         amount,
		Fee:            fee,
		Total:          amount + fee,
		Currency:       strings.ToUpper(currency),
		PayoutAmount:   converted,
		PayoutCurrency: strings.ToUpper(payoutCurrency),
	}, nil
}
