package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Amounts are int64 counts of the currency's minor unit (cents, kobo, ...).

var (
	ErrUnknownCurrency = errors.New("unknown currency")
	ErrPrecision       = errors.New("amount has more decimal places than the currency allows")
	ErrInvalidAmount   = errors.New("invalid amount")
)

// exponents holds the number of minor-unit digits per ISO 4217 code.
var exponents = map[string]int32{
	"KES": 2,
	"UGX": 0,
	"TZS": 2,
	"NGN": 2,
	"GHS": 2,
	"ZAR": 2,
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"JPY": 0,
}

func Normalize(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

func Exponent(currency string) (int32, error) {
	exp, ok := exponents[Normalize(currency)]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCurrency, currency)
	}
	return exp, nil
}

func Known(currency string) bool {
	_, ok := exponents[Normalize(currency)]
	return ok
}

// FromDecimal converts a major-unit decimal into minor units, rejecting
// values that would lose precision.
func FromDecimal(d decimal.Decimal, currency string) (int64, error) {
	exp, err := Exponent(currency)
	if err != nil {
		return 0, err
	}
	scaled := d.Shift(exp)
	if !scaled.IsInteger() {
		return 0, ErrPrecision
	}
	return scaled.IntPart(), nil
}

// Parse reads a gateway decimal string such as "20.00" or "500".
func Parse(value, currency string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	return FromDecimal(d, currency)
}

// FromFloat is for gateways that report JSON numbers. The float is routed
// through decimal's shortest representation so 19.99 stays 1999.
func FromFloat(f float64, currency string) (int64, error) {
	return FromDecimal(decimal.NewFromFloat(f), currency)
}

// Format renders minor units as a major-unit string with the currency's
// exponent, e.g. 2000 USD -> "20.00".
func Format(amount int64, currency string) (string, error) {
	exp, err := Exponent(currency)
	if err != nil {
		return "", err
	}
	return decimal.New(amount, -exp).StringFixed(exp), nil
}

// WholeMajor returns the amount in major units when it has no fractional part.
func WholeMajor(amount int64, currency string) (int64, error) {
	exp, err := Exponent(currency)
	if err != nil {
		return 0, err
	}
	d := decimal.New(amount, -exp)
	if !d.IsInteger() {
		return 0, ErrPrecision
	}
	return d.IntPart(), nil
}
