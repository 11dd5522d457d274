package domain

import (
	"fmt"
	"math"
)

// Currency is an ISO-4217 currency code.
type Currency string

const (
	EUR Currency = "EUR"
	USD Currency = "USD"
	GBP Currency = "GBP"
	CHF Currency = "CHF"
	JPY Currency = "JPY"
)

var validCurrencies = map[Currency]bool{
	EUR: true, USD: true, GBP: true, CHF: true, JPY: true,
}

// IsValid reports whether c is a recognised ISO-4217 code.
func (c Currency) IsValid() bool { return validCurrencies[c] }

// Money is an immutable (amount, currency) pair. All arithmetic requires
// currency equality; every operation returns a new value rather than
// mutating the receiver. Amounts are represented as float64 cents-scale
// decimals rounded to 2 places on construction, matching the teacher's
// internal/domain/models.go Money shape, extended with the operation set
// spec.md §3/§8 requires (currency-checked arithmetic, division-by-zero
// failure).
type Money struct {
	amount   float64
	currency Currency
}

// NewMoney creates a Money value, rounding amount to 2 decimal places.
func NewMoney(amount float64, currency Currency) (Money, error) {
	if !currency.IsValid() {
		return Money{}, NewError(KindValidation, "NewMoney", fmt.Errorf("unsupported currency %q", currency))
	}
	return Money{amount: roundCents(amount), currency: currency}, nil
}

// MustMoney is NewMoney but panics on error; only for tests/constants.
func MustMoney(amount float64, currency Currency) Money {
	m, err := NewMoney(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// Zero returns the zero Money value in the given currency.
func Zero(currency Currency) Money {
	return Money{amount: 0, currency: currency}
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

func (m Money) Amount() float64    { return m.amount }
func (m Money) Currency() Currency { return m.currency }
func (m Money) IsZero() bool       { return m.amount == 0 }
func (m Money) IsNegative() bool   { return m.amount < 0 }

func (m Money) String() string {
	return fmt.Sprintf("%.2f %s", m.amount, m.currency)
}

func (m Money) requireSameCurrency(op string, other Money) error {
	if m.currency != other.currency {
		return NewError(KindValidation, op, fmt.Errorf("currency mismatch: %s vs %s", m.currency, other.currency))
	}
	return nil
}

// Add returns m + other. Fails if currencies differ.
func (m Money) Add(other Money) (Money, error) {
	if err := m.requireSameCurrency("Money.Add", other); err != nil {
		return Money{}, err
	}
	return Money{amount: roundCents(m.amount + other.amount), currency: m.currency}, nil
}

// Sub returns m - other. Fails if currencies differ.
func (m Money) Sub(other Money) (Money, error) {
	if err := m.requireSameCurrency("Money.Sub", other); err != nil {
		return Money{}, err
	}
	return Money{amount: roundCents(m.amount - other.amount), currency: m.currency}, nil
}

// Mul scales m by a dimensionless factor (e.g. a quantity or percentage).
func (m Money) Mul(factor float64) Money {
	return Money{amount: roundCents(m.amount * factor), currency: m.currency}
}

// Div scales m by 1/divisor. Fails on division by zero.
func (m Money) Div(divisor float64) (Money, error) {
	if divisor == 0 {
		return Money{}, NewError(KindValidation, "Money.Div", fmt.Errorf("division by zero"))
	}
	return Money{amount: roundCents(m.amount / divisor), currency: m.currency}, nil
}

// Negate returns -m.
func (m Money) Negate() Money {
	return Money{amount: roundCents(-m.amount), currency: m.currency}
}

// Compare returns -1, 0, 1 if m is less than, equal to, or greater than
// other. Fails if currencies differ.
func (m Money) Compare(other Money) (int, error) {
	if err := m.requireSameCurrency("Money.Compare", other); err != nil {
		return 0, err
	}
	switch {
	case m.amount < other.amount:
		return -1, nil
	case m.amount > other.amount:
		return 1, nil
	default:
		return 0, nil
	}
}

// Percentage is an immutable fractional value (e.g. 0.05 == 5%).
type Percentage struct {
	decimal float64
}

// NewPercentageFromDecimal builds a Percentage from a fraction (0.05 = 5%).
func NewPercentageFromDecimal(decimal float64) Percentage {
	return Percentage{decimal: decimal}
}

// NewPercentageFromPercent builds a Percentage from a percent value (5 = 5%).
func NewPercentageFromPercent(percent float64) Percentage {
	return Percentage{decimal: percent / 100}
}

// AsDecimal returns the fractional representation (5% -> 0.05).
func (p Percentage) AsDecimal() float64 { return p.decimal }

// AsPercent returns the percent representation (0.05 -> 5).
func (p Percentage) AsPercent() float64 { return p.decimal * 100 }

func (p Percentage) String() string {
	return fmt.Sprintf("%.2f%%", p.AsPercent())
}
