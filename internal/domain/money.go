package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// unitExponents maps a unit code to the number of minor units per major unit (as a power of ten).
// Platform tokens are indivisible.
var unitExponents = map[string]int32{
	"TOKEN": 0,
	"USD":   2,
	"EUR":   2,
	"GBP":   2,
}

// Money is an integer amount of minor units in a single unit of account.
type Money struct {
	Amount int64
	Unit   string
}

func NewMoney(amount int64, unit string) Money {
	return Money{Amount: amount, Unit: strings.ToUpper(unit)}
}

// Exponent returns the minor-unit exponent for unit, defaulting to zero for unknown codes.
func Exponent(unit string) int32 {
	return unitExponents[strings.ToUpper(unit)]
}

// ToDecimal converts minor units to a major-unit decimal.
func (m Money) ToDecimal() decimal.Decimal {
	return decimal.New(m.Amount, -Exponent(m.Unit))
}

// ParseMoney converts a major-unit string such as "12.34" into minor units.
// Amounts with more precision than the unit supports are rejected.
func ParseMoney(value, unit string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return Money{}, fmt.Errorf("parse amount %q: %w", value, err)
	}
	minor := d.Shift(Exponent(unit))
	if !minor.Equal(minor.Truncate(0)) {
		return Money{}, fmt.Errorf("amount %q has more precision than %s allows", value, unit)
	}
	return NewMoney(minor.IntPart(), unit), nil
}

func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.ToDecimal().StringFixed(Exponent(m.Unit)), m.Unit)
}
