package domain

import "github.com/shopspring/decimal"

// Money is a fixed-point monetary amount that keeps its scale on every
// rendering: "10000.00" stays "10000.00", never "10000". The scale is the
// decimal exponent, which shopspring/decimal carries through parsing; only
// its default String form trims trailing zeros, so Money overrides the
// renderings.
type Money struct {
	decimal.Decimal
}

// NewMoneyFromString parses a decimal string, keeping its scale.
func NewMoneyFromString(value string) (Money, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return Money{}, err
	}
	return Money{Decimal: d}, nil
}

// String renders the amount at its own scale.
func (m Money) String() string {
	if exp := m.Exponent(); exp < 0 {
		return m.StringFixed(-exp)
	}
	return m.Decimal.String()
}

// MarshalJSON encodes the amount as a decimal string, never a float.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// UnmarshalJSON accepts a quoted decimal string or a bare number and keeps
// its scale.
func (m *Money) UnmarshalJSON(data []byte) error {
	return m.Decimal.UnmarshalJSON(data)
}
