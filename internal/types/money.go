// README: Common money value object used across modules.
package types

import "github.com/shopspring/decimal"

const DefaultCurrency = "SAR"

type Money struct {
	Amount   decimal.Decimal
	Currency string
}

func NewMoney(amount decimal.Decimal) Money {
	return Money{Amount: amount, Currency: DefaultCurrency}
}

// ParseMoney reads a NUMERIC column rendered as text.
func ParseMoney(v string) (Money, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return Money{}, err
	}
	return NewMoney(d), nil
}

func (m Money) Add(o Money) Money {
	return Money{Amount: m.Amount.Add(o.Amount), Currency: m.Currency}
}

func (m Money) Mul(n int) Money {
	return Money{Amount: m.Amount.Mul(decimal.NewFromInt(int64(n))), Currency: m.Currency}
}

func (m Money) String() string {
	return m.Amount.StringFixed(2)
}
