package processor

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// factorPlaces bounds the scale of the compound factor so each step costs the
// same regardless of n. The truncation error is far below a cent.
const factorPlaces = 32

// RoundHalfUp rounds to places decimals with ties going away from zero
// (0.005 -> 0.01), never to even.
func RoundHalfUp(x decimal.Decimal, places int32) decimal.Decimal {
	return x.Round(places)
}

// TotalWithInterest applies compound monthly interest over n installments:
// A * (1 + r/100)^n, rounded half-up to cents. With n <= 1 or no positive
// rate the total is the base amount rounded to cents.
func TotalWithInterest(amount decimal.Decimal, monthlyPercent decimal.NullDecimal, installments int) decimal.Decimal {
	if installments <= 1 || !monthlyPercent.Valid || !monthlyPercent.Decimal.IsPositive() {
		return RoundHalfUp(amount, 2)
	}
	base := decimal.NewFromInt(1).Add(monthlyPercent.Decimal.Div(hundred))
	factor := decimal.NewFromInt(1)
	for i := 0; i < installments; i++ {
		factor = factor.Mul(base).Truncate(factorPlaces)
	}
	return RoundHalfUp(amount.Mul(factor), 2)
}
