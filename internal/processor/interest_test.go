package processor

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"fiadopay/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func rate(s string) decimal.NullDecimal { return decimal.NewNullDecimal(d(s)) }

func TestTotalWithInterest(t *testing.T) {
	cases := []struct {
		name   string
		amount string
		rate   decimal.NullDecimal
		n      int
		want   string
	}{
		{"single installment", "1000.00", rate("1.0"), 1, "1000.00"},
		{"zero installments", "99.999", rate("1.0"), 0, "100.00"},
		{"no rate", "250.50", decimal.NullDecimal{}, 6, "250.50"},
		{"zero rate", "250.50", rate("0"), 6, "250.50"},
		{"negative rate", "250.50", rate("-2"), 6, "250.50"},
		{"three months at one percent", "1000.00", rate("1.0"), 3, "1030.30"},
		{"twelve months at two percent", "500", rate("2"), 12, "634.12"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := TotalWithInterest(d(tc.amount), tc.rate, tc.n)
			assert.Equal(t, tc.want, got.StringFixed(2))
		})
	}
}

func TestTotalWithInterestAtInstallmentBound(t *testing.T) {
	// 100 * 1.01^24
	got := TotalWithInterest(d("100.00"), rate("1.0"), domain.MaxInstallments)
	assert.Equal(t, "126.97", got.StringFixed(2))
}

func TestTotalWithInterestCostIsLinear(t *testing.T) {
	start := time.Now()
	got := TotalWithInterest(d("100.00"), rate("1.0"), 100000)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, got.IsPositive())
}

func TestRoundHalfUp(t *testing.T) {
	assert.Equal(t, "0.01", RoundHalfUp(d("0.005"), 2).StringFixed(2))
	assert.Equal(t, "0.02", RoundHalfUp(d("0.015"), 2).StringFixed(2))
	assert.Equal(t, "2.68", RoundHalfUp(d("2.675"), 2).StringFixed(2))
	assert.Equal(t, "0.00", RoundHalfUp(d("0.004999"), 2).StringFixed(2))
}

func TestRoundHalfUpIsIdempotent(t *testing.T) {
	for _, s := range []string{"0.005", "1.2345", "1030.301", "999.995", "0", "12"} {
		once := RoundHalfUp(d(s), 2)
		assert.True(t, RoundHalfUp(once, 2).Equal(once), s)
	}
}
