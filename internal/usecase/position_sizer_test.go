package usecase_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_risk_gate/internal/domain"
	"github.com/vitos/crypto_risk_gate/internal/usecase"
)

func TestPositionSizer_VanTharp(t *testing.T) {
	sizer := usecase.NewPositionSizer(false)

	res, err := sizer.Calculate(usecase.SizingInput{
		Equity: equity(t, "10000"),
		Risk:   risk(t, "0.02"),
		Entry:  price(t, "100"),
		Stop:   price(t, "95"),
	})
	require.NoError(t, err)

	assert.True(t, res.Size.Decimal().Equal(d("40")), "size=%s", res.Size)
	assert.True(t, res.RiskAmount.Equal(d("200")), "risk_amount=%s", res.RiskAmount)
	assert.True(t, res.Notional.Equal(d("4000")))
	assert.False(t, res.Clamped)
}

func TestPositionSizer_ShortUsesAbsoluteDistance(t *testing.T) {
	sizer := usecase.NewPositionSizer(false)

	size, err := sizer.Size(equity(t, "10000"), risk(t, "0.02"), price(t, "95"), price(t, "100"))
	require.NoError(t, err)
	assert.True(t, size.Decimal().Equal(d("40")))
}

func TestPositionSizer_RoundsDown(t *testing.T) {
	sizer := usecase.NewPositionSizer(false)

	// 100 / 3 = 33.333...; floor to 8 digits.
	res, err := sizer.Calculate(usecase.SizingInput{
		Equity: equity(t, "10000"),
		Risk:   risk(t, "0.01"),
		Entry:  price(t, "103"),
		Stop:   price(t, "100"),
	})
	require.NoError(t, err)
	assert.Equal(t, "33.33333333", res.Size.String())
	assert.True(t, res.RiskAmount.LessThanOrEqual(res.RiskBudget))
	assert.True(t, res.RiskBudget.Sub(res.RiskAmount).LessThanOrEqual(res.RiskDistance.Mul(d("0.00000001"))))
}

func TestPositionSizer_Errors(t *testing.T) {
	tests := []struct {
		name    string
		equity  string
		risk    string
		entry   string
		stop    string
		wantErr error
	}{
		{"zero distance", "10000", "0.02", "100", "100", domain.ErrZeroRiskDistance},
		{"notional above equity", "10000", "0.05", "100", "99", domain.ErrExceedsAccountBalance},
		{"size overflows", "90000000000", "0.06", "100", "99.99999999", domain.ErrMathematicalOverflow},
	}

	sizer := usecase.NewPositionSizer(false)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sizer.Size(equity(t, tt.equity), risk(t, tt.risk), price(t, tt.entry), price(t, tt.stop))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestPositionSizer_ClampToBalance(t *testing.T) {
	sizer := usecase.NewPositionSizer(true)

	res, err := sizer.Calculate(usecase.SizingInput{
		Equity: equity(t, "10000"),
		Risk:   risk(t, "0.05"),
		Entry:  price(t, "100"),
		Stop:   price(t, "99"),
	})
	require.NoError(t, err)
	assert.True(t, res.Clamped)
	assert.True(t, res.Size.Decimal().Equal(d("100")))
	assert.True(t, res.Notional.LessThanOrEqual(d("10000")))
	assert.True(t, res.RiskAmount.Equal(d("100")))
}

func TestPositionSizer_Properties(t *testing.T) {
	sizer := usecase.NewPositionSizer(false)
	entry, stop := price(t, "250"), price(t, "230")

	t.Run("monotonic in risk", func(t *testing.T) {
		prev := d("0")
		for _, r := range []string{"0.005", "0.01", "0.02", "0.04", "0.06"} {
			size, err := sizer.Size(equity(t, "10000"), risk(t, r), entry, stop)
			require.NoError(t, err)
			assert.True(t, size.Decimal().GreaterThanOrEqual(prev), "risk %s", r)
			prev = size.Decimal()
		}
	})

	t.Run("monotonic in equity", func(t *testing.T) {
		prev := d("0")
		for _, e := range []string{"1000", "5000", "10000", "50000"} {
			size, err := sizer.Size(equity(t, e), risk(t, "0.02"), entry, stop)
			require.NoError(t, err)
			assert.True(t, size.Decimal().GreaterThanOrEqual(prev), "equity %s", e)
			prev = size.Decimal()
		}
	})

	t.Run("linear in equity", func(t *testing.T) {
		one, err := sizer.Size(equity(t, "10000"), risk(t, "0.02"), entry, stop)
		require.NoError(t, err)
		two, err := sizer.Size(equity(t, "20000"), risk(t, "0.02"), entry, stop)
		require.NoError(t, err)
		diff := two.Decimal().Sub(one.Decimal().Mul(d("2"))).Abs()
		assert.True(t, diff.LessThanOrEqual(d("0.00000002")), "diff=%s", diff)
	})

	t.Run("idempotent", func(t *testing.T) {
		in := usecase.SizingInput{Equity: equity(t, "12345.6789"), Risk: risk(t, "0.013"), Entry: entry, Stop: stop}
		a, err := sizer.Calculate(in)
		require.NoError(t, err)
		b, err := sizer.Calculate(in)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})
}
