package usecase_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_risk_gate/internal/domain"
)

var (
	testNow    = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	wideBounds = domain.RiskBounds{Min: decimal.RequireFromString("0.005"), Max: decimal.RequireFromString("0.10")}
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func equity(t *testing.T, s string) domain.AccountEquity {
	t.Helper()
	e, err := domain.NewAccountEquity(d(s))
	require.NoError(t, err)
	return e
}

func risk(t *testing.T, s string) domain.RiskPercentage {
	t.Helper()
	r, err := domain.NewRiskPercentageWithin(d(s), wideBounds)
	require.NoError(t, err)
	return r
}

func price(t *testing.T, s string) domain.PricePoint {
	t.Helper()
	p, err := domain.NewPricePoint(d(s))
	require.NoError(t, err)
	return p
}

type proposalOpts struct {
	id     string
	symbol string
	side   domain.Side
	entry  string
	stop   string
	target string
	equity string
	risk   string
}

func proposal(t *testing.T, o proposalOpts) domain.TradeProposal {
	t.Helper()
	if o.id == "" {
		o.id = "p-1"
	}
	if o.symbol == "" {
		o.symbol = "BTCUSDT"
	}
	if o.side == "" {
		o.side = domain.SideLong
	}
	if o.entry == "" {
		o.entry = "100"
	}
	if o.stop == "" {
		o.stop = "95"
	}
	if o.equity == "" {
		o.equity = "10000"
	}
	if o.risk == "" {
		o.risk = "0.02"
	}
	params := domain.ProposalParams{
		ID:        o.id,
		Symbol:    o.symbol,
		Side:      o.side,
		Entry:     price(t, o.entry),
		Stop:      price(t, o.stop),
		Equity:    equity(t, o.equity),
		Risk:      risk(t, o.risk),
		CreatedAt: testNow,
	}
	if o.target != "" {
		tp := price(t, o.target)
		params.Target = &tp
	}
	p, err := domain.NewTradeProposal(params)
	require.NoError(t, err)
	return p
}
