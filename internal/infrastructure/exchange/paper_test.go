package exchange

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_risk_gate/internal/domain"
)

func TestPaperExchange_FillsAndDebits(t *testing.T) {
	p := NewPaperExchange(decimal.NewFromInt(5000), nil, nil)
	ctx := context.Background()

	res, err := p.Execute(ctx, testPlan(t, domain.SideLong, false))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, res.Status)
	assert.True(t, res.Success())
	assert.True(t, strings.HasPrefix(res.OrderID, "paper_"))
	assert.True(t, res.FilledSize.Equal(decimal.NewFromInt(40)))
	assert.True(t, res.AvgPrice.Equal(decimal.NewFromInt(100)))

	bal, err := p.AvailableBalance(ctx)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(1000)))

	// 4000 notional no longer fits
	res, err = p.Execute(ctx, testPlan(t, domain.SideLong, false))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderRejected, res.Status)
	assert.Contains(t, res.Message, "insufficient balance")
}

func TestPaperExchange_PositionClosed(t *testing.T) {
	tests := []struct {
		name     string
		proposal string
		kind     domain.OutcomeKind
		pnl      string
		want     string
	}{
		{name: "close in profit", proposal: "p-1", kind: domain.OutcomeClose, pnl: "25", want: "5025"},
		{name: "stop-out", proposal: "p-1", kind: domain.OutcomeStopOut, pnl: "-200", want: "4800"},
		{name: "loss beyond balance", proposal: "p-1", kind: domain.OutcomeClose, pnl: "-9000", want: "0"},
		{name: "unknown position", proposal: "other", kind: domain.OutcomeClose, pnl: "25", want: "1000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPaperExchange(decimal.NewFromInt(5000), nil, nil)
			ctx := context.Background()

			plan := testPlan(t, domain.SideLong, false)
			plan.ProposalID = "p-1"
			_, err := p.Execute(ctx, plan)
			require.NoError(t, err)

			p.PositionClosed(ctx,
				domain.CommittedRisk{ProposalID: tt.proposal, Symbol: "BTCUSDT"},
				domain.TradeOutcome{ProposalID: tt.proposal, Kind: tt.kind, RealizedPnL: decimal.RequireFromString(tt.pnl)})

			bal, err := p.AvailableBalance(ctx)
			require.NoError(t, err)
			assert.True(t, bal.Equal(decimal.RequireFromString(tt.want)), bal.String())

			// a second close for the same position is not credited twice
			p.PositionClosed(ctx,
				domain.CommittedRisk{ProposalID: tt.proposal},
				domain.TradeOutcome{ProposalID: tt.proposal, Kind: tt.kind, RealizedPnL: decimal.RequireFromString(tt.pnl)})
			again, _ := p.AvailableBalance(ctx)
			assert.True(t, again.Equal(bal))
		})
	}
}

func TestPaperExchange_Symbols(t *testing.T) {
	ctx := context.Background()

	open := NewPaperExchange(decimal.NewFromInt(1), nil, nil)
	ok, err := open.SupportsSymbol(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.True(t, ok)

	listed := NewPaperExchange(decimal.NewFromInt(1), []string{"btcusdt"}, nil)
	ok, _ = listed.SupportsSymbol(ctx, "BTCUSDT")
	assert.True(t, ok)
	ok, _ = listed.SupportsSymbol(ctx, "ETHUSDT")
	assert.False(t, ok)
}

func TestPaperExchange_CancelledContext(t *testing.T) {
	p := NewPaperExchange(decimal.NewFromInt(5000), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Execute(ctx, testPlan(t, domain.SideLong, false))
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, p.Healthy(ctx), context.Canceled)
}
