package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_risk_gate/internal/domain"
)

var orientNow = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

type stubSource struct {
	snap domain.MarketSnapshot
	err  error
}

func (s stubSource) Observe(context.Context, string) (domain.MarketSnapshot, error) {
	return s.snap, s.err
}

func book(age time.Duration) domain.MarketSnapshot {
	return domain.MarketSnapshot{
		Symbol:    "BTCUSDT",
		Price:     decimal.NewFromInt(100),
		Bid:       decimal.RequireFromString("99.95"),
		Ask:       decimal.RequireFromString("100.05"),
		Timestamp: orientNow.Add(-age),
	}
}

func TestObserver(t *testing.T) {
	tests := []struct {
		name    string
		snap    domain.MarketSnapshot
		srcErr  error
		wantErr error
	}{
		{name: "fresh", snap: book(time.Second)},
		{name: "stale", snap: book(6 * time.Second), wantErr: domain.ErrStaleMarketData},
		{name: "no timestamp", snap: domain.MarketSnapshot{Price: decimal.NewFromInt(100)}, wantErr: domain.ErrStaleMarketData},
		{name: "zero price", snap: domain.MarketSnapshot{Timestamp: orientNow}, wantErr: domain.ErrInvalidInput},
		{name: "source error", srcErr: context.DeadlineExceeded, wantErr: context.DeadlineExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewObserver(stubSource{snap: tt.snap, err: tt.srcErr}, 5*time.Second)
			o.timeNow = func() time.Time { return orientNow }

			snap, err := o.Observe(context.Background(), "BTCUSDT")
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), err.Error())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "BTCUSDT", snap.Symbol)
		})
	}
}

func newTestOrientator() *Orientator {
	bounds := domain.RiskBounds{Min: decimal.RequireFromString("0.005"), Max: decimal.RequireFromString("0.10")}
	o := NewOrientator(NewPositionSizer(false), bounds, decimal.Zero, decimal.Zero, 5*time.Second)
	o.timeNow = func() time.Time { return orientNow }
	return o
}

func TestOrient_MarketEntry(t *testing.T) {
	o := newTestOrientator()
	equity, err := domain.NewAccountEquity(decimal.NewFromInt(10000))
	require.NoError(t, err)

	long, err := o.Orient(context.Background(), domain.TradeIntent{
		Symbol: "BTCUSDT",
		Side:   domain.SideLong,
		Stop:   decimal.NewFromInt(95),
		Risk:   decimal.RequireFromString("0.02"),
	}, book(time.Second), equity)
	require.NoError(t, err)
	assert.Equal(t, "100.05", long.Proposal.Entry().String())
	assert.Equal(t, "39.60396039", long.Sizing.Size.String())

	short, err := o.Orient(context.Background(), domain.TradeIntent{
		Symbol: "BTCUSDT",
		Side:   domain.SideShort,
		Stop:   decimal.NewFromInt(105),
	}, book(time.Second), equity)
	require.NoError(t, err)
	assert.Equal(t, "99.95", short.Proposal.Entry().String())
	assert.Equal(t, "0.01", short.Proposal.Risk().String())
}

func TestOrient_Rejects(t *testing.T) {
	o := newTestOrientator()
	equity, err := domain.NewAccountEquity(decimal.NewFromInt(10000))
	require.NoError(t, err)

	_, err = o.Orient(context.Background(), domain.TradeIntent{
		Symbol: "BTCUSDT", Side: domain.SideLong,
		Entry: decimal.NewFromInt(100), Stop: decimal.NewFromInt(95),
		Risk: decimal.RequireFromString("0.5"),
	}, book(0), equity)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = o.Orient(context.Background(), domain.TradeIntent{
		Symbol: "BTCUSDT", Side: domain.SideLong,
		Entry: decimal.NewFromInt(100), Stop: decimal.NewFromInt(100),
	}, book(0), equity)
	assert.ErrorIs(t, err, domain.ErrZeroRiskDistance)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = o.Orient(ctx, domain.TradeIntent{Symbol: "BTCUSDT", Side: domain.SideLong}, book(0), equity)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConfidence(t *testing.T) {
	o := newTestOrientator()

	freshness, spread, score := o.Confidence(book(time.Second))
	assert.Equal(t, "0.8", freshness.String())
	assert.Equal(t, "0.001", spread.String())
	assert.Equal(t, "0.8", score.String())

	// last price only
	_, _, score = o.Confidence(domain.MarketSnapshot{Price: decimal.NewFromInt(100), Timestamp: orientNow})
	assert.Equal(t, "0.8", score.String())

	_, _, score = o.Confidence(book(time.Minute))
	assert.Equal(t, "0.32", score.String())
}
