package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/vitos/crypto_risk_gate/internal/domain"
)

const DefaultMarketDataMaxAge = 5 * time.Second

// Observer fetches a market snapshot and rejects stale data.
type Observer struct {
	source  domain.MarketDataSource
	maxAge  time.Duration
	timeNow func() time.Time
}

func NewObserver(source domain.MarketDataSource, maxAge time.Duration) *Observer {
	if maxAge <= 0 {
		maxAge = DefaultMarketDataMaxAge
	}
	return &Observer{
		source:  source,
		maxAge:  maxAge,
		timeNow: time.Now,
	}
}

func (o *Observer) Observe(ctx context.Context, symbol string) (domain.MarketSnapshot, error) {
	snap, err := o.source.Observe(ctx, symbol)
	if err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("observe %s: %w", symbol, err)
	}
	if snap.Timestamp.IsZero() {
		return domain.MarketSnapshot{}, fmt.Errorf("%w: %s snapshot has no timestamp", domain.ErrStaleMarketData, symbol)
	}
	if age := o.timeNow().Sub(snap.Timestamp); age > o.maxAge {
		return domain.MarketSnapshot{}, fmt.Errorf("%w: %s data is %s old, max %s", domain.ErrStaleMarketData, symbol, age.Round(time.Millisecond), o.maxAge)
	}
	if !snap.Price.IsPositive() {
		return domain.MarketSnapshot{}, fmt.Errorf("observe %s: price %s: %w", symbol, snap.Price, domain.ErrInvalidInput)
	}
	if snap.Symbol == "" {
		snap.Symbol = symbol
	}
	return snap, nil
}
