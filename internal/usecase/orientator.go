package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_risk_gate/internal/domain"
	"github.com/vitos/crypto_risk_gate/pkg/id"
)

var (
	DefaultRisk      = decimal.RequireFromString("0.01")
	DefaultMaxSpread = decimal.RequireFromString("0.005")

	freshnessWeight = decimal.RequireFromString("0.6")
	spreadWeight    = decimal.RequireFromString("0.4")
	one             = decimal.NewFromInt(1)
)

// Orientation is what Orient hands to Decide.
type Orientation struct {
	Proposal   domain.TradeProposal `json:"proposal"`
	Sizing     SizingResult         `json:"sizing"`
	Confidence decimal.Decimal      `json:"confidence"`
	Freshness  decimal.Decimal      `json:"freshness"`
	Spread     decimal.Decimal      `json:"spread"`
}

type Orientator struct {
	sizer       PositionSizer
	bounds      domain.RiskBounds
	defaultRisk decimal.Decimal
	maxSpread   decimal.Decimal
	maxAge      time.Duration
	timeNow     func() time.Time
}

func NewOrientator(sizer PositionSizer, bounds domain.RiskBounds, defaultRisk, maxSpread decimal.Decimal, maxAge time.Duration) *Orientator {
	if !defaultRisk.IsPositive() {
		defaultRisk = DefaultRisk
	}
	if !maxSpread.IsPositive() {
		maxSpread = DefaultMaxSpread
	}
	if maxAge <= 0 {
		maxAge = DefaultMarketDataMaxAge
	}
	return &Orientator{
		sizer:       sizer,
		bounds:      bounds,
		defaultRisk: defaultRisk,
		maxSpread:   maxSpread,
		maxAge:      maxAge,
		timeNow:     time.Now,
	}
}

// Orient turns the intent and the observed market into a sized proposal.
// A market intent (zero entry) enters at the ask for longs and the bid for
// shorts, falling back to the last price.
func (o *Orientator) Orient(ctx context.Context, intent domain.TradeIntent, snap domain.MarketSnapshot, equity domain.AccountEquity) (Orientation, error) {
	if err := ctx.Err(); err != nil {
		return Orientation{}, err
	}

	entryValue := intent.Entry
	if !entryValue.IsPositive() {
		entryValue = marketEntry(intent.Side, snap)
	}
	entry, err := domain.NewPricePoint(entryValue)
	if err != nil {
		return Orientation{}, fmt.Errorf("entry: %w", err)
	}
	stop, err := domain.NewPricePoint(intent.Stop)
	if err != nil {
		return Orientation{}, fmt.Errorf("stop: %w", err)
	}

	var target *domain.PricePoint
	if intent.Target.IsPositive() {
		tp, err := domain.NewPricePoint(intent.Target)
		if err != nil {
			return Orientation{}, fmt.Errorf("target: %w", err)
		}
		target = &tp
	}

	riskValue := intent.Risk
	if riskValue.IsZero() {
		riskValue = o.defaultRisk
	}
	risk, err := domain.NewRiskPercentageWithin(riskValue, o.bounds)
	if err != nil {
		return Orientation{}, err
	}

	proposal, err := domain.NewTradeProposal(domain.ProposalParams{
		ID:        id.WithPrefix("prp"),
		Symbol:    intent.Symbol,
		Side:      intent.Side,
		Entry:     entry,
		Stop:      stop,
		Target:    target,
		Equity:    equity,
		Risk:      risk,
		CreatedAt: o.timeNow(),
	})
	if err != nil {
		return Orientation{}, err
	}

	sizing, err := o.sizer.Calculate(SizingInput{Equity: equity, Risk: risk, Entry: entry, Stop: stop})
	if err != nil {
		return Orientation{}, err
	}

	freshness, spread, confidence := o.Confidence(snap)
	return Orientation{
		Proposal:   proposal,
		Sizing:     sizing,
		Confidence: confidence,
		Freshness:  freshness,
		Spread:     spread,
	}, nil
}

// Confidence scores the observation in [0, 1]: 60% freshness, 40% spread
// tightness relative to maxSpread.
func (o *Orientator) Confidence(snap domain.MarketSnapshot) (freshness, spread, score decimal.Decimal) {
	age := o.timeNow().Sub(snap.Timestamp)
	if age < 0 {
		age = 0
	}
	freshness = clamp01(one.Sub(decimal.NewFromInt(int64(age)).Div(decimal.NewFromInt(int64(o.maxAge)))))

	spread = snap.Spread()
	spreadFactor := clamp01(one.Sub(spread.Div(o.maxSpread)))
	if spread.IsZero() && (!snap.Bid.IsPositive() || !snap.Ask.IsPositive()) {
		// no book, only a last price
		spreadFactor = decimal.RequireFromString("0.5")
	}

	score = freshness.Mul(freshnessWeight).Add(spreadFactor.Mul(spreadWeight)).Round(4)
	return freshness.Round(4), spread.Round(8), score
}

func marketEntry(side domain.Side, snap domain.MarketSnapshot) decimal.Decimal {
	switch {
	case side == domain.SideLong && snap.Ask.IsPositive():
		return snap.Ask
	case side == domain.SideShort && snap.Bid.IsPositive():
		return snap.Bid
	}
	return snap.Price
}

func clamp01(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	if d.GreaterThan(one) {
		return one
	}
	return d
}
