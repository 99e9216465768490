package usecase

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_risk_gate/internal/domain"
)

// SizingInput is one Van Tharp sizing request.
type SizingInput struct {
	Equity domain.AccountEquity
	Risk   domain.RiskPercentage
	Entry  domain.PricePoint
	Stop   domain.PricePoint
}

type SizingResult struct {
	Size         domain.PositionSize `json:"size"`
	RiskAmount   decimal.Decimal     `json:"risk_amount"`
	RiskBudget   decimal.Decimal     `json:"risk_budget"`
	RiskDistance decimal.Decimal     `json:"risk_distance"`
	Notional     decimal.Decimal     `json:"notional"`
	Clamped      bool                `json:"clamped"`
}

// PositionSizer computes size = (equity × risk) / |entry − stop|, rounded
// down to domain.Precision digits. It is pure: equal inputs give equal output.
type PositionSizer struct {
	// ClampToBalance reduces an oversized position to equity / entry instead
	// of failing with ErrExceedsAccountBalance.
	ClampToBalance bool
}

func NewPositionSizer(clampToBalance bool) PositionSizer {
	return PositionSizer{ClampToBalance: clampToBalance}
}

// Size returns only the position size.
func (c PositionSizer) Size(equity domain.AccountEquity, risk domain.RiskPercentage, entry, stop domain.PricePoint) (domain.PositionSize, error) {
	res, err := c.Calculate(SizingInput{Equity: equity, Risk: risk, Entry: entry, Stop: stop})
	if err != nil {
		return domain.PositionSize{}, err
	}
	return res.Size, nil
}

func (c PositionSizer) Calculate(in SizingInput) (SizingResult, error) {
	distance := in.Entry.Distance(in.Stop)
	if distance.IsZero() {
		return SizingResult{}, domain.ErrZeroRiskDistance
	}

	budget, err := domain.ToFixed(in.Equity.Decimal().Mul(in.Risk.Decimal()))
	if err != nil {
		return SizingResult{}, fmt.Errorf("risk budget: %w", err)
	}

	raw, _ := budget.QuoRem(distance, domain.Precision)
	size, err := domain.NewPositionSize(raw)
	if err != nil {
		return SizingResult{}, fmt.Errorf("position size: %w", err)
	}

	notional, err := domain.ToFixed(size.Notional(in.Entry))
	if err != nil {
		return SizingResult{}, fmt.Errorf("notional: %w", err)
	}

	clamped := false
	if notional.GreaterThan(in.Equity.Decimal()) {
		if !c.ClampToBalance {
			return SizingResult{}, fmt.Errorf("%w: notional %s > equity %s", domain.ErrExceedsAccountBalance, notional, in.Equity)
		}
		maxSize, _ := in.Equity.Decimal().QuoRem(in.Entry.Decimal(), domain.Precision)
		if size, err = domain.NewPositionSize(maxSize); err != nil {
			return SizingResult{}, fmt.Errorf("clamped size: %w", err)
		}
		notional = size.Notional(in.Entry).Truncate(domain.Precision)
		clamped = true
	}

	return SizingResult{
		Size:         size,
		RiskAmount:   size.Decimal().Mul(distance).Truncate(domain.Precision),
		RiskBudget:   budget,
		RiskDistance: distance,
		Notional:     notional,
		Clamped:      clamped,
	}, nil
}
