package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type RiskStatus string

const (
	RiskReserved  RiskStatus = "RESERVED"
	RiskCommitted RiskStatus = "COMMITTED"
)

// CommittedRisk is the risk one trade holds against the portfolio cap,
// either reserved at Decide time or committed after execution.
type CommittedRisk struct {
	ProposalID string          `json:"proposal_id"`
	CycleID    string          `json:"cycle_id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	RiskPct    decimal.Decimal `json:"risk_pct"`
	RiskAmount decimal.Decimal `json:"risk_amount"`
	Size       PositionSize    `json:"size"`
	Status     RiskStatus      `json:"status"`
	OrderID    string          `json:"order_id,omitempty"`
	OpenedAt   time.Time       `json:"opened_at"`
}

// PortfolioState is the long-lived risk state shared by all cycles.
type PortfolioState struct {
	Equity                AccountEquity            `json:"equity"`
	Positions             map[string]CommittedRisk `json:"positions"`
	DailyPnL              decimal.Decimal          `json:"daily_pnl"`
	TradingDay            string                   `json:"trading_day"`
	ConsecutiveLosses     int                      `json:"consecutive_losses"`
	CircuitBreakerEngaged bool                     `json:"circuit_breaker_engaged"`
	BreakerEngagedAt      time.Time                `json:"breaker_engaged_at,omitempty"`
	UpdatedAt             time.Time                `json:"updated_at"`
}

// NewPortfolioState returns an empty portfolio for the given equity.
func NewPortfolioState(equity AccountEquity, now time.Time) PortfolioState {
	return PortfolioState{
		Equity:     equity,
		Positions:  make(map[string]CommittedRisk),
		DailyPnL:   decimal.Zero,
		TradingDay: TradingDay(now),
		UpdatedAt:  now.UTC(),
	}
}

// TradingDay is the UTC calendar day used as the daily loss boundary.
func TradingDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// CommittedRiskPct sums the risk fraction held by reserved and committed trades.
func (s PortfolioState) CommittedRiskPct() decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.Positions {
		total = total.Add(p.RiskPct)
	}
	return total
}

// DailyLoss returns the realized loss of the current day as a positive amount.
func (s PortfolioState) DailyLoss() decimal.Decimal {
	if s.DailyPnL.IsNegative() {
		return s.DailyPnL.Neg()
	}
	return decimal.Zero
}

// Clone returns a deep copy safe to hand to readers.
func (s PortfolioState) Clone() PortfolioState {
	c := s
	c.Positions = make(map[string]CommittedRisk, len(s.Positions))
	for k, v := range s.Positions {
		c.Positions[k] = v
	}
	return c
}

type OutcomeKind string

const (
	OutcomeFill    OutcomeKind = "FILL"
	OutcomeClose   OutcomeKind = "CLOSE"
	OutcomeStopOut OutcomeKind = "STOP_OUT"
)

// TradeOutcome is an externally reported lifecycle event of an executed trade.
type TradeOutcome struct {
	ProposalID  string          `json:"proposal_id"`
	Kind        OutcomeKind     `json:"kind"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	OrderID     string          `json:"order_id,omitempty"`
	At          time.Time       `json:"at"`
}

// Reservation is the handle returned when risk is reserved for a cycle.
type Reservation struct {
	ProposalID string          `json:"proposal_id"`
	CycleID    string          `json:"cycle_id"`
	RiskPct    decimal.Decimal `json:"risk_pct"`
}
