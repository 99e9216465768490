package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// MarketSnapshot is one observation of a symbol's top of book.
type MarketSnapshot struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Timestamp time.Time       `json:"timestamp"`
}

// Spread returns (ask - bid) / mid, or zero when either side is missing.
func (m MarketSnapshot) Spread() decimal.Decimal {
	if !m.Bid.IsPositive() || !m.Ask.IsPositive() {
		return decimal.Zero
	}
	mid := m.Bid.Add(m.Ask).Div(decimal.NewFromInt(2))
	return m.Ask.Sub(m.Bid).Abs().Div(mid)
}

// MarketDataSource supplies observations; transport and reconnection are its concern.
type MarketDataSource interface {
	Observe(ctx context.Context, symbol string) (MarketSnapshot, error)
}

// ExecutionPlan is what Act hands to the execution collaborator.
type ExecutionPlan struct {
	ID         string           `json:"id"`
	CycleID    string           `json:"cycle_id"`
	ProposalID string           `json:"proposal_id"`
	Symbol     string           `json:"symbol"`
	Side       Side             `json:"side"`
	Size       PositionSize     `json:"size"`
	Entry      PricePoint       `json:"entry"`
	Stop       PricePoint       `json:"stop"`
	Target     *PricePoint      `json:"target,omitempty"`
	RiskAmount decimal.Decimal  `json:"risk_amount"`
	Decision   ProtocolDecision `json:"decision"`
	Warnings   []Violation      `json:"warnings,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Notional returns size × entry.
func (p ExecutionPlan) Notional() decimal.Decimal {
	return p.Size.Notional(p.Entry)
}

type OrderStatus string

const (
	OrderAccepted OrderStatus = "ACCEPTED"
	OrderFilled   OrderStatus = "FILLED"
	OrderRejected OrderStatus = "REJECTED"
)

type OrderResult struct {
	OrderID    string          `json:"order_id"`
	PlanID     string          `json:"plan_id"`
	Status     OrderStatus     `json:"status"`
	FilledSize decimal.Decimal `json:"filled_size"`
	AvgPrice   decimal.Decimal `json:"avg_price"`
	Message    string          `json:"message,omitempty"`
	At         time.Time       `json:"at"`
}

func (r OrderResult) Success() bool {
	return r.Status == OrderAccepted || r.Status == OrderFilled
}

// ExecutionSink places orders. Retry and backoff belong to the implementation.
type ExecutionSink interface {
	Execute(ctx context.Context, plan ExecutionPlan) (OrderResult, error)
	Healthy(ctx context.Context) error
	SupportsSymbol(ctx context.Context, symbol string) (bool, error)
	AvailableBalance(ctx context.Context) (decimal.Decimal, error)
}

type AuditKind string

const (
	AuditAssessment  AuditKind = "ASSESSMENT"
	AuditDecision    AuditKind = "DECISION"
	AuditTransition  AuditKind = "TRANSITION"
	AuditReservation AuditKind = "RESERVATION"
	AuditOutcome     AuditKind = "OUTCOME"
	AuditReset       AuditKind = "BREAKER_RESET"
	AuditExecution   AuditKind = "EXECUTION"
)

// AuditRecord is an append-only, timestamped entry with full reasoning.
type AuditRecord struct {
	ID         string          `json:"id"`
	Time       time.Time       `json:"time"`
	Kind       AuditKind       `json:"kind"`
	CycleID    string          `json:"cycle_id,omitempty"`
	ProposalID string          `json:"proposal_id,omitempty"`
	Symbol     string          `json:"symbol,omitempty"`
	Phase      Phase           `json:"phase,omitempty"`
	Decision   string          `json:"decision,omitempty"`
	Reasoning  string          `json:"reasoning"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type AuditSink interface {
	Append(ctx context.Context, rec AuditRecord) error
}

// PortfolioStore persists portfolio snapshots. Load returns
// ErrNoPortfolioSnapshot when nothing was saved yet.
type PortfolioStore interface {
	Load(ctx context.Context) (PortfolioState, error)
	Save(ctx context.Context, state PortfolioState) error
}

// PlanJournal records execution plans and their order results.
type PlanJournal interface {
	SavePlan(ctx context.Context, plan ExecutionPlan, result OrderResult) error
}

// OutcomeListener is told about positions a close or stop-out removed from
// the portfolio. It runs after the portfolio was updated and must not call
// back into the protocol synchronously.
type OutcomeListener interface {
	PositionClosed(ctx context.Context, pos CommittedRisk, outcome TradeOutcome)
}
