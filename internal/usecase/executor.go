package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/vitos/crypto_risk_gate/internal/domain"
	"github.com/vitos/crypto_risk_gate/pkg/id"
	"go.uber.org/zap"
)

// Executor runs the pre-flight checks and hands the plan to the sink.
type Executor struct {
	sink    domain.ExecutionSink
	journal domain.PlanJournal
	logger  *zap.Logger
	timeNow func() time.Time
}

func NewExecutor(sink domain.ExecutionSink, journal domain.PlanJournal, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		sink:    sink,
		journal: journal,
		logger:  logger,
		timeNow: time.Now,
	}
}

// BuildPlan converts an approved evaluation into an execution plan.
func (e *Executor) BuildPlan(cycleID string, ev domain.Evaluation) (domain.ExecutionPlan, error) {
	if !ev.Decision.IsApproval() {
		return domain.ExecutionPlan{}, fmt.Errorf("plan for %s: decision %s: %w", ev.Proposal.ID(), ev.Decision, domain.ErrInvalidInput)
	}
	p := ev.Proposal
	plan := domain.ExecutionPlan{
		ID:         id.WithPrefix("pln"),
		CycleID:    cycleID,
		ProposalID: p.ID(),
		Symbol:     p.Symbol(),
		Side:       p.Side(),
		Size:       ev.Aggregate.PositionSize,
		Entry:      p.Entry(),
		Stop:       p.Stop(),
		RiskAmount: ev.Aggregate.RiskAmount,
		Decision:   ev.Decision,
		CreatedAt:  e.timeNow().UTC(),
	}
	if tp, ok := p.Target(); ok {
		plan.Target = &tp
	}
	for _, v := range ev.Aggregate.Violations {
		if v.Severity == domain.SeveritySoft {
			plan.Warnings = append(plan.Warnings, v)
		}
	}
	if plan.Size.IsZero() {
		return domain.ExecutionPlan{}, fmt.Errorf("plan for %s: zero size: %w", p.ID(), domain.ErrInvalidInput)
	}
	return plan, nil
}

// Preflight checks venue health, symbol support and balance. No order is
// sent when it fails.
func (e *Executor) Preflight(ctx context.Context, plan domain.ExecutionPlan) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.sink.Healthy(ctx); err != nil {
		return fmt.Errorf("%w: venue unhealthy: %w", domain.ErrPreflightFailed, err)
	}

	ok, err := e.sink.SupportsSymbol(ctx, plan.Symbol)
	if err != nil {
		return fmt.Errorf("%w: symbol lookup: %w", domain.ErrPreflightFailed, err)
	}
	if !ok {
		return fmt.Errorf("%w: symbol %s not supported", domain.ErrPreflightFailed, plan.Symbol)
	}

	balance, err := e.sink.AvailableBalance(ctx)
	if err != nil {
		return fmt.Errorf("%w: balance: %w", domain.ErrPreflightFailed, err)
	}
	if notional := plan.Notional(); balance.LessThan(notional) {
		return fmt.Errorf("%w: balance %s below notional %s", domain.ErrPreflightFailed, balance.StringFixed(2), notional.StringFixed(2))
	}
	return nil
}

// Execute places the plan. A rejected order is an ErrExecutionFailed.
func (e *Executor) Execute(ctx context.Context, plan domain.ExecutionPlan) (domain.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderResult{}, err
	}
	if plan.Side != domain.SideLong && plan.Side != domain.SideShort {
		return domain.OrderResult{}, fmt.Errorf("invalid side: %s", plan.Side)
	}

	result, err := e.sink.Execute(ctx, plan)
	if err == nil && result.PlanID == "" {
		result.PlanID = plan.ID
	}
	e.journalPlan(ctx, plan, result)
	if err != nil {
		return result, fmt.Errorf("%w: %w", domain.ErrExecutionFailed, err)
	}
	if !result.Success() {
		return result, fmt.Errorf("%w: order %s: %s", domain.ErrExecutionFailed, result.Status, result.Message)
	}

	e.logger.Info("Order placed",
		zap.String("plan_id", plan.ID),
		zap.String("symbol", plan.Symbol),
		zap.String("side", string(plan.Side)),
		zap.String("size", plan.Size.String()),
		zap.String("order_id", result.OrderID),
	)
	return result, nil
}

func (e *Executor) journalPlan(ctx context.Context, plan domain.ExecutionPlan, result domain.OrderResult) {
	if e.journal == nil {
		return
	}
	if err := e.journal.SavePlan(context.WithoutCancel(ctx), plan, result); err != nil {
		e.logger.Error("Failed to journal plan", zap.String("plan_id", plan.ID), zap.Error(err))
	}
}
