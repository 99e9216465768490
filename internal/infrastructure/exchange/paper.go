package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_risk_gate/internal/domain"
	"github.com/vitos/crypto_risk_gate/pkg/id"
	"go.uber.org/zap"
)

// PaperExchange fills every accepted plan immediately at its entry price
// against a simulated balance. Registered as the protocol's outcome
// listener it credits the notional and realized PnL back on close.
type PaperExchange struct {
	balance decimal.Decimal
	symbols map[string]bool
	open    map[string]decimal.Decimal // proposal id -> debited notional
	logger  *zap.Logger
	timeNow func() time.Time
	mu      sync.Mutex
}

// NewPaperExchange starts with the given balance. An empty symbol list
// accepts any symbol.
func NewPaperExchange(balance decimal.Decimal, symbols []string, logger *zap.Logger) *PaperExchange {
	if logger == nil {
		logger = zap.NewNop()
	}
	set := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		set[strings.ToUpper(s)] = true
	}
	return &PaperExchange{
		balance: balance,
		symbols: set,
		open:    make(map[string]decimal.Decimal),
		logger:  logger.Named("paper"),
		timeNow: time.Now,
	}
}

func (p *PaperExchange) Execute(ctx context.Context, plan domain.ExecutionPlan) (domain.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderResult{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	result := domain.OrderResult{PlanID: plan.ID, At: p.timeNow().UTC()}
	notional := plan.Notional()
	if notional.GreaterThan(p.balance) {
		result.Status = domain.OrderRejected
		result.Message = fmt.Sprintf("insufficient balance: need %s, have %s", notional, p.balance)
		p.logger.Warn("Paper order rejected", zap.String("plan_id", plan.ID), zap.String("reason", result.Message))
		return result, nil
	}

	p.balance = p.balance.Sub(notional)
	result.OrderID = id.WithPrefix("paper")
	result.Status = domain.OrderFilled
	result.FilledSize = plan.Size.Decimal()
	result.AvgPrice = plan.Entry.Decimal()
	p.open[plan.ProposalID] = p.open[plan.ProposalID].Add(notional)

	p.logger.Info("Paper order filled",
		zap.String("plan_id", plan.ID),
		zap.String("order_id", result.OrderID),
		zap.String("symbol", plan.Symbol),
		zap.String("side", string(plan.Side)),
		zap.String("size", plan.Size.String()),
		zap.String("price", plan.Entry.String()))
	return result, nil
}

func (p *PaperExchange) Healthy(ctx context.Context) error {
	return ctx.Err()
}

func (p *PaperExchange) SupportsSymbol(_ context.Context, symbol string) (bool, error) {
	if len(p.symbols) == 0 {
		return true, nil
	}
	return p.symbols[strings.ToUpper(symbol)], nil
}

func (p *PaperExchange) AvailableBalance(context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

// PositionClosed returns the position's notional plus its realized PnL to
// the simulated balance. Positions this exchange never filled are ignored.
func (p *PaperExchange) PositionClosed(_ context.Context, pos domain.CommittedRisk, o domain.TradeOutcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	notional, ok := p.open[pos.ProposalID]
	if !ok {
		p.logger.Debug("Close for unknown paper position", zap.String("proposal_id", pos.ProposalID))
		return
	}
	delete(p.open, pos.ProposalID)

	p.balance = p.balance.Add(notional).Add(o.RealizedPnL)
	if p.balance.IsNegative() {
		p.balance = decimal.Zero
	}
	p.logger.Info("Paper position closed",
		zap.String("proposal_id", pos.ProposalID),
		zap.String("symbol", pos.Symbol),
		zap.String("kind", string(o.Kind)),
		zap.String("pnl", o.RealizedPnL.String()),
		zap.String("balance", p.balance.String()))
}
