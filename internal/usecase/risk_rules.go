package usecase

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_risk_gate/internal/domain"
)

// RiskRule is one independent protocol check. Rules never mutate the
// portfolio and must be deterministic for equal inputs.
type RiskRule interface {
	Name() string
	Assess(ctx context.Context, proposal domain.TradeProposal, portfolio domain.PortfolioState) domain.RiskAssessment
}

// Profile thresholds for MaxTradeRiskRule.
var (
	ConservativeTradeRisk = decimal.RequireFromString("0.02")
	StandardTradeRisk     = decimal.RequireFromString("0.06")
	AggressiveTradeRisk   = decimal.RequireFromString("0.10")
	DefaultPortfolioCap   = decimal.RequireFromString("0.10")
	DefaultMinRewardRisk  = decimal.RequireFromString("1.5")
)

const DefaultConsecutiveLossLimit = 3

// ProfileTradeRisk maps a profile name to its per-trade threshold.
func ProfileTradeRisk(profile string) (decimal.Decimal, error) {
	switch profile {
	case "conservative":
		return ConservativeTradeRisk, nil
	case "standard", "":
		return StandardTradeRisk, nil
	case "aggressive":
		return AggressiveTradeRisk, nil
	}
	return decimal.Zero, fmt.Errorf("unknown risk profile %q", profile)
}

// baseAssessment fills the sizing fields every rule reports. A sizing
// failure leaves them zero; the protocol reports it as its own assessment.
func baseAssessment(rule string, sizer PositionSizer, p domain.TradeProposal) domain.RiskAssessment {
	a := domain.RiskAssessment{
		Rule:       rule,
		ProposalID: p.ID(),
		RiskAmount: decimal.Zero,
		RewardRisk: RewardRiskRatio(p),
		Violations: []domain.Violation{},
		Approved:   true,
	}
	if res, err := sizer.Calculate(SizingInput{Equity: p.Equity(), Risk: p.Risk(), Entry: p.Entry(), Stop: p.Stop()}); err == nil {
		a.PositionSize = res.Size
		a.RiskAmount = res.RiskAmount
	}
	return a
}

// RewardRiskRatio returns |target − entry| / |entry − stop| truncated to
// two digits, or zero when the proposal has no target.
func RewardRiskRatio(p domain.TradeProposal) decimal.Decimal {
	target, ok := p.Target()
	if !ok {
		return decimal.Zero
	}
	return target.Distance(p.Entry()).DivRound(p.RiskDistance(), 8).Truncate(2)
}

func reject(a *domain.RiskAssessment, kind domain.ViolationKind, msg string) {
	a.Violations = append(a.Violations, domain.Violation{Kind: kind, Severity: domain.SeverityHard, Message: msg})
	a.Approved = false
	a.Reasoning = msg
}

func warn(a *domain.RiskAssessment, kind domain.ViolationKind, msg string) {
	a.Violations = append(a.Violations, domain.Violation{Kind: kind, Severity: domain.SeveritySoft, Message: msg})
	a.Reasoning = msg
}

func pct(d decimal.Decimal) string {
	return d.Mul(decimal.NewFromInt(100)).StringFixed(2) + "%"
}

// MaxTradeRiskRule rejects a trade whose own risk fraction exceeds Threshold.
type MaxTradeRiskRule struct {
	Threshold decimal.Decimal
	Sizer     PositionSizer
}

func (r MaxTradeRiskRule) Name() string { return "MaxTradeRisk" }

func (r MaxTradeRiskRule) Assess(_ context.Context, p domain.TradeProposal, _ domain.PortfolioState) domain.RiskAssessment {
	a := baseAssessment(r.Name(), r.Sizer, p)
	if p.Risk().Decimal().GreaterThan(r.Threshold) {
		reject(&a, domain.ViolationMaxTradeRisk,
			fmt.Sprintf("trade risk %s exceeds max %s", pct(p.Risk().Decimal()), pct(r.Threshold)))
		return a
	}
	a.Reasoning = fmt.Sprintf("trade risk %s within max %s", pct(p.Risk().Decimal()), pct(r.Threshold))
	return a
}

// MaxPortfolioRiskRule rejects when committed risk plus this trade exceeds Cap.
type MaxPortfolioRiskRule struct {
	Cap   decimal.Decimal
	Sizer PositionSizer
}

func (r MaxPortfolioRiskRule) Name() string { return "MaxPortfolioRisk" }

func (r MaxPortfolioRiskRule) Assess(_ context.Context, p domain.TradeProposal, s domain.PortfolioState) domain.RiskAssessment {
	a := baseAssessment(r.Name(), r.Sizer, p)
	committed := s.CommittedRiskPct()
	total := committed.Add(p.Risk().Decimal())
	if total.GreaterThan(r.Cap) {
		reject(&a, domain.ViolationMaxPortfolioRisk,
			fmt.Sprintf("portfolio risk %s + %s = %s exceeds cap %s", pct(committed), pct(p.Risk().Decimal()), pct(total), pct(r.Cap)))
		return a
	}
	a.Reasoning = fmt.Sprintf("portfolio risk %s within cap %s", pct(total), pct(r.Cap))
	return a
}

// DailyLossLimitRule rejects new trades once today's realized loss reaches Limit.
// The protocol rolls DailyPnL at the UTC day boundary before calling rules.
type DailyLossLimitRule struct {
	Limit decimal.Decimal
	Sizer PositionSizer
}

func (r DailyLossLimitRule) Name() string { return "DailyLossLimit" }

func (r DailyLossLimitRule) Assess(_ context.Context, p domain.TradeProposal, s domain.PortfolioState) domain.RiskAssessment {
	a := baseAssessment(r.Name(), r.Sizer, p)
	loss := s.DailyLoss()
	if r.Limit.IsPositive() && loss.GreaterThanOrEqual(r.Limit) {
		reject(&a, domain.ViolationDailyLossLimit,
			fmt.Sprintf("daily loss %s on %s reached limit %s", loss.StringFixed(2), s.TradingDay, r.Limit.StringFixed(2)))
		return a
	}
	a.Reasoning = fmt.Sprintf("daily loss %s below limit %s", loss.StringFixed(2), r.Limit.StringFixed(2))
	return a
}

// ConsecutiveLossLimitRule is the circuit breaker: once Limit losses in a
// row are recorded every proposal is rejected until an explicit reset.
type ConsecutiveLossLimitRule struct {
	Limit int
	Sizer PositionSizer
}

func (r ConsecutiveLossLimitRule) Name() string { return "ConsecutiveLossLimit" }

func (r ConsecutiveLossLimitRule) Assess(_ context.Context, p domain.TradeProposal, s domain.PortfolioState) domain.RiskAssessment {
	a := baseAssessment(r.Name(), r.Sizer, p)
	if s.CircuitBreakerEngaged || s.ConsecutiveLosses >= r.Limit {
		reject(&a, domain.ViolationCircuitBreakerEngaged,
			fmt.Sprintf("circuit breaker engaged after %d consecutive losses (limit %d); explicit reset required", s.ConsecutiveLosses, r.Limit))
		return a
	}
	a.Reasoning = fmt.Sprintf("%d consecutive losses, limit %d", s.ConsecutiveLosses, r.Limit)
	return a
}

// RewardRiskRule flags, without rejecting, targets below MinRatio.
type RewardRiskRule struct {
	MinRatio decimal.Decimal
	Sizer    PositionSizer
}

func (r RewardRiskRule) Name() string { return "RewardRisk" }

func (r RewardRiskRule) Assess(_ context.Context, p domain.TradeProposal, _ domain.PortfolioState) domain.RiskAssessment {
	a := baseAssessment(r.Name(), r.Sizer, p)
	if _, ok := p.Target(); !ok {
		a.Reasoning = "no target set"
		return a
	}
	if a.RewardRisk.LessThan(r.MinRatio) {
		warn(&a, domain.ViolationLowRewardRisk,
			fmt.Sprintf("reward/risk %s below minimum %s", a.RewardRisk.StringFixed(2), r.MinRatio.StringFixed(2)))
		return a
	}
	a.Reasoning = fmt.Sprintf("reward/risk %s meets minimum %s", a.RewardRisk.StringFixed(2), r.MinRatio.StringFixed(2))
	return a
}

// RuleSet is the immutable rule registry of a protocol.
type RuleSet struct {
	rules []RiskRule
}

func NewRuleSet(rules ...RiskRule) RuleSet {
	cp := make([]RiskRule, len(rules))
	copy(cp, rules)
	return RuleSet{rules: cp}
}

func (s RuleSet) Rules() []RiskRule {
	cp := make([]RiskRule, len(s.rules))
	copy(cp, s.rules)
	return cp
}

func (s RuleSet) Len() int { return len(s.rules) }

// RuleConfig holds the thresholds of the default rule registry.
type RuleConfig struct {
	MaxTradeRisk         decimal.Decimal
	MaxPortfolioRisk     decimal.Decimal
	DailyLossLimit       decimal.Decimal
	ConsecutiveLossLimit int
	MinRewardRisk        decimal.Decimal
	ClampToBalance       bool
}

// DefaultRuleConfig is the standard profile.
func DefaultRuleConfig() RuleConfig {
	return RuleConfig{
		MaxTradeRisk:         StandardTradeRisk,
		MaxPortfolioRisk:     DefaultPortfolioCap,
		DailyLossLimit:       decimal.Zero,
		ConsecutiveLossLimit: DefaultConsecutiveLossLimit,
		MinRewardRisk:        DefaultMinRewardRisk,
	}
}

// DefaultRules builds the registry once at startup.
func DefaultRules(cfg RuleConfig) RuleSet {
	sizer := NewPositionSizer(cfg.ClampToBalance)
	limit := cfg.ConsecutiveLossLimit
	if limit <= 0 {
		limit = DefaultConsecutiveLossLimit
	}
	return NewRuleSet(
		MaxTradeRiskRule{Threshold: cfg.MaxTradeRisk, Sizer: sizer},
		MaxPortfolioRiskRule{Cap: cfg.MaxPortfolioRisk, Sizer: sizer},
		DailyLossLimitRule{Limit: cfg.DailyLossLimit, Sizer: sizer},
		ConsecutiveLossLimitRule{Limit: limit, Sizer: sizer},
		RewardRiskRule{MinRatio: cfg.MinRewardRisk, Sizer: sizer},
	)
}
