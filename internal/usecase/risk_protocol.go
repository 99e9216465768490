package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_risk_gate/internal/domain"
	"go.uber.org/zap"
)

const (
	ruleProtocol = "Protocol"
	ruleSizing   = "PositionSizing"
)

// ProtocolConfig configures a RiskProtocol.
type ProtocolConfig struct {
	Rules                RuleSet
	MaxPortfolioRisk     decimal.Decimal
	DailyLossLimit       decimal.Decimal
	ConsecutiveLossLimit int
	ClampToBalance       bool
	InitialEquity        domain.AccountEquity
}

// RiskProtocol owns the portfolio state and runs every rule against each
// proposal. Rules see a snapshot; Reserve re-checks the cap, the daily
// loss limit and the breaker under the lock so concurrent approvals and
// outcomes recorded meanwhile cannot be overshot.
type RiskProtocol struct {
	rules      RuleSet
	sizer      PositionSizer
	cap        decimal.Decimal
	dailyLimit decimal.Decimal
	lossLimit  int

	state domain.PortfolioState
	store domain.PortfolioStore
	trail *AuditTrail
	sink  domain.AuditSink

	logger   *zap.Logger
	metrics  Metrics
	listener domain.OutcomeListener
	mu       sync.Mutex
	timeNow func() time.Time
}

// NewRiskProtocol restores the last saved portfolio from store, or starts
// from cfg.InitialEquity. store and sink may be nil.
func NewRiskProtocol(ctx context.Context, cfg ProtocolConfig, store domain.PortfolioStore, sink domain.AuditSink, logger *zap.Logger) (*RiskProtocol, error) {
	if !cfg.MaxPortfolioRisk.IsPositive() {
		cfg.MaxPortfolioRisk = DefaultPortfolioCap
	}
	if cfg.ConsecutiveLossLimit <= 0 {
		cfg.ConsecutiveLossLimit = DefaultConsecutiveLossLimit
	}
	if cfg.Rules.Len() == 0 {
		rc := DefaultRuleConfig()
		rc.MaxPortfolioRisk = cfg.MaxPortfolioRisk
		rc.DailyLossLimit = cfg.DailyLossLimit
		rc.ConsecutiveLossLimit = cfg.ConsecutiveLossLimit
		rc.ClampToBalance = cfg.ClampToBalance
		cfg.Rules = DefaultRules(rc)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &RiskProtocol{
		rules:      cfg.Rules,
		sizer:      NewPositionSizer(cfg.ClampToBalance),
		cap:        cfg.MaxPortfolioRisk,
		dailyLimit: cfg.DailyLossLimit,
		lossLimit:  cfg.ConsecutiveLossLimit,
		store:      store,
		trail:      NewAuditTrail(DefaultAuditCapacity),
		sink:       sink,
		logger:     logger,
		metrics:    NopMetrics{},
		timeNow:    time.Now,
	}

	now := p.timeNow()
	if store == nil {
		if cfg.InitialEquity.IsZero() {
			return nil, fmt.Errorf("initial equity: %w", domain.ErrInvalidInput)
		}
		p.state = domain.NewPortfolioState(cfg.InitialEquity, now)
		return p, nil
	}

	state, err := store.Load(ctx)
	switch {
	case errors.Is(err, domain.ErrNoPortfolioSnapshot):
		if cfg.InitialEquity.IsZero() {
			return nil, fmt.Errorf("initial equity: %w", domain.ErrInvalidInput)
		}
		state = domain.NewPortfolioState(cfg.InitialEquity, now)
	case err != nil:
		return nil, fmt.Errorf("load portfolio: %w", err)
	default:
		if state.Positions == nil {
			state.Positions = make(map[string]domain.CommittedRisk)
		}
		// Reservations belong to cycles of a previous process.
		for id, pos := range state.Positions {
			if pos.Status == domain.RiskReserved {
				logger.Warn("Dropping stale reservation", zap.String("proposal_id", id), zap.String("symbol", pos.Symbol))
				delete(state.Positions, id)
			}
		}
	}
	p.state = state
	return p, nil
}

// SetMetrics replaces the metrics receiver.
func (p *RiskProtocol) SetMetrics(m Metrics) {
	if m == nil {
		m = NopMetrics{}
	}
	p.mu.Lock()
	p.metrics = m
	p.publishLocked()
	p.mu.Unlock()
}

// SetOutcomeListener registers l to hear about closed positions; nil
// removes it.
func (p *RiskProtocol) SetOutcomeListener(l domain.OutcomeListener) {
	p.mu.Lock()
	p.listener = l
	p.mu.Unlock()
}

// SetClock is used by tests to pin the trading day.
func (p *RiskProtocol) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.timeNow = now
	p.mu.Unlock()
}

func (p *RiskProtocol) Rules() RuleSet { return p.rules }

// Snapshot returns a deep copy of the portfolio.
func (p *RiskProtocol) Snapshot() domain.PortfolioState {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollDayLocked()
	return p.state.Clone()
}

// AuditTrail returns the in-memory audit records, oldest first.
func (p *RiskProtocol) AuditTrail() []domain.AuditRecord {
	return p.trail.Records()
}

// Record appends a record produced outside the protocol, e.g. a loop
// transition, to the same audit pipeline.
func (p *RiskProtocol) Record(ctx context.Context, rec domain.AuditRecord) {
	p.emit(ctx, rec)
}

// Trail exposes the bounded in-memory trail.
func (p *RiskProtocol) Trail() *AuditTrail {
	return p.trail
}

// Evaluate runs every rule against the current portfolio. It returns an
// error only when ctx ends first; a partial evaluation is never returned.
func (p *RiskProtocol) Evaluate(ctx context.Context, proposal domain.TradeProposal) (domain.Evaluation, error) {
	ev, err := p.evaluate(ctx, proposal)
	if err != nil {
		return ev, err
	}
	p.observeDecision(ev.Decision)
	return ev, nil
}

// evaluate is Evaluate without the decision metric, for callers that
// report the final decision themselves.
func (p *RiskProtocol) evaluate(ctx context.Context, proposal domain.TradeProposal) (domain.Evaluation, error) {
	snapshot := p.Snapshot()

	rules := p.rules.Rules()
	assessments := make([]domain.RiskAssessment, 0, len(rules)+1)
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return domain.Evaluation{}, err
		}
		assessments = append(assessments, rule.Assess(ctx, proposal, snapshot))
	}
	sizing, res := p.assessSizing(proposal)
	if sizing != nil {
		assessments = append(assessments, *sizing)
	}
	if err := ctx.Err(); err != nil {
		return domain.Evaluation{}, err
	}

	ev := aggregate(proposal, assessments, res)

	rec := newAuditRecord(p.now(), domain.AuditAssessment, ev.Reasoning(), ev)
	rec.ProposalID = proposal.ID()
	rec.Symbol = proposal.Symbol()
	rec.Decision = string(ev.Decision)
	p.emit(ctx, rec)

	p.logger.Info("Proposal evaluated",
		zap.String("proposal_id", proposal.ID()),
		zap.String("symbol", proposal.Symbol()),
		zap.String("decision", string(ev.Decision)),
		zap.Int("violations", len(ev.Aggregate.Violations)),
	)
	return ev, nil
}

func (p *RiskProtocol) observeDecision(d domain.ProtocolDecision) {
	p.mu.Lock()
	p.metrics.ObserveDecision(d)
	p.mu.Unlock()
}

// assessSizing reports sizer failures and clamping. It returns nil when
// the position sized cleanly.
func (p *RiskProtocol) assessSizing(proposal domain.TradeProposal) (*domain.RiskAssessment, SizingResult) {
	res, err := p.sizer.Calculate(SizingInput{
		Equity: proposal.Equity(),
		Risk:   proposal.Risk(),
		Entry:  proposal.Entry(),
		Stop:   proposal.Stop(),
	})
	switch {
	case err != nil:
		return &domain.RiskAssessment{
			Rule:       ruleSizing,
			ProposalID: proposal.ID(),
			RiskAmount: decimal.Zero,
			RewardRisk: decimal.Zero,
			Violations: []domain.Violation{{
				Kind:     domain.ViolationSizing,
				Severity: domain.SeverityHard,
				Message:  err.Error(),
			}},
			Reasoning: "position could not be sized: " + err.Error(),
		}, res
	case res.Clamped:
		msg := fmt.Sprintf("position clamped to balance: size %s, notional %s", res.Size, res.Notional.StringFixed(2))
		return &domain.RiskAssessment{
			Rule:         ruleSizing,
			ProposalID:   proposal.ID(),
			PositionSize: res.Size,
			RiskAmount:   res.RiskAmount,
			RewardRisk:   RewardRiskRatio(proposal),
			Violations:   []domain.Violation{{Kind: domain.ViolationSizing, Severity: domain.SeveritySoft, Message: msg}},
			Approved:     true,
			Reasoning:    msg,
		}, res
	}
	return nil, res
}

func aggregate(proposal domain.TradeProposal, assessments []domain.RiskAssessment, res SizingResult) domain.Evaluation {
	decision := domain.DeriveDecision(assessments)
	agg := domain.RiskAssessment{
		Rule:         ruleProtocol,
		ProposalID:   proposal.ID(),
		PositionSize: res.Size,
		RiskAmount:   res.RiskAmount,
		RewardRisk:   RewardRiskRatio(proposal),
		Violations:   []domain.Violation{},
		Approved:     decision.IsApproval(),
	}
	if agg.RiskAmount.IsZero() {
		agg.RiskAmount = decimal.Zero
	}
	for _, a := range assessments {
		agg.Violations = append(agg.Violations, a.Violations...)
	}
	ev := domain.Evaluation{
		Proposal:    proposal,
		Decision:    decision,
		Aggregate:   agg,
		Assessments: assessments,
	}
	ev.Aggregate.Reasoning = fmt.Sprintf("%s: %s", decision, ev.Reasoning())
	return ev
}

// Reserve books the proposal's risk against the portfolio. When the live
// state no longer admits it (another cycle reserved first, the breaker
// engaged or the daily loss limit was reached meanwhile) the returned
// evaluation is Rejected and no risk is held.
func (p *RiskProtocol) Reserve(ctx context.Context, cycleID string, ev domain.Evaluation) (domain.Reservation, domain.Evaluation, error) {
	if err := ctx.Err(); err != nil {
		return domain.Reservation{}, ev, err
	}
	if !ev.Decision.IsApproval() {
		return domain.Reservation{}, ev, fmt.Errorf("reserve %s: decision %s: %w", ev.Proposal.ID(), ev.Decision, domain.ErrInvalidInput)
	}

	proposal := ev.Proposal
	riskPct := proposal.Risk().Decimal()

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return domain.Reservation{}, ev, err
	}
	p.rollDayLocked()

	if _, exists := p.state.Positions[proposal.ID()]; exists {
		return domain.Reservation{}, ev, fmt.Errorf("reserve %s: already reserved: %w", proposal.ID(), domain.ErrInvalidInput)
	}

	var late []domain.Violation
	if p.state.CircuitBreakerEngaged || p.state.ConsecutiveLosses >= p.lossLimit {
		late = append(late, domain.Violation{
			Kind:     domain.ViolationCircuitBreakerEngaged,
			Severity: domain.SeverityHard,
			Message:  "circuit breaker engaged before reservation",
		})
	}
	if loss := p.state.DailyLoss(); p.dailyLimit.IsPositive() && loss.GreaterThanOrEqual(p.dailyLimit) {
		late = append(late, domain.Violation{
			Kind:     domain.ViolationDailyLossLimit,
			Severity: domain.SeverityHard,
			Message:  fmt.Sprintf("daily loss %s reached limit %s before reservation", loss.StringFixed(2), p.dailyLimit.StringFixed(2)),
		})
	}
	committed := p.state.CommittedRiskPct()
	if committed.Add(riskPct).GreaterThan(p.cap) {
		late = append(late, domain.Violation{
			Kind:     domain.ViolationMaxPortfolioRisk,
			Severity: domain.SeverityHard,
			Message:  fmt.Sprintf("portfolio risk %s + %s exceeds cap %s at reservation", pct(committed), pct(riskPct), pct(p.cap)),
		})
	}
	if len(late) > 0 {
		rejected := rejectLate(ev, late)
		rec := newAuditRecord(p.now(), domain.AuditReservation, rejected.Aggregate.Reasoning, rejected)
		rec.CycleID = cycleID
		rec.ProposalID = proposal.ID()
		rec.Symbol = proposal.Symbol()
		rec.Decision = string(rejected.Decision)
		p.emit(ctx, rec)
		p.logger.Warn("Reservation rejected",
			zap.String("cycle_id", cycleID),
			zap.String("proposal_id", proposal.ID()),
			zap.String("reason", rejected.Aggregate.Reasoning),
		)
		return domain.Reservation{}, rejected, nil
	}

	now := p.now()
	p.state.Positions[proposal.ID()] = domain.CommittedRisk{
		ProposalID: proposal.ID(),
		CycleID:    cycleID,
		Symbol:     proposal.Symbol(),
		Side:       proposal.Side(),
		RiskPct:    riskPct,
		RiskAmount: ev.Aggregate.RiskAmount,
		Size:       ev.Aggregate.PositionSize,
		Status:     domain.RiskReserved,
		OpenedAt:   now.UTC(),
	}
	p.state.UpdatedAt = now.UTC()
	res := domain.Reservation{ProposalID: proposal.ID(), CycleID: cycleID, RiskPct: riskPct}

	rec := newAuditRecord(now, domain.AuditReservation,
		fmt.Sprintf("reserved %s, portfolio risk now %s", pct(riskPct), pct(p.state.CommittedRiskPct())), res)
	rec.CycleID = cycleID
	rec.ProposalID = proposal.ID()
	rec.Symbol = proposal.Symbol()
	rec.Decision = string(ev.Decision)
	p.emit(ctx, rec)
	p.persistLocked(ctx)
	return res, ev, nil
}

func rejectLate(ev domain.Evaluation, late []domain.Violation) domain.Evaluation {
	out := ev
	out.Assessments = append(append([]domain.RiskAssessment{}, ev.Assessments...), domain.RiskAssessment{
		Rule:         "Reservation",
		ProposalID:   ev.Proposal.ID(),
		PositionSize: ev.Aggregate.PositionSize,
		RiskAmount:   ev.Aggregate.RiskAmount,
		RewardRisk:   ev.Aggregate.RewardRisk,
		Violations:   late,
		Reasoning:    late[0].Message,
	})
	out.Decision = domain.DecisionRejected
	out.Aggregate.Violations = append(append([]domain.Violation{}, ev.Aggregate.Violations...), late...)
	out.Aggregate.Approved = false
	out.Aggregate.Reasoning = fmt.Sprintf("%s: %s", out.Decision, out.Reasoning())
	return out
}

// Release drops a reservation that will not be executed. Releasing an
// unknown reservation returns ErrUnknownReservation; committed risk is
// only removed by an outcome.
func (p *RiskProtocol) Release(ctx context.Context, res domain.Reservation, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.state.Positions[res.ProposalID]
	if !ok {
		return fmt.Errorf("release %s: %w", res.ProposalID, domain.ErrUnknownReservation)
	}
	if pos.Status != domain.RiskReserved {
		return fmt.Errorf("release %s: status %s: %w", res.ProposalID, pos.Status, domain.ErrInvalidStateTransition)
	}
	delete(p.state.Positions, res.ProposalID)
	now := p.now()
	p.state.UpdatedAt = now.UTC()

	rec := newAuditRecord(now, domain.AuditReservation, "released: "+reason, res)
	rec.CycleID = res.CycleID
	rec.ProposalID = res.ProposalID
	rec.Symbol = pos.Symbol
	p.emit(ctx, rec)
	p.persistLocked(ctx)

	p.logger.Info("Reservation released",
		zap.String("cycle_id", res.CycleID),
		zap.String("proposal_id", res.ProposalID),
		zap.String("reason", reason),
	)
	return nil
}

// Commit turns a reservation into committed risk after the order was accepted.
func (p *RiskProtocol) Commit(ctx context.Context, res domain.Reservation, result domain.OrderResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.state.Positions[res.ProposalID]
	if !ok {
		return fmt.Errorf("commit %s: %w", res.ProposalID, domain.ErrUnknownReservation)
	}
	if pos.Status != domain.RiskReserved {
		return fmt.Errorf("commit %s: status %s: %w", res.ProposalID, pos.Status, domain.ErrInvalidStateTransition)
	}
	pos.Status = domain.RiskCommitted
	pos.OrderID = result.OrderID
	p.state.Positions[res.ProposalID] = pos
	now := p.now()
	p.state.UpdatedAt = now.UTC()

	rec := newAuditRecord(now, domain.AuditExecution,
		fmt.Sprintf("committed %s for order %s", pct(pos.RiskPct), result.OrderID), result)
	rec.CycleID = res.CycleID
	rec.ProposalID = res.ProposalID
	rec.Symbol = pos.Symbol
	p.emit(ctx, rec)
	p.persistLocked(ctx)
	return nil
}

// RecordOutcome applies a fill, close or stop-out. Closing outcomes free
// the position's risk and update daily PnL, equity and the loss streak. A
// win resets the streak only while the breaker is not engaged. The outcome
// listener, if any, hears about the close once the portfolio is updated.
func (p *RiskProtocol) RecordOutcome(ctx context.Context, o domain.TradeOutcome) error {
	switch o.Kind {
	case domain.OutcomeFill, domain.OutcomeClose, domain.OutcomeStopOut:
	default:
		return fmt.Errorf("outcome kind %q: %w", o.Kind, domain.ErrInvalidInput)
	}

	pos, o, listener, err := p.applyOutcome(ctx, o)
	if err != nil {
		return err
	}
	if listener != nil {
		listener.PositionClosed(ctx, pos, o)
	}
	return nil
}

// applyOutcome updates the portfolio under the lock. It returns the
// listener to notify only when the outcome closed the position.
func (p *RiskProtocol) applyOutcome(ctx context.Context, o domain.TradeOutcome) (domain.CommittedRisk, domain.TradeOutcome, domain.OutcomeListener, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollDayLocked()

	pos, ok := p.state.Positions[o.ProposalID]
	if !ok {
		return pos, o, nil, fmt.Errorf("outcome for %s: %w", o.ProposalID, domain.ErrUnknownReservation)
	}

	now := p.now()
	if o.At.IsZero() {
		o.At = now.UTC()
	}

	var (
		reasoning string
		listener  domain.OutcomeListener
	)
	switch o.Kind {
	case domain.OutcomeFill:
		pos.Status = domain.RiskCommitted
		if o.OrderID != "" {
			pos.OrderID = o.OrderID
		}
		p.state.Positions[o.ProposalID] = pos
		reasoning = fmt.Sprintf("filled %s %s", pos.Symbol, pos.Size)
	default:
		equity, err := domain.NewAccountEquity(p.state.Equity.Decimal().Add(o.RealizedPnL))
		if err != nil {
			return pos, o, nil, fmt.Errorf("apply pnl %s: %w", o.RealizedPnL, err)
		}
		delete(p.state.Positions, o.ProposalID)
		listener = p.listener
		p.state.Equity = equity
		p.state.DailyPnL = p.state.DailyPnL.Add(o.RealizedPnL)

		switch {
		case o.RealizedPnL.IsNegative() || (o.Kind == domain.OutcomeStopOut && !o.RealizedPnL.IsPositive()):
			p.state.ConsecutiveLosses++
			if p.state.ConsecutiveLosses >= p.lossLimit && !p.state.CircuitBreakerEngaged {
				p.state.CircuitBreakerEngaged = true
				p.state.BreakerEngagedAt = now.UTC()
				p.logger.Warn("Circuit breaker engaged",
					zap.Int("consecutive_losses", p.state.ConsecutiveLosses),
					zap.Int("limit", p.lossLimit),
				)
			}
		case o.RealizedPnL.IsPositive() && !p.state.CircuitBreakerEngaged:
			p.state.ConsecutiveLosses = 0
		}
		reasoning = fmt.Sprintf("%s %s pnl %s, streak %d, breaker %t",
			o.Kind, pos.Symbol, o.RealizedPnL.StringFixed(2), p.state.ConsecutiveLosses, p.state.CircuitBreakerEngaged)
	}
	p.state.UpdatedAt = now.UTC()

	rec := newAuditRecord(now, domain.AuditOutcome, reasoning, o)
	rec.CycleID = pos.CycleID
	rec.ProposalID = o.ProposalID
	rec.Symbol = pos.Symbol
	p.emit(ctx, rec)
	p.persistLocked(ctx)
	return pos, o, listener, nil
}

// ResetCircuitBreaker is the only way to clear the loss streak and the
// breaker flag. operator and reason are mandatory and audited.
func (p *RiskProtocol) ResetCircuitBreaker(ctx context.Context, operator, reason string) error {
	if operator == "" {
		return fmt.Errorf("reset operator: %w", domain.ErrInvalidInput)
	}
	if reason == "" {
		return fmt.Errorf("reset reason: %w", domain.ErrInvalidInput)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	prevLosses := p.state.ConsecutiveLosses
	prevEngaged := p.state.CircuitBreakerEngaged
	p.state.ConsecutiveLosses = 0
	p.state.CircuitBreakerEngaged = false
	p.state.BreakerEngagedAt = time.Time{}
	now := p.now()
	p.state.UpdatedAt = now.UTC()

	rec := newAuditRecord(now, domain.AuditReset,
		fmt.Sprintf("circuit breaker reset by %s: %s (was engaged=%t, losses=%d)", operator, reason, prevEngaged, prevLosses),
		map[string]any{"operator": operator, "reason": reason, "previous_losses": prevLosses, "previous_engaged": prevEngaged})
	p.emit(ctx, rec)
	p.persistLocked(ctx)

	p.logger.Warn("Circuit breaker reset",
		zap.String("operator", operator),
		zap.String("reason", reason),
		zap.Int("previous_losses", prevLosses),
	)
	return nil
}

func (p *RiskProtocol) now() time.Time {
	return p.timeNow()
}

// rollDayLocked zeroes DailyPnL when the UTC day changed.
func (p *RiskProtocol) rollDayLocked() {
	day := domain.TradingDay(p.now())
	if day == p.state.TradingDay {
		return
	}
	p.logger.Info("Trading day rolled",
		zap.String("from", p.state.TradingDay),
		zap.String("to", day),
		zap.String("daily_pnl", p.state.DailyPnL.String()),
	)
	p.state.TradingDay = day
	p.state.DailyPnL = decimal.Zero
}

// emit appends to the in-memory trail and forwards to the external sink.
// Sink failures are logged; the trail stays authoritative.
func (p *RiskProtocol) emit(ctx context.Context, rec domain.AuditRecord) {
	_ = p.trail.Append(ctx, rec)
	if p.sink == nil {
		return
	}
	if err := p.sink.Append(context.WithoutCancel(ctx), rec); err != nil {
		p.logger.Error("Failed to append audit record", zap.String("kind", string(rec.Kind)), zap.Error(err))
	}
}

func (p *RiskProtocol) persistLocked(ctx context.Context) {
	p.publishLocked()
	if p.store == nil {
		return
	}
	if err := p.store.Save(context.WithoutCancel(ctx), p.state.Clone()); err != nil {
		p.logger.Error("Failed to save portfolio", zap.Error(err))
	}
}

func (p *RiskProtocol) publishLocked() {
	committed, _ := p.state.CommittedRiskPct().Float64()
	p.metrics.SetPortfolio(committed, len(p.state.Positions), p.state.CircuitBreakerEngaged)
}
