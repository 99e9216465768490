package usecase_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_risk_gate/internal/domain"
	"github.com/vitos/crypto_risk_gate/internal/usecase"
	"go.uber.org/zap"
)

type memStore struct {
	mu    sync.Mutex
	state *domain.PortfolioState
	saves int
}

func (m *memStore) Load(context.Context) (domain.PortfolioState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return domain.PortfolioState{}, domain.ErrNoPortfolioSnapshot
	}
	return m.state.Clone(), nil
}

func (m *memStore) Save(_ context.Context, s domain.PortfolioState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := s.Clone()
	m.state = &c
	m.saves++
	return nil
}

func newProtocol(t *testing.T, store domain.PortfolioStore) *usecase.RiskProtocol {
	t.Helper()
	p, err := usecase.NewRiskProtocol(context.Background(), usecase.ProtocolConfig{
		Rules:         usecase.DefaultRules(usecase.DefaultRuleConfig()),
		InitialEquity: equity(t, "10000"),
	}, store, nil, zap.NewNop())
	require.NoError(t, err)
	p.SetClock(func() time.Time { return testNow })
	return p
}

func approveAndReserve(t *testing.T, p *usecase.RiskProtocol, prop domain.TradeProposal) domain.Reservation {
	t.Helper()
	ctx := context.Background()
	ev, err := p.Evaluate(ctx, prop)
	require.NoError(t, err)
	require.True(t, ev.Decision.IsApproval(), ev.Aggregate.Reasoning)
	res, ev, err := p.Reserve(ctx, "cyc-"+prop.ID(), ev)
	require.NoError(t, err)
	require.True(t, ev.Decision.IsApproval(), ev.Aggregate.Reasoning)
	return res
}

func TestRiskProtocol_EvaluateApproves(t *testing.T) {
	p := newProtocol(t, nil)

	ev, err := p.Evaluate(context.Background(), proposal(t, proposalOpts{target: "110"}))
	require.NoError(t, err)

	assert.Equal(t, domain.DecisionApproved, ev.Decision)
	assert.Len(t, ev.Assessments, 5)
	assert.True(t, ev.Aggregate.Approved)
	assert.True(t, ev.Aggregate.PositionSize.Decimal().Equal(d("40")))
	assert.True(t, ev.Aggregate.RiskAmount.Equal(d("200")))
	assert.Empty(t, ev.Aggregate.Violations)

	trail := p.AuditTrail()
	require.Len(t, trail, 1)
	assert.Equal(t, domain.AuditAssessment, trail[0].Kind)
	assert.Equal(t, "Approved", trail[0].Decision)
}

func TestRiskProtocol_WarningsOnly(t *testing.T) {
	p := newProtocol(t, nil)

	ev, err := p.Evaluate(context.Background(), proposal(t, proposalOpts{target: "102"}))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionApprovedWithWarnings, ev.Decision)
	assert.True(t, ev.Aggregate.HasViolation(domain.ViolationLowRewardRisk))
}

func TestRiskProtocol_RejectsOverThreshold(t *testing.T) {
	p := newProtocol(t, nil)

	ev, err := p.Evaluate(context.Background(), proposal(t, proposalOpts{risk: "0.08", stop: "90"}))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionRejected, ev.Decision)
	assert.True(t, ev.Aggregate.HasViolation(domain.ViolationMaxTradeRisk))
	assert.False(t, ev.Aggregate.Approved)
}

func TestRiskProtocol_SizingFailureRejects(t *testing.T) {
	p := newProtocol(t, nil)

	ev, err := p.Evaluate(context.Background(), proposal(t, proposalOpts{risk: "0.05", stop: "99"}))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionRejected, ev.Decision)
	assert.True(t, ev.Aggregate.HasViolation(domain.ViolationSizing))
}

func TestRiskProtocol_Deterministic(t *testing.T) {
	p := newProtocol(t, nil)
	prop := proposal(t, proposalOpts{target: "104"})

	first, err := p.Evaluate(context.Background(), prop)
	require.NoError(t, err)
	second, err := p.Evaluate(context.Background(), prop)
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRiskProtocol_EvaluateCancelled(t *testing.T) {
	p := newProtocol(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Evaluate(ctx, proposal(t, proposalOpts{}))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRiskProtocol_ReserveCommitRelease(t *testing.T) {
	store := &memStore{}
	p := newProtocol(t, store)
	ctx := context.Background()

	res := approveAndReserve(t, p, proposal(t, proposalOpts{id: "p-1"}))
	snap := p.Snapshot()
	require.Contains(t, snap.Positions, "p-1")
	assert.Equal(t, domain.RiskReserved, snap.Positions["p-1"].Status)
	assert.True(t, snap.CommittedRiskPct().Equal(d("0.02")))

	require.NoError(t, p.Commit(ctx, res, domain.OrderResult{OrderID: "ord-1", Status: domain.OrderAccepted}))
	assert.Equal(t, domain.RiskCommitted, p.Snapshot().Positions["p-1"].Status)
	assert.ErrorIs(t, p.Release(ctx, res, "too late"), domain.ErrInvalidStateTransition)

	other := approveAndReserve(t, p, proposal(t, proposalOpts{id: "p-2"}))
	require.NoError(t, p.Release(ctx, other, "cancelled"))
	assert.NotContains(t, p.Snapshot().Positions, "p-2")
	assert.ErrorIs(t, p.Release(ctx, other, "again"), domain.ErrUnknownReservation)

	assert.Positive(t, store.saves)
	restored, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Contains(t, restored.Positions, "p-1")
}

func TestRiskProtocol_ReserveRejectsOnCap(t *testing.T) {
	p := newProtocol(t, nil)
	ctx := context.Background()

	// both evaluated against an empty portfolio
	a, err := p.Evaluate(ctx, proposal(t, proposalOpts{id: "a", risk: "0.06", stop: "90"}))
	require.NoError(t, err)
	b, err := p.Evaluate(ctx, proposal(t, proposalOpts{id: "b", risk: "0.06", stop: "90"}))
	require.NoError(t, err)
	require.True(t, a.Decision.IsApproval())
	require.True(t, b.Decision.IsApproval())

	_, first, err := p.Reserve(ctx, "cyc-a", a)
	require.NoError(t, err)
	assert.True(t, first.Decision.IsApproval())

	res, second, err := p.Reserve(ctx, "cyc-b", b)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionRejected, second.Decision)
	assert.True(t, second.Aggregate.HasViolation(domain.ViolationMaxPortfolioRisk))
	assert.Empty(t, res.ProposalID)
	assert.True(t, p.Snapshot().CommittedRiskPct().Equal(d("0.06")))
}

func TestRiskProtocol_ConcurrentReservationsNeverExceedCap(t *testing.T) {
	p := newProtocol(t, nil)
	ctx := context.Background()

	const workers = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		approved int
	)
	for i := 0; i < workers; i++ {
		prop := proposal(t, proposalOpts{id: fmt.Sprintf("p-%d", i), symbol: fmt.Sprintf("SYM%dUSDT", i), risk: "0.03", stop: "90"})
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev, err := p.Evaluate(ctx, prop)
			if err != nil || !ev.Decision.IsApproval() {
				return
			}
			_, ev, err = p.Reserve(ctx, "cyc-"+prop.ID(), ev)
			if err == nil && ev.Decision.IsApproval() {
				mu.Lock()
				approved++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	committed := p.Snapshot().CommittedRiskPct()
	assert.True(t, committed.LessThanOrEqual(usecase.DefaultPortfolioCap), "committed %s", committed)
	assert.Equal(t, 3, approved)
	assert.True(t, committed.Equal(decimal.NewFromInt(int64(approved)).Mul(d("0.03"))))
}

func TestRiskProtocol_CircuitBreaker(t *testing.T) {
	p := newProtocol(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("loss-%d", i)
		res := approveAndReserve(t, p, proposal(t, proposalOpts{id: id}))
		require.NoError(t, p.Commit(ctx, res, domain.OrderResult{OrderID: "o-" + id, Status: domain.OrderFilled}))
		require.NoError(t, p.RecordOutcome(ctx, domain.TradeOutcome{
			ProposalID: id, Kind: domain.OutcomeStopOut, RealizedPnL: d("-200"),
		}))
	}

	snap := p.Snapshot()
	assert.Equal(t, 3, snap.ConsecutiveLosses)
	assert.True(t, snap.CircuitBreakerEngaged)
	assert.True(t, snap.Equity.Decimal().Equal(d("9400")))
	assert.True(t, snap.DailyPnL.Equal(d("-600")))
	assert.Empty(t, snap.Positions)

	ev, err := p.Evaluate(ctx, proposal(t, proposalOpts{id: "next"}))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionRejected, ev.Decision)
	assert.True(t, ev.Aggregate.HasViolation(domain.ViolationCircuitBreakerEngaged))

	require.Error(t, p.ResetCircuitBreaker(ctx, "", "no operator"))
	require.NoError(t, p.ResetCircuitBreaker(ctx, "ops", "reviewed losses"))

	snap = p.Snapshot()
	assert.Zero(t, snap.ConsecutiveLosses)
	assert.False(t, snap.CircuitBreakerEngaged)

	var resets int
	for _, rec := range p.AuditTrail() {
		if rec.Kind == domain.AuditReset {
			resets++
			assert.Contains(t, rec.Reasoning, "ops")
		}
	}
	assert.Equal(t, 1, resets)

	ev, err = p.Evaluate(ctx, proposal(t, proposalOpts{id: "after-reset"}))
	require.NoError(t, err)
	assert.True(t, ev.Decision.IsApproval())
}

func TestRiskProtocol_WinDoesNotClearEngagedBreaker(t *testing.T) {
	p := newProtocol(t, nil)
	ctx := context.Background()

	outcome := func(id string, pnl string) {
		res := approveAndReserve(t, p, proposal(t, proposalOpts{id: id}))
		require.NoError(t, p.Commit(ctx, res, domain.OrderResult{OrderID: id, Status: domain.OrderFilled}))
		require.NoError(t, p.RecordOutcome(ctx, domain.TradeOutcome{ProposalID: id, Kind: domain.OutcomeClose, RealizedPnL: d(pnl)}))
	}

	outcome("l1", "-100")
	outcome("w1", "150")
	assert.Zero(t, p.Snapshot().ConsecutiveLosses, "a win resets the streak before the breaker engages")

	outcome("l2", "-100")
	outcome("l3", "-100")
	outcome("l4", "-100")
	require.True(t, p.Snapshot().CircuitBreakerEngaged)

	// a position opened before the streak can still close in profit
	require.NoError(t, p.ResetCircuitBreaker(ctx, "ops", "test setup"))
	res := approveAndReserve(t, p, proposal(t, proposalOpts{id: "open"}))
	require.NoError(t, p.Commit(ctx, res, domain.OrderResult{OrderID: "open", Status: domain.OrderFilled}))
	outcome("l5", "-100")
	outcome("l6", "-100")
	outcome("l7", "-100")
	require.True(t, p.Snapshot().CircuitBreakerEngaged)

	require.NoError(t, p.RecordOutcome(ctx, domain.TradeOutcome{ProposalID: "open", Kind: domain.OutcomeClose, RealizedPnL: d("500")}))
	after := p.Snapshot()
	assert.True(t, after.CircuitBreakerEngaged)
	assert.Equal(t, 3, after.ConsecutiveLosses)
}

func TestRiskProtocol_DailyLossRollsAtUTCMidnight(t *testing.T) {
	store := &memStore{}
	p, err := usecase.NewRiskProtocol(context.Background(), usecase.ProtocolConfig{
		Rules: usecase.DefaultRules(usecase.RuleConfig{
			MaxTradeRisk:     usecase.StandardTradeRisk,
			MaxPortfolioRisk: usecase.DefaultPortfolioCap,
			DailyLossLimit:   d("150"),
			MinRewardRisk:    usecase.DefaultMinRewardRisk,
		}),
		InitialEquity: equity(t, "10000"),
	}, store, nil, zap.NewNop())
	require.NoError(t, err)

	now := testNow
	p.SetClock(func() time.Time { return now })
	ctx := context.Background()

	res := approveAndReserve(t, p, proposal(t, proposalOpts{id: "l1"}))
	require.NoError(t, p.Commit(ctx, res, domain.OrderResult{OrderID: "l1", Status: domain.OrderFilled}))
	require.NoError(t, p.RecordOutcome(ctx, domain.TradeOutcome{ProposalID: "l1", Kind: domain.OutcomeStopOut, RealizedPnL: d("-200")}))

	ev, err := p.Evaluate(ctx, proposal(t, proposalOpts{id: "same-day"}))
	require.NoError(t, err)
	assert.True(t, ev.Aggregate.HasViolation(domain.ViolationDailyLossLimit))

	now = time.Date(2025, 3, 15, 0, 0, 1, 0, time.UTC)
	ev, err = p.Evaluate(ctx, proposal(t, proposalOpts{id: "next-day"}))
	require.NoError(t, err)
	assert.False(t, ev.Aggregate.HasViolation(domain.ViolationDailyLossLimit))
	assert.Equal(t, "2025-03-15", p.Snapshot().TradingDay)
	assert.True(t, p.Snapshot().DailyPnL.IsZero())
}

func TestRiskProtocol_RestoresFromStore(t *testing.T) {
	state := domain.NewPortfolioState(equity(t, "5000"), testNow)
	state.ConsecutiveLosses = 2
	state.Positions["kept"] = domain.CommittedRisk{ProposalID: "kept", RiskPct: d("0.02"), Status: domain.RiskCommitted}
	state.Positions["stale"] = domain.CommittedRisk{ProposalID: "stale", RiskPct: d("0.02"), Status: domain.RiskReserved}
	store := &memStore{state: &state}

	p := newProtocol(t, store)
	snap := p.Snapshot()
	assert.True(t, snap.Equity.Decimal().Equal(d("5000")))
	assert.Equal(t, 2, snap.ConsecutiveLosses)
	assert.Contains(t, snap.Positions, "kept")
	assert.NotContains(t, snap.Positions, "stale")
}

func TestRiskProtocol_RecordOutcomeErrors(t *testing.T) {
	p := newProtocol(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, p.RecordOutcome(ctx, domain.TradeOutcome{ProposalID: "ghost", Kind: domain.OutcomeClose}), domain.ErrUnknownReservation)
	assert.ErrorIs(t, p.RecordOutcome(ctx, domain.TradeOutcome{ProposalID: "ghost", Kind: "EXPLODE"}), domain.ErrInvalidInput)
}

func TestRiskProtocol_ReserveRejectsAfterDailyLossLimit(t *testing.T) {
	p, err := usecase.NewRiskProtocol(context.Background(), usecase.ProtocolConfig{
		DailyLossLimit: d("150"),
		InitialEquity:  equity(t, "10000"),
	}, nil, nil, zap.NewNop())
	require.NoError(t, err)
	p.SetClock(func() time.Time { return testNow })
	ctx := context.Background()

	res := approveAndReserve(t, p, proposal(t, proposalOpts{id: "p-1"}))
	require.NoError(t, p.Commit(ctx, res, domain.OrderResult{OrderID: "o-1", Status: domain.OrderFilled}))

	// approved while the day was still clean
	ev, err := p.Evaluate(ctx, proposal(t, proposalOpts{id: "p-2", symbol: "ETHUSDT"}))
	require.NoError(t, err)
	require.True(t, ev.Decision.IsApproval())

	require.NoError(t, p.RecordOutcome(ctx, domain.TradeOutcome{
		ProposalID: "p-1", Kind: domain.OutcomeStopOut, RealizedPnL: d("-200"),
	}))

	res, late, err := p.Reserve(ctx, "cyc-p-2", ev)
	require.NoError(t, err)
	assert.Empty(t, res.ProposalID)
	assert.Equal(t, domain.DecisionRejected, late.Decision)
	assert.True(t, late.Aggregate.HasViolation(domain.ViolationDailyLossLimit))
	assert.Empty(t, p.Snapshot().Positions)
}

type decisionRecorder struct {
	usecase.NopMetrics
	mu        sync.Mutex
	decisions []domain.ProtocolDecision
}

func (m *decisionRecorder) ObserveDecision(d domain.ProtocolDecision) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, d)
}

func (m *decisionRecorder) recorded() []domain.ProtocolDecision {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ProtocolDecision(nil), m.decisions...)
}

// fillDuringAssess reserves its evaluations while a rule pass is running,
// like concurrent cycles that book risk between Evaluate and Reserve.
type fillDuringAssess struct {
	protocol *usecase.RiskProtocol
	pending  []domain.Evaluation
	once     sync.Once
}

func (r *fillDuringAssess) Name() string { return "FillDuringAssess" }

func (r *fillDuringAssess) Assess(ctx context.Context, p domain.TradeProposal, _ domain.PortfolioState) domain.RiskAssessment {
	if len(r.pending) > 0 {
		r.once.Do(func() {
			for _, ev := range r.pending {
				_, _, _ = r.protocol.Reserve(ctx, "cyc-"+ev.Proposal.ID(), ev)
			}
		})
	}
	return domain.RiskAssessment{Rule: r.Name(), ProposalID: p.ID(), Approved: true, Violations: []domain.Violation{}}
}

func TestDecider_CountsFinalDecisionOnce(t *testing.T) {
	tests := []struct {
		name string
		opts proposalOpts
		fill bool
		want domain.ProtocolDecision
	}{
		{name: "approved", opts: proposalOpts{id: "next"}, want: domain.DecisionApproved},
		{name: "rejected by a rule", opts: proposalOpts{id: "next", risk: "0.08", stop: "90"}, want: domain.DecisionRejected},
		{name: "rejected at reservation", opts: proposalOpts{id: "next"}, fill: true, want: domain.DecisionRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			hook := &fillDuringAssess{}
			rules := append([]usecase.RiskRule{hook}, usecase.DefaultRules(usecase.DefaultRuleConfig()).Rules()...)
			p, err := usecase.NewRiskProtocol(ctx, usecase.ProtocolConfig{
				Rules:         usecase.NewRuleSet(rules...),
				InitialEquity: equity(t, "10000"),
			}, nil, nil, zap.NewNop())
			require.NoError(t, err)
			p.SetClock(func() time.Time { return testNow })
			hook.protocol = p

			if tt.fill {
				// five 2% positions fill the 10% cap
				for i := 0; i < 5; i++ {
					ev, err := p.Evaluate(ctx, proposal(t, proposalOpts{id: fmt.Sprintf("f-%d", i), symbol: fmt.Sprintf("SYM%dUSDT", i)}))
					require.NoError(t, err)
					require.True(t, ev.Decision.IsApproval())
					hook.pending = append(hook.pending, ev)
				}
			}

			rec := &decisionRecorder{}
			p.SetMetrics(rec)

			dec, err := usecase.NewDecider(p).Decide(ctx, "cyc-next", proposal(t, tt.opts))
			require.NoError(t, err)
			assert.Equal(t, tt.want, dec.Evaluation.Decision)
			assert.Equal(t, []domain.ProtocolDecision{tt.want}, rec.recorded())
		})
	}
}

type closedPositions struct {
	mu     sync.Mutex
	closed []domain.TradeOutcome
}

func (l *closedPositions) PositionClosed(_ context.Context, pos domain.CommittedRisk, o domain.TradeOutcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pos.ProposalID == o.ProposalID {
		l.closed = append(l.closed, o)
	}
}

func TestRiskProtocol_OutcomeListener(t *testing.T) {
	tests := []struct {
		name    string
		kind    domain.OutcomeKind
		wantErr bool
		notify  bool
	}{
		{name: "fill", kind: domain.OutcomeFill},
		{name: "close", kind: domain.OutcomeClose, notify: true},
		{name: "stop-out", kind: domain.OutcomeStopOut, notify: true},
		{name: "unknown kind", kind: "EXPIRED", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProtocol(t, nil)
			listener := &closedPositions{}
			p.SetOutcomeListener(listener)
			ctx := context.Background()

			res := approveAndReserve(t, p, proposal(t, proposalOpts{id: "p-1"}))
			require.NoError(t, p.Commit(ctx, res, domain.OrderResult{OrderID: "o-1", Status: domain.OrderFilled}))

			err := p.RecordOutcome(ctx, domain.TradeOutcome{ProposalID: "p-1", Kind: tt.kind, RealizedPnL: d("-50")})
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}

			if !tt.notify {
				assert.Empty(t, listener.closed)
				return
			}
			require.Len(t, listener.closed, 1)
			assert.Equal(t, tt.kind, listener.closed[0].Kind)
			assert.True(t, testNow.Equal(listener.closed[0].At))
			assert.Empty(t, p.Snapshot().Positions)
		})
	}

	t.Run("unknown position", func(t *testing.T) {
		p := newProtocol(t, nil)
		listener := &closedPositions{}
		p.SetOutcomeListener(listener)

		err := p.RecordOutcome(context.Background(), domain.TradeOutcome{ProposalID: "missing", Kind: domain.OutcomeClose})
		assert.ErrorIs(t, err, domain.ErrUnknownReservation)
		assert.Empty(t, listener.closed)
	})
}
