package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_risk_gate/internal/domain"
	"go.uber.org/zap"
)

// PhaseDurations holds one duration per active loop phase.
type PhaseDurations struct {
	Observe time.Duration `yaml:"observe" json:"observe"`
	Orient  time.Duration `yaml:"orient" json:"orient"`
	Decide  time.Duration `yaml:"decide" json:"decide"`
	Act     time.Duration `yaml:"act" json:"act"`
}

func (p PhaseDurations) For(phase domain.Phase) time.Duration {
	switch phase {
	case domain.PhaseObserving:
		return p.Observe
	case domain.PhaseOrienting:
		return p.Orient
	case domain.PhaseDeciding:
		return p.Decide
	case domain.PhaseActing:
		return p.Act
	}
	return 0
}

// LoopConfig holds the thresholds of one decision cycle. Budgets are soft
// and only logged; Timeouts are hard ceilings that fail the cycle.
type LoopConfig struct {
	MarketDataMaxAge time.Duration
	MaxSpread        decimal.Decimal
	DefaultRisk      decimal.Decimal
	RiskBounds       domain.RiskBounds
	ClampToBalance   bool
	Budgets          PhaseDurations
	Timeouts         PhaseDurations
	CycleBudget      time.Duration
}

func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MarketDataMaxAge: DefaultMarketDataMaxAge,
		MaxSpread:        DefaultMaxSpread,
		DefaultRisk:      DefaultRisk,
		RiskBounds:       domain.DefaultRiskBounds(),
		Budgets: PhaseDurations{
			Observe: 100 * time.Millisecond,
			Orient:  50 * time.Millisecond,
			Decide:  25 * time.Millisecond,
			Act:     200 * time.Millisecond,
		},
		Timeouts: PhaseDurations{
			Observe: 2 * time.Second,
			Orient:  500 * time.Millisecond,
			Decide:  250 * time.Millisecond,
			Act:     5 * time.Second,
		},
		CycleBudget: 200 * time.Millisecond,
	}
}

// LoopDeps are the collaborators shared by every cycle.
type LoopDeps struct {
	Market    domain.MarketDataSource
	Execution domain.ExecutionSink
	Protocol  *RiskProtocol
	Journal   domain.PlanJournal
	Logger    *zap.Logger
	Metrics   Metrics
}

// CycleResult is everything one cycle produced. Run always returns one.
type CycleResult struct {
	CycleID     string                 `json:"cycle_id"`
	Intent      domain.TradeIntent     `json:"intent"`
	State       domain.LoopState       `json:"state"`
	Market      *domain.MarketSnapshot `json:"market,omitempty"`
	Orientation *Orientation           `json:"orientation,omitempty"`
	Decision    *Decision              `json:"decision,omitempty"`
	Plan        *domain.ExecutionPlan  `json:"plan,omitempty"`
	Order       *domain.OrderResult    `json:"order,omitempty"`
}

// Approved reports whether the protocol approved the cycle's proposal.
func (r *CycleResult) Approved() bool {
	return r.Decision != nil && r.Decision.Evaluation.Decision.IsApproval()
}

// DecisionLoop drives one intent through Observe, Orient, Decide and Act.
// Only the goroutine inside Run writes the loop state.
type DecisionLoop struct {
	cycleID string
	intent  domain.TradeIntent
	cfg     LoopConfig

	observer   *Observer
	orientator *Orientator
	decider    *Decider
	executor   *Executor
	protocol   *RiskProtocol

	logger  *zap.Logger
	metrics Metrics
	timeNow func() time.Time

	state domain.LoopState
	mu    sync.RWMutex

	started   atomic.Bool
	cancelMu  sync.Mutex
	cancel    context.CancelCauseFunc
	cancelled bool
	done      chan struct{}
}

func NewDecisionLoop(cycleID string, intent domain.TradeIntent, cfg LoopConfig, deps LoopDeps) *DecisionLoop {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NopMetrics{}
	}
	sizer := NewPositionSizer(cfg.ClampToBalance)
	return &DecisionLoop{
		cycleID:    cycleID,
		intent:     intent,
		cfg:        cfg,
		observer:   NewObserver(deps.Market, cfg.MarketDataMaxAge),
		orientator: NewOrientator(sizer, cfg.RiskBounds, cfg.DefaultRisk, cfg.MaxSpread, cfg.MarketDataMaxAge),
		decider:    NewDecider(deps.Protocol),
		executor:   NewExecutor(deps.Execution, deps.Journal, logger),
		protocol:   deps.Protocol,
		logger:     logger.With(zap.String("cycle_id", cycleID), zap.String("symbol", intent.Symbol)),
		metrics:    metrics,
		timeNow:    time.Now,
		state: domain.LoopState{
			CycleID:        cycleID,
			Symbol:         intent.Symbol,
			Phase:          domain.PhaseIdle,
			PhaseEnteredAt: make(map[domain.Phase]time.Time),
			PhaseDurations: make(map[domain.Phase]time.Duration),
		},
		done: make(chan struct{}),
	}
}

func (l *DecisionLoop) CycleID() string { return l.cycleID }

// Done is closed when Run returns.
func (l *DecisionLoop) Done() <-chan struct{} { return l.done }

// Status returns a copy of the loop state; safe from any goroutine.
func (l *DecisionLoop) Status() domain.LoopState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := l.state.Clone()
	if !s.Phase.Terminal() && !s.StartedAt.IsZero() {
		s.Elapsed = l.timeNow().Sub(s.StartedAt)
	}
	return s
}

// Cancel aborts the cycle. The running phase is abandoned, the loop moves
// to Failed with reason Cancelled and any reservation is released.
func (l *DecisionLoop) Cancel() {
	l.cancelMu.Lock()
	defer l.cancelMu.Unlock()
	l.cancelled = true
	if l.cancel != nil {
		l.cancel(domain.ErrCancelled)
	}
}

// Run executes the cycle once. A protocol rejection is not an error: the
// cycle ends Failed and the decision is in the result. Faults (stale data,
// timeouts, pre-flight or execution failures, cancellation) return an error
// alongside the result.
func (l *DecisionLoop) Run(ctx context.Context) (*CycleResult, error) {
	result := &CycleResult{CycleID: l.cycleID, Intent: l.intent}
	if !l.started.CompareAndSwap(false, true) {
		result.State = l.Status()
		return result, fmt.Errorf("run cycle %s: already started: %w", l.cycleID, domain.ErrInvalidStateTransition)
	}
	defer close(l.done)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	l.cancelMu.Lock()
	l.cancel = cancel
	if l.cancelled {
		cancel(domain.ErrCancelled)
	}
	l.cancelMu.Unlock()

	start := l.timeNow()
	l.mu.Lock()
	l.state.StartedAt = start.UTC()
	l.mu.Unlock()

	// Observe
	if ctx.Err() != nil {
		return l.fail(ctx, result, nil, cancelled(ctx))
	}
	if err := l.transition(ctx, domain.PhaseObserving); err != nil {
		return l.fail(ctx, result, nil, err)
	}
	snap, err := runPhase(ctx, l, domain.PhaseObserving, func(ctx context.Context) (domain.MarketSnapshot, error) {
		return l.observer.Observe(ctx, l.intent.Symbol)
	}, nil)
	if err != nil {
		return l.fail(ctx, result, nil, err)
	}
	result.Market = &snap

	// Orient
	if ctx.Err() != nil {
		return l.fail(ctx, result, nil, cancelled(ctx))
	}
	if err := l.transition(ctx, domain.PhaseOrienting); err != nil {
		return l.fail(ctx, result, nil, err)
	}
	equity := l.protocol.Snapshot().Equity
	orientation, err := runPhase(ctx, l, domain.PhaseOrienting, func(ctx context.Context) (Orientation, error) {
		return l.orientator.Orient(ctx, l.intent, snap, equity)
	}, nil)
	if err != nil {
		return l.fail(ctx, result, nil, err)
	}
	result.Orientation = &orientation
	l.logger.Debug("Oriented",
		zap.String("proposal_id", orientation.Proposal.ID()),
		zap.String("size", orientation.Sizing.Size.String()),
		zap.String("confidence", orientation.Confidence.String()),
	)

	// Decide
	if ctx.Err() != nil {
		return l.fail(ctx, result, nil, cancelled(ctx))
	}
	if err := l.transition(ctx, domain.PhaseDeciding); err != nil {
		return l.fail(ctx, result, nil, err)
	}
	decision, err := runPhase(ctx, l, domain.PhaseDeciding, func(ctx context.Context) (Decision, error) {
		return l.decider.Decide(ctx, l.cycleID, orientation.Proposal)
	}, l.releaseLate)
	if err != nil {
		if errors.Is(err, domain.ErrTimeout) && !errors.Is(err, domain.ErrAssessmentFailed) {
			err = fmt.Errorf("%w: %w", domain.ErrAssessmentFailed, err)
		}
		return l.fail(ctx, result, nil, err)
	}
	result.Decision = &decision
	if !decision.Evaluation.Decision.IsApproval() {
		return l.reject(ctx, result, decision.Evaluation)
	}
	reservation := &decision.Reservation

	// Act
	if ctx.Err() != nil {
		return l.fail(ctx, result, reservation, cancelled(ctx))
	}
	if err := l.transition(ctx, domain.PhaseActing); err != nil {
		return l.fail(ctx, result, reservation, err)
	}
	plan, err := l.executor.BuildPlan(l.cycleID, decision.Evaluation)
	if err != nil {
		return l.fail(ctx, result, reservation, err)
	}
	result.Plan = &plan
	order, err := runPhase(ctx, l, domain.PhaseActing, func(ctx context.Context) (domain.OrderResult, error) {
		if err := l.executor.Preflight(ctx, plan); err != nil {
			return domain.OrderResult{}, err
		}
		return l.executor.Execute(ctx, plan)
	}, func(late domain.OrderResult, err error) {
		l.settleLateOrder(decision.Reservation, late, err)
	})
	if err != nil {
		if order.OrderID != "" {
			result.Order = &order
		}
		// settleLateOrder owns the reservation once Execute may have run
		return l.fail(ctx, result, nil, err)
	}
	result.Order = &order

	if err := l.protocol.Commit(context.WithoutCancel(ctx), decision.Reservation, order); err != nil {
		l.logger.Error("Failed to commit reservation", zap.Error(err))
	}
	if err := l.transition(ctx, domain.PhaseCompleted); err != nil {
		return l.fail(ctx, result, nil, err)
	}
	l.finish(domain.PhaseCompleted, "", "")
	result.State = l.Status()
	l.logger.Info("Cycle completed",
		zap.String("order_id", order.OrderID),
		zap.Duration("elapsed", result.State.Elapsed),
	)
	return result, nil
}

type phaseOutcome[T any] struct {
	value T
	err   error
}

// runPhase calls fn under the phase's hard ceiling. settle, if set, receives
// every failed or abandoned result of fn; an abandoned fn keeps running in
// the background until it returns. fn is not started once ctx is done.
func runPhase[T any](ctx context.Context, l *DecisionLoop, phase domain.Phase, fn func(context.Context) (T, error), settle func(T, error)) (T, error) {
	var zero T
	if ctx.Err() != nil {
		err := cancelled(ctx)
		if settle != nil {
			settle(zero, err)
		}
		return zero, err
	}
	limit := l.cfg.Timeouts.For(phase)
	if limit <= 0 {
		limit = DefaultLoopConfig().Timeouts.For(phase)
	}
	pctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	ch := make(chan phaseOutcome[T], 1)
	go func() {
		v, err := fn(pctx)
		ch <- phaseOutcome[T]{value: v, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			if settle != nil {
				settle(out.value, out.err)
			}
			if ctx.Err() != nil {
				return out.value, cancelled(ctx)
			}
			if errors.Is(out.err, context.DeadlineExceeded) && !errors.Is(out.err, domain.ErrTimeout) {
				return out.value, fmt.Errorf("%w: %w", &domain.TimeoutError{Phase: phase}, out.err)
			}
		}
		return out.value, out.err
	case <-pctx.Done():
		if settle != nil {
			go func() {
				out := <-ch
				settle(out.value, out.err)
			}()
		}
		if ctx.Err() != nil {
			return zero, cancelled(ctx)
		}
		return zero, &domain.TimeoutError{Phase: phase}
	}
}

func cancelled(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, domain.ErrCancelled) {
		return cause
	}
	return fmt.Errorf("%w: %w", domain.ErrCancelled, cause)
}

// transition moves the loop to the next phase, records the time spent in
// the previous one and audits the change.
func (l *DecisionLoop) transition(ctx context.Context, to domain.Phase) error {
	now := l.timeNow()

	l.mu.Lock()
	from := l.state.Phase
	if err := domain.ValidateTransition(from, to); err != nil {
		l.mu.Unlock()
		return err
	}
	var spent time.Duration
	if entered, ok := l.state.PhaseEnteredAt[from]; ok {
		spent = now.Sub(entered)
		l.state.PhaseDurations[from] = spent
	}
	l.state.Phase = to
	l.state.PhaseEnteredAt[to] = now.UTC()
	l.mu.Unlock()

	if from != domain.PhaseIdle {
		l.metrics.ObservePhase(from, spent)
		if budget := l.cfg.Budgets.For(from); budget > 0 && spent > budget {
			l.logger.Warn("Phase over budget",
				zap.String("phase", string(from)),
				zap.Duration("spent", spent),
				zap.Duration("budget", budget),
			)
		}
	}

	rec := newAuditRecord(now, domain.AuditTransition, fmt.Sprintf("%s -> %s", from, to), nil)
	rec.CycleID = l.cycleID
	rec.Symbol = l.intent.Symbol
	rec.Phase = to
	l.protocol.Record(ctx, rec)
	return nil
}

// fail moves the loop to Failed, releases res if set and returns err with
// the result.
func (l *DecisionLoop) fail(ctx context.Context, result *CycleResult, res *domain.Reservation, err error) (*CycleResult, error) {
	l.mu.RLock()
	phase := l.state.Phase
	l.mu.RUnlock()

	if res != nil && res.ProposalID != "" {
		if rerr := l.protocol.Release(context.WithoutCancel(ctx), *res, domain.FailureReason(err)); rerr != nil {
			l.logger.Error("Failed to release reservation", zap.Error(rerr))
		}
	}

	if !phase.Terminal() {
		if terr := l.transition(context.WithoutCancel(ctx), domain.PhaseFailed); terr != nil {
			l.logger.Error("Failed to enter Failed", zap.Error(terr))
		}
	}
	if phase != domain.PhaseIdle && !phase.Terminal() {
		err = &domain.PhaseError{Phase: phase, Err: err}
	}
	l.finish(domain.PhaseFailed, domain.FailureReason(err), err.Error())
	result.State = l.Status()

	l.logger.Error("Cycle failed",
		zap.String("phase", string(phase)),
		zap.String("reason", result.State.FailureReason),
		zap.Error(err),
	)
	return result, err
}

// reject ends the cycle on a protocol rejection. The decision is data, so
// no error is returned.
func (l *DecisionLoop) reject(ctx context.Context, result *CycleResult, ev domain.Evaluation) (*CycleResult, error) {
	if err := l.transition(context.WithoutCancel(ctx), domain.PhaseFailed); err != nil {
		l.logger.Error("Failed to enter Failed", zap.Error(err))
	}
	l.finish(domain.PhaseFailed, string(domain.DecisionRejected), ev.Aggregate.Reasoning)

	rec := newAuditRecord(l.timeNow(), domain.AuditDecision, ev.Aggregate.Reasoning, nil)
	rec.CycleID = l.cycleID
	rec.ProposalID = ev.Proposal.ID()
	rec.Symbol = l.intent.Symbol
	rec.Decision = string(ev.Decision)
	l.protocol.Record(context.WithoutCancel(ctx), rec)

	result.State = l.Status()
	l.logger.Info("Proposal rejected", zap.String("reasoning", ev.Aggregate.Reasoning))
	return result, nil
}

func (l *DecisionLoop) finish(final domain.Phase, reason, lastErr string) {
	now := l.timeNow()

	l.mu.Lock()
	l.state.Elapsed = now.Sub(l.state.StartedAt)
	l.state.FailureReason = reason
	l.state.LastError = lastErr
	elapsed := l.state.Elapsed
	l.mu.Unlock()

	l.metrics.ObserveCycle(l.intent.Symbol, final, reason, elapsed)
	if l.cfg.CycleBudget > 0 && elapsed > l.cfg.CycleBudget {
		l.logger.Warn("Cycle over budget", zap.Duration("elapsed", elapsed), zap.Duration("budget", l.cfg.CycleBudget))
	}
}

// releaseLate frees risk reserved by a Decide call that finished after the
// cycle had already failed.
func (l *DecisionLoop) releaseLate(d Decision, err error) {
	if err != nil || !d.Reserved {
		return
	}
	if rerr := l.protocol.Release(context.Background(), d.Reservation, "decide abandoned"); rerr != nil {
		l.logger.Error("Failed to release late reservation", zap.Error(rerr))
	}
}

// settleLateOrder settles the reservation of a failed or abandoned Act:
// an accepted order keeps its risk, anything else frees it.
func (l *DecisionLoop) settleLateOrder(res domain.Reservation, order domain.OrderResult, err error) {
	ctx := context.Background()
	if err == nil && order.Success() {
		l.logger.Error("Order accepted after cycle failed; committing risk", zap.String("order_id", order.OrderID))
		if cerr := l.protocol.Commit(ctx, res, order); cerr != nil {
			l.logger.Error("Failed to commit late order", zap.Error(cerr))
		}
		return
	}
	if rerr := l.protocol.Release(ctx, res, domain.FailureReason(err)); rerr != nil {
		l.logger.Error("Failed to release reservation", zap.Error(rerr))
	}
}
