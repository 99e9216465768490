package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/vitos/crypto_risk_gate/internal/domain"
	"github.com/vitos/crypto_risk_gate/pkg/id"
	"go.uber.org/zap"
)

var (
	ErrCycleInFlight = errors.New("cycle already running for symbol")
	ErrCycleNotFound = errors.New("cycle not found")
)

const DefaultHistorySize = 200

// LoopService runs decision cycles, at most one in flight per symbol, and
// keeps the results of finished cycles.
type LoopService struct {
	cfg    LoopConfig
	deps   LoopDeps
	logger *zap.Logger

	active  map[string]*DecisionLoop // symbol -> loop
	byID    map[string]*DecisionLoop
	history []*CycleResult
	maxHist int
	wg      sync.WaitGroup
	mu      sync.Mutex
}

func NewLoopService(cfg LoopConfig, deps LoopDeps, historySize int) *LoopService {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &LoopService{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger,
		active:  make(map[string]*DecisionLoop),
		byID:    make(map[string]*DecisionLoop),
		maxHist: historySize,
	}
}

func (s *LoopService) Protocol() *RiskProtocol { return s.deps.Protocol }

// Submit runs one cycle for the intent and waits for it. Cancelling ctx
// cancels the cycle.
func (s *LoopService) Submit(ctx context.Context, intent domain.TradeIntent) (*CycleResult, error) {
	loop, err := s.register(intent)
	if err != nil {
		return nil, err
	}
	defer s.wg.Done()
	return s.run(ctx, loop)
}

// Start launches a cycle in the background and returns its ID.
func (s *LoopService) Start(intent domain.TradeIntent) (string, error) {
	loop, err := s.register(intent)
	if err != nil {
		return "", err
	}
	go func() {
		defer s.wg.Done()
		_, _ = s.run(context.Background(), loop)
	}()
	return loop.CycleID(), nil
}

func (s *LoopService) register(intent domain.TradeIntent) (*DecisionLoop, error) {
	intent.Symbol = strings.ToUpper(strings.TrimSpace(intent.Symbol))
	if intent.Symbol == "" {
		return nil, fmt.Errorf("symbol: %w", domain.ErrInvalidInput)
	}
	side, err := domain.ParseSide(string(intent.Side))
	if err != nil {
		return nil, err
	}
	intent.Side = side

	s.mu.Lock()
	defer s.mu.Unlock()

	if running, exists := s.active[intent.Symbol]; exists {
		return nil, fmt.Errorf("%w: %s (%s)", ErrCycleInFlight, intent.Symbol, running.CycleID())
	}
	loop := NewDecisionLoop(id.WithPrefix("cyc"), intent, s.cfg, s.deps)
	s.active[intent.Symbol] = loop
	s.byID[loop.CycleID()] = loop
	s.wg.Add(1)

	s.logger.Info("Cycle started", zap.String("cycle_id", loop.CycleID()), zap.String("symbol", intent.Symbol))
	return loop, nil
}

func (s *LoopService) run(ctx context.Context, loop *DecisionLoop) (*CycleResult, error) {
	result, err := loop.Run(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[loop.intent.Symbol] == loop {
		delete(s.active, loop.intent.Symbol)
	}
	delete(s.byID, loop.CycleID())
	s.history = append(s.history, result)
	if len(s.history) > s.maxHist {
		s.history = s.history[len(s.history)-s.maxHist:]
	}
	return result, err
}

// Status returns the state of a running or finished cycle.
func (s *LoopService) Status(cycleID string) (domain.LoopState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if loop, ok := s.byID[cycleID]; ok {
		return loop.Status(), nil
	}
	if r := s.findLocked(cycleID); r != nil {
		return r.State, nil
	}
	return domain.LoopState{}, fmt.Errorf("%w: %s", ErrCycleNotFound, cycleID)
}

// Result returns the result of a finished cycle.
func (s *LoopService) Result(cycleID string) (*CycleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r := s.findLocked(cycleID); r != nil {
		return r, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrCycleNotFound, cycleID)
}

func (s *LoopService) findLocked(cycleID string) *CycleResult {
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].CycleID == cycleID {
			return s.history[i]
		}
	}
	return nil
}

// Cancel aborts a running cycle.
func (s *LoopService) Cancel(cycleID string) error {
	s.mu.Lock()
	loop, ok := s.byID[cycleID]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrCycleNotFound, cycleID)
	}
	loop.Cancel()
	s.logger.Info("Cycle cancel requested", zap.String("cycle_id", cycleID))
	return nil
}

// Active returns the states of the running cycles.
func (s *LoopService) Active() []domain.LoopState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.LoopState, 0, len(s.active))
	for _, loop := range s.active {
		out = append(out, loop.Status())
	}
	return out
}

// History returns up to limit finished results, newest first.
func (s *LoopService) History(limit int) []*CycleResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]*CycleResult, 0, limit)
	for i := len(s.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.history[i])
	}
	return out
}

// Shutdown cancels every running cycle and waits for them to finish.
func (s *LoopService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, loop := range s.active {
		loop.Cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
