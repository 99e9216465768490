package web

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_risk_gate/internal/domain"
	"github.com/vitos/crypto_risk_gate/internal/infrastructure/storage"
	"github.com/vitos/crypto_risk_gate/internal/usecase"
)

type portfolioResponse struct {
	domain.PortfolioState
	CommittedRiskPct decimal.Decimal `json:"committed_risk_pct"`
	DailyLoss        decimal.Decimal `json:"daily_loss"`
}

func (s *Server) portfolio() portfolioResponse {
	state := s.protocol.Snapshot()
	return portfolioResponse{
		PortfolioState:   state,
		CommittedRiskPct: state.CommittedRiskPct(),
		DailyLoss:        state.DailyLoss(),
	}
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.portfolio())
}

func (s *Server) handleRecordOutcome(w http.ResponseWriter, r *http.Request) {
	var outcome domain.TradeOutcome
	if err := decode(r, w, &outcome); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.protocol.RecordOutcome(r.Context(), outcome); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.portfolio())
}

type resetRequest struct {
	Operator string `json:"operator"`
	Reason   string `json:"reason"`
}

func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decode(r, w, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.protocol.ResetCircuitBreaker(r.Context(), req.Operator, req.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.portfolio())
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	rules := s.protocol.Rules().Rules()
	names := make([]string, 0, len(rules))
	for _, rule := range rules {
		names = append(names, rule.Name())
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"rules": names})
}

type sizeRequest struct {
	Equity decimal.Decimal `json:"equity"`
	Risk   decimal.Decimal `json:"risk"`
	Entry  decimal.Decimal `json:"entry"`
	Stop   decimal.Decimal `json:"stop"`
}

// handleSize sizes a position without touching the portfolio. Equity
// defaults to the current account equity.
func (s *Server) handleSize(w http.ResponseWriter, r *http.Request) {
	var req sizeRequest
	if err := decode(r, w, &req); err != nil {
		s.writeError(w, err)
		return
	}

	equity := s.protocol.Snapshot().Equity
	if !req.Equity.IsZero() {
		var err error
		if equity, err = domain.NewAccountEquity(req.Equity); err != nil {
			s.writeError(w, err)
			return
		}
	}
	risk, err := domain.NewRiskPercentageWithin(req.Risk, s.sizing.RiskBounds)
	if err != nil {
		s.writeError(w, err)
		return
	}
	entry, err := domain.NewPricePoint(req.Entry)
	if err != nil {
		s.writeError(w, err)
		return
	}
	stop, err := domain.NewPricePoint(req.Stop)
	if err != nil {
		s.writeError(w, err)
		return
	}

	res, err := usecase.NewPositionSizer(s.sizing.ClampToBalance).Calculate(usecase.SizingInput{
		Equity: equity, Risk: risk, Entry: entry, Stop: stop,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	cycleID := r.URL.Query().Get("cycle_id")

	if s.store != nil {
		records, err := s.store.ListAudit(r.Context(), storage.AuditFilter{
			CycleID: cycleID,
			Kind:    domain.AuditKind(r.URL.Query().Get("kind")),
			Limit:   limit,
		})
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, records)
		return
	}

	trail := s.protocol.Trail()
	records := trail.Tail(limit)
	if cycleID != "" {
		records = trail.ForCycle(cycleID)
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "plan journal not configured"})
		return
	}
	plans, err := s.store.ListPlans(r.Context(), r.URL.Query().Get("symbol"), queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, plans)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.protocol.Snapshot()
	body := map[string]any{
		"status":                  "ok",
		"circuit_breaker_engaged": state.CircuitBreakerEngaged,
		"active_cycles":           len(s.loops.Active()),
	}
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			body["status"] = "degraded"
			body["execution"] = err.Error()
			s.writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, body)
}
