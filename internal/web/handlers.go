package web

import (
	"errors"
	"net/http"

	"github.com/vitos/crypto_risk_gate/internal/domain"
	"github.com/vitos/crypto_risk_gate/internal/usecase"
	"go.uber.org/zap"
)

type intentRequest struct {
	domain.TradeIntent
	// Async starts the cycle and returns its ID without waiting.
	Async bool `json:"async"`
}

type cycleResponse struct {
	*usecase.CycleResult
	Approved bool   `json:"approved"`
	Error    string `json:"error,omitempty"`
}

// handleSubmitIntent runs a cycle. A rejection or a failed cycle is still a
// 200: the decision and failure reason are in the body.
func (s *Server) handleSubmitIntent(w http.ResponseWriter, r *http.Request) {
	var req intentRequest
	if err := decode(r, w, &req); err != nil {
		s.writeError(w, err)
		return
	}

	if req.Async {
		cycleID, err := s.loops.Start(req.TradeIntent)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, map[string]string{"cycle_id": cycleID})
		return
	}

	result, err := s.loops.Submit(r.Context(), req.TradeIntent)
	if result == nil {
		s.writeError(w, err)
		return
	}
	resp := cycleResponse{CycleResult: result, Approved: result.Approved()}
	if err != nil {
		resp.Error = err.Error()
		s.logger.Info("Cycle failed",
			zap.String("cycle_id", result.CycleID),
			zap.String("reason", result.State.FailureReason),
			zap.Error(err))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListCycles(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"active":  s.loops.Active(),
		"history": s.loops.History(queryInt(r, "limit", 50)),
	})
}

func (s *Server) handleGetCycle(w http.ResponseWriter, r *http.Request) {
	cycleID := r.PathValue("id")

	result, err := s.loops.Result(cycleID)
	if err == nil {
		s.writeJSON(w, http.StatusOK, cycleResponse{CycleResult: result, Approved: result.Approved()})
		return
	}
	if !errors.Is(err, usecase.ErrCycleNotFound) {
		s.writeError(w, err)
		return
	}

	// still running
	state, err := s.loops.Status(cycleID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cycle_id": cycleID, "state": state})
}

func (s *Server) handleCancelCycle(w http.ResponseWriter, r *http.Request) {
	cycleID := r.PathValue("id")
	if err := s.loops.Cancel(cycleID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"cycle_id": cycleID, "status": "cancelling"})
}
