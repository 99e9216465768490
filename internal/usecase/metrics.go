package usecase

import (
	"time"

	"github.com/vitos/crypto_risk_gate/internal/domain"
)

// Metrics receives loop and protocol measurements. The Prometheus
// collector in infrastructure/metrics implements it.
type Metrics interface {
	ObservePhase(phase domain.Phase, d time.Duration)
	ObserveCycle(symbol string, final domain.Phase, reason string, d time.Duration)
	ObserveDecision(decision domain.ProtocolDecision)
	SetPortfolio(committedRisk float64, openPositions int, breakerEngaged bool)
}

type NopMetrics struct{}

func (NopMetrics) ObservePhase(domain.Phase, time.Duration)                 {}
func (NopMetrics) ObserveCycle(string, domain.Phase, string, time.Duration) {}
func (NopMetrics) ObserveDecision(domain.ProtocolDecision)                  {}
func (NopMetrics) SetPortfolio(float64, int, bool)                          {}
