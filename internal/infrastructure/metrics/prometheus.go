package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vitos/crypto_risk_gate/internal/domain"
)

const namespace = "riskgate"

// Collector records loop and protocol metrics on its own registry.
type Collector struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	phaseDuration *prometheus.HistogramVec
	decisions     *prometheus.CounterVec
	committedRisk prometheus.Gauge
	openPositions prometheus.Gauge
	breaker       prometheus.Gauge
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_total",
				Help:      "Decision cycles by final phase and failure reason",
			},
			[]string{"symbol", "final", "reason"},
		),
		cycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Wall time of a decision cycle",
				Buckets:   []float64{.025, .05, .1, .2, .4, .8, 1.6, 3.2, 6.4},
			},
			[]string{"symbol"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Wall time of each loop phase",
				Buckets:   []float64{.005, .01, .025, .05, .1, .2, .5, 1, 2, 5},
			},
			[]string{"phase"},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Protocol decisions",
			},
			[]string{"decision"},
		),
		committedRisk: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "committed_risk_ratio",
			Help:      "Committed risk as a fraction of equity",
		}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Reserved and committed positions",
		}),
		breaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_engaged",
			Help:      "1 while the circuit breaker blocks new trades",
		}),
	}

	c.registry.MustRegister(
		c.cycles, c.cycleDuration, c.phaseDuration, c.decisions,
		c.committedRisk, c.openPositions, c.breaker,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) ObservePhase(phase domain.Phase, d time.Duration) {
	c.phaseDuration.WithLabelValues(string(phase)).Observe(d.Seconds())
}

func (c *Collector) ObserveCycle(symbol string, final domain.Phase, reason string, d time.Duration) {
	c.cycles.WithLabelValues(symbol, string(final), reason).Inc()
	c.cycleDuration.WithLabelValues(symbol).Observe(d.Seconds())
}

func (c *Collector) ObserveDecision(decision domain.ProtocolDecision) {
	c.decisions.WithLabelValues(string(decision)).Inc()
}

func (c *Collector) SetPortfolio(committedRisk float64, openPositions int, breakerEngaged bool) {
	c.committedRisk.Set(committedRisk)
	c.openPositions.Set(float64(openPositions))
	if breakerEngaged {
		c.breaker.Set(1)
	} else {
		c.breaker.Set(0)
	}
}
