package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/vitos/crypto_risk_gate/internal/domain"
	"github.com/vitos/crypto_risk_gate/internal/infrastructure/storage"
	"github.com/vitos/crypto_risk_gate/internal/usecase"
	"go.uber.org/zap"
)

// Store is the persisted audit log and plan journal. Optional: without it
// the audit endpoint serves the protocol's in-memory trail.
type Store interface {
	ListAudit(ctx context.Context, f storage.AuditFilter) ([]domain.AuditRecord, error)
	ListPlans(ctx context.Context, symbol string, limit int) ([]storage.PlanRecord, error)
}

// SizingConfig is what the offline sizing endpoint validates against.
type SizingConfig struct {
	RiskBounds     domain.RiskBounds
	ClampToBalance bool
}

type Deps struct {
	Loops   *usecase.LoopService
	Store   Store
	Health  func(ctx context.Context) error
	Metrics http.Handler
	Sizing  SizingConfig
	Logger  *zap.Logger
}

type Server struct {
	router   *http.ServeMux
	server   *http.Server
	loops    *usecase.LoopService
	protocol *usecase.RiskProtocol
	store    Store
	health   func(ctx context.Context) error
	metrics  http.Handler
	sizing   SizingConfig
	logger   *zap.Logger
}

func NewServer(port int, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Sizing.RiskBounds.Max.IsZero() {
		deps.Sizing.RiskBounds = domain.DefaultRiskBounds()
	}
	s := &Server{
		router:   http.NewServeMux(),
		loops:    deps.Loops,
		protocol: deps.Loops.Protocol(),
		store:    deps.Store,
		health:   deps.Health,
		metrics:  deps.Metrics,
		sizing:   deps.Sizing,
		logger:   deps.Logger,
	}
	s.routes()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.logRequests(s.router),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	// Cycles
	s.router.HandleFunc("POST /api/intents", s.handleSubmitIntent)
	s.router.HandleFunc("GET /api/cycles", s.handleListCycles)
	s.router.HandleFunc("GET /api/cycles/{id}", s.handleGetCycle)
	s.router.HandleFunc("DELETE /api/cycles/{id}", s.handleCancelCycle)

	// Protocol
	s.router.HandleFunc("GET /api/portfolio", s.handlePortfolio)
	s.router.HandleFunc("POST /api/outcomes", s.handleRecordOutcome)
	s.router.HandleFunc("POST /api/circuit-breaker/reset", s.handleResetBreaker)
	s.router.HandleFunc("GET /api/rules", s.handleRules)
	s.router.HandleFunc("POST /api/size", s.handleSize)

	// Records
	s.router.HandleFunc("GET /api/audit", s.handleAudit)
	s.router.HandleFunc("GET /api/plans", s.handlePlans)

	// Ops
	s.router.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		s.router.Handle("GET /metrics", s.metrics)
	}
}

// Handler exposes the routed handler for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
