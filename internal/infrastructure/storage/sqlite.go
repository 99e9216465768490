package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_risk_gate/internal/domain"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers anyway
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS portfolio_snapshots (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			equity TEXT NOT NULL,
			daily_pnl TEXT NOT NULL,
			trading_day TEXT NOT NULL,
			consecutive_losses INTEGER NOT NULL,
			breaker_engaged BOOLEAN NOT NULL DEFAULT 0,
			breaker_engaged_at DATETIME,
			positions TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			time DATETIME NOT NULL,
			kind TEXT NOT NULL,
			cycle_id TEXT,
			proposal_id TEXT,
			symbol TEXT,
			phase TEXT,
			decision TEXT,
			reasoning TEXT NOT NULL,
			payload TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_cycle ON audit_log(cycle_id);`,
		`CREATE TABLE IF NOT EXISTS execution_plans (
			id TEXT PRIMARY KEY,
			cycle_id TEXT NOT NULL,
			proposal_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			size TEXT NOT NULL,
			entry TEXT NOT NULL,
			stop TEXT NOT NULL,
			target TEXT,
			risk_amount TEXT NOT NULL,
			decision TEXT NOT NULL,
			order_id TEXT,
			order_status TEXT,
			order_message TEXT,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_plans_symbol ON execution_plans(symbol);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

// PortfolioStore Implementation

func (s *SQLiteStore) Save(ctx context.Context, state domain.PortfolioState) error {
	positions, err := json.Marshal(state.Positions)
	if err != nil {
		return fmt.Errorf("encode positions: %w", err)
	}
	var engagedAt any
	if !state.BreakerEngagedAt.IsZero() {
		engagedAt = state.BreakerEngagedAt.UTC()
	}

	query := `INSERT INTO portfolio_snapshots (id, equity, daily_pnl, trading_day, consecutive_losses, breaker_engaged, breaker_engaged_at, positions, updated_at)
			  VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
			  ON CONFLICT(id) DO UPDATE SET
			    equity = excluded.equity,
			    daily_pnl = excluded.daily_pnl,
			    trading_day = excluded.trading_day,
			    consecutive_losses = excluded.consecutive_losses,
			    breaker_engaged = excluded.breaker_engaged,
			    breaker_engaged_at = excluded.breaker_engaged_at,
			    positions = excluded.positions,
			    updated_at = excluded.updated_at`
	_, err = s.db.ExecContext(ctx, query,
		state.Equity.String(), state.DailyPnL.String(), state.TradingDay, state.ConsecutiveLosses,
		state.CircuitBreakerEngaged, engagedAt, string(positions), state.UpdatedAt.UTC())
	return err
}

func (s *SQLiteStore) Load(ctx context.Context) (domain.PortfolioState, error) {
	query := `SELECT equity, daily_pnl, trading_day, consecutive_losses, breaker_engaged, breaker_engaged_at, positions, updated_at FROM portfolio_snapshots WHERE id = 1`
	row := s.db.QueryRowContext(ctx, query)

	var (
		state     domain.PortfolioState
		equity    string
		dailyPnL  string
		engagedAt sql.NullTime
		positions string
	)
	err := row.Scan(&equity, &dailyPnL, &state.TradingDay, &state.ConsecutiveLosses, &state.CircuitBreakerEngaged, &engagedAt, &positions, &state.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PortfolioState{}, domain.ErrNoPortfolioSnapshot
	}
	if err != nil {
		return domain.PortfolioState{}, err
	}

	if state.Equity, err = domain.ParseAccountEquity(equity); err != nil {
		return domain.PortfolioState{}, fmt.Errorf("stored equity: %w", err)
	}
	if state.DailyPnL, err = decimal.NewFromString(dailyPnL); err != nil {
		return domain.PortfolioState{}, fmt.Errorf("stored daily pnl: %w", err)
	}
	if engagedAt.Valid {
		state.BreakerEngagedAt = engagedAt.Time.UTC()
	}
	state.Positions = make(map[string]domain.CommittedRisk)
	if err := json.Unmarshal([]byte(positions), &state.Positions); err != nil {
		return domain.PortfolioState{}, fmt.Errorf("stored positions: %w", err)
	}
	return state, nil
}

// AuditSink Implementation

func (s *SQLiteStore) Append(ctx context.Context, rec domain.AuditRecord) error {
	query := `INSERT INTO audit_log (id, time, kind, cycle_id, proposal_id, symbol, phase, decision, reasoning, payload)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	var payload any
	if len(rec.Payload) > 0 {
		payload = string(rec.Payload)
	}
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Time.UTC(), string(rec.Kind), rec.CycleID, rec.ProposalID, rec.Symbol,
		string(rec.Phase), rec.Decision, rec.Reasoning, payload)
	return err
}

// AuditFilter narrows ListAudit. Zero values match everything.
type AuditFilter struct {
	CycleID string
	Kind    domain.AuditKind
	Limit   int
}

// ListAudit returns the newest matching records, oldest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, f AuditFilter) ([]domain.AuditRecord, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	query := `SELECT id, time, kind, cycle_id, proposal_id, symbol, phase, decision, reasoning, payload FROM audit_log
			  WHERE (? = '' OR cycle_id = ?) AND (? = '' OR kind = ?)
			  ORDER BY seq DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, f.CycleID, f.CycleID, string(f.Kind), string(f.Kind), f.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.AuditRecord
	for rows.Next() {
		var (
			r                                    domain.AuditRecord
			kind, phase                          string
			cycleID, proposalID, symbol, decided sql.NullString
			payload                              sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Time, &kind, &cycleID, &proposalID, &symbol, &phase, &decided, &r.Reasoning, &payload); err != nil {
			return nil, err
		}
		r.Kind = domain.AuditKind(kind)
		r.Phase = domain.Phase(phase)
		r.CycleID = cycleID.String
		r.ProposalID = proposalID.String
		r.Symbol = symbol.String
		r.Decision = decided.String
		if payload.Valid {
			r.Payload = json.RawMessage(payload.String)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// PlanJournal Implementation

func (s *SQLiteStore) SavePlan(ctx context.Context, plan domain.ExecutionPlan, result domain.OrderResult) error {
	query := `INSERT INTO execution_plans (id, cycle_id, proposal_id, symbol, side, size, entry, stop, target, risk_amount, decision, order_id, order_status, order_message, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			  ON CONFLICT(id) DO UPDATE SET
			    order_id = excluded.order_id,
			    order_status = excluded.order_status,
			    order_message = excluded.order_message`
	var target any
	if plan.Target != nil {
		target = plan.Target.String()
	}
	_, err := s.db.ExecContext(ctx, query,
		plan.ID, plan.CycleID, plan.ProposalID, plan.Symbol, string(plan.Side), plan.Size.String(),
		plan.Entry.String(), plan.Stop.String(), target, plan.RiskAmount.String(), string(plan.Decision),
		result.OrderID, string(result.Status), result.Message, plan.CreatedAt.UTC())
	return err
}

// PlanRecord is a journaled plan with the order it produced.
type PlanRecord struct {
	PlanID      string    `json:"plan_id"`
	CycleID     string    `json:"cycle_id"`
	ProposalID  string    `json:"proposal_id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Size        string    `json:"size"`
	Entry       string    `json:"entry"`
	Stop        string    `json:"stop"`
	Target      string    `json:"target,omitempty"`
	RiskAmount  string    `json:"risk_amount"`
	Decision    string    `json:"decision"`
	OrderID     string    `json:"order_id,omitempty"`
	OrderStatus string    `json:"order_status,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *SQLiteStore) ListPlans(ctx context.Context, symbol string, limit int) ([]PlanRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, cycle_id, proposal_id, symbol, side, size, entry, stop, target, risk_amount, decision, order_id, order_status, created_at
			  FROM execution_plans WHERE (? = '' OR symbol = ?) ORDER BY created_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, symbol, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []PlanRecord
	for rows.Next() {
		var (
			p                       PlanRecord
			target, orderID, status sql.NullString
		)
		if err := rows.Scan(&p.PlanID, &p.CycleID, &p.ProposalID, &p.Symbol, &p.Side, &p.Size, &p.Entry, &p.Stop, &target, &p.RiskAmount, &p.Decision, &orderID, &status, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Target = target.String
		p.OrderID = orderID.String
		p.OrderStatus = status.String
		plans = append(plans, p)
	}
	return plans, rows.Err()
}
