package logger

import (
	"context"
	"os"
	"path/filepath"

	"github.com/vitos/crypto_risk_gate/internal/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func NewLogger(level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()

	l, err := zapcore.ParseLevel(level)
	if err != nil {
		l = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(l)
	config.EncoderConfig.TimeKey = "ts"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return config.Build()
}

// NewFileLogger writes JSON lines to path and to stderr.
func NewFileLogger(path, level string) (*zap.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	config := zap.NewProductionConfig()
	l, err := zapcore.ParseLevel(level)
	if err != nil {
		l = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(l)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.OutputPaths = []string{path, "stderr"}
	config.ErrorOutputPaths = []string{"stderr"}

	return config.Build()
}

// AuditSink mirrors audit records into a dedicated logger, one entry per record.
type AuditSink struct {
	logger *zap.Logger
}

func NewAuditSink(logger *zap.Logger) *AuditSink {
	return &AuditSink{logger: logger.Named("audit")}
}

func (s *AuditSink) Append(_ context.Context, rec domain.AuditRecord) error {
	fields := []zap.Field{
		zap.String("audit_id", rec.ID),
		zap.Time("at", rec.Time),
		zap.String("kind", string(rec.Kind)),
		zap.String("reasoning", rec.Reasoning),
	}
	if rec.CycleID != "" {
		fields = append(fields, zap.String("cycle_id", rec.CycleID))
	}
	if rec.ProposalID != "" {
		fields = append(fields, zap.String("proposal_id", rec.ProposalID))
	}
	if rec.Symbol != "" {
		fields = append(fields, zap.String("symbol", rec.Symbol))
	}
	if rec.Phase != "" {
		fields = append(fields, zap.String("phase", string(rec.Phase)))
	}
	if rec.Decision != "" {
		fields = append(fields, zap.String("decision", rec.Decision))
	}
	s.logger.Info("audit", fields...)
	return nil
}
