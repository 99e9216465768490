package logger_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_risk_gate/internal/domain"
	"github.com/vitos/crypto_risk_gate/internal/infrastructure/logger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger_FallsBackToInfo(t *testing.T) {
	l, err := logger.NewLogger("not-a-level")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
}

func TestNewFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "riskgate.log")
	l, err := logger.NewFileLogger(path, "debug")
	require.NoError(t, err)

	l.Debug("hello", zap.String("k", "v"))
	_ = l.Sync()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"msg":"hello"`)
}

func TestAuditSink(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sink := logger.NewAuditSink(zap.New(core))

	err := sink.Append(context.Background(), domain.AuditRecord{
		ID:        "aud-1",
		Time:      time.Now(),
		Kind:      domain.AuditReset,
		Reasoning: "reset by ops",
	})
	require.NoError(t, err)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "audit", entry.LoggerName)
	assert.Equal(t, "BREAKER_RESET", entry.ContextMap()["kind"])
	assert.NotContains(t, entry.ContextMap(), "cycle_id")
}
