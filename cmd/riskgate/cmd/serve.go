package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/vitos/crypto_risk_gate/internal/config"
	"github.com/vitos/crypto_risk_gate/internal/domain"
	"github.com/vitos/crypto_risk_gate/internal/infrastructure/exchange"
	"github.com/vitos/crypto_risk_gate/internal/infrastructure/logger"
	"github.com/vitos/crypto_risk_gate/internal/infrastructure/metrics"
	"github.com/vitos/crypto_risk_gate/internal/infrastructure/storage"
	"github.com/vitos/crypto_risk_gate/internal/usecase"
	"github.com/vitos/crypto_risk_gate/internal/web"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the decision loop service and HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Logging.File != "" {
		return logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level)
	}
	return logger.NewLogger(cfg.Logging.Level)
}

// openProtocol restores the portfolio from the store and mirrors audit
// records into the store and the audit logger.
func openProtocol(ctx context.Context, cfg *config.Config, store *storage.SQLiteStore, log *zap.Logger) (*usecase.RiskProtocol, error) {
	auditLog := log
	if cfg.Logging.AuditFile != "" {
		l, err := logger.NewFileLogger(cfg.Logging.AuditFile, "info")
		if err != nil {
			return nil, fmt.Errorf("audit logger: %w", err)
		}
		auditLog = l
	}

	pc, err := cfg.ProtocolConfig()
	if err != nil {
		return nil, err
	}
	sink := usecase.MultiSink{store, logger.NewAuditSink(auditLog)}
	return usecase.NewRiskProtocol(ctx, pc, store, sink, log)
}

func runServe(cmd *cobra.Command, args []string) error {
	// 1. Load Config
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init Logger
	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Init Storage
	store, err := storage.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("init sqlite: %w", err)
	}
	defer store.Close()

	// 4. Risk protocol
	protocol, err := openProtocol(ctx, cfg, store, log)
	if err != nil {
		return fmt.Errorf("init protocol: %w", err)
	}
	collector := metrics.NewCollector()
	protocol.SetMetrics(collector)

	// 5. Exchange
	bybit := exchange.NewBybitAdapter(cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.RESTEndpoint, cfg.Exchange.WSEndpoint, log)
	defer bybit.Close()
	if symbols := cfg.Symbols(); len(symbols) > 0 {
		if err := bybit.ConnectWS(ctx, symbols); err != nil {
			log.Warn("Quote stream unavailable, using REST tickers", zap.Error(err))
		} else {
			log.Info("Subscribed to quote stream", zap.Strings("symbols", symbols))
		}
	}

	var sink domain.ExecutionSink = bybit
	if cfg.Execution.Mode == config.ModePaper {
		paper := exchange.NewPaperExchange(cfg.Account.InitialEquity, cfg.Symbols(), log)
		protocol.SetOutcomeListener(paper)
		sink = paper
	}

	// 6. Loop service
	loops := usecase.NewLoopService(cfg.LoopConfig(), usecase.LoopDeps{
		Market:    bybit,
		Execution: sink,
		Protocol:  protocol,
		Journal:   store,
		Logger:    log,
		Metrics:   collector,
	}, cfg.Loop.HistorySize)

	// 7. Web server
	server := web.NewServer(cfg.Server.Port, web.Deps{
		Loops:   loops,
		Store:   store,
		Health:  sink.Healthy,
		Metrics: collector.Handler(),
		Sizing: web.SizingConfig{
			RiskBounds:     cfg.LoopConfig().RiskBounds,
			ClampToBalance: cfg.Risk.ClampToBalance,
		},
		Logger: log,
	})

	errc := make(chan error, 1)
	go func() {
		errc <- server.Start()
	}()

	log.Info("riskgate started",
		zap.String("mode", cfg.Execution.Mode),
		zap.Int("port", cfg.Server.Port),
		zap.String("equity", protocol.Snapshot().Equity.String()),
	)

	// 8. Wait for Shutdown
	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			log.Error("Server failed", zap.Error(err))
		}
	}

	log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := loops.Shutdown(shutdownCtx); err != nil {
		log.Warn("Cycles still running at shutdown", zap.Error(err))
	}
	return server.Shutdown(shutdownCtx)
}
