package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/vitos/crypto_risk_gate/internal/domain"
	"github.com/vitos/crypto_risk_gate/internal/infrastructure/storage"
)

var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Inspect or reset the consecutive-loss circuit breaker",
	Long: `The circuit breaker blocks new trades after too many consecutive losses.
It is cleared only by an explicit, audited reset. While serve is running,
reset through POST /api/circuit-breaker/reset instead.

Examples:
  riskgate breaker status
  riskgate breaker reset --operator alice --reason "reviewed losses"`,
}

var breakerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the loss streak and breaker state",
	Args:  cobra.NoArgs,
	RunE:  runBreakerStatus,
}

var breakerResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the loss streak and the breaker",
	Args:  cobra.NoArgs,
	RunE:  runBreakerReset,
}

var (
	resetOperator string
	resetReason   string
)

func init() {
	rootCmd.AddCommand(breakerCmd)
	breakerCmd.AddCommand(breakerStatusCmd)
	breakerCmd.AddCommand(breakerResetCmd)

	breakerResetCmd.Flags().StringVar(&resetOperator, "operator", os.Getenv("USER"), "who is resetting the breaker")
	breakerResetCmd.Flags().StringVar(&resetReason, "reason", "", "why the breaker is being reset (required)")
	breakerResetCmd.MarkFlagRequired("reason")
}

func runBreakerStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := storage.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	state, err := store.Load(cmd.Context())
	if errors.Is(err, domain.ErrNoPortfolioSnapshot) {
		fmt.Fprintln(out, "No portfolio saved yet")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load portfolio: %w", err)
	}

	fmt.Fprintf(out, "Engaged:            %t\n", state.CircuitBreakerEngaged)
	if state.CircuitBreakerEngaged {
		fmt.Fprintf(out, "Engaged at:         %s\n", state.BreakerEngagedAt.Format("2006-01-02 15:04:05 MST"))
	}
	fmt.Fprintf(out, "Consecutive losses: %d / %d\n", state.ConsecutiveLosses, cfg.Risk.ConsecutiveLossLimit)
	fmt.Fprintf(out, "Daily PnL (%s):  %s\n", state.TradingDay, state.DailyPnL.StringFixed(2))
	return nil
}

func runBreakerReset(cmd *cobra.Command, args []string) error {
	if resetOperator == "" {
		return errors.New("--operator is required")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	store, err := storage.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	protocol, err := openProtocol(cmd.Context(), cfg, store, log)
	if err != nil {
		return err
	}
	before := protocol.Snapshot()
	if err := protocol.ResetCircuitBreaker(cmd.Context(), resetOperator, resetReason); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Circuit breaker reset by %s (was engaged=%t, losses=%d)\n",
		resetOperator, before.CircuitBreakerEngaged, before.ConsecutiveLosses)
	return nil
}
