package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/vitos/crypto_risk_gate/internal/infrastructure/exchange"
	"go.uber.org/zap"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check exchange connectivity for the configured symbols",
	Long: `Run the same pre-flight calls a cycle makes: server time, instrument
status and a ticker per configured symbol. With API keys set, the available
wallet balance is checked too.`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	out := cmd.OutOrStdout()
	bybit := exchange.NewBybitAdapter(cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.RESTEndpoint, cfg.Exchange.WSEndpoint, zap.NewNop())
	fmt.Fprintf(out, "Endpoint: %s\n", cfg.Exchange.RESTEndpoint)

	failed := 0
	report := func(what string, err error) {
		if err != nil {
			failed++
			fmt.Fprintf(out, "FAIL  %s: %v\n", what, err)
			return
		}
		fmt.Fprintf(out, "OK    %s\n", what)
	}

	report("server time", bybit.Healthy(ctx))

	for _, symbol := range cfg.Symbols() {
		ok, err := bybit.SupportsSymbol(ctx, symbol)
		if err == nil && !ok {
			err = fmt.Errorf("not trading")
		}
		report(symbol+" instrument", err)

		snap, err := bybit.Ticker(ctx, symbol)
		if err == nil {
			fmt.Fprintf(out, "      %s bid %s ask %s last %s\n", symbol, snap.Bid, snap.Ask, snap.Price)
		}
		report(symbol+" ticker", err)
	}

	if cfg.Exchange.APIKey != "" {
		balance, err := bybit.AvailableBalance(ctx)
		if err == nil {
			fmt.Fprintf(out, "      available balance %s\n", balance.StringFixed(2))
		}
		report("wallet balance", err)
	}

	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}
