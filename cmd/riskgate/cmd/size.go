package cmd

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/vitos/crypto_risk_gate/internal/domain"
	"github.com/vitos/crypto_risk_gate/internal/usecase"
)

var sizeCmd = &cobra.Command{
	Use:   "size",
	Short: "Compute a position size offline",
	Long: `Size a position as (equity x risk) / |entry - stop|, rounded down to 8 digits.

Example:
  riskgate size --equity 10000 --risk 0.02 --entry 100 --stop 95`,
	Args: cobra.NoArgs,
	RunE: runSize,
}

var (
	sizeEquity  string
	sizeRisk    string
	sizeEntry   string
	sizeStop    string
	sizeMinRisk string
	sizeMaxRisk string
	sizeClamp   bool
)

func init() {
	rootCmd.AddCommand(sizeCmd)

	sizeCmd.Flags().StringVar(&sizeEquity, "equity", "", "account equity (required)")
	sizeCmd.Flags().StringVar(&sizeRisk, "risk", "0.01", "risk fraction per trade")
	sizeCmd.Flags().StringVar(&sizeEntry, "entry", "", "entry price (required)")
	sizeCmd.Flags().StringVar(&sizeStop, "stop", "", "stop price (required)")
	sizeCmd.Flags().StringVar(&sizeMinRisk, "min-risk", domain.MinRiskPercentage.String(), "lowest accepted risk fraction")
	sizeCmd.Flags().StringVar(&sizeMaxRisk, "max-risk", domain.MaxRiskPercentage.String(), "highest accepted risk fraction")
	sizeCmd.Flags().BoolVar(&sizeClamp, "clamp", false, "reduce the size to fit equity instead of failing")
	sizeCmd.MarkFlagRequired("equity")
	sizeCmd.MarkFlagRequired("entry")
	sizeCmd.MarkFlagRequired("stop")
}

func runSize(cmd *cobra.Command, args []string) error {
	minRisk, err := decimal.NewFromString(sizeMinRisk)
	if err != nil {
		return fmt.Errorf("--min-risk: %w", err)
	}
	maxRisk, err := decimal.NewFromString(sizeMaxRisk)
	if err != nil {
		return fmt.Errorf("--max-risk: %w", err)
	}

	equity, err := domain.ParseAccountEquity(sizeEquity)
	if err != nil {
		return err
	}
	risk, err := domain.ParseRiskPercentage(sizeRisk, domain.RiskBounds{Min: minRisk, Max: maxRisk})
	if err != nil {
		return err
	}
	entry, err := domain.ParsePricePoint(sizeEntry)
	if err != nil {
		return err
	}
	stop, err := domain.ParsePricePoint(sizeStop)
	if err != nil {
		return err
	}

	res, err := usecase.NewPositionSizer(sizeClamp).Calculate(usecase.SizingInput{
		Equity: equity, Risk: risk, Entry: entry, Stop: stop,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Size:          %s\n", res.Size)
	fmt.Fprintf(out, "Risk amount:   %s\n", res.RiskAmount.StringFixed(2))
	fmt.Fprintf(out, "Risk budget:   %s\n", res.RiskBudget.StringFixed(2))
	fmt.Fprintf(out, "Risk distance: %s\n", res.RiskDistance)
	fmt.Fprintf(out, "Notional:      %s\n", res.Notional.StringFixed(2))
	if res.Clamped {
		fmt.Fprintln(out, "Clamped to account balance")
	}
	return nil
}
