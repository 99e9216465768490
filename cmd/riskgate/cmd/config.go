package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vitos/crypto_risk_gate/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Generate or validate configuration files",
	Long: `Manage the riskgate configuration file.

Examples:
  riskgate config init -o config/config.yaml
  riskgate config validate -c config/config.yaml`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configuration file",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

var configInitOutput string

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)

	configInitCmd.Flags().StringVarP(&configInitOutput, "output", "o", config.DefaultPath, "output config file path")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if err := cfg.Save(configInitOutput); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created default configuration: %s\n", configInitOutput)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration valid: %s\n", configPath)
	fmt.Fprintf(out, "  Mode: %s on %s %v\n", cfg.Execution.Mode, cfg.Exchange.Name, cfg.Symbols())
	fmt.Fprintf(out, "  Equity: %s\n", cfg.Account.InitialEquity)
	fmt.Fprintf(out, "  Trade risk cap: %s (%s), portfolio cap: %s\n", cfg.TradeRisk(), cfg.Risk.Profile, cfg.Risk.MaxPortfolioRisk)
	fmt.Fprintf(out, "  Risk bounds: [%s, %s], default %s\n", cfg.Risk.RiskBounds.Min, cfg.Risk.RiskBounds.Max, cfg.Risk.DefaultRisk)
	return nil
}
