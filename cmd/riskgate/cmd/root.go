package cmd

import (
	"github.com/spf13/cobra"
	"github.com/vitos/crypto_risk_gate/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "riskgate",
	Short: "Risk-gated trade decision loop",
	Long: `riskgate sizes trade intents, checks them against the risk protocol
and drives them through Observe, Orient, Decide and Act.

Every decision is written to the audit log with its reasoning.`,
	SilenceUsage: true,
}

var (
	configPath string
	envFile    string
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to YAML config")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "dotenv file with exchange credentials")
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath, envFile)
}
