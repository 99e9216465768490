package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/vitos/crypto_risk_gate/internal/domain"
	"github.com/vitos/crypto_risk_gate/internal/infrastructure/storage"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent audit records",
	Long: `Print the newest audit records from the SQLite audit log, oldest first.

Examples:
  riskgate audit --limit 50
  riskgate audit --cycle cyc_01HV... --kind TRANSITION`,
	Args: cobra.NoArgs,
	RunE: runAudit,
}

var (
	auditLimit int
	auditCycle string
	auditKind  string
)

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.Flags().IntVarP(&auditLimit, "limit", "n", 20, "number of records")
	auditCmd.Flags().StringVar(&auditCycle, "cycle", "", "only records of this cycle")
	auditCmd.Flags().StringVar(&auditKind, "kind", "", "only records of this kind (DECISION, TRANSITION, OUTCOME, ...)")
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := storage.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	records, err := store.ListAudit(cmd.Context(), storage.AuditFilter{
		CycleID: auditCycle,
		Kind:    domain.AuditKind(auditKind),
		Limit:   auditLimit,
	})
	if err != nil {
		return fmt.Errorf("list audit: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tKIND\tCYCLE\tSYMBOL\tREASONING")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Time.Format("2006-01-02 15:04:05.000"), r.Kind, r.CycleID, r.Symbol, r.Reasoning)
	}
	return w.Flush()
}
