package cli

import (
	"github.com/spf13/cobra"

	"ohlcv-merge/internal/app"
)

var (
	auditSymbol string
	auditLimit  int
	auditPrune  string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent merge runs recorded in the database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		prune, err := parseAge(auditPrune)
		if err != nil {
			return err
		}
		return getApp().Audit(cmd.Context(), app.AuditOptions{
			Symbol:         auditSymbol,
			Limit:          auditLimit,
			PruneOlderThan: prune,
		})
	},
}

func init() {
	auditCmd.Flags().StringVar(&auditSymbol, "symbol", "", "Only runs for this canonical symbol")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 20, "Number of runs to display")
	auditCmd.Flags().StringVar(&auditPrune, "prune-older-than", "", "Delete runs older than this age instead of listing")
}
