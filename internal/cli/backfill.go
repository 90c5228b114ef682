package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"ohlcv-merge/internal/app"
)

var (
	backfillFrom    string
	backfillTo      string
	backfillSymbols string
	backfillChunk   int
	backfillDryRun  bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Warm the cache and merge audit over a historical range",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillFrom == "" {
			return fmt.Errorf("--from must be provided")
		}

		from, err := parseDateFlag("from", backfillFrom)
		if err != nil {
			return err
		}
		to, err := parseDateFlag("to", backfillTo)
		if err != nil {
			return err
		}

		var symbols []string
		for _, s := range strings.Split(backfillSymbols, ",") {
			if s = strings.TrimSpace(s); s != "" {
				symbols = append(symbols, s)
			}
		}

		return getApp().Backfill(cmd.Context(), app.BackfillOptions{
			Symbols:   symbols,
			From:      from,
			To:        to,
			ChunkDays: backfillChunk,
			DryRun:    backfillDryRun,
		})
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "Start date (YYYY-MM-DD, inclusive)")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "End date (YYYY-MM-DD, inclusive); defaults to today")
	backfillCmd.Flags().StringVar(&backfillSymbols, "symbols", "", "Comma separated symbols; defaults to scheduler.watchlist")
	backfillCmd.Flags().IntVar(&backfillChunk, "chunk-days", 365, "Calendar days fetched per request")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Fetch without writing the cache or the audit")
}
