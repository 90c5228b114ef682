package cli

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"ohlcv-merge/internal/app"
)

var (
	exportStart   string
	exportEnd     string
	exportDir     string
	exportWorkers int
	exportFormat  string
	exportChart   bool
	exportSymbols string
)

var exportCmd = &cobra.Command{
	Use:   "export [SYMBOL...]",
	Short: "Export reconciled bars for many symbols, one file per symbol",
	RunE: func(cmd *cobra.Command, args []string) error {
		symbols := append([]string{}, args...)
		for _, s := range strings.Split(exportSymbols, ",") {
			if s = strings.TrimSpace(s); s != "" {
				symbols = append(symbols, s)
			}
		}
		if len(symbols) == 0 {
			return errors.New("provide symbols as arguments or via --symbols")
		}

		start, end, err := parseRange(exportStart, exportEnd)
		if err != nil {
			return err
		}

		return getApp().Export(cmd.Context(), app.ExportOptions{
			Symbols: symbols,
			Start:   start,
			End:     end,
			Dir:     exportDir,
			Workers: exportWorkers,
			Format:  exportFormat,
			Chart:   exportChart,
		})
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportStart, "start", "", "First date (YYYY-MM-DD)")
	exportCmd.Flags().StringVar(&exportEnd, "end", "", "Last date (YYYY-MM-DD)")
	exportCmd.Flags().StringVar(&exportDir, "dir", "", "Output directory (defaults to export.dir)")
	exportCmd.Flags().IntVar(&exportWorkers, "workers", 0, "Concurrent symbols (defaults to export.workers)")
	exportCmd.Flags().StringVar(&exportFormat, "format", "", "File format: csv or parquet")
	exportCmd.Flags().BoolVar(&exportChart, "chart", false, "Also render a close-price PNG per symbol")
	exportCmd.Flags().StringVar(&exportSymbols, "symbols", "", "Comma separated symbols")
}
