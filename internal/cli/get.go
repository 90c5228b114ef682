package cli

import (
	"github.com/spf13/cobra"

	"ohlcv-merge/internal/app"
)

var (
	getStart   string
	getEnd     string
	getAdjust  string
	getNoCache bool
	getOutput  string
	getLog     bool
)

var getCmd = &cobra.Command{
	Use:   "get SYMBOL",
	Short: "Fetch and reconcile daily bars for one symbol",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		start, end, err := parseRange(getStart, getEnd)
		if err != nil {
			return err
		}

		return getApp().Get(cmd.Context(), app.GetOptions{
			Symbol:  args[0],
			Start:   start,
			End:     end,
			Adjust:  getAdjust,
			NoCache: getNoCache,
			Output:  getOutput,
			ShowLog: getLog,
		})
	},
}

func init() {
	getCmd.Flags().StringVar(&getStart, "start", "", "First date (YYYY-MM-DD); defaults to one year before --end")
	getCmd.Flags().StringVar(&getEnd, "end", "", "Last date (YYYY-MM-DD); defaults to the latest session")
	getCmd.Flags().StringVar(&getAdjust, "adjust", "pre", "Price adjustment: pre, post or none")
	getCmd.Flags().BoolVar(&getNoCache, "no-cache", false, "Skip the cache lookup")
	getCmd.Flags().StringVarP(&getOutput, "output", "o", app.OutputTable, "Output format: table, csv or json")
	getCmd.Flags().BoolVar(&getLog, "log", false, "Print the merge log after the table")
}
