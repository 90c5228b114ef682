package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"ohlcv-merge/internal/app"
)

var (
	simulateSymbol string
	simulateBias   float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "用两个存在价差的模拟数据源触发一次告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateBias <= 0 {
			return errors.New("--bias 必须大于 0")
		}
		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Symbol: simulateSymbol,
			Bias:   simulateBias,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "600000.XSHG", "模拟的 symbol")
	simulateCmd.Flags().Float64Var(&simulateBias, "bias", 0.05, "第二个数据源的相对价差")
}
