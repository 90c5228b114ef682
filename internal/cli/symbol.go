package cli

import (
	"github.com/spf13/cobra"
)

var symbolCmd = &cobra.Command{
	Use:   "symbol SYMBOL...",
	Short: "Show the canonical form of symbols and their provider spellings",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Symbol(args)
	},
}
