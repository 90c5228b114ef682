package cli

import (
	"github.com/spf13/cobra"

	"ohlcv-merge/internal/app"
)

var (
	evictSource    string
	evictOlderThan string
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clean the local bar cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache size per source",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().CacheStats()
	},
}

var cacheEvictCmd = &cobra.Command{
	Use:   "evict",
	Short: "Remove cache entries, optionally by source and age",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, err := parseAge(evictOlderThan)
		if err != nil {
			return err
		}
		return getApp().CacheEvict(app.EvictOptions{Source: evictSource, OlderThan: olderThan})
	},
}

func init() {
	cacheEvictCmd.Flags().StringVar(&evictSource, "source", "", "Only entries written for this source label")
	cacheEvictCmd.Flags().StringVar(&evictOlderThan, "older-than", "", "Only entries older than this age, e.g. 12h or 7d")

	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheEvictCmd)
}
