package app

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"ohlcv-merge/internal/cache"
)

// CacheStats prints the size of the cache directory per source.
func (a *App) CacheStats() error {
	store := a.newCache()
	if store == nil {
		return errors.New("cache disabled")
	}

	st, err := store.Stats()
	if err != nil {
		return err
	}
	if st.Files == 0 {
		fmt.Fprintf(a.Out, "cache %s is empty\n", store.Dir())
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Source\tFiles\tSize")
	for _, name := range st.Sources() {
		src := st.BySource[name]
		fmt.Fprintf(writer, "%s\t%d\t%s\n", name, src.Files, humanize.Bytes(uint64(src.Bytes)))
	}
	fmt.Fprintf(writer, "total\t%d\t%s\n", st.Files, humanize.Bytes(uint64(st.Bytes)))
	if err := writer.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(a.Out, "oldest: %s (%s)\nnewest: %s (%s)\n",
		st.Oldest.UTC().Format(time.RFC3339), humanize.Time(st.Oldest),
		st.Newest.UTC().Format(time.RFC3339), humanize.Time(st.Newest))
	return nil
}

// EvictOptions configure cache eviction.
type EvictOptions struct {
	Source    string
	OlderThan time.Duration
}

// CacheEvict removes cache entries matching opts.
func (a *App) CacheEvict(opts EvictOptions) error {
	store := a.newCache()
	if store == nil {
		return errors.New("cache disabled")
	}

	res, err := store.Evict(cache.EvictOptions{Source: opts.Source, OlderThan: opts.OlderThan})
	if err != nil {
		return err
	}

	a.Logger.Info().
		Str("source", opts.Source).
		Dur("older_than", opts.OlderThan).
		Int("removed", res.Removed).
		Int64("bytes", res.Bytes).
		Msg("cache evicted")
	fmt.Fprintf(a.Out, "removed %d entries (%s)\n", res.Removed, humanize.Bytes(uint64(res.Bytes)))
	return nil
}
