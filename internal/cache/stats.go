package cache

import (
	"errors"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"ohlcv-merge/internal/bars"
)

// SourceStats aggregates entries for one source label.
type SourceStats struct {
	Files int   `json:"files"`
	Bytes int64 `json:"bytes"`
}

// Stats describes the whole cache directory.
type Stats struct {
	Files    int                    `json:"files"`
	Bytes    int64                  `json:"bytes"`
	Oldest   time.Time              `json:"oldest"`
	Newest   time.Time              `json:"newest"`
	BySource map[string]SourceStats `json:"by_source"`
}

// Sources returns the source labels sorted by name.
func (st Stats) Sources() []string {
	out := make([]string, 0, len(st.BySource))
	for name := range st.BySource {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// EvictOptions filter entries to remove. With both fields empty every entry goes.
type EvictOptions struct {
	Source    string
	OlderThan time.Duration
}

// EvictResult reports what Evict removed.
type EvictResult struct {
	Removed int   `json:"removed"`
	Bytes   int64 `json:"bytes"`
}

type entry struct {
	name   string
	source string
	size   int64
	mod    time.Time
}

// Stats scans the cache directory.
func (s *Store) Stats() (Stats, error) {
	st := Stats{BySource: map[string]SourceStats{}}
	entries, err := s.scan()
	if err != nil {
		return st, err
	}
	for _, e := range entries {
		st.Files++
		st.Bytes += e.size
		if st.Oldest.IsZero() || e.mod.Before(st.Oldest) {
			st.Oldest = e.mod
		}
		if e.mod.After(st.Newest) {
			st.Newest = e.mod
		}
		src := st.BySource[e.source]
		src.Files++
		src.Bytes += e.size
		st.BySource[e.source] = src
	}
	return st, nil
}

// Evict removes entries matching the filter.
func (s *Store) Evict(opts EvictOptions) (EvictResult, error) {
	var res EvictResult
	entries, err := s.scan()
	if err != nil {
		return res, err
	}

	source := sanitize(opts.Source)
	now := s.now()
	for _, e := range entries {
		if source != "" && e.source != source {
			continue
		}
		if opts.OlderThan > 0 && now.Sub(e.mod) <= opts.OlderThan {
			continue
		}
		if err := os.Remove(s.path(e.name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return res, &bars.CacheError{Op: "evict", Key: e.name, Err: err}
		}
		res.Removed++
		res.Bytes += e.size
	}

	s.logger.Info().Str("source", opts.Source).Dur("older_than", opts.OlderThan).
		Int("removed", res.Removed).Int64("bytes", res.Bytes).Msg("cache evicted")
	return res, nil
}

func (s *Store) scan() ([]entry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &bars.CacheError{Op: "scan", Key: s.dir, Err: err}
	}

	out := make([]entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasPrefix(name, keyPrefix) || !strings.HasSuffix(name, keySuffix) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, entry{name: name, source: SourceOf(name), size: info.Size(), mod: info.ModTime()})
	}
	return out, nil
}

// SourceOf extracts the source label from an entry name. The label may itself contain
// underscores; the trailing symbol, start, end and frequency fields never do.
func SourceOf(key string) string {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(key, keyPrefix), keySuffix)
	parts := strings.Split(trimmed, "_")
	if len(parts) < 5 {
		return trimmed
	}
	return strings.Join(parts[:len(parts)-4], "_")
}
