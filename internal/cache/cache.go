package cache

import (
	"encoding/csv"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ohlcv-merge/internal/bars"
	"ohlcv-merge/internal/fsutil"
)

const (
	subdir    = "ohlcv"
	keyPrefix = "ohlcv_"
	keySuffix = ".csv"
)

// Store is a directory of cache entries. Writes replace whole files atomically, so the
// store needs no locking.
type Store struct {
	dir    string
	now    func() time.Time
	logger zerolog.Logger
}

// New returns a store rooted at root/ohlcv.
func New(root string, logger zerolog.Logger) *Store {
	return &Store{
		dir:    filepath.Join(root, subdir),
		now:    time.Now,
		logger: logger.With().Str("component", "cache").Logger(),
	}
}

// Dir is the directory holding the entries.
func (s *Store) Dir() string { return s.dir }

// Key builds the entry name for a query. Characters outside [A-Za-z0-9-_.+] are stripped.
func Key(source, symbol string, start, end time.Time, freq string) string {
	raw := keyPrefix + strings.Join([]string{source, symbol, keyDate(start), keyDate(end), freq}, "_") + keySuffix
	return sanitize(raw)
}

func keyDate(t time.Time) string {
	if t.IsZero() {
		return "none"
	}
	return t.Format(bars.DateLayout)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.' || r == '+':
			return r
		default:
			return -1
		}
	}, s)
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, sanitize(key))
}

// Write serialises the table under key, replacing any previous entry.
func (s *Store) Write(key string, table bars.Table) error {
	err := fsutil.WriteAtomic(s.path(key), func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(bars.Columns); err != nil {
			return err
		}
		if err := cw.WriteAll(table.Records()); err != nil {
			return err
		}
		return cw.Error()
	})
	if err != nil {
		return &bars.CacheError{Op: "write", Key: key, Err: err}
	}
	s.logger.Debug().Str("key", key).Int("rows", len(table)).Msg("cache entry written")
	return nil
}

// ReadIfFresh returns the entry only when it is at most maxAge old. A non-positive maxAge
// never serves. Missing and expired entries both report ok=false with a nil error.
func (s *Store) ReadIfFresh(key string, maxAge time.Duration) (bars.Table, bool, error) {
	if maxAge <= 0 {
		return nil, false, nil
	}

	path := s.path(key)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, &bars.CacheError{Op: "stat", Key: key, Err: err}
	}
	if s.now().Sub(info.ModTime()) > maxAge {
		return nil, false, nil
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, &bars.CacheError{Op: "read", Key: key, Err: err}
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, false, &bars.CacheError{Op: "read", Key: key, Err: err}
	}
	if len(records) == 0 {
		return nil, false, &bars.CacheError{Op: "read", Key: key, Err: errors.New("missing header")}
	}
	table, err := bars.FromRecords(records[0], records[1:])
	if err != nil {
		return nil, false, &bars.CacheError{Op: "decode", Key: key, Err: err}
	}
	return table, true, nil
}
