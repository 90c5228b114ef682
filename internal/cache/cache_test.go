package cache

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ohlcv-merge/internal/bars"
)

func date(d int) time.Time {
	return time.Date(2024, time.January, d, 0, 0, 0, 0, time.UTC)
}

func sample() bars.Table {
	return bars.Table{
		{Date: date(2), Open: 10.1, High: 10.9, Low: 9.95, Close: 10.333333333333334, Volume: 1200},
		{Date: date(3), Open: 10.3, High: 10.3, Low: 10.3, Close: 10.3, Volume: 0},
	}
}

func newStore(t *testing.T) *Store {
	t.Helper()
	return New(t.TempDir(), zerolog.Nop())
}

func TestKeyFormat(t *testing.T) {
	key := Key("tushare", "600519.XSHG", date(2), date(31), "1d")
	assert.Equal(t, "ohlcv_tushare_600519.XSHG_2024-01-02_2024-01-31_1d.csv", key)

	key = Key("my src/../x", "600519.XSHG", time.Time{}, date(31), "1d+post")
	assert.Equal(t, "ohlcv_mysrc..x_600519.XSHG_none_2024-01-31_1d+post.csv", key)
}

func TestWriteThenReadLarge(t *testing.T) {
	s := newStore(t)
	key := Key("a", "600519.XSHG", date(2), date(3), "1d")
	require.NoError(t, s.Write(key, sample()))

	got, ok, err := s.ReadIfFresh(key, 24*time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sample(), got)
}

func TestReadIfFreshZeroNeverServes(t *testing.T) {
	s := newStore(t)
	key := Key("a", "600519.XSHG", date(2), date(3), "1d")
	require.NoError(t, s.Write(key, sample()))

	got, ok, err := s.ReadIfFresh(key, 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestReadIfFreshExpired(t *testing.T) {
	s := newStore(t)
	key := Key("a", "600519.XSHG", date(2), date(3), "1d")
	require.NoError(t, s.Write(key, sample()))

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, ok, err := s.ReadIfFresh(key, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadIfFreshMissing(t *testing.T) {
	_, ok, err := newStore(t).ReadIfFresh("ohlcv_nope.csv", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadCorruptEntry(t *testing.T) {
	s := newStore(t)
	key := Key("a", "600519.XSHG", date(2), date(3), "1d")
	require.NoError(t, os.MkdirAll(s.Dir(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), key), []byte("date,close\n2024-01-02,1\n"), 0o644))

	_, ok, err := s.ReadIfFresh(key, time.Hour)
	assert.False(t, ok)
	var cacheErr *bars.CacheError
	require.True(t, errors.As(err, &cacheErr))
	assert.Equal(t, "decode", cacheErr.Op)
}

func TestOverwriteReplacesEntry(t *testing.T) {
	s := newStore(t)
	key := Key("a", "600519.XSHG", date(2), date(3), "1d")
	require.NoError(t, s.Write(key, sample()))
	require.NoError(t, s.Write(key, sample()[:1]))

	got, ok, err := s.ReadIfFresh(key, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, got, 1)
}

func TestStatsAndEvict(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Write(Key("merged", "600519.XSHG", date(2), date(3), "1d"), sample()))
	require.NoError(t, s.Write(Key("tu_share", "600519.XSHG", date(2), date(3), "1d"), sample()))
	require.NoError(t, s.Write(Key("tu_share", "000001.XSHE", date(2), date(3), "1d"), sample()))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), ".tmp-stray"), []byte("x"), 0o644))

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, st.Files)
	assert.Equal(t, []string{"merged", "tu_share"}, st.Sources())
	assert.Equal(t, 2, st.BySource["tu_share"].Files)
	assert.Positive(t, st.Bytes)

	res, err := s.Evict(EvictOptions{OlderThan: time.Hour})
	require.NoError(t, err)
	assert.Zero(t, res.Removed, "fresh entries survive an age filter")

	res, err = s.Evict(EvictOptions{Source: "tu_share"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Removed)

	st, err = s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Files)

	res, err = s.Evict(EvictOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
}

func TestStatsOnMissingDir(t *testing.T) {
	st, err := newStore(t).Stats()
	require.NoError(t, err)
	assert.Zero(t, st.Files)
}
