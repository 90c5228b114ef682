package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ohlcv-merge/internal/bars"
)

func TestRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.ObserveFetch("a", nil, time.Millisecond)
	r.ObserveFetch("a", &bars.ProviderError{Provider: "a", Err: bars.ErrRateLimited}, time.Millisecond)
	r.ObserveFetch("b", errors.New("boom"), time.Millisecond)
	r.CacheLookup("hit")
	r.CacheWrite(errors.New("disk full"))
	r.Merge(2, []string{"keep_primary", "keep_primary", "override"})
	r.EmptyResult()

	assert.Equal(t, 1.0, testutil.ToFloat64(r.ProviderFetches.WithLabelValues("a", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ProviderFetches.WithLabelValues("a", "rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ProviderFetches.WithLabelValues("b", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.CacheWrites.WithLabelValues("error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.MergeConflicts.WithLabelValues("keep_primary")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.FallbackRows))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.EmptyResults))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.ObserveFetch("a", nil, time.Second)
	r.CacheLookup("miss")
	r.CacheWrite(nil)
	r.Merge(1, []string{"override"})
	r.EmptyResult()
	r.Export(nil)
}
