package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors_Count(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.ChunkPut(true)
	c.ChunkPut(false)
	c.ChunkPut(false)
	c.Collected(3)
	c.GCConflict()
	c.LockOutcome("stolen")
	c.EnsureOutcome("hit")
	c.ObserveCompute(10 * time.Millisecond)
	c.Hidden("collapse", 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.ChunkPuts.WithLabelValues("new")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.ChunkPuts.WithLabelValues("dedup")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.ChunksCollected))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.GCConflicts))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.LockAcquisitions.WithLabelValues("stolen")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.CacheEnsure.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.RecordsHidden.WithLabelValues("collapse")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestCollectors_NilSafe(t *testing.T) {
	var c *Collectors
	assert.NotPanics(t, func() {
		c.ChunkPut(true)
		c.Collected(1)
		c.GCConflict()
		c.LockOutcome("acquired")
		c.EnsureOutcome("computed")
		c.ObserveCompute(time.Second)
		c.Hidden("old_versions", 1)
	})
}
