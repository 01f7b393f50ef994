// Package metrics exposes the platform's prometheus collectors.
//
// Collectors are registered on an injected registry rather than the global
// default so tests and embedded deployments stay isolated. Every method is
// safe to call on a nil *Collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lexicon"

// Collectors groups every metric the platform records.
type Collectors struct {
	ChunkPuts        *prometheus.CounterVec
	ChunksCollected  prometheus.Counter
	GCConflicts      prometheus.Counter
	LockAcquisitions *prometheus.CounterVec
	CacheEnsure      *prometheus.CounterVec
	ComputeDuration  prometheus.Histogram
	RecordsHidden    *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Collectors {
	f := promauto.With(reg)
	return &Collectors{
		ChunkPuts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_puts_total",
			Help:      "Chunk writes by result (new, dedup).",
		}, []string{"result"}),
		ChunksCollected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_collected_total",
			Help:      "Unreferenced chunks deleted by garbage collection.",
		}),
		GCConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_conflicts_total",
			Help:      "Garbage collection attempts retried after a concurrent reference.",
		}),
		LockAcquisitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_acquisitions_total",
			Help:      "Lock attempts by outcome (acquired, refreshed, stolen, contended).",
		}, []string{"outcome"}),
		CacheEnsure: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "derived_cache_ensure_total",
			Help:      "Derived cache lookups by outcome (hit, computed, pending, failed).",
		}, []string{"outcome"}),
		ComputeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "derived_compute_seconds",
			Help:      "Time spent computing derived artifacts.",
			Buckets:   prometheus.DefBuckets,
		}),
		RecordsHidden: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_hidden_total",
			Help:      "Change records hidden by cleaner.",
		}, []string{"cleaner"}),
	}
}

// ChunkPut counts a chunk write.
func (c *Collectors) ChunkPut(created bool) {
	if c == nil {
		return
	}
	result := "dedup"
	if created {
		result = "new"
	}
	c.ChunkPuts.WithLabelValues(result).Inc()
}

// Collected counts chunks removed by one GC pass.
func (c *Collectors) Collected(n int) {
	if c == nil {
		return
	}
	c.ChunksCollected.Add(float64(n))
}

// GCConflict counts a retried GC attempt.
func (c *Collectors) GCConflict() {
	if c == nil {
		return
	}
	c.GCConflicts.Inc()
}

// LockOutcome counts a lock attempt.
func (c *Collectors) LockOutcome(outcome string) {
	if c == nil {
		return
	}
	c.LockAcquisitions.WithLabelValues(outcome).Inc()
}

// EnsureOutcome counts a derived cache lookup.
func (c *Collectors) EnsureOutcome(outcome string) {
	if c == nil {
		return
	}
	c.CacheEnsure.WithLabelValues(outcome).Inc()
}

// ObserveCompute records the duration of one artifact computation.
func (c *Collectors) ObserveCompute(d time.Duration) {
	if c == nil {
		return
	}
	c.ComputeDuration.Observe(d.Seconds())
}

// Hidden counts records hidden by a cleaner.
func (c *Collectors) Hidden(cleaner string, n int) {
	if c == nil {
		return
	}
	c.RecordsHidden.WithLabelValues(cleaner).Add(float64(n))
}
