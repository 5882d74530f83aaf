// Package metrics defines Teseo's prometheus instrumentation, built the
// same way the teacher's metrics.go builds walMetrics: one struct of
// promauto-constructed collectors, registered once at construction and
// threaded down into whichever component emits each signal. spec.md
// treats general profiling counters as an external collaborator; the
// counters here are narrower and specific to the components this repo
// owns (segment fill pressure, latch contention, prune/aux-build work),
// per SPEC_FULL.md section 10.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is Teseo's engine-wide instrumentation set.
type Metrics struct {
	Rebalances       prometheus.Counter
	RebalanceSplits  prometheus.Counter
	RebalanceMerges  prometheus.Counter
	PrunePasses      prometheus.Counter
	PrunedWords      prometheus.Counter
	LatchWaits       *prometheus.CounterVec // labeled by role: reader/writer/rebalancer
	AuxBuilds        prometheus.Counter
	AuxBuildDuration prometheus.Histogram
	MergerIterations prometheus.Counter
	SegmentFillRatio prometheus.Gauge
}

// New constructs and registers Teseo's metrics against reg. Passing a
// fresh prometheus.NewRegistry() (as the teacher's tests do) avoids
// collisions with the global default registerer across repeated Open
// calls in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Rebalances: f.NewCounter(prometheus.CounterOpts{
			Name: "teseo_rebalances_total",
			Help: "Number of segment rebalance operations (spread, split, or merge) completed.",
		}),
		RebalanceSplits: f.NewCounter(prometheus.CounterOpts{
			Name: "teseo_rebalance_splits_total",
			Help: "Number of rebalances that resulted in a leaf split.",
		}),
		RebalanceMerges: f.NewCounter(prometheus.CounterOpts{
			Name: "teseo_rebalance_merges_total",
			Help: "Number of rebalances that resulted in a leaf merge.",
		}),
		PrunePasses: f.NewCounter(prometheus.CounterOpts{
			Name: "teseo_prune_passes_total",
			Help: "Number of merger prune passes executed.",
		}),
		PrunedWords: f.NewCounter(prometheus.CounterOpts{
			Name: "teseo_pruned_words_total",
			Help: "Total qwords reclaimed by prune passes.",
		}),
		LatchWaits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "teseo_latch_waits_total",
			Help: "Number of times an acquisition had to queue on a segment latch, by role.",
		}, []string{"role"}),
		AuxBuilds: f.NewCounter(prometheus.CounterOpts{
			Name: "teseo_aux_builds_total",
			Help: "Number of auxiliary degree-view builds completed.",
		}),
		AuxBuildDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "teseo_aux_build_duration_seconds",
			Help:    "Time taken to build an auxiliary degree view.",
			Buckets: prometheus.DefBuckets,
		}),
		MergerIterations: f.NewCounter(prometheus.CounterOpts{
			Name: "teseo_merger_iterations_total",
			Help: "Number of merger service sweep iterations completed.",
		}),
		SegmentFillRatio: f.NewGauge(prometheus.GaugeOpts{
			Name: "teseo_segment_fill_ratio_last",
			Help: "Fill ratio (used/budget) of the most recently touched segment.",
		}),
	}
}
