package teseo

import (
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/teseo-db/teseo/internal/merger"
	"github.com/teseo-db/teseo/segment"
)

// teseoOpt is the functional-options pattern the teacher's wal.go uses
// (walOpt func(*WAL)), generalized to Teseo's engine-wide tunables
// (spec.md section 6's "configuration options (compile-time tunables)").
type teseoOpt func(*Teseo)

// WithSegmentsPerLeaf overrides memstore_num_segments_per_leaf (default
// segment.DefaultSegmentsPerLeaf, 512).
func WithSegmentsPerLeaf(n int) teseoOpt {
	return func(t *Teseo) { t.segmentsPerLeaf = n }
}

// WithSegmentSize overrides memstore_segment_size, the per-segment qword
// budget (default segment.DefaultSegmentSizeWords, 256).
func WithSegmentSize(words int) teseoOpt {
	return func(t *Teseo) { t.segmentBudgetWords = words }
}

// WithAuxDegreeThreshold overrides aux_degree_threshold: the number of
// direct-scan degree queries a transaction performs before the runtime
// builds (or reuses) an aux view and answers subsequent queries from it
// (spec.md section 4.10).
func WithAuxDegreeThreshold(n int) teseoOpt {
	return func(t *Teseo) { t.auxDegreeThreshold = n }
}

// WithAuxBuildWorkers overrides the parallelism of the aux builder's
// range scan (spec.md section 4.10).
func WithAuxBuildWorkers(n int) teseoOpt {
	return func(t *Teseo) { t.auxBuildWorkers = n }
}

// WithTxnPoolCapacity overrides transaction_memory_pool_size (default
// txnpool.DefaultCapacity, 1024, capped at 65535 per spec.md section 6).
func WithTxnPoolCapacity(n int) teseoOpt {
	return func(t *Teseo) {
		if n > 65535 {
			n = 65535
		}
		t.txnPoolCapacity = n
	}
}

// WithVertexTableReplicas overrides numa_num_nodes: the number of vertex
// table replicas kept (spec.md section 4.6); Go exposes no portable
// NUMA-node-of-caller primitive, so this controls replica count only,
// not node affinity.
func WithVertexTableReplicas(n int) teseoOpt {
	return func(t *Teseo) { t.vtableReplicas = n }
}

// WithMergerConfig overrides the merger service's sweep cadence and
// staleness threshold.
func WithMergerConfig(cfg merger.Config) teseoOpt {
	return func(t *Teseo) { t.mergerConfig = cfg }
}

// WithLogger injects a structured logger, exactly as the teacher's
// wal.go accepts one via a functional option. Defaults to a no-op
// logger if never set.
func WithLogger(logger log.Logger) teseoOpt {
	return func(t *Teseo) { t.logger = logger }
}

// WithMetricsRegisterer injects the prometheus.Registerer Teseo's
// metrics are registered against, following the teacher's metrics.go
// convention. Defaults to prometheus.DefaultRegisterer.
func WithMetricsRegisterer(reg prometheus.Registerer) teseoOpt {
	return func(t *Teseo) { t.reg = reg }
}

func (t *Teseo) applyDefaultsAndValidate() error {
	if t.segmentsPerLeaf == 0 {
		t.segmentsPerLeaf = segment.DefaultSegmentsPerLeaf
	}
	if t.segmentBudgetWords == 0 {
		t.segmentBudgetWords = segment.DefaultSegmentSizeWords
	}
	if t.auxDegreeThreshold == 0 {
		t.auxDegreeThreshold = 8
	}
	if t.auxBuildWorkers == 0 {
		t.auxBuildWorkers = 4
	}
	if t.txnPoolCapacity == 0 {
		t.txnPoolCapacity = 1024
	}
	if t.txnPoolCapacity > 65535 {
		t.txnPoolCapacity = 65535
	}
	if t.vtableReplicas == 0 {
		t.vtableReplicas = 1
	}
	if t.logger == nil {
		t.logger = log.NewNopLogger()
	}
	if t.reg == nil {
		t.reg = prometheus.DefaultRegisterer
	}
	return nil
}
