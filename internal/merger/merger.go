// Package merger implements the long-running merger service of spec.md
// section 4.9: one background goroutine per engine that periodically
// scans a snapshot of the index's leaves, prunes segments whose
// version-overhead or time-since-last-rebalance crosses a threshold,
// and rebuilds the vertex table entries it touches. It is the sole
// writer of the vertex table besides the removals any transaction may
// issue directly (spec.md section 4.9).
//
// Grounded in the teacher's own background-goroutine idiom: wal.go's
// rotate loop (triggerRotate/awaitRotate channels, a single goroutine
// draining them) is generalized here into a ticker-driven sweep with
// the same start/stop/force-now control surface.
package merger

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/teseo-db/teseo/internal/index"
	"github.com/teseo-db/teseo/internal/key"
	"github.com/teseo-db/teseo/internal/metrics"
	"github.com/teseo-db/teseo/internal/vtable"
	"github.com/teseo-db/teseo/segment"
)

// HighWaterMarker is consumed, not designed (spec.md section 1): the
// caller supplies the oldest-active-transaction read timestamp the
// merger should prune against.
type HighWaterMarker func() uint64

// Config controls when a segment is considered due for a merger pass.
type Config struct {
	// PruneInterval is how often the merger wakes to sweep the index.
	PruneInterval time.Duration
	// StaleAfter is how long since a segment's last rebalance before the
	// merger considers it due for a prune pass regardless of fill ratio.
	StaleAfter time.Duration
}

func defaultConfig() Config {
	return Config{PruneInterval: 2 * time.Second, StaleAfter: 30 * time.Second}
}

// Service is the merger's runtime state.
type Service struct {
	idx    *index.Index
	vt     *vtable.Replicated
	hwm    HighWaterMarker
	cfg    Config
	logger log.Logger
	m      *metrics.Metrics

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	forceCh chan chan struct{}
}

// New constructs a merger bound to idx and vt; it does not start
// running until Start is called.
func New(idx *index.Index, vt *vtable.Replicated, hwm HighWaterMarker, cfg Config, logger log.Logger, m *metrics.Metrics) *Service {
	if cfg.PruneInterval == 0 {
		cfg = defaultConfig()
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Service{idx: idx, vt: vt, hwm: hwm, cfg: cfg, logger: logger, m: m, forceCh: make(chan chan struct{})}
}

// Start launches the background sweep goroutine. It is a no-op if
// already running.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.loop(ctx)
}

// Stop halts the background sweep goroutine and waits for it to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	done := s.done
	s.running = false
	s.mu.Unlock()
	<-done
}

// ExecuteNow forces a synchronous pass and blocks until it completes.
func (s *Service) ExecuteNow() {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		s.sweep()
		return
	}
	ack := make(chan struct{})
	s.forceCh <- ack
	<-ack
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)
	t := time.NewTicker(s.cfg.PruneInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.sweep()
		case ack := <-s.forceCh:
			s.sweep()
			close(ack)
		}
	}
}

// sweep scans a snapshot of the index's leaves. For each segment whose
// version overhead or staleness crosses the configured threshold, it
// prunes the segment and rebuilds the vertex-table entries it touches.
// No latch is held across segments: each is locked, processed, released
// by the Segment methods it calls.
func (s *Service) sweep() {
	if s.m != nil {
		s.m.MergerIterations.Inc()
	}
	snap := s.idx.Snapshot()
	hwm := s.hwm()
	seen := make(map[*segment.Leaf]bool)

	snap.Range(func(low key.Key, e index.Entry) bool {
		if seen[e.Leaf] {
			return true
		}
		seen[e.Leaf] = true
		for i := 0; i < e.Leaf.NumSegments(); i++ {
			s.maybePrune(e.Leaf, i, hwm)
		}
		return true
	})
}

func (s *Service) maybePrune(leaf *segment.Leaf, segID int, hwm uint64) {
	seg := leaf.Segment(segID)
	if seg == nil {
		return
	}
	due := seg.TimeSinceRebalanced() >= s.cfg.StaleAfter || seg.FillRatio() > 0.5
	if !due {
		return
	}
	n := seg.Prune(hwm)
	if n > 0 && s.m != nil {
		s.m.PrunePasses.Inc()
		s.m.PrunedWords.Add(float64(n))
	}
	s.rebuildVertexTable(leaf, segID)
}

// rebuildVertexTable walks the segment's live vertex records and
// refreshes their cached vtable pointers, the merger's exclusive write
// responsibility per spec.md section 4.9.
func (s *Service) rebuildVertexTable(leaf *segment.Leaf, segID int) {
	seg := leaf.Segment(segID)
	low := seg.LowFence()
	high, hasHigh := leaf.HighFenceFor(segID)
	if !hasHigh {
		high = key.Max
	}
	view := segment.ReadView{TxnID: 0, ReadTS: ^uint64(0)}
	gen := seg.Latch.Version()
	_, err := seg.AuxPartial(view, low, high, func(vertexInternal uint64, degree int, isFirst bool) {
		if !isFirst {
			return
		}
		s.vt.Upsert(vertexInternal, vtable.DirectPointer{Leaf: leaf, SegmentID: segID, Generation: gen})
	})
	if err != nil {
		level.Debug(s.logger).Log("msg", "merger rebuild skipped, segment changed concurrently", "err", err)
		return
	}
}
