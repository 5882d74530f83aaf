// Package bench holds throughput/latency benchmarks for the Teseo
// engine, in the teacher's own bench/ package layout (one bench_test.go
// per module, run with `go test -bench`). Where the teacher compared its
// WAL implementation against a BoltDB baseline via its own
// benmathews/bench harness, these benchmarks compare Teseo operations
// against each other and record latency percentiles directly with
// HdrHistogram-go, since benmathews/bench and
// benmathews/hdrhistogram-writer are CLI report-generation harnesses
// with no API surface this in-process benchmark can drive (see
// DESIGN.md).
package bench

import (
	"fmt"
	"testing"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"

	teseo "github.com/teseo-db/teseo"
)

// newEngine builds a Teseo instance the way the teacher's own openWAL
// benchmark helper built a fresh WAL: constructed cheaply per
// sub-benchmark, with the tunables production code would use.
func newEngine(b *testing.B) (*teseo.Teseo, *teseo.ThreadHandle) {
	b.Helper()
	eng, err := teseo.New()
	if err != nil {
		b.Fatalf("teseo.New: %v", err)
	}
	b.Cleanup(func() { eng.Close() })
	h := eng.RegisterThread()
	b.Cleanup(h.UnregisterThread)
	return eng, h
}

// recordLatencies reports p50/p99/p99.9 (in microseconds) to b, the same
// handful-of-named-percentiles style the teacher reports via b.Logf in
// its own GetLogs benchmark.
func recordLatencies(b *testing.B, hist *hdrhistogram.Histogram) {
	b.Helper()
	b.ReportMetric(float64(hist.ValueAtQuantile(50))/1000, "p50-us")
	b.ReportMetric(float64(hist.ValueAtQuantile(99))/1000, "p99-us")
	b.ReportMetric(float64(hist.ValueAtQuantile(99.9))/1000, "p999-us")
}

// BenchmarkInsertVertex measures single-vertex insert_vertex latency
// across a range of pre-populated graph sizes, the direct analogue of
// the teacher's BenchmarkAppend varying entry size.
func BenchmarkInsertVertex(b *testing.B) {
	sizes := []int{0, 1_000, 100_000}
	for _, n := range sizes {
		b.Run(fmt.Sprintf("preexisting=%d", n), func(b *testing.B) {
			_, h := newEngine(b)
			seed(b, h, n)

			hist := hdrhistogram.New(1, 1_000_000_000, 3)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				start := time.Now()
				tx, err := h.StartTransaction(false)
				if err != nil {
					b.Fatalf("StartTransaction: %v", err)
				}
				if err := tx.InsertVertex(uint64(n + i)); err != nil {
					b.Fatalf("InsertVertex: %v", err)
				}
				if err := tx.Commit(); err != nil {
					b.Fatalf("Commit: %v", err)
				}
				hist.RecordValue(time.Since(start).Nanoseconds())
			}
			recordLatencies(b, hist)
		})
	}
}

// BenchmarkInsertEdge measures insert_edge latency against a
// pre-populated graph of varying density, mirroring the teacher's
// batchSize axis on BenchmarkAppend with an edge-count-per-vertex axis.
func BenchmarkInsertEdge(b *testing.B) {
	degrees := []int{1, 16, 256}
	for _, d := range degrees {
		b.Run(fmt.Sprintf("existingDegree=%d", d), func(b *testing.B) {
			_, h := newEngine(b)
			seedWithEdges(b, h, 1_000, d)

			hist := hdrhistogram.New(1, 1_000_000_000, 3)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				start := time.Now()
				tx, err := h.StartTransaction(false)
				if err != nil {
					b.Fatalf("StartTransaction: %v", err)
				}
				if err := tx.InsertEdge(0, uint64(2_000_000+i), 1, true); err != nil {
					b.Fatalf("InsertEdge: %v", err)
				}
				if err := tx.Commit(); err != nil {
					b.Fatalf("Commit: %v", err)
				}
				hist.RecordValue(time.Since(start).Nanoseconds())
			}
			recordLatencies(b, hist)
		})
	}
}

// BenchmarkDegree measures degree(id, logical=false) latency once the
// aux-view threshold of spec.md section 4.10 has been crossed, the
// Teseo-specific analogue of the teacher's BenchmarkGetLogs cold-path
// read benchmark.
func BenchmarkDegree(b *testing.B) {
	_, h := newEngine(b)
	seedWithEdges(b, h, 10_000, 8)

	tx, err := h.StartTransaction(true)
	if err != nil {
		b.Fatalf("StartTransaction: %v", err)
	}
	defer tx.Commit()

	hist := hdrhistogram.New(1, 1_000_000_000, 3)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		start := time.Now()
		if _, err := tx.Degree(uint64(i%10_000), false); err != nil {
			b.Fatalf("Degree: %v", err)
		}
		hist.RecordValue(time.Since(start).Nanoseconds())
	}
	recordLatencies(b, hist)
}

func seed(b *testing.B, h *teseo.ThreadHandle, n int) {
	b.Helper()
	tx, err := h.StartTransaction(false)
	if err != nil {
		b.Fatalf("StartTransaction: %v", err)
	}
	for i := 0; i < n; i++ {
		if err := tx.InsertVertex(uint64(i)); err != nil {
			b.Fatalf("InsertVertex: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		b.Fatalf("Commit: %v", err)
	}
}

func seedWithEdges(b *testing.B, h *teseo.ThreadHandle, numVertices, degree int) {
	b.Helper()
	tx, err := h.StartTransaction(false)
	if err != nil {
		b.Fatalf("StartTransaction: %v", err)
	}
	for i := 0; i < numVertices; i++ {
		if err := tx.InsertVertex(uint64(i)); err != nil {
			b.Fatalf("InsertVertex: %v", err)
		}
	}
	for i := 0; i < numVertices; i++ {
		for j := 0; j < degree; j++ {
			if err := tx.InsertEdge(uint64(i), uint64((i+j+1)%numVertices), int64(j), true); err != nil {
				b.Fatalf("InsertEdge: %v", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		b.Fatalf("Commit: %v", err)
	}
}
