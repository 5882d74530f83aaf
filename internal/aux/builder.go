// Package aux implements the auxiliary view builder and its two view
// flavors of spec.md section 4.10: a dense degree_vector of (vertex_id,
// degree) pairs indexed by logical_id, exposed either as an immutable
// static view or a concurrently-mutable dynamic view backed by the
// counting B+-tree (internal/aux/counting).
package aux

import (
	"sort"
	"sync"

	"github.com/teseo-db/teseo/internal/index"
	"github.com/teseo-db/teseo/internal/key"
	"github.com/teseo-db/teseo/segment"
)

// Entry is one row of the degree_vector: a vertex and its total degree
// across every segment its edge list spans.
type Entry struct {
	VertexID uint64
	Degree   int
}

// partialResult is what one worker produces for its assigned key range.
// Entries at the very start of the range may be a continuation of a
// vertex whose record began in a preceding range (dummy, non-"first"
// vertex records); the builder merges those into the preceding worker's
// last entry for the same vertex_id.
type partialResult struct {
	rangeIdx int
	entries  []Entry
	// leadingContinuation is true if this range's first entry is a
	// continuation of a vertex started in the previous range.
	leadingContinuation bool
}

// Build partitions [key.Min, key.Max) into numWorkers contiguous ranges
// over idx's current leaves, scans each range concurrently, and merges
// the results in range order into a single dense degree_vector.
func Build(idx *index.Index, view segment.ReadView, numWorkers int) []Entry {
	if numWorkers < 1 {
		numWorkers = 1
	}
	bounds := rangeBounds(idx, numWorkers)
	results := make([]partialResult, len(bounds)-1)

	var wg sync.WaitGroup
	for i := 0; i < len(bounds)-1; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = scanRange(idx, view, bounds[i], bounds[i+1], i)
		}(i)
	}
	wg.Wait()

	return mergeResults(results)
}

// rangeBounds returns numWorkers+1 key boundaries spanning
// [key.Min, key.Max] derived from the index's current fence keys, so
// each worker's range aligns with leaf/segment boundaries rather than
// splitting a segment across two workers.
func rangeBounds(idx *index.Index, numWorkers int) []key.Key {
	var fences []key.Key
	idx.Snapshot().Range(func(low key.Key, e index.Entry) bool {
		fences = append(fences, low)
		return true
	})
	sort.Slice(fences, func(i, j int) bool { return fences[i].Less(fences[j]) })
	if len(fences) == 0 {
		return []key.Key{key.Min, key.Max}
	}
	step := len(fences) / numWorkers
	if step < 1 {
		step = 1
	}
	bounds := []key.Key{key.Min}
	for i := step; i < len(fences); i += step {
		bounds = append(bounds, fences[i])
	}
	bounds = append(bounds, key.Max)
	return bounds
}

// scanRange optimistically scans every segment whose fence-key range
// intersects [from, to) and accumulates per-vertex degree entries.
func scanRange(idx *index.Index, view segment.ReadView, from, to key.Key, rangeIdx int) partialResult {
	var entries []Entry
	leading := false

	visited := make(map[visitKey]bool)
	k := from
	for {
		e, ok := idx.Find(k)
		if !ok {
			break
		}
		vk := visitKey{leaf: e.Leaf, seg: e.SegmentID}
		if visited[vk] {
			break
		}
		visited[vk] = true

		seg := e.Leaf.Segment(e.SegmentID)
		for {
			segEntriesStart := len(entries)
			first := len(entries) == 0
			firstAtStart := leading
			_, err := seg.AuxPartial(view, from, to, func(vertexInternal uint64, degree int, isFirst bool) {
				if first && !isFirst {
					leading = true
				}
				first = false
				if n := len(entries); n > 0 && entries[n-1].VertexID == vertexInternal {
					entries[n-1].Degree += degree
					return
				}
				entries = append(entries, Entry{VertexID: vertexInternal, Degree: degree})
			})
			if err != nil {
				// A concurrent rebalance invalidated this segment's
				// optimistic read; discard whatever this pass appended
				// and retry rather than silently under-counting.
				entries = entries[:segEntriesStart]
				leading = firstAtStart
				continue
			}
			break
		}

		high, hasHigh := e.Leaf.HighFenceFor(e.SegmentID)
		if !hasHigh || !high.Less(to) {
			break
		}
		k = high
	}
	return partialResult{rangeIdx: rangeIdx, entries: entries, leadingContinuation: leading}
}

// DegreeDirect walks the store directly to compute one vertex's degree
// without requiring a full aux view, per spec.md section 4.10 ("a
// transaction's first few degree queries may be answered by walking the
// store directly"). It reuses scanRange's cross-segment merge so a
// vertex whose edge list spans more than one segment is still summed
// correctly.
func DegreeDirect(idx *index.Index, view segment.ReadView, internalID uint64) (int, bool) {
	from := key.VertexKey(internalID)
	to := key.EdgeKey(internalID+1, 0)
	res := scanRange(idx, view, from, to, 0)
	for _, e := range res.entries {
		if e.VertexID == internalID {
			return e.Degree, true
		}
	}
	return 0, false
}

type visitKey struct {
	leaf any
	seg  int
}

// mergeResults joins adjacent partial results in range order, merging a
// leading-continuation entry into the previous range's trailing entry
// for the same vertex_id (spec.md section 4.10: "the merger joins
// adjacent entries sharing a vertex_id because a vertex's edges may
// span the range boundary").
func mergeResults(results []partialResult) []Entry {
	var out []Entry
	for _, r := range results {
		entries := r.entries
		if r.leadingContinuation && len(out) > 0 && len(entries) > 0 && out[len(out)-1].VertexID == entries[0].VertexID {
			out[len(out)-1].Degree += entries[0].Degree
			entries = entries[1:]
		}
		out = append(out, entries...)
	}
	return out
}
