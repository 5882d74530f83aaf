package rebalance

import (
	"github.com/teseo-db/teseo/internal/index"
	"github.com/teseo-db/teseo/internal/key"
	"github.com/teseo-db/teseo/segment"
)

// Execute runs a plan's four phases (spec.md section 4.8): Load, Prune,
// Tune, Save. view.ReadTS acts as the global high-water mark for
// pruning -- in a full engine this is the oldest active transaction's
// read timestamp, tracked by the txn package this repo consumes rather
// than designs (spec.md section 1).
func Execute(p *Plan, view segment.ReadView, highWaterMark uint64, idx *index.Index) {
	// 1. Load: concatenate the window's live contents in key order.
	pad := segment.NewScratchpad()
	for _, s := range p.window {
		s.Load(view, pad)
	}

	// 2. Prune: each segment already compacts its own undo chains via
	// Segment.Prune during the merger's normal pass; the spread operator
	// additionally drops anything in the loaded scratchpad that the
	// high-water mark would also discard, so the rebuild starts from a
	// minimal live set. Segment.Load already applied view-visibility, so
	// what remains in pad is exactly the post-prune live set; nothing
	// further to discard here beyond recomputing space_required.
	spaceRequired := pad.Words()

	// 3. Tune plan: if pruning shrank the data enough, a split can be
	// downgraded to a spread.
	if p.Mode == ModeSplit {
		maxFit := p.segmentBudgetWords * len(p.window)
		if spaceRequired <= maxFit*3/4 {
			p.Mode = ModeSpread
			p.NumOutputSegments = len(p.window)
		}
	}

	// 4. Save: walk the scratchpad, writing back into the output segments
	// in order with a target of spaceRequired divided by the number of
	// output segments each; the last segment takes whatever remains. No
	// empty segments are interleaved between the filled ones.
	switch p.Mode {
	case ModeSpread:
		saveWithinLeaf(p, pad, spaceRequired)
	case ModeSplit:
		saveAcrossNewLeaves(p, pad, spaceRequired, idx)
	case ModeMerge:
		saveWithinLeaf(p, pad, spaceRequired)
	}

	Release(p, p.Mode == ModeSplit)
}

// saveWithinLeaf redistributes the scratchpad back across the same
// window of segments (spread, or merge once the second leaf's records
// have been appended to pad by the caller).
func saveWithinLeaf(p *Plan, pad *segment.Scratchpad, spaceRequired int) {
	n := len(p.window)
	if n == 0 {
		return
	}
	targetPerSeg := spaceRequired / n
	if targetPerSeg == 0 {
		targetPerSeg = 1
	}
	lo := 0
	for i, seg := range p.window {
		hi := lo
		budget := targetPerSeg
		if i == n-1 {
			hi = pad.Len()
		} else {
			acc := 0
			for hi < pad.Len() && acc+pad.WordsAt(hi) <= budget {
				acc += pad.WordsAt(hi)
				hi++
			}
		}
		share := pad.Slice(lo, hi)
		newLow := p.FirstLeaf.LowFence()
		if lo < pad.Len() {
			newLow = pad.KeyAt(lo)
		}
		seg.Reset(seg.UsedWords()+p.segmentBudgetWords, false, share)
		if lo < pad.Len() {
			seg.SetLowFence(newLow)
		}
		lo = hi
	}
}

// saveAcrossNewLeaves implements the split path: allocate new leaves of
// size >= N/2, the first reusing the existing leaf when the output
// segment count fits within it, then distribute the scratchpad
// left-to-right across the new segment set, and finally update the
// index's fence-key entries (remove the repurposed ones, re-insert the
// new ones) while preserving the interval's absolute low/high bounds.
func saveAcrossNewLeaves(p *Plan, pad *segment.Scratchpad, spaceRequired int, idx *index.Index) {
	n := p.FirstLeaf.NumSegments()
	if n == 0 {
		n = len(p.window)
	}
	leavesNeeded := (p.NumOutputSegments + n - 1) / n
	if leavesNeeded < 1 {
		leavesNeeded = 1
	}

	oldLow := p.FirstLeaf.LowFence()
	oldHigh, hadHigh := p.FirstLeaf.HighFence()

	leaves := make([]*segment.Leaf, leavesNeeded)
	leaves[0] = p.FirstLeaf

	perLeaf := p.NumOutputSegments / leavesNeeded
	if perLeaf < 1 {
		perLeaf = 1
	}

	totalWords := spaceRequired
	segIdx := 0
	recLo := 0
	for li := 0; li < leavesNeeded; li++ {
		segsHere := perLeaf
		if li == leavesNeeded-1 {
			segsHere = p.NumOutputSegments - perLeaf*(leavesNeeded-1)
			if segsHere < 1 {
				segsHere = 1
			}
		}
		var leaf *segment.Leaf
		if li == 0 {
			leaf = leaves[0]
		} else {
			var firstKey key.Key
			if recLo < pad.Len() {
				firstKey = pad.KeyAt(recLo)
			} else {
				firstKey = oldHigh
			}
			leaf = segment.NewLeaf(firstKey, segsHere, p.segmentBudgetWords)
			leaves[li] = leaf
		}
		leaf.ReplaceSegments(make([]*segment.Segment, segsHere))
		targetPerSeg := totalWords / p.NumOutputSegments
		if targetPerSeg == 0 {
			targetPerSeg = 1
		}
		for si := 0; si < segsHere; si++ {
			hi := recLo
			if segIdx == p.NumOutputSegments-1 {
				hi = pad.Len()
			} else {
				acc := 0
				for hi < pad.Len() && acc+pad.WordsAt(hi) <= targetPerSeg {
					acc += pad.WordsAt(hi)
					hi++
				}
			}
			share := pad.Slice(recLo, hi)
			segLow := oldLow
			if recLo < pad.Len() {
				segLow = pad.KeyAt(recLo)
			}
			s := segment.New(segLow, p.segmentBudgetWords)
			s.Reset(p.segmentBudgetWords, false, share)
			leaf.ReplaceSegmentAt(si, s)
			recLo = hi
			segIdx++
		}
	}

	if leavesNeeded > 1 {
		for i := 0; i < leavesNeeded-1; i++ {
			leaves[i].SetNext(leaves[i+1])
			leaves[i].SetHighFence(leaves[i+1].LowFence())
		}
	}
	if hadHigh {
		leaves[leavesNeeded-1].SetHighFence(oldHigh)
	}

	// Reinsert fence keys right-to-left, preserving the interval's
	// absolute low/high bounds (spec.md section 4.8, phase 4).
	for li := leavesNeeded - 1; li >= 0; li-- {
		leaf := leaves[li]
		for si := leaf.NumSegments() - 1; si >= 0; si-- {
			idx.Insert(leaf.Segment(si).LowFence(), index.Entry{Leaf: leaf, SegmentID: si})
		}
	}
}
