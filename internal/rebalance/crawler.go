package rebalance

import (
	"github.com/teseo-db/teseo/internal/errs"
	"github.com/teseo-db/teseo/internal/index"
	"github.com/teseo-db/teseo/segment"
)

// crawlerID is a monotonically increasing tag used for the "lower-address
// segment wins" tie-break of spec.md section 4.7. The crawler itself has
// no stable address in Go (it's a local call stack, not a long-lived
// object), so the tag stands in for it.
type crawlerID struct{ n int }

func (c *crawlerID) less(o *crawlerID) bool { return c.n < o.n }

var crawlerSeq int

func newCrawlerID() *crawlerID {
	crawlerSeq++
	return &crawlerID{n: crawlerSeq}
}

// Acquire walks left and right from startID within leaf, acquiring each
// neighbouring segment it reaches (only startID itself must have
// RebalanceRequested set), until it either
// accumulates enough live-word capacity to absorb the imbalance (a
// spread), runs off the end of the leaf (a split), or collides with
// another crawler (a merge attempt that throws RebalanceNotNecessary).
//
// segmentBudgetWords is the per-segment qword budget new output segments
// will be built with. idx is not consulted: the window never extends
// beyond leaf, and callers may pass nil.
func Acquire(idx *index.Index, leaf *segment.Leaf, startID int, segmentBudgetWords int) (*Plan, error) {
	if !leaf.Segment(startID).Latch.RebalanceRequested() {
		return nil, errs.RebalanceNotNecessary
	}

	me := newCrawlerID()
	leaf.Lock()
	defer leaf.Unlock()

	lo, hi := startID, startID+1
	var window []*segment.Segment

	seg := leaf.Segment(startID)
	if err := enter(seg, me); err != nil {
		return nil, err
	}
	window = append(window, seg)

	capacityWords := segmentBudgetWords
	used := seg.UsedWords()

	for used > capacityWords*3/4 && (lo > 0 || hi < leaf.NumSegments()) {
		expandLeft := lo > 0
		expandRight := hi < leaf.NumSegments()
		if expandLeft && expandRight {
			// Prefer the side under more pressure.
			if leaf.Segment(lo-1).FillRatio() < leaf.Segment(hi).FillRatio() {
				expandLeft = false
			} else {
				expandRight = false
			}
		}
		if expandLeft {
			cand := leaf.Segment(lo - 1)
			if err := enter(cand, me); err != nil {
				releaseAll(window)
				return nil, err
			}
			window = append([]*segment.Segment{cand}, window...)
			lo--
			used += cand.UsedWords()
			continue
		}
		if expandRight {
			cand := leaf.Segment(hi)
			if err := enter(cand, me); err != nil {
				releaseAll(window)
				return nil, err
			}
			window = append(window, cand)
			used += cand.UsedWords()
			hi++
			continue
		}
		break
	}

	mode := ModeSpread
	if lo == 0 && hi == leaf.NumSegments() && used > capacityWords*3/4 {
		mode = ModeSplit
	}

	outN := len(window)
	if mode == ModeSplit {
		outN = (used*2 + capacityWords - 1) / capacityWords
		if outN < len(window) {
			outN = len(window)
		}
	}

	return &Plan{
		FirstLeaf:          leaf,
		LastLeaf:           leaf,
		WindowLow:          lo,
		WindowHigh:         hi,
		window:             window,
		NumOutputSegments:  outN,
		Mode:               mode,
		CardinalityUB:      used,
		segmentBudgetWords: segmentBudgetWords,
	}, nil
}

// enter acquires seg in REBAL state and installs me as its crawler
// reference. If seg is already claimed by another crawler, the existing
// claim always stands: enter returns errs.RebalanceNotNecessary without
// blocking, whichever of the two crawler ids is lower.
func enter(seg *segment.Segment, me *crawlerID) error {
	if existing, ok := seg.CrawlerRef().(*crawlerID); ok && existing != nil {
		if me.less(existing) {
			return errs.RebalanceNotNecessary
		}
		return errs.RebalanceNotNecessary
	}
	seg.Latch.RebalancerEnter()
	seg.SetCrawlerRef(me)
	return nil
}

// releaseAll releases every segment acquired so far without marking
// them invalid, used when Acquire must abort partway through.
func releaseAll(window []*segment.Segment) {
	for _, s := range window {
		s.ClearCrawlerRef()
		s.Latch.RebalancerExit(false)
	}
}

// Release hands every segment in the plan's window back to FREE state,
// invalidating them first if invalidate is true (used once the spread
// operator's Save phase has finished writing the replacement segments).
func Release(p *Plan, invalidate bool) {
	for _, s := range p.window {
		s.ClearCrawlerRef()
		s.Latch.RebalancerExit(invalidate)
	}
}
