// Package rebalance implements the crawler and spread operator of
// spec.md sections 4.7 and 4.8: acquiring a contiguous window of
// REBAL-state segments, deciding whether to spread, split or merge, and
// executing that plan against the scratchpad API exposed by package
// segment. It is grounded in the teacher's own rotate/create/delete
// segment lifecycle in wal.go (rotateSegmentLocked, createNextSegment,
// deleteSegments), generalized from "append-only log rotation" to
// "in-place redistribution of a window of segments".
package rebalance

import (
	"github.com/teseo-db/teseo/internal/key"
	"github.com/teseo-db/teseo/segment"
)

// Mode is the crawler's chosen strategy for a window, per spec.md
// section 4.7.
type Mode int

const (
	ModeSpread Mode = iota
	ModeSplit
	ModeMerge
)

func (m Mode) String() string {
	switch m {
	case ModeSpread:
		return "spread"
	case ModeSplit:
		return "split"
	case ModeMerge:
		return "merge"
	default:
		return "unknown"
	}
}

// Plan is the crawler's output, consumed by the spread operator
// (spec.md section 4.7: "{ first_leaf, last_leaf, window_start,
// window_end, num_output_segments, mode, cardinality_ub }").
type Plan struct {
	FirstLeaf  *segment.Leaf
	LastLeaf   *segment.Leaf // equal to FirstLeaf except in ModeMerge
	WindowLow  int           // segment index, within FirstLeaf, of the first acquired segment
	WindowHigh int           // segment index, within LastLeaf, one past the last acquired segment

	// window holds the acquired segments themselves, in key order,
	// spanning FirstLeaf (and LastLeaf if the window reaches into the
	// next leaf).
	window []*segment.Segment

	NumOutputSegments int
	Mode              Mode
	CardinalityUB     int // upper bound on live records across the window

	segmentBudgetWords int
}

// Window returns the acquired segments in key order.
func (p *Plan) Window() []*segment.Segment { return p.window }
