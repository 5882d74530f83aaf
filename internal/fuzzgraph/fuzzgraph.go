// Package fuzzgraph generates randomized vertex/edge workloads and
// interleavings for the MVCC-isolation and rebalance-preservation
// property tests of spec.md section 8, using
// github.com/google/gofuzz the way the teacher's go.mod lists it
// (present but unexercised in the retrieved pack) -- this package is
// where it actually gets used.
package fuzzgraph

import (
	"math/rand"

	"github.com/google/gofuzz"
)

// OpKind is the kind of graph mutation a generated Op describes.
type OpKind int

const (
	OpInsertVertex OpKind = iota
	OpRemoveVertex
	OpInsertEdge
	OpRemoveEdge
)

// Op is one step of a generated workload.
type Op struct {
	Kind        OpKind
	VertexID    uint64
	Destination uint64
	Weight      int64
	Directed    bool
}

// Workload is a sequence of operations meant to be applied within a
// single transaction, plus whether the generator intends the
// transaction to commit or roll back -- used by the isolation property
// tests to check that an aborted transaction's effects are invisible.
type Workload struct {
	Ops          []Op
	ShouldCommit bool
}

// Generator produces randomized workloads over a bounded vertex ID
// space, biased so that edges usually reference already-inserted
// vertices (otherwise nearly every edge insert would race
// NotSureIfVertexExists against a vertex that never arrives).
type Generator struct {
	fuzzer    *fuzz.Fuzzer
	maxVertex uint64
	seenVerts []uint64
}

// New constructs a generator. seed controls gofuzz's internal random
// source; callers pass a fixed seed for reproducible property-test
// failures.
func New(seed int64, maxVertex uint64) *Generator {
	return &Generator{
		fuzzer:    fuzz.New().RandSource(rand.NewSource(seed)),
		maxVertex: maxVertex,
	}
}

// NextWorkload generates a workload of n operations.
func (g *Generator) NextWorkload(n int) Workload {
	w := Workload{Ops: make([]Op, 0, n)}
	for i := 0; i < n; i++ {
		w.Ops = append(w.Ops, g.nextOp())
	}
	var commit bool
	g.fuzzer.Fuzz(&commit)
	w.ShouldCommit = commit
	return w
}

func (g *Generator) nextOp() Op {
	var kindRoll uint8
	g.fuzzer.Fuzz(&kindRoll)

	if len(g.seenVerts) == 0 || kindRoll%4 == 0 {
		var v uint64
		g.fuzzer.Fuzz(&v)
		v = v%g.maxVertex + 1
		g.seenVerts = append(g.seenVerts, v)
		return Op{Kind: OpInsertVertex, VertexID: v}
	}

	switch kindRoll % 4 {
	case 1:
		return Op{Kind: OpRemoveVertex, VertexID: g.pickSeen()}
	case 2:
		var w int64
		g.fuzzer.Fuzz(&w)
		return Op{
			Kind:        OpInsertEdge,
			VertexID:    g.pickSeen(),
			Destination: g.pickSeen(),
			Weight:      w,
			Directed:    kindRoll%8 < 4,
		}
	default:
		return Op{
			Kind:        OpRemoveEdge,
			VertexID:    g.pickSeen(),
			Destination: g.pickSeen(),
		}
	}
}

func (g *Generator) pickSeen() uint64 {
	if len(g.seenVerts) == 0 {
		return 1
	}
	var i uint32
	g.fuzzer.Fuzz(&i)
	return g.seenVerts[int(i)%len(g.seenVerts)]
}
