// Package key defines the ordered (source, destination) key space that
// every segment, leaf and index entry in Teseo is partitioned by.
package key

import "encoding/binary"

// Key is the lexicographically ordered pair (source, destination) of
// internal (E2I-shifted) vertex IDs. destination == 0 denotes a vertex
// record; destination > 0 denotes the directed edge source -> destination.
type Key struct {
	Source      uint64
	Destination uint64
}

// Min and Max bound the entire key space: KEY_MIN = (0,0), KEY_MAX = (inf,inf).
var (
	Min = Key{Source: 0, Destination: 0}
	Max = Key{Source: ^uint64(0), Destination: ^uint64(0)}
)

// VertexKey builds the key of a vertex record for the given internal ID.
func VertexKey(internalID uint64) Key {
	return Key{Source: internalID, Destination: 0}
}

// EdgeKey builds the key of a directed edge record.
func EdgeKey(srcInternal, dstInternal uint64) Key {
	return Key{Source: srcInternal, Destination: dstInternal}
}

// IsVertex reports whether k addresses a vertex record rather than an edge.
func (k Key) IsVertex() bool { return k.Destination == 0 }

// Less implements the total order required by the fat-tree index and by
// every sorted run inside a sparse/dense file.
func (k Key) Less(o Key) bool {
	if k.Source != o.Source {
		return k.Source < o.Source
	}
	return k.Destination < o.Destination
}

// Compare returns -1, 0 or 1, matching the Comparer contract consumed by
// the ordered index (see internal/index).
func (k Key) Compare(o Key) int {
	switch {
	case k.Source < o.Source:
		return -1
	case k.Source > o.Source:
		return 1
	case k.Destination < o.Destination:
		return -1
	case k.Destination > o.Destination:
		return 1
	default:
		return 0
	}
}

// InRange reports whether k lies in [low, high) using the half-open fence
// key convention of spec.md section 4.3/4.4. A zero-value high is treated
// as +infinity so that a leaf's trailing segment (whose high fence key is
// the leaf's own, possibly-unset, high fence) never spuriously rejects.
func (k Key) InRange(low, high Key, hasHigh bool) bool {
	if k.Less(low) {
		return false
	}
	if !hasHigh {
		return true
	}
	return k.Less(high)
}

// Encode produces the big-endian 16-byte wire form used by anything that
// needs a totally ordered byte representation of a Key (fuzz corpus
// dumps, bench harness labels). Not used for persistence -- Teseo keeps
// no durable state.
func (k Key) Encode() [16]byte {
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:8], k.Source)
	binary.BigEndian.PutUint64(b[8:16], k.Destination)
	return b
}

// ExternalToInternal applies the E2I offset: external vertex IDs are
// shifted by +1 internally so that 0 can denote "absent".
func ExternalToInternal(external uint64) uint64 { return external + 1 }

// InternalToExternal reverses ExternalToInternal. Calling it on 0 (the
// reserved "absent" sentinel) is a programming error in the caller.
func InternalToExternal(internal uint64) uint64 { return internal - 1 }
