package aux

// Static is an immutable degree view built once from a completed
// degree_vector (spec.md section 4.10). It answers get_by_vertex_id in
// O(1) via one of two lookup structures chosen at build time:
//   - a direct-address table, when max_vertex_id/num_vertices < rho
//     (rho ~= 4), since the ID space is dense enough that a flat array
//     indexed by vertex_id wastes little space;
//   - an open-addressing hash over a power-of-two capacity otherwise.
type Static struct {
	vector []Entry // degree_vector, indexed by logical_id

	direct    []int32 // vertex_id -> logical_id, or -1; used when dense enough
	hashTable []int32 // open-addressing: slot -> logical_id, or -1
	hashMask  uint64
	useDirect bool
	maxVertex uint64
}

// rho is spec.md's density threshold for choosing the direct-address
// table over an open-addressing hash.
const rho = 4

// BuildStatic constructs a Static view from a completed degree_vector.
// vector is assumed already in logical_id order (the order Build
// returns it in).
func BuildStatic(vector []Entry) *Static {
	s := &Static{vector: vector}
	if len(vector) == 0 {
		return s
	}
	maxID := uint64(0)
	for _, e := range vector {
		if e.VertexID > maxID {
			maxID = e.VertexID
		}
	}
	s.maxVertex = maxID

	if maxID > 0 && maxID/uint64(len(vector)) < rho {
		s.useDirect = true
		s.direct = make([]int32, maxID+1)
		for i := range s.direct {
			s.direct[i] = -1
		}
		for logical, e := range vector {
			s.direct[e.VertexID] = int32(logical)
		}
		return s
	}

	capacity := nextPow2(len(vector) * 2)
	s.hashTable = make([]int32, capacity)
	for i := range s.hashTable {
		s.hashTable[i] = -1
	}
	s.hashMask = uint64(capacity - 1)
	for logical, e := range vector {
		i := s.slotFor(e.VertexID)
		for s.hashTable[i] != -1 {
			i = (i + 1) & uint64(capacity-1)
		}
		s.hashTable[i] = int32(logical)
	}
	return s
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	if p < 1 {
		p = 1
	}
	return p
}

func (s *Static) slotFor(vertexID uint64) uint64 {
	h := vertexID * 0x9e3779b97f4a7c15
	return h & s.hashMask
}

// LogicalID returns the logical_id (index into the degree_vector) for
// vertexID, if present in this view.
func (s *Static) LogicalID(vertexID uint64) (int, bool) {
	if s.useDirect {
		if vertexID >= uint64(len(s.direct)) {
			return 0, false
		}
		l := s.direct[vertexID]
		if l < 0 {
			return 0, false
		}
		return int(l), true
	}
	if len(s.hashTable) == 0 {
		return 0, false
	}
	i := s.slotFor(vertexID)
	for probes := 0; probes <= len(s.hashTable); probes++ {
		l := s.hashTable[i]
		if l == -1 {
			return 0, false
		}
		if s.vector[l].VertexID == vertexID {
			return int(l), true
		}
		i = (i + 1) & s.hashMask
	}
	return 0, false
}

// Degree returns vertexID's degree as recorded at build time.
func (s *Static) Degree(vertexID uint64) (int, bool) {
	l, ok := s.LogicalID(vertexID)
	if !ok {
		return 0, false
	}
	return s.vector[l].Degree, true
}

// ByLogicalID returns the entry at the given logical_id.
func (s *Static) ByLogicalID(logicalID int) (Entry, bool) {
	if logicalID < 0 || logicalID >= len(s.vector) {
		return Entry{}, false
	}
	return s.vector[logicalID], true
}

// Len reports the number of vertices in the view.
func (s *Static) Len() int { return len(s.vector) }
