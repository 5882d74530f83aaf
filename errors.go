package teseo

import (
	"errors"

	"github.com/teseo-db/teseo/internal/errs"
)

// Re-exported sentinel and typed errors (spec.md section 7), mirroring
// the teacher's wal.go pattern of re-exporting its types package's
// sentinels at the root (var ErrNotFound = types.ErrNotFound, ...).
var (
	// ErrInternal wraps an invariant violation; not recoverable, and
	// terminates the transaction that observed it.
	ErrInternal = errs.InternalError

	// ErrReadOnly is returned when a mutation is attempted on a
	// transaction started with ReadOnly: true.
	ErrReadOnly = errs.NewLogical("mutation attempted on a read-only transaction")

	// ErrClosed is returned by Commit, Rollback and the mutating methods
	// of a Transaction (InsertVertex, RemoveVertex, InsertEdge,
	// RemoveEdge) once Commit or Rollback has already run. Read methods
	// and the Teseo instance itself do not check for it.
	ErrClosed = errors.New("teseo: use of closed handle")

	// ErrVertexAlreadyExists, ErrVertexDoesNotExist, ErrEdgeAlreadyExists
	// and ErrEdgeDoesNotExist are the LogicalError values named by
	// spec.md section 7 for insert_vertex/remove_vertex/insert_edge/
	// remove_edge called against a state that would violate the graph's
	// set semantics.
	ErrVertexAlreadyExists = errs.NewLogical("vertex already exists")
	ErrVertexDoesNotExist  = errs.NewLogical("vertex does not exist")
	ErrEdgeAlreadyExists   = errs.NewLogical("edge already exists")
	ErrEdgeDoesNotExist    = errs.NewLogical("edge does not exist")

	// ErrInvalidLogicalID is returned by logical_id/vertex_id/degree(...,
	// logical: true) when the given logical identifier falls outside
	// [0, num_vertices) of the aux view actually built.
	ErrInvalidLogicalID = errs.NewLogical("invalid logical vertex identifier")
)

// LogicalError is the user-visible error family of spec.md section 7:
// vertex/edge duplicate or absent, a mutation on a read-only
// transaction, or an out-of-range logical ID.
type LogicalError = errs.Logical

// IsLogicalError reports whether err is a LogicalError, following the
// teacher's errors.Is/As-based error inspection idiom.
func IsLogicalError(err error) bool {
	var le *LogicalError
	return errors.As(err, &le)
}
