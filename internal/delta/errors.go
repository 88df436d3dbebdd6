package delta

import "errors"

var (
	errWriteBeyondEnd = errors.New("delta: write beyond end of backing file")

	// ErrIncompatibleClusterSize is returned when a delta is created or
	// opened with a cluster_shift outside the supported range. Cluster sizes
	// are not compared across the layers of a stack.
	ErrIncompatibleClusterSize = errors.New("delta: incompatible cluster size")

	// ErrUnsupportedVersion is returned when a header's version field is
	// not one this engine understands.
	ErrUnsupportedVersion = errors.New("delta: unsupported version")

	// ErrOutOfRange is returned by PlanGrow when the requested virtual size
	// does not exceed the current one.
	ErrOutOfRange = errors.New("delta: logical cluster out of range")

	// ErrReadOnly is returned when a mutation is attempted against a
	// read-only delta.
	ErrReadOnly = errors.New("delta: delta is read-only")

	// ErrHoleEntry is returned by ReassignPhysical/Relocate primitives when
	// the logical cluster named has no mapping to move.
	ErrHoleEntry = errors.New("delta: logical cluster has no physical mapping")
)
