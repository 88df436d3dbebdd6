// Package cluster implements the per-cluster slot state machine that
// serializes concurrent operations against the same logical cluster: reads,
// writes, allocation, copy-up, and relocation all pass through a slot before
// touching data or metadata, the way the teacher's queue package serializes
// per-tag completions with a state array guarded by per-tag mutexes.
package cluster

// State is the lifecycle state of one logical cluster's in-flight activity.
type State int

const (
	// Idle means no operation holds this cluster; the slot need not exist.
	Idle State = iota
	// Reading means a data read is in flight against this cluster's current
	// mapping.
	Reading
	// Writing means a data write is in flight against an already-allocated
	// physical cluster.
	Writing
	// Allocating means a physical cluster is being reserved (allocate-tail)
	// for a first write to this logical cluster in the top delta.
	Allocating
	// CopyingUp means data is being copied from a lower layer into a
	// newly allocated top-layer cluster before the write that triggered it
	// proceeds.
	CopyingUp
	// Relocating means the cluster's physical backing is being moved to a
	// new slot within the same delta by a standalone Relocate; grow moves
	// clusters while holding them Quiesced instead.
	Relocating
	// Quiesced means the slot is held deliberately idle for a structural
	// stack change (snapshot, grow) and new operations must wait.
	Quiesced
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Reading:
		return "reading"
	case Writing:
		return "writing"
	case Allocating:
		return "allocating"
	case CopyingUp:
		return "copying-up"
	case Relocating:
		return "relocating"
	case Quiesced:
		return "quiesced"
	default:
		return "unknown"
	}
}

// transitions lists the states a slot may move to directly from each state.
// Idle accepts any active state; any active state returns to Idle on
// completion; Quiesced is entered only from Idle and exited only to Idle.
var transitions = map[State]map[State]bool{
	Idle:       {Reading: true, Writing: true, Allocating: true, CopyingUp: true, Relocating: true, Quiesced: true},
	Reading:    {Idle: true},
	Writing:    {Idle: true},
	Allocating: {CopyingUp: true, Writing: true, Idle: true},
	CopyingUp:  {Writing: true, Idle: true},
	Relocating: {Idle: true},
	Quiesced:   {Idle: true},
}

func allowed(from, to State) bool {
	return transitions[from][to]
}
