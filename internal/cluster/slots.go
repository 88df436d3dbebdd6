package cluster

import (
	"fmt"
	"sync"
)

// Slot tracks one logical cluster's current activity and lets waiters block
// until it returns to Idle.
type Slot struct {
	mu      sync.Mutex
	cond    *sync.Cond
	state   State
	waiters int // operations blocked waiting for this slot to go Idle
}

func newSlot() *Slot {
	s := &Slot{state: Idle}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Table is the set of slots currently active for some stack. Logical
// cluster space is sparse (up to 2^32 entries), so slots are created on
// first use and removed once idle with no one else waiting on them, the
// way the teacher bounds active state to depth in-flight tags, except
// here the working set is whatever is actually busy rather than a fixed
// array.
type Table struct {
	mu    sync.Mutex // guards the slots map itself, never held during I/O
	slots map[uint32]*Slot
}

// NewTable creates an empty slot table.
func NewTable() *Table {
	return &Table{slots: make(map[uint32]*Slot)}
}

func (t *Table) getOrCreate(logical uint32) *Slot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[logical]
	if !ok {
		s = newSlot()
		t.slots[logical] = s
	}
	return s
}

func (t *Table) release(logical uint32, s *Slot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s.mu.Lock()
	idle := s.state == Idle && s.waiters == 0
	s.mu.Unlock()
	if idle {
		delete(t.slots, logical)
	}
}

// Enter blocks until logical's slot is Idle, then transitions it to
// target, returning a release function the caller must call (typically
// via defer) once the operation completes. Enter panics only on a
// programming error (an invalid transition is requested); in a correct
// caller this never happens since it always waits for Idle first.
func (t *Table) Enter(logical uint32, target State) func() {
	s := t.getOrCreate(logical)

	s.mu.Lock()
	for s.state != Idle {
		s.waiters++
		s.cond.Wait()
		s.waiters--
	}
	if !allowed(Idle, target) {
		s.mu.Unlock()
		panic(fmt.Sprintf("cluster: invalid transition idle -> %s", target))
	}
	s.state = target
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		s.state = Idle
		s.cond.Broadcast()
		s.mu.Unlock()
		t.release(logical, s)
	}
}

// Transition moves an already-held slot from its current state to mid,
// used for multi-step operations like Allocating -> CopyingUp -> Writing
// that hold the same slot throughout. It does not release the slot.
func (t *Table) Transition(logical uint32, mid State) error {
	t.mu.Lock()
	s, ok := t.slots[logical]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("cluster: transition on unheld slot %d", logical)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !allowed(s.state, mid) {
		return fmt.Errorf("cluster: invalid transition %s -> %s", s.state, mid)
	}
	s.state = mid
	return nil
}

// Quiesce blocks until every currently active slot for the given logical
// clusters is Idle, then marks each Quiesced, returning a release function.
// Used by stack structural operations (snapshot, grow) that must not race
// with in-flight I/O against the clusters they touch.
func (t *Table) Quiesce(logicals []uint32) func() {
	releases := make([]func(), 0, len(logicals))
	for _, l := range logicals {
		releases = append(releases, t.Enter(l, Quiesced))
	}
	return func() {
		for _, r := range releases {
			r()
		}
	}
}

// QuiesceAll blocks until all currently tracked slots are idle and marks
// them Quiesced, used by whole-stack operations (snapshot, grow's final
// commit) where enumerating every logical cluster up front isn't
// practical. New slot creation is not blocked by QuiesceAll: a request for
// a cluster with no tracked slot at the time of the call proceeds without
// waiting.
func (t *Table) QuiesceAll() func() {
	t.mu.Lock()
	logicals := make([]uint32, 0, len(t.slots))
	for l := range t.slots {
		logicals = append(logicals, l)
	}
	t.mu.Unlock()
	return t.Quiesce(logicals)
}

// Active reports how many slots are currently tracked (non-idle or has
// waiters), useful for diagnostics and tests.
func (t *Table) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}
