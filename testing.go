package ploop

import (
	"errors"
	"sync"

	"github.com/ploop/ploop/internal/delta"
)

// ErrInjectedFault is returned by FaultInjectingFile when a configured
// failure triggers.
var ErrInjectedFault = errors.New("ploop: injected fault")

// FaultInjectingFile wraps a delta.BackingFile and lets tests
// deterministically fail or drop specific operations, the way a
// crash-consistency test needs to simulate a torn write or a barrier that
// never reaches disk. Wrapping rather than reimplementing BackingFile
// keeps the underlying storage semantics (a MemFile or an OSFile) exactly
// as they'd behave in production; only the fault points are synthetic.
type FaultInjectingFile struct {
	inner delta.BackingFile

	mu         sync.Mutex
	readCalls  int
	writeCalls int
	syncCalls  int
	failReads  int  // remaining ReadAt calls to fail
	failWrites int  // remaining WriteAt calls to fail
	failSyncs  int  // remaining Sync calls to fail
	dropWrites bool // WriteAt reports success without mutating storage
	syncedOnce bool
}

// NewFaultInjectingFile wraps inner with fault-injection hooks.
func NewFaultInjectingFile(inner delta.BackingFile) *FaultInjectingFile {
	return &FaultInjectingFile{inner: inner}
}

// FailNextReads arranges for the next n ReadAt calls to return ErrInjectedFault.
func (f *FaultInjectingFile) FailNextReads(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failReads = n
}

// FailNextWrites arranges for the next n WriteAt calls to return ErrInjectedFault.
func (f *FaultInjectingFile) FailNextWrites(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites = n
}

// FailNextSyncs arranges for the next n Sync calls to return
// ErrInjectedFault, simulating an fdatasync that never reached the
// platter.
func (f *FaultInjectingFile) FailNextSyncs(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSyncs = n
}

// SetDropWrites, when true, makes every subsequent WriteAt report success
// to the caller without mutating the underlying storage: a torn write that
// a crash recovery test can use to assert the old generation's data is
// still what gets read back after reopening.
func (f *FaultInjectingFile) SetDropWrites(drop bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropWrites = drop
}

func (f *FaultInjectingFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	f.readCalls++
	if f.failReads > 0 {
		f.failReads--
		f.mu.Unlock()
		return 0, ErrInjectedFault
	}
	f.mu.Unlock()
	return f.inner.ReadAt(p, off)
}

func (f *FaultInjectingFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	f.writeCalls++
	if f.failWrites > 0 {
		f.failWrites--
		f.mu.Unlock()
		return 0, ErrInjectedFault
	}
	drop := f.dropWrites
	f.mu.Unlock()
	if drop {
		return len(p), nil
	}
	return f.inner.WriteAt(p, off)
}

func (f *FaultInjectingFile) Sync() error {
	f.mu.Lock()
	f.syncCalls++
	if f.failSyncs > 0 {
		f.failSyncs--
		f.mu.Unlock()
		return ErrInjectedFault
	}
	f.syncedOnce = true
	f.mu.Unlock()
	return f.inner.Sync()
}

func (f *FaultInjectingFile) Truncate(size int64) error { return f.inner.Truncate(size) }
func (f *FaultInjectingFile) Size() int64               { return f.inner.Size() }
func (f *FaultInjectingFile) Close() error              { return f.inner.Close() }

// CallCounts reports how many times each operation has been invoked, for
// assertions that a commit's write/barrier/write/barrier ordering held.
func (f *FaultInjectingFile) CallCounts() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]int{
		"read":  f.readCalls,
		"write": f.writeCalls,
		"sync":  f.syncCalls,
	}
}

// HasSynced reports whether Sync has ever succeeded.
func (f *FaultInjectingFile) HasSynced() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncedOnce
}

var _ delta.BackingFile = (*FaultInjectingFile)(nil)
