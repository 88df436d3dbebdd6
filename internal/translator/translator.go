// Package translator splits an incoming request against a ploop stack's
// virtual address space into per-cluster sub-requests, dispatches each
// through the cluster slot state machine, and tracks completion with a
// pending-count/first-error-wins parent the way the teacher's runner
// tracks per-tag completions, generalized from one tag per I/O to one
// sub-request per cluster touched.
package translator

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ploop/ploop/internal/cluster"
	"github.com/ploop/ploop/internal/delta"
	"github.com/ploop/ploop/internal/metapipeline"
	"github.com/ploop/ploop/internal/queue"
	"github.com/ploop/ploop/internal/stack"
)

// Op identifies the kind of request being translated.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpFlush
)

// Request is one caller-facing I/O: a byte range, in bytes, against the
// stack's virtual address space. Offset and Length must be
// sector-aligned but may start and end anywhere within a cluster; callers
// (e.g. the public engine API) are responsible for alignment validation
// before reaching the translator.
type Request struct {
	Op     Op
	Offset int64 // byte offset
	Length int64 // byte length
	Data   []byte
}

// parent tracks one in-flight Request's sub-requests: a pending count and
// first-error-wins, exactly the teacher's pattern of one outcome per
// logical I/O built from many completions.
type parent struct {
	pending int64
	firstMu sync.Mutex
	first   error
	done    chan struct{}
}

func newParent(n int) *parent {
	return &parent{pending: int64(n), done: make(chan struct{})}
}

func (p *parent) fail(err error) {
	if err == nil {
		return
	}
	p.firstMu.Lock()
	if p.first == nil {
		p.first = err
	}
	p.firstMu.Unlock()
}

func (p *parent) complete() {
	if atomic.AddInt64(&p.pending, -1) == 0 {
		close(p.done)
	}
}

func (p *parent) wait(ctx context.Context) error {
	select {
	case <-p.done:
		p.firstMu.Lock()
		defer p.firstMu.Unlock()
		return p.first
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Translator dispatches Requests against a stack.
type Translator struct {
	stack    *stack.Stack
	slots    *cluster.Table
	pipeline *metapipeline.Pipeline
}

// New builds a Translator over the given stack, slot table, and metadata
// pipeline.
func New(s *stack.Stack, slots *cluster.Table, pipeline *metapipeline.Pipeline) *Translator {
	return &Translator{stack: s, slots: slots, pipeline: pipeline}
}

// Submit splits req into per-cluster sub-requests and waits for all of
// them to complete, returning the first error encountered, if any. A
// Flush bypasses per-cluster dispatch entirely (a barrier applies to the
// whole stack, not a cluster range) and goes straight to the metadata
// pipeline.
func (tr *Translator) Submit(ctx context.Context, req Request) error {
	if req.Op == OpFlush {
		return tr.pipeline.Barrier(ctx)
	}
	if req.Length == 0 {
		return nil
	}

	clusterSize := tr.stack.Top().ClusterSize()
	firstCluster := uint32(req.Offset / clusterSize)
	lastCluster := uint32((req.Offset + req.Length - 1) / clusterSize)
	n := int(lastCluster-firstCluster) + 1

	p := newParent(n)
	for i := 0; i < n; i++ {
		logical := firstCluster + uint32(i)
		clusterStart := int64(logical) * clusterSize
		// lo/hi index into req.Data, relative to req.Offset, covering the
		// part of the request that falls within this cluster.
		lo := clusterStart - req.Offset
		hi := lo + clusterSize
		if lo < 0 {
			lo = 0
		}
		if hi > int64(len(req.Data)) {
			hi = int64(len(req.Data))
		}
		// offsetInCluster is where that slice begins within the cluster
		// itself: nonzero only for the first cluster of an unaligned
		// request, since every later cluster's slice starts at its own
		// byte 0 (sector alignment is enforced by the caller; cluster
		// alignment is not, per spec §4.1).
		offsetInCluster := (req.Offset + lo) - clusterStart
		var slice []byte
		if lo < hi {
			slice = req.Data[lo:hi]
		}
		go tr.dispatchCluster(ctx, req.Op, logical, offsetInCluster, slice, p)
	}
	return p.wait(ctx)
}

func (tr *Translator) dispatchCluster(ctx context.Context, op Op, logical uint32, offsetInCluster int64, data []byte, p *parent) {
	defer p.complete()

	switch op {
	case OpRead:
		p.fail(tr.doRead(logical, offsetInCluster, data))
	case OpWrite:
		p.fail(tr.doWrite(ctx, logical, offsetInCluster, data))
	}
}

func (tr *Translator) doRead(logical uint32, offsetInCluster int64, data []byte) error {
	release := tr.slots.Enter(logical, cluster.Reading)
	defer release()

	layer, phys, found := tr.stack.Resolve(logical)
	if !found {
		for i := range data {
			data[i] = 0
		}
		return nil
	}
	return layer.ReadCluster(phys, offsetInCluster, data)
}

func (tr *Translator) doWrite(ctx context.Context, logical uint32, offsetInCluster int64, data []byte) error {
	top := tr.stack.Top()

	// The slot is entered as Allocating and moves to Writing as soon as the
	// top layer turns out to map the cluster already: Writing has no
	// transition back to Allocating.
	release := tr.slots.Enter(logical, cluster.Allocating)
	defer release()

	if phys, ok := top.Lookup(logical); ok {
		if err := tr.slots.Transition(logical, cluster.Writing); err != nil {
			return err
		}
		return tr.writeAndCommit(ctx, top, logical, phys, offsetInCluster, data)
	}

	imageTop, ok := top.(*delta.ImageDelta)
	if !ok {
		return delta.ErrReadOnly
	}
	phys, err := imageTop.ReserveTail()
	if err != nil {
		return err
	}

	if err := tr.slots.Transition(logical, cluster.CopyingUp); err != nil {
		return err
	}
	merged, pooled, err := tr.mergeForCopyUp(logical, imageTop, offsetInCluster, data)
	if err != nil {
		return err
	}
	if pooled {
		defer queue.PutBuffer(imageTop.ClusterShift(), merged)
	}

	if err := tr.slots.Transition(logical, cluster.Writing); err != nil {
		return err
	}
	return tr.writeAndCommit(ctx, imageTop, logical, phys, 0, merged)
}

// mergeForCopyUp returns the full-cluster buffer to write into a freshly
// allocated top cluster: the nearest lower layer's contents (zero if none)
// with writeData overlaid at offsetInCluster, so a partial-cluster write
// never leaves stale or undefined bytes beside it and lands at the correct
// position rather than always at the cluster's start. For a cluster-sized
// write starting at offset 0 it returns writeData unchanged and
// pooled=false, since that buffer belongs to the caller, not the pool.
// Otherwise the scratch buffer comes from the cluster-shift-bucketed pool
// and pooled=true tells the caller to return it once the write has been
// issued.
func (tr *Translator) mergeForCopyUp(logical uint32, top delta.Layer, offsetInCluster int64, writeData []byte) ([]byte, bool, error) {
	if offsetInCluster == 0 && int64(len(writeData)) == top.ClusterSize() {
		return writeData, false, nil
	}
	buf := queue.GetBuffer(top.ClusterShift())
	for i := range buf {
		buf[i] = 0
	}
	idx := tr.stack.IndexOf(top)
	if layer, lowerPhys, ok := tr.stack.ResolveBelow(logical, idx); ok {
		if err := layer.ReadCluster(lowerPhys, 0, buf); err != nil {
			queue.PutBuffer(top.ClusterShift(), buf)
			return nil, false, err
		}
	}
	copy(buf[offsetInCluster:], writeData)
	return buf, true, nil
}

func (tr *Translator) writeAndCommit(ctx context.Context, layer delta.Layer, logical, phys uint32, offsetInCluster int64, data []byte) error {
	imageLayer, isImage := layer.(*delta.ImageDelta)
	if !isImage {
		return layer.WriteCluster(phys, offsetInCluster, data)
	}

	if err := imageLayer.WriteCluster(phys, offsetInCluster, data); err != nil {
		return err
	}

	gen, err := tr.pipeline.StageDirty(ctx, imageLayer, logical, phys)
	if err != nil {
		return err
	}
	_ = gen
	return nil
}
