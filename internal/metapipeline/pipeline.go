// Package metapipeline implements the metadata commit pipeline: the
// background worker that batches dirty BAT pages into generation-tagged
// transactions, applies the write-pages / barrier / bump-generation /
// barrier commit order that gives crash consistency its meaning. Only a
// Barrier caller waits for a transaction to become durable; a staged write
// returns without waiting for its commit. Grounded on the teacher's ioLoop:
// one goroutine, pinned to an OS thread, driven by a wake channel instead
// of io_uring completions.
package metapipeline

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ploop/ploop/internal/constants"
	"github.com/ploop/ploop/internal/delta"
	"github.com/ploop/ploop/internal/logging"
)

// ErrMetadataBackpressure is returned by StageDirty when a delta's dirty
// page count has reached its backpressure watermark; the caller should
// treat this as a transient condition and retry once a commit drains it.
type ErrMetadataBackpressure struct {
	DeltaID string
}

func (e *ErrMetadataBackpressure) Error() string {
	return fmt.Sprintf("metapipeline: delta %s at dirty page backpressure watermark", e.DeltaID)
}

// Config configures a Pipeline.
type Config struct {
	// BatchInterval is how often the pipeline wakes to check for dirty
	// pages absent an explicit Barrier.
	BatchInterval time.Duration
	// BackpressureWatermark is the dirty-page count per delta at which
	// StageDirty starts refusing new writes.
	BackpressureWatermark int
	// CPUAffinity optionally pins the pipeline goroutine to one CPU, the
	// way the teacher pins each queue's ioLoop.
	CPUAffinity int // -1 means no affinity
	Logger       *logging.Logger
}

// DefaultConfig returns the engine's default pipeline tuning.
func DefaultConfig() Config {
	return Config{
		BatchInterval:         constants.DefaultCommitBatchInterval,
		BackpressureWatermark: constants.DefaultBackpressureWatermark,
		CPUAffinity:           -1,
	}
}

// Pipeline owns the background commit worker for a set of registered
// deltas belonging to one stack.
type Pipeline struct {
	cfg Config

	mu      sync.Mutex
	deltas  map[string]*delta.ImageDelta
	genSeq  map[string]uint64 // next generation to assign per delta

	wake chan struct{} // buffered 1: coalesces multiple wake requests

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Pipeline and starts its background worker.
func New(cfg Config) *Pipeline {
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = constants.DefaultCommitBatchInterval
	}
	if cfg.BackpressureWatermark <= 0 {
		cfg.BackpressureWatermark = constants.DefaultBackpressureWatermark
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:    cfg,
		deltas: make(map[string]*delta.ImageDelta),
		genSeq: make(map[string]uint64),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}

	p.wg.Add(1)
	go p.run()
	return p
}

// RegisterDelta adds a delta to the set this pipeline commits. initialGen
// is the generation already persisted in the delta's header (so the next
// assigned generation is initialGen+1).
func (p *Pipeline) RegisterDelta(d *delta.ImageDelta, initialGen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deltas[d.ID()] = d
	p.genSeq[d.ID()] = initialGen + 1
}

// UnregisterDelta removes a delta (e.g. once merged away or closed).
func (p *Pipeline) UnregisterDelta(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.deltas, id)
	delete(p.genSeq, id)
}

// Close stops the background worker.
func (p *Pipeline) Close() {
	p.cancel()
	p.wg.Wait()
}

func (p *Pipeline) run() {
	defer p.wg.Done()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if p.cfg.CPUAffinity >= 0 {
		var mask unix.CPUSet
		mask.Set(p.cfg.CPUAffinity)
		if err := unix.SchedSetaffinity(0, &mask); err != nil && p.cfg.Logger != nil {
			p.cfg.Logger.Printf("metapipeline: failed to set CPU affinity to %d: %v", p.cfg.CPUAffinity, err)
		}
	}

	ticker := time.NewTicker(p.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.commitAll()
		case <-p.wake:
			p.commitAll()
		}
	}
}

func (p *Pipeline) requestWake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// StageDirty stages a BAT entry change through the delta's cache and
// requests a wake of the commit worker. It returns ErrMetadataBackpressure
// without staging anything if the delta is already at its dirty page
// watermark.
func (p *Pipeline) StageDirty(ctx context.Context, d *delta.ImageDelta, logical, physical uint32) (uint64, error) {
	if len(d.DirtyPages()) >= p.cfg.BackpressureWatermark {
		return 0, &ErrMetadataBackpressure{DeltaID: d.ID()}
	}

	p.mu.Lock()
	gen := p.genSeq[d.ID()]
	p.mu.Unlock()

	if _, err := d.MarkDirty(logical, physical, gen); err != nil {
		return 0, err
	}
	p.requestWake()
	return gen, nil
}

// Barrier forces an immediate commit cycle across every registered delta
// and blocks until it completes, satisfying a caller's flush request.
func (p *Pipeline) Barrier(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- p.commitAll() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// commitAll runs one commit transaction for every registered delta with
// dirty pages: assign a generation, write pages, barrier, bump header
// generation, barrier again, then release pins. This ordering is the sole
// mechanism that makes a crash mid-transaction resolve to either the old
// or the new mapping, never a mix.
func (p *Pipeline) commitAll() error {
	p.mu.Lock()
	targets := make([]*delta.ImageDelta, 0, len(p.deltas))
	for _, d := range p.deltas {
		targets = append(targets, d)
	}
	p.mu.Unlock()

	var firstErr error
	for _, d := range targets {
		if err := p.commitOne(d); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *Pipeline) commitOne(d *delta.ImageDelta) error {
	dirty := d.DirtyPages()
	if len(dirty) == 0 {
		return nil
	}

	p.mu.Lock()
	gen := p.genSeq[d.ID()]
	p.mu.Unlock()

	encoded := d.BeginCommit(dirty, gen)
	for i, idx := range dirty {
		if i >= len(encoded) {
			break
		}
		if err := d.WritePage(idx, encoded[i]); err != nil {
			d.AbortCommit(dirty)
			return err
		}
	}
	if err := d.Flush(); err != nil {
		d.AbortCommit(dirty)
		return err
	}
	if err := d.WriteHeader(gen); err != nil {
		d.AbortCommit(dirty)
		return err
	}
	if err := d.Flush(); err != nil {
		d.AbortCommit(dirty)
		return err
	}
	d.CompleteCommit(dirty, gen)

	p.mu.Lock()
	p.genSeq[d.ID()] = gen + 1
	p.mu.Unlock()

	if p.cfg.Logger != nil {
		p.cfg.Logger.Debugf("metapipeline: committed delta %s generation %d (%d pages)", d.ID(), gen, len(dirty))
	}
	return nil
}
