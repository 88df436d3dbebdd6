// Package ploop provides the main API for a stacked, copy-on-write virtual
// block device: a chain of image deltas over an optional raw base, with
// crash-consistent metadata and structural operations (snapshot, merge,
// grow, relocate) layered over ordinary read/write/flush.
package ploop

import (
	"context"
	"fmt"
	"time"

	"github.com/ploop/ploop/internal/cluster"
	"github.com/ploop/ploop/internal/constants"
	"github.com/ploop/ploop/internal/ctrl"
	"github.com/ploop/ploop/internal/delta"
	"github.com/ploop/ploop/internal/logging"
	"github.com/ploop/ploop/internal/metapipeline"
	"github.com/ploop/ploop/internal/stack"
	"github.com/ploop/ploop/internal/translator"
)

// Engine is an open ploop stack: a base plus zero or more deltas, the
// per-cluster slot state machine serializing concurrent access, and the
// background metadata commit pipeline that makes writes crash-consistent.
type Engine struct {
	stack    *stack.Stack
	slots    *cluster.Table
	pipeline *metapipeline.Pipeline
	ctrl     *ctrl.Controller
	tr       *translator.Translator

	metrics  *Metrics
	observer Observer
	logger   *logging.Logger
}

// EngineParams configures an Engine at Open time.
type EngineParams struct {
	// Layers are the stack's delta chain, ordered bottom (base) to top
	// (the only writable layer). At least one layer is required.
	Layers []delta.Layer

	// BackpressureWatermark is the dirty-BAT-page count per delta at which
	// writes are refused with MetadataBackpressure until the pipeline
	// drains. Zero selects the engine default.
	BackpressureWatermark int

	// CommitBatchInterval is how often the metadata pipeline wakes to
	// check for dirty pages absent an explicit Flush. Zero selects the
	// engine default.
	CommitBatchInterval time.Duration

	// CPUAffinity optionally pins the metadata pipeline's goroutine to one
	// CPU. -1 (the default) means no affinity.
	CPUAffinity int

	// Observer receives per-operation metrics. Nil uses a Metrics-backed
	// observer constructed internally and reachable via Engine.Metrics.
	Observer Observer

	// Logger receives structured log lines for structural operations. Nil
	// uses the package default logger.
	Logger *logging.Logger
}

// DefaultParams returns sensible defaults for the given layer stack.
func DefaultParams(layers ...delta.Layer) EngineParams {
	return EngineParams{
		Layers:                layers,
		BackpressureWatermark: constants.DefaultBackpressureWatermark,
		CPUAffinity:           -1,
	}
}

// Open builds an Engine over an already-assembled layer stack. Layers must
// already be open (via delta.Open/delta.Create/delta.OpenRawBase) and
// ordered bottom to top.
func Open(params EngineParams) (*Engine, error) {
	if len(params.Layers) == 0 {
		return nil, NewError("open", CodeInvalidAlignment, "at least one layer is required")
	}

	if params.Logger == nil {
		params.Logger = logging.Default()
	}

	metrics := NewMetrics()
	observer := params.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	s := stack.New(params.Layers...)
	slots := cluster.NewTable()

	pcfg := metapipeline.DefaultConfig()
	if params.BackpressureWatermark > 0 {
		pcfg.BackpressureWatermark = params.BackpressureWatermark
	}
	if params.CommitBatchInterval > 0 {
		pcfg.BatchInterval = params.CommitBatchInterval
	}
	pcfg.CPUAffinity = params.CPUAffinity
	pcfg.Logger = params.Logger
	pipeline := metapipeline.New(pcfg)

	for _, l := range params.Layers {
		if img, ok := l.(*delta.ImageDelta); ok {
			pipeline.RegisterDelta(img, img.Generation())
		}
	}

	e := &Engine{
		stack:    s,
		slots:    slots,
		pipeline: pipeline,
		ctrl:     ctrl.NewController(s, slots, pipeline),
		tr:       translator.New(s, slots, pipeline),
		metrics:  metrics,
		observer: observer,
		logger:   params.Logger,
	}
	return e, nil
}

// Close flushes all pending metadata and releases the pipeline's
// background worker. It does not close the underlying layers; callers own
// the BackingFiles they opened.
func (e *Engine) Close(ctx context.Context) error {
	if err := e.pipeline.Barrier(ctx); err != nil {
		return WrapError("close", err)
	}
	e.pipeline.Close()
	e.metrics.Stop()
	return nil
}

// Metrics returns the engine's built-in metrics, populated only if no
// custom Observer was supplied at Open.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// VirtualSizeClusters returns the current virtual size of the device, in
// clusters of the top layer's cluster size.
func (e *Engine) VirtualSizeClusters() uint64 {
	return e.stack.VirtualSizeClusters()
}

// ClusterSize returns the top layer's cluster size in bytes.
func (e *Engine) ClusterSize() int64 {
	return e.stack.Top().ClusterSize()
}

// Layers returns a bottom-to-top snapshot of the stack's current layer
// chain, for introspection (e.g. reading a specific delta's contents
// directly after a snapshot demotes it).
func (e *Engine) Layers() []delta.Layer {
	return e.stack.Layers()
}

// Submit issues a read or write against the virtual address space
// [offset, offset+len(data)), which must be aligned to a sector but need
// not be aligned to the top layer's cluster size (spec: alignment to
// sectors is required, alignment to clusters is not). Reads fill data;
// writes take data as the source.
func (e *Engine) Submit(ctx context.Context, op translator.Op, offset int64, data []byte) error {
	sectorSize := int64(constants.SectorSize)
	if offset%sectorSize != 0 || int64(len(data))%sectorSize != 0 {
		return NewError("submit", CodeInvalidAlignment, "offset and length must be sector-aligned")
	}
	if len(data) > 0 {
		clusterSize := e.stack.Top().ClusterSize()
		virtualBytes := int64(e.stack.VirtualSizeClusters()) * clusterSize
		if offset+int64(len(data)) > virtualBytes {
			return NewError("submit", CodeOutOfRange, "request extends beyond the virtual size")
		}
	}

	req := translator.Request{Op: op, Offset: offset, Length: int64(len(data)), Data: data}
	err := e.tr.Submit(ctx, req)

	success := err == nil
	switch op {
	case translator.OpRead:
		e.observer.ObserveRead(uint64(len(data)), 0, success)
	case translator.OpWrite:
		e.observer.ObserveWrite(uint64(len(data)), 0, success)
	}
	if _, ok := asBackpressure(err); ok {
		e.observer.ObserveBackpressure()
		return &Error{Op: opName(op), Cluster: -1, Code: CodeMetadataBackpressure, Msg: err.Error(), Inner: err}
	}
	if err != nil {
		return WrapError(opName(op), err)
	}
	return nil
}

// Read is shorthand for Submit(ctx, translator.OpRead, offset, buf).
func (e *Engine) Read(ctx context.Context, offset int64, buf []byte) error {
	return e.Submit(ctx, translator.OpRead, offset, buf)
}

// Write is shorthand for Submit(ctx, translator.OpWrite, offset, buf).
func (e *Engine) Write(ctx context.Context, offset int64, buf []byte) error {
	return e.Submit(ctx, translator.OpWrite, offset, buf)
}

// Flush forces a synchronous metadata commit, making every previously
// staged write durable before returning.
func (e *Engine) Flush(ctx context.Context) error {
	err := e.pipeline.Barrier(ctx)
	e.observer.ObserveFlush(0, err == nil)
	if err != nil {
		return WrapError("flush", err)
	}
	return nil
}

// Snapshot pushes a fresh, empty writable delta on top of the stack and
// demotes the previous top to read-only.
func (e *Engine) Snapshot(ctx context.Context, file delta.BackingFile) (*delta.ImageDelta, error) {
	d, err := e.ctrl.Snapshot(ctx, file)
	e.observer.ObserveSnapshot(0, err == nil)
	if err != nil {
		return nil, WrapError("snapshot", err)
	}
	return d, nil
}

// Merge collapses the layer range [start, end) into a single new delta
// backed by file, replacing that range in the stack. The caller must have
// quiesced submission for the duration; Merge does not pause Submit on its
// own.
func (e *Engine) Merge(ctx context.Context, start, end int, file delta.BackingFile) (*delta.ImageDelta, error) {
	d, err := e.ctrl.Merge(ctx, start, end, file)
	e.observer.ObserveMerge(0, err == nil)
	if err != nil {
		return nil, WrapError("merge", err)
	}
	return d, nil
}

// Grow extends the top delta's virtual size, relocating any cluster whose
// physical slot is claimed by the expanded BAT region first.
func (e *Engine) Grow(ctx context.Context, newVirtualSizeClusters uint64) error {
	err := e.ctrl.Grow(ctx, newVirtualSizeClusters)
	e.observer.ObserveGrow(0, err == nil)
	if err != nil {
		return WrapError("grow", err)
	}
	return nil
}

// Relocate moves a single logical cluster's physical backing to a new slot
// within the same delta, used for standalone background compaction.
func (e *Engine) Relocate(ctx context.Context, d *delta.ImageDelta, logical uint32) error {
	err := e.ctrl.Relocate(ctx, d, logical)
	e.observer.ObserveRelocate(0, err == nil)
	if err != nil {
		return WrapError("relocate", err)
	}
	return nil
}

func opName(op translator.Op) string {
	switch op {
	case translator.OpRead:
		return "read"
	case translator.OpWrite:
		return "write"
	case translator.OpFlush:
		return "flush"
	default:
		return fmt.Sprintf("op(%d)", op)
	}
}

func asBackpressure(err error) (*metapipeline.ErrMetadataBackpressure, bool) {
	bp, ok := err.(*metapipeline.ErrMetadataBackpressure)
	return bp, ok
}
