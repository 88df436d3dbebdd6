package ctrl

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/ploop/ploop/internal/delta"
	"github.com/ploop/ploop/internal/ondisk"
)

// mergeConcurrency bounds how many clusters a Merge copies at once, so a
// merge of a large virtual disk doesn't open unbounded concurrent reads
// against the lower layers.
const mergeConcurrency = 32

// Merge collapses the contiguous layer range [start, end) into a single
// new delta backed by file, replacing that range in the stack. For every
// logical cluster in the stack's virtual address space, the resulting
// delta gets whichever layer in [start, end) maps it nearest the top, or a
// hole if none of them do. The stack must already be quiesced over its
// entire address range for the duration of the merge; Merge does not
// quiesce on its own since a full-stack merge is expected to run with
// submission paused at a higher level.
func (c *Controller) Merge(ctx context.Context, start, end int, file delta.BackingFile) (*delta.ImageDelta, error) {
	layers := c.stack.Layers()
	if start < 0 || end > len(layers) || start >= end {
		return nil, fmt.Errorf("merge: invalid range [%d,%d) over %d layers", start, end, len(layers))
	}

	reference := layers[end-1]
	merged, err := delta.Create(file, delta.CreateOptions{
		Role:                ondisk.RoleImageDelta,
		ClusterShift:        reference.ClusterShift(),
		VirtualSizeClusters: reference.VirtualSizeClusters(),
	})
	if err != nil {
		return nil, fmt.Errorf("merge: create target: %w", err)
	}

	total := reference.VirtualSizeClusters()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(mergeConcurrency)

	for logical := uint64(0); logical < total; logical++ {
		logical := uint32(logical)
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			return c.mergeOneCluster(merged, layers[start:end], logical)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("merge: copy: %w", err)
	}

	c.pipeline.RegisterDelta(merged, merged.Generation())
	if err := c.pipeline.Barrier(ctx); err != nil {
		return nil, fmt.Errorf("merge: commit barrier: %w", err)
	}

	c.stack.ReplaceRange(start, end, merged)

	// The collapsed layers no longer exist in the stack; drop them from the
	// pipeline too, or they'd linger registered and get needlessly
	// re-examined by every future commit tick for the rest of the engine's
	// lifetime.
	for _, l := range layers[start:end] {
		if img, ok := l.(*delta.ImageDelta); ok {
			c.pipeline.UnregisterDelta(img.ID())
		}
	}

	c.logger.Infof("merge: collapsed layers [%d,%d) into %s", start, end, shortID(merged.ID()))
	return merged, nil
}

// mergeOneCluster resolves logical against range top-down and, if any
// layer maps it, writes that data into merged at a freshly allocated
// cluster and stages the BAT entry. Holes are left as holes.
func (c *Controller) mergeOneCluster(merged *delta.ImageDelta, layerRange []delta.Layer, logical uint32) error {
	for i := len(layerRange) - 1; i >= 0; i-- {
		phys, ok := layerRange[i].Lookup(logical)
		if !ok {
			continue
		}
		buf := make([]byte, merged.ClusterSize())
		if err := layerRange[i].ReadCluster(phys, 0, buf); err != nil {
			return err
		}
		newPhys, err := merged.ReserveTail()
		if err != nil {
			return err
		}
		if err := merged.WriteCluster(newPhys, 0, buf); err != nil {
			return err
		}
		if _, err := merged.MarkDirty(logical, newPhys, merged.Generation()+1); err != nil {
			return err
		}
		return nil
	}
	return nil
}
