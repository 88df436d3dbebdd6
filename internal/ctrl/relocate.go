package ctrl

import (
	"context"
	"fmt"

	"github.com/ploop/ploop/internal/cluster"
	"github.com/ploop/ploop/internal/delta"
)

// relocateCluster moves logical's physical backing within d from its
// current slot to a brand-new tail slot, staging the BAT entry change
// through the pipeline. The caller must already hold the cluster's slot
// (Relocating for Relocate, Quiesced for Grow) via internal/cluster's
// Table; relocateCluster itself only performs the copy and the metadata
// update.
func (c *Controller) relocateCluster(ctx context.Context, d *delta.ImageDelta, logical uint32) error {
	oldPhys, ok := d.Lookup(logical)
	if !ok {
		return delta.ErrHoleEntry
	}

	buf := make([]byte, d.ClusterSize())
	if err := d.ReadCluster(oldPhys, 0, buf); err != nil {
		return fmt.Errorf("relocate: read old cluster: %w", err)
	}

	newPhys, err := d.ReserveTail()
	if err != nil {
		return fmt.Errorf("relocate: reserve new slot: %w", err)
	}
	if err := d.WriteCluster(newPhys, 0, buf); err != nil {
		return fmt.Errorf("relocate: write new cluster: %w", err)
	}

	if _, err := c.pipeline.StageDirty(ctx, d, logical, newPhys); err != nil {
		return fmt.Errorf("relocate: stage BAT update: %w", err)
	}

	// The new mapping, and the freedom to ever reuse oldPhys, isn't real
	// until the BAT update committed: wait for the pipeline to drain this
	// transaction before reporting relocate as done (spec §4.6 steps 5-6).
	if err := c.pipeline.Barrier(ctx); err != nil {
		return fmt.Errorf("relocate: commit barrier: %w", err)
	}
	return nil
}

// Relocate moves a single logical cluster's physical backing to a new
// slot within the same delta, used for standalone background compaction
// independent of Grow.
func (c *Controller) Relocate(ctx context.Context, d *delta.ImageDelta, logical uint32) error {
	release := c.slots.Enter(logical, cluster.Relocating)
	defer release()
	return c.relocateCluster(ctx, d, logical)
}
