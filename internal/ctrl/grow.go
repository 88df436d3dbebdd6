package ctrl

import (
	"context"
	"fmt"

	"github.com/ploop/ploop/internal/delta"
)

// Grow extends the top delta's virtual size. If the expanded BAT region
// claims physical slots currently holding data, each such cluster is
// relocated to a fresh tail slot before the new BAT shape is committed, so
// the claim never clobbers live data.
func (c *Controller) Grow(ctx context.Context, newVirtualSizeClusters uint64) error {
	top, ok := c.stack.Top().(*delta.ImageDelta)
	if !ok {
		return fmt.Errorf("grow: top layer is not growable")
	}

	newFirstDataCluster, relocations, err := top.PlanGrow(newVirtualSizeClusters)
	if err != nil {
		return fmt.Errorf("grow: plan: %w", err)
	}

	if len(relocations) > 0 {
		logicals := make([]uint32, len(relocations))
		for i, r := range relocations {
			logicals[i] = r.Logical
		}
		// Relocation targets come from the tail; tail slots that the
		// expanded BAT region will claim are reserved and skipped first.
		for top.FirstDataCluster()+uint32(top.AllocatedClusters()) < newFirstDataCluster {
			if _, err := top.ReserveTail(); err != nil {
				return fmt.Errorf("grow: reserve tail past BAT region: %w", err)
			}
		}
		release := c.slots.Quiesce(logicals)
		for _, r := range relocations {
			if err := c.relocateCluster(ctx, top, r.Logical); err != nil {
				release()
				return fmt.Errorf("grow: relocate logical %d: %w", r.Logical, err)
			}
		}
		release()

		if err := c.pipeline.Barrier(ctx); err != nil {
			return fmt.Errorf("grow: barrier after relocation: %w", err)
		}
	}

	// The grow itself touches no logical cluster's data, only the BAT
	// region's shape, but a concurrent allocate-tail racing the new
	// firstDataCluster boundary would be unsafe, so quiesce the whole
	// stack for the structural commit.
	release := c.slots.QuiesceAll()
	top.CommitGrow(newVirtualSizeClusters, newFirstDataCluster)
	release()

	return c.pipeline.Barrier(ctx)
}
