package ctrl

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ploop/ploop/internal/delta"
	"github.com/ploop/ploop/internal/ondisk"
)

// Snapshot pushes a fresh, empty writable delta on top of the stack and
// demotes the previous top to read-only. file must already be a
// BackingFile of the caller's choosing (e.g. a newly created sparse file
// next to the stack's existing deltas). The stack must be quiesced for the
// duration: no in-flight write may straddle the promotion, or it could
// land in whichever of the two deltas happened to be "top" at the moment
// it read Top().
func (c *Controller) Snapshot(ctx context.Context, file delta.BackingFile) (*delta.ImageDelta, error) {
	release := c.slots.QuiesceAll()
	defer release()

	if err := c.pipeline.Barrier(ctx); err != nil {
		return nil, fmt.Errorf("snapshot: pre-barrier: %w", err)
	}

	oldTop := c.stack.Top()
	newTop, err := delta.Create(file, delta.CreateOptions{
		Role:                ondisk.RoleImageDelta,
		ClusterShift:        oldTop.ClusterShift(),
		VirtualSizeClusters: oldTop.VirtualSizeClusters(),
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: create new top: %w", err)
	}

	c.pipeline.RegisterDelta(newTop, newTop.Generation())
	c.stack.PushTop(newTop)

	c.logger.Infof("snapshot: %s pushed above %s (depth now %d)", shortID(newTop.ID()), shortID(oldTop.ID()), c.stack.Depth())
	return newTop, nil
}

func shortID(id string) string {
	u, err := uuid.Parse(id)
	if err != nil || len(id) < 8 {
		return id
	}
	return u.String()[:8]
}
