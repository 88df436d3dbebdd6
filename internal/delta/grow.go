package delta

import "github.com/ploop/ploop/internal/constants"

// RelocationPlan is one physical cluster that must move out of the BAT
// region being claimed by a Grow, and the logical cluster that currently
// points at it.
type RelocationPlan struct {
	Logical    uint32
	OldPhysical uint32
}

// PlanGrow computes the new BAT layout for growing a delta to
// newVirtualSizeClusters, and the set of data clusters that currently sit
// inside the region the expanded BAT would claim. The caller (internal/ctrl)
// must relocate each of these out of the way (copy to a tail slot and stage
// the new BAT entry) before calling CommitGrow; PlanGrow itself makes no
// on-disk changes.
func (d *ImageDelta) PlanGrow(newVirtualSizeClusters uint64) (newFirstDataCluster uint32, toRelocate []RelocationPlan, err error) {
	d.mu.RLock()
	current := d.virtualSizeClusters
	d.mu.RUnlock()
	if newVirtualSizeClusters <= current {
		return 0, nil, ErrOutOfRange
	}

	newEntries := uint32(newVirtualSizeClusters)
	newPages := d.numBATPages(newEntries)
	newBATClusters := d.clustersForBATPages(newPages)
	newFirstDataCluster = 1 + uint32(newBATClusters)

	d.mu.RLock()
	oldFirst := d.firstDataCluster
	d.mu.RUnlock()

	if newFirstDataCluster <= oldFirst {
		// BAT region did not grow into new clusters (padding absorbed it).
		return newFirstDataCluster, nil, nil
	}

	// Reverse-scan: any logical cluster whose physical slot falls in
	// [oldFirst, newFirstDataCluster) must move. This is O(allocated
	// clusters); acceptable since Grow is not a hot-path operation.
	d.pagesMu.RLock()
	defer d.pagesMu.RUnlock()

	oldEntries := d.batEntries
	oldPages := d.numBATPages(oldEntries)
	for p := uint32(0); p < oldPages; p++ {
		page, ok := d.pages[p]
		if !ok {
			var loadErr error
			page, loadErr = d.readPageFromDisk(p)
			if loadErr != nil {
				return 0, nil, loadErr
			}
		}
		for i, phys := range page.entries {
			if phys == constants.HoleEntry {
				continue
			}
			if phys >= oldFirst && phys < newFirstDataCluster {
				logical := p*constants.BATEntriesPerPage + uint32(i)
				toRelocate = append(toRelocate, RelocationPlan{Logical: logical, OldPhysical: phys})
			}
		}
	}
	return newFirstDataCluster, toRelocate, nil
}

// CommitGrow applies a previously planned Grow once any required
// relocations have completed: it stamps the new BAT shape into the header
// fields and dirties the newly created pages so the metadata pipeline picks
// them up on its next transaction.
func (d *ImageDelta) CommitGrow(newVirtualSizeClusters uint64, newFirstDataCluster uint32) {
	d.mu.Lock()
	oldEntries := d.batEntries
	d.virtualSizeClusters = newVirtualSizeClusters
	d.batEntries = uint32(newVirtualSizeClusters)
	d.firstDataCluster = newFirstDataCluster
	d.mu.Unlock()

	newPages := d.numBATPages(d.batEntries)
	oldPages := d.numBATPages(oldEntries)

	d.pagesMu.Lock()
	defer d.pagesMu.Unlock()
	for p := oldPages; p < newPages; p++ {
		d.pages[p] = &batPage{
			index:   p,
			entries: make([]uint32, constants.BATEntriesPerPage),
			state:   pageDirty,
		}
		d.dirtyPages++
	}
}

// ReassignPhysical is the relocate primitive: it moves a logical cluster's
// mapping from one physical slot to another within this delta, staging the
// BAT entry change under the given generation. The caller is responsible
// for having already copied the cluster's data from oldPhysical to
// newPhysical and for driving the data to stable storage before the
// metadata pipeline's commit makes the new mapping visible.
func (d *ImageDelta) ReassignPhysical(logical, newPhysical uint32, generation uint64) (pageIndex uint32, err error) {
	pageIdx := logical / constants.BATEntriesPerPage
	offset := logical % constants.BATEntriesPerPage

	page, err := d.getPage(pageIdx)
	if err != nil {
		return 0, err
	}

	d.pagesMu.Lock()
	defer d.pagesMu.Unlock()
	if page.entries[offset] == constants.HoleEntry {
		return 0, ErrHoleEntry
	}
	page.entries[offset] = newPhysical
	if page.state != pageDirty {
		d.dirtyPages++
	}
	page.state = pageDirty
	page.dirtyGeneration = generation
	return pageIdx, nil
}
