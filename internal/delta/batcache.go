package delta

import (
	"github.com/ploop/ploop/internal/constants"
	"github.com/ploop/ploop/internal/ondisk"
)

// pageOffset returns the on-disk byte offset of BAT page p.
func (d *ImageDelta) pageOffset(p uint32) int64 {
	return d.clusterSize + int64(p)*constants.BATPageSize
}

// readPageFromDisk loads and decodes BAT page p, unconditionally (bypasses
// the cache; used only during Open's crash-recovery scan).
func (d *ImageDelta) readPageFromDisk(p uint32) (*batPage, error) {
	buf := make([]byte, constants.BATPageSize)
	if _, err := d.file.ReadAt(buf, d.pageOffset(p)); err != nil {
		return nil, err
	}
	gen, entries := ondisk.UnmarshalBATPage(buf)
	return &batPage{index: p, entries: entries, state: pageClean, dirtyGeneration: gen}, nil
}

// getPage returns the resident page p, demand-loading it on miss and
// evicting a clean, unpinned page if the cache is full.
func (d *ImageDelta) getPage(p uint32) (*batPage, error) {
	d.pagesMu.RLock()
	page, ok := d.pages[p]
	d.pagesMu.RUnlock()
	if ok {
		d.hits.Add(1)
		d.touch(page)
		return page, nil
	}

	d.misses.Add(1)
	loaded, err := d.readPageFromDisk(p)
	if err != nil {
		return nil, err
	}

	d.pagesMu.Lock()
	defer d.pagesMu.Unlock()
	if existing, ok := d.pages[p]; ok {
		// Lost the race to another loader.
		return existing, nil
	}
	d.evictLocked()
	d.pages[p] = loaded
	d.touchLocked(loaded)
	return loaded, nil
}

func (d *ImageDelta) touch(page *batPage) {
	d.pagesMu.Lock()
	d.touchLocked(page)
	d.pagesMu.Unlock()
}

func (d *ImageDelta) touchLocked(page *batPage) {
	d.lruCursor++
	page.lruTick = d.lruCursor
}

// evictLocked drops the least-recently-used clean, unpinned page if the
// cache is at capacity. Dirty pages are pinned by definition: they cannot
// be evicted until the metadata pipeline commits them.
func (d *ImageDelta) evictLocked() {
	if len(d.pages) < d.cacheSize {
		return
	}
	var victim *batPage
	for _, p := range d.pages {
		if p.dirty() || p.pinCount > 0 {
			continue
		}
		if victim == nil || p.lruTick < victim.lruTick {
			victim = p
		}
	}
	if victim != nil {
		delete(d.pages, victim.index)
	}
}

// Lookup resolves a logical cluster to its physical cluster within this
// delta, or reports a hole.
func (d *ImageDelta) Lookup(logical uint32) (uint32, bool) {
	pageIdx := logical / constants.BATEntriesPerPage
	offset := logical % constants.BATEntriesPerPage

	page, err := d.getPage(pageIdx)
	if err != nil {
		return 0, false
	}
	phys := page.entries[offset]
	return phys, phys != constants.HoleEntry
}

// ReserveTail allocates a brand-new physical cluster at the end of the
// file (the allocate-tail operation is monotonic: allocations only ever
// come from the end; relocate is the sole mechanism that frees a slot for
// reuse). The caller must still dirty the BAT entry via MarkDirty once the
// cluster's data has been written.
func (d *ImageDelta) ReserveTail() (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.readOnly {
		return 0, ErrReadOnly
	}

	physical := d.firstDataCluster + uint32(d.allocatedClusters)
	newSize := int64(physical+1) * d.clusterSize
	if err := d.file.Truncate(newSize); err != nil {
		return 0, err
	}
	d.allocatedClusters++
	return physical, nil
}

// MarkDirty stages a BAT entry change (logical -> physical) and dirties its
// page under the given generation, returning the page index so the caller
// can register a commit waiter.
func (d *ImageDelta) MarkDirty(logical, physical uint32, generation uint64) (pageIndex uint32, err error) {
	pageIdx := logical / constants.BATEntriesPerPage
	offset := logical % constants.BATEntriesPerPage

	page, err := d.getPage(pageIdx)
	if err != nil {
		return 0, err
	}

	d.pagesMu.Lock()
	defer d.pagesMu.Unlock()
	page.entries[offset] = physical
	if page.state != pageDirty {
		d.dirtyPages++
	}
	page.state = pageDirty
	page.dirtyGeneration = generation
	return pageIdx, nil
}

// DirtyPages returns the indices of pages currently dirty, for the
// metadata pipeline to drain.
func (d *ImageDelta) DirtyPages() []uint32 {
	d.pagesMu.RLock()
	defer d.pagesMu.RUnlock()
	out := make([]uint32, 0, d.dirtyPages)
	for idx, p := range d.pages {
		if p.state == pageDirty {
			out = append(out, idx)
		}
	}
	return out
}

// BeginCommit marks the given pages as writing (pinned, no longer eligible
// for further dirtying by a concurrent writer until the commit finishes)
// and returns their encoded bytes for the pipeline to write out.
func (d *ImageDelta) BeginCommit(pageIndices []uint32, generation uint64) [][]byte {
	d.pagesMu.Lock()
	defer d.pagesMu.Unlock()

	out := make([][]byte, 0, len(pageIndices))
	for _, idx := range pageIndices {
		page, ok := d.pages[idx]
		if !ok || page.state != pageDirty {
			continue
		}
		page.state = pageWriting
		page.pinCount++
		page.dirtyGeneration = generation
		out = append(out, ondisk.MarshalBATPage(generation, page.entries, constants.BATPageSize))
	}
	return out
}

// AbortCommit reverts pages from pageWriting back to pageDirty after a
// commit step fails partway through, so the pages remain visible to
// DirtyPages and a retried commit picks them back up instead of stranding
// them pinned and invisible.
func (d *ImageDelta) AbortCommit(pageIndices []uint32) {
	d.pagesMu.Lock()
	defer d.pagesMu.Unlock()
	for _, idx := range pageIndices {
		page, ok := d.pages[idx]
		if !ok || page.state != pageWriting {
			continue
		}
		page.state = pageDirty
		page.pinCount--
	}
}

// CompleteCommit transitions the given pages back to clean after their
// bytes and the header's bumped generation have both reached stable
// storage.
func (d *ImageDelta) CompleteCommit(pageIndices []uint32, generation uint64) {
	d.mu.Lock()
	d.generation = generation
	d.mu.Unlock()

	d.pagesMu.Lock()
	defer d.pagesMu.Unlock()
	for _, idx := range pageIndices {
		page, ok := d.pages[idx]
		if !ok {
			continue
		}
		page.state = pageClean
		page.pinCount--
		d.dirtyPages--
	}
}

// WritePage writes one page's already-encoded bytes to its on-disk
// position.
func (d *ImageDelta) WritePage(pageIndex uint32, encoded []byte) error {
	_, err := d.file.WriteAt(encoded, d.pageOffset(pageIndex))
	return err
}

// writeHeaderLocked encodes and writes the header. Caller holds d.mu (or is
// the single-threaded Create path).
func (d *ImageDelta) writeHeaderLocked() error {
	h := &ondisk.Header{
		Version:             ondisk.HeaderVersion,
		ClusterShift:        d.clusterShift,
		VirtualSizeClusters: d.virtualSizeClusters,
		Generation:          d.generation,
		BATEntries:          d.batEntries,
		Flags:               d.flags,
	}
	copy(h.Magic[:], ondisk.HeaderMagic)
	buf := ondisk.Marshal(h, d.clusterSize)
	_, err := d.file.WriteAt(buf, 0)
	return err
}

// WriteHeader persists the header with the given generation stamped in,
// used by the metadata pipeline after a transaction's BAT pages are
// durable.
func (d *ImageDelta) WriteHeader(generation uint64) error {
	d.mu.Lock()
	d.generation = generation
	err := d.writeHeaderLocked()
	d.mu.Unlock()
	return err
}

// Flush issues a data barrier on the backing file.
func (d *ImageDelta) Flush() error {
	return d.file.Sync()
}

// ReadCluster reads len(buf) bytes starting at offset within physical
// cluster physical. A caller reading the whole cluster passes offset 0
// and a ClusterSize-length buf.
func (d *ImageDelta) ReadCluster(physical uint32, offset int64, buf []byte) error {
	_, err := d.file.ReadAt(buf, int64(physical)*d.clusterSize+offset)
	return err
}

// WriteCluster writes len(buf) bytes starting at offset within physical
// cluster physical, without disturbing any other bytes already present in
// that cluster. A caller writing the whole cluster passes offset 0 and a
// ClusterSize-length buf.
func (d *ImageDelta) WriteCluster(physical uint32, offset int64, buf []byte) error {
	if d.ReadOnly() {
		return ErrReadOnly
	}
	_, err := d.file.WriteAt(buf, int64(physical)*d.clusterSize+offset)
	return err
}

var _ Layer = (*ImageDelta)(nil)
