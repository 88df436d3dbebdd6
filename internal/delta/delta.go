package delta

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ploop/ploop/internal/constants"
	"github.com/ploop/ploop/internal/ondisk"
)

// Layer is the common surface the stack's mapper walks: resolve a logical
// cluster to a physical one, or report it absent. A raw base and an image
// delta/base satisfy this identically even though only the latter owns a
// BAT.
type Layer interface {
	ID() string
	Role() ondisk.Role
	ClusterSize() int64
	ClusterShift() uint32
	VirtualSizeClusters() uint64
	ReadOnly() bool
	Lookup(logical uint32) (physical uint32, ok bool)
	// ReadCluster and WriteCluster transfer len(buf) bytes starting at byte
	// offset within physical cluster physical. offset+len(buf) must not
	// exceed ClusterSize; callers that want the whole cluster pass offset 0
	// and a ClusterSize-length buf.
	ReadCluster(physical uint32, offset int64, buf []byte) error
	WriteCluster(physical uint32, offset int64, buf []byte) error
	Close() error
}

// ImageDelta is a backing file with a header and Block Allocation Table:
// an image-base or image-delta layer. Physical cluster 0 is never
// assigned (the BAT's hole sentinel) and holds the header; clusters
// [1, firstDataCluster) hold the BAT region.
type ImageDelta struct {
	id   string
	role ondisk.Role
	file BackingFile

	clusterShift uint32
	clusterSize  int64

	mu                  sync.RWMutex // guards header-level fields below
	virtualSizeClusters uint64
	generation          uint64
	batEntries          uint32
	flags               uint32
	readOnly            bool

	firstDataCluster  uint32 // first cluster index available for allocate-tail
	allocatedClusters uint64 // clusters allocated after the BAT region

	pagesMu   sync.RWMutex
	pages     map[uint32]*batPage
	lruCursor uint64
	dirtyPages int

	cacheSize int

	hits, misses atomic.Uint64
}

// CreateOptions configure a freshly formatted image delta.
type CreateOptions struct {
	Role                ondisk.Role
	ClusterShift         uint32
	VirtualSizeClusters  uint64
	CacheSize            int
}

// Create formats file as a brand-new image delta and returns it opened.
func Create(file BackingFile, opts CreateOptions) (*ImageDelta, error) {
	if opts.ClusterShift < constants.MinClusterShift || opts.ClusterShift > constants.MaxClusterShift {
		return nil, ErrIncompatibleClusterSize
	}

	d := &ImageDelta{
		id:                  uuid.NewString(),
		role:                opts.Role,
		file:                file,
		clusterShift:        opts.ClusterShift,
		clusterSize:         clusterBytes(opts.ClusterShift),
		virtualSizeClusters: opts.VirtualSizeClusters,
		batEntries:          uint32(opts.VirtualSizeClusters),
		pages:               make(map[uint32]*batPage),
		cacheSize:           opts.CacheSize,
	}
	if d.cacheSize <= 0 {
		d.cacheSize = constants.DefaultBATCacheSize
	}

	numPages := d.numBATPages(d.batEntries)
	batClusters := d.clustersForBATPages(numPages)
	d.firstDataCluster = 1 + uint32(batClusters)

	if err := file.Truncate(int64(d.firstDataCluster) * d.clusterSize); err != nil {
		return nil, err
	}

	// All pages start resident, empty, and dirty: the header's generation
	// is 0 and has never been committed, so there is nothing to demand-load.
	for p := uint32(0); p < numPages; p++ {
		d.pages[p] = &batPage{
			index:           p,
			entries:         make([]uint32, constants.BATEntriesPerPage),
			state:           pageDirty,
			dirtyGeneration: 0,
		}
		d.dirtyPages++
	}

	if err := d.writeHeaderLocked(); err != nil {
		return nil, err
	}
	return d, nil
}

// Open reads an existing image delta's header and prepares its BAT cache.
// Crash recovery is applied here: any BAT page whose embedded generation
// exceeds the header's generation is treated as all-hole.
func Open(file BackingFile, cacheSize int) (*ImageDelta, error) {
	headerBuf := make([]byte, constants.BATPageSize) // read at least enough for HeaderFixedSize
	if _, err := file.ReadAt(headerBuf, 0); err != nil {
		return nil, err
	}
	h, err := ondisk.Unmarshal(headerBuf)
	if err != nil {
		return nil, err
	}
	if h.Version != ondisk.HeaderVersion {
		return nil, ErrUnsupportedVersion
	}
	if h.ClusterShift < constants.MinClusterShift || h.ClusterShift > constants.MaxClusterShift {
		return nil, ErrIncompatibleClusterSize
	}

	d := &ImageDelta{
		id:                  uuid.NewString(),
		role:                ondisk.RoleImageDelta,
		file:                file,
		clusterShift:        h.ClusterShift,
		clusterSize:         clusterBytes(h.ClusterShift),
		virtualSizeClusters: h.VirtualSizeClusters,
		generation:          h.Generation,
		batEntries:          h.BATEntries,
		flags:               h.Flags,
		readOnly:            h.Flags&ondisk.FlagReadOnly != 0,
		pages:               make(map[uint32]*batPage),
		cacheSize:           cacheSize,
	}
	if d.cacheSize <= 0 {
		d.cacheSize = constants.DefaultBATCacheSize
	}

	numPages := d.numBATPages(d.batEntries)
	batClusters := d.clustersForBATPages(numPages)
	d.firstDataCluster = 1 + uint32(batClusters)

	var maxPhysical uint32
	for p := uint32(0); p < numPages; p++ {
		page, err := d.readPageFromDisk(p)
		if err != nil {
			return nil, err
		}
		if page.dirtyGeneration > d.generation {
			// Committed page write outran the header bump: invisible.
			for i := range page.entries {
				page.entries[i] = constants.HoleEntry
			}
			page.dirtyGeneration = 0
		}
		for _, e := range page.entries {
			if e > maxPhysical {
				maxPhysical = e
			}
		}
		d.pages[p] = page
	}
	if maxPhysical >= d.firstDataCluster {
		d.allocatedClusters = uint64(maxPhysical-d.firstDataCluster) + 1
	}

	return d, nil
}

func clusterBytes(shift uint32) int64 {
	return (1 << shift) * constants.SectorSize
}

func (d *ImageDelta) numBATPages(entries uint32) uint32 {
	if entries == 0 {
		return 0
	}
	return (entries + constants.BATEntriesPerPage - 1) / constants.BATEntriesPerPage
}

func (d *ImageDelta) clustersForBATPages(pages uint32) uint32 {
	if pages == 0 {
		return 0
	}
	batBytes := int64(pages) * constants.BATPageSize
	return uint32((batBytes + d.clusterSize - 1) / d.clusterSize)
}

func (d *ImageDelta) ID() string                     { return d.id }
func (d *ImageDelta) Role() ondisk.Role               { return d.role }
func (d *ImageDelta) ClusterSize() int64              { return d.clusterSize }
func (d *ImageDelta) ClusterShift() uint32            { return d.clusterShift }
func (d *ImageDelta) VirtualSizeClusters() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.virtualSizeClusters
}
func (d *ImageDelta) ReadOnly() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.readOnly
}
func (d *ImageDelta) SetReadOnly(ro bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readOnly = ro
	if ro {
		d.flags |= ondisk.FlagReadOnly
	} else {
		d.flags &^= ondisk.FlagReadOnly
	}
}
func (d *ImageDelta) Generation() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.generation
}
func (d *ImageDelta) AllocatedClusters() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.allocatedClusters
}
func (d *ImageDelta) FirstDataCluster() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.firstDataCluster
}

func (d *ImageDelta) Close() error {
	return d.file.Close()
}

// Stats reports point-in-time counters useful for quiescence diagnostics.
func (d *ImageDelta) Stats() map[string]interface{} {
	d.mu.RLock()
	allocated := d.allocatedClusters
	generation := d.generation
	d.mu.RUnlock()

	d.pagesMu.RLock()
	resident := len(d.pages)
	dirty := d.dirtyPages
	d.pagesMu.RUnlock()

	return map[string]interface{}{
		"id":                d.id,
		"allocated_clusters": allocated,
		"generation":        generation,
		"bat_pages_resident": resident,
		"bat_pages_dirty":    dirty,
		"cache_hits":         d.hits.Load(),
		"cache_misses":       d.misses.Load(),
	}
}
