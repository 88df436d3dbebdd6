package delta

import (
	"github.com/google/uuid"

	"github.com/ploop/ploop/internal/constants"
	"github.com/ploop/ploop/internal/ondisk"
)

// RawBase is the bottom-most layer kind: a flat file with no BAT, where
// logical cluster N is always physical cluster N. It has no holes — every
// logical cluster it covers resolves to itself.
type RawBase struct {
	id           string
	file         BackingFile
	clusterShift uint32
	clusterSize  int64
	virtualSize  uint64 // in clusters
	readOnly     bool
}

// OpenRawBase wraps an existing flat file as a raw base layer. The file's
// size determines the virtual size in whole clusters; a partial trailing
// cluster is truncated from visibility, not rounded up.
func OpenRawBase(file BackingFile, clusterShift uint32, readOnly bool) (*RawBase, error) {
	if clusterShift < constants.MinClusterShift || clusterShift > constants.MaxClusterShift {
		return nil, ErrIncompatibleClusterSize
	}
	clusterSize := clusterBytes(clusterShift)
	virtualSize := uint64(file.Size() / clusterSize)

	return &RawBase{
		id:           uuid.NewString(),
		file:         file,
		clusterShift: clusterShift,
		clusterSize:  clusterSize,
		virtualSize:  virtualSize,
		readOnly:     readOnly,
	}, nil
}

func (r *RawBase) ID() string          { return r.id }
func (r *RawBase) Role() ondisk.Role   { return ondisk.RoleRawBase }
func (r *RawBase) ClusterSize() int64  { return r.clusterSize }
func (r *RawBase) ClusterShift() uint32 { return r.clusterShift }
func (r *RawBase) VirtualSizeClusters() uint64 { return r.virtualSize }
func (r *RawBase) ReadOnly() bool      { return r.readOnly }

// Lookup always succeeds within range: a raw base has no sparseness, so
// every logical cluster it covers maps to the identical physical index.
func (r *RawBase) Lookup(logical uint32) (uint32, bool) {
	if uint64(logical) >= r.virtualSize {
		return 0, false
	}
	return logical, true
}

func (r *RawBase) ReadCluster(physical uint32, offset int64, buf []byte) error {
	_, err := r.file.ReadAt(buf, int64(physical)*r.clusterSize+offset)
	return err
}

// WriteCluster exists for completeness (a raw base used as a standalone
// writable disk in tests); stack writes never target a raw base because it
// is always read-only within a ploop stack.
func (r *RawBase) WriteCluster(physical uint32, offset int64, buf []byte) error {
	if r.readOnly {
		return ErrReadOnly
	}
	_, err := r.file.WriteAt(buf, int64(physical)*r.clusterSize+offset)
	return err
}

func (r *RawBase) Close() error {
	return r.file.Close()
}

var _ Layer = (*RawBase)(nil)
