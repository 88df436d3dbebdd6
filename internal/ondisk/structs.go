// Package ondisk defines the byte-exact layout of a ploop image delta:
// the header and the Block Allocation Table (BAT) that follows it.
//
// Layout (little-endian throughout):
//
//	offset 0    header, one cluster in size
//	  magic[16]
//	  version             u32
//	  cluster_shift        u32   log2(cluster size in 512B sectors)
//	  virtual_size_clusters u64
//	  generation           u64
//	  bat_entries          u32
//	  flags                u32
//	  crc32                u32   CRC over bytes [0, crc32 offset)
//	  reserved             padding to cluster size
//	offset cluster_size   BAT region, ceil(bat_entries/1022) pages
//	  per page: generation u64, then 1022 entries
//	  bat[i] u32, 0 means hole, nonzero is a physical cluster index
//	offset (end of BAT, cluster aligned)  data region
//	  physical cluster n (n>=1) occupies [n*cluster_size, (n+1)*cluster_size)
package ondisk

// Role identifies what kind of delta a file is.
type Role uint8

const (
	// RoleRawBase is a flat file with no header or BAT, covering the full
	// virtual address range unconditionally.
	RoleRawBase Role = iota
	// RoleImageBase is the bottom-most delta with a header and BAT.
	RoleImageBase
	// RoleImageDelta is any non-bottom delta with a header and BAT.
	RoleImageDelta
)

func (r Role) String() string {
	switch r {
	case RoleRawBase:
		return "raw-base"
	case RoleImageBase:
		return "image-base"
	case RoleImageDelta:
		return "image-delta"
	default:
		return "unknown"
	}
}

// Flags recorded in the header.
const (
	// FlagReadOnly marks a delta as permanently read-only (e.g. after it was
	// demoted by a snapshot, or frozen for a merge source).
	FlagReadOnly uint32 = 1 << 0
)

// HeaderSize is the fixed on-disk size of the header: one cluster, but the
// engine only ever writes HeaderFixedSize bytes of it and zero-fills the
// rest, so headers are valid regardless of the delta's cluster size as long
// as cluster_shift >= MinClusterShift guarantees HeaderFixedSize fits.
const HeaderFixedSize = 56

// HeaderMagic identifies a file as a ploop image delta.
const HeaderMagic = "ploopimagedelta\x00"

// HeaderVersion is the only on-disk format version this engine understands.
const HeaderVersion = 1

// Header is the in-memory representation of an image delta's header.
type Header struct {
	Magic               [16]byte
	Version             uint32
	ClusterShift        uint32
	VirtualSizeClusters uint64
	Generation          uint64
	BATEntries          uint32
	Flags               uint32
	CRC32               uint32
}
