package ondisk

import (
	"encoding/binary"
	"hash/crc32"
)

// Marshal encodes a Header into a cluster-sized buffer, zero-padded after
// HeaderFixedSize, with CRC32 computed over the preceding bytes.
func Marshal(h *Header, clusterSize int) []byte {
	buf := make([]byte, clusterSize)

	copy(buf[0:16], h.Magic[:])
	binary.LittleEndian.PutUint32(buf[16:20], h.Version)
	binary.LittleEndian.PutUint32(buf[20:24], h.ClusterShift)
	binary.LittleEndian.PutUint64(buf[24:32], h.VirtualSizeClusters)
	binary.LittleEndian.PutUint64(buf[32:40], h.Generation)
	binary.LittleEndian.PutUint32(buf[40:44], h.BATEntries)
	binary.LittleEndian.PutUint32(buf[44:48], h.Flags)

	crc := crc32.ChecksumIEEE(buf[0:48])
	binary.LittleEndian.PutUint32(buf[48:52], crc)

	return buf
}

// Unmarshal decodes a Header from a buffer of at least HeaderFixedSize
// bytes and verifies its CRC. ErrCorruptHeader is returned on mismatch.
func Unmarshal(buf []byte) (*Header, error) {
	if len(buf) < HeaderFixedSize {
		return nil, ErrCorruptHeader
	}

	wantCRC := binary.LittleEndian.Uint32(buf[48:52])
	gotCRC := crc32.ChecksumIEEE(buf[0:48])
	if wantCRC != gotCRC {
		return nil, ErrCorruptHeader
	}

	h := &Header{}
	copy(h.Magic[:], buf[0:16])
	h.Version = binary.LittleEndian.Uint32(buf[16:20])
	h.ClusterShift = binary.LittleEndian.Uint32(buf[20:24])
	h.VirtualSizeClusters = binary.LittleEndian.Uint64(buf[24:32])
	h.Generation = binary.LittleEndian.Uint64(buf[32:40])
	h.BATEntries = binary.LittleEndian.Uint32(buf[40:44])
	h.Flags = binary.LittleEndian.Uint32(buf[44:48])
	h.CRC32 = wantCRC

	return h, nil
}

// MarshalBATPage encodes one page's worth of BAT entries prefixed by the
// generation under which this page was committed. Recovery compares this
// stamp against the delta header's generation to detect a page flushed
// without its header update having reached stable storage.
func MarshalBATPage(generation uint64, entries []uint32, pageSize int) []byte {
	buf := make([]byte, pageSize)
	binary.LittleEndian.PutUint64(buf[0:8], generation)
	for i, e := range entries {
		off := 8 + i*4
		binary.LittleEndian.PutUint32(buf[off:off+4], e)
	}
	return buf
}

// UnmarshalBATPage decodes a BAT page's raw bytes into its commit
// generation and entries.
func UnmarshalBATPage(buf []byte) (generation uint64, entries []uint32) {
	generation = binary.LittleEndian.Uint64(buf[0:8])
	entries = make([]uint32, (len(buf)-8)/4)
	for i := range entries {
		off := 8 + i*4
		entries[i] = binary.LittleEndian.Uint32(buf[off : off+4])
	}
	return generation, entries
}
