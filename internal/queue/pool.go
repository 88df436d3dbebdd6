package queue

import (
	"sync"

	"github.com/ploop/ploop/internal/constants"
)

// BufferPool provides pooled byte slices sized to whole clusters, used for
// the scratch buffer a copy-up needs to hold one cluster's data
// in flight. Since cluster size is always a power of two in
// [MinClusterShift, MaxClusterShift], buffers are bucketed by shift rather
// than by an arbitrary size, one sync.Pool per shift.
//
// Uses *[]byte pattern to avoid sync.Pool interface allocation overhead.
var shardPools [constants.MaxClusterShift + 1]sync.Pool

func init() {
	for shift := constants.MinClusterShift; shift <= constants.MaxClusterShift; shift++ {
		s := shift
		size := bufferSizeForShift(uint32(s))
		shardPools[s].New = func() any {
			b := make([]byte, size)
			return &b
		}
	}
}

func bufferSizeForShift(shift uint32) int64 {
	return (1 << shift) * constants.SectorSize
}

// GetBuffer returns a pooled buffer sized exactly to the cluster size
// implied by clusterShift. Caller must call PutBuffer when done.
func GetBuffer(clusterShift uint32) []byte {
	if clusterShift < constants.MinClusterShift || clusterShift > constants.MaxClusterShift {
		return make([]byte, bufferSizeForShift(clusterShift))
	}
	buf := *shardPools[clusterShift].Get().(*[]byte)
	return buf
}

// PutBuffer returns a buffer to the pool for the cluster shift it was
// obtained with. Buffers of non-standard capacity (e.g. a fallback
// allocation for an out-of-range shift) are dropped rather than pooled.
func PutBuffer(clusterShift uint32, buf []byte) {
	if clusterShift < constants.MinClusterShift || clusterShift > constants.MaxClusterShift {
		return
	}
	if int64(cap(buf)) != bufferSizeForShift(clusterShift) {
		return
	}
	full := buf[:cap(buf)]
	shardPools[clusterShift].Put(&full)
}
