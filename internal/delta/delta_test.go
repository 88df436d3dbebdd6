package delta

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ploop/ploop/internal/constants"
	"github.com/ploop/ploop/internal/ondisk"
)

func newTestDelta(t *testing.T, virtualSizeClusters uint64) (*ImageDelta, *MemFile) {
	t.Helper()
	mem := NewMemFile(0)
	d, err := Create(mem, CreateOptions{
		Role:                ondisk.RoleImageDelta,
		ClusterShift:        constants.DefaultClusterShift,
		VirtualSizeClusters: virtualSizeClusters,
		CacheSize:           16,
	})
	require.NoError(t, err)
	return d, mem
}

func TestCreateThenOpenRoundTrip(t *testing.T) {
	d, mem := newTestDelta(t, 4096)

	phys, err := d.ReserveTail()
	require.NoError(t, err)
	_, err = d.MarkDirty(10, phys, 1)
	require.NoError(t, err)

	dirty := d.DirtyPages()
	require.NotEmpty(t, dirty)
	encoded := d.BeginCommit(dirty, 1)
	require.Len(t, encoded, len(dirty))
	for i, idx := range dirty {
		require.NoError(t, d.WritePage(idx, encoded[i]))
	}
	require.NoError(t, d.WriteHeader(1))
	d.CompleteCommit(dirty, 1)
	require.NoError(t, d.Flush())

	reopened, err := Open(mem, 16)
	require.NoError(t, err)
	got, ok := reopened.Lookup(10)
	require.True(t, ok)
	require.Equal(t, phys, got)
	require.EqualValues(t, 1, reopened.Generation())
}

func TestOpenRejectsUnsupportedVersion(t *testing.T) {
	_, mem := newTestDelta(t, 64)
	buf := make([]byte, ondisk.HeaderFixedSize)
	mem.ReadAt(buf, 0)
	h, err := ondisk.Unmarshal(buf)
	require.NoError(t, err)
	h.Version = 99
	raw := ondisk.Marshal(h, clusterBytes(constants.DefaultClusterShift))
	_, err = mem.WriteAt(raw, 0)
	require.NoError(t, err)

	_, err = Open(mem, 16)
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestCrashRecoveryHidesUncommittedGeneration(t *testing.T) {
	d, mem := newTestDelta(t, 4096)

	phys, err := d.ReserveTail()
	require.NoError(t, err)
	dirty, err := d.MarkDirty(20, phys, 7)
	require.NoError(t, err)

	// Simulate the crash: the BAT page write reaches disk (stamped
	// generation 7) but the header bump to generation 7 never does. The
	// header on disk is still at generation 0.
	encoded := d.BeginCommit([]uint32{dirty}, 7)
	require.NoError(t, d.WritePage(dirty, encoded[0]))

	reopened, err := Open(mem, 16)
	require.NoError(t, err)
	require.EqualValues(t, 0, reopened.Generation())
	_, ok := reopened.Lookup(20)
	require.False(t, ok, "page committed past header generation must be invisible")
}

func TestCreateRejectsBadClusterShift(t *testing.T) {
	mem := NewMemFile(0)
	_, err := Create(mem, CreateOptions{
		Role:                ondisk.RoleImageDelta,
		ClusterShift:        1,
		VirtualSizeClusters: 16,
	})
	require.ErrorIs(t, err, ErrIncompatibleClusterSize)
}

func TestReserveTailMonotonic(t *testing.T) {
	d, _ := newTestDelta(t, 4096)
	p1, err := d.ReserveTail()
	require.NoError(t, err)
	p2, err := d.ReserveTail()
	require.NoError(t, err)
	require.Equal(t, p1+1, p2)
}

func TestLookupHole(t *testing.T) {
	d, _ := newTestDelta(t, 64)
	_, ok := d.Lookup(5)
	require.False(t, ok)
}

func TestReadOnlyRejectsWrite(t *testing.T) {
	d, _ := newTestDelta(t, 64)
	d.SetReadOnly(true)
	err := d.WriteCluster(d.FirstDataCluster(), 0, make([]byte, d.ClusterSize()))
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestRawBaseIdentityMapping(t *testing.T) {
	size := int64(8) * clusterBytes(constants.DefaultClusterShift)
	mem := NewMemFile(size)
	base, err := OpenRawBase(mem, constants.DefaultClusterShift, true)
	require.NoError(t, err)

	phys, ok := base.Lookup(3)
	require.True(t, ok)
	require.EqualValues(t, 3, phys)

	_, ok = base.Lookup(8)
	require.False(t, ok, "cluster at virtual size boundary is out of range")
}

func TestPlanGrowRelocatesOverlappingData(t *testing.T) {
	// 4 KiB clusters: the BAT grows from one cluster to three, so the
	// first data cluster moves from 2 to 4 and covers phys.
	d, err := Create(NewMemFile(0), CreateOptions{
		Role:                ondisk.RoleImageDelta,
		ClusterShift:        constants.MinClusterShift,
		VirtualSizeClusters: constants.BATEntriesPerPage,
		CacheSize:           16,
	})
	require.NoError(t, err)

	phys, err := d.ReserveTail()
	require.NoError(t, err)
	_, err = d.MarkDirty(0, phys, 1)
	require.NoError(t, err)

	newFirst, relocations, err := d.PlanGrow(uint64(constants.BATEntriesPerPage) * 3)
	require.NoError(t, err)
	require.Greater(t, newFirst, d.FirstDataCluster())
	if phys < newFirst {
		require.NotEmpty(t, relocations)
	}
}
