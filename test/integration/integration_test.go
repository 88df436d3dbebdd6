// Package integration exercises the ploop engine end to end against the
// concrete scenarios of the stack's structural operations: snapshot,
// copy-up, crash recovery, merge, barrier ordering, and relocate under
// load.
package integration

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ploop "github.com/ploop/ploop"
	"github.com/ploop/ploop/internal/constants"
	"github.com/ploop/ploop/internal/delta"
	"github.com/ploop/ploop/internal/ondisk"
)

const testClusterShift = constants.DefaultClusterShift

func clusterBytes() int64 {
	return int64(1<<testClusterShift) * constants.SectorSize
}

func newImageDelta(t *testing.T, virtualSizeClusters uint64) *delta.ImageDelta {
	t.Helper()
	d, err := delta.Create(delta.NewMemFile(0), delta.CreateOptions{
		Role:                ondisk.RoleImageDelta,
		ClusterShift:        testClusterShift,
		VirtualSizeClusters: virtualSizeClusters,
	})
	require.NoError(t, err)
	return d
}

func newEngine(t *testing.T, layers ...delta.Layer) *ploop.Engine {
	t.Helper()
	params := ploop.DefaultParams(layers...)
	params.CommitBatchInterval = time.Hour
	e, err := ploop.Open(params)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func fill(n int, b byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

// Scenario A — fresh snapshot preserves data.
func TestScenarioA_SnapshotPreservesData(t *testing.T) {
	ctx := context.Background()
	cs := clusterBytes()

	top := newImageDelta(t, 1)
	e := newEngine(t, top)

	half := fill(int(cs/2), 0xAA)
	require.NoError(t, e.Write(ctx, 0, half))
	require.NoError(t, e.Flush(ctx))

	_, err := e.Snapshot(ctx, delta.NewMemFile(0))
	require.NoError(t, err)

	secondHalf := fill(int(cs/2), 0xBB)
	require.NoError(t, e.Write(ctx, cs/2, secondHalf))
	require.NoError(t, e.Flush(ctx))

	whole := make([]byte, cs)
	require.NoError(t, e.Read(ctx, 0, whole))
	require.Equal(t, byte(0xAA), whole[0])
	require.Equal(t, byte(0xBB), whole[cs/2])

	// Demote top, read the same range against the previous delta directly.
	layers := e.Layers()
	require.Len(t, layers, 2)
	frozen := layers[0]
	require.True(t, frozen.ReadOnly())

	phys, ok := frozen.Lookup(0)
	require.True(t, ok)
	prevBuf := make([]byte, cs)
	require.NoError(t, frozen.ReadCluster(phys, 0, prevBuf))
	require.True(t, bytes.Equal(prevBuf[:cs/2], half))
	for _, b := range prevBuf[cs/2:] {
		require.Equal(t, byte(0), b)
	}
}

// Scenario B — copy-up on partial write, against a raw base.
func TestScenarioB_CopyUpOnPartialWrite(t *testing.T) {
	ctx := context.Background()
	cs := clusterBytes()

	baseFile := delta.NewMemFile(cs)
	baseBuf := fill(int(cs), 0x11)
	_, err := baseFile.WriteAt(baseBuf, 0)
	require.NoError(t, err)

	base, err := delta.OpenRawBase(baseFile, testClusterShift, true)
	require.NoError(t, err)

	top := newImageDelta(t, 1)
	e := newEngine(t, base, top)

	partial := fill(4096, 0x22)
	require.NoError(t, e.Write(ctx, 0, partial))
	require.NoError(t, e.Flush(ctx))

	out := make([]byte, cs)
	require.NoError(t, e.Read(ctx, 0, out))
	require.True(t, bytes.Equal(out[:4096], partial))
	for _, b := range out[4096:] {
		require.Equal(t, byte(0x11), b)
	}
}

// Scenario C — crash between data and metadata: the data write reaches
// storage but the BAT-page flush (the metadata barrier) never happens.
func TestScenarioC_CrashBetweenDataAndMetadata(t *testing.T) {
	ctx := context.Background()
	cs := clusterBytes()

	backing := delta.NewMemFile(0)
	fault := ploop.NewFaultInjectingFile(backing)
	top, err := delta.Create(fault, delta.CreateOptions{
		Role:                ondisk.RoleImageDelta,
		ClusterShift:        testClusterShift,
		VirtualSizeClusters: 8,
	})
	require.NoError(t, err)

	e := newEngine(t, top)
	// The staged write wakes the commit worker; failing its barrier keeps
	// the header from ever naming the BAT page's new generation.
	fault.FailNextSyncs(1)
	payload := fill(int(cs), 0xCC)
	require.NoError(t, e.Write(ctx, 5*cs, payload))
	// No Flush(): the data write landed (WriteCluster is synchronous) but
	// the BAT page and header were never committed.

	reopened, err := delta.Open(backing, 0)
	require.NoError(t, err)
	_, ok := reopened.Lookup(5)
	require.False(t, ok, "uncommitted BAT entry must not survive reopen")

	e2 := newEngine(t, reopened)
	out := make([]byte, cs)
	require.NoError(t, e2.Read(ctx, 5*cs, out))
	for _, b := range out {
		require.Equal(t, byte(0), b)
	}
}

// Scenario D — merge is data-preserving.
func TestScenarioD_MergeIsDataPreserving(t *testing.T) {
	ctx := context.Background()
	cs := clusterBytes()

	base := newImageDelta(t, 16)
	d1 := newImageDelta(t, 16)
	d2 := newImageDelta(t, 16)

	writeCluster := func(d *delta.ImageDelta, logical uint32, val byte) {
		phys, err := d.ReserveTail()
		require.NoError(t, err)
		buf := fill(int(cs), val)
		require.NoError(t, d.WriteCluster(phys, 0, buf))
		_, err = d.MarkDirty(logical, phys, 1)
		require.NoError(t, err)
	}

	writeCluster(base, 7, 0xFF)
	writeCluster(base, 12, 0xFF)
	writeCluster(d1, 7, 0xEE)
	writeCluster(d2, 7, 0xDD)

	e := newEngine(t, base, d1, d2)
	merged, err := e.Merge(ctx, 1, 3, delta.NewMemFile(0))
	require.NoError(t, err)
	require.Len(t, e.Layers(), 2)

	out := make([]byte, cs)
	require.NoError(t, e.Read(ctx, 7*cs, out))
	require.Equal(t, byte(0xDD), out[0])

	_, ok := merged.Lookup(12)
	require.False(t, ok, "merge only covers layers [1,3), cluster 12 is base-only")

	require.NoError(t, e.Read(ctx, 12*cs, out))
	require.Equal(t, byte(0xFF), out[0])
}

// Scenario E — barrier ordering: a flush issued after two writes only
// returns once both writes' data and BAT updates are durable, and a write
// issued after the flush cannot be observed as having committed before it.
func TestScenarioE_BarrierOrdering(t *testing.T) {
	ctx := context.Background()
	cs := clusterBytes()

	top := newImageDelta(t, 4)
	e := newEngine(t, top)

	a := fill(int(cs), 0xA1)
	b := fill(int(cs), 0xB2)
	require.NoError(t, e.Write(ctx, 0, a))
	require.NoError(t, e.Write(ctx, cs, b))
	require.NoError(t, e.Flush(ctx))

	genAfterBarrier := top.Generation()
	require.Greater(t, genAfterBarrier, uint64(0))

	c := fill(int(cs), 0xC3)
	require.NoError(t, e.Write(ctx, 2*cs, c))

	// Before W_c's own flush, the engine already serves it from the staged
	// mapping; the flush that follows commits it under a newer generation.
	out := make([]byte, cs)
	require.NoError(t, e.Read(ctx, 2*cs, out))
	require.Equal(t, byte(0xC3), out[0], "engine's own view reflects the staged write")

	require.NoError(t, e.Flush(ctx))
	require.Greater(t, top.Generation(), genAfterBarrier)
}

// Scenario F — relocate under load: concurrent reads never observe a mix
// of old and new physical contents.
func TestScenarioF_RelocateUnderLoad(t *testing.T) {
	ctx := context.Background()
	cs := clusterBytes()

	top := newImageDelta(t, 200)
	phys, err := top.ReserveTail()
	require.NoError(t, err)
	original := fill(int(cs), 0x10)
	require.NoError(t, top.WriteCluster(phys, 0, original))
	_, err = top.MarkDirty(100, phys, 1)
	require.NoError(t, err)

	e := newEngine(t, top)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	var corrupted bool

	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]byte, cs)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := e.Read(ctx, 100*cs, buf); err != nil {
				continue
			}
			for _, v := range buf {
				if v != 0x10 {
					mu.Lock()
					corrupted = true
					mu.Unlock()
				}
			}
		}
	}()

	require.NoError(t, e.Relocate(ctx, top, 100))

	newPhys, ok := top.Lookup(100)
	require.True(t, ok)
	require.NotEqual(t, phys, newPhys)
	moved := make([]byte, cs)
	require.NoError(t, top.ReadCluster(newPhys, 0, moved))
	require.Equal(t, original, moved, "relocate must move data unchanged to the new physical slot")

	time.Sleep(10 * time.Millisecond)
	close(stop)
	wg.Wait()

	require.False(t, corrupted, "no read observed anything but the relocated cluster's unchanged content")
}

// Round-trip and monotonicity: a cleanly closed stack reopens to an
// identical generation and byte image.
func TestRoundTripAndMonotonicity(t *testing.T) {
	ctx := context.Background()
	cs := clusterBytes()

	backing := delta.NewMemFile(0)
	top, err := delta.Create(backing, delta.CreateOptions{
		Role:                ondisk.RoleImageDelta,
		ClusterShift:        testClusterShift,
		VirtualSizeClusters: 4,
	})
	require.NoError(t, err)

	e := newEngine(t, top)
	payload := fill(int(cs), 0x42)
	require.NoError(t, e.Write(ctx, 0, payload))
	require.NoError(t, e.Flush(ctx))
	gen1 := top.Generation()
	require.NoError(t, e.Close(ctx))

	reopened1, err := delta.Open(backing, 0)
	require.NoError(t, err)
	require.Equal(t, gen1, reopened1.Generation())

	e2 := newEngine(t, reopened1)
	more := fill(int(cs), 0x43)
	require.NoError(t, e2.Write(ctx, cs, more))
	require.NoError(t, e2.Flush(ctx))
	gen2 := reopened1.Generation()
	require.NoError(t, e2.Close(ctx))

	require.Greater(t, gen2, gen1, "generation counter must not decrease across clean closes")

	reopened2, err := delta.Open(backing, 0)
	require.NoError(t, err)
	out := make([]byte, cs)
	require.NoError(t, reopened2.ReadCluster(mustPhys(t, reopened2, 0), 0, out))
	require.Equal(t, payload, out)
	require.NoError(t, reopened2.ReadCluster(mustPhys(t, reopened2, 1), 0, out))
	require.Equal(t, more, out)
}

func mustPhys(t *testing.T, d *delta.ImageDelta, logical uint32) uint32 {
	t.Helper()
	p, ok := d.Lookup(logical)
	require.True(t, ok)
	return p
}

// Scenario G — a transient backing-store sync failure during commit is
// retryable: the barrier fails, nothing durable changes, and a subsequent
// flush with the fault cleared commits cleanly.
func TestScenarioG_TransientSyncFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	cs := clusterBytes()

	fault := ploop.NewFaultInjectingFile(delta.NewMemFile(0))
	top, err := delta.Create(fault, delta.CreateOptions{
		Role:                ondisk.RoleImageDelta,
		ClusterShift:        testClusterShift,
		VirtualSizeClusters: 4,
	})
	require.NoError(t, err)

	e := newEngine(t, top)
	payload := fill(int(cs), 0x77)
	require.NoError(t, e.Write(ctx, 0, payload))
	require.NotEmpty(t, top.DirtyPages(), "write must stage a dirty BAT page before any commit")

	genBefore := top.Generation()

	fault.FailNextSyncs(1)
	require.Error(t, e.Flush(ctx), "a failed barrier sync must surface to the caller")
	require.Equal(t, genBefore, top.Generation(), "generation must not advance on a failed commit")
	require.NotEmpty(t, top.DirtyPages(), "a failed commit must leave the page dirty for retry")

	require.NoError(t, e.Flush(ctx), "retrying the barrier with the fault cleared must succeed")
	require.Greater(t, top.Generation(), genBefore)
	require.Empty(t, top.DirtyPages())

	out := make([]byte, cs)
	require.NoError(t, e.Read(ctx, 0, out))
	require.Equal(t, payload, out)
	require.True(t, fault.HasSynced())
}
